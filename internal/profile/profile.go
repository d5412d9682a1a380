// Package profile manages enrolled members and their encrypted facial
// embeddings. Embeddings are AEAD-sealed at rest and decrypted only in
// memory for comparison; only ACTIVE members are ever offered to the
// matcher.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"meetverify/internal/facematch"
)

// Status is the member enrolment state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

var (
	ErrNotFound       = errors.New("profile not found")
	ErrDuplicatePhone = errors.New("phone number already enrolled")
)

// Profile is an enrolled member.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists profiles in Postgres, sealing embeddings on the way in.
type Repository struct {
	db     *sql.DB
	sealer *facematch.Sealer
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB, sealer *facematch.Sealer) *Repository {
	return &Repository{db: db, sealer: sealer}
}

// Enroll creates a member with a sealed embedding. Phone numbers are unique.
func (r *Repository) Enroll(ctx context.Context, p Profile, embedding []float32) (Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	sealed, err := r.sealer.Seal(embedding)
	if err != nil {
		return Profile{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO profiles (id, name, phone, status, embedding)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, p.ID, p.Name, p.Phone, p.Status, sealed)
	if err := row.Scan(&p.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Profile{}, ErrDuplicatePhone
		}
		return Profile{}, err
	}
	return p, nil
}

// Get returns a profile by id.
func (r *Repository) Get(ctx context.Context, id string) (*Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, phone, status, created_at FROM profiles WHERE id = $1
	`, id)
	var p Profile
	if err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Status, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// SetStatus updates enrolment state.
func (r *Repository) SetStatus(ctx context.Context, id string, st Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE profiles SET status = $2 WHERE id = $1`, id, st)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEmbedding replaces a member's sealed embedding.
func (r *Repository) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	sealed, err := r.sealer.Seal(embedding)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE profiles SET embedding = $2 WHERE id = $1`, id, sealed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveEmbeddings returns decrypted embeddings for every ACTIVE member.
// A row that fails to unseal is skipped with a log line rather than taking
// every check-in down with it.
func (r *Repository) ActiveEmbeddings(ctx context.Context) ([]facematch.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, embedding FROM profiles
		WHERE status = $1 AND embedding IS NOT NULL
	`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []facematch.Candidate
	for rows.Next() {
		var id string
		var sealed []byte
		if err := rows.Scan(&id, &sealed); err != nil {
			return nil, err
		}
		vec, err := r.sealer.Open(sealed)
		if err != nil {
			log.Printf("profile %s: unsealing embedding failed: %v", id, err)
			continue
		}
		out = append(out, facematch.Candidate{ProfileID: id, Embedding: vec})
	}
	return out, rows.Err()
}
