package checkin

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists attendance, attempts, and pending verifications.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertAttendance writes a new attendance row. A unique violation on
// (meeting_id, profile_id) is the duplicate-check-in race losing side and
// comes back as ErrDuplicateAttendance, not an internal error.
func (r *Repository) InsertAttendance(ctx context.Context, att Attendance) (Attendance, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, meeting_id, profile_id, method, confidence, late, lat, lon, device_info)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, att.ID, att.MeetingID, att.ProfileID, att.Method, att.Confidence, att.Late, att.Lat, att.Lon, att.DeviceInfo)
	if err := row.Scan(&att.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Attendance{}, ErrDuplicateAttendance
		}
		return Attendance{}, err
	}
	return att, nil
}

// GetAttendance returns the attendance for (meeting, profile), or nil.
func (r *Repository) GetAttendance(ctx context.Context, meetingID, profileID string) (*Attendance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, meeting_id, profile_id, method, confidence, late, lat, lon, device_info, created_at
		FROM attendance WHERE meeting_id = $1 AND profile_id = $2
	`, meetingID, profileID)
	var att Attendance
	if err := row.Scan(&att.ID, &att.MeetingID, &att.ProfileID, &att.Method, &att.Confidence,
		&att.Late, &att.Lat, &att.Lon, &att.DeviceInfo, &att.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &att, nil
}

// DeleteAttendance removes a row (admin correction) and returns what was
// deleted so the caller can notify subscribers.
func (r *Repository) DeleteAttendance(ctx context.Context, id string) (*Attendance, error) {
	row := r.db.QueryRowContext(ctx, `
		DELETE FROM attendance WHERE id = $1
		RETURNING id, meeting_id, profile_id, method, confidence, late, lat, lon, device_info, created_at
	`, id)
	var att Attendance
	if err := row.Scan(&att.ID, &att.MeetingID, &att.ProfileID, &att.Method, &att.Confidence,
		&att.Late, &att.Lat, &att.Lon, &att.DeviceInfo, &att.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttendanceNotFound
		}
		return nil, err
	}
	return &att, nil
}

// ListAttendance returns attendance for a meeting, newest first.
func (r *Repository) ListAttendance(ctx context.Context, meetingID string, limit, offset int) ([]Attendance, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, meeting_id, profile_id, method, confidence, late, lat, lon, device_info, created_at
		FROM attendance WHERE meeting_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, meetingID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attendance
	for rows.Next() {
		var att Attendance
		if err := rows.Scan(&att.ID, &att.MeetingID, &att.ProfileID, &att.Method, &att.Confidence,
			&att.Late, &att.Lat, &att.Lon, &att.DeviceInfo, &att.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// InsertAttempt appends an audit row. Attempts are never updated or deleted.
func (r *Repository) InsertAttempt(ctx context.Context, a Attempt) (Attempt, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO verification_attempts (id, meeting_id, profile_id, subject_key, outcome, confidence, image_ref, lat, lon, device_info)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at
	`, a.ID, a.MeetingID, a.ProfileID, a.SubjectKey, a.Outcome, a.Confidence, a.ImageRef, a.Lat, a.Lon, a.DeviceInfo)
	if err := row.Scan(&a.CreatedAt); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// CountFailedAttempts counts prior rejections and liveness failures for the
// subject in this meeting; the retry budget is computed from it. Duplicate
// scans are excluded: re-scanning after a successful check-in is not a
// failed verification.
func (r *Repository) CountFailedAttempts(ctx context.Context, meetingID, subjectKey string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_attempts
		WHERE meeting_id = $1 AND subject_key = $2 AND outcome IN ($3, $4)
	`, meetingID, subjectKey, OutcomeRejected, OutcomeLivenessFailed).Scan(&n)
	return n, err
}

// OpenPending returns the open pending verification for (meeting, profile),
// or nil. At most one can be open at a time (partial unique index).
func (r *Repository) OpenPending(ctx context.Context, meetingID, profileID string) (*Pending, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, meeting_id, profile_id, confidence, image_ref, captured_at, lat, lon, device_info,
			status, reviewer_id, reviewed_at, notes, created_at
		FROM pending_verifications
		WHERE meeting_id = $1 AND profile_id = $2 AND status = $3
	`, meetingID, profileID, PendingOpen)
	return scanPending(row)
}

// InsertPending opens a new pending verification. A unique violation on the
// one-open-pending partial index is the losing side of a concurrent raise
// and comes back as errPendingExists, same idiom as InsertAttendance.
func (r *Repository) InsertPending(ctx context.Context, p Pending) (Pending, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PendingOpen
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO pending_verifications (id, meeting_id, profile_id, confidence, image_ref, captured_at, lat, lon, device_info, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at
	`, p.ID, p.MeetingID, p.ProfileID, p.Confidence, p.ImageRef, p.CapturedAt, p.Lat, p.Lon, p.DeviceInfo, p.Status)
	if err := row.Scan(&p.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Pending{}, errPendingExists
		}
		return Pending{}, err
	}
	return p, nil
}

// GetPending returns a pending verification by id.
func (r *Repository) GetPending(ctx context.Context, id string) (*Pending, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, meeting_id, profile_id, confidence, image_ref, captured_at, lat, lon, device_info,
			status, reviewer_id, reviewed_at, notes, created_at
		FROM pending_verifications WHERE id = $1
	`, id)
	p, err := scanPending(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPendingNotFound
	}
	return p, nil
}

// ListPending returns open pending verifications, oldest first, for the
// review console.
func (r *Repository) ListPending(ctx context.Context, meetingID string, limit, offset int) ([]Pending, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, meeting_id, profile_id, confidence, image_ref, captured_at, lat, lon, device_info,
			status, reviewer_id, reviewed_at, notes, created_at
		FROM pending_verifications
		WHERE meeting_id = $1 AND status = $2
		ORDER BY created_at ASC LIMIT $3 OFFSET $4
	`, meetingID, PendingOpen, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Pending
	for rows.Next() {
		p, err := scanPendingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkReviewed is the single-transition gate: it only fires while the row is
// still PENDING, so the second of two racing reviews always fails with
// ErrAlreadyReviewed.
func (r *Repository) MarkReviewed(ctx context.Context, id string, st PendingStatus, reviewerID, notes string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_verifications
		SET status = $2, reviewer_id = $3, notes = $4, reviewed_at = $5
		WHERE id = $1 AND status = $6
	`, id, st, reviewerID, notes, at, PendingOpen)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either reviewed already or never existed; disambiguate.
		if _, err := r.GetPending(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyReviewed
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row *sql.Row) (*Pending, error) {
	p, err := scanPendingRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func scanPendingRow(row rowScanner) (*Pending, error) {
	var p Pending
	var notes sql.NullString
	if err := row.Scan(&p.ID, &p.MeetingID, &p.ProfileID, &p.Confidence, &p.ImageRef, &p.CapturedAt,
		&p.Lat, &p.Lon, &p.DeviceInfo, &p.Status, &p.ReviewerID, &p.ReviewedAt, &notes, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Notes = notes.String
	return &p, nil
}
