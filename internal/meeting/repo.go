package meeting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists meetings and QR codes in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a meeting in SCHEDULED state.
func (r *Repository) Create(ctx context.Context, m Meeting) (Meeting, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusScheduled
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO meetings (id, title, lat, lon, radius_meters, scheduled_start, scheduled_end,
			late_cutoff_minutes, expiry_strategy, strategy_param, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at
	`, m.ID, m.Title, m.Lat, m.Lon, m.RadiusMeters, m.ScheduledStart, m.ScheduledEnd,
		m.LateCutoffMinutes, m.Strategy, m.StrategyParam, m.Status)
	if err := row.Scan(&m.CreatedAt); err != nil {
		return Meeting{}, err
	}
	return m, nil
}

// Get returns a meeting by id.
func (r *Repository) Get(ctx context.Context, id string) (*Meeting, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, lat, lon, radius_meters, scheduled_start, scheduled_end,
			actual_start, actual_end, late_cutoff_minutes, expiry_strategy, strategy_param,
			status, created_at
		FROM meetings WHERE id = $1
	`, id)
	var m Meeting
	if err := row.Scan(&m.ID, &m.Title, &m.Lat, &m.Lon, &m.RadiusMeters, &m.ScheduledStart,
		&m.ScheduledEnd, &m.ActualStart, &m.ActualEnd, &m.LateCutoffMinutes, &m.Strategy,
		&m.StrategyParam, &m.Status, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// SetStatus updates lifecycle state and stamps actual start/end when given.
func (r *Repository) SetStatus(ctx context.Context, id string, st Status, actualStart, actualEnd *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE meetings
		SET status = $2,
			actual_start = COALESCE($3, actual_start),
			actual_end = COALESCE($4, actual_end)
		WHERE id = $1
	`, id, st, actualStart, actualEnd)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a meeting. QR codes, attendance, attempts, and pending
// verifications go with it via ON DELETE CASCADE in the schema.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM meetings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QRByToken looks a code up by its signed token. Missing is (nil, nil).
func (r *Repository) QRByToken(ctx context.Context, token string) (*QRCode, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, meeting_id, token, scan_count, max_scans, expires_at, is_active,
			invalidated_at, invalidated_reason, created_at
		FROM qr_codes WHERE token = $1
	`, token)
	var qr QRCode
	var reason sql.NullString
	if err := row.Scan(&qr.ID, &qr.MeetingID, &qr.Token, &qr.ScanCount, &qr.MaxScans,
		&qr.ExpiresAt, &qr.IsActive, &qr.InvalidatedAt, &reason, &qr.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	qr.InvalidatedReason = reason.String
	return &qr, nil
}

// ReplaceActiveQR deactivates every active code for the meeting and inserts
// the new one in a single transaction, preserving the at-most-one-active
// invariant under concurrent regeneration.
func (r *Repository) ReplaceActiveQR(ctx context.Context, qr QRCode, reason string) (QRCode, error) {
	if qr.ID == "" {
		qr.ID = uuid.NewString()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return QRCode{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE qr_codes
		SET is_active = FALSE, invalidated_at = NOW(), invalidated_reason = $2
		WHERE meeting_id = $1 AND is_active = TRUE
	`, qr.MeetingID, reason); err != nil {
		return QRCode{}, fmt.Errorf("deactivate prior codes: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO qr_codes (id, meeting_id, token, max_scans, expires_at, is_active)
		VALUES ($1,$2,$3,$4,$5,TRUE)
		RETURNING created_at
	`, qr.ID, qr.MeetingID, qr.Token, qr.MaxScans, qr.ExpiresAt)
	if err := row.Scan(&qr.CreatedAt); err != nil {
		return QRCode{}, fmt.Errorf("insert code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return QRCode{}, err
	}
	qr.IsActive = true
	return qr, nil
}

// DeactivateQRs invalidates every active code for a meeting.
func (r *Repository) DeactivateQRs(ctx context.Context, meetingID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE qr_codes
		SET is_active = FALSE, invalidated_at = NOW(), invalidated_reason = $2
		WHERE meeting_id = $1 AND is_active = TRUE
	`, meetingID, reason)
	return err
}

// SetActiveQRExpiry stamps an expiry on the meeting's active code.
func (r *Repository) SetActiveQRExpiry(ctx context.Context, meetingID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE qr_codes SET expires_at = $2
		WHERE meeting_id = $1 AND is_active = TRUE
	`, meetingID, at)
	return err
}

// IncrementScan bumps the scan counter at the storage layer so concurrent
// scans never undercount.
func (r *Repository) IncrementScan(ctx context.Context, qrID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE qr_codes SET scan_count = scan_count + 1 WHERE id = $1
	`, qrID)
	return err
}
