package meeting

import (
	"context"
	"fmt"
	"time"

	"meetverify/internal/metrics"
	"meetverify/internal/notify"
	"meetverify/internal/qrtoken"
)

// Store is the persistence the service needs. Implemented by Repository;
// tests substitute a fake.
type Store interface {
	Get(ctx context.Context, id string) (*Meeting, error)
	SetStatus(ctx context.Context, id string, st Status, actualStart, actualEnd *time.Time) error
	QRByToken(ctx context.Context, token string) (*QRCode, error)
	ReplaceActiveQR(ctx context.Context, qr QRCode, reason string) (QRCode, error)
	DeactivateQRs(ctx context.Context, meetingID, reason string) error
	SetActiveQRExpiry(ctx context.Context, meetingID string, at time.Time) error
	IncrementScan(ctx context.Context, qrID string) error
}

// Service drives the meeting state machine and the QR code lifecycle.
type Service struct {
	store    Store
	codec    *qrtoken.Codec
	notifier notify.Notifier
	now      func() time.Time
}

// NewService wires the state machine to its storage and collaborators.
func NewService(store Store, codec *qrtoken.Codec, notifier notify.Notifier) *Service {
	return &Service{store: store, codec: codec, notifier: notifier, now: time.Now}
}

// Start moves SCHEDULED to ACTIVE and stamps the actual start time. For a
// TIME_BASED meeting it also anchors the active QR code's expiry to it.
func (s *Service) Start(ctx context.Context, id string) (*Meeting, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(m.Status, StatusActive); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.SetStatus(ctx, id, StatusActive, &now, nil); err != nil {
		return nil, err
	}
	m.Status = StatusActive
	m.ActualStart = &now

	if m.Strategy == ExpiryTimeBased && m.StrategyParam > 0 {
		expiry := now.Add(time.Duration(m.StrategyParam) * time.Minute)
		if err := s.store.SetActiveQRExpiry(ctx, id, expiry); err != nil {
			return nil, fmt.Errorf("set qr expiry: %w", err)
		}
	}

	s.notifier.MeetingStatusChanged(ctx, id, string(StatusActive))
	return m, nil
}

// End moves ACTIVE → ENDED, stamps actual end, and invalidates all codes.
func (s *Service) End(ctx context.Context, id string) (*Meeting, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(m.Status, StatusEnded); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.SetStatus(ctx, id, StatusEnded, nil, &now); err != nil {
		return nil, err
	}
	if err := s.store.DeactivateQRs(ctx, id, "meeting ended"); err != nil {
		return nil, err
	}
	m.Status = StatusEnded
	m.ActualEnd = &now

	s.notifier.MeetingStatusChanged(ctx, id, string(StatusEnded))
	return m, nil
}

// Cancel moves SCHEDULED → CANCELLED and invalidates all codes. An ACTIVE
// meeting must be ended first; checkTransition enforces that.
func (s *Service) Cancel(ctx context.Context, id string) (*Meeting, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(m.Status, StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(ctx, id, StatusCancelled, nil, nil); err != nil {
		return nil, err
	}
	if err := s.store.DeactivateQRs(ctx, id, "meeting cancelled"); err != nil {
		return nil, err
	}
	m.Status = StatusCancelled

	s.notifier.MeetingStatusChanged(ctx, id, string(StatusCancelled))
	return m, nil
}

// IssueQR mints a new signed token and installs it as the meeting's single
// active code. Any previously active code is invalidated in the same
// storage transaction, so two concurrent regenerations cannot leave two
// active codes behind.
func (s *Service) IssueQR(ctx context.Context, meetingID string) (*QRCode, error) {
	m, err := s.store.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == StatusEnded || m.Status == StatusCancelled {
		return nil, ErrMeetingNotActive
	}

	now := s.now().UTC()
	token, err := s.codec.Issue(meetingID, now)
	if err != nil {
		return nil, err
	}

	qr := QRCode{
		MeetingID: meetingID,
		Token:     token,
		IsActive:  true,
	}
	switch m.Strategy {
	case ExpiryMaxScans:
		limit := m.StrategyParam
		qr.MaxScans = &limit
	case ExpiryTimeBased:
		// Anchored to actual start; a code issued before start gets its
		// expiry stamped by Start.
		if m.ActualStart != nil && m.StrategyParam > 0 {
			expiry := m.ActualStart.Add(time.Duration(m.StrategyParam) * time.Minute)
			qr.ExpiresAt = &expiry
		}
	case ExpiryUntilEnd:
		// Nothing extra: only state transitions invalidate it.
	}

	created, err := s.store.ReplaceActiveQR(ctx, qr, "superseded by regeneration")
	if err != nil {
		return nil, err
	}

	s.notifier.QRRegenerated(ctx, meetingID, created.ID)
	return &created, nil
}

// ValidateQR verifies a scanned token end to end: signature, code active,
// meeting ACTIVE, then the strategy-specific expiry rule. It never mutates
// state; scan counting is RecordScan's job.
func (s *Service) ValidateQR(ctx context.Context, token string) (*QRCode, *Meeting, error) {
	if _, err := s.codec.Parse(token); err != nil {
		metrics.QRFailures.WithLabelValues("invalid_token").Inc()
		return nil, nil, err
	}
	qr, err := s.store.QRByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if qr == nil {
		// Correctly signed but unknown: treat like a forgery, leak nothing.
		metrics.QRFailures.WithLabelValues("invalid_token").Inc()
		return nil, nil, qrtoken.ErrInvalidToken
	}
	if !qr.IsActive {
		metrics.QRFailures.WithLabelValues("inactive").Inc()
		return nil, nil, ErrQRInactive
	}
	m, err := s.store.Get(ctx, qr.MeetingID)
	if err != nil {
		return nil, nil, err
	}
	if m.Status != StatusActive {
		metrics.QRFailures.WithLabelValues("meeting_not_active").Inc()
		return nil, nil, ErrMeetingNotActive
	}

	switch m.Strategy {
	case ExpiryTimeBased:
		if qr.ExpiresAt != nil && s.now().After(*qr.ExpiresAt) {
			metrics.QRFailures.WithLabelValues("expired").Inc()
			return nil, nil, ErrQRExpired
		}
	case ExpiryMaxScans:
		if qr.MaxScans != nil && qr.ScanCount >= *qr.MaxScans {
			metrics.QRFailures.WithLabelValues("max_scans").Inc()
			return nil, nil, ErrQRMaxScans
		}
	case ExpiryUntilEnd:
		// Meeting-state gate above is the whole rule.
	}
	return qr, m, nil
}

// RecordScan counts an attempt against the code. Counted even when the rest
// of the pipeline later rejects the check-in; a scan is a scan.
func (s *Service) RecordScan(ctx context.Context, qrID string) error {
	return s.store.IncrementScan(ctx, qrID)
}
