package checkin

import (
	"context"
	"errors"
	"fmt"
	"log"

	"meetverify/internal/metrics"
)

// Approve confirms a pending verification and creates the attendance the
// original check-in withheld. Single-use: the PENDING → APPROVED transition
// happens at most once, enforced by the store's compare-and-swap update.
//
// If an attendance for (meeting, profile) already exists because a separate
// auto-approved or manual check-in won a race, the pending record is still
// marked approved, but the caller gets ErrDuplicateAttendance instead of a
// second attendance row.
func (s *Service) Approve(ctx context.Context, pendingID, reviewerID, notes string) (*Attendance, error) {
	p, err := s.store.GetPending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if p.Status != PendingOpen {
		return nil, ErrAlreadyReviewed
	}

	// Everything fallible that can run before the single-use transition
	// does, so a transient failure leaves the pending reviewable. Lateness
	// is judged against the moment the face was captured, not the moment
	// the admin got around to reviewing it.
	mtg, err := s.meetings.Get(ctx, p.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("load meeting for approval: %w", err)
	}

	now := s.now().UTC()
	if err := s.store.MarkReviewed(ctx, pendingID, PendingApproved, reviewerID, notes, now); err != nil {
		return nil, err
	}
	metrics.ReviewDecisions.WithLabelValues("approved").Inc()

	existing, err := s.store.GetAttendance(ctx, p.MeetingID, p.ProfileID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateAttendance
	}

	confidence := p.Confidence
	att, err := s.store.InsertAttendance(ctx, Attendance{
		MeetingID:  p.MeetingID,
		ProfileID:  p.ProfileID,
		Method:     MethodFacialRecognition,
		Confidence: &confidence,
		Late:       mtg.Late(p.CapturedAt),
		Lat:        p.Lat,
		Lon:        p.Lon,
		DeviceInfo: p.DeviceInfo,
	})
	if errors.Is(err, ErrDuplicateAttendance) {
		return nil, ErrDuplicateAttendance
	}
	if err != nil {
		// Stranded state: the pending is APPROVED but no attendance was
		// written. Needs an operator to re-add the attendance manually.
		log.Printf("checkin: pending %s approved but attendance insert failed: %v", pendingID, err)
		return nil, err
	}

	s.notifier.AttendanceCreated(ctx, att.MeetingID, att.ProfileID, att.ID, att.Confidence)
	return &att, nil
}

// Reject closes a pending verification without creating attendance.
// Single-use like Approve.
func (s *Service) Reject(ctx context.Context, pendingID, reviewerID, notes string) error {
	p, err := s.store.GetPending(ctx, pendingID)
	if err != nil {
		return err
	}
	if p.Status != PendingOpen {
		return ErrAlreadyReviewed
	}
	if err := s.store.MarkReviewed(ctx, pendingID, PendingRejected, reviewerID, notes, s.now().UTC()); err != nil {
		return err
	}
	metrics.ReviewDecisions.WithLabelValues("rejected").Inc()
	return nil
}
