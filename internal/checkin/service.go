package checkin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"meetverify/internal/facematch"
	"meetverify/internal/geo"
	"meetverify/internal/meeting"
	"meetverify/internal/metrics"
	"meetverify/internal/notify"
)

// QRGate validates scanned tokens and counts scans. Satisfied by
// meeting.Service.
type QRGate interface {
	ValidateQR(ctx context.Context, token string) (*meeting.QRCode, *meeting.Meeting, error)
	RecordScan(ctx context.Context, qrID string) error
}

// Embedder produces face embeddings and anti-spoofing verdicts from
// captured images. Satisfied by facematch.Client.
type Embedder interface {
	Ready() bool
	Extract(ctx context.Context, image []byte) ([]float32, float64, error)
	Liveness(ctx context.Context, image []byte) (*facematch.LivenessResult, error)
}

// ProfileSource supplies the decrypted embeddings of active members.
type ProfileSource interface {
	ActiveEmbeddings(ctx context.Context) ([]facematch.Candidate, error)
}

// MeetingSource loads meetings for the review workflow's lateness recompute.
type MeetingSource interface {
	Get(ctx context.Context, id string) (*meeting.Meeting, error)
}

// Store is the orchestrator's persistence. Implemented by Repository.
type Store interface {
	InsertAttendance(ctx context.Context, att Attendance) (Attendance, error)
	GetAttendance(ctx context.Context, meetingID, profileID string) (*Attendance, error)
	DeleteAttendance(ctx context.Context, id string) (*Attendance, error)
	InsertAttempt(ctx context.Context, a Attempt) (Attempt, error)
	CountFailedAttempts(ctx context.Context, meetingID, subjectKey string) (int, error)
	OpenPending(ctx context.Context, meetingID, profileID string) (*Pending, error)
	InsertPending(ctx context.Context, p Pending) (Pending, error)
	GetPending(ctx context.Context, id string) (*Pending, error)
	MarkReviewed(ctx context.Context, id string, st PendingStatus, reviewerID, notes string, at time.Time) error
}

// Request is one check-in submission.
type Request struct {
	QRToken    string
	Lat        float64
	Lon        float64
	Image      []byte
	ImageRef   string
	DeviceInfo string
}

// Service is the check-in orchestrator.
type Service struct {
	qr       QRGate
	embedder Embedder
	profiles ProfileSource
	meetings MeetingSource
	store    Store
	notifier notify.Notifier
	now      func() time.Time
}

// NewService composes the pipeline.
func NewService(qr QRGate, embedder Embedder, profiles ProfileSource, meetings MeetingSource, store Store, notifier notify.Notifier) *Service {
	return &Service{
		qr:       qr,
		embedder: embedder,
		profiles: profiles,
		meetings: meetings,
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// CheckIn runs the full decision pipeline for one submission. Expected
// domain failures come back as sentinel errors the transport layer maps to
// status codes; approved/pending/rejected verdicts come back as a Result.
func (s *Service) CheckIn(ctx context.Context, req Request) (*Result, error) {
	qr, mtg, err := s.qr.ValidateQR(ctx, req.QRToken)
	if err != nil {
		metrics.CheckIns.WithLabelValues("invalid_qr").Inc()
		return nil, err
	}

	// Scan-count policy: the attempt is counted no matter how the rest of
	// the pipeline rules, so a rejected try still consumes a MAX_SCANS slot.
	if err := s.qr.RecordScan(ctx, qr.ID); err != nil {
		return nil, fmt.Errorf("record scan: %w", err)
	}

	now := s.now().UTC()
	fence := geo.Fence{Lat: mtg.Lat, Lon: mtg.Lon, RadiusMeters: mtg.RadiusMeters}
	if within, dist := fence.Check(req.Lat, req.Lon); !within {
		s.logAttempt(ctx, Attempt{
			MeetingID:  mtg.ID,
			SubjectKey: subjectKey(nil, req.DeviceInfo),
			Outcome:    OutcomeOutsideGeofence,
			ImageRef:   req.ImageRef,
			Lat:        req.Lat,
			Lon:        req.Lon,
			DeviceInfo: req.DeviceInfo,
		})
		metrics.CheckIns.WithLabelValues("outside_geofence").Inc()
		return nil, &GeofenceError{DistanceMeters: dist, RadiusMeters: mtg.RadiusMeters}
	}

	if !s.embedder.Ready() {
		metrics.CheckIns.WithLabelValues("not_ready").Inc()
		return nil, facematch.ErrNotReady
	}

	embedStart := time.Now()
	probe, _, err := s.embedder.Extract(ctx, req.Image)
	metrics.EmbedLatency.Observe(time.Since(embedStart).Seconds())
	switch {
	case errors.Is(err, facematch.ErrNoFace):
		return s.reject(ctx, mtg, nil, nil, req, OutcomeRejected, "no usable face detected")
	case errors.Is(err, facematch.ErrNotReady):
		metrics.CheckIns.WithLabelValues("not_ready").Inc()
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("embedding extraction: %w", err)
	}

	live, err := s.embedder.Liveness(ctx, req.Image)
	if err != nil {
		return nil, fmt.Errorf("liveness check: %w", err)
	}
	if !live.IsLive {
		return s.reject(ctx, mtg, nil, nil, req, OutcomeLivenessFailed, "liveness check failed")
	}

	candidates, err := s.profiles.ActiveEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load enrolled embeddings: %w", err)
	}
	best := facematch.BestMatch(probe, candidates)
	if best == nil {
		return s.reject(ctx, mtg, nil, nil, req, OutcomeRejected, "no enrolled members to match against")
	}

	existing, err := s.store.GetAttendance(ctx, mtg.ID, best.ProfileID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logAttempt(ctx, Attempt{
			MeetingID:  mtg.ID,
			ProfileID:  &best.ProfileID,
			SubjectKey: subjectKey(&best.ProfileID, req.DeviceInfo),
			Outcome:    OutcomeDuplicate,
			Confidence: &best.Confidence,
			ImageRef:   req.ImageRef,
			Lat:        req.Lat,
			Lon:        req.Lon,
			DeviceInfo: req.DeviceInfo,
		})
		metrics.CheckIns.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateAttendance
	}

	late := mtg.Late(now)
	confidence := best.Confidence

	switch {
	case confidence >= AutoApproveThreshold:
		return s.autoApprove(ctx, mtg, best, req, late)
	case confidence >= PendingReviewThreshold:
		return s.raisePending(ctx, mtg, best, req, now)
	default:
		return s.reject(ctx, mtg, &best.ProfileID, &confidence, req, OutcomeRejected, "confidence too low")
	}
}

func (s *Service) autoApprove(ctx context.Context, mtg *meeting.Meeting, best *facematch.Match, req Request, late bool) (*Result, error) {
	att, err := s.store.InsertAttendance(ctx, Attendance{
		MeetingID:  mtg.ID,
		ProfileID:  best.ProfileID,
		Method:     MethodFacialRecognition,
		Confidence: &best.Confidence,
		Late:       late,
		Lat:        req.Lat,
		Lon:        req.Lon,
		DeviceInfo: req.DeviceInfo,
	})
	if errors.Is(err, ErrDuplicateAttendance) {
		// Lost the race to a concurrent submission for the same member.
		s.logAttempt(ctx, Attempt{
			MeetingID:  mtg.ID,
			ProfileID:  &best.ProfileID,
			SubjectKey: subjectKey(&best.ProfileID, req.DeviceInfo),
			Outcome:    OutcomeDuplicate,
			Confidence: &best.Confidence,
			ImageRef:   req.ImageRef,
			Lat:        req.Lat,
			Lon:        req.Lon,
			DeviceInfo: req.DeviceInfo,
		})
		metrics.CheckIns.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateAttendance
	}
	if err != nil {
		return nil, err
	}

	s.logAttempt(ctx, Attempt{
		MeetingID:  mtg.ID,
		ProfileID:  &best.ProfileID,
		SubjectKey: subjectKey(&best.ProfileID, req.DeviceInfo),
		Outcome:    OutcomeSuccess,
		Confidence: &best.Confidence,
		ImageRef:   req.ImageRef,
		Lat:        req.Lat,
		Lon:        req.Lon,
		DeviceInfo: req.DeviceInfo,
	})
	s.notifier.AttendanceCreated(ctx, mtg.ID, best.ProfileID, att.ID, &best.Confidence)
	metrics.CheckIns.WithLabelValues("approved").Inc()

	return &Result{
		Decision:   DecisionApproved,
		Message:    "attendance recorded",
		Attendance: &att,
		Confidence: &best.Confidence,
	}, nil
}

func (s *Service) raisePending(ctx context.Context, mtg *meeting.Meeting, best *facematch.Match, req Request, now time.Time) (*Result, error) {
	pending, err := s.store.OpenPending(ctx, mtg.ID, best.ProfileID)
	if err != nil {
		return nil, err
	}
	created := false
	if pending == nil {
		p, err := s.store.InsertPending(ctx, Pending{
			MeetingID:  mtg.ID,
			ProfileID:  best.ProfileID,
			Confidence: best.Confidence,
			ImageRef:   req.ImageRef,
			CapturedAt: now,
			Lat:        req.Lat,
			Lon:        req.Lon,
			DeviceInfo: req.DeviceInfo,
			Status:     PendingOpen,
		})
		switch {
		case errors.Is(err, errPendingExists):
			// Lost the one-open-pending race; report the winner's row.
			pending, err = s.store.OpenPending(ctx, mtg.ID, best.ProfileID)
			if err != nil {
				return nil, err
			}
			if pending == nil {
				return nil, fmt.Errorf("open pending for meeting %s profile %s not found after unique violation", mtg.ID, best.ProfileID)
			}
		case err != nil:
			return nil, err
		default:
			pending = &p
			created = true
		}
	}

	s.logAttempt(ctx, Attempt{
		MeetingID:  mtg.ID,
		ProfileID:  &best.ProfileID,
		SubjectKey: subjectKey(&best.ProfileID, req.DeviceInfo),
		Outcome:    OutcomeLowConfidence,
		Confidence: &best.Confidence,
		ImageRef:   req.ImageRef,
		Lat:        req.Lat,
		Lon:        req.Lon,
		DeviceInfo: req.DeviceInfo,
	})
	if created {
		s.notifier.PendingRaised(ctx, mtg.ID, best.ProfileID, pending.ID, best.Confidence)
	}
	metrics.CheckIns.WithLabelValues("pending").Inc()

	return &Result{
		Decision:   DecisionPending,
		Message:    "match requires admin review",
		PendingID:  pending.ID,
		Confidence: &best.Confidence,
	}, nil
}

// reject logs the failed attempt and reports how many tries the subject has
// left. The prior count is taken before this attempt is written.
func (s *Service) reject(ctx context.Context, mtg *meeting.Meeting, profileID *string, confidence *float64, req Request, outcome Outcome, msg string) (*Result, error) {
	subject := subjectKey(profileID, req.DeviceInfo)
	prior, err := s.store.CountFailedAttempts(ctx, mtg.ID, subject)
	if err != nil {
		return nil, err
	}

	s.logAttempt(ctx, Attempt{
		MeetingID:  mtg.ID,
		ProfileID:  profileID,
		SubjectKey: subject,
		Outcome:    outcome,
		Confidence: confidence,
		ImageRef:   req.ImageRef,
		Lat:        req.Lat,
		Lon:        req.Lon,
		DeviceInfo: req.DeviceInfo,
	})
	label := "rejected"
	if outcome == OutcomeLivenessFailed {
		label = "liveness_failed"
	}
	metrics.CheckIns.WithLabelValues(label).Inc()

	remaining := MaxAttempts - prior
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Decision:          DecisionRejected,
		Message:           msg,
		AttemptsRemaining: &remaining,
		Confidence:        confidence,
	}, nil
}

// logAttempt writes the audit row. The audit trail must not mask the
// primary outcome, so failures are logged and swallowed.
func (s *Service) logAttempt(ctx context.Context, a Attempt) {
	if _, err := s.store.InsertAttempt(ctx, a); err != nil {
		log.Printf("verification attempt audit write failed (meeting %s, subject %s): %v", a.MeetingID, a.SubjectKey, err)
	}
}

// RemoveAttendance deletes an attendance record on admin request and tells
// subscribers it is gone.
func (s *Service) RemoveAttendance(ctx context.Context, id string) error {
	att, err := s.store.DeleteAttendance(ctx, id)
	if err != nil {
		return err
	}
	s.notifier.AttendanceRemoved(ctx, att.MeetingID, att.ProfileID, att.ID)
	return nil
}
