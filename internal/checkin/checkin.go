// Package checkin implements the end-to-end check-in decision pipeline:
// QR validation, geofence, facial match tiering, duplicate prevention, and
// the human-review fallback for ambiguous matches.
package checkin

import (
	"errors"
	"fmt"
	"time"
)

// Confidence tiers for the decision tree and the retry budget.
const (
	AutoApproveThreshold   = 95.0
	PendingReviewThreshold = 70.0
	MaxAttempts            = 3
)

// Method records how an attendance came to exist.
type Method string

const (
	MethodFacialRecognition Method = "FACIAL_RECOGNITION"
	MethodManualAdmin       Method = "MANUAL_ADMIN"
)

// Outcome classifies one verification attempt in the audit log.
type Outcome string

const (
	OutcomeSuccess         Outcome = "SUCCESS"
	OutcomeLowConfidence   Outcome = "LOW_CONFIDENCE"
	OutcomeRejected        Outcome = "REJECTED"
	OutcomeLivenessFailed  Outcome = "LIVENESS_FAILED"
	OutcomeOutsideGeofence Outcome = "OUTSIDE_GEOFENCE"

	// OutcomeDuplicate is an already-checked-in member scanning again. Not
	// counted against the retry budget; the member did nothing wrong.
	OutcomeDuplicate Outcome = "DUPLICATE"
)

// PendingStatus is the review lifecycle of an ambiguous match.
type PendingStatus string

const (
	PendingOpen     PendingStatus = "PENDING"
	PendingApproved PendingStatus = "APPROVED"
	PendingRejected PendingStatus = "REJECTED"
)

// Decision is the client-visible check-in verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionPending  Decision = "pending"
	DecisionRejected Decision = "rejected"
)

var (
	// ErrDuplicateAttendance means this member already checked in to this
	// meeting. The (meeting_id, profile_id) unique constraint is the
	// safety net under concurrent submissions.
	ErrDuplicateAttendance = errors.New("already checked in to this meeting")

	// ErrAlreadyReviewed means a pending verification was approved or
	// rejected before.
	ErrAlreadyReviewed = errors.New("pending verification already reviewed")

	ErrPendingNotFound    = errors.New("pending verification not found")
	ErrAttendanceNotFound = errors.New("attendance not found")

	// errPendingExists is the losing side of the one-open-pending insert
	// race. Never escapes the service; the winner's row is re-read and
	// reported instead.
	errPendingExists = errors.New("open pending verification already exists")
)

// GeofenceError reports a check-in attempted from outside the meeting's
// fence, with enough detail for the client to guide the user back.
type GeofenceError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceError) Error() string {
	return fmt.Sprintf("outside geofence: you are %.0fm away, allowed radius is %.0fm", e.DistanceMeters, e.RadiusMeters)
}

// Attendance is one successful check-in. Immutable once created, except for
// admin deletion.
type Attendance struct {
	ID         string    `json:"id"`
	MeetingID  string    `json:"meeting_id"`
	ProfileID  string    `json:"profile_id"`
	Method     Method    `json:"method"`
	Confidence *float64  `json:"confidence,omitempty"`
	Late       bool      `json:"late"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	DeviceInfo string    `json:"device_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attempt is one append-only audit row per check-in try.
type Attempt struct {
	ID         string    `json:"id"`
	MeetingID  string    `json:"meeting_id"`
	ProfileID  *string   `json:"profile_id,omitempty"`
	SubjectKey string    `json:"subject_key"`
	Outcome    Outcome   `json:"outcome"`
	Confidence *float64  `json:"confidence,omitempty"`
	ImageRef   string    `json:"image_ref,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	DeviceInfo string    `json:"device_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Pending is a medium-confidence match awaiting human judgment.
type Pending struct {
	ID         string        `json:"id"`
	MeetingID  string        `json:"meeting_id"`
	ProfileID  string        `json:"profile_id"`
	Confidence float64       `json:"confidence"`
	ImageRef   string        `json:"image_ref,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
	Lat        float64       `json:"lat"`
	Lon        float64       `json:"lon"`
	DeviceInfo string        `json:"device_info,omitempty"`
	Status     PendingStatus `json:"status"`
	ReviewerID *string       `json:"reviewer_id,omitempty"`
	ReviewedAt *time.Time    `json:"reviewed_at,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Result is the structured verdict returned to the client.
type Result struct {
	Decision          Decision    `json:"status"`
	Message           string      `json:"message"`
	Attendance        *Attendance `json:"attendance,omitempty"`
	PendingID         string      `json:"pending_verification_id,omitempty"`
	AttemptsRemaining *int        `json:"attempts_remaining,omitempty"`
	Confidence        *float64    `json:"confidence,omitempty"`
}

// subjectKey is the unified attempt-counting key: the matched profile when
// there is one, otherwise the reporting device.
func subjectKey(profileID *string, deviceInfo string) string {
	if profileID != nil && *profileID != "" {
		return *profileID
	}
	return "device:" + deviceInfo
}
