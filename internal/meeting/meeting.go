// Package meeting owns the meeting lifecycle and the QR codes issued for it.
package meeting

import (
	"errors"
	"fmt"
	"time"
)

// Status is the meeting lifecycle state.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusCancelled Status = "CANCELLED"
)

// ExpiryStrategy governs when an issued QR code stops being redeemable.
type ExpiryStrategy string

const (
	// ExpiryUntilEnd keeps the code valid until the meeting leaves ACTIVE.
	ExpiryUntilEnd ExpiryStrategy = "UNTIL_END"
	// ExpiryMaxScans invalidates the code after N recorded scans.
	ExpiryMaxScans ExpiryStrategy = "MAX_SCANS"
	// ExpiryTimeBased invalidates the code N minutes after actual start.
	ExpiryTimeBased ExpiryStrategy = "TIME_BASED"
)

var (
	ErrNotFound         = errors.New("meeting not found")
	ErrMeetingNotActive = errors.New("meeting is not active")
	ErrQRExpired        = errors.New("QR code expired")
	ErrQRMaxScans       = errors.New("QR code max scans reached")
	ErrQRInactive       = errors.New("QR code is no longer active")
)

// BadTransitionError reports an illegal state machine transition.
type BadTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *BadTransitionError) Error() string {
	return fmt.Sprintf("cannot move meeting from %s to %s: %s", e.From, e.To, e.Reason)
}

// Meeting is a scheduled gathering members check in to.
type Meeting struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Lat               float64        `json:"lat"`
	Lon               float64        `json:"lon"`
	RadiusMeters      float64        `json:"radius_meters"`
	ScheduledStart    time.Time      `json:"scheduled_start"`
	ScheduledEnd      time.Time      `json:"scheduled_end"`
	ActualStart       *time.Time     `json:"actual_start,omitempty"`
	ActualEnd         *time.Time     `json:"actual_end,omitempty"`
	LateCutoffMinutes int            `json:"late_cutoff_minutes"`
	Strategy          ExpiryStrategy `json:"expiry_strategy"`
	StrategyParam     int            `json:"strategy_param"`
	Status            Status         `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Late reports whether a check-in at ts counts as late. A meeting with no
// configured cutoff is never late, and neither is one that has not started.
func (m *Meeting) Late(ts time.Time) bool {
	if m.LateCutoffMinutes <= 0 || m.ActualStart == nil {
		return false
	}
	return ts.After(m.ActualStart.Add(time.Duration(m.LateCutoffMinutes) * time.Minute))
}

// QRCode is one issued code for a meeting. A meeting has at most one active
// code at any instant; superseded codes are invalidated, never deleted.
type QRCode struct {
	ID                string     `json:"id"`
	MeetingID         string     `json:"meeting_id"`
	Token             string     `json:"token"`
	ScanCount         int        `json:"scan_count"`
	MaxScans          *int       `json:"max_scans,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	IsActive          bool       `json:"is_active"`
	InvalidatedAt     *time.Time `json:"invalidated_at,omitempty"`
	InvalidatedReason string     `json:"invalidated_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// checkTransition validates a requested status change. Every pair is listed
// so a new status fails loudly here instead of slipping through.
func checkTransition(from, to Status) error {
	switch from {
	case StatusScheduled:
		switch to {
		case StatusActive, StatusCancelled:
			return nil
		case StatusEnded:
			return &BadTransitionError{From: from, To: to, Reason: "meeting was never started"}
		}
	case StatusActive:
		switch to {
		case StatusEnded:
			return nil
		case StatusCancelled:
			return &BadTransitionError{From: from, To: to, Reason: "end the meeting before cancelling"}
		case StatusActive:
			return &BadTransitionError{From: from, To: to, Reason: "meeting already started"}
		}
	case StatusEnded, StatusCancelled:
		return &BadTransitionError{From: from, To: to, Reason: "meeting is in a terminal state"}
	}
	return &BadTransitionError{From: from, To: to, Reason: "unknown transition"}
}
