// Package notify fans orchestrator outcomes out to live subscribers.
// Delivery is fire-and-forget: a dropped event is logged and forgotten,
// never allowed to fail the state change it describes.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the wire payload published for subscribers.
type Event struct {
	Type       string    `json:"type"`
	MeetingID  string    `json:"meeting_id,omitempty"`
	ProfileID  string    `json:"profile_id,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier receives well-formed outcome events after state changes commit.
type Notifier interface {
	AttendanceCreated(ctx context.Context, meetingID, profileID, attendanceID string, confidence *float64)
	AttendanceRemoved(ctx context.Context, meetingID, profileID, attendanceID string)
	PendingRaised(ctx context.Context, meetingID, profileID, pendingID string, confidence float64)
	MeetingStatusChanged(ctx context.Context, meetingID, status string)
	QRRegenerated(ctx context.Context, meetingID, qrID string)
}

// RedisNotifier publishes JSON events to a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedis creates a notifier publishing on the given channel.
func NewRedis(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "meetverify:events"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) publish(ctx context.Context, evt Event) {
	evt.At = time.Now().UTC()
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("notify: marshal %s failed: %v", evt.Type, err)
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		log.Printf("notify: publish %s failed: %v", evt.Type, err)
	}
}

func (n *RedisNotifier) AttendanceCreated(ctx context.Context, meetingID, profileID, attendanceID string, confidence *float64) {
	n.publish(ctx, Event{Type: "attendanceCreated", MeetingID: meetingID, ProfileID: profileID, RecordID: attendanceID, Confidence: confidence})
}

func (n *RedisNotifier) AttendanceRemoved(ctx context.Context, meetingID, profileID, attendanceID string) {
	n.publish(ctx, Event{Type: "attendanceRemoved", MeetingID: meetingID, ProfileID: profileID, RecordID: attendanceID})
}

func (n *RedisNotifier) PendingRaised(ctx context.Context, meetingID, profileID, pendingID string, confidence float64) {
	n.publish(ctx, Event{Type: "pendingVerificationRaised", MeetingID: meetingID, ProfileID: profileID, RecordID: pendingID, Confidence: &confidence})
}

func (n *RedisNotifier) MeetingStatusChanged(ctx context.Context, meetingID, status string) {
	n.publish(ctx, Event{Type: "meetingStatusChanged", MeetingID: meetingID, Status: status})
}

func (n *RedisNotifier) QRRegenerated(ctx context.Context, meetingID, qrID string) {
	n.publish(ctx, Event{Type: "qrRegenerated", MeetingID: meetingID, RecordID: qrID})
}

// Subscribe returns the raw pub/sub stream for bridge workers.
func (n *RedisNotifier) Subscribe(ctx context.Context) *redis.PubSub {
	return n.client.Subscribe(ctx, n.channel)
}

// LogNotifier is the fallback when Redis is not configured.
type LogNotifier struct{}

func (LogNotifier) AttendanceCreated(_ context.Context, meetingID, profileID, attendanceID string, _ *float64) {
	log.Printf("event attendanceCreated meeting=%s profile=%s id=%s", meetingID, profileID, attendanceID)
}

func (LogNotifier) AttendanceRemoved(_ context.Context, meetingID, profileID, attendanceID string) {
	log.Printf("event attendanceRemoved meeting=%s profile=%s id=%s", meetingID, profileID, attendanceID)
}

func (LogNotifier) PendingRaised(_ context.Context, meetingID, profileID, pendingID string, confidence float64) {
	log.Printf("event pendingVerificationRaised meeting=%s profile=%s id=%s confidence=%.0f", meetingID, profileID, pendingID, confidence)
}

func (LogNotifier) MeetingStatusChanged(_ context.Context, meetingID, status string) {
	log.Printf("event meetingStatusChanged meeting=%s status=%s", meetingID, status)
}

func (LogNotifier) QRRegenerated(_ context.Context, meetingID, qrID string) {
	log.Printf("event qrRegenerated meeting=%s qr=%s", meetingID, qrID)
}
