package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingFixture runs one medium-confidence check-in so a review is open.
func pendingFixture(t *testing.T) (*fixture, string) {
	t.Helper()
	f := newFixture(t, 0.8) // confidence 90
	res, err := f.svc.CheckIn(context.Background(), f.request())
	require.NoError(t, err)
	require.Equal(t, DecisionPending, res.Decision)
	return f, res.PendingID
}

func TestApproveCreatesAttendanceWithStoredConfidence(t *testing.T) {
	f, pendingID := pendingFixture(t)

	att, err := f.svc.Approve(context.Background(), pendingID, "admin-1", "looks right")
	require.NoError(t, err)
	assert.Equal(t, "member-1", att.ProfileID)
	assert.Equal(t, MethodFacialRecognition, att.Method)
	require.NotNil(t, att.Confidence)
	assert.Equal(t, 90.0, *att.Confidence, "confidence is the stored match score")
}

func TestApproveNotifiesOnce(t *testing.T) {
	f, pendingID := pendingFixture(t)
	_, err := f.svc.Approve(context.Background(), pendingID, "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.created)
}

func TestApproveLatenessUsesCaptureTime(t *testing.T) {
	f, pendingID := pendingFixture(t)
	f.meeting.LateCutoffMinutes = 15

	// The capture happened 10 minutes after start (fixture default); the
	// admin reviews an hour later. On time either way the clock drifts.
	p, err := f.store.GetPending(context.Background(), pendingID)
	require.NoError(t, err)
	require.NotNil(t, f.meeting.ActualStart)
	require.True(t, p.CapturedAt.Before(f.meeting.ActualStart.Add(15*time.Minute)))

	att, err := f.svc.Approve(context.Background(), pendingID, "admin-1", "")
	require.NoError(t, err)
	assert.False(t, att.Late)
}

func TestApproveLateCapture(t *testing.T) {
	f := newFixture(t, 0.8)
	start := time.Now().UTC().Add(-40 * time.Minute)
	f.meeting.ActualStart = &start
	f.meeting.LateCutoffMinutes = 15

	res, err := f.svc.CheckIn(context.Background(), f.request())
	require.NoError(t, err)

	att, err := f.svc.Approve(context.Background(), res.PendingID, "admin-1", "")
	require.NoError(t, err)
	assert.True(t, att.Late, "capture was past the cutoff even if reviewed much later")
}

func TestApproveMeetingLoadFailureLeavesPendingReviewable(t *testing.T) {
	f, pendingID := pendingFixture(t)
	meetings := f.svc.meetings.(*fakeMeetings)
	saved := meetings.meetings[f.meeting.ID]
	delete(meetings.meetings, f.meeting.ID)

	_, err := f.svc.Approve(context.Background(), pendingID, "admin-1", "")
	require.Error(t, err)

	p, gerr := f.store.GetPending(context.Background(), pendingID)
	require.NoError(t, gerr)
	assert.Equal(t, PendingOpen, p.Status, "a transient failure must not strand the review")

	meetings.meetings[f.meeting.ID] = saved
	att, err := f.svc.Approve(context.Background(), pendingID, "admin-1", "")
	require.NoError(t, err, "the retry succeeds once storage recovers")
	assert.Equal(t, "member-1", att.ProfileID)
}

func TestApproveTwiceFails(t *testing.T) {
	f, pendingID := pendingFixture(t)

	_, err := f.svc.Approve(context.Background(), pendingID, "admin-1", "")
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), pendingID, "admin-2", "")
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestRejectThenApproveFails(t *testing.T) {
	f, pendingID := pendingFixture(t)

	require.NoError(t, f.svc.Reject(context.Background(), pendingID, "admin-1", "not them"))

	_, err := f.svc.Approve(context.Background(), pendingID, "admin-2", "")
	assert.ErrorIs(t, err, ErrAlreadyReviewed)

	err = f.svc.Reject(context.Background(), pendingID, "admin-2", "")
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestRejectCreatesNoAttendance(t *testing.T) {
	f, pendingID := pendingFixture(t)

	require.NoError(t, f.svc.Reject(context.Background(), pendingID, "admin-1", "mismatch"))
	assert.Empty(t, f.store.attendance)
	assert.Equal(t, 0, f.notifier.created)

	p, err := f.store.GetPending(context.Background(), pendingID)
	require.NoError(t, err)
	assert.Equal(t, PendingRejected, p.Status)
	require.NotNil(t, p.ReviewerID)
	assert.Equal(t, "admin-1", *p.ReviewerID)
	assert.Equal(t, "mismatch", p.Notes)
}

func TestApproveAfterManualCheckInRaisesConflictButMarksApproved(t *testing.T) {
	f, pendingID := pendingFixture(t)

	// A separate check-in for the same member lands first.
	_, err := f.store.InsertAttendance(context.Background(), Attendance{
		MeetingID: f.meeting.ID,
		ProfileID: "member-1",
		Method:    MethodManualAdmin,
	})
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), pendingID, "admin-1", "")
	assert.ErrorIs(t, err, ErrDuplicateAttendance)

	p, gerr := f.store.GetPending(context.Background(), pendingID)
	require.NoError(t, gerr)
	assert.Equal(t, PendingApproved, p.Status, "review is closed even though no attendance was created")
	assert.Len(t, f.store.attendance, 1, "no duplicate attendance row")
}

func TestConcurrentReviewsExactlyOneWins(t *testing.T) {
	f, pendingID := pendingFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = f.svc.Approve(context.Background(), pendingID, "admin", "")
			} else {
				errs[i] = f.svc.Reject(context.Background(), pendingID, "admin", "")
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, ErrAlreadyReviewed), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestApproveUnknownPending(t *testing.T) {
	f, _ := pendingFixture(t)
	_, err := f.svc.Approve(context.Background(), "nope", "admin-1", "")
	assert.ErrorIs(t, err, ErrPendingNotFound)
}
