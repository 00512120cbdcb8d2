package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurring-notifier/internal/config"
	"recurring-notifier/internal/logging"
	"recurring-notifier/internal/models"
	"recurring-notifier/internal/queue"
)

func TestHandlersDecodeTasks(t *testing.T) {
	now := time.Date(2026, 10, 14, 8, 59, 0, 0, time.UTC)
	st := newMemStore()
	st.put(models.Notification{ID: "n", NextRunAt: timePtr(now.Add(time.Minute)), IsActive: true})
	pub := &memPublisher{}
	h := Handlers{
		Poller:    NewPoller(config.Config{}, st, pub, logging.Discard()),
		Scheduler: NewScheduler(config.Config{}, st, pub, logging.Discard()),
	}
	h.Poller.now = fixedClock(&now)
	h.Scheduler.now = fixedClock(&now)

	require.NoError(t, h.Poll(context.Background(), queue.Task{Topic: models.TopicPoll}))
	require.Len(t, pub.ready, 1)

	body, err := json.Marshal(pub.ready[0].payload)
	require.NoError(t, err)
	require.NoError(t, h.Schedule(context.Background(), queue.Task{Topic: models.TopicSchedule, Payload: body}))
	assert.Len(t, pub.timers, 1)
	assert.True(t, st.get("n").IsNextRunScheduled)
}

func TestHandlersMalformedPayloadIsPermanent(t *testing.T) {
	h := Handlers{}
	err := h.Run(context.Background(), queue.Task{Topic: models.TopicRun, Payload: json.RawMessage(`{"notificationId":`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestKeys(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 0, 42, 0, time.UTC)
	assert.Equal(t, "run:n:1791968442000", TimerKey("n", at))
	assert.Equal(t, "2026-10-14T09:00Z", OccurrenceKey(at))
	assert.Equal(t, OccurrenceKey(at), OccurrenceKey(at.In(time.FixedZone("CEST", 2*3600))))
}

func TestRunDeadLetteredReleasesClaim(t *testing.T) {
	st := newMemStore()
	st.put(models.Notification{ID: "n", IsActive: true, IsNextRunScheduled: true})
	h := Handlers{Runner: NewRunner(config.Config{}, st, Collaborators{}, logging.Discard())}

	body, err := json.Marshal(models.RunRequest{NotificationID: "n", RunAtISO: strPtr("2026-10-14T09:00:00Z")})
	require.NoError(t, err)
	require.NoError(t, h.RunDeadLettered(context.Background(), queue.Task{Topic: models.TopicRun, Payload: body}))
	assert.False(t, st.get("n").IsNextRunScheduled)

	err = h.RunDeadLettered(context.Background(), queue.Task{Topic: models.TopicRun, Payload: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, ErrPermanent)
}
