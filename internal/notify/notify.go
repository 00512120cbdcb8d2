// Package notify holds the three actors that turn a persisted next_run_at into
// an executed occurrence: the Poller finds due notifications, the Scheduler
// claims one and parks a durable timer, and the Runner executes the query and
// computes the following occurrence.
package notify

import (
	"context"
	"errors"
	"strconv"
	"time"

	"recurring-notifier/internal/models"
)

// ErrPermanent marks failures that retrying cannot fix, such as a notification
// deleted before its run. The worker dead-letters these without retry.
var ErrPermanent = errors.New("permanent failure")

// Store is the persistence the actors coordinate through.
type Store interface {
	DueNotifications(ctx context.Context, horizon time.Time, limit int) ([]models.Notification, error)
	ClaimNotification(ctx context.Context, id string) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, nextRunAt *time.Time, deactivate bool) error
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	CreateJob(ctx context.Context, notificationID, occurrenceKey string, runAt time.Time) (models.Job, bool, error)
	FinishJob(ctx context.Context, id, status string, response map[string]any) error
}

// Publisher emits requests onto the task substrate. PublishAt is the durable
// sleep: the payload becomes ready on topic once at has passed.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	PublishAt(ctx context.Context, key, topic string, payload any, at time.Time) error
}

// Answerer produces an answer with sources for a query.
type Answerer interface {
	Answer(ctx context.Context, query string) (models.Execution, error)
}

// Evaluator judges whether an answer is relevant to its query.
type Evaluator interface {
	Evaluate(ctx context.Context, query, answer string) (models.Evaluation, error)
}

// Deliverer sends an answer to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, msg models.DeliveryMessage) (models.Delivery, error)
}

// Archiver stores a copy of a finished job's response.
type Archiver interface {
	Archive(ctx context.Context, job models.Job, response map[string]any) error
}

// TimerKey names the durable timer of one occurrence.
func TimerKey(notificationID string, runAt time.Time) string {
	return "run:" + notificationID + ":" + strconv.FormatInt(runAt.UnixMilli(), 10)
}

// OccurrenceKey buckets an instant to the minute so that every retry of one
// occurrence maps to the same job row.
func OccurrenceKey(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format("2006-01-02T15:04Z")
}

func parseInstant(s *string) (time.Time, bool) {
	if s == nil || *s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
