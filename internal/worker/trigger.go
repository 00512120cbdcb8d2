package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"recurring-notifier/internal/models"
)

// Publisher is the part of the queue the trigger needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PollTrigger emits the poll event on a fixed cadence. Every worker may run
// one; overlapping sweeps are harmless.
type PollTrigger struct {
	schedule cron.Schedule
	spec     string
	pub      Publisher
	log      *slog.Logger
}

var triggerParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewPollTrigger parses spec, which accepts five-field cron text and
// descriptors such as "@every 30s".
func NewPollTrigger(spec string, pub Publisher, log *slog.Logger) (*PollTrigger, error) {
	schedule, err := triggerParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse poll schedule %q: %w", spec, err)
	}
	return &PollTrigger{schedule: schedule, spec: spec, pub: pub, log: log}, nil
}

// Fire publishes one poll event.
func (t *PollTrigger) Fire(ctx context.Context) error {
	if _, err := t.pub.Publish(ctx, models.TopicPoll, struct{}{}); err != nil {
		return fmt.Errorf("publish poll: %w", err)
	}
	return nil
}

// Run fires on schedule until ctx is cancelled.
func (t *PollTrigger) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(t.schedule, cron.FuncJob(func() {
		if err := t.Fire(ctx); err != nil && ctx.Err() == nil {
			t.log.Error("poll trigger", "err", err)
		}
	}))
	c.Start()
	t.log.Info("poll trigger started", "schedule", t.spec)
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
