package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"recurring-notifier/internal/config"
	"recurring-notifier/internal/models"
	"recurring-notifier/internal/telemetry"
)

// Scheduler claims a notification and parks a durable timer that emits the
// run request at the due instant.
type Scheduler struct {
	store      Store
	pub        Publisher
	nullPolicy string
	log        *slog.Logger
	now        func() time.Time
}

func NewScheduler(cfg config.Config, st Store, pub Publisher, log *slog.Logger) *Scheduler {
	policy := cfg.NullSchedulePolicy
	if policy != config.NullScheduleKeep {
		policy = config.NullScheduleRelease
	}
	return &Scheduler{
		store:      st,
		pub:        pub,
		nullPolicy: policy,
		log:        log,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule handles one schedule request. A lost claim is a normal outcome and
// returns Scheduled=false without error.
func (s *Scheduler) Schedule(ctx context.Context, req models.ScheduleRequest) (models.ScheduleResult, error) {
	log := s.log.With("notification_id", req.NotificationID)

	won, err := s.store.ClaimNotification(ctx, req.NotificationID)
	if err != nil {
		return models.ScheduleResult{}, fmt.Errorf("claim notification %s: %w", req.NotificationID, err)
	}
	if !won {
		telemetry.Claims.WithLabelValues("lost").Inc()
		log.Debug("claim already held")
		return models.ScheduleResult{Scheduled: false}, nil
	}
	telemetry.Claims.WithLabelValues("won").Inc()

	runAt, ok := parseInstant(req.RunAtISO)
	if !ok {
		if s.nullPolicy == config.NullScheduleKeep {
			log.Warn("schedule request has no run instant, claim left set")
			return models.ScheduleResult{Scheduled: false}, nil
		}
		if err := s.store.ReleaseClaim(ctx, req.NotificationID); err != nil {
			return models.ScheduleResult{}, fmt.Errorf("release claim %s: %w", req.NotificationID, err)
		}
		log.Warn("schedule request has no run instant, claim released")
		return models.ScheduleResult{Scheduled: false}, nil
	}

	delay := runAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	at := models.FormatInstant(runAt)
	run := models.RunRequest{NotificationID: req.NotificationID, RunAtISO: &at}
	if err := s.pub.PublishAt(ctx, TimerKey(req.NotificationID, runAt), models.TopicRun, run, runAt); err != nil {
		if rerr := s.store.ReleaseClaim(ctx, req.NotificationID); rerr != nil {
			log.Error("release claim after timer failure", "err", rerr)
		}
		return models.ScheduleResult{}, fmt.Errorf("park run timer for %s: %w", req.NotificationID, err)
	}

	log.Info("run scheduled", "run_at", at, "delay", delay)
	return models.ScheduleResult{Scheduled: true, DelayMs: delay.Milliseconds()}, nil
}
