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

// Poller sweeps for notifications due within the lookahead horizon and emits
// one schedule request for each. It keeps no state, so concurrent sweeps are
// safe: the Scheduler's claim absorbs duplicates.
type Poller struct {
	store     Store
	pub       Publisher
	lookahead time.Duration
	limit     int
	log       *slog.Logger
	now       func() time.Time
}

func NewPoller(cfg config.Config, st Store, pub Publisher, log *slog.Logger) *Poller {
	lookahead := cfg.LookaheadHorizon
	if lookahead <= 0 {
		lookahead = 2 * time.Minute
	}
	limit := cfg.PollBatchLimit
	if limit <= 0 {
		limit = 1000
	}
	return &Poller{
		store:     st,
		pub:       pub,
		lookahead: lookahead,
		limit:     limit,
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Poll runs one sweep.
func (p *Poller) Poll(ctx context.Context) (models.PollResult, error) {
	telemetry.PollCycles.Inc()
	horizon := p.now().UTC().Add(p.lookahead)
	result := models.PollResult{HorizonMs: p.lookahead.Milliseconds()}

	due, err := p.store.DueNotifications(ctx, horizon, p.limit)
	if err != nil {
		return result, fmt.Errorf("list due notifications: %w", err)
	}
	for _, n := range due {
		req := models.ScheduleRequest{NotificationID: n.ID}
		if n.NextRunAt != nil {
			at := models.FormatInstant(*n.NextRunAt)
			req.RunAtISO = &at
		}
		if _, err := p.pub.Publish(ctx, models.TopicSchedule, req); err != nil {
			return result, fmt.Errorf("emit schedule request for %s: %w", n.ID, err)
		}
		result.Scheduled++
		telemetry.ScheduleEmitted.Inc()
	}
	if result.Scheduled > 0 {
		p.log.Info("poll emitted schedule requests", "count", result.Scheduled, "horizon", horizon)
	} else {
		p.log.Debug("poll found nothing due", "horizon", horizon)
	}
	return result, nil
}
