package api

import (
	"context"
	"time"

	"github.com/google/uuid"

	"recurring-notifier/internal/cron"
)

type schedule struct {
	cron *string
	next *time.Time
}

// resolveSchedule validates an explicit cron or infers one from the query.
// ok is false only for an explicit expression with no occurrence; a failed
// inference yields an empty schedule.
func (s *Server) resolveSchedule(ctx context.Context, query string, explicit *string) (schedule, bool) {
	if explicit != nil && *explicit != "" {
		sched := scheduleFromCron(explicit, s.now())
		return sched, sched.next != nil
	}
	if s.deps.Inferer == nil {
		return schedule{}, true
	}
	inferred, ok := s.deps.Inferer.Infer(ctx, query)
	if !ok {
		return schedule{}, true
	}
	sched := scheduleFromCron(&inferred, s.now())
	if sched.next == nil {
		return schedule{}, true
	}
	return sched, true
}

func scheduleFromCron(raw *string, now time.Time) schedule {
	if raw == nil {
		return schedule{}
	}
	expr, ok := cron.Normalize(*raw)
	if !ok {
		return schedule{}
	}
	next := cron.NextRun(expr, now)
	if next == nil {
		return schedule{}
	}
	return schedule{cron: &expr, next: next}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}
