package notify

import (
	"context"
	"fmt"

	"recurring-notifier/internal/models"
	"recurring-notifier/internal/queue"
)

// Handlers adapts the actors to queue tasks, one method per topic.
type Handlers struct {
	Poller    *Poller
	Scheduler *Scheduler
	Runner    *Runner
}

func (h Handlers) Poll(ctx context.Context, _ queue.Task) error {
	_, err := h.Poller.Poll(ctx)
	return err
}

func (h Handlers) Schedule(ctx context.Context, task queue.Task) error {
	var req models.ScheduleRequest
	if err := decode(task, &req); err != nil {
		return err
	}
	_, err := h.Scheduler.Schedule(ctx, req)
	return err
}

func (h Handlers) Run(ctx context.Context, task queue.Task) error {
	var req models.RunRequest
	if err := decode(task, &req); err != nil {
		return err
	}
	_, err := h.Runner.Run(ctx, req)
	return err
}

// RunDeadLettered releases the claim of a run task that is about to be
// dead-lettered so the poller picks the notification up again. The stored
// next_run_at is untouched, so the missed occurrence is rescheduled.
func (h Handlers) RunDeadLettered(ctx context.Context, task queue.Task) error {
	var req models.RunRequest
	if err := decode(task, &req); err != nil {
		return err
	}
	return h.Runner.Release(ctx, req.NotificationID)
}

func decode(task queue.Task, v any) error {
	if err := task.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return nil
}
