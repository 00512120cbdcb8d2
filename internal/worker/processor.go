package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"recurring-notifier/internal/config"
	"recurring-notifier/internal/notify"
	"recurring-notifier/internal/queue"
	"recurring-notifier/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	onDead   map[string]Handler
	log      *slog.Logger
	workerID string
	now      func() time.Time
}

// Handler executes a task for a given topic.
type Handler func(ctx context.Context, task queue.Task) error

// NewProcessor creates a processor with a worker ID used in its log lines.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, log *slog.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		onDead:   make(map[string]Handler),
		log:      log.With("worker_id", workerID),
		workerID: workerID,
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a topic.
func (p *Processor) RegisterHandler(topic string, handler Handler) {
	if topic == "" || handler == nil {
		return
	}
	p.handlers[topic] = handler
}

// RegisterDeadLetter binds a hook run before a task of topic is dead-lettered
// for exhausting its attempts. Permanent failures skip it. While the hook
// fails with a retryable error the task is kept on the retry path instead.
func (p *Processor) RegisterDeadLetter(topic string, hook Handler) {
	if topic == "" || hook == nil {
		return
	}
	p.onDead[topic] = hook
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.Tick(ctx)
		if err != nil {
			p.log.Error("worker tick", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Tick wakes due timers, reclaims expired leases and processes at most one
// task. worked is false when nothing was ready.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	now := p.now()
	batch := int64(p.cfg.TimerBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if moved, err := p.queue.PromoteDue(ctx, now, batch); err != nil {
		return false, err
	} else if moved > 0 {
		p.log.Debug("timers fired", "count", moved)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, batch); err != nil {
		return false, err
	} else if reclaimed > 0 {
		p.log.Warn("reclaimed expired leases", "count", reclaimed)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if depth, err := p.queue.TimerDepth(ctx); err == nil {
		telemetry.TimersGauge.Set(float64(depth))
	}

	task, ok, err := p.queue.Dequeue(ctx)
	if err != nil || !ok {
		return false, err
	}
	log := p.log.With("task_id", task.ID, "topic", task.Topic)

	if task.Topic == "" {
		// The record was removed while the id sat in a list.
		log.Warn("dropping task without record")
		return true, p.queue.Ack(ctx, task.ID)
	}

	err = p.runTask(ctx, task)
	if err == nil {
		log.Debug("task done")
		return true, p.queue.Ack(ctx, task.ID)
	}

	attempts := task.Attempts + 1
	if errors.Is(err, notify.ErrPermanent) {
		telemetry.TasksDeadLetter.Inc()
		log.Error("task dead-lettered", "attempts", attempts, "err", err)
		return true, p.queue.DeadLetter(ctx, task.ID, err.Error())
	}
	if attempts >= p.maxAttempts() {
		hookErr := p.beforeDeadLetter(ctx, task)
		if hookErr == nil || errors.Is(hookErr, notify.ErrPermanent) {
			telemetry.TasksDeadLetter.Inc()
			log.Error("task dead-lettered", "attempts", attempts, "err", err)
			return true, p.queue.DeadLetter(ctx, task.ID, err.Error())
		}
		log.Warn("dead-letter hook failed, task kept", "attempts", attempts, "err", hookErr)
	}

	backoff := queue.Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	telemetry.TasksRetried.Inc()
	log.Warn("task failed, retry scheduled", "attempts", attempts, "backoff", backoff, "err", err)
	return true, p.queue.Retry(ctx, task.ID, attempts, p.now().Add(backoff), err.Error())
}

func (p *Processor) beforeDeadLetter(ctx context.Context, task queue.Task) error {
	hook, ok := p.onDead[task.Topic]
	if !ok {
		return nil
	}
	return hook(ctx, task)
}

func (p *Processor) maxAttempts() int {
	if p.cfg.MaxAttempts <= 0 {
		return 1
	}
	return p.cfg.MaxAttempts
}

// runTask dispatches to the topic handler, keeping the lease alive while it
// runs.
func (p *Processor) runTask(ctx context.Context, task queue.Task) error {
	handler, ok := p.handlers[task.Topic]
	if !ok {
		return fmt.Errorf("%w: no handler registered for topic %q", notify.ErrPermanent, task.Topic)
	}

	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()
	if interval := p.cfg.VisibilityTimeout / 2; interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.heartbeat(hbCtx, task.ID, interval)
		}()
	}
	return handler(ctx, task)
}

func (p *Processor) heartbeat(ctx context.Context, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				p.log.Warn("extend lease", "task_id", id, "err", err)
			}
		}
	}
}
