package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"recurring-notifier/internal/config"
	"recurring-notifier/internal/cron"
	"recurring-notifier/internal/models"
	"recurring-notifier/internal/queue"
	"recurring-notifier/internal/store"
	"recurring-notifier/internal/telemetry"
)

// Evaluation reasons produced by the runner itself.
const (
	ReasonEmptyAnswer     = "empty_answer"
	ReasonEvaluationError = "evaluation_error"
)

// Collaborators are the advisory services a run depends on. Archive may be nil.
type Collaborators struct {
	Answerer  Answerer
	Evaluator Evaluator
	Deliverer Deliverer
	Archive   Archiver
}

// Runner executes one occurrence of a notification and computes the next.
type Runner struct {
	store        Store
	collab       Collaborators
	skipInactive bool
	stepAttempts int
	stepBackoff  time.Duration
	log          *slog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewRunner(cfg config.Config, st Store, collab Collaborators, log *slog.Logger) *Runner {
	attempts := cfg.StepAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Runner{
		store:        st,
		collab:       collab,
		skipInactive: cfg.SkipInactiveRuns,
		stepAttempts: attempts,
		stepBackoff:  500 * time.Millisecond,
		log:          log,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run loads the notification, executes and evaluates its query, delivers a
// relevant answer and reschedules the notification. Store failures are
// returned for the substrate to retry; collaborator failures are recorded on
// the job instead.
func (r *Runner) Run(ctx context.Context, req models.RunRequest) (models.RunResult, error) {
	started := r.now().UTC()
	log := r.log.With("notification_id", req.NotificationID)

	n, err := r.store.GetNotification(ctx, req.NotificationID)
	if err != nil {
		return models.RunResult{}, lookupError("notification", req.NotificationID, err)
	}
	user, err := r.store.GetUser(ctx, n.UserID)
	if err != nil {
		return models.RunResult{}, lookupError("user", n.UserID, err)
	}

	if !n.IsActive && r.skipInactive {
		if err := r.store.ReleaseClaim(ctx, n.ID); err != nil {
			return models.RunResult{}, fmt.Errorf("release claim %s: %w", n.ID, err)
		}
		telemetry.Runs.WithLabelValues(models.RunSkipped).Inc()
		log.Info("skipped inactive notification")
		return models.RunResult{Status: models.RunSkipped, NextRunAt: n.NextRunAt}, nil
	}

	due, ok := parseInstant(req.RunAtISO)
	if !ok {
		due = started
	}
	job, created, err := r.store.CreateJob(ctx, n.ID, OccurrenceKey(due), started)
	if err != nil {
		return models.RunResult{}, fmt.Errorf("create job for %s: %w", n.ID, err)
	}
	log = log.With("job_id", job.ID)

	if !created && job.Terminal() {
		// A retry after the job was recorded: only finish the notification update.
		next := r.nextRun(n)
		if err := r.store.Reschedule(ctx, n.ID, next, job.Status == models.JobError); err != nil {
			return models.RunResult{}, fmt.Errorf("reschedule %s: %w", n.ID, err)
		}
		log.Info("occurrence already recorded", "status", job.Status)
		return models.RunResult{JobID: job.ID, Status: job.Status, NextRunAt: next}, nil
	}

	query := n.ExecutionQuery()
	execution := r.execute(ctx, log, query)
	evaluation := r.evaluate(ctx, log, query, execution.Answer)

	if !evaluation.OK {
		response := map[string]any{"execution": execution, "evaluation": evaluation}
		if err := r.store.FinishJob(ctx, job.ID, models.JobError, response); err != nil {
			return models.RunResult{}, fmt.Errorf("finish job %s: %w", job.ID, err)
		}
		next := r.nextRun(n)
		if err := r.store.Reschedule(ctx, n.ID, next, true); err != nil {
			return models.RunResult{}, fmt.Errorf("reschedule %s: %w", n.ID, err)
		}
		r.archive(ctx, log, job, models.JobError, response)
		telemetry.Runs.WithLabelValues(models.RunError).Inc()
		log.Warn("occurrence failed evaluation, notification deactivated", "reason", evaluation.Reason)
		return models.RunResult{JobID: job.ID, Status: models.RunError, NextRunAt: next}, nil
	}

	delivery := r.deliver(ctx, log, models.DeliveryMessage{
		Recipient:      user.Email,
		NotificationID: n.ID,
		OriginalQuery:  n.Query,
		Answer:         execution.Answer,
		Sources:        execution.Sources,
	})

	response := map[string]any{"execution": execution, "evaluation": evaluation, "delivery": delivery}
	if err := r.store.FinishJob(ctx, job.ID, models.JobSuccess, response); err != nil {
		return models.RunResult{}, fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	next := r.nextRun(n)
	if err := r.store.Reschedule(ctx, n.ID, next, false); err != nil {
		return models.RunResult{}, fmt.Errorf("reschedule %s: %w", n.ID, err)
	}
	r.archive(ctx, log, job, models.JobSuccess, response)
	telemetry.Runs.WithLabelValues(models.RunSuccess).Inc()
	log.Info("occurrence delivered", "sent", delivery.Sent, "next_run_at", next)
	return models.RunResult{JobID: job.ID, Status: models.RunSuccess, NextRunAt: next}, nil
}

// Release clears the claim of a notification whose run was abandoned.
func (r *Runner) Release(ctx context.Context, notificationID string) error {
	if err := r.store.ReleaseClaim(ctx, notificationID); err != nil {
		return fmt.Errorf("release claim %s: %w", notificationID, err)
	}
	r.log.Warn("run abandoned, claim released", "notification_id", notificationID)
	return nil
}

func (r *Runner) nextRun(n models.Notification) *time.Time {
	if n.ScheduleCron == nil {
		return nil
	}
	return cron.NextRun(*n.ScheduleCron, r.now())
}

func (r *Runner) execute(ctx context.Context, log *slog.Logger, query string) models.Execution {
	var out models.Execution
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.collab.Answerer.Answer(ctx, query)
		return err
	})
	if err != nil {
		log.Error("answer generation failed", "err", err)
		return models.Execution{Sources: []models.Source{}, Error: err.Error()}
	}
	if out.Sources == nil {
		out.Sources = []models.Source{}
	}
	return out
}

func (r *Runner) evaluate(ctx context.Context, log *slog.Logger, query, answer string) models.Evaluation {
	if strings.TrimSpace(answer) == "" {
		return models.Evaluation{OK: false, Reason: ReasonEmptyAnswer}
	}
	var out models.Evaluation
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.collab.Evaluator.Evaluate(ctx, query, answer)
		return err
	})
	if err != nil {
		log.Error("evaluation failed", "err", err)
		if out.Reason == "" {
			out.Reason = ReasonEvaluationError
		}
		out.OK = false
	}
	return out
}

func (r *Runner) deliver(ctx context.Context, log *slog.Logger, msg models.DeliveryMessage) models.Delivery {
	out, err := r.collab.Deliverer.Deliver(ctx, msg)
	if err != nil {
		out = models.Delivery{Sent: false, Error: err.Error()}
	}
	if !out.Sent {
		telemetry.DeliveryFailures.Inc()
		log.Warn("delivery failed", "recipient", msg.Recipient, "err", out.Error)
	}
	return out
}

func (r *Runner) archive(ctx context.Context, log *slog.Logger, job models.Job, status string, response map[string]any) {
	if r.collab.Archive == nil {
		return
	}
	job.Status = status
	job.Response = response
	if err := r.collab.Archive.Archive(ctx, job, response); err != nil {
		log.Warn("archive job response", "err", err)
	}
}

// retry runs fn up to stepAttempts times with backoff between attempts.
func (r *Runner) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.stepAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.stepAttempts || ctx.Err() != nil {
			break
		}
		if serr := r.sleep(ctx, queue.Backoff(r.stepBackoff, 8*r.stepBackoff, attempt)); serr != nil {
			return err
		}
	}
	return err
}

func lookupError(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w: %w", kind, id, ErrPermanent, err)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
