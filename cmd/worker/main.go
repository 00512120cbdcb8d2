package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"recurring-notifier/internal/archive"
	"recurring-notifier/internal/config"
	"recurring-notifier/internal/email"
	"recurring-notifier/internal/llm"
	"recurring-notifier/internal/logging"
	"recurring-notifier/internal/models"
	"recurring-notifier/internal/notify"
	"recurring-notifier/internal/queue"
	"recurring-notifier/internal/search"
	"recurring-notifier/internal/store"
	"recurring-notifier/internal/telemetry"
	"recurring-notifier/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}).With("service", "worker")

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg, models.Topics)
	defer q.Close()

	model := llm.New(cfg)
	collab := notify.Collaborators{
		Answerer:  llm.NewAgent(model, search.New(cfg.SerperAPIKey), log),
		Evaluator: llm.NewEvaluator(model),
		Deliverer: email.New(cfg.ResendAPIKey, cfg.EmailFrom),
	}
	arch, err := archive.New(ctx, cfg)
	switch {
	case errors.Is(err, archive.ErrDisabled):
		log.Info("response archive disabled")
	case err != nil:
		return fmt.Errorf("init archive: %w", err)
	default:
		collab.Archive = arch
	}

	handlers := notify.Handlers{
		Poller:    notify.NewPoller(cfg, st, q, log),
		Scheduler: notify.NewScheduler(cfg, st, q, log),
		Runner:    notify.NewRunner(cfg, st, collab, log),
	}

	trigger, err := worker.NewPollTrigger(cfg.PollSchedule, q, log)
	if err != nil {
		return err
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		p := worker.NewProcessor(cfg, q, log, fmt.Sprintf("%s-%d", workerID, i))
		p.RegisterHandler(models.TopicPoll, handlers.Poll)
		p.RegisterHandler(models.TopicSchedule, handlers.Schedule)
		p.RegisterHandler(models.TopicRun, handlers.Run)
		p.RegisterDeadLetter(models.TopicRun, handlers.RunDeadLettered)
		g.Go(func() error { return p.Run(ctx) })
	}

	g.Go(func() error { return trigger.Run(ctx) })

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Info("worker started",
		"worker_id", workerID,
		"concurrency", concurrency,
		"poll_schedule", cfg.PollSchedule,
		"lookahead", cfg.LookaheadHorizon,
		"visibility", cfg.VisibilityTimeout,
	)
	return g.Wait()
}
