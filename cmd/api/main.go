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

	"github.com/redis/go-redis/v9"

	"recurring-notifier/internal/api"
	"recurring-notifier/internal/config"
	"recurring-notifier/internal/email"
	"recurring-notifier/internal/llm"
	"recurring-notifier/internal/logging"
	"recurring-notifier/internal/models"
	"recurring-notifier/internal/queue"
	"recurring-notifier/internal/ratelimit"
	"recurring-notifier/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}).With("service", "api")

	if err := run(cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisLimiter.Close()
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	model := llm.New(cfg)
	if !model.Configured() {
		log.Warn("OPENAI_API_KEY not set, schedules must be given explicitly")
	}

	server := api.New(cfg, api.Deps{
		Store:     st,
		Queue:     q,
		Limiter:   limiter,
		Inferer:   llm.NewCronInferer(model, log),
		Sanitizer: llm.NewSanitizer(model, log),
		Mailer:    email.New(cfg.ResendAPIKey, cfg.EmailFrom),
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- fmt.Errorf("listen: %w", err)
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
