package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"recurring-notifier/internal/config"
	"recurring-notifier/internal/models"
	"recurring-notifier/internal/ratelimit"
	"recurring-notifier/internal/store"
	"recurring-notifier/internal/telemetry"
)

// Store is the persistence used by the management API.
type Store interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, email string, location *string) (models.User, bool, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	CreateNotification(ctx context.Context, p store.CreateNotificationParams) (models.Notification, error)
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	UpdateNotification(ctx context.Context, id, userID string, u store.NotificationUpdate) (models.Notification, error)
	ListNotifications(ctx context.Context, userID string) ([]models.Notification, error)
	ListJobs(ctx context.Context, notificationID string, limit int) ([]models.Job, error)
}

// Queue is the part of the task queue the API touches.
type Queue interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// CronInferer derives a schedule from free text.
type CronInferer interface {
	Infer(ctx context.Context, query string) (string, bool)
}

// Sanitizer derives the execution query from free text.
type Sanitizer interface {
	Sanitize(ctx context.Context, query string, location *string) (string, bool)
}

// Mailer sends the welcome message carrying the user's id.
type Mailer interface {
	Deliver(ctx context.Context, msg models.DeliveryMessage) (models.Delivery, error)
}

// Deps groups the collaborators of the API. Limiter may be nil.
type Deps struct {
	Store     Store
	Queue     Queue
	Limiter   Limiter
	Inferer   CronInferer
	Sanitizer Sanitizer
	Mailer    Mailer
}

// Server wires HTTP handlers for the management API.
type Server struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log *slog.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, log: log, now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/users", s.handleSignup)
		r.Get("/users/{id}/notifications", s.handleListNotifications)
		r.Post("/notifications", s.handleCreateNotification)
		r.Patch("/notifications/{id}", s.handleUpdateNotification)
		r.Get("/notifications/{id}/jobs", s.handleListJobs)
		r.Post("/poll", s.handlePoll)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type signupRequest struct {
	Email    string `json:"email"`
	Location string `json:"location"`
}

type signupResponse struct {
	Email   string `json:"email"`
	IsNew   bool   `json:"isNew"`
	Message string `json:"message"`
}

// handleSignup registers an email and mails the user id back. The id is the
// credential for every other endpoint, so it is never returned in the body.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !emailRe.MatchString(email) {
		writeError(w, http.StatusBadRequest, "valid email required")
		return
	}
	if !s.allow(w, r, "signup:"+email) {
		return
	}
	var location *string
	if loc := strings.TrimSpace(req.Location); loc != "" {
		location = &loc
	}

	user, created, err := s.deps.Store.CreateUser(r.Context(), email, location)
	if err != nil {
		s.log.Error("create user", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	delivery, err := s.deps.Mailer.Deliver(r.Context(), models.DeliveryMessage{
		Recipient:      email,
		NotificationID: "welcome",
		OriginalQuery:  "Welcome to Personal Anything Notifier",
		Answer:         "Your unique ID is: " + user.ID + "\n\nUse this ID to create and manage your notifications. Keep it safe!",
		Sources:        []models.Source{},
	})
	if err != nil || !delivery.Sent {
		s.log.Error("send welcome email", "user_id", user.ID, "err", err, "detail", delivery.Error)
		writeError(w, http.StatusInternalServerError, "failed to send email")
		return
	}
	writeJSON(w, http.StatusOK, signupResponse{Email: email, IsNew: created, Message: "Check your email for your unique ID"})
}

type createNotificationRequest struct {
	UserID       string         `json:"userId"`
	Query        string         `json:"query"`
	ScheduleCron *string        `json:"scheduleCron"`
	Metadata     map[string]any `json:"metadata"`
}

type createNotificationResponse struct {
	ID          string     `json:"id"`
	NextRunAt   *time.Time `json:"nextRunAt"`
	QueryForLLM *string    `json:"queryForLLM"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	query := strings.TrimSpace(req.Query)
	if !validID(req.UserID) || query == "" {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !s.allow(w, r, "user:"+req.UserID) {
		return
	}
	user, err := s.deps.Store.GetUser(r.Context(), req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "user not found")
		return
	}
	if err != nil {
		s.log.Error("load user", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	sched, ok := s.resolveSchedule(r.Context(), query, req.ScheduleCron)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid cron expression")
		return
	}

	meta := map[string]any{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["userLocation"] = user.Location

	n, err := s.deps.Store.CreateNotification(r.Context(), store.CreateNotificationParams{
		UserID:        user.ID,
		Query:         query,
		ResolvedQuery: s.sanitize(r.Context(), query, user.Location),
		ScheduleCron:  sched.cron,
		NextRunAt:     sched.next,
		Metadata:      meta,
	})
	if err != nil {
		s.log.Error("create notification", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "insert failed")
		return
	}
	s.log.Info("notification created", "notification_id", n.ID, "user_id", user.ID, "cron", ptrValue(n.ScheduleCron))
	writeJSON(w, http.StatusCreated, createNotificationResponse{ID: n.ID, NextRunAt: n.NextRunAt, QueryForLLM: n.ResolvedQuery})
}

type updateNotificationRequest struct {
	UserID       string  `json:"userId"`
	Query        string  `json:"query"`
	ScheduleCron *string `json:"scheduleCron"`
	IsActive     *bool   `json:"isActive"`
}

func (s *Server) handleUpdateNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validID(id) || !validID(req.UserID) {
		writeError(w, http.StatusBadRequest, "invalid id format")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" && req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "query or isActive required")
		return
	}
	if !s.allow(w, r, "user:"+req.UserID) {
		return
	}

	existing, ok := s.loadOwned(w, r, id, req.UserID)
	if !ok {
		return
	}

	update := store.NotificationUpdate{IsActive: req.IsActive}
	if query != "" {
		user, err := s.deps.Store.GetUser(r.Context(), req.UserID)
		if err != nil {
			s.log.Error("load user", "user_id", req.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "server error")
			return
		}
		sched, ok := s.resolveSchedule(r.Context(), query, req.ScheduleCron)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid cron expression")
			return
		}
		if sched.cron == nil {
			// Nothing inferable from the new text: keep the current cadence.
			sched = scheduleFromCron(existing.ScheduleCron, s.now())
		}
		update.Requery = true
		update.Query = query
		update.ResolvedQuery = s.sanitize(r.Context(), query, user.Location)
		update.ScheduleCron = sched.cron
		update.NextRunAt = sched.next
	}

	n, err := s.deps.Store.UpdateNotification(r.Context(), id, req.UserID, update)
	if err != nil {
		s.log.Error("update notification", "notification_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	s.log.Info("notification updated", "notification_id", id, "requery", update.Requery)
	writeJSON(w, http.StatusOK, map[string]any{"notification": n})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !validID(userID) {
		writeError(w, http.StatusBadRequest, "invalid userId format")
		return
	}
	items, err := s.deps.Store.ListNotifications(r.Context(), userID)
	if err != nil {
		s.log.Error("list notifications", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch notifications")
		return
	}
	if items == nil {
		items = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("userId")
	if !validID(id) || !validID(userID) {
		writeError(w, http.StatusBadRequest, "invalid id format")
		return
	}
	if _, ok := s.loadOwned(w, r, id, userID); !ok {
		return
	}
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), id, limit)
	if err != nil {
		s.log.Error("list jobs", "notification_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch jobs")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handlePoll emits a poll event outside the trigger cadence.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Queue.Publish(r.Context(), models.TopicPoll, struct{}{})
	if err != nil {
		s.log.Error("publish poll", "err", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": id})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// loadOwned fetches a notification and checks it belongs to userID, writing
// a 404 otherwise.
func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request, id, userID string) (models.Notification, bool) {
	n, err := s.deps.Store.GetNotification(r.Context(), id)
	if err == nil && n.UserID == userID {
		return n, true
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("load notification", "notification_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return models.Notification{}, false
	}
	writeError(w, http.StatusNotFound, "notification not found or access denied")
	return models.Notification{}, false
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), key)
	if err != nil {
		s.log.Error("rate limit", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) sanitize(ctx context.Context, query string, location *string) *string {
	if s.deps.Sanitizer == nil {
		return nil
	}
	out, ok := s.deps.Sanitizer.Sanitize(ctx, query, location)
	if !ok {
		return nil
	}
	return &out
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func ptrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
