package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"recurring-notifier/internal/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const notificationColumns = `id::text, user_id::text, query, query_for_llm, schedule_cron, next_run_at,
	is_active, is_next_run_scheduled, metadata, created_at, updated_at`

const jobColumns = `id::text, notification_id::text, occurrence_key, run_at, status, response, created_at, updated_at`

// DueNotifications lists active, unclaimed notifications whose next run is at
// or before horizon.
func (s *Store) DueNotifications(ctx context.Context, horizon time.Time, limit int) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE is_active = TRUE AND is_next_run_scheduled = FALSE AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
	`, horizon, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	return collectNotifications(rows)
}

// ClaimNotification flips is_next_run_scheduled from false to true in a single
// conditional update. It reports false when another actor holds the claim.
func (s *Store) ClaimNotification(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_next_run_scheduled = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_next_run_scheduled = FALSE
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim clears the scheduling flag without touching the schedule.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_next_run_scheduled = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Reschedule stores the next occurrence, clears the claim and optionally
// deactivates the notification.
func (s *Store) Reschedule(ctx context.Context, id string, nextRunAt *time.Time, deactivate bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET next_run_at = $2,
		    is_next_run_scheduled = FALSE,
		    is_active = CASE WHEN $3 THEN FALSE ELSE is_active END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, nextRunAt, deactivate)
	if err != nil {
		return fmt.Errorf("reschedule notification: %w", err)
	}
	return nil
}

// GetNotification fetches a notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (models.Notification, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, fmt.Errorf("get notification %s: %w", id, err)
	}
	return n, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id::text, email, location, created_at FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// CreateUser inserts a user keyed by email. Signing up twice returns the
// existing row with created=false.
func (s *Store) CreateUser(ctx context.Context, email string, location *string) (models.User, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, location, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (email) DO NOTHING
	`, uuid.New().String(), email, location)
	if err != nil {
		return models.User{}, false, fmt.Errorf("insert user: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT id::text, email, location, created_at FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if err != nil {
		return models.User{}, false, fmt.Errorf("load user by email: %w", err)
	}
	return u, tag.RowsAffected() == 1, nil
}

// CreateNotificationParams collects inputs required to insert a notification.
type CreateNotificationParams struct {
	UserID        string
	Query         string
	ResolvedQuery *string
	ScheduleCron  *string
	NextRunAt     *time.Time
	Metadata      map[string]any
}

// CreateNotification inserts an active, unclaimed notification.
func (s *Store) CreateNotification(ctx context.Context, p CreateNotificationParams) (models.Notification, error) {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Notification{}, fmt.Errorf("marshal metadata: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, user_id, query, query_for_llm, schedule_cron, next_run_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING `+notificationColumns,
		uuid.New().String(), p.UserID, p.Query, p.ResolvedQuery, p.ScheduleCron, p.NextRunAt, metaJSON)
	n, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// NotificationUpdate describes a partial update from the management API.
// When Requery is set the query, resolved query, cron and next run are all
// written (nil clears them) and the claim flag is reset.
type NotificationUpdate struct {
	Requery       bool
	Query         string
	ResolvedQuery *string
	ScheduleCron  *string
	NextRunAt     *time.Time
	IsActive      *bool
}

// UpdateNotification applies u to the notification owned by userID.
func (s *Store) UpdateNotification(ctx context.Context, id, userID string, u NotificationUpdate) (models.Notification, error) {
	args := []any{id, userID}
	sets := []string{"updated_at = NOW()"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Requery {
		set("query", u.Query)
		set("query_for_llm", u.ResolvedQuery)
		set("schedule_cron", u.ScheduleCron)
		set("next_run_at", u.NextRunAt)
		sets = append(sets, "is_next_run_scheduled = FALSE")
	}
	if u.IsActive != nil {
		set("is_active", *u.IsActive)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE notifications SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND user_id = $2
		RETURNING `+notificationColumns, args...)
	n, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, fmt.Errorf("update notification %s: %w", id, err)
	}
	return n, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collectNotifications(rows)
}

// CreateJob inserts a running job for one occurrence. If the occurrence
// already has a job (a retried run) that row is returned with created=false.
func (s *Store) CreateJob(ctx context.Context, notificationID, occurrenceKey string, runAt time.Time) (models.Job, bool, error) {
	id := uuid.New().String()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, notification_id, occurrence_key, run_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (notification_id, occurrence_key) DO NOTHING
	`, id, notificationID, occurrenceKey, runAt, models.JobRunning)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE notification_id = $1 AND occurrence_key = $2
	`, notificationID, occurrenceKey)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("load job: %w", err)
	}
	return job, tag.RowsAffected() == 1, nil
}

// FinishJob moves a running job to its terminal status. Terminal jobs are
// never rewritten.
func (s *Store) FinishJob(ctx context.Context, id, status string, response map[string]any) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal job response: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, response = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, status, body, models.JobRunning)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// ListJobs returns the most recent jobs of a notification.
func (s *Store) ListJobs(ctx context.Context, notificationID string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE notification_id = $1 ORDER BY run_at DESC LIMIT $2
	`, notificationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func collectNotifications(rows pgx.Rows) ([]models.Notification, error) {
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	var metaJSON []byte
	err := row.Scan(&n.ID, &n.UserID, &n.Query, &n.ResolvedQuery, &n.ScheduleCron, &n.NextRunAt,
		&n.IsActive, &n.IsNextRunScheduled, &metaJSON, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Notification{}, ErrNotFound
	}
	if err != nil {
		return models.Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &n.Metadata); err != nil {
			return models.Notification{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if n.NextRunAt != nil {
		utc := n.NextRunAt.UTC()
		n.NextRunAt = &utc
	}
	return n, nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Location, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var respJSON []byte
	err := row.Scan(&job.ID, &job.NotificationID, &job.OccurrenceKey, &job.RunAt, &job.Status, &respJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(respJSON) > 0 {
		if err := json.Unmarshal(respJSON, &job.Response); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job response: %w", err)
		}
	}
	return job, nil
}
