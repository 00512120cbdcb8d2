package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"recurring-notifier/internal/models"
	"recurring-notifier/internal/store"
)

// memStore mirrors the conditional updates of the Postgres store.
type memStore struct {
	mu            sync.Mutex
	notifications map[string]models.Notification
	users         map[string]models.User
	jobs          []models.Job
	claimErr      error
	finishErr     error
}

func newMemStore() *memStore {
	return &memStore{
		notifications: map[string]models.Notification{},
		users:         map[string]models.User{},
	}
}

func (m *memStore) put(n models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
}

func (m *memStore) get(id string) models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifications[id]
}

func (m *memStore) DueNotifications(_ context.Context, horizon time.Time, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.IsActive && !n.IsNextRunScheduled && n.NextRunAt != nil && !n.NextRunAt.After(horizon) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimNotification(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	n, ok := m.notifications[id]
	if !ok || n.IsNextRunScheduled {
		return false, nil
	}
	n.IsNextRunScheduled = true
	m.notifications[id] = n
	return true, nil
}

func (m *memStore) ReleaseClaim(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.IsNextRunScheduled = false
		m.notifications[id] = n
	}
	return nil
}

func (m *memStore) Reschedule(_ context.Context, id string, next *time.Time, deactivate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	n.NextRunAt = next
	n.IsNextRunScheduled = false
	if deactivate {
		n.IsActive = false
	}
	m.notifications[id] = n
	return nil
}

func (m *memStore) GetNotification(_ context.Context, id string) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return models.Notification{}, fmt.Errorf("get notification: %w", store.ErrNotFound)
	}
	return n, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("get user: %w", store.ErrNotFound)
	}
	return u, nil
}

func (m *memStore) CreateJob(_ context.Context, notificationID, key string, runAt time.Time) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.NotificationID == notificationID && j.OccurrenceKey == key {
			return j, false, nil
		}
	}
	j := models.Job{
		ID:             fmt.Sprintf("job-%d", len(m.jobs)+1),
		NotificationID: notificationID,
		OccurrenceKey:  key,
		RunAt:          runAt,
		Status:         models.JobRunning,
	}
	m.jobs = append(m.jobs, j)
	return j, true, nil
}

func (m *memStore) FinishJob(_ context.Context, id, status string, response map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	for i, j := range m.jobs {
		if j.ID == id && j.Status == models.JobRunning {
			m.jobs[i].Status = status
			m.jobs[i].Response = response
		}
	}
	return nil
}

func (m *memStore) jobList() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Job(nil), m.jobs...)
}

type published struct {
	key     string
	topic   string
	payload any
	at      time.Time
}

type memPublisher struct {
	mu     sync.Mutex
	ready  []published
	timers []published
	err    error
}

func (p *memPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.ready = append(p.ready, published{topic: topic, payload: payload})
	return fmt.Sprintf("task-%d", len(p.ready)), nil
}

func (p *memPublisher) PublishAt(_ context.Context, key, topic string, payload any, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.timers = append(p.timers, published{key: key, topic: topic, payload: payload, at: at})
	return nil
}

type answerFunc func(ctx context.Context, query string) (models.Execution, error)

func (f answerFunc) Answer(ctx context.Context, query string) (models.Execution, error) {
	return f(ctx, query)
}

type evaluateFunc func(ctx context.Context, query, answer string) (models.Evaluation, error)

func (f evaluateFunc) Evaluate(ctx context.Context, query, answer string) (models.Evaluation, error) {
	return f(ctx, query, answer)
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []models.DeliveryMessage
	err  error
}

func (d *recordingDeliverer) Deliver(_ context.Context, msg models.DeliveryMessage) (models.Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	if d.err != nil {
		return models.Delivery{}, d.err
	}
	return models.Delivery{Sent: true}, nil
}

type recordingArchive struct {
	jobs []models.Job
	err  error
}

func (a *recordingArchive) Archive(_ context.Context, job models.Job, _ map[string]any) error {
	a.jobs = append(a.jobs, job)
	return a.err
}

var errUnavailable = errors.New("collaborator unavailable")

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}
