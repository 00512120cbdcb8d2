package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurring-notifier/internal/config"
	"recurring-notifier/internal/logging"
	"recurring-notifier/internal/models"
	"recurring-notifier/internal/ratelimit"
	"recurring-notifier/internal/store"
)

const (
	userID  = "6f1c2d3e-4a5b-4c6d-8e7f-901234567890"
	otherID = "0a1b2c3d-4e5f-4a6b-9c8d-7e6f5a4b3c2d"
	notifID = "11111111-2222-4333-8444-555555555555"
)

type fakeStore struct {
	mu            sync.Mutex
	users         map[string]models.User
	notifications map[string]models.Notification
	lastCreate    store.CreateNotificationParams
	lastUpdate    store.NotificationUpdate
	jobs          []models.Job
	pingErr       error
}

func newFakeStore() *fakeStore {
	loc := "Zurich"
	return &fakeStore{
		users: map[string]models.User{
			userID: {ID: userID, Email: "ada@example.com", Location: &loc},
		},
		notifications: map[string]models.Notification{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) CreateUser(_ context.Context, email string, location *string) (models.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, false, nil
		}
	}
	u := models.User{ID: otherID, Email: email, Location: location}
	f.users[u.ID] = u
	return u, true, nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) CreateNotification(_ context.Context, p store.CreateNotificationParams) (models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCreate = p
	n := models.Notification{
		ID: notifID, UserID: p.UserID, Query: p.Query, ResolvedQuery: p.ResolvedQuery,
		ScheduleCron: p.ScheduleCron, NextRunAt: p.NextRunAt, IsActive: true, Metadata: p.Metadata,
	}
	f.notifications[n.ID] = n
	return n, nil
}

func (f *fakeStore) GetNotification(_ context.Context, id string) (models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return models.Notification{}, store.ErrNotFound
	}
	return n, nil
}

func (f *fakeStore) UpdateNotification(_ context.Context, id, _ string, u store.NotificationUpdate) (models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = u
	n := f.notifications[id]
	if u.Requery {
		n.Query, n.ResolvedQuery, n.ScheduleCron, n.NextRunAt = u.Query, u.ResolvedQuery, u.ScheduleCron, u.NextRunAt
		n.IsNextRunScheduled = false
	}
	if u.IsActive != nil {
		n.IsActive = *u.IsActive
	}
	f.notifications[id] = n
	return n, nil
}

func (f *fakeStore) ListNotifications(_ context.Context, uid string) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Notification
	for _, n := range f.notifications {
		if n.UserID == uid {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ListJobs(_ context.Context, nid string, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range f.jobs {
		if j.NotificationID == nid && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeQueue struct {
	topics []string
	dlq    []string
}

func (q *fakeQueue) Publish(_ context.Context, topic string, _ any) (string, error) {
	q.topics = append(q.topics, topic)
	return "task-1", nil
}

func (q *fakeQueue) DLQPeek(context.Context, int64) ([]string, error) { return q.dlq, nil }

type fakeInferer struct{ expr string }

func (f fakeInferer) Infer(context.Context, string) (string, bool) {
	return f.expr, f.expr != ""
}

type fakeSanitizer struct{}

func (fakeSanitizer) Sanitize(_ context.Context, q string, loc *string) (string, bool) {
	if loc != nil {
		return "Check " + q + " in " + *loc, true
	}
	return "Check " + q, true
}

type fakeMailer struct {
	sent []models.DeliveryMessage
	fail bool
}

func (m *fakeMailer) Deliver(_ context.Context, msg models.DeliveryMessage) (models.Delivery, error) {
	m.sent = append(m.sent, msg)
	if m.fail {
		return models.Delivery{Sent: false, Error: "RESEND_API_KEY not set"}, nil
	}
	return models.Delivery{Sent: true}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false}, nil
}

type harness struct {
	st     *fakeStore
	q      *fakeQueue
	mailer *fakeMailer
	deps   Deps
	now    time.Time
}

func newHarness() *harness {
	h := &harness{st: newFakeStore(), q: &fakeQueue{}, mailer: &fakeMailer{}, now: time.Date(2026, 10, 14, 8, 30, 0, 0, time.UTC)}
	h.deps = Deps{Store: h.st, Queue: h.q, Inferer: fakeInferer{expr: "0 9 * * *"}, Sanitizer: fakeSanitizer{}, Mailer: h.mailer}
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	srv := New(config.Config{}, h.deps, logging.Discard())
	srv.now = func() time.Time { return h.now }

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	h := newHarness()
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)

	h.st.pingErr = errors.New("db down")
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestSignup(t *testing.T) {
	h := newHarness()

	rr := h.do(t, http.MethodPost, "/users", map[string]string{"email": "  Grace@Example.com ", "location": "NYC"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, "grace@example.com", body["email"])
	assert.Equal(t, true, body["isNew"])
	assert.NotContains(t, rr.Body.String(), otherID)

	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, "grace@example.com", h.mailer.sent[0].Recipient)
	assert.Contains(t, h.mailer.sent[0].Answer, otherID)

	rr = h.do(t, http.MethodPost, "/users", map[string]string{"email": "ada@example.com"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeBody(t, rr)["isNew"])
}

func TestSignupValidationAndMailFailure(t *testing.T) {
	h := newHarness()
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/users", map[string]string{"email": "nope"}).Code)

	h.mailer.fail = true
	rr := h.do(t, http.MethodPost, "/users", map[string]string{"email": "ada@example.com"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "failed to send email", decodeBody(t, rr)["error"])
}

func TestCreateNotificationInfersSchedule(t *testing.T) {
	h := newHarness()

	rr := h.do(t, http.MethodPost, "/notifications", map[string]any{
		"userId":   userID,
		"query":    "gold price daily",
		"metadata": map[string]any{"channel": "email"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, notifID, body["id"])
	assert.Equal(t, "2026-10-14T09:00:00Z", body["nextRunAt"])
	assert.Equal(t, "Check gold price daily in Zurich", body["queryForLLM"])

	p := h.st.lastCreate
	require.NotNil(t, p.ScheduleCron)
	assert.Equal(t, "0 9 * * *", *p.ScheduleCron)
	assert.Equal(t, "email", p.Metadata["channel"])
	assert.Equal(t, "Zurich", *p.Metadata["userLocation"].(*string))
}

func TestCreateNotificationExplicitCron(t *testing.T) {
	h := newHarness()

	rr := h.do(t, http.MethodPost, "/notifications", map[string]any{
		"userId": userID, "query": "rain alert", "scheduleCron": "`30 0 12 * * 1`",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "0 12 * * 1", *h.st.lastCreate.ScheduleCron)
	assert.Equal(t, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC), *h.st.lastCreate.NextRunAt)

	rr = h.do(t, http.MethodPost, "/notifications", map[string]any{
		"userId": userID, "query": "never", "scheduleCron": "0 0 30 2 *",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateNotificationWithoutInferenceIsUnscheduled(t *testing.T) {
	h := newHarness()
	h.deps.Inferer = fakeInferer{}

	rr := h.do(t, http.MethodPost, "/notifications", map[string]any{"userId": userID, "query": "something"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Nil(t, h.st.lastCreate.ScheduleCron)
	assert.Nil(t, h.st.lastCreate.NextRunAt)
}

func TestCreateNotificationRejectsBadInput(t *testing.T) {
	h := newHarness()
	cases := []map[string]any{
		{"userId": "not-a-uuid", "query": "x"},
		{"userId": userID, "query": "   "},
		{"userId": otherID, "query": "x"},
	}
	for _, body := range cases {
		rr := h.do(t, http.MethodPost, "/notifications", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "%v", body)
	}
}

func TestUpdateNotification(t *testing.T) {
	h := newHarness()
	cron := "0 9 * * *"
	next := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	h.st.notifications[notifID] = models.Notification{
		ID: notifID, UserID: userID, Query: "gold", ScheduleCron: &cron, NextRunAt: &next,
		IsActive: true, IsNextRunScheduled: true,
	}

	rr := h.do(t, http.MethodPatch, "/notifications/"+notifID, map[string]any{"userId": userID, "isActive": false})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, h.st.lastUpdate.Requery)
	assert.False(t, h.st.notifications[notifID].IsActive)

	rr = h.do(t, http.MethodPatch, "/notifications/"+notifID, map[string]any{
		"userId": userID, "query": "silver price", "scheduleCron": "*/15 * * * *",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	u := h.st.lastUpdate
	assert.True(t, u.Requery)
	assert.Equal(t, "*/15 * * * *", *u.ScheduleCron)
	assert.Equal(t, time.Date(2026, 10, 14, 8, 45, 0, 0, time.UTC), *u.NextRunAt)
	assert.Equal(t, "Check silver price in Zurich", *u.ResolvedQuery)
	assert.False(t, h.st.notifications[notifID].IsNextRunScheduled)
}

func TestUpdateNotificationKeepsCadenceWhenInferenceFails(t *testing.T) {
	h := newHarness()
	h.deps.Inferer = fakeInferer{}
	cron := "0 18 * * *"
	h.st.notifications[notifID] = models.Notification{ID: notifID, UserID: userID, Query: "gold", ScheduleCron: &cron, IsActive: true}

	rr := h.do(t, http.MethodPatch, "/notifications/"+notifID, map[string]any{"userId": userID, "query": "silver"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0 18 * * *", *h.st.lastUpdate.ScheduleCron)
	assert.Equal(t, time.Date(2026, 10, 14, 18, 0, 0, 0, time.UTC), *h.st.lastUpdate.NextRunAt)
}

func TestUpdateNotificationOwnership(t *testing.T) {
	h := newHarness()
	h.st.notifications[notifID] = models.Notification{ID: notifID, UserID: otherID}

	rr := h.do(t, http.MethodPatch, "/notifications/"+notifID, map[string]any{"userId": userID, "isActive": true})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodPatch, "/notifications/"+notifID, map[string]any{"userId": otherID})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListNotificationsAndJobs(t *testing.T) {
	h := newHarness()
	h.st.notifications[notifID] = models.Notification{ID: notifID, UserID: userID, Query: "gold"}
	h.st.jobs = []models.Job{{ID: "j1", NotificationID: notifID, Status: models.JobSuccess}}

	rr := h.do(t, http.MethodGet, "/users/"+userID+"/notifications", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody(t, rr)["notifications"], 1)

	rr = h.do(t, http.MethodGet, "/users/"+otherID+"/notifications", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"notifications":[]}`, strings.TrimSpace(rr.Body.String()))

	rr = h.do(t, http.MethodGet, "/notifications/"+notifID+"/jobs?userId="+userID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody(t, rr)["jobs"], 1)

	rr = h.do(t, http.MethodGet, "/notifications/"+notifID+"/jobs?userId="+otherID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPollAndDLQ(t *testing.T) {
	h := newHarness()
	h.q.dlq = []string{"run:abc:1"}

	rr := h.do(t, http.MethodPost, "/poll", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{models.TopicPoll}, h.q.topics)

	rr = h.do(t, http.MethodGet, "/dlq", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{"run:abc:1"}, decodeBody(t, rr)["items"])
}

func TestRateLimited(t *testing.T) {
	h := newHarness()
	h.deps.Limiter = denyAll{}

	rr := h.do(t, http.MethodPost, "/notifications", map[string]any{"userId": userID, "query": "gold"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}
