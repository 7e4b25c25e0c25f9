package web

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/example/slotsniper/internal/auth"
	"github.com/example/slotsniper/internal/db"
	"github.com/example/slotsniper/internal/engine"
	"github.com/example/slotsniper/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	tasks   []tasks.Task
	created []tasks.Task
	status  map[int64]tasks.Status
	deleted []int64
}

func (m *memRepo) List(context.Context) ([]tasks.Task, error) { return m.tasks, nil }

func (m *memRepo) Create(ctx context.Context, t tasks.Task) (int64, error) {
	m.created = append(m.created, t)
	return int64(len(m.created)), nil
}

func (m *memRepo) SetStatus(ctx context.Context, id int64, s tasks.Status) error {
	if id != 1 {
		return db.ErrNotFound
	}
	m.status[id] = s
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id int64) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type fakeTrigger struct {
	ids []int64
	err error
}

func (f *fakeTrigger) TriggerNow(ctx context.Context, id int64) error {
	f.ids = append(f.ids, id)
	return f.err
}

type fakeOperators map[int64]auth.Operator

func (f fakeOperators) Operator(ctx context.Context, id int64) (auth.Operator, error) {
	op, ok := f[id]
	if !ok {
		return auth.Operator{}, db.ErrNotFound
	}
	return op, nil
}

type fixture struct {
	repo    *memRepo
	trigger *fakeTrigger
	auth    *auth.Store
	server  *Server
	handler http.Handler
}

func newFixture() *fixture {
	result := "success"
	ran := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	f := &fixture{
		repo: &memRepo{
			status: map[int64]tasks.Status{},
			tasks: []tasks.Task{{
				ID: 1, Name: "court-night", Schedule: tasks.ScheduleDaily, RunTime: "08:00",
				Windows: []engine.TimeWindow{"20:00", "21:00"}, TargetCount: 2,
				Strategy: engine.StrategyNormal, Status: tasks.StatusActive,
				LastRunAt: &ran, LastResult: &result,
			}},
		},
		trigger: &fakeTrigger{},
		auth:    auth.NewStore(nil, bytes.Repeat([]byte("h"), 32), bytes.Repeat([]byte("b"), 32)),
	}
	s := &Server{
		Auth:      f.auth,
		Tasks:     f.repo,
		Scheduler: f.trigger,
		Location:  time.UTC,
		Logger:    log.New(io.Discard, "", 0),
		Now:       func() time.Time { return time.Date(2026, 1, 17, 9, 0, 0, 0, time.UTC) },
	}
	f.server = s
	f.handler = s.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, f.auth.SetSession(rec, httptest.NewRequest(http.MethodPost, "/login", nil), auth.Session{UserID: 7, Username: "ops"}))

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	return out
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newFixture().handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestHomeRequiresLogin(t *testing.T) {
	rec := httptest.NewRecorder()
	newFixture().handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestHomeListsTasks(t *testing.T) {
	rec := newFixture().do(t, http.MethodGet, "/?msg=paused", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "court-night")
	assert.Contains(t, body, "20:00, 21:00")
	assert.Contains(t, body, "2026-01-18 08:00")
	assert.Contains(t, body, "success")
	assert.Contains(t, body, "paused")
}

func TestCreateTask(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/tasks", url.Values{
		"name":         {"weekend"},
		"schedule":     {"weekly"},
		"weekday":      {"sat"},
		"run_time":     {"08:00"},
		"day_offset":   {"6"},
		"windows":      {"19:00,20:00"},
		"target_count": {"2"},
		"strategy":     {"time_priority"},
	})
	assert.Equal(t, http.StatusFound, rec.Code)
	require.Len(t, f.repo.created, 1)
	assert.Equal(t, time.Saturday, f.repo.created[0].Weekday)
	assert.Equal(t, engine.StrategyTimePriority, f.repo.created[0].Strategy)
}

func TestCreateTaskDefaultsToOperatorPhones(t *testing.T) {
	f := newFixture()
	f.server.Operators = fakeOperators{7: {ID: 7, Username: "ops", Phones: []string{"138", "139"}}}
	form := url.Values{
		"name":         {"morning"},
		"schedule":     {"daily"},
		"run_time":     {"08:00"},
		"windows":      {"09:00"},
		"target_count": {"1"},
		"strategy":     {"normal"},
	}

	rec := f.do(t, http.MethodPost, "/tasks", form)
	assert.Equal(t, http.StatusFound, rec.Code)
	form.Set("name", "evening")
	form.Set("notify_phones", "150")
	rec = f.do(t, http.MethodPost, "/tasks", form)
	assert.Equal(t, http.StatusFound, rec.Code)

	require.Len(t, f.repo.created, 2)
	assert.Equal(t, []string{"138", "139"}, f.repo.created[0].NotifyPhones)
	assert.Equal(t, []string{"150"}, f.repo.created[1].NotifyPhones)
}

func TestHomeShowsOperator(t *testing.T) {
	rec := newFixture().do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops")
}

func TestCreateTaskInvalid(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/tasks", url.Values{"name": {"bad"}, "run_time": {"08:00"}, "windows": {"7pm"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "7pm")
	assert.Empty(t, f.repo.created)
}

func TestTaskActions(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/tasks/1/run", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []int64{1}, f.trigger.ids)

	f.trigger.err = engine.ErrAlreadyRunning
	rec = f.do(t, http.MethodPost, "/tasks/1/run", nil)
	assert.Contains(t, rec.Header().Get("Location"), url.QueryEscape("task is already running"))

	f.do(t, http.MethodPost, "/tasks/1/pause", nil)
	assert.Equal(t, tasks.StatusPaused, f.repo.status[1])

	rec = f.do(t, http.MethodPost, "/tasks/9/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPost, "/tasks/1/delete", nil)
	assert.Equal(t, []int64{1}, f.repo.deleted)

	rec = f.do(t, http.MethodPost, "/tasks/1/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/tasks/abc/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewTaskForm(t *testing.T) {
	rec := newFixture().do(t, http.MethodGet, "/tasks/new", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="windows" value="20:00,21:00"`)
}
