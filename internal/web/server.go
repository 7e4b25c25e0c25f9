package web

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/slotsniper/internal/auth"
	"github.com/example/slotsniper/internal/db"
	"github.com/example/slotsniper/internal/engine"
	"github.com/example/slotsniper/internal/tasks"
)

//go:embed templates/*.html static/*
var fs embed.FS

type TaskRepo interface {
	List(ctx context.Context) ([]tasks.Task, error)
	Create(ctx context.Context, t tasks.Task) (int64, error)
	SetStatus(ctx context.Context, id int64, status tasks.Status) error
	Delete(ctx context.Context, id int64) error
}

// Operators looks up the signed-in operator's profile.
type Operators interface {
	Operator(ctx context.Context, id int64) (auth.Operator, error)
}

// Trigger starts a task outside its schedule.
type Trigger interface {
	TriggerNow(ctx context.Context, id int64) error
}

type Server struct {
	Auth *auth.Store
	// Operators, when set, supplies default notification phones for new tasks.
	Operators Operators
	Tasks     TaskRepo
	Scheduler Trigger
	Location  *time.Location
	Logger    *log.Logger
	Now       func() time.Time

	BaseURL string
}

type taskRow struct {
	tasks.Task
	NextRun string
	LastRun string
}

type tmplData struct {
	Title string
	User  auth.Session

	Flash string
	Tasks []taskRow
	Draft tasks.Draft
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/static/", http.FileServer(http.FS(fs)))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	mux.Handle("/{$}", s.Auth.RequireAuth(http.HandlerFunc(s.handleHome)))
	mux.Handle("GET /tasks/new", s.Auth.RequireAuth(http.HandlerFunc(s.handleTaskNew)))
	mux.Handle("POST /tasks", s.Auth.RequireAuth(http.HandlerFunc(s.handleTaskCreate)))
	mux.Handle("POST /tasks/{id}/{action}", s.Auth.RequireAuth(http.HandlerFunc(s.handleTaskAction)))

	return mux
}

func (s *Server) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

func (s *Server) loc() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

func (s *Server) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	ts, err := s.Tasks.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	now := s.now()
	rows := make([]taskRow, 0, len(ts))
	for _, t := range ts {
		row := taskRow{Task: t, NextRun: "-", LastRun: "-"}
		if next := t.NextRunAt(now, s.loc()); !next.IsZero() {
			row.NextRun = next.In(s.loc()).Format("2006-01-02 15:04")
		}
		if t.LastRunAt != nil {
			row.LastRun = t.LastRunAt.In(s.loc()).Format("2006-01-02 15:04")
		}
		rows = append(rows, row)
	}
	s.render(w, "templates/tasks.html", tmplData{
		Title: "Tasks",
		User:  sess,
		Flash: r.URL.Query().Get("msg"),
		Tasks: rows,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.render(w, "templates/login.html", tmplData{Title: "Login"})
		return
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		op, err := s.Auth.Authenticate(r.Context(), username, password)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidCredentials) {
				s.logger().Printf("web: login user=%s failed: %v", username, err)
			}
			s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
			return
		}
		if err := s.Auth.SetSession(w, r, auth.Session{UserID: op.ID, Username: op.Username}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleTaskNew(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	s.render(w, "templates/new_task.html", tmplData{
		Title: "New Task",
		User:  sess,
		Draft: tasks.Draft{
			Schedule:    string(tasks.ScheduleDaily),
			RunTime:     "08:00",
			DayOffset:   "6",
			Windows:     "20:00,21:00",
			TargetCount: "1",
			Strategy:    string(engine.StrategyNormal),
		},
	})
}

func draftFromForm(r *http.Request) tasks.Draft {
	return tasks.Draft{
		Name:             r.FormValue("name"),
		Schedule:         r.FormValue("schedule"),
		RunTime:          r.FormValue("run_time"),
		Weekday:          r.FormValue("weekday"),
		RunDate:          r.FormValue("run_date"),
		DayOffset:        r.FormValue("day_offset"),
		TargetDate:       r.FormValue("target_date"),
		Windows:          r.FormValue("windows"),
		Candidates:       r.FormValue("candidates"),
		Groups:           r.FormValue("groups"),
		Sequences:        r.FormValue("time_sequences"),
		TargetCount:      r.FormValue("target_count"),
		Strategy:         r.FormValue("strategy"),
		DeadlineLead:     r.FormValue("deadline_lead_minutes"),
		NotifyPhones:     r.FormValue("notify_phones"),
		AllowPartial:     r.FormValue("allow_partial") != "",
		PreferContiguous: r.FormValue("prefer_contiguous") != "",
	}
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d := draftFromForm(r)
	if strings.TrimSpace(d.NotifyPhones) == "" && s.Operators != nil {
		if op, err := s.Operators.Operator(r.Context(), sess.UserID); err == nil {
			d.NotifyPhones = strings.Join(op.Phones, ",")
		} else {
			s.logger().Printf("web: operator %d lookup failed: %v", sess.UserID, err)
		}
	}
	t, err := d.Build()
	if err != nil {
		s.renderCode(w, http.StatusUnprocessableEntity, "templates/new_task.html", tmplData{Title: "New Task", User: sess, Flash: err.Error(), Draft: d})
		return
	}
	id, err := s.Tasks.Create(r.Context(), t)
	if err != nil {
		s.logger().Printf("web: create task=%s failed: %v", t.Name, err)
		s.renderCode(w, http.StatusInternalServerError, "templates/new_task.html", tmplData{Title: "New Task", User: sess, Flash: "Failed to create task", Draft: d})
		return
	}
	s.logger().Printf("web: user=%s created task=%s id=%d", sess.Username, t.Name, id)
	redirectMsg(w, r, "created "+t.Name)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	var msg string
	switch action := r.PathValue("action"); action {
	case "run":
		err = s.Scheduler.TriggerNow(ctx, id)
		msg = "run started"
	case "pause":
		err = s.Tasks.SetStatus(ctx, id, tasks.StatusPaused)
		msg = "paused"
	case "resume":
		err = s.Tasks.SetStatus(ctx, id, tasks.StatusActive)
		msg = "resumed"
	case "delete":
		err = s.Tasks.Delete(ctx, id)
		msg = "deleted"
	default:
		http.NotFound(w, r)
		return
	}
	switch {
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrAlreadyRunning):
		msg = "task is already running"
	case err != nil:
		s.logger().Printf("web: task=%d %s failed: %v", id, r.PathValue("action"), err)
		msg = "failed: " + err.Error()
	}
	redirectMsg(w, r, msg)
}

func redirectMsg(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/?msg="+url.QueryEscape(msg), http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, name string, data tmplData) {
	s.renderCode(w, http.StatusOK, name, data)
}

func (s *Server) renderCode(w http.ResponseWriter, code int, name string, data tmplData) {
	t, err := template.ParseFS(fs,
		"templates/base.html",
		name,
	)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		http.Error(w, "render error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("web: listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
