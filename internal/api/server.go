package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rushorder/internal/domain"
	"rushorder/internal/monitor"
	"rushorder/internal/registry"
	"rushorder/internal/retry"
	"rushorder/internal/scheduler"
)

// Registry is the account and task store behind the API.
type Registry interface {
	Accounts() []*domain.Account
	Account(id string) (*domain.Account, bool)
	CreateAccount(ctx context.Context, a *domain.Account) error
	DeleteAccount(ctx context.Context, id string) error
	Tasks() []*domain.Task
	Task(id string) (*domain.Task, bool)
	CreateTask(ctx context.Context, t *domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool) (*domain.Task, error)
	Runs(ctx context.Context, taskID string, limit int) ([]domain.RunRecord, error)
}

type Scheduler interface {
	ScheduleTask(task *domain.Task) (time.Duration, error)
	ExecuteTaskNow(ctx context.Context, task *domain.Task) (domain.TaskResult, error)
	StopTask(taskID string) bool
	StopAccountTasks(accountID string) int
	ResumeAccount(accountID string) int
	Armed() []scheduler.ArmedTask
	Running(taskID string) bool
	NextSweep() time.Time
}

type Deps struct {
	Registry   Registry
	Scheduler  Scheduler
	Monitor    *monitor.Monitor
	RetryStats func() retry.Stats
	Gatherer   prometheus.Gatherer
	Log        zerolog.Logger
	// RunRatePerMin limits manual runs; zero disables the limit.
	RunRatePerMin int
	Debug         bool
}

type Server struct {
	r       *chi.Mux
	reg     Registry
	sched   Scheduler
	monitor *monitor.Monitor
	stats   func() retry.Stats
	log     zerolog.Logger
	limiter *rate.Limiter
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, reg: d.Registry, sched: d.Scheduler, monitor: d.Monitor, stats: d.RetryStats, log: d.Log}
	if d.RunRatePerMin > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(d.RunRatePerMin)), d.RunRatePerMin)
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts", s.listAccounts)
		r.Post("/accounts", s.createAccount)
		r.Get("/accounts/{id}", s.getAccount)
		r.Delete("/accounts/{id}", s.deleteAccount)
		r.Post("/accounts/{id}/schedule", s.resumeAccount)
		r.Delete("/accounts/{id}/schedule", s.stopAccount)

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/run", s.runTask)
		r.Post("/tasks/{id}/arm", s.armTask)
		r.Post("/tasks/{id}/disarm", s.disarmTask)
		r.Get("/tasks/{id}/runs", s.listRuns)

		r.Get("/scheduler", s.schedulerState)
		r.Get("/stats", s.getStats)
	})

	// Debug routes (pprof)
	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type settingsReq struct {
	RequestCount      int   `json:"requestCount"`
	RequestIntervalMs int64 `json:"requestIntervalMs"`
	MaxRequestTimeMs  int64 `json:"maxRequestTimeMs"`
	TimeoutMs         int64 `json:"timeoutMs"`
}

type createAccountReq struct {
	Name              string      `json:"name"`
	Enabled           *bool       `json:"enabled"`
	Cookie            string      `json:"cookie"`
	PddUID            string      `json:"pdduid"`
	UserAgent         string      `json:"userAgent"`
	AntiContent       string      `json:"antiContent"`
	DefaultAddressID  string      `json:"defaultAddressId"`
	DefaultGroupID    string      `json:"defaultGroupId"`
	DefaultActivityID string      `json:"defaultActivityId"`
	Settings          settingsReq `json:"settings"`
}

type accountView struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Enabled           bool              `json:"enabled"`
	PddUID            string            `json:"pdduid"`
	CookieSet         bool              `json:"cookieSet"`
	DefaultAddressID  string            `json:"defaultAddressId"`
	DefaultGroupID    string            `json:"defaultGroupId"`
	DefaultActivityID string            `json:"defaultActivityId"`
	Settings          settingsReq       `json:"settings"`
	Statistics        domain.Statistics `json:"statistics"`
	CreatedAt         time.Time         `json:"createdAt"`
}

func newAccountView(a *domain.Account) accountView {
	return accountView{
		ID:                a.ID,
		Name:              a.Name,
		Enabled:           a.Enabled,
		PddUID:            a.PddUID,
		CookieSet:         a.Cookie != "",
		DefaultAddressID:  a.DefaultAddressID,
		DefaultGroupID:    a.DefaultGroupID,
		DefaultActivityID: a.DefaultActivityID,
		Settings: settingsReq{
			RequestCount:      a.Settings.RequestCount,
			RequestIntervalMs: a.Settings.RequestInterval.Milliseconds(),
			MaxRequestTimeMs:  a.Settings.MaxRequestTime.Milliseconds(),
			TimeoutMs:         a.Settings.Timeout.Milliseconds(),
		},
		Statistics: a.Statistics(),
		CreatedAt:  a.CreatedAt,
	}
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.reg.Accounts()
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, newAccountView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := s.reg.Account(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(a))
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a := &domain.Account{
		Name:              req.Name,
		Enabled:           req.Enabled == nil || *req.Enabled,
		Cookie:            req.Cookie,
		PddUID:            req.PddUID,
		UserAgent:         req.UserAgent,
		AntiContent:       req.AntiContent,
		DefaultAddressID:  req.DefaultAddressID,
		DefaultGroupID:    req.DefaultGroupID,
		DefaultActivityID: req.DefaultActivityID,
		Settings: domain.RequestSettings{
			RequestCount:    req.Settings.RequestCount,
			RequestInterval: time.Duration(req.Settings.RequestIntervalMs) * time.Millisecond,
			MaxRequestTime:  time.Duration(req.Settings.MaxRequestTimeMs) * time.Millisecond,
			Timeout:         time.Duration(req.Settings.TimeoutMs) * time.Millisecond,
		},
	}
	if err := s.reg.CreateAccount(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountView(a))
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.reg.Account(id); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.sched.StopAccountTasks(id)
	if err := s.reg.DeleteAccount(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.reg.Account(id); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": s.sched.StopAccountTasks(id)})
}

func (s *Server) resumeAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.reg.Account(id); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"armed": s.sched.ResumeAccount(id)})
}

type createTaskReq struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
	GoodsID   string `json:"goodsId"`
	SkuID     string `json:"skuId"`
	Quantity  int    `json:"quantity"`
	TimeOfDay string `json:"timeOfDay"`
	Enabled   *bool  `json:"enabled"`
}

type taskView struct {
	ID         string             `json:"id"`
	AccountID  string             `json:"accountId"`
	Name       string             `json:"name"`
	GoodsID    string             `json:"goodsId"`
	SkuID      string             `json:"skuId"`
	Quantity   int                `json:"quantity"`
	TimeOfDay  string             `json:"timeOfDay"`
	Enabled    bool               `json:"enabled"`
	Running    bool               `json:"running"`
	NextRunAt  *time.Time         `json:"nextRunAt,omitempty"`
	LastRunAt  *time.Time         `json:"lastRunAt,omitempty"`
	LastResult *domain.TaskResult `json:"lastResult,omitempty"`
}

func (s *Server) newTaskView(t *domain.Task) taskView {
	st := t.State()
	return taskView{
		ID:         t.ID,
		AccountID:  t.AccountID,
		Name:       t.Name,
		GoodsID:    t.GoodsID,
		SkuID:      t.SkuID,
		Quantity:   t.Quantity,
		TimeOfDay:  t.TimeOfDay,
		Enabled:    t.Enabled,
		Running:    s.sched.Running(t.ID),
		NextRunAt:  st.NextRunAt,
		LastRunAt:  st.LastRunAt,
		LastResult: st.LastResult,
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.reg.Tasks()
	accountID := r.URL.Query().Get("account")
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		out = append(out, s.newTaskView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.reg.Task(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.newTaskView(t))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t := &domain.Task{
		AccountID: req.AccountID,
		Name:      req.Name,
		GoodsID:   req.GoodsID,
		SkuID:     req.SkuID,
		Quantity:  req.Quantity,
		TimeOfDay: req.TimeOfDay,
		Enabled:   req.Enabled == nil || *req.Enabled,
	}
	if t.Quantity == 0 {
		t.Quantity = 1
	}
	if err := s.reg.CreateTask(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}
	if t.Enabled {
		if _, err := s.sched.ScheduleTask(t); err != nil {
			s.log.Warn().Err(err).Str("task_id", t.ID).Msg("created task not armed")
		}
	}
	writeJSON(w, http.StatusCreated, s.newTaskView(t))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.reg.Task(id); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.sched.StopTask(id)
	if err := s.reg.DeleteTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.reg.Task(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "too many manual runs, slow down", http.StatusTooManyRequests)
		return
	}
	res, err := s.sched.ExecuteTaskNow(r.Context(), t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type armResp struct {
	TaskID  string    `json:"taskId"`
	FireAt  time.Time `json:"fireAt"`
	DelayMs int64     `json:"delayMs"`
}

func (s *Server) armTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.reg.SetTaskEnabled(r.Context(), chi.URLParam(r, "id"), true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	delay, err := s.sched.ScheduleTask(t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := armResp{TaskID: t.ID, DelayMs: delay.Milliseconds()}
	if next := t.State().NextRunAt; next != nil {
		resp.FireAt = *next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) disarmTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.reg.SetTaskEnabled(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": t.ID, "wasArmed": s.sched.StopTask(t.ID)})
}

type runView struct {
	StartedAt time.Time         `json:"startedAt"`
	Result    domain.TaskResult `json:"result"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.reg.Task(id); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.reg.Runs(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, rec := range runs {
		out = append(out, runView{StartedAt: rec.StartedAt, Result: rec.Result})
	}
	writeJSON(w, http.StatusOK, out)
}

type schedulerResp struct {
	Armed     []scheduler.ArmedTask `json:"armed"`
	NextSweep *time.Time            `json:"nextSweep,omitempty"`
}

func (s *Server) schedulerState(w http.ResponseWriter, r *http.Request) {
	resp := schedulerResp{Armed: s.sched.Armed()}
	if next := s.sched.NextSweep(); !next.IsZero() {
		resp.NextSweep = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResp struct {
	Executions *monitor.Summary `json:"executions,omitempty"`
	HTTP       *retry.Stats     `json:"http,omitempty"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResp
	if s.monitor != nil {
		sum := s.monitor.Summary()
		resp.Executions = &sum
	}
	if s.stats != nil {
		st := s.stats()
		resp.HTTP = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps sentinel errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskRunning):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTask),
		errors.Is(err, registry.ErrInvalidAccount),
		errors.Is(err, domain.ErrInvalidTimeOfDay),
		errors.Is(err, scheduler.ErrUnknownAccount):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
