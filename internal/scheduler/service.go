package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"rushorder/internal/domain"
)

var (
	ErrUnknownAccount   = errors.New("unknown account")
	ErrTaskRunning      = errors.New("task is already running")
	ErrInvalidTimeOfDay = domain.ErrInvalidTimeOfDay
)

const DefaultSweepSpec = "@every 30s"

// Registry is the view of accounts and tasks the scheduler needs.
type Registry interface {
	Account(id string) (*domain.Account, bool)
	Task(id string) (*domain.Task, bool)
	Armable() []*domain.Task
}

type Executor interface {
	Execute(ctx context.Context, task *domain.Task, acct *domain.Account, immediate bool) domain.TaskResult
}

type Options struct {
	// RearmDaily arms a task for the next day after each scheduled fire.
	RearmDaily bool
	// SweepSpec is the cron spec of the arming sweep. Empty disables it.
	SweepSpec string
	// ClockOffset is the measured local clock error. It is reported but
	// not applied to the countdown.
	ClockOffset time.Duration
}

// ArmedTask describes one pending countdown.
type ArmedTask struct {
	TaskID    string    `json:"taskId"`
	AccountID string    `json:"accountId"`
	TaskName  string    `json:"taskName"`
	FireAt    time.Time `json:"fireAt"`
}

type armedTask struct {
	timer  *time.Timer
	task   *domain.Task
	gen    uint64
	fireAt time.Time
}

type Service struct {
	reg  Registry
	exec Executor
	log  zerolog.Logger
	opts Options
	now  func() time.Time
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	gen          uint64
	armed        map[string]*armedTask
	running      map[string]struct{}
	held         map[string]struct{}
	heldAccounts map[string]struct{}
	sweepID      cron.EntryID
}

func NewService(reg Registry, exec Executor, log zerolog.Logger, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		reg:          reg,
		exec:         exec,
		log:          log,
		opts:         opts,
		now:          time.Now,
		cron:         cron.New(),
		ctx:          ctx,
		cancel:       cancel,
		armed:        map[string]*armedTask{},
		running:      map[string]struct{}{},
		held:         map[string]struct{}{},
		heldAccounts: map[string]struct{}{},
	}
}

// Start arms every armable task and starts the periodic sweep.
func (s *Service) Start() error {
	if s.opts.ClockOffset != 0 {
		s.log.Warn().Dur("clock_offset", s.opts.ClockOffset).Msg("clock offset measured but countdowns use the local clock")
	}
	n := s.ArmAll()
	s.log.Info().Int("armed", n).Msg("schedule service started")

	if s.opts.SweepSpec == "" {
		return nil
	}
	id, err := s.cron.AddFunc(s.opts.SweepSpec, func() {
		if n := s.ArmAll(); n > 0 {
			s.log.Info().Int("armed", n).Msg("sweep armed tasks")
		}
	})
	if err != nil {
		return fmt.Errorf("sweep spec %q: %w", s.opts.SweepSpec, err)
	}
	s.mu.Lock()
	s.sweepID = id
	s.mu.Unlock()
	s.cron.Start()
	return nil
}

// Close stops the sweep and every countdown, cancels running executions
// and waits for them to return.
func (s *Service) Close() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for id, at := range s.armed {
		at.timer.Stop()
		at.task.MarkDisarmed()
		delete(s.armed, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("schedule service stopped")
}

// NextDelay is the wait from now until the next occurrence of tod on the
// local wall clock, at millisecond resolution. The result lies in (0, 24h];
// a time equal to now is scheduled for tomorrow.
func NextDelay(tod domain.TimeOfDay, now time.Time) time.Duration {
	h, m, sec := now.Clock()
	elapsed := time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(now.Nanosecond()).Truncate(time.Millisecond)
	d := tod.Offset() - elapsed
	if d <= 0 {
		d += 24 * time.Hour
	}
	return d
}

// ScheduleTask arms a one-shot countdown to the task's next time of day,
// replacing any countdown already armed for it.
func (s *Service) ScheduleTask(task *domain.Task) (time.Duration, error) {
	log := s.log.With().Str("task_id", task.ID).Str("task_name", task.Name).Str("account_id", task.AccountID).Logger()
	acct, ok := s.reg.Account(task.AccountID)
	if !ok {
		log.Warn().Msg("not arming task of unknown account")
		return 0, fmt.Errorf("task %s: %w", task.ID, ErrUnknownAccount)
	}
	tod, err := domain.ParseTimeOfDay(task.TimeOfDay)
	if err != nil {
		log.Warn().Err(err).Msg("not arming task with invalid time")
		return 0, err
	}

	now := s.now()
	delay := NextDelay(tod, now)
	fireAt := now.Add(delay)

	s.mu.Lock()
	if prev, ok := s.armed[task.ID]; ok {
		prev.timer.Stop()
	}
	delete(s.held, task.ID)
	s.gen++
	at := &armedTask{task: task, gen: s.gen, fireAt: fireAt}
	gen := s.gen
	at.timer = time.AfterFunc(delay, func() { s.fire(task.ID, gen) })
	s.armed[task.ID] = at
	s.mu.Unlock()

	task.MarkArmed(fireAt)
	log.Info().Str("account", acct.Name).Str("time_of_day", tod.String()).
		Time("fire_at", fireAt).Dur("delay", delay).Msg("task armed")
	return delay, nil
}

func (s *Service) fire(taskID string, gen uint64) {
	s.mu.Lock()
	at, ok := s.armed[taskID]
	if !ok || at.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.armed, taskID)
	if !s.opts.RearmDaily {
		s.held[taskID] = struct{}{}
	}
	s.mu.Unlock()

	task := at.task
	task.MarkDisarmed()
	if _, err := s.run(s.ctx, task, false); err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("scheduled fire skipped")
	}

	if !s.opts.RearmDaily || s.ctx.Err() != nil {
		return
	}
	current, ok := s.reg.Task(taskID)
	if !ok || !current.Enabled {
		return
	}
	s.mu.Lock()
	_, armedMeanwhile := s.armed[taskID]
	_, held := s.held[taskID]
	s.mu.Unlock()
	if armedMeanwhile || held {
		return
	}
	if _, err := s.ScheduleTask(current); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("re-arming task failed")
	}
}

// ExecuteTaskNow runs a single immediate slot for task. The execution is
// detached from the caller's cancellation, since requests already sent can
// still place an order; only Close cuts it short.
func (s *Service) ExecuteTaskNow(ctx context.Context, task *domain.Task) (domain.TaskResult, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.run(runCtx, task, true)
}

// run holds the running guard of task for the duration of one execution.
func (s *Service) run(ctx context.Context, task *domain.Task, immediate bool) (domain.TaskResult, error) {
	acct, ok := s.reg.Account(task.AccountID)
	if !ok {
		return domain.TaskResult{}, fmt.Errorf("task %s: %w", task.ID, ErrUnknownAccount)
	}

	s.mu.Lock()
	if _, busy := s.running[task.ID]; busy {
		s.mu.Unlock()
		return domain.TaskResult{}, fmt.Errorf("task %s: %w", task.ID, ErrTaskRunning)
	}
	s.running[task.ID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	res := s.exec.Execute(ctx, task, acct, immediate)
	s.log.Info().Str("task_id", task.ID).Str("account_id", acct.ID).Bool("immediate", immediate).
		Bool("success", res.Success).Str("message", res.Message).Msg("task executed")
	return res, nil
}

// StopTask cancels the countdown of a task and keeps the sweep from arming
// it again until ScheduleTask is called. It reports whether a countdown was
// pending.
func (s *Service) StopTask(taskID string) bool {
	s.mu.Lock()
	at, ok := s.armed[taskID]
	if ok {
		at.timer.Stop()
		delete(s.armed, taskID)
	}
	s.held[taskID] = struct{}{}
	s.mu.Unlock()

	if ok {
		at.task.MarkDisarmed()
		s.log.Info().Str("task_id", taskID).Msg("task disarmed")
	}
	return ok
}

// StopAccountTasks cancels every countdown of an account and holds the
// account until ResumeAccount. It returns how many countdowns were pending.
func (s *Service) StopAccountTasks(accountID string) int {
	s.mu.Lock()
	var stopped []*armedTask
	for id, at := range s.armed {
		if at.task.AccountID == accountID {
			at.timer.Stop()
			delete(s.armed, id)
			stopped = append(stopped, at)
		}
	}
	s.heldAccounts[accountID] = struct{}{}
	s.mu.Unlock()

	for _, at := range stopped {
		at.task.MarkDisarmed()
	}
	s.log.Info().Str("account_id", accountID).Int("stopped", len(stopped)).Msg("account tasks stopped")
	return len(stopped)
}

// ResumeAccount lifts an account hold and arms its tasks.
func (s *Service) ResumeAccount(accountID string) int {
	s.mu.Lock()
	delete(s.heldAccounts, accountID)
	s.mu.Unlock()
	return s.ArmAll()
}

// ArmAll arms every enabled task of an enabled account that is not armed,
// running or held. It returns how many were armed.
func (s *Service) ArmAll() int {
	n := 0
	for _, task := range s.reg.Armable() {
		s.mu.Lock()
		_, armed := s.armed[task.ID]
		_, running := s.running[task.ID]
		_, held := s.held[task.ID]
		_, accountHeld := s.heldAccounts[task.AccountID]
		s.mu.Unlock()
		if armed || running || held || accountHeld {
			continue
		}
		if _, err := s.ScheduleTask(task); err == nil {
			n++
		}
	}
	return n
}

// Armed returns the pending countdowns ordered by fire time.
func (s *Service) Armed() []ArmedTask {
	s.mu.Lock()
	out := make([]ArmedTask, 0, len(s.armed))
	for _, at := range s.armed {
		out = append(out, ArmedTask{TaskID: at.task.ID, AccountID: at.task.AccountID, TaskName: at.task.Name, FireAt: at.fireAt})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b ArmedTask) int { return a.FireAt.Compare(b.FireAt) })
	return out
}

// Running reports whether an execution of task is in progress.
func (s *Service) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// NextSweep is the next time the arming sweep runs, zero when disabled.
func (s *Service) NextSweep() time.Time {
	s.mu.Lock()
	id := s.sweepID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
