package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rushorder/internal/domain"
)

type fakeRegistry struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	tasks    map[string]*domain.Task
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{accounts: map[string]*domain.Account{}, tasks: map[string]*domain.Task{}}
}

func (f *fakeRegistry) Account(id string) (*domain.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	return a, ok
}

func (f *fakeRegistry) Task(id string) (*domain.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeRegistry) Armable() []*domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Task
	for _, t := range f.tasks {
		if a, ok := f.accounts[t.AccountID]; ok && a.Enabled && t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeRegistry) add(t *domain.Task) *domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[t.AccountID]; !ok {
		f.accounts[t.AccountID] = &domain.Account{ID: t.AccountID, Name: t.AccountID, Enabled: true}
	}
	f.tasks[t.ID] = t
	return t
}

type fakeExecutor struct {
	calls     atomic.Int32
	cancelled atomic.Bool
	block     chan struct{}
	started   chan struct{}
	mu        sync.Mutex
	modes     []bool
}

func (f *fakeExecutor) Execute(ctx context.Context, task *domain.Task, _ *domain.Account, immediate bool) domain.TaskResult {
	f.calls.Add(1)
	f.mu.Lock()
	f.modes = append(f.modes, immediate)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if ctx.Err() != nil {
		f.cancelled.Store(true)
		return domain.TaskResult{Message: "cancelled"}
	}
	return domain.TaskResult{Success: true, Message: "ok"}
}

func task(id, account, tod string) *domain.Task {
	return &domain.Task{ID: id, AccountID: account, Name: id, GoodsID: "1", SkuID: "2", Quantity: 1, TimeOfDay: tod, Enabled: true}
}

func at(h, m, s, ms int) time.Time {
	return time.Date(2026, 3, 14, h, m, s, ms*int(time.Millisecond), time.Local)
}

func newTestService(reg Registry, exec Executor, opts Options) *Service {
	s := NewService(reg, exec, zerolog.Nop(), opts)
	return s
}

func TestNextDelay(t *testing.T) {
	tod := func(s string) domain.TimeOfDay {
		v, err := domain.ParseTimeOfDay(s)
		require.NoError(t, err)
		return v
	}
	testCases := []struct {
		name string
		tod  string
		now  time.Time
		want time.Duration
	}{
		{"later today", "10:00:00", at(9, 59, 59, 0), time.Second},
		{"millisecond precision", "10:00:00.500", at(10, 0, 0, 200), 300 * time.Millisecond},
		{"exact match is tomorrow", "10:00:00", at(10, 0, 0, 0), 24 * time.Hour},
		{"passed today", "09:00:00", at(10, 0, 0, 0), 23 * time.Hour},
		{"midnight from noon", "00:00", at(12, 0, 0, 0), 12 * time.Hour},
		{"sub-millisecond now is truncated", "10:00:00", at(9, 59, 59, 999).Add(500 * time.Microsecond), time.Millisecond},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextDelay(tod(tc.tod), tc.now)
			assert.Equal(t, tc.want, got)
			assert.Greater(t, got, time.Duration(0))
			assert.LessOrEqual(t, got, 24*time.Hour)
		})
	}
}

func TestScheduleTaskRejects(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestService(reg, &fakeExecutor{}, Options{})
	defer s.Close()

	_, err := s.ScheduleTask(task("tsk_1", "acc_missing", "10:00:00"))
	assert.ErrorIs(t, err, ErrUnknownAccount)

	bad := reg.add(task("tsk_2", "acc_1", "25:00:00"))
	_, err = s.ScheduleTask(bad)
	assert.ErrorIs(t, err, ErrInvalidTimeOfDay)
	assert.Empty(t, s.Armed())
	assert.Nil(t, bad.State().NextRunAt)
}

func TestScheduledFireRunsTask(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{}
	s := newTestService(reg, exec, Options{})
	defer s.Close()
	s.now = func() time.Time { return at(9, 59, 59, 950) }

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	delay, err := s.ScheduleTask(tk)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, delay)
	require.NotNil(t, tk.State().NextRunAt)
	assert.Equal(t, at(10, 0, 0, 0), *tk.State().NextRunAt)

	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Armed()) == 0 && !s.Running("tsk_1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false}, exec.modes)
	assert.Nil(t, tk.State().NextRunAt)

	// without daily re-arm the sweep leaves a fired task alone
	assert.Zero(t, s.ArmAll())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestRearmDaily(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{}
	s := newTestService(reg, exec, Options{RearmDaily: true})
	defer s.Close()
	clock := &fakeClock{now: at(9, 59, 59, 980)}
	s.now = clock.Now

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	_, err := s.ScheduleTask(tk)
	require.NoError(t, err)
	clock.Set(at(10, 0, 0, 100))

	require.Eventually(t, func() bool { return exec.calls.Load() == 1 && len(s.Armed()) == 1 }, time.Second, 5*time.Millisecond)
	armed := s.Armed()[0]
	assert.Equal(t, "tsk_1", armed.TaskID)
	assert.Equal(t, at(10, 0, 0, 100).Add(24*time.Hour-100*time.Millisecond), armed.FireAt)
	require.NotNil(t, tk.State().NextRunAt)
}

func TestRearmCancelsPrevious(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{}
	s := newTestService(reg, exec, Options{})
	defer s.Close()

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	s.now = func() time.Time { return at(9, 59, 59, 960) }
	_, err := s.ScheduleTask(tk)
	require.NoError(t, err)

	s.now = func() time.Time { return at(9, 0, 0, 0) }
	delay, err := s.ScheduleTask(tk)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, delay)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, exec.calls.Load())
	require.Len(t, s.Armed(), 1)
	assert.Equal(t, at(10, 0, 0, 0), s.Armed()[0].FireAt)
}

func TestStopTaskIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{}
	s := newTestService(reg, exec, Options{})
	defer s.Close()
	s.now = func() time.Time { return at(9, 59, 59, 900) }

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	_, err := s.ScheduleTask(tk)
	require.NoError(t, err)

	assert.True(t, s.StopTask("tsk_1"))
	assert.False(t, s.StopTask("tsk_1"))
	assert.False(t, s.StopTask("tsk_unknown"))
	assert.Nil(t, tk.State().NextRunAt)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, exec.calls.Load())
	// a stopped task stays out of the sweep
	assert.Zero(t, s.ArmAll())
}

func TestStopAccountTasks(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestService(reg, &fakeExecutor{}, Options{})
	defer s.Close()
	s.now = func() time.Time { return at(8, 0, 0, 0) }

	reg.add(task("a1", "acc_a", "10:00:00"))
	reg.add(task("a2", "acc_a", "11:00:00"))
	reg.add(task("b1", "acc_b", "10:00:00"))
	require.Equal(t, 3, s.ArmAll())

	assert.Equal(t, 2, s.StopAccountTasks("acc_a"))
	assert.Equal(t, 0, s.StopAccountTasks("acc_a"))
	require.Len(t, s.Armed(), 1)
	assert.Equal(t, "b1", s.Armed()[0].TaskID)
	assert.Zero(t, s.ArmAll())

	assert.Equal(t, 2, s.ResumeAccount("acc_a"))
	assert.Len(t, s.Armed(), 3)
}

func TestRunningGuard(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(reg, exec, Options{})
	defer s.Close()

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	done := make(chan domain.TaskResult)
	go func() {
		res, err := s.ExecuteTaskNow(context.Background(), tk)
		assert.NoError(t, err)
		done <- res
	}()
	<-exec.started

	_, err := s.ExecuteTaskNow(context.Background(), tk)
	assert.ErrorIs(t, err, ErrTaskRunning)
	assert.True(t, s.Running("tsk_1"))
	assert.Zero(t, s.ArmAll())

	close(exec.block)
	res := <-done
	assert.True(t, res.Success)
	assert.False(t, s.Running("tsk_1"))
	assert.Equal(t, []bool{true}, exec.modes)

	// the guard is released, so the next run goes through
	_, err = s.ExecuteTaskNow(context.Background(), tk)
	assert.NoError(t, err)
}

func TestExecuteTaskNowOutlivesCaller(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(reg, exec, Options{})
	defer s.Close()

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.TaskResult, 1)
	go func() {
		res, err := s.ExecuteTaskNow(ctx, tk)
		assert.NoError(t, err)
		done <- res
	}()
	<-exec.started

	// the caller goes away while requests are in flight
	cancel()
	select {
	case <-done:
		t.Fatal("execution ended with the caller")
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.block)
	res := <-done
	assert.True(t, res.Success)
	assert.False(t, exec.cancelled.Load())
}

func TestCloseCancelsManualExecution(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(reg, exec, Options{})

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	done := make(chan domain.TaskResult, 1)
	go func() {
		res, _ := s.ExecuteTaskNow(context.Background(), tk)
		done <- res
	}()
	<-exec.started

	s.Close()
	res := <-done
	assert.False(t, res.Success)
	assert.True(t, exec.cancelled.Load())
}

func TestExecuteTaskNowUnknownAccount(t *testing.T) {
	s := newTestService(newFakeRegistry(), &fakeExecutor{}, Options{})
	defer s.Close()
	_, err := s.ExecuteTaskNow(context.Background(), task("tsk_1", "acc_gone", "10:00:00"))
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestArmAllSkipsDisabled(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestService(reg, &fakeExecutor{}, Options{})
	defer s.Close()
	s.now = func() time.Time { return at(8, 0, 0, 0) }

	reg.add(task("on", "acc_1", "10:00:00"))
	off := task("off", "acc_1", "10:00:00")
	off.Enabled = false
	reg.add(off)
	reg.add(task("other", "acc_2", "10:00:00"))
	reg.accounts["acc_2"].Enabled = false

	assert.Equal(t, 1, s.ArmAll())
	assert.Zero(t, s.ArmAll())
}

func TestStartWithSweep(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestService(reg, &fakeExecutor{}, Options{SweepSpec: "@every 1h"})
	s.now = func() time.Time { return at(8, 0, 0, 0) }
	reg.add(task("tsk_1", "acc_1", "10:00:00"))

	require.NoError(t, s.Start())
	assert.Len(t, s.Armed(), 1)
	assert.False(t, s.NextSweep().IsZero())

	s.Close()
	assert.Empty(t, s.Armed())
}

func TestStartRejectsBadSweep(t *testing.T) {
	s := newTestService(newFakeRegistry(), &fakeExecutor{}, Options{SweepSpec: "every now and then"})
	defer s.Close()
	assert.Error(t, s.Start())
}

func TestCloseCancelsRunningExecution(t *testing.T) {
	reg := newFakeRegistry()
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(reg, exec, Options{})
	s.now = func() time.Time { return at(9, 59, 59, 990) }

	tk := reg.add(task("tsk_1", "acc_1", "10:00:00"))
	_, err := s.ScheduleTask(tk)
	require.NoError(t, err)
	<-exec.started

	closed := make(chan struct{})
	go func() { s.Close(); close(closed) }()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("@every 30s"))
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("not a cron"))
}
