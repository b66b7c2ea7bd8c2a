// Package registry keeps accounts and tasks in memory, backed by the store.
// Scheduler and engine read the live objects held here.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rushorder/internal/domain"
	"rushorder/internal/store"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidAccount = errors.New("invalid account")
)

type Registry struct {
	repo store.Repository
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.RWMutex
	accounts map[string]*domain.Account
	tasks    map[string]*domain.Task
}

func New(repo store.Repository, log zerolog.Logger) *Registry {
	return &Registry{
		repo:     repo,
		log:      log,
		now:      time.Now,
		accounts: map[string]*domain.Account{},
		tasks:    map[string]*domain.Task{},
	}
}

// Load replaces the in-memory view with what the store holds.
func (r *Registry) Load(ctx context.Context) error {
	accounts, err := r.repo.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	tasks, err := r.repo.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = make(map[string]*domain.Account, len(accounts))
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	r.tasks = make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		if _, ok := r.accounts[t.AccountID]; !ok {
			r.log.Warn().Str("task_id", t.ID).Str("account_id", t.AccountID).Msg("skipping task of unknown account")
			continue
		}
		r.tasks[t.ID] = t
	}
	r.log.Info().Int("accounts", len(r.accounts)).Int("tasks", len(r.tasks)).Msg("registry loaded")
	return nil
}

func (r *Registry) Account(id string) (*domain.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// Accounts returns every account ordered by name.
func (r *Registry) Accounts() []*domain.Account {
	r.mu.RLock()
	out := make([]*domain.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *domain.Account) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (r *Registry) CreateAccount(ctx context.Context, a *domain.Account) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAccount)
	}
	if strings.TrimSpace(a.Cookie) == "" {
		return fmt.Errorf("%w: cookie is required", ErrInvalidAccount)
	}
	if a.ID == "" {
		a.ID = "acc_" + uuid.NewString()
	}
	a.ExtractPddUID()
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now
	if err := r.repo.SaveAccount(ctx, a); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	r.mu.Lock()
	r.accounts[a.ID] = a
	r.mu.Unlock()
	r.log.Info().Str("account_id", a.ID).Str("account", a.Name).Msg("account created")
	return nil
}

// DeleteAccount removes the account together with its tasks.
func (r *Registry) DeleteAccount(ctx context.Context, id string) error {
	if _, ok := r.Account(id); !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err := r.repo.DeleteAccount(ctx, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	r.mu.Lock()
	delete(r.accounts, id)
	for tid, t := range r.tasks {
		if t.AccountID == id {
			delete(r.tasks, tid)
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) Task(id string) (*domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Tasks returns all tasks ordered by account and time of day.
func (r *Registry) Tasks() []*domain.Task {
	return r.filterTasks(func(*domain.Task) bool { return true })
}

// Armable returns the enabled tasks of enabled accounts.
func (r *Registry) Armable() []*domain.Task {
	return r.filterTasks(func(t *domain.Task) bool {
		a, ok := r.accounts[t.AccountID]
		return ok && a.Enabled && t.Enabled
	})
}

func (r *Registry) AccountTasks(accountID string) []*domain.Task {
	return r.filterTasks(func(t *domain.Task) bool { return t.AccountID == accountID })
}

// keep runs under the read lock.
func (r *Registry) filterTasks(keep func(*domain.Task) bool) []*domain.Task {
	r.mu.RLock()
	out := make([]*domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *domain.Task) int {
		return cmp.Or(
			cmp.Compare(a.AccountID, b.AccountID),
			cmp.Compare(a.TimeOfDay, b.TimeOfDay),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

func (r *Registry) CreateTask(ctx context.Context, t *domain.Task) error {
	if _, ok := r.Account(t.AccountID); !ok {
		return fmt.Errorf("account %s: %w", t.AccountID, ErrNotFound)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	now := r.now()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := r.repo.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	r.log.Info().Str("task_id", t.ID).Str("account_id", t.AccountID).Str("time_of_day", t.TimeOfDay).Msg("task created")
	return nil
}

// SetTaskEnabled flips the enabled flag and persists it.
func (r *Registry) SetTaskEnabled(ctx context.Context, id string, enabled bool) (*domain.Task, error) {
	t, ok := r.Task(id)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	r.mu.Lock()
	t.Enabled = enabled
	r.mu.Unlock()
	if err := r.repo.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	return t, nil
}

func (r *Registry) DeleteTask(ctx context.Context, id string) error {
	if _, ok := r.Task(id); !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err := r.repo.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
	return nil
}

// Runs returns the most recent run records of a task.
func (r *Registry) Runs(ctx context.Context, taskID string, limit int) ([]domain.RunRecord, error) {
	return r.repo.ListRuns(ctx, taskID, limit)
}
