package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rushorder/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  cookie TEXT NOT NULL DEFAULT '',
  pdduid TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  anti_content TEXT NOT NULL DEFAULT '',
  default_address_id TEXT NOT NULL DEFAULT '',
  default_group_id TEXT NOT NULL DEFAULT '',
  default_activity_id TEXT NOT NULL DEFAULT '',
  request_count INTEGER NOT NULL DEFAULT 10,
  request_interval_ms INTEGER NOT NULL DEFAULT 500,
  max_request_time_ms INTEGER NOT NULL DEFAULT 5000,
  timeout_ms INTEGER NOT NULL DEFAULT 15000,
  success_count INTEGER NOT NULL DEFAULT 0,
  fail_count INTEGER NOT NULL DEFAULT 0,
  total_requests INTEGER NOT NULL DEFAULT 0,
  last_run_ms INTEGER,
  created_ms INTEGER NOT NULL,
  updated_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  name TEXT NOT NULL,
  goods_id TEXT NOT NULL,
  sku_id TEXT NOT NULL,
  quantity INTEGER NOT NULL DEFAULT 1 CHECK(quantity BETWEEN 1 AND 10),
  time_of_day TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run_ms INTEGER,
  last_result TEXT,
  created_ms INTEGER NOT NULL,
  updated_ms INTEGER NOT NULL,
  FOREIGN KEY(account_id) REFERENCES accounts(id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_account ON tasks(account_id);
CREATE TABLE IF NOT EXISTS task_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  started_ms INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  order_id TEXT NOT NULL DEFAULT '',
  endpoint TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, started_ms DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	SaveAccount(ctx context.Context, a *domain.Account) error
	SaveAccountStats(ctx context.Context, id string, s domain.Statistics) error
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	SaveTask(ctx context.Context, t *domain.Task) error
	SaveTaskRun(ctx context.Context, id string, lastRun time.Time, res domain.TaskResult) error
	ListTasks(ctx context.Context) ([]*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error

	InsertRun(ctx context.Context, rec domain.RunRecord) error
	ListRuns(ctx context.Context, taskID string, limit int) ([]domain.RunRecord, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func ms(t time.Time) int64 { return t.UnixMilli() }

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func (r *sqliteRepo) SaveAccount(ctx context.Context, a *domain.Account) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	st := a.Statistics()
	s := a.Settings
	_, err := r.db.ExecContext(ctx, `
INSERT INTO accounts (id,name,enabled,cookie,pdduid,user_agent,anti_content,default_address_id,default_group_id,default_activity_id,
  request_count,request_interval_ms,max_request_time_ms,timeout_ms,success_count,fail_count,total_requests,last_run_ms,created_ms,updated_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, enabled=excluded.enabled, cookie=excluded.cookie, pdduid=excluded.pdduid,
  user_agent=excluded.user_agent, anti_content=excluded.anti_content,
  default_address_id=excluded.default_address_id, default_group_id=excluded.default_group_id,
  default_activity_id=excluded.default_activity_id, request_count=excluded.request_count,
  request_interval_ms=excluded.request_interval_ms, max_request_time_ms=excluded.max_request_time_ms,
  timeout_ms=excluded.timeout_ms, success_count=excluded.success_count, fail_count=excluded.fail_count,
  total_requests=excluded.total_requests, last_run_ms=excluded.last_run_ms, updated_ms=excluded.updated_ms
`, a.ID, a.Name, a.Enabled, a.Cookie, a.PddUID, a.UserAgent, a.AntiContent, a.DefaultAddressID, a.DefaultGroupID, a.DefaultActivityID,
		s.RequestCount, s.RequestInterval.Milliseconds(), s.MaxRequestTime.Milliseconds(), s.Timeout.Milliseconds(),
		st.SuccessCount, st.FailCount, st.TotalRequests, nullMs(st.LastRunAt), ms(a.CreatedAt), ms(a.UpdatedAt))
	return err
}

func (r *sqliteRepo) SaveAccountStats(ctx context.Context, id string, s domain.Statistics) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE accounts SET success_count=?, fail_count=?, total_requests=?, last_run_ms=?, updated_ms=?
WHERE id=? AND total_requests <= ?`,
		s.SuccessCount, s.FailCount, s.TotalRequests, nullMs(s.LastRunAt), ms(time.Now()), id, s.TotalRequests)
	if err != nil {
		return err
	}
	return r.expectNewer(ctx, res, "accounts", "account", id)
}

func (r *sqliteRepo) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,enabled,cookie,pdduid,user_agent,anti_content,default_address_id,default_group_id,default_activity_id,
  request_count,request_interval_ms,max_request_time_ms,timeout_ms,success_count,fail_count,total_requests,last_run_ms,created_ms,updated_ms
FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a := &domain.Account{}
		var interval, maxTime, timeout, created, updated int64
		var st domain.Statistics
		var lastRun sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Name, &a.Enabled, &a.Cookie, &a.PddUID, &a.UserAgent, &a.AntiContent,
			&a.DefaultAddressID, &a.DefaultGroupID, &a.DefaultActivityID,
			&a.Settings.RequestCount, &interval, &maxTime, &timeout,
			&st.SuccessCount, &st.FailCount, &st.TotalRequests, &lastRun, &created, &updated); err != nil {
			return nil, err
		}
		a.Settings.RequestInterval = time.Duration(interval) * time.Millisecond
		a.Settings.MaxRequestTime = time.Duration(maxTime) * time.Millisecond
		a.Settings.Timeout = time.Duration(timeout) * time.Millisecond
		a.CreatedAt = time.UnixMilli(created)
		a.UpdatedAt = time.UnixMilli(updated)
		st.LastRunAt = fromNullMs(lastRun)
		a.SetStatistics(st)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *sqliteRepo) DeleteAccount(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE account_id=?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id=?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) SaveTask(ctx context.Context, t *domain.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	st := t.State()
	result, err := encodeResult(st.LastResult)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (id,account_id,name,goods_id,sku_id,quantity,time_of_day,enabled,last_run_ms,last_result,created_ms,updated_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, goods_id=excluded.goods_id, sku_id=excluded.sku_id, quantity=excluded.quantity,
  time_of_day=excluded.time_of_day, enabled=excluded.enabled, last_run_ms=excluded.last_run_ms,
  last_result=excluded.last_result, updated_ms=excluded.updated_ms
`, t.ID, t.AccountID, t.Name, t.GoodsID, t.SkuID, t.Quantity, t.TimeOfDay, t.Enabled,
		nullMs(st.LastRunAt), result, ms(t.CreatedAt), ms(t.UpdatedAt))
	return err
}

func (r *sqliteRepo) SaveTaskRun(ctx context.Context, id string, lastRun time.Time, res domain.TaskResult) error {
	result, err := encodeResult(&res)
	if err != nil {
		return err
	}
	out, err := r.db.ExecContext(ctx, `
UPDATE tasks SET last_run_ms=?, last_result=?, updated_ms=?
WHERE id=? AND (last_run_ms IS NULL OR last_run_ms <= ?)`,
		ms(lastRun), result, ms(time.Now()), id, ms(lastRun))
	if err != nil {
		return err
	}
	return r.expectNewer(ctx, out, "tasks", "task", id)
}

func (r *sqliteRepo) ListTasks(ctx context.Context) ([]*domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,account_id,name,goods_id,sku_id,quantity,time_of_day,enabled,last_run_ms,last_result,created_ms,updated_ms
FROM tasks ORDER BY account_id, time_of_day`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t := &domain.Task{}
		var lastRun sql.NullInt64
		var result sql.NullString
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Name, &t.GoodsID, &t.SkuID, &t.Quantity, &t.TimeOfDay, &t.Enabled,
			&lastRun, &result, &created, &updated); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created)
		t.UpdatedAt = time.UnixMilli(updated)
		st := domain.TaskState{LastRunAt: fromNullMs(lastRun)}
		if result.Valid && result.String != "" {
			var res domain.TaskResult
			if err := json.Unmarshal([]byte(result.String), &res); err != nil {
				return nil, fmt.Errorf("task %s last result: %w", t.ID, err)
			}
			st.LastResult = &res
		}
		t.SetState(st)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) DeleteTask(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id)
	return err
}

func (r *sqliteRepo) InsertRun(ctx context.Context, rec domain.RunRecord) error {
	res := rec.Result
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_runs(task_id, account_id, started_ms, success, order_id, endpoint, message, attempt_count, duration_ms)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.TaskID, rec.AccountID, ms(rec.StartedAt), res.Success, res.OrderID, res.Endpoint, res.Message,
		res.AttemptCount, res.TotalDuration.Milliseconds())
	return err
}

func (r *sqliteRepo) ListRuns(ctx context.Context, taskID string, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, account_id, started_ms, success, order_id, endpoint, message, attempt_count, duration_ms
FROM task_runs WHERE task_id=? ORDER BY started_ms DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		var rec domain.RunRecord
		var started, dur int64
		if err := rows.Scan(&rec.TaskID, &rec.AccountID, &started, &rec.Result.Success, &rec.Result.OrderID,
			&rec.Result.Endpoint, &rec.Result.Message, &rec.Result.AttemptCount, &dur); err != nil {
			return nil, err
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.Result.TotalDuration = time.Duration(dur) * time.Millisecond
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

func encodeResult(res *domain.TaskResult) (sql.NullString, error) {
	if res == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// expectNewer accepts an update that matched no row when the row exists:
// the stored state is already newer than the write.
func (r *sqliteRepo) expectNewer(ctx context.Context, res sql.Result, table, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return err
}
