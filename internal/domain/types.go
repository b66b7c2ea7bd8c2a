package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var ErrInvalidTask = errors.New("invalid task")

const (
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultGroupID    = "153122715481"
	DefaultActivityID = "15082569568"
)

// RequestSettings controls the burst fired for one scheduled invocation.
// Zero values fall back to the checkout defaults.
type RequestSettings struct {
	RequestCount    int           `json:"requestCount"`
	RequestInterval time.Duration `json:"requestInterval"`
	MaxRequestTime  time.Duration `json:"maxRequestTime"`
	Timeout         time.Duration `json:"timeout"`
}

type Statistics struct {
	SuccessCount  int        `json:"successCount"`
	FailCount     int        `json:"failCount"`
	TotalRequests int        `json:"totalRequests"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
}

type Account struct {
	ID          string
	Name        string
	Enabled     bool
	Cookie      string
	PddUID      string
	UserAgent   string
	AntiContent string

	DefaultAddressID  string
	DefaultGroupID    string
	DefaultActivityID string

	Settings  RequestSettings
	CreatedAt time.Time
	UpdatedAt time.Time

	mu    sync.Mutex
	stats Statistics
}

// RecordOutcome increments the account counters for one finished invocation.
func (a *Account) RecordOutcome(success bool, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.stats.SuccessCount++
	} else {
		a.stats.FailCount++
	}
	a.stats.TotalRequests++
	t := at
	a.stats.LastRunAt = &t
	a.UpdatedAt = at
}

func (a *Account) Statistics() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// SetStatistics replaces the counters, used when loading from storage.
func (a *Account) SetStatistics(s Statistics) {
	a.mu.Lock()
	a.stats = s
	a.mu.Unlock()
}

var uidPatterns = []*regexp.Regexp{
	regexp.MustCompile(`pdd_user_id=([^;]+)`),
	regexp.MustCompile(`pdduid=([^;]+)`),
	regexp.MustCompile(`USER_ID=([^;]+)`),
}

// ExtractPddUID fills PddUID from the cookie when it is not set already.
func (a *Account) ExtractPddUID() string {
	if a.PddUID != "" {
		return a.PddUID
	}
	for _, re := range uidPatterns {
		if m := re.FindStringSubmatch(a.Cookie); len(m) == 2 && m[1] != "" {
			a.PddUID = strings.TrimSpace(m[1])
			return a.PddUID
		}
	}
	return ""
}

// TaskResult is the single terminal outcome of one execution.
type TaskResult struct {
	Success       bool          `json:"success"`
	OrderID       string        `json:"orderId,omitempty"`
	Endpoint      string        `json:"endpoint,omitempty"`
	Message       string        `json:"message"`
	AttemptCount  int           `json:"attemptCount"`
	TotalDuration time.Duration `json:"-"`
	ErrorType     string        `json:"errorType,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty"`
	ErrorStack    string        `json:"errorStack,omitempty"`
}

func (r TaskResult) TotalDurationMs() int64 { return r.TotalDuration.Milliseconds() }

type taskResultJSON struct {
	taskResultFields
	TotalDurationMs int64 `json:"totalDurationMs"`
}

type taskResultFields TaskResult

// MarshalJSON reports the duration in whole milliseconds.
func (r TaskResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskResultJSON{taskResultFields(r), r.TotalDurationMs()})
}

func (r *TaskResult) UnmarshalJSON(b []byte) error {
	var v taskResultJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = TaskResult(v.taskResultFields)
	r.TotalDuration = time.Duration(v.TotalDurationMs) * time.Millisecond
	return nil
}

type TaskState struct {
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	LastResult *TaskResult
}

type Task struct {
	ID        string
	AccountID string
	Name      string
	GoodsID   string
	SkuID     string
	Quantity  int
	TimeOfDay string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time

	mu    sync.Mutex
	state TaskState
}

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) SetState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) MarkArmed(next time.Time) {
	t.mu.Lock()
	t.state.NextRunAt = &next
	t.mu.Unlock()
}

func (t *Task) MarkDisarmed() {
	t.mu.Lock()
	t.state.NextRunAt = nil
	t.mu.Unlock()
}

func (t *Task) RecordRun(at time.Time, res TaskResult) {
	t.mu.Lock()
	t.state.LastRunAt = &at
	t.state.LastResult = &res
	t.UpdatedAt = at
	t.mu.Unlock()
}

// Validate mirrors the checks applied when a task is created.
func (t *Task) Validate() error {
	var problems []string
	if strings.TrimSpace(t.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(t.GoodsID) == "" {
		problems = append(problems, "goods id is required")
	}
	if strings.TrimSpace(t.SkuID) == "" {
		problems = append(problems, "sku id is required")
	}
	if t.Quantity < 1 || t.Quantity > 10 {
		problems = append(problems, "quantity must be between 1 and 10")
	}
	if _, err := ParseTimeOfDay(t.TimeOfDay); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(problems, "; "))
	}
	return nil
}

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
	OutcomeTimedOut         Outcome = "timed_out"
)

// Attempt is one dispatched request of a burst: one slot against one endpoint.
type Attempt struct {
	RequestIndex int
	Endpoint     string
	StartedAt    time.Time
	Duration     time.Duration
	Outcome      Outcome
	Reason       string
	OrderID      string
}

// RunRecord is handed to the persistence worker after every execution.
type RunRecord struct {
	TaskID    string
	AccountID string
	StartedAt time.Time
	Result    TaskResult
}
