// Package engine fires the checkout burst for one task invocation and
// resolves it to a single result.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rushorder/internal/checkout"
	"rushorder/internal/classify"
	"rushorder/internal/domain"
	"rushorder/internal/retry"
)

// Recorder receives one latency event per invocation.
type Recorder interface {
	RecordLatency(d time.Duration, success bool)
}

// Persister accepts finished runs without blocking.
type Persister interface {
	Submit(acct *domain.Account, rec domain.RunRecord) bool
}

type Engine struct {
	builder  *checkout.Builder
	policy   *retry.Policy
	monitor  Recorder
	persist  Persister
	log      zerolog.Logger
	now      func() time.Time
	classify func(classify.Exchange) classify.Verdict
}

// New wires an engine. monitor and persist may be nil.
func New(builder *checkout.Builder, policy *retry.Policy, monitor Recorder, persist Persister, log zerolog.Logger) *Engine {
	return &Engine{
		builder:  builder,
		policy:   policy,
		monitor:  monitor,
		persist:  persist,
		log:      log,
		now:      time.Now,
		classify: classify.Classify,
	}
}

// Execute runs one invocation of task for acct. Immediate runs fire a single
// slot with no stagger. It always returns a result; failures, deadlines and
// panics are folded into it.
func (e *Engine) Execute(ctx context.Context, task *domain.Task, acct *domain.Account, immediate bool) domain.TaskResult {
	start := e.now()
	log := e.log.With().Str("task_id", task.ID).Str("task_name", task.Name).Str("account_id", acct.ID).Logger()
	log.Info().Bool("immediate", immediate).Str("goods_id", task.GoodsID).Str("sku_id", task.SkuID).Msg("execution started")

	res := e.run(ctx, log, task, acct, immediate)
	res.TotalDuration = e.now().Sub(start)

	finished := start.Add(res.TotalDuration)
	task.RecordRun(finished, res)
	acct.RecordOutcome(res.Success, finished)
	if e.persist != nil {
		e.persist.Submit(acct, domain.RunRecord{TaskID: task.ID, AccountID: acct.ID, StartedAt: start, Result: res})
	}
	if e.monitor != nil {
		e.monitor.RecordLatency(res.TotalDuration, res.Success)
	}

	if res.Success {
		log.Info().Str("order_id", res.OrderID).Str("endpoint", res.Endpoint).
			Int("attempts", res.AttemptCount).Dur("duration", res.TotalDuration).Msg("execution succeeded")
	} else {
		log.Warn().Str("reason", res.Message).Int("attempts", res.AttemptCount).
			Dur("duration", res.TotalDuration).Msg("execution failed")
	}
	return res
}

func (e *Engine) run(ctx context.Context, log zerolog.Logger, task *domain.Task, acct *domain.Account, immediate bool) (res domain.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = panicResult(r, debug.Stack())
			log.Error().Str("panic", res.Message).Str("stack", res.ErrorStack).Msg("execution panicked")
		}
	}()

	cfg := checkout.Settings(acct, immediate)
	body, err := e.builder.Body(task, acct)
	if err != nil {
		return domain.TaskResult{Message: "invalid order parameters: " + err.Error(), ErrorType: "invalid_request"}
	}
	b := &burst{
		cfg:       cfg,
		immediate: immediate,
		headers:   e.builder.Headers(acct),
		body:      body,
		endpoints: e.builder.Endpoints(acct),
		stopCh:    make(chan struct{}),
		successCh: make(chan struct{}),
	}

	// in-flight requests outlive the burst; only their own timeout bounds them
	reqCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxRequestCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.slot(reqCtx, log, b, i)
		}(i)
	}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	deadline := time.NewTimer(cfg.MaxRequestTime)
	defer deadline.Stop()
	select {
	case <-allDone:
	case <-b.successCh:
	case <-deadline.C:
		log.Warn().Dur("max_request_time", cfg.MaxRequestTime).Msg("burst deadline reached, stopping")
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("execution cancelled")
	}
	b.stop()
	return b.finalize()
}

// slot waits for its stagger offset, then races both endpoints.
func (e *Engine) slot(ctx context.Context, log zerolog.Logger, b *burst, i int) {
	if wait := time.Duration(i) * b.cfg.RequestInterval; wait > 0 && !b.immediate {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-b.stopCh:
			t.Stop()
			return
		}
	}

	var wg sync.WaitGroup
	for _, ep := range b.endpoints {
		if b.stopped.Load() {
			break
		}
		b.dispatched.Add(1)
		wg.Add(1)
		go func(ep checkout.Endpoint) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					pr := panicResult(r, debug.Stack())
					log.Error().Str("panic", pr.Message).Str("endpoint", ep.Name).Int("request", i+1).Msg("attempt panicked")
					b.recordPanic(pr)
				}
			}()
			e.attempt(ctx, log, b, i, ep)
		}(ep)
	}
	wg.Wait()
}

func (e *Engine) attempt(ctx context.Context, log zerolog.Logger, b *burst, i int, ep checkout.Endpoint) {
	started := e.now()
	r := e.policy.Execute(ctx, retry.Request{
		URL:     ep.URL,
		Method:  http.MethodPost,
		Headers: b.headers,
		Body:    b.body,
	}, retry.Options{Timeout: b.cfg.Timeout, Stop: b.stopCh})

	ex := classify.Exchange{Endpoint: ep.Name, Err: r.Err, Code: r.Code, Timeout: b.cfg.Timeout}
	if r.Delivered {
		ex.StatusCode = r.Response.StatusCode
		ex.Body = r.Response.Body
	}
	v := e.classify(ex)

	a := domain.Attempt{
		RequestIndex: i,
		Endpoint:     ep.Name,
		StartedAt:    started,
		Duration:     e.now().Sub(started),
		Outcome:      e.outcome(r, v),
		Reason:       v.Message,
		OrderID:      v.OrderID,
	}
	log.Debug().Int("request", i+1).Str("endpoint", a.Endpoint).Str("outcome", string(a.Outcome)).
		Int("retries", r.Attempts-1).Dur("duration", a.Duration).Str("reason", a.Reason).Msg("attempt settled")
	if v.Unknown {
		log.Warn().Int("request", i+1).Str("endpoint", ep.Name).Str("body", v.Summary).Msg("unrecognised response")
	}

	b.settle(a, v)
}

func (e *Engine) outcome(r retry.Result, v classify.Verdict) domain.Outcome {
	switch {
	case v.Success:
		return domain.OutcomeSuccess
	case v.TimedOut:
		return domain.OutcomeTimedOut
	case r.Delivered && e.policy.RetryableStatus(r.Response.StatusCode):
		return domain.OutcomeRetryableFailure
	case !r.Delivered && e.policy.RetryableError(r.Code):
		return domain.OutcomeRetryableFailure
	}
	return domain.OutcomeTerminalFailure
}

// burst is the shared state of one invocation.
type burst struct {
	cfg       checkout.Burst
	immediate bool
	headers   http.Header
	body      []byte
	endpoints []checkout.Endpoint

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopped    atomic.Bool
	dispatched atomic.Int32

	mu        sync.Mutex
	finalized bool
	success   *domain.Attempt
	message   string
	lastError string
	panicked  *domain.TaskResult
	successCh chan struct{}
}

func (b *burst) stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
	})
}

func (b *burst) settle(a domain.Attempt, v classify.Verdict) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	if !v.Success {
		b.lastError = v.Message
		return
	}
	if b.success != nil || b.stopped.Load() {
		// first success already won, or the deadline stopped the burst
		return
	}
	b.success = &a
	b.message = v.Message
	close(b.successCh)
	b.stop()
}

func (b *burst) recordPanic(pr domain.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.lastError = pr.Message
	if b.panicked == nil {
		b.panicked = &pr
	}
}

// finalize freezes the burst; later settles are ignored.
func (b *burst) finalize() domain.TaskResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true

	count := int(b.dispatched.Load())
	if b.success != nil {
		return domain.TaskResult{
			Success:      true,
			OrderID:      b.success.OrderID,
			Endpoint:     b.success.Endpoint,
			Message:      b.message,
			AttemptCount: count,
		}
	}
	res := domain.TaskResult{Message: b.lastError, AttemptCount: count}
	if res.Message == "" {
		res.Message = fmt.Sprintf("all %d attempts failed", count)
	}
	if b.panicked != nil {
		res.ErrorType = b.panicked.ErrorType
		res.ErrorStack = b.panicked.ErrorStack
	}
	return res
}

func panicResult(r any, stack []byte) domain.TaskResult {
	return domain.TaskResult{
		Message:    fmt.Sprintf("panic: %v", r),
		ErrorType:  "panic",
		ErrorStack: stackExcerpt(stack, 3),
	}
}

// stackExcerpt keeps the first n frames after the goroutine header.
func stackExcerpt(stack []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}
	var frames []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.Contains(l, ".go:") || strings.HasPrefix(l, "runtime/debug.") {
			continue
		}
		frames = append(frames, l)
		if len(frames) == n {
			break
		}
	}
	return strings.Join(frames, "\n")
}
