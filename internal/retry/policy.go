package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            bool
	JitterRange       time.Duration
	Timeout           time.Duration
	RetryableStatuses []int
	RetryableErrors   []string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		Jitter:            true,
		JitterRange:       100 * time.Millisecond,
		Timeout:           15 * time.Second,
		RetryableStatuses: []int{408, 429, 500, 502, 503, 504},
		RetryableErrors:   []string{CodeConnReset, CodeTimedOut, CodeConnRefused, CodeNotFound, CodeBrokenPipe},
	}
}

// Options override the policy for a single Execute call.
type Options struct {
	// Timeout bounds each individual attempt. Zero uses Config.Timeout.
	Timeout time.Duration
	// Stop aborts pending backoff sleeps once closed. In-flight attempts
	// are left to finish.
	Stop <-chan struct{}
}

// Result is the settled outcome of one logical call. Delivered means an HTTP
// response came back, whatever its status.
type Result struct {
	Delivered bool
	Response  *Response
	Err       error
	Code      string
	Attempts  int
	Duration  time.Duration
}

type Policy struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
	stats  counters
	rand   func() float64
}

func New(cfg Config, client *http.Client, log zerolog.Logger) *Policy {
	if client == nil {
		client = &http.Client{}
	}
	return &Policy{cfg: cfg, client: client, log: log, rand: rand.Float64}
}

func (p *Policy) Config() Config { return p.cfg }

// Execute runs req, retrying transient failures with exponential backoff.
func (p *Policy) Execute(ctx context.Context, req Request, opts Options) Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}

	start := time.Now()
	p.stats.totalRequests.Add(1)

	var res Result
	retried := false
	for attempt := 0; ; attempt++ {
		resp, err := p.do(ctx, req, timeout)
		res.Attempts = attempt + 1
		res.Response, res.Err, res.Code = resp, err, ErrorCode(err)

		if attempt >= p.cfg.MaxRetries {
			break
		}
		if err == nil && !p.RetryableStatus(resp.StatusCode) {
			break
		}
		if err != nil && !p.RetryableError(res.Code) {
			break
		}

		delay := p.Delay(attempt)
		ev := p.log.Warn().Str("url", req.URL).Int("attempt", attempt+1).Dur("delay", delay)
		if err != nil {
			ev.Str("code", res.Code).Err(err).Msg("request failed, retrying")
		} else {
			ev.Int("status", resp.StatusCode).Msg("retryable status, retrying")
		}

		if !sleep(ctx, delay, opts.Stop) {
			break
		}
		if !retried {
			retried = true
			p.stats.retriedRequests.Add(1)
		}
		p.stats.totalRetries.Add(1)
	}

	res.Delivered = res.Err == nil && res.Response != nil
	res.Duration = time.Since(start)
	if res.Delivered {
		p.stats.successful.Add(1)
	} else {
		p.stats.failed.Add(1)
	}
	return res
}

// Delay returns the backoff before retry n (0-indexed):
// min(base*2^n, max) plus uniform jitter in [0, JitterRange), in whole ms.
func (p *Policy) Delay(n int) time.Duration {
	d := float64(p.cfg.BaseDelay) * math.Pow(2, float64(n))
	if d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter && p.cfg.JitterRange > 0 {
		d += p.rand() * float64(p.cfg.JitterRange)
	}
	return time.Duration(d).Truncate(time.Millisecond)
}

func (p *Policy) RetryableStatus(status int) bool {
	return slices.Contains(p.cfg.RetryableStatuses, status)
}

func (p *Policy) RetryableError(code string) bool {
	// client-side timeouts are always worth another try
	if code == CodeConnAborted {
		return true
	}
	return slices.Contains(p.cfg.RetryableErrors, code)
}

// ExecuteBatch runs reqs with at most concurrency calls in flight. The
// result at index i belongs to reqs[i].
func (p *Policy) ExecuteBatch(ctx context.Context, reqs []Request, concurrency int, opts Options) []Result {
	if concurrency <= 0 {
		concurrency = 5
	}
	results := make([]Result, len(reqs))
	sem := make(chan struct{}, concurrency)
	done := make(chan struct{}, len(reqs))
	for i, req := range reqs {
		sem <- struct{}{}
		go func(i int, req Request) {
			defer func() { <-sem; done <- struct{}{} }()
			results[i] = p.Execute(ctx, req, opts)
		}(i, req)
	}
	for range reqs {
		<-done
	}
	return results
}

func sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
