package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.JitterRange = time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestDelayBounds(t *testing.T) {
	p := New(DefaultConfig(), nil, zerolog.Nop())
	cfg := p.Config()

	for n := 0; n < 6; n++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(n)
			exp := cfg.BaseDelay * time.Duration(1<<n)
			capped := min(exp, cfg.MaxDelay)
			assert.GreaterOrEqual(t, d, capped, "n=%d", n)
			assert.Less(t, d, capped+cfg.JitterRange, "n=%d", n)
			assert.Zero(t, d%time.Millisecond)
		}
	}

	assert.LessOrEqual(t, p.Delay(20), cfg.MaxDelay+cfg.JitterRange)
}

func TestDelayWithoutJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = false
	p := New(cfg, nil, zerolog.Nop())
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestExecuteRetriesRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := New(fastConfig(), srv.Client(), zerolog.Nop())
	res := p.Execute(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)}, Options{})

	require.True(t, res.Delivered)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(res.Response.Body))

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.Successful)
	assert.EqualValues(t, 1, stats.RetriedRequests)
	assert.EqualValues(t, 2, stats.TotalRetries)
	assert.InDelta(t, 100.0, stats.RetryRate, 0.001)
	assert.InDelta(t, 2.0, stats.AverageRetries, 0.001)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(fastConfig(), srv.Client(), zerolog.Nop())
	res := p.Execute(context.Background(), Request{URL: srv.URL}, Options{})

	assert.True(t, res.Delivered)
	assert.Equal(t, 4, res.Attempts)
	assert.EqualValues(t, 4, hits.Load())
	assert.Equal(t, http.StatusInternalServerError, res.Response.StatusCode)
}

func TestExecuteDoesNotRetryTerminalStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := New(fastConfig(), srv.Client(), zerolog.Nop())
	res := p.Execute(context.Background(), Request{URL: srv.URL}, Options{})

	assert.True(t, res.Delivered)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 0, p.Stats().TotalRetries)
}

func TestExecuteRetriesConnectionRefused(t *testing.T) {
	// grab a free port and close it so the dial is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := New(fastConfig(), nil, zerolog.Nop())
	res := p.Execute(context.Background(), Request{URL: "http://" + addr}, Options{})

	assert.False(t, res.Delivered)
	assert.Equal(t, CodeConnRefused, res.Code)
	assert.Equal(t, 4, res.Attempts)
	assert.EqualValues(t, 1, p.Stats().Failed)
}

func TestExecuteTimeoutIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := New(fastConfig(), srv.Client(), zerolog.Nop())
	res := p.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: 50 * time.Millisecond})

	assert.True(t, res.Delivered)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteStopAbortsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	p := New(cfg, srv.Client(), zerolog.Nop())

	stop := make(chan struct{})
	close(stop)
	res := p.Execute(context.Background(), Request{URL: srv.URL}, Options{Stop: stop})

	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Delivered)
	assert.Equal(t, http.StatusBadGateway, res.Response.StatusCode)

	// the aborted backoff never became a retry
	stats := p.Stats()
	assert.EqualValues(t, 0, stats.RetriedRequests)
	assert.EqualValues(t, 0, stats.TotalRetries)
}

func TestExecuteBatchPreservesOrderAndBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, r.URL.Query().Get("i"))
	}))
	defer srv.Close()

	p := New(fastConfig(), srv.Client(), zerolog.Nop())
	var reqs []Request
	for i := 0; i < 12; i++ {
		reqs = append(reqs, Request{URL: fmt.Sprintf("%s/?i=%d", srv.URL, i), Method: http.MethodGet})
	}

	results := p.ExecuteBatch(context.Background(), reqs, 3, Options{})
	require.Len(t, results, 12)
	for i, res := range results {
		require.True(t, res.Delivered)
		assert.Equal(t, fmt.Sprint(i), string(res.Response.Body))
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestErrorCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), CodeConnAborted},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, CodeConnReset},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, CodeConnRefused},
		{"pipe", &net.OpError{Op: "write", Err: syscall.EPIPE}, CodeBrokenPipe},
		{"dns", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}, CodeNotFound},
		{"dns timeout", &net.DNSError{Err: "timeout", Name: "x", IsTimeout: true}, CodeTimedOut},
		{"other", errors.New("boom"), CodeUnknown},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ErrorCode(tc.err))
		})
	}
}

func TestResetStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := New(fastConfig(), srv.Client(), zerolog.Nop())
	p.Execute(context.Background(), Request{URL: srv.URL}, Options{})
	require.EqualValues(t, 1, p.Stats().TotalRequests)

	p.ResetStats()
	assert.Equal(t, Stats{}, p.Stats())
}
