package monitor

import (
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rushorder/internal/retry"
)

const DefaultWindow = 288

type sample struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// Monitor aggregates one latency/outcome event per task invocation.
type Monitor struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec

	mu      sync.Mutex
	window  int
	samples []sample
}

func New(reg prometheus.Registerer, window int) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	f := promauto.With(reg)
	return &Monitor{
		window: window,
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rushorder_task_duration_seconds",
			Help:    "Wall time of one task execution, from trigger to terminal result",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20},
		}, []string{"outcome"}),
		total: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rushorder_task_executions_total",
			Help: "Task executions by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Monitor) RecordLatency(d time.Duration, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
	m.total.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	m.samples = append(m.samples, sample{at: time.Now(), duration: d, success: success})
	if over := len(m.samples) - m.window; over > 0 {
		m.samples = slices.Delete(m.samples, 0, over)
	}
	m.mu.Unlock()
}

type Summary struct {
	Count       int     `json:"count"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"successRate"`
	AvgMs       int64   `json:"avgMs"`
	P95Ms       int64   `json:"p95Ms"`
	P99Ms       int64   `json:"p99Ms"`
	MinMs       int64   `json:"minMs"`
	MaxMs       int64   `json:"maxMs"`
}

// Summary reports over the retained window. SuccessRate is a percentage.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	durs := make([]time.Duration, 0, len(m.samples))
	var s Summary
	for _, smp := range m.samples {
		durs = append(durs, smp.duration)
		if smp.success {
			s.Successes++
		}
	}
	m.mu.Unlock()

	s.Count = len(durs)
	if s.Count == 0 {
		return s
	}
	slices.Sort(durs)
	var sum time.Duration
	for _, d := range durs {
		sum += d
	}
	s.SuccessRate = float64(s.Successes) / float64(s.Count) * 100
	s.AvgMs = (sum / time.Duration(s.Count)).Milliseconds()
	s.P95Ms = percentile(durs, 95).Milliseconds()
	s.P99Ms = percentile(durs, 99).Milliseconds()
	s.MinMs = durs[0].Milliseconds()
	s.MaxMs = durs[len(durs)-1].Milliseconds()
	return s
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// RegisterRetryStats exposes the retry policy counters as Prometheus
// counter functions.
func RegisterRetryStats(reg prometheus.Registerer, stats func() retry.Stats) {
	f := promauto.With(reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "rushorder_http_requests_total",
		Help: "Logical checkout HTTP calls issued through the retry policy",
	}, func() float64 { return float64(stats().TotalRequests) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "rushorder_http_requests_failed_total",
		Help: "Logical calls that ended without a response",
	}, func() float64 { return float64(stats().Failed) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "rushorder_http_requests_retried_total",
		Help: "Logical calls that needed at least one retry",
	}, func() float64 { return float64(stats().RetriedRequests) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "rushorder_http_retries_total",
		Help: "Individual retry attempts",
	}, func() float64 { return float64(stats().TotalRetries) })
}
