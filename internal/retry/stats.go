package retry

import "sync/atomic"

type counters struct {
	totalRequests   atomic.Int64
	successful      atomic.Int64
	failed          atomic.Int64
	retriedRequests atomic.Int64
	totalRetries    atomic.Int64
}

type Stats struct {
	TotalRequests   int64   `json:"totalRequests"`
	Successful      int64   `json:"successfulRequests"`
	Failed          int64   `json:"failedRequests"`
	RetriedRequests int64   `json:"retriedRequests"`
	TotalRetries    int64   `json:"totalRetries"`
	SuccessRate     float64 `json:"successRate"`
	RetryRate       float64 `json:"retryRate"`
	AverageRetries  float64 `json:"averageRetries"`
}

// Stats snapshots the shared counters. Rates are percentages.
func (p *Policy) Stats() Stats {
	s := Stats{
		TotalRequests:   p.stats.totalRequests.Load(),
		Successful:      p.stats.successful.Load(),
		Failed:          p.stats.failed.Load(),
		RetriedRequests: p.stats.retriedRequests.Load(),
		TotalRetries:    p.stats.totalRetries.Load(),
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.TotalRequests) * 100
		s.RetryRate = float64(s.RetriedRequests) / float64(s.TotalRequests) * 100
	}
	if s.RetriedRequests > 0 {
		s.AverageRetries = float64(s.TotalRetries) / float64(s.RetriedRequests)
	}
	return s
}

func (p *Policy) ResetStats() {
	p.stats.totalRequests.Store(0)
	p.stats.successful.Store(0)
	p.stats.failed.Store(0)
	p.stats.retriedRequests.Store(0)
	p.stats.totalRetries.Store(0)
}
