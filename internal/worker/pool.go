// Package worker writes execution results to the store off the hot path.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rushorder/internal/domain"
	"rushorder/internal/store"
)

const (
	DefaultQueueSize = 256
	maxAttempts      = 3
	writeTimeout     = 5 * time.Second
)

// Job is one finished execution waiting to be persisted.
type Job struct {
	Account *domain.Account
	Record  domain.RunRecord
}

type Pool struct {
	repo      store.Repository
	log       zerolog.Logger
	queue     chan Job
	sem       chan struct{}
	wg        sync.WaitGroup
	retryBase time.Duration
}

func NewPool(repo store.Repository, log zerolog.Logger, queueSize, size int) *Pool {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if size <= 0 {
		size = 1
	}
	return &Pool{
		repo:      repo,
		log:       log,
		queue:     make(chan Job, queueSize),
		sem:       make(chan struct{}, size),
		retryBase: time.Second,
	}
}

// Submit queues a write without blocking. It reports false when the queue is
// full and the job was dropped.
func (p *Pool) Submit(acct *domain.Account, rec domain.RunRecord) bool {
	job := Job{Account: acct, Record: rec}
	select {
	case p.queue <- job:
		return true
	default:
		p.log.Warn().Str("task_id", rec.TaskID).Str("account_id", acct.ID).Msg("persistence queue full, dropping run")
		return false
	}
}

// Run consumes jobs until ctx is done, then flushes what is still queued.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case job := <-p.queue:
			p.dispatch(job)
		}
	}
}

func (p *Pool) dispatch(job Job) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() { <-p.sem; p.wg.Done() }()
		p.handle(job)
	}()
}

func (p *Pool) drain() {
	for {
		select {
		case job := <-p.queue:
			p.dispatch(job)
		default:
			p.wg.Wait()
			return
		}
	}
}

func (p *Pool) handle(job Job) {
	for attempt := 0; ; attempt++ {
		err := p.write(job)
		if err == nil {
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			// account or task was deleted while the run was in flight
			p.log.Debug().Err(err).Str("task_id", job.Record.TaskID).Msg("run target gone, skipping")
			return
		}
		if attempt+1 >= maxAttempts {
			p.log.Error().Err(err).Str("task_id", job.Record.TaskID).Int("attempts", attempt+1).Msg("persisting run failed")
			return
		}
		time.Sleep(p.backoff(attempt))
	}
}

func (p *Pool) write(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	// statistics are read at write time so a retried job never lands an
	// older snapshot; the store ignores counters lower than what it holds
	rec := job.Record
	if err := p.repo.SaveAccountStats(ctx, job.Account.ID, job.Account.Statistics()); err != nil {
		return err
	}
	finished := rec.StartedAt.Add(rec.Result.TotalDuration)
	if err := p.repo.SaveTaskRun(ctx, rec.TaskID, finished, rec.Result); err != nil {
		return err
	}
	return p.repo.InsertRun(ctx, rec)
}

// backoff doubles from retryBase, capped at a minute.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.retryBase << attempt
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
