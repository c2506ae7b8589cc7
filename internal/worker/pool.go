package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pagewatch/internal/domain"
	"pagewatch/internal/metrics"
	"pagewatch/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Pool leases due jobs from the queue and runs them with at most size
// handlers in flight.
type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	pollEvery time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		repo:      repo,
		handlers:  handlers,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
		log:       logger.With().Str("component", "worker").Logger(),
		now:       time.Now,
	}
}

// Run polls until ctx is done or Stop is called, then waits for in-flight
// handlers to return.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) tick(ctx context.Context) {
	if n, err := p.repo.RecoverStale(ctx, p.now()); err != nil {
		p.log.Error().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		p.log.Warn().Int("abandoned", n).Msg("abandoned jobs past their lock timeout")
	}

	for {
		// take a slot first so a leased job never waits on the semaphore
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}

		job, err := p.repo.LeaseNext(ctx, p.now())
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) {
				p.log.Error().Err(err).Msg("lease next job")
			}
			return
		}

		p.wg.Add(1)
		go func(j domain.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, j)
		}(job)
	}
}

func (p *Pool) execute(ctx context.Context, j domain.Job) {
	logger := p.log.With().Str("job_id", j.ID).Str("job_key", j.Key).Str("type", j.Type).Int("attempt", j.Attempts).Logger()

	// job bookkeeping must land even when shutdown cancelled ctx
	bg := context.WithoutCancel(ctx)

	h, ok := p.handlers[j.Type]
	if !ok {
		logger.Error().Msg("no handler registered for job type")
		if err := p.repo.Fail(bg, j.ID, "no handler"); err != nil {
			logger.Error().Err(err).Msg("mark job failed")
		}
		metrics.IncJob(j.Type, "failed")
		return
	}

	timeout := time.Duration(j.LockTimeout) * time.Second
	if timeout <= 0 {
		timeout = queue.DefaultLockTimeout * time.Second
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.safeHandle(c, h, j.Payload); err != nil {
		next := backoffExp(j.Attempts)
		logger.Warn().Err(err).Dur("retry_in", next).Msg("job failed")
		if err := p.repo.Retry(bg, j.ID, err.Error(), next); err != nil {
			logger.Error().Err(err).Msg("reschedule job")
		}
		metrics.IncJob(j.Type, "retried")
		return
	}
	if err := p.repo.Succeed(bg, j.ID); err != nil {
		logger.Error().Err(err).Msg("mark job succeeded")
	}
	logger.Debug().Msg("job done")
	metrics.IncJob(j.Type, "succeeded")
}

func (p *Pool) safeHandle(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
			p.log.Error().Interface("panic", r).Msg("handler panicked")
		}
	}()
	return h.Handle(ctx, payload)
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
