// Package worker runs background work on bounded ants pools bound to a
// context, so shutdown can drain it instead of leaking goroutines.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
)

// ErrPoolClosed is returned when submitting to a released pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool names accepted by SubmitDetached.
const (
	PoolGeneral = "general"
	PoolEvents  = "events"
)

const (
	defaultGeneralSize = 64
	defaultEventsSize  = 8
	idleExpiry         = 30 * time.Second
	releaseTimeout     = 30 * time.Second
)

// Task receives the context it was submitted with.
type Task func(ctx context.Context)

// Pool is a blocking ants pool. Submit waits for a free worker.
type Pool struct {
	pool *ants.Pool
	name string
	busy prometheus.Gauge
	// inFlight counts tasks from Submit until they return or are dropped.
	// Idle ants workers linger until idleExpiry, so ants' own Free/Running
	// do not measure this.
	inFlight atomic.Int64
}

// NewPool creates a named pool of size workers (at least one). Panics in
// tasks are recovered, logged and counted.
func NewPool(name string, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p, err := ants.NewPool(size,
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(idleExpiry),
		ants.WithPanicHandler(func(v any) {
			telemetry.WorkerPanics.WithLabelValues(name).Inc()
			logger.Error("Worker panic recovered",
				zap.String("pool", name),
				zap.Any("panic", v),
				zap.Stack("stack"),
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, name: name, busy: telemetry.WorkersBusy.WithLabelValues(name)}, nil
}

// Submit runs task on the pool. It fails fast when ctx is already done, and
// a queued task whose ctx ends before a worker picks it up is dropped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.inFlight.Add(1)
	err := p.pool.Submit(func() {
		defer p.inFlight.Add(-1)
		if ctx.Err() != nil {
			logger.Debug("Task dropped: context done", zap.String("pool", p.name), zap.Error(ctx.Err()))
			return
		}
		p.busy.Inc()
		defer p.busy.Dec()
		task(ctx)
	})
	if err != nil {
		p.inFlight.Add(-1)
	}
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// InFlight returns the number of submitted tasks that have not finished.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Available returns how many more tasks can start without waiting.
func (p *Pool) Available() int {
	if n := p.Cap() - p.InFlight(); n > 0 {
		return n
	}
	return 0
}

func (p *Pool) Cap() int { return p.pool.Cap() }

// Release waits up to timeout for running tasks, then closes the pool.
func (p *Pool) Release(timeout time.Duration) error {
	return p.pool.ReleaseTimeout(timeout)
}

// PoolConfig sizes the pools. Zero means the default.
type PoolConfig struct {
	GeneralPoolSize int
	EventPoolSize   int
}

// Pools are the process-wide pools.
type Pools struct {
	// General runs detached work such as in-process reconciliation runs.
	General *Pool
	// Events runs queue processor attempts; its size is the worker count.
	Events *Pool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPools creates the pools. Detached tasks run under a child of ctx.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	if cfg.GeneralPoolSize <= 0 {
		cfg.GeneralPoolSize = defaultGeneralSize
	}
	if cfg.EventPoolSize <= 0 {
		cfg.EventPoolSize = defaultEventsSize
	}

	general, err := NewPool(PoolGeneral, cfg.GeneralPoolSize)
	if err != nil {
		return nil, err
	}
	events, err := NewPool(PoolEvents, cfg.EventPoolSize)
	if err != nil {
		general.pool.Release()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	return &Pools{General: general, Events: events, ctx: runCtx, cancel: cancel}, nil
}

// SubmitDetached runs task on the named pool under the pools' own context
// rather than a request context. Unknown names use the general pool.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	pool := p.General
	if poolName == PoolEvents {
		pool = p.Events
	}
	return pool.Submit(p.ctx, task)
}

// Shutdown cancels detached work and drains both pools.
func (p *Pools) Shutdown() {
	p.cancel()
	for _, pool := range []*Pool{p.General, p.Events} {
		if err := pool.Release(releaseTimeout); err != nil {
			logger.Warn("Worker pool drain timed out", zap.String("pool", pool.name), zap.Error(err))
		}
	}
}
