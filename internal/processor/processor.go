// Package processor drains the webhook event queue through a fixed-size
// worker pool and drives each event through the retry / dead-letter
// state machine.
package processor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
	"ledgerwatch.io/ledgerwatch/internal/pkg/worker"
)

// Outcome is the result of one processing attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeDead      Outcome = "dead"
	// OutcomeReleased means shutdown interrupted the handler; the event was
	// requeued without consuming an attempt.
	OutcomeReleased Outcome = "released"
	// OutcomeLost means the claim was reaped before the result was written.
	OutcomeLost Outcome = "lost"
)

// CompletionHook runs after an event is durably completed.
type CompletionHook func(ctx context.Context, e *domain.WebhookEvent)

// Config controls the processor.
type Config struct {
	PollInterval      time.Duration
	HandlerTimeout    time.Duration
	MaxAttempts       int
	Backoff           Backoff
	ProcessingTimeout time.Duration
}

// ConfigFrom maps the processor configuration section.
func ConfigFrom(c config.ProcessorConfig) Config {
	return Config{
		PollInterval:   c.PollInterval,
		HandlerTimeout: c.HandlerTimeout,
		MaxAttempts:    c.MaxAttempts,
		Backoff: Backoff{
			Base:       c.BackoffBase,
			Max:        c.BackoffMax,
			Multiplier: c.BackoffMultiplier,
			Jitter:     c.BackoffJitter,
		},
		ProcessingTimeout: c.ProcessingTimeout,
	}
}

// Processor claims queued events and runs their handlers.
type Processor struct {
	store      eventstore.Store
	dispatcher *domain.EventDispatcher
	pool       *worker.Pool
	cfg        Config
	now        func() time.Time
	log        *zap.Logger

	hooksMu sync.RWMutex
	hooks   []CompletionHook

	wake chan struct{}
	// inFlight counts claimed events whose handler has not returned. It is
	// released before Notify so the woken loop sees the free slot.
	inFlight atomic.Int64
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor. pool bounds concurrency; its capacity is the
// worker count.
func New(store eventstore.Store, dispatcher *domain.EventDispatcher, pool *worker.Pool, cfg Config, opts ...Option) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	p := &Processor{
		store:      store,
		dispatcher: dispatcher,
		pool:       pool,
		cfg:        cfg,
		now:        time.Now,
		log:        logger.Named("processor"),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnComplete registers a hook run after each successful completion.
func (p *Processor) OnComplete(h CompletionHook) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.hooks = append(p.hooks, h)
}

// Notify wakes the claim loop without blocking.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run claims events while fewer than the pool's capacity are in flight and sleeps until the
// next poll or Notify. It returns when ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("Queue processor started",
		zap.Int("workers", p.pool.Cap()),
		zap.Int("max_attempts", p.cfg.MaxAttempts),
	)
	for {
		p.fill(ctx)
		select {
		case <-ctx.Done():
			p.log.Info("Queue processor stopped")
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

func (p *Processor) fill(ctx context.Context) {
	for int(p.inFlight.Load()) < p.pool.Cap() {
		if ctx.Err() != nil {
			return
		}
		e, err := p.store.ClaimNext(ctx, p.now())
		if errors.Is(err, eventstore.ErrQueueEmpty) {
			return
		}
		if err != nil {
			p.log.Error("Claim failed", zap.Error(err))
			return
		}
		p.inFlight.Add(1)
		if err := p.pool.Submit(ctx, func(ctx context.Context) {
			defer func() {
				p.inFlight.Add(-1)
				p.Notify()
			}()
			p.Handle(ctx, e)
		}); err != nil {
			p.inFlight.Add(-1)
			// The reaper returns the claimed event to the queue.
			p.log.Warn("Submit failed; event left for reaper",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
			return
		}
	}
}

// ProcessNext claims one event and handles it on the calling goroutine.
// It returns false when the queue has nothing claimable.
func (p *Processor) ProcessNext(ctx context.Context) (Outcome, bool, error) {
	e, err := p.store.ClaimNext(ctx, p.now())
	if errors.Is(err, eventstore.ErrQueueEmpty) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return p.Handle(ctx, e), true, nil
}

// Drain handles claimable events synchronously until none remain.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		_, ok, err := p.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Handle runs the handlers for a claimed event and records the outcome.
func (p *Processor) Handle(ctx context.Context, e *domain.WebhookEvent) Outcome {
	log := p.log.With(
		zap.String("event_id", e.ID),
		zap.String("external_event_id", e.ExternalEventID),
		zap.String("event_type", string(e.EventType)),
	)

	start := p.now()
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	err := p.dispatcher.Dispatch(hctx, e)
	cancel()
	elapsed := p.now().Sub(start)
	telemetry.EventProcessingDuration.WithLabelValues(string(e.EventType)).Observe(float64(elapsed.Milliseconds()))

	// Results are written even when ctx is shutting down.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer wcancel()

	outcome, werr := p.record(wctx, ctx, e, err, elapsed)
	if errors.Is(werr, eventstore.ErrStateConflict) {
		log.Warn("Claim lost before result was recorded", zap.Error(werr))
		outcome = OutcomeLost
	} else if werr != nil {
		log.Error("Failed to record processing result", zap.Error(werr))
		outcome = OutcomeLost
	}
	telemetry.EventsProcessed.WithLabelValues(string(e.EventType), string(outcome)).Inc()

	switch outcome {
	case OutcomeCompleted:
		log.Debug("Event completed", zap.Duration("duration", elapsed))
		p.runHooks(context.WithoutCancel(ctx), e)
	case OutcomeRetried:
		log.Warn("Event failed; retry scheduled",
			zap.Int("attempt", e.AttemptCount),
			zap.Time("available_at", e.AvailableAt),
			zap.Error(err),
		)
	case OutcomeDead:
		log.Error("Event dead-lettered",
			zap.Int("attempt", e.AttemptCount),
			zap.String("kind", string(apperrors.Classify(err))),
			zap.Error(err),
		)
	case OutcomeReleased:
		log.Info("Event released on shutdown")
	}
	return outcome
}

// record applies the state transition for a handler result and mirrors it
// onto e.
func (p *Processor) record(wctx, runCtx context.Context, e *domain.WebhookEvent, handlerErr error, elapsed time.Duration) (Outcome, error) {
	now := p.now()

	if handlerErr == nil {
		ms := elapsed.Milliseconds()
		if err := p.store.Complete(wctx, e, now, ms); err != nil {
			return "", err
		}
		e.State = domain.EventStateCompleted
		e.ProcessedAt = &now
		e.DurationMs = &ms
		return OutcomeCompleted, nil
	}

	// Shutdown is not the handler's fault.
	if runCtx.Err() != nil {
		if err := p.store.Requeue(wctx, e, e.AttemptCount, now, e.LastError); err != nil {
			return "", err
		}
		e.State = domain.EventStateQueued
		return OutcomeReleased, nil
	}

	attempts := e.AttemptCount + 1
	msg := handlerErr.Error()
	if apperrors.Classify(handlerErr) == apperrors.KindTerminal || attempts >= p.cfg.MaxAttempts {
		if err := p.store.Kill(wctx, e, attempts, now, describe(handlerErr, attempts)); err != nil {
			return "", err
		}
		e.State = domain.EventStateDead
		e.AttemptCount = attempts
		e.LastError = describe(handlerErr, attempts)
		return OutcomeDead, nil
	}

	availableAt := now.Add(p.cfg.Backoff.Delay(attempts))
	if err := p.store.Requeue(wctx, e, attempts, availableAt, msg); err != nil {
		return "", err
	}
	e.State = domain.EventStateQueued
	e.AttemptCount = attempts
	e.AvailableAt = availableAt
	e.LastError = msg
	return OutcomeRetried, nil
}

// describe formats a dead-letter error with its classification.
func describe(err error, attempts int) string {
	return string(apperrors.Classify(err)) + " after " + strconv.Itoa(attempts) + " attempt(s): " + err.Error()
}

func (p *Processor) runHooks(ctx context.Context, e *domain.WebhookEvent) {
	p.hooksMu.RLock()
	hooks := append([]CompletionHook(nil), p.hooks...)
	p.hooksMu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("Completion hook panicked",
						zap.String("event_id", e.ID),
						zap.Any("panic", r),
					)
				}
			}()
			h(ctx, e)
		}()
	}
}
