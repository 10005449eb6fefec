package modules

import (
	"context"
	"sync"

	"github.com/riverqueue/river"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	"ledgerwatch.io/ledgerwatch/internal/jobs"
	"ledgerwatch.io/ledgerwatch/internal/processor"
	"ledgerwatch.io/ledgerwatch/internal/webhook"
)

// IngestModule wires webhook intake and the event queue processor.
type IngestModule struct {
	infra     *Infrastructure
	store     eventstore.Store
	processor *processor.Processor
	receiver  *webhook.Receiver

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewIngestModule creates the ingest module with explicit constructor wiring.
func NewIngestModule(infra *Infrastructure) *IngestModule {
	cfg := infra.Config

	var store eventstore.Store
	if infra.InMemory() {
		store = eventstore.NewMemoryStore()
	} else {
		store = eventstore.NewPostgresStore(infra.Pool)
	}

	dispatcher := domain.NewEventDispatcher()
	processor.RegisterDefaultHandlers(dispatcher)
	proc := processor.New(store, dispatcher, infra.Pools.Events, processor.ConfigFrom(cfg.Processor))

	receiver := webhook.NewReceiver(store,
		webhook.WithVerifier(webhook.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.TimestampSkew)),
		webhook.WithNotifier(proc),
		webhook.WithMaxBytes(cfg.Webhook.MaxPayloadBytes),
	)

	return &IngestModule{
		infra:     infra,
		store:     store,
		processor: proc,
		receiver:  receiver,
	}
}

func (m *IngestModule) Name() string { return "ingest" }

// Events returns the event store shared with analytics.
func (m *IngestModule) Events() eventstore.Store { return m.store }

// Processor returns the queue processor for completion hooks.
func (m *IngestModule) Processor() *processor.Processor { return m.processor }

func (m *IngestModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Receiver = m.receiver
	deps.Events = m.store
}

func (m *IngestModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil {
		return
	}
	river.AddWorker(workers, jobs.NewEventReapWorker(m.processor))
}

func (m *IngestModule) PeriodicTasks() []jobs.Periodic {
	return []jobs.Periodic{
		jobs.EventReapTask(m.processor, m.infra.Config.Processor.ReaperInterval),
	}
}

// Start runs the claim loop until Shutdown or ctx is done.
func (m *IngestModule) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done.Add(1)
	go func() {
		defer m.done.Done()
		m.processor.Run(runCtx)
	}()
	return nil
}

func (m *IngestModule) Shutdown(context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.done.Wait()
	return nil
}
