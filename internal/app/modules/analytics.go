package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/anomaly"
	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/jobs"
	"ledgerwatch.io/ledgerwatch/internal/metrics"
	"ledgerwatch.io/ledgerwatch/internal/pkg/hotreload"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// AnalyticsModule wires metric aggregation and anomaly detection.
type AnalyticsModule struct {
	infra    *Infrastructure
	metrics  *metrics.Engine
	detector *anomaly.Detector

	defsLoader  *hotreload.Loader[[]metrics.Definition]
	rulesLoader *hotreload.Loader[[]anomaly.Rule]
	stops       []func()
}

// NewAnalyticsModule creates the analytics module. Completed events of
// ingest feed the metrics engine.
func NewAnalyticsModule(infra *Infrastructure, ingest *IngestModule) (*AnalyticsModule, error) {
	cfg := infra.Config.Analytics
	m := &AnalyticsModule{infra: infra}
	extractors := metrics.DefaultExtractors()

	defs := metrics.DefaultDefinitions()
	if cfg.MetricsFile != "" {
		loader, err := hotreload.NewLoader(cfg.MetricsFile, func(data []byte) ([]metrics.Definition, error) {
			return metrics.ParseDefinitions(data, extractors)
		})
		if err != nil {
			return nil, fmt.Errorf("load metric definitions: %w", err)
		}
		m.defsLoader = loader
		defs = loader.Current()
	}

	rules := anomaly.DefaultRules()
	if cfg.RulesFile != "" {
		loader, err := hotreload.NewLoader(cfg.RulesFile, anomaly.ParseRules)
		if err != nil {
			return nil, fmt.Errorf("load anomaly rules: %w", err)
		}
		m.rulesLoader = loader
		rules = loader.Current()
	}

	var (
		metricStore  metrics.Store
		anomalyStore anomaly.Store
	)
	if infra.InMemory() {
		metricStore = metrics.NewMemoryStore()
		anomalyStore = anomaly.NewMemoryStore()
	} else {
		metricStore = metrics.NewPostgresStore(infra.Pool)
		anomalyStore = anomaly.NewPostgresStore(infra.Pool)
	}

	engine, err := metrics.NewEngine(metricStore, ingest.Events(), defs, metrics.WithExtractors(extractors))
	if err != nil {
		return nil, fmt.Errorf("init metrics engine: %w", err)
	}
	detector, err := anomaly.NewDetector(anomalyStore, engine, ingest.Events(), rules, anomaly.Config{
		EvidenceLimit: cfg.EvidenceLimit,
		ResolveAfter:  cfg.ResolveAfter,
	}, anomaly.WithAudit(infra.Audit))
	if err != nil {
		return nil, fmt.Errorf("init anomaly detector: %w", err)
	}
	m.metrics = engine
	m.detector = detector

	ingest.Processor().OnComplete(engine.Observe)

	if m.defsLoader != nil {
		m.defsLoader.OnChange(func(defs []metrics.Definition) {
			if err := engine.SetDefinitions(defs); err != nil {
				logger.Warn("Rejected reloaded metric definitions", zap.Error(err))
			}
		})
	}
	if m.rulesLoader != nil {
		m.rulesLoader.OnChange(func(rules []anomaly.Rule) {
			if err := detector.SetRules(rules); err != nil {
				logger.Warn("Rejected reloaded anomaly rules", zap.Error(err))
			}
		})
	}
	return m, nil
}

func (m *AnalyticsModule) Name() string { return "analytics" }

func (m *AnalyticsModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Metrics = m.metrics
	deps.Detector = m.detector
}

func (m *AnalyticsModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil {
		return
	}
	river.AddWorker(workers, jobs.NewMetricsRollupWorker(m.metrics))
	river.AddWorker(workers, jobs.NewAnomalyCycleWorker(m.detector))
}

func (m *AnalyticsModule) PeriodicTasks() []jobs.Periodic {
	cfg := m.infra.Config.Analytics
	return []jobs.Periodic{
		jobs.MetricsRollupTask(m.metrics, cfg.RollupInterval),
		jobs.AnomalyCycleTask(m.detector, cfg.AnomalyInterval),
	}
}

// Start watches the definition files when enabled.
func (m *AnalyticsModule) Start(context.Context) error {
	if !m.infra.Config.Analytics.WatchFiles {
		return nil
	}
	if m.defsLoader != nil {
		stop, err := m.defsLoader.Watch()
		if err != nil {
			return err
		}
		m.stops = append(m.stops, stop)
	}
	if m.rulesLoader != nil {
		stop, err := m.rulesLoader.Watch()
		if err != nil {
			return err
		}
		m.stops = append(m.stops, stop)
	}
	return nil
}

// Shutdown stops the watchers and flushes pending buckets.
func (m *AnalyticsModule) Shutdown(ctx context.Context) error {
	for _, stop := range m.stops {
		stop()
	}
	m.stops = nil
	if _, err := m.metrics.Flush(ctx); err != nil {
		return fmt.Errorf("flush metric buckets: %w", err)
	}
	return nil
}
