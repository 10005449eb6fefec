package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/anomaly"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// Reaper requeues events stuck in processing.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Rollup recomputes metric buckets.
type Rollup interface {
	Flush(ctx context.Context) (int, error)
	RollupClosed(ctx context.Context) (int, error)
}

// CycleRunner runs one anomaly detection cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (anomaly.CycleReport, error)
}

// EventReapArgs requeues events whose processing claim expired.
type EventReapArgs struct{}

// Kind returns the job kind identifier.
func (EventReapArgs) Kind() string { return "event_reap" }

// EventReapWorker runs EventReapArgs.
type EventReapWorker struct {
	river.WorkerDefaults[EventReapArgs]
	reaper Reaper
}

// NewEventReapWorker creates a reap worker.
func NewEventReapWorker(r Reaper) *EventReapWorker {
	return &EventReapWorker{reaper: r}
}

// Work requeues stuck events.
func (w *EventReapWorker) Work(ctx context.Context, _ *river.Job[EventReapArgs]) error {
	return reapEvents(ctx, w.reaper)
}

// EventReapTask schedules the reaper.
func EventReapTask(r Reaper, interval time.Duration) Periodic {
	return Periodic{
		Interval: interval,
		Args:     EventReapArgs{},
		Run:      func(ctx context.Context) error { return reapEvents(ctx, r) },
	}
}

func reapEvents(ctx context.Context, r Reaper) error {
	if r == nil {
		return fmt.Errorf("event reaper is not initialized")
	}
	n, err := r.Reap(ctx)
	if err != nil {
		return fmt.Errorf("reap stuck events: %w", err)
	}
	if n > 0 {
		logger.Info("event reap completed", zap.Int("requeued", n))
	}
	return nil
}

// MetricsRollupArgs recomputes dirty and just-closed metric buckets.
type MetricsRollupArgs struct{}

// Kind returns the job kind identifier.
func (MetricsRollupArgs) Kind() string { return "metrics_rollup" }

// MetricsRollupWorker runs MetricsRollupArgs.
type MetricsRollupWorker struct {
	river.WorkerDefaults[MetricsRollupArgs]
	rollup Rollup
}

// NewMetricsRollupWorker creates a rollup worker.
func NewMetricsRollupWorker(r Rollup) *MetricsRollupWorker {
	return &MetricsRollupWorker{rollup: r}
}

// Work flushes pending buckets and recomputes the last closed ones.
func (w *MetricsRollupWorker) Work(ctx context.Context, _ *river.Job[MetricsRollupArgs]) error {
	return rollupMetrics(ctx, w.rollup)
}

// MetricsRollupTask schedules the metrics rollup.
func MetricsRollupTask(r Rollup, interval time.Duration) Periodic {
	return Periodic{
		Interval: interval,
		Args:     MetricsRollupArgs{},
		Run:      func(ctx context.Context) error { return rollupMetrics(ctx, r) },
	}
}

func rollupMetrics(ctx context.Context, r Rollup) error {
	if r == nil {
		return fmt.Errorf("metrics rollup is not initialized")
	}
	flushed, err := r.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush metric buckets: %w", err)
	}
	closed, err := r.RollupClosed(ctx)
	if err != nil {
		return fmt.Errorf("roll up closed buckets: %w", err)
	}
	logger.Debug("metrics rollup completed",
		zap.Int("flushed_rows", flushed),
		zap.Int("closed_rows", closed),
	)
	return nil
}

// AnomalyCycleArgs runs one anomaly detection cycle.
type AnomalyCycleArgs struct{}

// Kind returns the job kind identifier.
func (AnomalyCycleArgs) Kind() string { return "anomaly_cycle" }

// AnomalyCycleWorker runs AnomalyCycleArgs.
type AnomalyCycleWorker struct {
	river.WorkerDefaults[AnomalyCycleArgs]
	detector CycleRunner
}

// NewAnomalyCycleWorker creates a detection worker.
func NewAnomalyCycleWorker(d CycleRunner) *AnomalyCycleWorker {
	return &AnomalyCycleWorker{detector: d}
}

// Work evaluates every rule once.
func (w *AnomalyCycleWorker) Work(ctx context.Context, _ *river.Job[AnomalyCycleArgs]) error {
	return runAnomalyCycle(ctx, w.detector)
}

// AnomalyCycleTask schedules anomaly detection.
func AnomalyCycleTask(d CycleRunner, interval time.Duration) Periodic {
	return Periodic{
		Interval: interval,
		Args:     AnomalyCycleArgs{},
		Run:      func(ctx context.Context) error { return runAnomalyCycle(ctx, d) },
	}
}

func runAnomalyCycle(ctx context.Context, d CycleRunner) error {
	if d == nil {
		return fmt.Errorf("anomaly detector is not initialized")
	}
	report, err := d.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("anomaly cycle: %w", err)
	}
	if report.Opened > 0 || report.Resolved > 0 {
		logger.Info("anomaly cycle completed",
			zap.Int("evaluated", report.Evaluated),
			zap.Int("opened", report.Opened),
			zap.Int("updated", report.Updated),
			zap.Int("resolved", report.Resolved),
		)
	}
	return nil
}
