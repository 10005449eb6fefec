package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
)

// Reap returns events stuck in processing past the processing timeout to
// the queue. Reaping does not consume an attempt. It also refreshes the
// queue depth gauge.
func (p *Processor) Reap(ctx context.Context) (int, error) {
	if p.cfg.ProcessingTimeout <= 0 {
		return 0, nil
	}
	now := p.now()
	ids, err := p.store.ReapStuck(ctx, now.Add(-p.cfg.ProcessingTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("reap stuck events: %w", err)
	}
	if len(ids) > 0 {
		telemetry.EventsReaped.Add(float64(len(ids)))
		p.log.Warn("Requeued stuck events",
			zap.Int("count", len(ids)),
			zap.Strings("event_ids", ids),
			zap.Duration("processing_timeout", p.cfg.ProcessingTimeout),
		)
		p.Notify()
	}

	counts, err := p.store.CountByState(ctx)
	if err != nil {
		p.log.Warn("Queue depth sample failed", zap.Error(err))
		return len(ids), nil
	}
	for _, st := range domain.AllEventStates {
		telemetry.QueueDepth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return len(ids), nil
}
