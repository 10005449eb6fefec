// Package metrics derives windowed metric buckets from completed webhook
// events.
//
// Bucket values are always recomputed from the events that fall in the
// bucket and then upserted, so replaying or re-running a bucket never
// double counts.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
)

// ErrUnknownMetric is returned for a name with no definition.
var ErrUnknownMetric = errors.New("unknown metric")

type bucketKey struct {
	name   string
	bucket int64
}

// Engine computes metric buckets.
type Engine struct {
	store      Store
	events     eventstore.Store
	extractors Extractors
	now        func() time.Time
	log        *zap.Logger

	defs atomic.Pointer[[]Definition]

	mu    sync.Mutex
	dirty map[bucketKey]struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithExtractors replaces the extractor registry.
func WithExtractors(x Extractors) Option {
	return func(e *Engine) { e.extractors = x }
}

// NewEngine creates an Engine with an initial set of definitions.
func NewEngine(store Store, events eventstore.Store, defs []Definition, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:      store,
		events:     events,
		extractors: DefaultExtractors(),
		now:        time.Now,
		log:        logger.Named("metrics"),
		dirty:      make(map[bucketKey]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.SetDefinitions(defs); err != nil {
		return nil, err
	}
	return e, nil
}

// Extractors returns the registry definitions are validated against.
func (e *Engine) Extractors() Extractors {
	return e.extractors
}

// SetDefinitions atomically swaps the active definitions.
func (e *Engine) SetDefinitions(defs []Definition) error {
	if err := validateAll(defs, e.extractors); err != nil {
		return err
	}
	cp := append([]Definition(nil), defs...)
	e.defs.Store(&cp)
	e.log.Info("Metric definitions loaded", zap.Int("count", len(cp)))
	return nil
}

// Definitions returns the active definitions.
func (e *Engine) Definitions() []Definition {
	if p := e.defs.Load(); p != nil {
		return *p
	}
	return nil
}

// Definition looks up one definition by name.
func (e *Engine) Definition(name string) (Definition, bool) {
	for _, d := range e.Definitions() {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Observe marks every bucket the event contributes to as dirty. It has the
// shape of a processor completion hook.
func (e *Engine) Observe(_ context.Context, ev *domain.WebhookEvent) {
	defs := e.Definitions()
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range defs {
		if !defs[i].Filter.Match(ev) {
			continue
		}
		b := domain.BucketStart(ev.ReceivedAt, defs[i].WindowMinutes)
		e.dirty[bucketKey{name: defs[i].Name, bucket: b.Unix()}] = struct{}{}
	}
}

// Pending returns the number of dirty buckets.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty)
}

// Flush recomputes every dirty bucket and returns the number of rows that
// changed. Buckets that fail stay dirty.
func (e *Engine) Flush(ctx context.Context) (int, error) {
	e.mu.Lock()
	batch := e.dirty
	e.dirty = make(map[bucketKey]struct{})
	e.mu.Unlock()

	var (
		changed int
		errs    []error
	)
	for k := range batch {
		def, ok := e.Definition(k.name)
		if !ok {
			continue
		}
		n, err := e.Recompute(ctx, def, time.Unix(k.bucket, 0))
		if err != nil {
			errs = append(errs, err)
			e.mu.Lock()
			e.dirty[k] = struct{}{}
			e.mu.Unlock()
			continue
		}
		changed += n
	}
	return changed, errors.Join(errs...)
}

// Recompute rebuilds one bucket of def from the completed events received
// in it.
func (e *Engine) Recompute(ctx context.Context, def Definition, bucket time.Time) (int, error) {
	start := domain.BucketStart(bucket, def.WindowMinutes)
	end := start.Add(window(def))
	events, err := eventstore.ListCompleted(ctx, e.events, start, end)
	if err != nil {
		return 0, fmt.Errorf("metric %s bucket %s: list events: %w", def.Name, start.Format(time.RFC3339), err)
	}

	rows := aggregate(&def, events, e.extractors, start, e.now().UTC())
	changed, err := e.store.ReplaceBucket(ctx, def.Name, start, rows)
	if err != nil {
		return 0, fmt.Errorf("metric %s bucket %s: %w", def.Name, start.Format(time.RFC3339), err)
	}
	telemetry.MetricBucketsRecomputed.Inc()
	if changed > 0 {
		e.log.Debug("Metric bucket recomputed",
			zap.String("metric", def.Name),
			zap.Time("bucket", start),
			zap.Int("rows", len(rows)),
			zap.Int("changed", changed),
		)
	}
	return changed, nil
}

// RecomputeRange rebuilds every bucket of every definition overlapping
// [start, end).
func (e *Engine) RecomputeRange(ctx context.Context, start, end time.Time) (int, error) {
	total := 0
	for _, def := range e.Definitions() {
		for b := domain.BucketStart(start, def.WindowMinutes); b.Before(end); b = b.Add(window(def)) {
			n, err := e.Recompute(ctx, def, b)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

// RollupClosed flushes dirty buckets and then recomputes the most recently
// closed bucket and the open bucket of every definition.
func (e *Engine) RollupClosed(ctx context.Context) (int, error) {
	total, flushErr := e.Flush(ctx)
	now := e.now()
	for _, def := range e.Definitions() {
		open := domain.BucketStart(now, def.WindowMinutes)
		for _, b := range []time.Time{open.Add(-window(def)), open} {
			n, err := e.Recompute(ctx, def, b)
			if err != nil {
				return total, errors.Join(flushErr, err)
			}
			total += n
		}
	}
	return total, flushErr
}

// TimeSeries returns rows of a metric in [start, end) whose dimensions
// contain every pair of dims.
func (e *Engine) TimeSeries(ctx context.Context, name string, start, end time.Time, dims domain.Dimensions) ([]domain.EventMetric, error) {
	if _, ok := e.Definition(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	rows, err := e.store.Series(ctx, name, start, end)
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 {
		return rows, nil
	}
	out := rows[:0]
	for _, r := range rows {
		if r.Dimensions.Contains(dims) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Summary rolls the last windowMinutes of a metric up into a single value
// and compares it with the window before. Windows are aligned to the end of
// the metric's open bucket.
func (e *Engine) Summary(ctx context.Context, name string, windowMinutes int) (domain.MetricSummary, error) {
	def, ok := e.Definition(name)
	if !ok {
		return domain.MetricSummary{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	if windowMinutes < def.WindowMinutes {
		windowMinutes = def.WindowMinutes
	}
	span := time.Duration(windowMinutes) * time.Minute
	end := domain.BucketStart(e.now(), def.WindowMinutes).Add(window(def))

	rows, err := e.store.Series(ctx, name, end.Add(-2*span), end)
	if err != nil {
		return domain.MetricSummary{}, err
	}
	var cur, prev []domain.EventMetric
	split := end.Add(-span)
	for _, r := range rows {
		if r.Timestamp.Before(split) {
			prev = append(prev, r)
		} else {
			cur = append(cur, r)
		}
	}

	current, samples := rollup(def.Aggregation, cur)
	previous, _ := rollup(def.Aggregation, prev)
	change := domain.ChangePercent(current, previous)
	return domain.MetricSummary{
		Name:          name,
		Aggregation:   def.Aggregation,
		WindowMinutes: windowMinutes,
		Current:       current,
		Previous:      previous,
		ChangePercent: change,
		Trend:         domain.TrendOf(change),
		Samples:       samples,
	}, nil
}

// Snapshot summarizes every definition, sorted by name.
func (e *Engine) Snapshot(ctx context.Context, windowMinutes int) ([]domain.MetricSummary, error) {
	defs := e.Definitions()
	out := make([]domain.MetricSummary, 0, len(defs))
	for _, def := range defs {
		s, err := e.Summary(ctx, def.Name, windowMinutes)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func window(def Definition) time.Duration {
	return time.Duration(def.WindowMinutes) * time.Minute
}

type accumulator struct {
	dims    domain.Dimensions
	events  int64
	success int64
	samples int64
	sum     float64
	max     float64
	min     float64
}

func aggregate(def *Definition, events []*domain.WebhookEvent, extractors Extractors, bucket, now time.Time) []domain.EventMetric {
	groups := make(map[string]*accumulator)
	order := make([]string, 0)
	for _, ev := range events {
		if !def.Filter.Match(ev) {
			continue
		}
		dims := dimensionsOf(def, ev, extractors)
		key := dims.Key()
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{dims: dims}
			groups[key] = acc
			order = append(order, key)
		}
		acc.events++
		if def.Aggregation == domain.AggRate && def.SuccessFilter.Match(ev) {
			acc.success++
		}
		if def.Aggregation.NeedsValue() {
			v, ok := valueOf(def, ev)
			if !ok {
				continue
			}
			if acc.samples == 0 || v > acc.max {
				acc.max = v
			}
			if acc.samples == 0 || v < acc.min {
				acc.min = v
			}
			acc.sum += v
			acc.samples++
		}
	}
	sort.Strings(order)

	rows := make([]domain.EventMetric, 0, len(order))
	for _, key := range order {
		acc := groups[key]
		row := domain.EventMetric{
			Name:              def.Name,
			AggregationType:   def.Aggregation,
			Dimensions:        acc.dims,
			WindowSizeMinutes: def.WindowMinutes,
			Timestamp:         bucket,
			UpdatedAt:         now,
		}
		switch def.Aggregation {
		case domain.AggCount:
			row.Value, row.SampleCount = float64(acc.events), acc.events
		case domain.AggRate:
			row.Value, row.SampleCount = float64(acc.success)/float64(acc.events)*100, acc.events
		default:
			if acc.samples == 0 {
				continue
			}
			row.SampleCount = acc.samples
			switch def.Aggregation {
			case domain.AggSum:
				row.Value = acc.sum
			case domain.AggAverage:
				row.Value = acc.sum / float64(acc.samples)
			case domain.AggMax:
				row.Value = acc.max
			case domain.AggMin:
				row.Value = acc.min
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// rollup combines bucket rows into one value: count and sum add up, max
// and min take the extreme, average and rate are sample weighted.
func rollup(agg domain.AggregationType, rows []domain.EventMetric) (float64, int64) {
	if len(rows) == 0 {
		return 0, 0
	}
	var (
		value    float64
		samples  int64
		weighted float64
	)
	for i, r := range rows {
		samples += r.SampleCount
		switch agg {
		case domain.AggCount, domain.AggSum:
			value += r.Value
		case domain.AggMax:
			if i == 0 || r.Value > value {
				value = r.Value
			}
		case domain.AggMin:
			if i == 0 || r.Value < value {
				value = r.Value
			}
		case domain.AggAverage, domain.AggRate:
			weighted += r.Value * float64(r.SampleCount)
		}
	}
	if agg == domain.AggAverage || agg == domain.AggRate {
		if samples == 0 {
			return 0, 0
		}
		value = weighted / float64(samples)
	}
	return value, samples
}
