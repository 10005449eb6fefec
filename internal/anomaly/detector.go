// Package anomaly evaluates detection rules against metric summaries and
// recent events, and maintains the lifecycle of the anomalies they raise.
//
// A rule that triggers either opens the anomaly for its type or refreshes
// the one already active. A rule that stays clear for ResolveAfter
// consecutive cycles resolves it.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	"ledgerwatch.io/ledgerwatch/internal/governance/audit"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
)

// ResolvedBySystem is the actor recorded for automatic resolution.
const ResolvedBySystem = "system"

// MetricSource provides metric summaries.
type MetricSource interface {
	Summary(ctx context.Context, name string, windowMinutes int) (domain.MetricSummary, error)
}

// Config controls the detector.
type Config struct {
	// EvidenceLimit caps AffectedEventIDs.
	EvidenceLimit int
	// ResolveAfter is the number of consecutive clear cycles before an
	// active anomaly is resolved.
	ResolveAfter int
}

// Finding is the result of evaluating one rule.
type Finding struct {
	Rule      Rule
	Triggered bool
	Observed  float64
	Ratio     float64
	Evidence  []string
	Details   map[string]any
}

// CycleReport summarizes one detection cycle.
type CycleReport struct {
	Evaluated int
	Opened    int
	Updated   int
	Resolved  int
}

// Detector runs detection cycles.
type Detector struct {
	store   Store
	metrics MetricSource
	events  eventstore.Store
	audit   audit.Recorder
	cfg     Config
	now     func() time.Time
	log     *zap.Logger

	rules atomic.Pointer[[]Rule]
}

// Option customizes a Detector.
type Option func(*Detector)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithAudit records resolutions.
func WithAudit(r audit.Recorder) Option {
	return func(d *Detector) { d.audit = r }
}

// NewDetector creates a Detector with an initial rule set.
func NewDetector(store Store, metrics MetricSource, events eventstore.Store, rules []Rule, cfg Config, opts ...Option) (*Detector, error) {
	if cfg.EvidenceLimit <= 0 {
		cfg.EvidenceLimit = 10
	}
	if cfg.ResolveAfter <= 0 {
		cfg.ResolveAfter = 3
	}
	d := &Detector{
		store:   store,
		metrics: metrics,
		events:  events,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.Named("anomaly"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.SetRules(rules); err != nil {
		return nil, err
	}
	return d, nil
}

// SetRules atomically swaps the active rules.
func (d *Detector) SetRules(rules []Rule) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	cp := append([]Rule(nil), rules...)
	d.rules.Store(&cp)
	d.log.Info("Anomaly rules loaded", zap.Int("count", len(cp)))
	return nil
}

// Rules returns the active rules.
func (d *Detector) Rules() []Rule {
	if p := d.rules.Load(); p != nil {
		return *p
	}
	return nil
}

// RunCycle evaluates every rule once. A rule that fails to evaluate is
// skipped; its error is joined into the returned error and its active
// anomaly is left untouched.
func (d *Detector) RunCycle(ctx context.Context) (CycleReport, error) {
	var (
		report CycleReport
		errs   []error
	)
	for _, rule := range d.Rules() {
		f, err := d.Evaluate(ctx, rule)
		if err != nil {
			d.log.Warn("Anomaly rule evaluation failed", zap.String("rule", rule.Type), zap.Error(err))
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Type, err))
			continue
		}
		report.Evaluated++

		if f.Triggered {
			opened, err := d.raise(ctx, f)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", rule.Type, err))
				continue
			}
			if opened {
				report.Opened++
			} else {
				report.Updated++
			}
			continue
		}

		resolved, err := d.clear(ctx, rule.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Type, err))
			continue
		}
		if resolved {
			report.Resolved++
		}
	}
	return report, errors.Join(errs...)
}

// Evaluate runs one rule without touching the store.
func (d *Detector) Evaluate(ctx context.Context, rule Rule) (Finding, error) {
	switch rule.Kind {
	case KindMetricThreshold:
		return d.evaluateThreshold(ctx, rule)
	case KindMetricChange:
		return d.evaluateChange(ctx, rule)
	case KindEventPattern:
		return d.evaluatePattern(ctx, rule)
	}
	return Finding{}, fmt.Errorf("unknown rule kind %q", rule.Kind)
}

func (d *Detector) evaluateThreshold(ctx context.Context, rule Rule) (Finding, error) {
	s, err := d.metrics.Summary(ctx, rule.Metric, rule.WindowMinutes)
	if err != nil {
		return Finding{}, err
	}
	f := Finding{Rule: rule, Observed: s.Current, Details: map[string]any{
		"metric":    rule.Metric,
		"current":   s.Current,
		"threshold": rule.Threshold,
		"operator":  rule.Operator,
		"samples":   s.Samples,
	}}
	if s.Samples < rule.MinSamples {
		return f, nil
	}
	switch rule.Operator {
	case "gt":
		f.Triggered = s.Current > rule.Threshold
		f.Ratio = s.Current / rule.Threshold
	case "lt":
		f.Triggered = s.Current < rule.Threshold
		if s.Current > 0 {
			f.Ratio = rule.Threshold / s.Current
		} else {
			f.Ratio = math.Inf(1)
		}
	}
	if f.Triggered {
		f.Evidence, err = d.evidence(ctx, rule, time.Duration(s.WindowMinutes)*time.Minute, []domain.EventState{domain.EventStateCompleted})
	}
	return f, err
}

func (d *Detector) evaluateChange(ctx context.Context, rule Rule) (Finding, error) {
	s, err := d.metrics.Summary(ctx, rule.Metric, rule.WindowMinutes)
	if err != nil {
		return Finding{}, err
	}
	f := Finding{Rule: rule, Observed: s.ChangePercent, Details: map[string]any{
		"metric":        rule.Metric,
		"current":       s.Current,
		"previous":      s.Previous,
		"changePercent": s.ChangePercent,
		"threshold":     rule.Threshold,
		"samples":       s.Samples,
	}}
	// A change from an empty window says nothing about the trend.
	if s.Samples < rule.MinSamples || s.Previous == 0 {
		return f, nil
	}
	change := s.ChangePercent
	switch rule.Direction {
	case "up":
		f.Triggered = change >= rule.Threshold
	case "down":
		f.Triggered = -change >= rule.Threshold
	default:
		f.Triggered = math.Abs(change) >= rule.Threshold
	}
	f.Ratio = math.Abs(change) / rule.Threshold
	if f.Triggered {
		f.Evidence, err = d.evidence(ctx, rule, time.Duration(s.WindowMinutes)*time.Minute, []domain.EventState{domain.EventStateCompleted})
	}
	return f, err
}

func (d *Detector) evaluatePattern(ctx context.Context, rule Rule) (Finding, error) {
	lookback := time.Duration(rule.LookbackMinutes) * time.Minute
	matched, err := d.matching(ctx, rule, lookback, rule.States)
	if err != nil {
		return Finding{}, err
	}
	f := Finding{
		Rule:      rule,
		Observed:  float64(len(matched)),
		Ratio:     float64(len(matched)) / float64(rule.MinCount),
		Triggered: len(matched) >= rule.MinCount,
		Details: map[string]any{
			"count":           len(matched),
			"minCount":        rule.MinCount,
			"lookbackMinutes": rule.LookbackMinutes,
		},
	}
	if f.Triggered {
		f.Evidence = capIDs(matched, d.cfg.EvidenceLimit)
	}
	return f, nil
}

// evidence collects ids of recent events matching the rule filter. Rules
// without a filter carry no evidence.
func (d *Detector) evidence(ctx context.Context, rule Rule, lookback time.Duration, states []domain.EventState) ([]string, error) {
	if rule.Filter.IsZero() || d.events == nil {
		return nil, nil
	}
	ids, err := d.matching(ctx, rule, lookback, states)
	if err != nil {
		return nil, err
	}
	return capIDs(ids, d.cfg.EvidenceLimit), nil
}

// matching returns ids of events received within lookback that match the
// rule, newest first.
func (d *Detector) matching(ctx context.Context, rule Rule, lookback time.Duration, states []domain.EventState) ([]string, error) {
	events, err := d.events.List(ctx, eventstore.ListFilter{
		States:       states,
		ReceivedFrom: d.now().Add(-lookback),
		NewestFirst:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	ids := make([]string, 0)
	for _, e := range events {
		if rule.Filter.Match(e) {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func capIDs(ids []string, limit int) []string {
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return append([]string{}, ids...)
}

// mergeEvidence puts fresh ids first and keeps at most limit unique ids.
func mergeEvidence(fresh, existing []string, limit int) []string {
	seen := make(map[string]bool, len(fresh)+len(existing))
	out := make([]string, 0, limit)
	for _, list := range [][]string{fresh, existing} {
		for _, id := range list {
			if len(out) == limit {
				return out
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func (d *Detector) describe(f Finding) string {
	desc := f.Rule.Description
	if desc == "" {
		desc = f.Rule.Type
	}
	switch f.Rule.Kind {
	case KindMetricThreshold:
		return fmt.Sprintf("%s (%s = %.2f, threshold %.2f)", desc, f.Rule.Metric, f.Observed, f.Rule.Threshold)
	case KindMetricChange:
		return fmt.Sprintf("%s (%s changed %.1f%%)", desc, f.Rule.Metric, f.Observed)
	default:
		return fmt.Sprintf("%s (%d events in %d min)", desc, int(f.Observed), f.Rule.LookbackMinutes)
	}
}

// raise opens or refreshes the anomaly for a triggered finding.
func (d *Detector) raise(ctx context.Context, f Finding) (bool, error) {
	now := d.now().UTC()
	meta, err := json.Marshal(f.Details)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}
	severity := domain.SeverityForRatio(f.Ratio)
	confidence := domain.ConfidenceForRatio(f.Ratio)

	existing, err := d.store.Active(ctx, f.Rule.Type)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing == nil {
		a := &domain.Anomaly{
			ID:               uuid.Must(uuid.NewV7()).String(),
			Type:             f.Rule.Type,
			Severity:         severity,
			Status:           domain.AnomalyActive,
			Description:      d.describe(f),
			DetectedAt:       now,
			UpdatedAt:        now,
			Confidence:       confidence,
			AffectedEventIDs: capIDs(f.Evidence, d.cfg.EvidenceLimit),
			Metadata:         meta,
		}
		stored, created, err := d.store.Create(ctx, a)
		if err != nil {
			return false, err
		}
		if created {
			telemetry.AnomaliesOpened.WithLabelValues(a.Type).Inc()
			d.log.Warn("Anomaly detected",
				zap.String("anomaly_id", stored.ID),
				zap.String("type", stored.Type),
				zap.String("severity", string(stored.Severity)),
				zap.Float64("confidence", stored.Confidence),
			)
			return true, nil
		}
		existing = stored
	}

	existing.Severity = severity
	existing.Confidence = confidence
	existing.Description = d.describe(f)
	existing.Metadata = meta
	existing.AffectedEventIDs = mergeEvidence(f.Evidence, existing.AffectedEventIDs, d.cfg.EvidenceLimit)
	existing.ClearCycles = 0
	existing.UpdatedAt = now
	if err := d.store.Update(ctx, existing); err != nil {
		return false, err
	}
	return false, nil
}

// clear counts a clear cycle against the active anomaly of typ and
// resolves it once the count reaches ResolveAfter.
func (d *Detector) clear(ctx context.Context, typ string) (bool, error) {
	a, err := d.store.Active(ctx, typ)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a.ClearCycles++
	if a.ClearCycles < d.cfg.ResolveAfter {
		a.UpdatedAt = d.now().UTC()
		return false, d.store.Update(ctx, a)
	}
	if _, err := d.store.Resolve(ctx, a.ID, ResolvedBySystem, d.now().UTC()); err != nil {
		return false, err
	}
	telemetry.AnomaliesResolved.WithLabelValues("auto").Inc()
	audit.Safe(ctx, d.audit, audit.ActionAnomalyResolved, "anomaly", a.ID, ResolvedBySystem, map[string]interface{}{
		"type":        a.Type,
		"clearCycles": a.ClearCycles,
	})
	d.log.Info("Anomaly auto-resolved", zap.String("anomaly_id", a.ID), zap.String("type", a.Type))
	return true, nil
}

// Resolve manually resolves an active anomaly.
func (d *Detector) Resolve(ctx context.Context, id, actor string) (*domain.Anomaly, error) {
	a, err := d.store.Resolve(ctx, id, actor, d.now().UTC())
	if err != nil {
		return nil, err
	}
	telemetry.AnomaliesResolved.WithLabelValues("manual").Inc()
	audit.Safe(ctx, d.audit, audit.ActionAnomalyResolved, "anomaly", a.ID, actor, map[string]interface{}{
		"type": a.Type,
	})
	d.log.Info("Anomaly resolved", zap.String("anomaly_id", a.ID), zap.String("actor", actor))
	return a, nil
}

// List returns anomalies matching f together with overall counts.
func (d *Detector) List(ctx context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, domain.AnomalyCounts, error) {
	items, err := d.store.List(ctx, f)
	if err != nil {
		return nil, domain.AnomalyCounts{}, err
	}
	counts, err := d.store.Counts(ctx)
	if err != nil {
		return nil, domain.AnomalyCounts{}, err
	}
	return items, counts, nil
}
