package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	"ledgerwatch.io/ledgerwatch/internal/governance/audit"
	"ledgerwatch.io/ledgerwatch/internal/metrics"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeMetrics struct {
	mu        sync.Mutex
	summaries map[string]domain.MetricSummary
	err       error
}

func (f *fakeMetrics) set(name string, s domain.MetricSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaries == nil {
		f.summaries = map[string]domain.MetricSummary{}
	}
	s.Name = name
	f.summaries[name] = s
}

func (f *fakeMetrics) Summary(_ context.Context, name string, windowMinutes int) (domain.MetricSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.MetricSummary{}, f.err
	}
	s := f.summaries[name]
	s.WindowMinutes = windowMinutes
	return s, nil
}

var failureRule = Rule{
	Type:          "failure_rate_high",
	Kind:          KindMetricThreshold,
	Metric:        "transfer_failure_rate",
	WindowMinutes: 15,
	Operator:      "gt",
	Threshold:     10,
	MinSamples:    10,
}

func newDetector(t *testing.T, rules []Rule, fm *fakeMetrics, events eventstore.Store, rec audit.Recorder) (*Detector, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	if events == nil {
		events = eventstore.NewMemoryStore()
	}
	d, err := NewDetector(store, fm, events, rules, Config{EvidenceLimit: 3, ResolveAfter: 3},
		WithClock(func() time.Time { return now }), WithAudit(rec))
	require.NoError(t, err)
	return d, store
}

func TestDetector_ThresholdOpensThenUpdates(t *testing.T) {
	fm := &fakeMetrics{}
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 14, Samples: 40})
	d, store := newDetector(t, []Rule{failureRule}, fm, nil, nil)
	ctx := context.Background()

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, CycleReport{Evaluated: 1, Opened: 1}, report)

	first, err := store.Active(ctx, "failure_rate_high")
	require.NoError(t, err)
	require.Equal(t, domain.SeverityLow, first.Severity)
	require.InDelta(t, 0.7, first.Confidence, 1e-9)

	// Re-trigger with a worse value updates the same anomaly.
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 35, Samples: 40})
	report, err = d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, CycleReport{Evaluated: 1, Updated: 1}, report)

	second, err := store.Active(ctx, "failure_rate_high")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, domain.SeverityCritical, second.Severity)
	require.Equal(t, 1.0, second.Confidence)
	require.Contains(t, string(second.Metadata), `"current":35`)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Active)
}

func TestDetector_BelowMinSamplesDoesNotTrigger(t *testing.T) {
	fm := &fakeMetrics{}
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 50, Samples: 3})
	d, store := newDetector(t, []Rule{failureRule}, fm, nil, nil)

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Opened)
	_, err = store.Active(context.Background(), "failure_rate_high")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDetector_NeverTwoActivePerType(t *testing.T) {
	fm := &fakeMetrics{}
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 20, Samples: 40})
	d, store := newDetector(t, []Rule{failureRule}, fm, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RunCycle(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	active, err := store.List(ctx, domain.AnomalyFilter{Status: domain.AnomalyActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	all, err := store.List(ctx, domain.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestDetector_AutoResolveAfterClearCycles(t *testing.T) {
	fm := &fakeMetrics{}
	rec := audit.NewMemoryRecorder()
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 20, Samples: 40})
	d, store := newDetector(t, []Rule{failureRule}, fm, nil, rec)
	ctx := context.Background()

	_, err := d.RunCycle(ctx)
	require.NoError(t, err)

	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 2, Samples: 40})
	for i := 0; i < 2; i++ {
		_, err = d.RunCycle(ctx)
		require.NoError(t, err)
	}
	a, err := store.Active(ctx, "failure_rate_high")
	require.NoError(t, err)
	require.Equal(t, 2, a.ClearCycles)

	// A trigger in between resets the count.
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 20, Samples: 40})
	_, err = d.RunCycle(ctx)
	require.NoError(t, err)
	a, err = store.Active(ctx, "failure_rate_high")
	require.NoError(t, err)
	require.Zero(t, a.ClearCycles)

	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 2, Samples: 40})
	var report CycleReport
	for i := 0; i < 3; i++ {
		report, err = d.RunCycle(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, report.Resolved)

	_, err = store.Active(ctx, "failure_rate_high")
	require.ErrorIs(t, err, ErrNotFound)
	resolved, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AnomalyResolved, resolved.Status)
	require.Equal(t, ResolvedBySystem, resolved.ResolvedBy)
	require.Len(t, rec.ByAction(audit.ActionAnomalyResolved), 1)

	// The next trigger opens a new anomaly; the resolved one is kept.
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 20, Samples: 40})
	report, err = d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Opened)
	all, err := store.List(ctx, domain.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func deadEvent(t *testing.T, s eventstore.Store, evType domain.EventType, at time.Time) string {
	t.Helper()
	ctx := context.Background()
	stored, _, err := s.Insert(ctx, &domain.WebhookEvent{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ExternalEventID: uuid.NewString(),
		EventType:       evType,
		Payload:         []byte(`{"data":{"object":{"amount":{"value":"12000","currency":"USD"}}}}`),
		ReceivedAt:      at,
		AvailableAt:     at,
	})
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, stored.ID, at)
	require.NoError(t, err)
	require.NoError(t, s.Kill(ctx, claimed, 5, at, "terminal"))
	return stored.ID
}

func TestDetector_EventPatternCapsEvidence(t *testing.T) {
	events := eventstore.NewMemoryStore()
	for i := 0; i < 6; i++ {
		deadEvent(t, events, domain.EventTransferPaid, now.Add(-time.Duration(i)*time.Minute))
	}
	// Outside the lookback.
	deadEvent(t, events, domain.EventTransferPaid, now.Add(-2*time.Hour))

	rule := Rule{
		Type:            "dead_letter_surge",
		Kind:            KindEventPattern,
		States:          []domain.EventState{domain.EventStateDead},
		LookbackMinutes: 15,
		MinCount:        5,
	}
	d, store := newDetector(t, []Rule{rule}, &fakeMetrics{}, events, nil)
	ctx := context.Background()

	f, err := d.Evaluate(ctx, rule)
	require.NoError(t, err)
	require.True(t, f.Triggered)
	require.Equal(t, 6.0, f.Observed)

	_, err = d.RunCycle(ctx)
	require.NoError(t, err)
	a, err := store.Active(ctx, "dead_letter_surge")
	require.NoError(t, err)
	require.Len(t, a.AffectedEventIDs, 3)
	require.Equal(t, domain.SeverityLow, a.Severity)
}

func TestDetector_ChangeRule(t *testing.T) {
	rule := Rule{Type: "volume_spike", Kind: KindMetricChange, Metric: "transfer_volume", WindowMinutes: 15, Threshold: 50, Direction: "up"}
	fm := &fakeMetrics{}
	d, _ := newDetector(t, []Rule{rule}, fm, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		summary domain.MetricSummary
		want    bool
	}{
		{"spike", domain.MetricSummary{Current: 300, Previous: 100, ChangePercent: 200}, true},
		{"small rise", domain.MetricSummary{Current: 120, Previous: 100, ChangePercent: 20}, false},
		{"drop", domain.MetricSummary{Current: 10, Previous: 100, ChangePercent: -90}, false},
		{"from empty", domain.MetricSummary{Current: 50, Previous: 0, ChangePercent: 100}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fm.set("transfer_volume", tc.summary)
			f, err := d.Evaluate(ctx, rule)
			require.NoError(t, err)
			require.Equal(t, tc.want, f.Triggered)
		})
	}
}

func TestDetector_EvaluationErrorLeavesAnomalyAlone(t *testing.T) {
	fm := &fakeMetrics{}
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 20, Samples: 40})
	d, store := newDetector(t, []Rule{failureRule}, fm, nil, nil)
	ctx := context.Background()
	_, err := d.RunCycle(ctx)
	require.NoError(t, err)

	fm.err = errors.New("store unavailable")
	for i := 0; i < 5; i++ {
		_, err = d.RunCycle(ctx)
		require.Error(t, err)
	}
	a, err := store.Active(ctx, "failure_rate_high")
	require.NoError(t, err)
	require.Zero(t, a.ClearCycles)
}

func TestDetector_ManualResolve(t *testing.T) {
	fm := &fakeMetrics{}
	rec := audit.NewMemoryRecorder()
	fm.set("transfer_failure_rate", domain.MetricSummary{Current: 20, Samples: 40})
	d, store := newDetector(t, []Rule{failureRule}, fm, nil, rec)
	ctx := context.Background()
	_, err := d.RunCycle(ctx)
	require.NoError(t, err)
	a, err := store.Active(ctx, "failure_rate_high")
	require.NoError(t, err)

	resolved, err := d.Resolve(ctx, a.ID, "user:ops")
	require.NoError(t, err)
	require.Equal(t, "user:ops", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = d.Resolve(ctx, a.ID, "user:ops")
	require.ErrorIs(t, err, ErrNotActive)
	_, err = d.Resolve(ctx, uuid.NewString(), "user:ops")
	require.ErrorIs(t, err, ErrNotFound)

	items, counts, err := d.List(ctx, domain.AnomalyFilter{Status: domain.AnomalyResolved})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.EqualValues(t, 1, counts.Resolved)
	require.Len(t, rec.ByAction(audit.ActionAnomalyResolved), 1)
}

func TestMergeEvidence(t *testing.T) {
	got := mergeEvidence([]string{"c", "a"}, []string{"a", "b", "x", "y"}, 4)
	require.Equal(t, []string{"c", "a", "b", "x"}, got)
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - type: refund_wave
    kind: event_pattern
    lookback_minutes: 30
    min_count: 10
    states: [completed]
    filter:
      event_types: [charge.refunded]
  - type: failure_rate_high
    kind: metric_threshold
    metric: transfer_failure_rate
    operator: gt
    threshold: 5
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, []domain.EventState{domain.EventStateCompleted}, rules[0].States)
	require.Equal(t, metrics.Filter{EventTypes: []string{"charge.refunded"}}, rules[0].Filter)

	invalid := []string{
		`rules: [{type: a, kind: magic}]`,
		`rules: [{type: a, kind: metric_threshold, metric: m, operator: eq, threshold: 1}]`,
		`rules: [{type: a, kind: metric_change, metric: m, threshold: 0}]`,
		`rules: [{type: a, kind: event_pattern, lookback_minutes: 5, min_count: 0}]`,
		`rules: [{type: a, kind: event_pattern, lookback_minutes: 5, min_count: 1, states: [lost]}]`,
		`rules: [{type: a, kind: event_pattern, lookback_minutes: 5, min_count: 1}, {type: a, kind: event_pattern, lookback_minutes: 5, min_count: 1}]`,
	}
	for i, data := range invalid {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := ParseRules([]byte(data))
			require.Error(t, err)
		})
	}

	require.NoError(t, validateRules(DefaultRules()))
}
