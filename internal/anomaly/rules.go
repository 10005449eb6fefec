package anomaly

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/metrics"
)

// RuleKind selects how a rule is evaluated.
type RuleKind string

const (
	// KindMetricThreshold compares a metric summary with a fixed threshold.
	KindMetricThreshold RuleKind = "metric_threshold"
	// KindMetricChange compares the change between two summary windows.
	KindMetricChange RuleKind = "metric_change"
	// KindEventPattern counts events matching a filter in a lookback window.
	KindEventPattern RuleKind = "event_pattern"
)

// Rule is one detection rule. Type names the anomaly it raises and is
// unique across rules.
type Rule struct {
	Type        string   `yaml:"type" json:"type"`
	Kind        RuleKind `yaml:"kind" json:"kind"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`

	// Metric rules.
	Metric        string  `yaml:"metric,omitempty" json:"metric,omitempty"`
	WindowMinutes int     `yaml:"window_minutes,omitempty" json:"windowMinutes,omitempty"`
	Operator      string  `yaml:"operator,omitempty" json:"operator,omitempty"` // gt or lt
	Threshold     float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Direction     string  `yaml:"direction,omitempty" json:"direction,omitempty"` // up, down or both
	MinSamples    int64   `yaml:"min_samples,omitempty" json:"minSamples,omitempty"`

	// Event rules. Metric rules use Filter only to pick evidence.
	Filter          metrics.Filter      `yaml:"filter,omitempty" json:"filter"`
	States          []domain.EventState `yaml:"states,omitempty" json:"states,omitempty"`
	LookbackMinutes int                 `yaml:"lookback_minutes,omitempty" json:"lookbackMinutes,omitempty"`
	MinCount        int                 `yaml:"min_count,omitempty" json:"minCount,omitempty"`
}

// Validate checks a rule for its kind.
func (r Rule) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("anomaly rule: type is required")
	}
	switch r.Kind {
	case KindMetricThreshold:
		if r.Metric == "" {
			return fmt.Errorf("rule %s: metric is required", r.Type)
		}
		if r.Operator != "gt" && r.Operator != "lt" {
			return fmt.Errorf("rule %s: operator must be gt or lt", r.Type)
		}
		if r.Threshold <= 0 {
			return fmt.Errorf("rule %s: threshold must be positive", r.Type)
		}
	case KindMetricChange:
		if r.Metric == "" {
			return fmt.Errorf("rule %s: metric is required", r.Type)
		}
		if r.Threshold <= 0 {
			return fmt.Errorf("rule %s: threshold must be positive", r.Type)
		}
		switch r.Direction {
		case "", "up", "down", "both":
		default:
			return fmt.Errorf("rule %s: direction must be up, down or both", r.Type)
		}
	case KindEventPattern:
		if r.LookbackMinutes <= 0 {
			return fmt.Errorf("rule %s: lookback_minutes must be positive", r.Type)
		}
		if r.MinCount <= 0 {
			return fmt.Errorf("rule %s: min_count must be positive", r.Type)
		}
		for _, s := range r.States {
			if !s.Valid() {
				return fmt.Errorf("rule %s: unknown state %q", r.Type, s)
			}
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.Type, r.Kind)
	}
	if err := r.Filter.Validate(); err != nil {
		return fmt.Errorf("rule %s filter: %w", r.Type, err)
	}
	return nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a rules YAML file and validates every entry.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode anomaly rules: %w", err)
	}
	if err := validateRules(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

func validateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Type] {
			return fmt.Errorf("duplicate anomaly rule %q", r.Type)
		}
		seen[r.Type] = true
	}
	return nil
}

// DefaultRules is used when no rules file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:          "failure_rate_high",
			Kind:          KindMetricThreshold,
			Description:   "Transfer failure rate above 10%",
			Metric:        "transfer_failure_rate",
			WindowMinutes: 15,
			Operator:      "gt",
			Threshold:     10,
			MinSamples:    10,
			Filter:        metrics.Filter{EventTypes: []string{"transfer.failed", "payout.failed"}},
		},
		{
			Type:          "volume_spike",
			Kind:          KindMetricChange,
			Description:   "Transfer volume rose more than 50% over the previous window",
			Metric:        "transfer_volume",
			WindowMinutes: 15,
			Threshold:     50,
			Direction:     "up",
			MinSamples:    20,
		},
		{
			Type:            "dead_letter_surge",
			Kind:            KindEventPattern,
			Description:     "Events are being dead-lettered",
			States:          []domain.EventState{domain.EventStateDead},
			LookbackMinutes: 15,
			MinCount:        5,
		},
		{
			Type:        "high_value_burst",
			Kind:        KindEventPattern,
			Description: "Several high-value transfers in a short period",
			Filter: metrics.Filter{
				EventTypes: []string{"transfer.*", "payout.*"},
				Conditions: []metrics.Condition{{Path: "data.object.amount", Op: metrics.OpGte, Value: "10000"}},
			},
			States:          []domain.EventState{domain.EventStateCompleted},
			LookbackMinutes: 60,
			MinCount:        3,
		},
	}
}
