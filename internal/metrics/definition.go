package metrics

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

// Dimension sources.
const (
	SourceAttribute = "attribute"
	SourcePayload   = "payload"
	SourceSpecial   = "special"
)

// DimensionSpec says where a dimension value comes from. Field is an event
// attribute name, a gjson payload path or a registered extractor name.
type DimensionSpec struct {
	Name   string `yaml:"name" json:"name"`
	Source string `yaml:"source" json:"source"`
	Field  string `yaml:"field" json:"field"`
}

// Definition describes one derived metric.
type Definition struct {
	Name          string                 `yaml:"name" json:"name"`
	Description   string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Aggregation   domain.AggregationType `yaml:"aggregation" json:"aggregation"`
	WindowMinutes int                    `yaml:"window_minutes" json:"windowMinutes"`
	Dimensions    []DimensionSpec        `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	Filter        Filter                 `yaml:"filter,omitempty" json:"filter"`
	// ValueField is the payload path read by sum, average, max and min.
	ValueField string `yaml:"value_field,omitempty" json:"valueField,omitempty"`
	// SuccessFilter selects the numerator of a rate among filtered events.
	SuccessFilter Filter `yaml:"success_filter,omitempty" json:"successFilter"`
}

var attributeFields = map[string]bool{
	"event_type":    true,
	"resource_type": true,
	"resource_id":   true,
	"state":         true,
}

// Validate checks a definition against the extractor registry.
func (d Definition) Validate(extractors Extractors) error {
	if d.Name == "" {
		return fmt.Errorf("metric definition: name is required")
	}
	if !d.Aggregation.Valid() {
		return fmt.Errorf("metric %s: unknown aggregation %q", d.Name, d.Aggregation)
	}
	if d.WindowMinutes <= 0 {
		return fmt.Errorf("metric %s: window_minutes must be positive", d.Name)
	}
	if d.Aggregation.NeedsValue() && d.ValueField == "" {
		return fmt.Errorf("metric %s: %s requires value_field", d.Name, d.Aggregation)
	}
	if d.Aggregation == domain.AggRate && d.SuccessFilter.IsZero() {
		return fmt.Errorf("metric %s: rate requires success_filter", d.Name)
	}
	seen := make(map[string]bool, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		if dim.Name == "" || dim.Field == "" {
			return fmt.Errorf("metric %s: dimension name and field are required", d.Name)
		}
		if seen[dim.Name] {
			return fmt.Errorf("metric %s: duplicate dimension %q", d.Name, dim.Name)
		}
		seen[dim.Name] = true
		switch dim.Source {
		case SourceAttribute:
			if !attributeFields[dim.Field] {
				return fmt.Errorf("metric %s: unknown attribute %q", d.Name, dim.Field)
			}
		case SourcePayload:
		case SourceSpecial:
			if _, ok := extractors[dim.Field]; !ok {
				return fmt.Errorf("metric %s: no extractor registered for %q", d.Name, dim.Field)
			}
		default:
			return fmt.Errorf("metric %s: unknown dimension source %q", d.Name, dim.Source)
		}
	}
	if err := d.Filter.Validate(); err != nil {
		return fmt.Errorf("metric %s filter: %w", d.Name, err)
	}
	if err := d.SuccessFilter.Validate(); err != nil {
		return fmt.Errorf("metric %s success_filter: %w", d.Name, err)
	}
	return nil
}

type definitionFile struct {
	Metrics []Definition `yaml:"metrics"`
}

// ParseDefinitions decodes a metrics YAML file and validates every entry.
func ParseDefinitions(data []byte, extractors Extractors) ([]Definition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode metric definitions: %w", err)
	}
	if err := validateAll(f.Metrics, extractors); err != nil {
		return nil, err
	}
	return f.Metrics, nil
}

func validateAll(defs []Definition, extractors Extractors) error {
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(extractors); err != nil {
			return err
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate metric %q", d.Name)
		}
		names[d.Name] = true
	}
	return nil
}

// DefaultDefinitions is used when no metrics file is configured.
func DefaultDefinitions() []Definition {
	moneyMovement := []string{"transfer.*", "payout.*"}
	settledOrFailed := []string{"transfer.paid", "transfer.failed", "payout.paid", "payout.failed"}
	return []Definition{
		{
			Name:          "transfer_volume",
			Description:   "Money-movement events by direction.",
			Aggregation:   domain.AggCount,
			WindowMinutes: 5,
			Filter:        Filter{EventTypes: moneyMovement},
			Dimensions:    []DimensionSpec{{Name: "direction", Source: SourceSpecial, Field: "direction"}},
		},
		{
			Name:          "transfer_amount_total",
			Description:   "Settled amount by currency.",
			Aggregation:   domain.AggSum,
			WindowMinutes: 60,
			ValueField:    "data.object.amount",
			Filter:        Filter{EventTypes: []string{"transfer.paid", "payout.paid"}},
			Dimensions:    []DimensionSpec{{Name: "currency", Source: SourceSpecial, Field: "currency"}},
		},
		{
			Name:          "transfer_failure_rate",
			Description:   "Percentage of settled-or-failed transfers that failed.",
			Aggregation:   domain.AggRate,
			WindowMinutes: 15,
			Filter:        Filter{EventTypes: settledOrFailed},
			SuccessFilter: Filter{EventTypes: []string{"transfer.failed", "payout.failed"}},
		},
		{
			Name:          "failures_by_category",
			Description:   "Failed payments by failure category.",
			Aggregation:   domain.AggCount,
			WindowMinutes: 15,
			Filter:        Filter{EventTypes: []string{"transfer.failed", "payout.failed", "charge.failed", "invoice.payment_failed"}},
			Dimensions:    []DimensionSpec{{Name: "failure_category", Source: SourceSpecial, Field: "failure_category"}},
		},
		{
			Name:          "max_transfer_amount",
			Description:   "Largest single transfer by currency.",
			Aggregation:   domain.AggMax,
			WindowMinutes: 60,
			ValueField:    "data.object.amount",
			Filter:        Filter{EventTypes: []string{"transfer.*"}},
			Dimensions:    []DimensionSpec{{Name: "currency", Source: SourceSpecial, Field: "currency"}},
		},
	}
}
