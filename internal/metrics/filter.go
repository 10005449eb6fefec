package metrics

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

// Operator compares a payload field with a condition value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpExists   Operator = "exists"
	OpContains Operator = "contains"
)

// Condition tests one payload path.
type Condition struct {
	Path   string   `yaml:"path" json:"path"`
	Op     Operator `yaml:"op" json:"op"`
	Value  string   `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Filter selects events. All set criteria must hold; an empty filter
// matches everything. Event types accept a trailing ".*" wildcard.
type Filter struct {
	EventTypes    []string    `yaml:"event_types,omitempty" json:"eventTypes,omitempty"`
	ResourceTypes []string    `yaml:"resource_types,omitempty" json:"resourceTypes,omitempty"`
	Conditions    []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// IsZero reports whether the filter has no criteria.
func (f Filter) IsZero() bool {
	return len(f.EventTypes) == 0 && len(f.ResourceTypes) == 0 && len(f.Conditions) == 0
}

// Validate checks operators and required operands.
func (f Filter) Validate() error {
	for i, c := range f.Conditions {
		if c.Path == "" {
			return fmt.Errorf("condition %d: path is required", i)
		}
		switch c.Op {
		case OpEq, OpNe, OpContains:
		case OpIn, OpNotIn:
			if len(c.Values) == 0 {
				return fmt.Errorf("condition %d: %s requires values", i, c.Op)
			}
		case OpGt, OpGte, OpLt, OpLte:
			if _, err := strconv.ParseFloat(c.Value, 64); err != nil {
				return fmt.Errorf("condition %d: %s requires a numeric value", i, c.Op)
			}
		case OpExists:
		default:
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Op)
		}
	}
	return nil
}

// Match reports whether e satisfies the filter.
func (f Filter) Match(e *domain.WebhookEvent) bool {
	if len(f.EventTypes) > 0 && !matchType(f.EventTypes, string(e.EventType)) {
		return false
	}
	if len(f.ResourceTypes) > 0 && !contains(f.ResourceTypes, e.ResourceType) {
		return false
	}
	for _, c := range f.Conditions {
		if !c.match(gjson.GetBytes(e.Payload, c.Path)) {
			return false
		}
	}
	return true
}

func (c Condition) match(r gjson.Result) bool {
	switch c.Op {
	case OpExists:
		return r.Exists()
	case OpEq:
		return r.Exists() && r.String() == c.Value
	case OpNe:
		return !r.Exists() || r.String() != c.Value
	case OpIn:
		return r.Exists() && contains(c.Values, r.String())
	case OpNotIn:
		return !r.Exists() || !contains(c.Values, r.String())
	case OpContains:
		return r.Exists() && strings.Contains(r.String(), c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		v, ok := numeric(r)
		if !ok {
			return false
		}
		want, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false
		}
		switch c.Op {
		case OpGt:
			return v > want
		case OpGte:
			return v >= want
		case OpLt:
			return v < want
		default:
			return v <= want
		}
	}
	return false
}

func matchType(patterns []string, t string) bool {
	for _, p := range patterns {
		if p == t || p == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(t, prefix+".") {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// numeric reads a number, a numeric string, or the value of a
// {value, currency} amount object.
func numeric(r gjson.Result) (float64, bool) {
	if r.IsObject() {
		r = r.Get("value")
	}
	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
