package domain

import (
	"sort"
	"strings"
	"time"
)

// AggregationType selects how a metric bucket is computed.
type AggregationType string

const (
	AggCount   AggregationType = "count"
	AggRate    AggregationType = "rate"
	AggAverage AggregationType = "average"
	AggSum     AggregationType = "sum"
	AggMax     AggregationType = "max"
	AggMin     AggregationType = "min"
)

// Valid reports whether a is a known aggregation.
func (a AggregationType) Valid() bool {
	switch a {
	case AggCount, AggRate, AggAverage, AggSum, AggMax, AggMin:
		return true
	}
	return false
}

// NeedsValue reports whether the aggregation reads a numeric payload field.
func (a AggregationType) NeedsValue() bool {
	switch a {
	case AggSum, AggAverage, AggMax, AggMin:
		return true
	}
	return false
}

// Dimensions is an ordered key/value set breaking a metric down.
type Dimensions map[string]string

// Key returns the canonical "k1=v1,k2=v2" form with keys sorted.
// Two dimension sets are the same bucket row iff their keys are equal.
func (d Dimensions) Key() string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d[k])
	}
	return b.String()
}

// Contains reports whether every pair of sub is present in d.
func (d Dimensions) Contains(sub Dimensions) bool {
	for k, v := range sub {
		if got, ok := d[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// EventMetric is one (name, dimensions, bucket) row.
type EventMetric struct {
	Name              string          `json:"name"`
	AggregationType   AggregationType `json:"aggregationType"`
	Dimensions        Dimensions      `json:"dimensions"`
	WindowSizeMinutes int             `json:"windowSizeMinutes"`
	Timestamp         time.Time       `json:"timestamp"`
	Value             float64         `json:"value"`
	SampleCount       int64           `json:"sampleCount"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// BucketStart truncates t to the start of its window bucket.
func BucketStart(t time.Time, windowMinutes int) time.Time {
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	return t.UTC().Truncate(time.Duration(windowMinutes) * time.Minute)
}

// Trend is the direction of a metric summary.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// TrendThresholdPercent is the change beyond which a metric is trending.
const TrendThresholdPercent = 5.0

// MetricSummary compares the latest window with the one before it.
type MetricSummary struct {
	Name          string          `json:"name"`
	Aggregation   AggregationType `json:"aggregationType"`
	WindowMinutes int             `json:"windowMinutes"`
	Current       float64         `json:"current"`
	Previous      float64         `json:"previous"`
	ChangePercent float64         `json:"changePercent"`
	Trend         Trend           `json:"trend"`
	Samples       int64           `json:"samples"`
}

// ChangePercent returns the relative change from previous to current.
// A move away from zero counts as +100%.
func ChangePercent(current, previous float64) float64 {
	if previous == 0 {
		if current == 0 {
			return 0
		}
		if current > 0 {
			return 100
		}
		return -100
	}
	return (current - previous) / absf(previous) * 100
}

// TrendOf classifies a change percentage.
func TrendOf(changePercent float64) Trend {
	switch {
	case changePercent > TrendThresholdPercent:
		return TrendUp
	case changePercent < -TrendThresholdPercent:
		return TrendDown
	default:
		return TrendStable
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
