package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Severity ranks an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AnomalyStatus is active or resolved.
type AnomalyStatus string

const (
	AnomalyActive   AnomalyStatus = "active"
	AnomalyResolved AnomalyStatus = "resolved"
)

// Anomaly is a detected deviation. At most one is active per Type.
type Anomaly struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Severity         Severity        `json:"severity"`
	Status           AnomalyStatus   `json:"status"`
	Description      string          `json:"description"`
	DetectedAt       time.Time       `json:"detectedAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy       string          `json:"resolvedBy,omitempty"`
	Confidence       float64         `json:"confidence"`
	AffectedEventIDs []string        `json:"affectedEventIds"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	ClearCycles      int             `json:"-"`
}

// SeverityForRatio maps deviation/threshold to a severity.
func SeverityForRatio(ratio float64) Severity {
	switch {
	case ratio >= 3:
		return SeverityCritical
	case ratio >= 2:
		return SeverityHigh
	case ratio >= 1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ConfidenceForRatio grows linearly from 0.5 at the threshold to 1 at twice it.
func ConfidenceForRatio(ratio float64) float64 {
	c := 0.5 + 0.5*(ratio-1)
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	Status   AnomalyStatus
	Severity Severity
	Limit    int
}

// AnomalyCounts summarizes the anomaly table.
type AnomalyCounts struct {
	Active     int64              `json:"active"`
	Resolved   int64              `json:"resolved"`
	BySeverity map[Severity]int64 `json:"bySeverity"`
}
