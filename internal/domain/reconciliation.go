package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus is the lifecycle of a reconciliation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether the job released its scope.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Variant selects the reconciliation flavour.
type Variant string

const (
	VariantStandard Variant = "standard"
	VariantPremium  Variant = "premium"
)

// JobSummary holds per-kind counts of a finished run.
type JobSummary struct {
	Matched         int `json:"matched"`
	AmountMismatch  int `json:"amountMismatch"`
	MissingExternal int `json:"missingExternal"`
	MissingInternal int `json:"missingInternal"`
	Duplicate       int `json:"duplicate"`
	TransfersSeen   int `json:"transfersSeen"`
	RecordsSeen     int `json:"recordsSeen"`
}

// Add counts one discrepancy of the given kind.
func (s *JobSummary) Add(kind DiscrepancyKind) {
	switch kind {
	case DiscrepancyAmountMismatch:
		s.AmountMismatch++
	case DiscrepancyMissingExternal:
		s.MissingExternal++
	case DiscrepancyMissingInternal:
		s.MissingInternal++
	case DiscrepancyDuplicate:
		s.Duplicate++
	}
}

// ReconciliationJob is one run over a scope. At most one non-terminal job
// exists per scope.
type ReconciliationJob struct {
	ID          string      `json:"id"`
	Scope       string      `json:"scope"`
	Period      string      `json:"period"`
	Variant     Variant     `json:"variant"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	TriggeredBy string      `json:"triggeredBy"`
	Error       string      `json:"error,omitempty"`
	Summary     *JobSummary `json:"summary,omitempty"`
}

// DiscrepancyKind classifies a reconciliation mismatch.
type DiscrepancyKind string

const (
	DiscrepancyMissingExternal DiscrepancyKind = "missing_external"
	DiscrepancyMissingInternal DiscrepancyKind = "missing_internal"
	DiscrepancyAmountMismatch  DiscrepancyKind = "amount_mismatch"
	DiscrepancyDuplicate       DiscrepancyKind = "duplicate"
)

// Discrepancy is written once by a completed run. Only the resolution
// fields change afterwards.
type Discrepancy struct {
	ID              string           `json:"id"`
	JobID           string           `json:"jobId"`
	TransferID      string           `json:"transferId,omitempty"`
	BillingRecordID string           `json:"billingRecordId,omitempty"`
	Kind            DiscrepancyKind  `json:"kind"`
	ExpectedAmount  *decimal.Decimal `json:"expectedAmount,omitempty"`
	ActualAmount    *decimal.Decimal `json:"actualAmount,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	CorrelationKey  string           `json:"correlationKey,omitempty"`
	Note            string           `json:"note,omitempty"`
	Resolved        bool             `json:"resolved"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy      string           `json:"resolvedBy,omitempty"`
}

// Transfer statuses that never count toward reconciliation.
var ignoredTransferStatuses = map[string]bool{
	"failed":   true,
	"canceled": true,
	"reversed": true,
}

// Transfer is an external payment record from the payment processor.
type Transfer struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	CorrelationID string          `json:"correlationId"`
	CustomerID    string          `json:"customerId"`
	Period        string          `json:"period"`
	Created       time.Time       `json:"created"`
}

// Settled reports whether the transfer takes part in matching.
func (t Transfer) Settled() bool {
	return !ignoredTransferStatuses[t.Status]
}

// BillingRecord is an expected amount from the billing provider.
type BillingRecord struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	CustomerID    string          `json:"customerId"`
	CompanyName   string          `json:"companyName,omitempty"`
	Period        string          `json:"period"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}
