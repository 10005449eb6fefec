// Package collaborator fetches transfers from the payment processor and
// expected amounts from the billing provider.
package collaborator

import (
	"context"
	"sync"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

// TransferSource lists transfers of a billing period.
type TransferSource interface {
	ListTransfers(ctx context.Context, period string) ([]domain.Transfer, error)
}

// BillingSource lists expected billing records of a scope.
type BillingSource interface {
	ListBillingRecords(ctx context.Context, scope string) ([]domain.BillingRecord, error)
}

// StaticTransfers serves fixed transfers keyed by period.
type StaticTransfers struct {
	mu       sync.RWMutex
	byPeriod map[string][]domain.Transfer
	err      error
}

// NewStaticTransfers creates an empty StaticTransfers.
func NewStaticTransfers() *StaticTransfers {
	return &StaticTransfers{byPeriod: make(map[string][]domain.Transfer)}
}

// Set replaces the transfers of a period.
func (s *StaticTransfers) Set(period string, transfers ...domain.Transfer) *StaticTransfers {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPeriod[period] = append([]domain.Transfer(nil), transfers...)
	return s
}

// Fail makes every call return err. A nil err clears it.
func (s *StaticTransfers) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticTransfers) ListTransfers(ctx context.Context, period string) ([]domain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.Transfer(nil), s.byPeriod[period]...), nil
}

// StaticBilling serves fixed billing records keyed by scope.
type StaticBilling struct {
	mu      sync.RWMutex
	byScope map[string][]domain.BillingRecord
	err     error
}

// NewStaticBilling creates an empty StaticBilling.
func NewStaticBilling() *StaticBilling {
	return &StaticBilling{byScope: make(map[string][]domain.BillingRecord)}
}

// Set replaces the records of a scope.
func (s *StaticBilling) Set(scope string, records ...domain.BillingRecord) *StaticBilling {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byScope[scope] = append([]domain.BillingRecord(nil), records...)
	return s
}

// Fail makes every call return err. A nil err clears it.
func (s *StaticBilling) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticBilling) ListBillingRecords(ctx context.Context, scope string) ([]domain.BillingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.BillingRecord(nil), s.byScope[scope]...), nil
}
