package reconciliation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

const periodLayout = "2006-01"

// Outcome is the result of matching one period.
type Outcome struct {
	Summary       domain.JobSummary
	Discrepancies []*domain.Discrepancy
}

// Matcher pairs transfers with billing records.
type Matcher struct {
	// Tolerance is the largest absolute amount difference still counted
	// as matched.
	Tolerance decimal.Decimal
	// FlagCurrency adds a note to mismatches caused by differing currencies.
	FlagCurrency bool
}

// Match pairs transfers and records of period. Records are paired by
// correlation id first, then by customer and period. Transfers that never
// settled are ignored, and records of other periods are skipped.
func (m Matcher) Match(period string, transfers []domain.Transfer, records []domain.BillingRecord) Outcome {
	out := Outcome{Discrepancies: make([]*domain.Discrepancy, 0)}
	out.Summary.TransfersSeen = len(transfers)

	settled := make([]domain.Transfer, 0, len(transfers))
	for _, t := range transfers {
		if t.Settled() {
			settled = append(settled, t)
		}
	}
	sort.SliceStable(settled, func(i, j int) bool {
		if !settled[i].Created.Equal(settled[j].Created) {
			return settled[i].Created.Before(settled[j].Created)
		}
		return settled[i].ID < settled[j].ID
	})

	inPeriod := make([]domain.BillingRecord, 0, len(records))
	for _, r := range records {
		if period != "" && r.Period != "" && r.Period != period {
			continue
		}
		inPeriod = append(inPeriod, r)
	}
	out.Summary.RecordsSeen = len(inPeriod)

	byCorrelation := make(map[string][]int)
	byCustomer := make(map[string][]int)
	for i, t := range settled {
		if t.CorrelationID != "" {
			byCorrelation[t.CorrelationID] = append(byCorrelation[t.CorrelationID], i)
		}
		if t.CustomerID != "" {
			key := customerKey(t.CustomerID, orDefault(t.Period, period))
			byCustomer[key] = append(byCustomer[key], i)
		}
	}

	consumed := make([]bool, len(settled))
	take := func(candidates []int) []int {
		var got []int
		for _, i := range candidates {
			if !consumed[i] {
				consumed[i] = true
				got = append(got, i)
			}
		}
		return got
	}

	assigned := make([][]int, len(inPeriod))
	keys := make([]string, len(inPeriod))
	for i, r := range inPeriod {
		if r.CorrelationID == "" {
			continue
		}
		keys[i] = r.CorrelationID
		assigned[i] = take(byCorrelation[r.CorrelationID])
	}
	for i, r := range inPeriod {
		if len(assigned[i]) > 0 || r.CustomerID == "" {
			continue
		}
		key := customerKey(r.CustomerID, orDefault(r.Period, period))
		if got := take(byCustomer[key]); len(got) > 0 {
			assigned[i] = got
			keys[i] = key
		} else if keys[i] == "" {
			keys[i] = key
		}
	}

	for i, r := range inPeriod {
		pairs := assigned[i]
		if len(pairs) == 0 {
			expected := r.Amount
			out.add(&domain.Discrepancy{
				BillingRecordID: r.ID,
				Kind:            domain.DiscrepancyMissingExternal,
				ExpectedAmount:  &expected,
				Currency:        r.Currency,
				CorrelationKey:  keys[i],
			})
			continue
		}

		first := settled[pairs[0]]
		if d := m.compare(r, first, keys[i]); d != nil {
			out.add(d)
		} else {
			out.Summary.Matched++
		}
		for _, extra := range pairs[1:] {
			t := settled[extra]
			expected, actual := r.Amount, t.Amount
			out.add(&domain.Discrepancy{
				TransferID:      t.ID,
				BillingRecordID: r.ID,
				Kind:            domain.DiscrepancyDuplicate,
				ExpectedAmount:  &expected,
				ActualAmount:    &actual,
				Currency:        t.Currency,
				CorrelationKey:  keys[i],
				Note:            fmt.Sprintf("additional transfer for billing record %s", r.ID),
			})
		}
	}

	for i, t := range settled {
		if consumed[i] {
			continue
		}
		actual := t.Amount
		key := t.CorrelationID
		if key == "" && t.CustomerID != "" {
			key = customerKey(t.CustomerID, orDefault(t.Period, period))
		}
		out.add(&domain.Discrepancy{
			TransferID:     t.ID,
			Kind:           domain.DiscrepancyMissingInternal,
			ActualAmount:   &actual,
			Currency:       t.Currency,
			CorrelationKey: key,
		})
	}
	return out
}

// compare returns nil when the pair matches within tolerance.
func (m Matcher) compare(r domain.BillingRecord, t domain.Transfer, key string) *domain.Discrepancy {
	currencyDiffers := r.Currency != "" && t.Currency != "" && r.Currency != t.Currency
	if !currencyDiffers && r.Amount.Sub(t.Amount).Abs().LessThanOrEqual(m.Tolerance) {
		return nil
	}
	expected, actual := r.Amount, t.Amount
	d := &domain.Discrepancy{
		TransferID:      t.ID,
		BillingRecordID: r.ID,
		Kind:            domain.DiscrepancyAmountMismatch,
		ExpectedAmount:  &expected,
		ActualAmount:    &actual,
		Currency:        r.Currency,
		CorrelationKey:  key,
	}
	if currencyDiffers && m.FlagCurrency {
		d.Note = fmt.Sprintf("currency mismatch: expected %s, got %s", r.Currency, t.Currency)
	}
	return d
}

func (o *Outcome) add(d *domain.Discrepancy) {
	d.ID = uuid.Must(uuid.NewV7()).String()
	o.Discrepancies = append(o.Discrepancies, d)
	o.Summary.Add(d.Kind)
}

// annotateAdjacent notes missing_external findings whose customer has a
// settled transfer in the adjacent period.
func annotateAdjacent(out *Outcome, records []domain.BillingRecord, adjacent []domain.Transfer, adjacentPeriod string) {
	paid := make(map[string]bool)
	for _, t := range adjacent {
		if t.Settled() && t.CustomerID != "" {
			paid[t.CustomerID] = true
		}
	}
	customers := make(map[string]string, len(records))
	for _, r := range records {
		customers[r.ID] = r.CustomerID
	}
	for _, d := range out.Discrepancies {
		if d.Kind != domain.DiscrepancyMissingExternal || d.Note != "" {
			continue
		}
		if c := customers[d.BillingRecordID]; c != "" && paid[c] {
			d.Note = "paid in adjacent period " + adjacentPeriod
		}
	}
}

func customerKey(customerID, period string) string {
	return customerID + "/" + period
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// PeriodOf formats t as a billing period (YYYY-MM, UTC).
func PeriodOf(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// ValidPeriod reports whether p is a YYYY-MM billing period.
func ValidPeriod(p string) bool {
	_, err := time.Parse(periodLayout, p)
	return err == nil
}

// PreviousPeriod returns the billing period before p.
func PreviousPeriod(p string) (string, error) {
	t, err := time.Parse(periodLayout, p)
	if err != nil {
		return "", fmt.Errorf("invalid billing period %q: %w", p, err)
	}
	return t.AddDate(0, -1, 0).Format(periodLayout), nil
}
