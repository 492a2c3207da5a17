package finance

import (
	"fmt"
	"sort"
)

// Rate converts one metered quantity (input tokens, cpu seconds, bytes) into
// a debit against a stock resource.
type Rate struct {
	Resource string `json:"resource" yaml:"resource"`
	PerUnit  Amount `json:"per_unit" yaml:"per_unit"`
}

// CostModel maps metered quantity names to conversion rates.
// The rates are configuration; the ledger only applies them.
type CostModel map[string]Rate

// Charge is a single resource debit produced by a CostModel.
type Charge struct {
	Resource string `json:"resource"`
	Amount   Amount `json:"amount"`
}

// Price converts usage into per-resource charges. Quantities without a rate
// are free. Charges are aggregated per resource and returned in resource order.
func (m CostModel) Price(usage map[string]Amount) ([]Charge, error) {
	totals := make(map[string]Amount)
	for quantity, units := range usage {
		rate, ok := m[quantity]
		if !ok || units.IsZero() {
			continue
		}
		if units.IsNegative() {
			return nil, fmt.Errorf("finance: negative usage for %s", quantity)
		}
		c, err := units.Mul(rate.PerUnit)
		if err != nil {
			return nil, fmt.Errorf("finance: pricing %s: %w", quantity, err)
		}
		sum, err := totals[rate.Resource].Add(c)
		if err != nil {
			return nil, fmt.Errorf("finance: pricing %s: %w", quantity, err)
		}
		totals[rate.Resource] = sum
	}

	charges := make([]Charge, 0, len(totals))
	for res, amt := range totals {
		if amt.IsZero() {
			continue
		}
		charges = append(charges, Charge{Resource: res, Amount: amt})
	}
	sort.Slice(charges, func(i, j int) bool { return charges[i].Resource < charges[j].Resource })
	return charges, nil
}

// Covers reports whether the model has a rate for the quantity.
func (m CostModel) Covers(quantity string) bool {
	_, ok := m[quantity]
	return ok
}
