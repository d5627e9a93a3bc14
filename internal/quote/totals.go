package quote

import "github.com/shopspring/decimal"

// MinorUnits is the currency precision quotes are priced in.
const MinorUnits = 2

// ComputeTotal sums quantity × price across items. Empty input yields zero.
func ComputeTotal(items []QuoteItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total.Round(MinorUnits)
}

// TotalConsistent reports whether the stored total matches the items.
func TotalConsistent(q *QuoteDetail) bool {
	if q == nil {
		return false
	}
	return q.TotalAmount.Equal(ComputeTotal(q.Items))
}

func validQuantity(q int) bool {
	return q > 0
}

func validPrice(p decimal.Decimal) bool {
	return !p.IsNegative() && p.Equal(p.Round(MinorUnits))
}
