package receipt

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// oneCent is the tolerance for monetary invariants.
var oneCent = decimal.New(1, -2)

// Validate checks the receipt's invariants and returns human-readable
// warnings. Violations are warnings, not failures: a receipt with warnings is
// still processed, but the final record is flagged for review.
func (r *Receipt) Validate() []string {
	var warnings []string

	if r.VendorName == "" {
		warnings = append(warnings, "vendor name is empty")
	}
	if r.Date().IsZero() {
		warnings = append(warnings, fmt.Sprintf("transaction date %q is not a valid YYYY-MM-DD date", r.TransactionDate))
	}
	if len(r.Currency) != 3 {
		warnings = append(warnings, fmt.Sprintf("currency %q is not a 3-letter code", r.Currency))
	}
	if r.TotalAmount.IsNegative() {
		warnings = append(warnings, "total amount is negative")
	}

	// total >= subtotal + tax + tip - 1 cent
	expected := r.Subtotal.Add(r.TaxAmount).Add(r.TipAmount)
	if r.TotalAmount.LessThan(expected.Sub(oneCent)) {
		warnings = append(warnings, fmt.Sprintf(
			"total %s is less than subtotal+tax+tip %s", r.TotalAmount, expected))
	}

	warnings = append(warnings, r.validateLineItems()...)
	return warnings
}

func (r *Receipt) validateLineItems() []string {
	var warnings []string
	seen := make(map[int]bool, len(r.LineItems))
	for i, item := range r.LineItems {
		if item.Description == "" {
			warnings = append(warnings, fmt.Sprintf("line %d has an empty description", item.LineNumber))
		}
		if item.LineNumber != i+1 {
			warnings = append(warnings, fmt.Sprintf(
				"line numbers are not gap-free: position %d carries line number %d", i+1, item.LineNumber))
		}
		if seen[item.LineNumber] {
			warnings = append(warnings, fmt.Sprintf("duplicate line number %d", item.LineNumber))
		}
		seen[item.LineNumber] = true

		qty := item.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		if !item.UnitPrice.IsZero() {
			diff := item.TotalPrice.Sub(qty.Mul(item.UnitPrice)).Abs()
			if diff.GreaterThan(oneCent) {
				warnings = append(warnings, fmt.Sprintf(
					"line %d: total %s differs from quantity x unit price by %s",
					item.LineNumber, item.TotalPrice, diff))
			}
		}
	}
	return warnings
}

// Normalize fills defaults the vision model commonly omits: CAD currency and
// unit quantity.
func (r *Receipt) Normalize() {
	if r.Currency == "" {
		r.Currency = "CAD"
	}
	for i := range r.LineItems {
		if r.LineItems[i].Quantity.IsZero() {
			r.LineItems[i].Quantity = decimal.NewFromInt(1)
		}
	}
}

// ItemByLine returns the line item with the given 1-based line number.
func (r *Receipt) ItemByLine(n int) (LineItem, bool) {
	for _, item := range r.LineItems {
		if item.LineNumber == n {
			return item, true
		}
	}
	return LineItem{}, false
}
