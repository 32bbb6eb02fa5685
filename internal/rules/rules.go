// Package rules implements the deterministic categorization pathway:
// vendor-aware priority rules with byte-for-byte reproducible output for a
// given rule file and input.
package rules

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/shopspring/decimal"

	"receiptwise/internal/receipt"
)

// BaseConfidence is the match confidence before a rule's boost is applied.
const BaseConfidence = 0.7

// Rule is one configured categorization rule. Vendor-qualified rules sort
// strictly above pure keyword rules of equal priority.
type Rule struct {
	ID       string `yaml:"id"`
	Priority int    `yaml:"priority"`

	// Condition set. Vendors are glob patterns matched case-insensitively
	// against the vendor name; keywords are substring-matched against the
	// normalized description.
	Keywords  []string `yaml:"keywords,omitempty"`
	Vendors   []string `yaml:"vendors,omitempty"`
	Provinces []string `yaml:"provinces,omitempty"`

	AmountMin *float64 `yaml:"amount_min,omitempty"`
	AmountMax *float64 `yaml:"amount_max,omitempty"`

	// Action.
	Category             receipt.Category `yaml:"category"`
	DeductibilityPercent int              `yaml:"deductibility_percent"`
	AccountHint          string           `yaml:"account_hint,omitempty"`
	ConfidenceBoost      float64          `yaml:"confidence_boost,omitempty"`

	vendorGlobs []glob.Glob
}

// validate checks the closed enumerations at load time.
func (r *Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule with empty id")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("rule %s: unknown category %q", r.ID, r.Category)
	}
	switch r.DeductibilityPercent {
	case 0, 50, 100:
	default:
		return fmt.Errorf("rule %s: deductibility %d not in {0,50,100}", r.ID, r.DeductibilityPercent)
	}
	if len(r.Keywords) == 0 && len(r.Vendors) == 0 {
		return fmt.Errorf("rule %s: no keywords and no vendor patterns", r.ID)
	}
	for _, pattern := range r.Vendors {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return fmt.Errorf("rule %s: vendor pattern %q: %w", r.ID, pattern, err)
		}
		r.vendorGlobs = append(r.vendorGlobs, g)
	}
	return nil
}

// matchesVendor reports whether any vendor pattern matches.
func (r *Rule) matchesVendor(vendor string) bool {
	v := strings.ToLower(strings.TrimSpace(vendor))
	for _, g := range r.vendorGlobs {
		if g.Match(v) {
			return true
		}
	}
	return false
}

// matchesKeywords reports whether any keyword occurs in the normalized
// description.
func (r *Rule) matchesKeywords(normalizedDesc string) bool {
	for _, kw := range r.Keywords {
		if strings.Contains(normalizedDesc, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// allowsProvince applies the optional province whitelist.
func (r *Rule) allowsProvince(province string) bool {
	if len(r.Provinces) == 0 {
		return true
	}
	for _, p := range r.Provinces {
		if strings.EqualFold(p, province) {
			return true
		}
	}
	return false
}

// allowsAmount applies the optional amount range.
func (r *Rule) allowsAmount(amount decimal.Decimal) bool {
	f, _ := amount.Float64()
	if r.AmountMin != nil && f < *r.AmountMin {
		return false
	}
	if r.AmountMax != nil && f > *r.AmountMax {
		return false
	}
	return true
}

// normalizeDescription case-folds and collapses whitespace.
func normalizeDescription(desc string) string {
	return strings.Join(strings.Fields(strings.ToLower(desc)), " ")
}
