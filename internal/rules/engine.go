package rules

import (
	"fmt"
	"sort"
	"sync/atomic"

	"receiptwise/internal/receipt"
)

// Context is the per-receipt matching context.
type Context struct {
	VendorName   string
	Province     string
	CategoryHint string
}

// Engine categorizes line items against an immutable rule set. Reload swaps
// the whole set atomically: an in-flight categorization sees either the old
// set or the new one, never a mixture.
type Engine struct {
	ruleset  atomic.Pointer[RuleSet]
	rounding receipt.RoundingMode
}

// RuleSet is a validated, load-ordered collection of rules.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// NewEngine creates an engine over the given set.
func NewEngine(rs *RuleSet, rounding receipt.RoundingMode) *Engine {
	e := &Engine{rounding: rounding}
	e.ruleset.Store(rs)
	return e
}

// Swap atomically replaces the rule set.
func (e *Engine) Swap(rs *RuleSet) {
	e.ruleset.Store(rs)
}

// RuleCount reports the size of the active set.
func (e *Engine) RuleCount() int {
	return len(e.ruleset.Load().Rules)
}

// candidate pairs a rule with whether it matched through a vendor pattern.
type candidate struct {
	rule        *Rule
	vendorMatch bool
}

// Categorize emits a ProcessedItem for one line item. No matching rule yields
// Uncategorized-Review-Required at 0% with zero confidence.
func (e *Engine) Categorize(item receipt.LineItem, cctx Context) receipt.ProcessedItem {
	rs := e.ruleset.Load()
	desc := normalizeDescription(item.Description)

	var candidates []candidate
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.allowsProvince(cctx.Province) || !r.allowsAmount(item.TotalPrice) {
			continue
		}
		// Every declared condition must hold: a rule with both vendor
		// patterns and keywords fires only when both match.
		if len(r.Vendors) > 0 && !r.matchesVendor(cctx.VendorName) {
			continue
		}
		if len(r.Keywords) > 0 && !r.matchesKeywords(desc) {
			continue
		}
		candidates = append(candidates, candidate{rule: r, vendorMatch: len(r.Vendors) > 0})
	}

	if len(candidates) == 0 {
		return receipt.ProcessedItem{
			LineNumber:           item.LineNumber,
			Description:          item.Description,
			Category:             receipt.Uncategorized,
			DeductibilityPercent: 0,
			OriginalAmount:       e.rounding.Round(item.TotalPrice),
			DeductibleAmount:     receipt.Deductible(item.TotalPrice, 0, e.rounding),
			Reasoning:            "no matching rule",
			Citations:            []string{},
			MatchConfidence:      0,
		}
	}

	// Vendor-qualified beats non-qualified, then priority descending, then
	// rule id ascending as the deterministic tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.vendorMatch != b.vendorMatch {
			return a.vendorMatch
		}
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		return a.rule.ID < b.rule.ID
	})

	top := candidates[0]
	confidence := BaseConfidence + top.rule.ConfidenceBoost
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	reason := fmt.Sprintf("matched rule %s", top.rule.ID)
	if top.vendorMatch {
		reason += " (vendor-qualified)"
	}

	return receipt.ProcessedItem{
		LineNumber:           item.LineNumber,
		Description:          item.Description,
		Category:             top.rule.Category,
		DeductibilityPercent: top.rule.DeductibilityPercent,
		OriginalAmount:       e.rounding.Round(item.TotalPrice),
		DeductibleAmount:     receipt.Deductible(item.TotalPrice, top.rule.DeductibilityPercent, e.rounding),
		Reasoning:            reason,
		Citations:            []string{},
		RuleID:               top.rule.ID,
		AccountHint:          top.rule.AccountHint,
		MatchConfidence:      confidence,
	}
}

// CategorizeAll maps every line item through Categorize.
func (e *Engine) CategorizeAll(items []receipt.LineItem, cctx Context) []receipt.ProcessedItem {
	out := make([]receipt.ProcessedItem, 0, len(items))
	for _, item := range items {
		out = append(out, e.Categorize(item, cctx))
	}
	return out
}
