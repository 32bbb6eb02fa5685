package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptwise/internal/receipt"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	rs, err := Parse(defaultRulesYAML)
	require.NoError(t, err)
	return NewEngine(rs, receipt.RoundHalfUp)
}

func line(n int, desc, amount string) receipt.LineItem {
	return receipt.LineItem{
		LineNumber: n, Description: desc,
		Quantity: d("1"), UnitPrice: d(amount), TotalPrice: d(amount),
	}
}

func TestHotelMarketingFeeIsLodgingNotServices(t *testing.T) {
	e := defaultEngine(t)
	// On a hotel folio the vendor-qualified lodging rule outranks the generic
	// marketing keyword rule, so the fee stays 100% deductible travel.
	got := e.Categorize(line(1, "Marketing fee", "12.00"), Context{
		VendorName: "Calgary Marriott Downtown", Province: "AB",
	})
	assert.Equal(t, receipt.TravelLodging, got.Category)
	assert.Equal(t, 100, got.DeductibilityPercent)
	assert.Equal(t, "hotel-lodging", got.RuleID)
	assert.Contains(t, got.Reasoning, "vendor-qualified")
	assert.True(t, got.DeductibleAmount.Equal(d("12.00")))
}

func TestMatchedRuleCarriesAccountHint(t *testing.T) {
	e := defaultEngine(t)
	got := e.Categorize(line(1, "Room charge", "189.00"), Context{
		VendorName: "Calgary Marriott Downtown", Province: "AB",
	})
	assert.Equal(t, "Travel", got.AccountHint)

	got = e.Categorize(line(2, "GST 5%", "9.45"), Context{
		VendorName: "Calgary Marriott Downtown", Province: "AB",
	})
	assert.Equal(t, "GST/HST Paid", got.AccountHint)
}

func TestMarketingFeeFromAgencyIsProfessionalServices(t *testing.T) {
	e := defaultEngine(t)
	got := e.Categorize(line(1, "Marketing fee", "500.00"), Context{
		VendorName: "Northern Ads Inc", Province: "AB",
	})
	assert.Equal(t, receipt.ProfessionalServices, got.Category)
	assert.Equal(t, "marketing-services", got.RuleID)
}

func TestHotelRestaurantChargeIsFiftyPercent(t *testing.T) {
	e := defaultEngine(t)
	got := e.Categorize(line(2, "Restaurant charge", "48.50"), Context{
		VendorName: "Fairmont Banff Springs", Province: "AB",
	})
	assert.Equal(t, receipt.TravelMeals, got.Category)
	assert.Equal(t, 50, got.DeductibilityPercent)
	assert.True(t, got.DeductibleAmount.Equal(d("24.25")))
}

func TestGSTLineOnHotelFolio(t *testing.T) {
	e := defaultEngine(t)
	// Hotel rules require their keywords too, so the tax line falls through
	// to the GST rule rather than being swallowed as lodging.
	got := e.Categorize(line(5, "GST 5%", "9.45"), Context{
		VendorName: "Calgary Marriott Downtown", Province: "AB",
	})
	assert.Equal(t, receipt.TaxGSTHST, got.Category)
	assert.Equal(t, 100, got.DeductibilityPercent)
}

func TestTourismLevy(t *testing.T) {
	e := defaultEngine(t)
	got := e.Categorize(line(4, "Tourism levy 4%", "7.56"), Context{
		VendorName: "Calgary Marriott Downtown", Province: "AB",
	})
	assert.Equal(t, receipt.TravelTaxes, got.Category)
	assert.Equal(t, "tourism-levy", got.RuleID)
}

func TestUnmatchedLineRequiresReview(t *testing.T) {
	e := defaultEngine(t)
	got := e.Categorize(line(1, "Business suit", "899.00"), Context{
		VendorName: "Harrods", Province: "BC",
	})
	assert.Equal(t, receipt.Uncategorized, got.Category)
	assert.Equal(t, 0, got.DeductibilityPercent)
	assert.True(t, got.DeductibleAmount.IsZero())
	assert.Equal(t, 0.0, got.MatchConfidence)
	assert.Equal(t, "no matching rule", got.Reasoning)
	assert.NotNil(t, got.Citations)
}

func TestAmountGateOnCapitalEquipment(t *testing.T) {
	e := defaultEngine(t)
	below := e.Categorize(line(1, "USB monitor cable", "25.00"), Context{VendorName: "Best Buy"})
	assert.NotEqual(t, receipt.CapitalEquipment, below.Category)

	above := e.Categorize(line(1, "27-inch monitor", "650.00"), Context{VendorName: "Best Buy"})
	assert.Equal(t, receipt.CapitalEquipment, above.Category)
}

func TestDeterministicOutput(t *testing.T) {
	e := defaultEngine(t)
	ctx := Context{VendorName: "Calgary Marriott Downtown", Province: "AB"}
	items := []receipt.LineItem{
		line(1, "Room charge", "189.00"),
		line(2, "Restaurant charge", "48.50"),
		line(3, "Marketing fee", "12.00"),
		line(4, "GST 5%", "9.45"),
	}

	decimals := cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
	first := e.CategorizeAll(items, ctx)
	for i := 0; i < 50; i++ {
		again := e.CategorizeAll(items, ctx)
		if diff := cmp.Diff(first, again, decimals); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestConfidenceBoostClamped(t *testing.T) {
	rs, err := Parse([]byte(`
rules:
  - id: boosted
    priority: 10
    keywords: ["widget"]
    category: Office-Supplies
    deductibility_percent: 100
    confidence_boost: 0.9
`))
	require.NoError(t, err)
	e := NewEngine(rs, receipt.RoundHalfUp)
	got := e.Categorize(line(1, "widget", "5.00"), Context{})
	assert.Equal(t, 1.0, got.MatchConfidence)
}

func TestParseRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown category", `
rules:
  - id: bad
    keywords: ["x"]
    category: Snacks
    deductibility_percent: 100
`},
		{"bad percent", `
rules:
  - id: bad
    keywords: ["x"]
    category: Office-Supplies
    deductibility_percent: 33
`},
		{"no conditions", `
rules:
  - id: bad
    category: Office-Supplies
    deductibility_percent: 100
`},
		{"duplicate id", `
rules:
  - id: dup
    keywords: ["x"]
    category: Office-Supplies
    deductibility_percent: 100
  - id: dup
    keywords: ["y"]
    category: Office-Supplies
    deductibility_percent: 100
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	rs, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, rs.Rules)
}

func TestLoadOrDefaultReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: only
    keywords: ["thing"]
    category: Office-Supplies
    deductibility_percent: 100
`), 0o644))
	rs, err := LoadOrDefault(path)
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, "only", rs.Rules[0].ID)
}

func TestSwapIsAtomic(t *testing.T) {
	e := defaultEngine(t)
	before := e.RuleCount()

	rs, err := Parse([]byte(`
rules:
  - id: single
    keywords: ["x"]
    category: Office-Supplies
    deductibility_percent: 100
`))
	require.NoError(t, err)
	e.Swap(rs)
	assert.Equal(t, 1, e.RuleCount())
	assert.NotEqual(t, before, e.RuleCount())
}
