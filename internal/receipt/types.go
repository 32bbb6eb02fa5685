// Package receipt defines the core data model shared by every stage of the
// processing pipeline: extracted receipts, categorized line items, and the
// closed category set used for CRA deduction rules.
package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts serialize as JSON numbers, matching the LLM wire format.
	decimal.MarshalJSONWithoutQuotes = true
}

// Category is a member of the closed expense category set.
type Category string

const (
	TravelLodging        Category = "Travel-Lodging"
	TravelMeals          Category = "Travel-Meals"
	TravelTaxes          Category = "Travel-Taxes"
	OfficeSupplies       Category = "Office-Supplies"
	FuelVehicle          Category = "Fuel-Vehicle"
	CapitalEquipment     Category = "Capital-Equipment"
	TaxGSTHST            Category = "Tax-GST/HST"
	ProfessionalServices Category = "Professional-Services"
	MealsEntertainment   Category = "Meals & Entertainment"
	Uncategorized        Category = "Uncategorized-Review-Required"
)

// AllCategories is the closed set, in display order.
var AllCategories = []Category{
	TravelLodging,
	TravelMeals,
	TravelTaxes,
	OfficeSupplies,
	FuelVehicle,
	CapitalEquipment,
	TaxGSTHST,
	ProfessionalServices,
	MealsEntertainment,
	Uncategorized,
}

var categorySet = func() map[Category]bool {
	m := make(map[Category]bool, len(AllCategories))
	for _, c := range AllCategories {
		m[c] = true
	}
	return m
}()

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	return categorySet[c]
}

// taxRelevant lists the categories that always carry retrieval citations.
// Uncategorized is included for audit transparency.
var taxRelevant = map[Category]bool{
	TravelLodging:        true,
	TravelMeals:          true,
	TravelTaxes:          true,
	MealsEntertainment:   true,
	OfficeSupplies:       true,
	ProfessionalServices: true,
	FuelVehicle:          true,
	TaxGSTHST:            true,
	Uncategorized:        true,
}

// TaxRelevant reports whether items in this category receive injected
// citations from the retrieval step.
func (c Category) TaxRelevant() bool {
	return taxRelevant[c]
}

// LineItem is one chargeable entry on a receipt.
type LineItem struct {
	LineNumber  int             `json:"line_number"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// Receipt is the structured result of vision extraction: one invoice artifact
// from one vendor covering one transaction date.
type Receipt struct {
	VendorName      string          `json:"vendor_name"`
	TransactionDate string          `json:"transaction_date"` // YYYY-MM-DD
	Currency        string          `json:"currency"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	TipAmount       decimal.Decimal `json:"tip_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	LineItems       []LineItem      `json:"line_items"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
}

// Date parses the transaction date. A zero time is returned when the field is
// absent or malformed; callers treat that as a validation warning.
func (r *Receipt) Date() time.Time {
	t, err := time.Parse("2006-01-02", r.TransactionDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ProcessedItem is a categorized line item. Created once by a categorization
// stage and never mutated afterwards.
type ProcessedItem struct {
	LineNumber           int             `json:"line_number"`
	Description          string          `json:"description"`
	Category             Category        `json:"category"`
	DeductibilityPercent int             `json:"deductibility_percent"`
	OriginalAmount       decimal.Decimal `json:"original_amount"`
	DeductibleAmount     decimal.Decimal `json:"deductible_amount"`
	Reasoning            string          `json:"reasoning"`
	Citations            []string        `json:"citations"`
	RuleID               string          `json:"rule_id,omitempty"`
	AccountHint          string          `json:"account_hint,omitempty"`
	MatchConfidence      float64         `json:"match_confidence,omitempty"`
}

// CategorizedReceipt is the final pipeline output: the extracted receipt, its
// processed items, aggregate totals, and per-stage confidence scores.
type CategorizedReceipt struct {
	Receipt           Receipt            `json:"receipt"`
	Items             []ProcessedItem    `json:"processed_items"`
	TotalOriginal     decimal.Decimal    `json:"total_original"`
	TotalDeductible   decimal.Decimal    `json:"total_deductible"`
	DeductibilityRate float64            `json:"deductibility_rate"`
	StageConfidence   map[string]float64 `json:"stage_confidence"`
	OverallConfidence float64            `json:"overall_confidence"`
	FlagsForReview    []string           `json:"flags_for_review"`
	CorrelationID     string             `json:"correlation_id"`
}

// RAGResult is one ranked passage from the retrieval corpus.
type RAGResult struct {
	CitationID string `json:"citation_id"`
	SourceURL  string `json:"source_url"`
	Excerpt    string `json:"content_excerpt"`
}

// CanonicalImage is the normalized raster produced by the file processor,
// always decodable and suitable as vision-model input.
type CanonicalImage struct {
	Bytes      []byte
	Width      int
	Height     int
	SourceKind string // "jpeg", "png", "gif", "bmp", "webp", "pdf"
	MIMEType   string // MIME of Bytes after normalization, e.g. "image/png"
}
