package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"receiptwise/internal/audit"
	"receiptwise/internal/knowledge"
	"receiptwise/internal/receipt"
)

// =============================================================================
// CRA RULES AGENT
// =============================================================================

// CRARulesAgent categorizes extracted line items under CRA deduction rules.
// The model chooses category and percentage from a closed set; everything
// money-related (deductible amounts, totals) is computed deterministically in
// Go, and citations are injected from retrieval, never trusted from the model.
type CRARulesAgent struct {
	llm      LLMClient
	model    string
	searcher knowledge.Searcher
	rounding receipt.RoundingMode
	timeout  time.Duration
	auditor  *audit.Logger
	logger   *zap.Logger
}

func NewCRARulesAgent(llm LLMClient, model string, searcher knowledge.Searcher, rounding receipt.RoundingMode, timeout time.Duration, auditor *audit.Logger, logger *zap.Logger) *CRARulesAgent {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CRARulesAgent{
		llm: llm, model: model, searcher: searcher,
		rounding: rounding, timeout: timeout,
		auditor: auditor, logger: logger,
	}
}

// lineDecision is the per-line verdict the model returns.
type lineDecision struct {
	LineNumber           int    `json:"line_number"`
	Category             string `json:"category"`
	DeductibilityPercent int    `json:"deductibility_percent"`
	Reasoning            string `json:"reasoning"`
}

const synthGSTDescription = "GST/HST (receipt tax line)"
const synthTipDescription = "Gratuity (receipt tip line)"

// Run categorizes every line of the receipt, including synthesized GST and
// tip lines for amounts the vendor printed as totals rather than items.
func (a *CRARulesAgent) Run(ctx context.Context, correlationID string, rcpt *receipt.Receipt) ([]receipt.ProcessedItem, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	lines := SynthesizeLines(rcpt)

	// Retrieve supporting passages per line up front; they serve both the
	// prompt and the deterministic citation injection afterwards.
	passages := make(map[int][]receipt.RAGResult, len(lines))
	for _, li := range lines {
		results, err := a.retrieve(ctx, correlationID, li.Description)
		if err != nil {
			a.logger.Warn("retrieval failed, continuing without passages",
				zap.Int("line", li.LineNumber), zap.Error(err))
			continue
		}
		passages[li.LineNumber] = results
	}

	prompt := a.buildPrompt(rcpt, lines, passages)

	a.emit(correlationID, audit.EventLLMRequest, true, map[string]any{
		"stage": "cra_rules", "model": a.model, "line_count": len(lines),
	})
	start := time.Now()
	raw, err := callWithRetry(ctx, a.logger, func() (string, error) {
		return a.llm.GenerateText(ctx, a.model, prompt)
	})
	if err != nil {
		a.emit(correlationID, audit.EventLLMResponse, false, map[string]any{
			"stage": "cra_rules", "error": err.Error(),
		})
		return nil, 0, err
	}
	a.emitTimed(correlationID, audit.EventLLMResponse, time.Since(start), map[string]any{
		"stage": "cra_rules", "response_bytes": len(raw),
	})

	var decisions []lineDecision
	clean, perr := decodeModelJSON(raw, &decisions)
	confidence := 1.0
	if perr != nil {
		raw, err = a.llm.GenerateText(ctx, a.model, prompt+"\n\n"+reformatPrompt)
		if err != nil {
			return nil, 0, err
		}
		if _, perr = decodeModelJSON(raw, &decisions); perr != nil {
			return nil, 0, fmt.Errorf("categorization output unparseable after re-prompt: %v: %w",
				perr, receipt.ErrExtractionFailed)
		}
		confidence = 0.7
	} else if !clean {
		confidence = 0.7
	}

	items, demerits := a.assemble(lines, decisions, passages)
	if demerits > 0 {
		confidence = 0.7
	}
	return items, confidence, nil
}

// SynthesizeLines appends GST and tip lines when the receipt carries those
// amounts only as summary fields. Deduction treatment differs per line, so
// they must be categorized individually. Both categorization pathways share
// this step.
func SynthesizeLines(rcpt *receipt.Receipt) []receipt.LineItem {
	lines := make([]receipt.LineItem, len(rcpt.LineItems))
	copy(lines, rcpt.LineItems)

	next := 0
	covered := func(substr ...string) bool {
		for _, li := range rcpt.LineItems {
			d := strings.ToLower(li.Description)
			for _, s := range substr {
				if strings.Contains(d, s) {
					return true
				}
			}
		}
		return false
	}
	for _, li := range lines {
		if li.LineNumber > next {
			next = li.LineNumber
		}
	}

	one := decimal.NewFromInt(1)
	if rcpt.TaxAmount.IsPositive() && !covered("gst", "hst", "tax") {
		next++
		lines = append(lines, receipt.LineItem{
			LineNumber:  next,
			Description: synthGSTDescription,
			Quantity:    one,
			UnitPrice:   rcpt.TaxAmount,
			TotalPrice:  rcpt.TaxAmount,
		})
	}
	if rcpt.TipAmount.IsPositive() && !covered("tip", "gratuity") {
		next++
		lines = append(lines, receipt.LineItem{
			LineNumber:  next,
			Description: synthTipDescription,
			Quantity:    one,
			UnitPrice:   rcpt.TipAmount,
			TotalPrice:  rcpt.TipAmount,
		})
	}
	return lines
}

// expenseHints biases retrieval toward the right corpus topic per line.
var expenseHints = []struct {
	keywords []string
	hint     string
}{
	{[]string{"room", "hotel", "lodging", "accommodation", "night", "suite"}, "travel lodging hotel"},
	{[]string{"restaurant", "meal", "breakfast", "lunch", "dinner", "food", "beverage", "bar", "coffee"}, "meals entertainment"},
	{[]string{"gst", "hst", "tax"}, "gst hst input tax credit"},
	{[]string{"tip", "gratuity", "service charge"}, "tip gratuity meals"},
	{[]string{"levy", "tourism", "destination"}, "tourism levy accommodation"},
	{[]string{"fuel", "gas", "gasoline", "diesel", "petrol"}, "fuel vehicle motor"},
	{[]string{"marketing", "advertis", "consult", "legal", "accounting", "design"}, "professional services fees"},
	{[]string{"paper", "pen", "stationery", "toner", "ink", "supplies"}, "office supplies"},
	{[]string{"laptop", "monitor", "printer", "equipment", "furniture", "desk", "chair"}, "capital equipment depreciable"},
}

func hintFor(description string) string {
	d := strings.ToLower(description)
	for _, h := range expenseHints {
		for _, kw := range h.keywords {
			if strings.Contains(d, kw) {
				return h.hint
			}
		}
	}
	return ""
}

const retrievalTopK = 3

func (a *CRARulesAgent) retrieve(ctx context.Context, correlationID, description string) ([]receipt.RAGResult, error) {
	if a.searcher == nil {
		return nil, nil
	}
	results, err := a.searcher.Search(ctx, description, hintFor(description), retrievalTopK)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.CitationID
	}
	a.emit(correlationID, audit.EventRetrieval, true, map[string]any{
		"query": description, "citations": ids,
	})
	return results, nil
}

func (a *CRARulesAgent) buildPrompt(rcpt *receipt.Receipt, lines []receipt.LineItem, passages map[int][]receipt.RAGResult) string {
	var b strings.Builder
	b.WriteString(`You are a Canadian tax expense categorizer. Assign each receipt line item
exactly one category from this closed list, with its CRA deductibility
percentage between 0 and 100 (typically 0, 50 or 100; use an intermediate
value only for documented partial business use):

`)
	for _, c := range receipt.AllCategories {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString(`
Guidance:
- Meals, beverages and gratuities are 50% deductible (ITA s.67.1).
- Business travel lodging and its taxes/levies are 100% deductible.
- GST/HST paid by a registrant is recovered as an input tax credit: Tax-GST/HST, 100.
- Personal or ambiguous items get Uncategorized-Review-Required with 0.
- Items of 500.00 or more that are durable equipment are Capital-Equipment.

`)
	fmt.Fprintf(&b, "Receipt: vendor %q, date %s, currency %s, total %s.\n\nLine items:\n",
		rcpt.VendorName, rcpt.TransactionDate, rcpt.Currency, rcpt.TotalAmount.StringFixed(2))
	for _, li := range lines {
		fmt.Fprintf(&b, "%d. %s - %s\n", li.LineNumber, li.Description, li.TotalPrice.StringFixed(2))
		for _, p := range passages[li.LineNumber] {
			fmt.Fprintf(&b, "   reference [%s]: %s\n", p.CitationID, truncate(p.Excerpt, 200))
		}
	}
	b.WriteString(`
Return ONLY a JSON array, one element per line item, no prose and no markdown:
[{"line_number": 1, "category": "...", "deductibility_percent": 50, "reasoning": "one sentence"}]`)
	return b.String()
}

// assemble converts model decisions into final processed items. Illegal
// categories and percentages are replaced rather than trusted, missing lines
// default to review, and citations come from retrieval alone. demerits counts
// the replacements; any replacement drops stage confidence to 0.7.
func (a *CRARulesAgent) assemble(lines []receipt.LineItem, decisions []lineDecision, passages map[int][]receipt.RAGResult) (items []receipt.ProcessedItem, demerits int) {
	byLine := make(map[int]lineDecision, len(decisions))
	for _, d := range decisions {
		byLine[d.LineNumber] = d
	}

	items = make([]receipt.ProcessedItem, 0, len(lines))
	for _, li := range lines {
		item := receipt.ProcessedItem{
			LineNumber:     li.LineNumber,
			Description:    li.Description,
			OriginalAmount: a.rounding.Round(li.TotalPrice),
			Citations:      []string{},
		}

		d, ok := byLine[li.LineNumber]
		switch {
		case !ok:
			item.Category = receipt.Uncategorized
			item.DeductibilityPercent = 0
			item.Reasoning = "model returned no decision for this line; flagged for review"
			demerits++
		case !receipt.Category(d.Category).Valid():
			item.Category = receipt.Uncategorized
			item.DeductibilityPercent = 0
			item.Reasoning = fmt.Sprintf("model proposed unknown category %q; flagged for review", d.Category)
			demerits++
		default:
			item.Category = receipt.Category(d.Category)
			item.DeductibilityPercent = d.DeductibilityPercent
			item.Reasoning = d.Reasoning
			if item.DeductibilityPercent < 0 || item.DeductibilityPercent > 100 {
				item.DeductibilityPercent = 0
				item.Category = receipt.Uncategorized
				item.Reasoning = fmt.Sprintf("model proposed invalid percentage %d; flagged for review", d.DeductibilityPercent)
				demerits++
			}
		}

		if item.Category.TaxRelevant() {
			for _, p := range passages[li.LineNumber] {
				item.Citations = append(item.Citations, p.CitationID)
			}
		}
		item.DeductibleAmount = receipt.Deductible(item.OriginalAmount, item.DeductibilityPercent, a.rounding)
		items = append(items, item)
	}
	return items, demerits
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (a *CRARulesAgent) emit(cid string, kind audit.EventKind, ok bool, payload map[string]any) {
	if a.auditor != nil {
		a.auditor.Emit(cid, kind, ok, payload)
	}
}

func (a *CRARulesAgent) emitTimed(cid string, kind audit.EventKind, d time.Duration, payload map[string]any) {
	if a.auditor != nil {
		a.auditor.EmitTimed(cid, kind, true, d, payload)
	}
}
