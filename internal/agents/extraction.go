package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"receiptwise/internal/audit"
	"receiptwise/internal/receipt"
)

// =============================================================================
// EXTRACTION AGENT
// =============================================================================

// ExtractionAgent turns a canonical receipt image into a structured Receipt
// via one vision-model call, with a single reformat re-prompt on unparseable
// output.
type ExtractionAgent struct {
	llm     LLMClient
	model   string
	timeout time.Duration
	auditor *audit.Logger
	logger  *zap.Logger
}

// NewExtractionAgent wires the stage. auditor may be nil in tests.
func NewExtractionAgent(llm LLMClient, model string, timeout time.Duration, auditor *audit.Logger, logger *zap.Logger) *ExtractionAgent {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractionAgent{llm: llm, model: model, timeout: timeout, auditor: auditor, logger: logger}
}

const extractionPromptHeader = `You are a receipt data extraction system. Extract every field from the
receipt image into this exact JSON structure and return ONLY the JSON object,
no prose and no markdown:

{
  "vendor_name": "string",
  "transaction_date": "YYYY-MM-DD",
  "currency": "ISO 4217 code, e.g. CAD",
  "subtotal": 0.00,
  "tax_amount": 0.00,
  "tip_amount": 0.00,
  "total_amount": 0.00,
  "payment_method": "string or empty",
  "line_items": [
    {"line_number": 1, "description": "string", "quantity": 1, "unit_price": 0.00, "total_price": 0.00}
  ]
}

Rules:
- line_number starts at 1 and increments by 1 in receipt order.
- Amounts are plain numbers with up to 2 decimals, never strings.
- Use 0 for amounts genuinely absent from the receipt (e.g. no tip line).
- Do not invent line items; extract only what is printed.
- If the currency is not printed, infer it from the vendor locale; default CAD.`

const reformatPrompt = `Your previous answer was not valid JSON. Return ONLY the JSON object in the
exact structure previously specified. No markdown fences, no commentary.`

// Run extracts a receipt from the image. The returned confidence is 1.0 for a
// clean first-attempt parse, 0.7 when repair or a re-prompt was needed.
func (a *ExtractionAgent) Run(ctx context.Context, correlationID string, img *receipt.CanonicalImage, extraContext string) (*receipt.Receipt, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := extractionPromptHeader
	if extraContext != "" {
		prompt += "\n\nAdditional context from the user:\n" + extraContext
	}

	a.emit(correlationID, audit.EventLLMRequest, true, map[string]any{
		"stage": "extraction", "model": a.model, "image_bytes": len(img.Bytes),
	})

	start := time.Now()
	raw, err := callWithRetry(ctx, a.logger, func() (string, error) {
		return a.llm.GenerateVision(ctx, a.model, prompt, img.Bytes, img.MIMEType)
	})
	if err != nil {
		a.emit(correlationID, audit.EventLLMResponse, false, map[string]any{
			"stage": "extraction", "error": err.Error(),
		})
		return nil, 0, err
	}
	a.emitTimed(correlationID, audit.EventLLMResponse, time.Since(start), map[string]any{
		"stage": "extraction", "response_bytes": len(raw),
	})

	var rcpt receipt.Receipt
	clean, perr := decodeModelJSON(raw, &rcpt)
	confidence := 1.0
	if perr != nil {
		// One reformat attempt before giving up.
		raw, err = a.llm.GenerateVision(ctx, a.model,
			prompt+"\n\n"+reformatPrompt, img.Bytes, img.MIMEType)
		if err != nil {
			return nil, 0, err
		}
		if _, perr = decodeModelJSON(raw, &rcpt); perr != nil {
			return nil, 0, fmt.Errorf("model output unparseable after re-prompt: %v: %w",
				perr, receipt.ErrExtractionFailed)
		}
		confidence = 0.7
	} else if !clean {
		confidence = 0.7
	}

	if strings.TrimSpace(rcpt.VendorName) == "" && len(rcpt.LineItems) == 0 {
		return nil, 0, fmt.Errorf("model returned an empty receipt: %w", receipt.ErrExtractionFailed)
	}

	rcpt.Normalize()
	return &rcpt, confidence, nil
}

func (a *ExtractionAgent) emit(cid string, kind audit.EventKind, ok bool, payload map[string]any) {
	if a.auditor != nil {
		a.auditor.Emit(cid, kind, ok, payload)
	}
}

func (a *ExtractionAgent) emitTimed(cid string, kind audit.EventKind, d time.Duration, payload map[string]any) {
	if a.auditor != nil {
		a.auditor.EmitTimed(cid, kind, true, d, payload)
	}
}
