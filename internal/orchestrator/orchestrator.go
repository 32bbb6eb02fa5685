// Package orchestrator drives one receipt through the pipeline: file
// normalization, vision extraction, categorization (LLM agent or rules
// engine), deterministic aggregation, and the optional accounting write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"receiptwise/internal/agents"
	"receiptwise/internal/audit"
	"receiptwise/internal/fileproc"
	"receiptwise/internal/receipt"
	"receiptwise/internal/rules"
)

// Mode selects the categorization pathway.
type Mode string

const (
	// ModeAgents categorizes with the CRA-rules LLM stage.
	ModeAgents Mode = "agents"
	// ModeRules categorizes with the deterministic rules engine.
	ModeRules Mode = "rules"
)

// stage names used in confidence maps and audit payloads.
const (
	stageExtraction     = "extraction"
	stageCategorization = "categorization"
)

// Pipeline state machine. States only move forward; any failure jumps to
// aborted.
type state string

const (
	stateReady        state = "READY"
	stateExtracting   state = "EXTRACTING"
	stateCategorizing state = "CATEGORIZING"
	stateAggregating  state = "AGGREGATING"
	stateWriting      state = "WRITING"
	stateDone         state = "DONE"
	stateAborted      state = "ABORTED"
)

// reviewThreshold is the stage confidence below which a receipt is flagged
// for human review.
const reviewThreshold = 0.85

// ExpenseWriter posts a categorized receipt to the accounting system. The
// returned reference identifies the created transaction.
type ExpenseWriter interface {
	CreateExpense(ctx context.Context, correlationID string, cr *receipt.CategorizedReceipt) (ref string, err error)
}

// Request is one receipt to process.
type Request struct {
	Content           []byte
	FileName          string // audit trail only; detection is by content
	AdditionalContext string
	Mode              Mode
	DryRun            bool
}

// Result wraps the categorized receipt with write-back status.
type Result struct {
	Receipt    *receipt.CategorizedReceipt
	ExpenseRef string // empty on dry runs and rules-only review flows
	DryRun     bool
}

// Orchestrator wires the stages together. All fields are set at construction
// and never mutated, so one instance serves concurrent requests.
type Orchestrator struct {
	Extraction *agents.ExtractionAgent
	CRARules   *agents.CRARulesAgent
	Engine     *rules.Engine
	Writer     ExpenseWriter
	Auditor    *audit.Logger
	Logger     *zap.Logger

	Province string
	Rounding receipt.RoundingMode

	// FallbackToRules reroutes categorization through the rules engine when
	// the LLM stage fails, instead of aborting the receipt.
	FallbackToRules bool
}

// Process runs the full pipeline for one receipt.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	correlationID := uuid.NewString()
	logger := o.logger().With(zap.String("correlation_id", correlationID))
	st := stateReady

	o.emit(correlationID, audit.EventReceiptStart, true, map[string]any{
		"file": req.FileName, "bytes": len(req.Content), "mode": string(req.Mode), "dry_run": req.DryRun,
	})
	fail := func(err error) (*Result, error) {
		st = stateAborted
		o.emitErr(correlationID, audit.EventReceiptFailed, err, map[string]any{"state": string(st)})
		return nil, err
	}

	// --- File processing ---
	img, err := fileproc.Process(req.Content)
	if err != nil {
		o.emitErr(correlationID, audit.EventFileReject, err, map[string]any{"file": req.FileName})
		return fail(err)
	}
	o.emit(correlationID, audit.EventFileAccept, true, map[string]any{
		"file": req.FileName, "kind": img.SourceKind, "width": img.Width, "height": img.Height,
	})

	// --- Extraction ---
	st = stateExtracting
	stageConf := map[string]float64{}
	rcpt, conf, err := o.runExtraction(ctx, correlationID, img, req.AdditionalContext)
	if err != nil {
		return fail(err)
	}
	stageConf[stageExtraction] = conf
	warnings := rcpt.Validate()

	// --- Categorization ---
	st = stateCategorizing
	items, conf, err := o.runCategorization(ctx, correlationID, rcpt, req.Mode, logger)
	if err != nil {
		return fail(err)
	}
	stageConf[stageCategorization] = conf

	// --- Aggregation ---
	st = stateAggregating
	cr := aggregate(rcpt, items, stageConf, warnings, correlationID)

	// --- Accounting write ---
	var ref string
	if !req.DryRun && o.Writer != nil {
		st = stateWriting
		ref, err = o.Writer.CreateExpense(ctx, correlationID, cr)
		if err != nil {
			return fail(err)
		}
	}

	st = stateDone
	o.emit(correlationID, audit.EventReceiptDone, true, map[string]any{
		"state":              string(st),
		"vendor":             cr.Receipt.VendorName,
		"total_deductible":   cr.TotalDeductible,
		"overall_confidence": cr.OverallConfidence,
		"flags":              cr.FlagsForReview,
		"expense_ref":        ref,
	})
	return &Result{Receipt: cr, ExpenseRef: ref, DryRun: req.DryRun}, nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, cid string, img *receipt.CanonicalImage, extra string) (*receipt.Receipt, float64, error) {
	o.emit(cid, audit.EventStageStart, true, map[string]any{"stage": stageExtraction})
	start := time.Now()
	rcpt, conf, err := o.Extraction.Run(ctx, cid, img, extra)
	if err != nil {
		o.emitErr(cid, audit.EventStageComplete, err, map[string]any{"stage": stageExtraction})
		return nil, 0, err
	}
	o.emitTimed(cid, audit.EventStageComplete, time.Since(start), map[string]any{
		"stage": stageExtraction, "confidence": conf, "line_count": len(rcpt.LineItems),
	})
	return rcpt, conf, nil
}

func (o *Orchestrator) runCategorization(ctx context.Context, cid string, rcpt *receipt.Receipt, mode Mode, logger *zap.Logger) ([]receipt.ProcessedItem, float64, error) {
	o.emit(cid, audit.EventStageStart, true, map[string]any{
		"stage": stageCategorization, "mode": string(mode),
	})
	start := time.Now()

	var (
		items []receipt.ProcessedItem
		conf  float64
		err   error
	)
	switch mode {
	case ModeRules:
		items, conf = o.categorizeWithRules(rcpt)
	default:
		items, conf, err = o.CRARules.Run(ctx, cid, rcpt)
		if err != nil && o.FallbackToRules && o.Engine != nil && !errors.Is(err, receipt.ErrCanceled) {
			logger.Warn("llm categorization failed, falling back to rules engine", zap.Error(err))
			items, conf = o.categorizeWithRules(rcpt)
			err = nil
		}
	}
	if err != nil {
		o.emitErr(cid, audit.EventStageComplete, err, map[string]any{"stage": stageCategorization})
		return nil, 0, err
	}

	o.emitTimed(cid, audit.EventStageComplete, time.Since(start), map[string]any{
		"stage": stageCategorization, "confidence": conf, "item_count": len(items),
	})
	return items, conf, nil
}

// categorizeWithRules runs the deterministic engine over the receipt lines
// (including synthesized tax and tip lines). Stage confidence is the mean of
// per-item match confidences.
func (o *Orchestrator) categorizeWithRules(rcpt *receipt.Receipt) ([]receipt.ProcessedItem, float64) {
	lines := agents.SynthesizeLines(rcpt)
	items := o.Engine.CategorizeAll(lines, rules.Context{
		VendorName: rcpt.VendorName,
		Province:   o.Province,
	})
	if len(items) == 0 {
		return items, 0
	}
	var sum float64
	for _, it := range items {
		sum += it.MatchConfidence
	}
	return items, sum / float64(len(items))
}

// aggregate computes the deterministic receipt-level summary. Money totals
// come from exact decimal sums of already-rounded per-item amounts.
func aggregate(rcpt *receipt.Receipt, items []receipt.ProcessedItem, stageConf map[string]float64, warnings []string, correlationID string) *receipt.CategorizedReceipt {
	totalOriginal := decimal.Zero
	totalDeductible := decimal.Zero
	var flags []string

	for _, it := range items {
		totalOriginal = totalOriginal.Add(it.OriginalAmount)
		totalDeductible = totalDeductible.Add(it.DeductibleAmount)
		if it.Category == receipt.Uncategorized {
			flags = append(flags, fmt.Sprintf("line %d requires review: %s", it.LineNumber, it.Description))
		}
	}

	rate := 0.0
	if totalOriginal.IsPositive() {
		r, _ := totalDeductible.Div(totalOriginal).Mul(decimal.NewFromInt(100)).Round(1).Float64()
		rate = r
	}

	var overall float64
	// Flag order must be stable run to run, so iterate stages by name.
	for _, name := range []string{stageExtraction, stageCategorization} {
		c, ok := stageConf[name]
		if !ok {
			continue
		}
		overall += c
		if c < reviewThreshold {
			flags = append(flags, fmt.Sprintf("%s confidence %.2f below %.2f", name, c, reviewThreshold))
		}
	}
	if len(stageConf) > 0 {
		overall /= float64(len(stageConf))
	}
	flags = append(flags, warnings...)

	return &receipt.CategorizedReceipt{
		Receipt:           *rcpt,
		Items:             items,
		TotalOriginal:     totalOriginal,
		TotalDeductible:   totalDeductible,
		DeductibilityRate: rate,
		StageConfidence:   stageConf,
		OverallConfidence: overall,
		FlagsForReview:    flags,
		CorrelationID:     correlationID,
	}
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

func (o *Orchestrator) emit(cid string, kind audit.EventKind, ok bool, payload map[string]any) {
	if o.Auditor != nil {
		o.Auditor.Emit(cid, kind, ok, payload)
	}
}

func (o *Orchestrator) emitTimed(cid string, kind audit.EventKind, d time.Duration, payload map[string]any) {
	if o.Auditor != nil {
		o.Auditor.EmitTimed(cid, kind, true, d, payload)
	}
}

func (o *Orchestrator) emitErr(cid string, kind audit.EventKind, err error, payload map[string]any) {
	if o.Auditor != nil {
		o.Auditor.EmitError(cid, kind, err, payload)
	}
}
