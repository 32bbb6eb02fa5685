package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"receiptwise/internal/orchestrator"
	"receiptwise/internal/receipt"
)

var (
	uploadDryRun  bool
	uploadOutput  string
	uploadContext string
	uploadRules   bool
)

// uploadCmd processes a single receipt file.
var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Process one receipt and post it to QuickBooks",
	Long: `Processes a single receipt image or PDF through the full pipeline and
posts the resulting expense to QuickBooks Online.

--dry-run runs everything except the accounting write and prints what would
be posted. --rules categorizes with the deterministic rule engine instead of
the LLM agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %v: %w", args[0], err, receipt.ErrInvalidInput)
		}

		a, err := buildApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		mode := orchestrator.ModeAgents
		if uploadRules {
			mode = orchestrator.ModeRules
		}
		result, err := a.Orch.Process(cmd.Context(), orchestrator.Request{
			Content:           content,
			FileName:          filepath.Base(args[0]),
			AdditionalContext: uploadContext,
			Mode:              mode,
			DryRun:            uploadDryRun,
		})
		if err != nil {
			return err
		}

		if uploadOutput == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Receipt)
		}
		printReceipt(result)
		return nil
	},
}

func printReceipt(result *orchestrator.Result) {
	cr := result.Receipt
	fmt.Printf("%s - %s (%s)\n", cr.Receipt.VendorName, cr.Receipt.TransactionDate, cr.Receipt.Currency)
	for _, it := range cr.Items {
		fmt.Printf("  %2d. %-40s %10s  %-28s %3d%%  -> %s\n",
			it.LineNumber, trim(it.Description, 40), it.OriginalAmount.StringFixed(2),
			it.Category, it.DeductibilityPercent, it.DeductibleAmount.StringFixed(2))
		if verbose && it.Reasoning != "" {
			fmt.Printf("      %s\n", it.Reasoning)
		}
		if verbose && len(it.Citations) > 0 {
			fmt.Printf("      refs: %v\n", it.Citations)
		}
	}
	fmt.Printf("Total: %s  Deductible: %s (%.1f%%)  Confidence: %.2f\n",
		cr.TotalOriginal.StringFixed(2), cr.TotalDeductible.StringFixed(2),
		cr.DeductibilityRate, cr.OverallConfidence)
	for _, f := range cr.FlagsForReview {
		fmt.Printf("  ! %s\n", f)
	}
	switch {
	case result.DryRun:
		fmt.Println("Dry run: no expense was created.")
	case result.ExpenseRef != "":
		fmt.Printf("Created QuickBooks purchase %s.\n", result.ExpenseRef)
	default:
		fmt.Println("Not posted: QuickBooks is not authorized (run `receiptwise auth`).")
	}
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadDryRun, "dry-run", false, "process without writing to QuickBooks")
	uploadCmd.Flags().StringVarP(&uploadOutput, "output", "o", "text", "output format: text or json")
	uploadCmd.Flags().StringVar(&uploadContext, "context", "", "extra context for extraction, e.g. \"business trip to Calgary\"")
	uploadCmd.Flags().BoolVar(&uploadRules, "rules", false, "categorize with the deterministic rule engine")
}
