package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"receiptwise/internal/batch"
	"receiptwise/internal/orchestrator"
	"receiptwise/internal/receipt"
)

var (
	batchRecursive bool
	batchPattern   string
	batchDryRun    bool
	batchParallel  int
	batchResume    string
	batchRules     bool
)

// batchCmd processes every receipt in a directory.
var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Process a directory of receipts",
	Long: `Processes every receipt file found in a directory. Files with identical
content are processed once; individual failures are reported at the end
without stopping the batch.

An interrupted batch prints its batch ID; rerun with --resume <id> to skip
files that already completed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		mode := orchestrator.ModeAgents
		if batchRules {
			mode = orchestrator.ModeRules
		}

		runner := &batch.Runner{Orch: a.Orch, Auditor: a.Auditor, Logger: logger}
		progress := make(chan batch.Progress, 16)
		go func() {
			for p := range progress {
				switch {
				case p.Err != nil:
					fmt.Printf("[%d/%d] %s: FAILED: %v\n", p.Current, p.Total, p.File, p.Err)
				case p.ETA > 0:
					fmt.Printf("[%d/%d] %s (eta %s)\n", p.Current, p.Total, p.File, p.ETA.Round(1e9))
				default:
					fmt.Printf("[%d/%d] %s\n", p.Current, p.Total, p.File)
				}
			}
		}()

		sum, err := runner.Run(cmd.Context(), batch.Options{
			Dir:       args[0],
			Recursive: batchRecursive,
			Pattern:   batchPattern,
			Parallel:  batchParallel,
			DryRun:    batchDryRun,
			Mode:      mode,
			ResumeID:  batchResume,
		}, progress)
		if sum != nil {
			fmt.Printf("\nBatch %s: %d succeeded, %d failed, %d skipped of %d in %s\n",
				sum.BatchID, sum.Succeeded, sum.Failed, sum.Skipped, sum.Total,
				sum.Elapsed.Round(1e9))
			for _, res := range sum.Results {
				if res.Err != nil && !errors.Is(res.Err, receipt.ErrCanceled) {
					fmt.Printf("  failed: %s: %v\n", res.Path, res.Err)
				}
			}
		}
		if err != nil {
			return err
		}
		if sum.Failed > 0 {
			return fmt.Errorf("%d of %d files failed", sum.Failed, sum.Total)
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().BoolVarP(&batchRecursive, "recursive", "r", false, "descend into subdirectories")
	batchCmd.Flags().StringVar(&batchPattern, "pattern", "", "filename glob filter, e.g. \"2024-*.pdf\"")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "process without writing to QuickBooks")
	batchCmd.Flags().IntVar(&batchParallel, "parallel", 1, "concurrent workers")
	batchCmd.Flags().StringVar(&batchResume, "resume", "", "resume an interrupted batch by ID")
	batchCmd.Flags().BoolVar(&batchRules, "rules", false, "categorize with the deterministic rule engine")
}
