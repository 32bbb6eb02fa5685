package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"receiptwise/internal/agents"
	"receiptwise/internal/audit"
	"receiptwise/internal/auth"
	"receiptwise/internal/config"
	"receiptwise/internal/knowledge"
	"receiptwise/internal/orchestrator"
	"receiptwise/internal/qbo"
	"receiptwise/internal/ratelimit"
	"receiptwise/internal/receipt"
	"receiptwise/internal/rules"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "receiptwise",
	Short: "receiptwise - receipt extraction, CRA categorization and QuickBooks write-back",
	Long: `receiptwise turns receipt images and PDFs into categorized, CRA-compliant
expense records and posts them to QuickBooks Online.

Pipeline: file normalization -> vision extraction -> deduction categorization
(LLM agent or deterministic rules) -> aggregation -> accounting write-back.
Every step is recorded in an append-only audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return cfg.EnsureDataDir()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.receiptwise/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(serveCmd)
}

// app bundles the wired pipeline dependencies a command needs.
type app struct {
	Auditor *audit.Logger
	Auth    *auth.Manager
	Orch    *orchestrator.Orchestrator
	Limits  *ratelimit.Registry
	close   []func() error
}

// Close releases app resources in reverse construction order.
func (a *app) Close() {
	for i := len(a.close) - 1; i >= 0; i-- {
		_ = a.close[i]()
	}
}

// buildApp wires the full pipeline. withLLM is false for commands that never
// call the model (auth, status) so a missing API key is not fatal there.
func buildApp(ctx context.Context, withLLM bool) (*app, error) {
	auditor, err := audit.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{Auditor: auditor}
	a.close = append(a.close, auditor.Close)

	a.Limits = ratelimit.NewRegistry(cfg.DataDir, cfg.Limits.Timezone, logger)

	store := auth.NewStore(cfg.DataDir)
	a.Auth = auth.NewManager(store, cfg.QBO.ClientID, cfg.QBO.ClientSecret, auditor)

	ruleSet, err := rules.LoadOrDefault(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	rounding := receipt.RoundingMode(cfg.Rounding)
	engine := rules.NewEngine(ruleSet, rounding)

	if !withLLM {
		a.Orch = &orchestrator.Orchestrator{
			Engine: engine, Auditor: auditor, Logger: logger,
			Province: cfg.Province, Rounding: rounding,
		}
		return a, nil
	}

	glim := cfg.Limits.For("gemini")
	llm, err := agents.NewGeminiClient(ctx, cfg.LLM.APIKey,
		a.Limits.Get("gemini", glim.RPM, glim.RPD), logger)
	if err != nil {
		return nil, err
	}

	searcher, err := knowledge.Open(filepath.Join(cfg.DataDir, "knowledge.db"))
	if err != nil {
		return nil, err
	}
	a.close = append(a.close, searcher.Close)

	timeout := cfg.LLM.Timeout()
	extraction := agents.NewExtractionAgent(llm, cfg.LLM.VisionModel, timeout, auditor, logger)
	crarules := agents.NewCRARulesAgent(llm, cfg.LLM.TextModel, searcher, rounding, timeout, auditor, logger)

	var writer orchestrator.ExpenseWriter
	if status, err := a.Auth.CheckStatus(); err == nil && status.Authorized {
		qlim := cfg.Limits.For("qbo")
		writer = qbo.NewClient(cfg.QBO.APIBase(), status.RealmID, a.Auth,
			a.Limits.Get("qbo", qlim.RPM, qlim.RPD), auditor, logger)
	}

	a.Orch = &orchestrator.Orchestrator{
		Extraction:      extraction,
		CRARules:        crarules,
		Engine:          engine,
		Writer:          writer,
		Auditor:         auditor,
		Logger:          logger,
		Province:        cfg.Province,
		Rounding:        rounding,
		FallbackToRules: true,
	}
	return a, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w", receipt.ErrCanceled)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(receipt.ExitCode(err))
}
