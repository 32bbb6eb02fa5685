package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"receiptwise/internal/rules"
	"receiptwise/internal/server"
)

var serveListen string

// serveCmd runs the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the processing pipeline over HTTP:

  POST /upload-receipt         multipart upload, deterministic rules pathway
  POST /upload-receipt-agents  multipart upload, LLM agent pathway
  GET  /auth-status            token freshness report
  GET  /auth-url               start an authorization flow

The rules file is watched; edits take effect without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Orch.Engine != nil {
			stop, err := rules.Watch(a.Orch.Engine, cfg.RulesFile, logger)
			if err != nil {
				logger.Warn("rules file watch unavailable", zap.Error(err))
			} else {
				defer stop()
			}
		}

		srv := &server.Server{
			Orch:        a.Orch,
			Auth:        a.Auth,
			RedirectURL: cfg.QBO.RedirectURL,
			Logger:      logger,
		}

		listen := serveListen
		if listen == "" {
			listen = cfg.Server.Listen
		}
		httpSrv := &http.Server{
			Addr:              listen,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		fmt.Printf("Listening on %s\n", listen)

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config, :8080)")
}
