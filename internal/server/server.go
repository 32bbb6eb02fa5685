// Package server exposes the processing pipeline over HTTP for desktop
// helper apps and scanner integrations.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"receiptwise/internal/auth"
	"receiptwise/internal/fileproc"
	"receiptwise/internal/orchestrator"
	"receiptwise/internal/receipt"
)

// Server wires the HTTP surface. The orchestrator does all real work;
// handlers only translate transport concerns.
type Server struct {
	Orch        *orchestrator.Orchestrator
	Auth        *auth.Manager
	RedirectURL string
	Logger      *zap.Logger
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.POST("/upload-receipt", s.handleUpload(orchestrator.ModeRules))
	r.POST("/upload-receipt-agents", s.handleUpload(orchestrator.ModeAgents))
	r.GET("/auth-status", s.handleAuthStatus)
	r.GET("/auth-url", s.handleAuthURL)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.Logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()))
	}
}

func (s *Server) handleUpload(mode orchestrator.Mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
			return
		}
		defer file.Close()

		content, err := io.ReadAll(io.LimitReader(file, fileproc.MaxBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
			return
		}

		dryRun, _ := strconv.ParseBool(c.PostForm("dry_run"))
		result, err := s.Orch.Process(c.Request.Context(), orchestrator.Request{
			Content:           content,
			FileName:          header.Filename,
			AdditionalContext: c.PostForm("additional_context"),
			Mode:              mode,
			DryRun:            dryRun,
		})
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result":      result.Receipt,
			"expense_ref": result.ExpenseRef,
			"dry_run":     result.DryRun,
		})
	}
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	status, err := s.Auth.CheckStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleAuthURL(c *gin.Context) {
	start, err := s.Auth.StartFlow(s.RedirectURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": start.AuthURL, "state": start.State})
}

// statusFor maps pipeline sentinels to HTTP status codes analogously to the
// CLI exit-code mapping.
func statusFor(err error) int {
	switch {
	case errors.Is(err, receipt.ErrInvalidInput),
		errors.Is(err, receipt.ErrInvalidSize),
		errors.Is(err, receipt.ErrUnsupportedFormat),
		errors.Is(err, receipt.ErrCorruptedFile):
		return http.StatusBadRequest
	case errors.Is(err, receipt.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, receipt.ErrDailyQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, receipt.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, receipt.ErrCanceled):
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
