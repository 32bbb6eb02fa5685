package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"receiptwise/internal/agents"
	"receiptwise/internal/auth"
	"receiptwise/internal/orchestrator"
	"receiptwise/internal/receipt"
	"receiptwise/internal/rules"
)

type scriptedLLM struct {
	vision string
	err    error
}

func (s scriptedLLM) GenerateVision(ctx context.Context, model, prompt string, img []byte, mime string) (string, error) {
	return s.vision, s.err
}

func (s scriptedLLM) GenerateText(ctx context.Context, model, prompt string) (string, error) {
	return "", fmt.Errorf("unexpected text call")
}

const extractionJSON = `{
  "vendor_name": "The Keg Steakhouse",
  "transaction_date": "2024-05-02",
  "currency": "CAD",
  "subtotal": 34.73,
  "tax_amount": 1.50,
  "tip_amount": 0,
  "total_amount": 36.23,
  "line_items": [
    {"line_number": 1, "description": "Restaurant meal", "quantity": 1, "unit_price": 34.73, "total_price": 34.73}
  ]
}`

func testServer(t *testing.T, llm agents.LLMClient) *Server {
	t.Helper()
	rs, err := rules.LoadOrDefault("")
	require.NoError(t, err)
	return &Server{
		Orch: &orchestrator.Orchestrator{
			Extraction: agents.NewExtractionAgent(llm, "vision-model", time.Second, nil, nil),
			Engine:     rules.NewEngine(rs, receipt.RoundHalfUp),
			Province:   "BC",
			Rounding:   receipt.RoundHalfUp,
		},
		Auth:        auth.NewManager(auth.NewStore(t.TempDir()), "id", "secret", nil),
		RedirectURL: "http://localhost:8742/oauth-callback",
		Logger:      zap.NewNop(),
	}
}

func receiptPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x + y)
			img.Pix[i+3] = 0xff
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, path string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "receipt.png")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadReceiptRulesPath(t *testing.T) {
	srv := testServer(t, scriptedLLM{vision: extractionJSON})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/upload-receipt", receiptPNG(t), map[string]string{"dry_run": "true"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Result     receipt.CategorizedReceipt `json:"result"`
		ExpenseRef string                     `json:"expense_ref"`
		DryRun     bool                       `json:"dry_run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.DryRun)
	assert.Empty(t, resp.ExpenseRef)
	assert.Equal(t, "The Keg Steakhouse", resp.Result.Receipt.VendorName)
	require.Len(t, resp.Result.Items, 2)
	assert.Equal(t, receipt.MealsEntertainment, resp.Result.Items[0].Category)
	assert.Equal(t, "18.87", resp.Result.TotalDeductible.StringFixed(2))
}

func TestUploadMissingFileField(t *testing.T) {
	srv := testServer(t, scriptedLLM{vision: extractionJSON})
	router := srv.Router()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt", bytes.NewReader(nil))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "file")
}

func TestUploadUnsupportedFormatIs400(t *testing.T) {
	srv := testServer(t, scriptedLLM{vision: extractionJSON})
	router := srv.Router()

	rec := httptest.NewRecorder()
	content := bytes.Repeat([]byte("plain text, not an image. "), 8)
	router.ServeHTTP(rec, uploadRequest(t, "/upload-receipt", content, nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadUpstreamFailureIs502(t *testing.T) {
	down := scriptedLLM{err: fmt.Errorf("model down: %w", receipt.ErrUpstreamUnavailable)}
	srv := testServer(t, down)
	// A short stage timeout cuts the transient-retry backoff out of the test.
	srv.Orch.Extraction = agents.NewExtractionAgent(down, "vision-model", 10*time.Millisecond, nil, nil)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/upload-receipt", receiptPNG(t), nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAuthStatusUnauthorized(t *testing.T) {
	srv := testServer(t, scriptedLLM{vision: extractionJSON})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth-status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status auth.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Authorized)
}

func TestAuthURLCarriesStateAndRedirect(t *testing.T) {
	srv := testServer(t, scriptedLLM{vision: extractionJSON})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth-url", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.State)
	assert.Contains(t, resp.AuthURL, "appcenter.intuit.com")
	assert.Contains(t, resp.AuthURL, resp.State)
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, scriptedLLM{vision: extractionJSON})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{receipt.ErrInvalidInput, http.StatusBadRequest},
		{receipt.ErrInvalidSize, http.StatusBadRequest},
		{receipt.ErrUnsupportedFormat, http.StatusBadRequest},
		{receipt.ErrCorruptedFile, http.StatusBadRequest},
		{receipt.ErrAuthExpired, http.StatusUnauthorized},
		{receipt.ErrDailyQuotaExceeded, http.StatusTooManyRequests},
		{receipt.ErrUpstreamUnavailable, http.StatusBadGateway},
		{receipt.ErrCanceled, 499},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusFor(fmt.Errorf("wrapped: %w", tc.err)), "%v", tc.err)
	}
}
