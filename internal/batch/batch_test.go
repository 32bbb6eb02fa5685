package batch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptwise/internal/agents"
	"receiptwise/internal/audit"
	"receiptwise/internal/orchestrator"
	"receiptwise/internal/receipt"
	"receiptwise/internal/rules"
)

// repeatLLM answers every vision call with the same extraction. Categorization
// runs through the rules engine, so no text responses are needed.
type repeatLLM struct{}

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

func (repeatLLM) GenerateVision(ctx context.Context, model, prompt string, img []byte, mime string) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("vision call: %w", receipt.ErrCanceled)
	}
	return extractionJSON, nil
}

func (repeatLLM) GenerateText(ctx context.Context, model, prompt string) (string, error) {
	return "", fmt.Errorf("unexpected text call")
}

func testRunner(t *testing.T, auditor *audit.Logger) *Runner {
	t.Helper()
	rs, err := rules.LoadOrDefault("")
	require.NoError(t, err)
	orch := &orchestrator.Orchestrator{
		Extraction: agents.NewExtractionAgent(repeatLLM{}, "vision-model", time.Second, auditor, nil),
		Engine:     rules.NewEngine(rs, receipt.RoundHalfUp),
		Auditor:    auditor,
		Province:   "BC",
		Rounding:   receipt.RoundHalfUp,
	}
	return &Runner{Orch: orch, Auditor: auditor}
}

// pngFile writes a small PNG whose pixels depend on seed, so distinct seeds
// give distinct content hashes.
func pngFile(t *testing.T, path string, seed byte) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x*y) + seed
			img.Pix[i+3] = 0xff
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func baseOpts(dir string) Options {
	return Options{Dir: dir, Mode: orchestrator.ModeRules, DryRun: true, Parallel: 2}
}

// gaugeLLM records the highest number of vision calls in flight at once.
type gaugeLLM struct {
	current atomic.Int32
	max     atomic.Int32
}

func (g *gaugeLLM) GenerateVision(ctx context.Context, model, prompt string, img []byte, mime string) (string, error) {
	n := g.current.Add(1)
	defer g.current.Add(-1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return extractionJSON, nil
}

func (g *gaugeLLM) GenerateText(ctx context.Context, model, prompt string) (string, error) {
	return "", fmt.Errorf("unexpected text call")
}

func TestUnsetParallelismRunsSequentially(t *testing.T) {
	dir := t.TempDir()
	for i := byte(1); i <= 4; i++ {
		pngFile(t, filepath.Join(dir, fmt.Sprintf("r%d.png", i)), i)
	}

	rs, err := rules.LoadOrDefault("")
	require.NoError(t, err)
	llm := &gaugeLLM{}
	r := &Runner{Orch: &orchestrator.Orchestrator{
		Extraction: agents.NewExtractionAgent(llm, "vision-model", time.Second, nil, nil),
		Engine:     rules.NewEngine(rs, receipt.RoundHalfUp),
		Province:   "BC",
		Rounding:   receipt.RoundHalfUp,
	}}

	opts := baseOpts(dir)
	opts.Parallel = 0
	sum, err := r.Run(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Succeeded)
	assert.EqualValues(t, 1, llm.max.Load(), "worker count must default to one")
}

func TestBatchProcessesDirectory(t *testing.T) {
	dir := t.TempDir()
	pngFile(t, filepath.Join(dir, "b.png"), 1)
	pngFile(t, filepath.Join(dir, "a.png"), 2)
	pngFile(t, filepath.Join(dir, "c.png"), 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	r := testRunner(t, nil)
	sum, err := r.Run(context.Background(), baseOpts(dir), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Skipped)
	assert.NotEmpty(t, sum.BatchID)

	// Results hold positions matching the sorted discovery order.
	require.Len(t, sum.Results, 3)
	assert.Equal(t, filepath.Join(dir, "a.png"), sum.Results[0].Path)
	assert.Equal(t, filepath.Join(dir, "c.png"), sum.Results[2].Path)
	for _, res := range sum.Results {
		require.NotNil(t, res.Receipt)
		assert.Equal(t, "The Keg Steakhouse", res.Receipt.Receipt.VendorName)
	}
}

func TestDuplicateContentSkipped(t *testing.T) {
	dir := t.TempDir()
	pngFile(t, filepath.Join(dir, "orig.png"), 7)
	orig, err := os.ReadFile(filepath.Join(dir, "orig.png"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "copy.png"), orig, 0o644))

	r := testRunner(t, nil)
	opts := baseOpts(dir)
	opts.Parallel = 1 // deterministic claim order: copy.png sorts first
	sum, err := r.Run(context.Background(), opts, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Skipped)
	assert.True(t, sum.Results[1].Skipped, "second identical file is the duplicate")
	assert.Equal(t, sum.Results[0].ContentHash, sum.Results[1].ContentHash)
}

func TestPerFileFailureDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()
	pngFile(t, filepath.Join(dir, "good.png"), 1)
	// Valid PNG magic, garbage after: clears size and detection, fails decode.
	bad := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte("junk"), 64)...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.png"), bad, 0o644))

	r := testRunner(t, nil)
	sum, err := r.Run(context.Background(), baseOpts(dir), nil)
	require.NoError(t, err, "individual failures never abort the batch")

	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.ErrorIs(t, sum.Results[0].Err, receipt.ErrCorruptedFile)
}

func TestResumeSkipsCompletedFiles(t *testing.T) {
	dataDir := t.TempDir()
	dir := t.TempDir()
	pngFile(t, filepath.Join(dir, "a.png"), 1)
	pngFile(t, filepath.Join(dir, "b.png"), 2)

	auditor1, err := audit.New(dataDir)
	require.NoError(t, err)
	sum1, err := testRunner(t, auditor1).Run(context.Background(), baseOpts(dir), nil)
	require.NoError(t, err)
	require.Equal(t, 2, sum1.Succeeded)
	require.NoError(t, auditor1.Close())

	// A third file lands between runs; the resumed batch only processes it.
	pngFile(t, filepath.Join(dir, "c.png"), 3)

	auditor2, err := audit.New(dataDir)
	require.NoError(t, err)
	defer auditor2.Close()
	opts := baseOpts(dir)
	opts.ResumeID = sum1.BatchID
	sum2, err := testRunner(t, auditor2).Run(context.Background(), opts, nil)
	require.NoError(t, err)

	assert.Equal(t, sum1.BatchID, sum2.BatchID)
	assert.Equal(t, 2, sum2.Skipped)
	assert.Equal(t, 1, sum2.Succeeded)
}

func TestPatternFiltersByBasename(t *testing.T) {
	dir := t.TempDir()
	pngFile(t, filepath.Join(dir, "2024-03-taxi.png"), 1)
	pngFile(t, filepath.Join(dir, "2023-12-hotel.png"), 2)

	r := testRunner(t, nil)
	opts := baseOpts(dir)
	opts.Pattern = "2024-*"
	sum, err := r.Run(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, filepath.Join(dir, "2024-03-taxi.png"), sum.Results[0].Path)
}

func TestRecursiveDiscovery(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "2024", "march")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	pngFile(t, filepath.Join(dir, "top.png"), 1)
	pngFile(t, filepath.Join(sub, "nested.png"), 2)

	r := testRunner(t, nil)

	flat, err := r.Run(context.Background(), baseOpts(dir), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, flat.Total, "non-recursive run sees only the top level")

	opts := baseOpts(dir)
	opts.Recursive = true
	deep, err := r.Run(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, deep.Total)
}

func TestEmptyDirIsInvalidInput(t *testing.T) {
	r := testRunner(t, nil)
	_, err := r.Run(context.Background(), baseOpts(t.TempDir()), nil)
	assert.ErrorIs(t, err, receipt.ErrInvalidInput)
}

func TestBadPatternIsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	pngFile(t, filepath.Join(dir, "a.png"), 1)
	opts := baseOpts(dir)
	opts.Pattern = "[unclosed"
	_, err := testRunner(t, nil).Run(context.Background(), opts, nil)
	assert.ErrorIs(t, err, receipt.ErrInvalidInput)
}

func TestCancellationInterruptsAndNamesBatch(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		pngFile(t, filepath.Join(dir, fmt.Sprintf("r%d.png", i)), byte(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := testRunner(t, nil).Run(ctx, baseOpts(dir), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, receipt.ErrCanceled)
	require.NotNil(t, sum, "partial summary survives interruption")
	assert.Contains(t, err.Error(), sum.BatchID, "error names the batch id for resume")
}

func TestProgressReportsEveryFile(t *testing.T) {
	dir := t.TempDir()
	pngFile(t, filepath.Join(dir, "a.png"), 1)
	pngFile(t, filepath.Join(dir, "b.png"), 2)

	progress := make(chan Progress, 8)
	_, err := testRunner(t, nil).Run(context.Background(), baseOpts(dir), progress)
	require.NoError(t, err)

	var events []Progress
	for p := range progress {
		events = append(events, p)
	}
	require.Len(t, events, 2)
	for _, p := range events {
		assert.Equal(t, 2, p.Total)
		assert.NoError(t, p.Err)
	}
}
