// Package batch drives directory-scale receipt processing: discovery,
// content-hash deduplication, bounded parallelism, per-file isolation, and
// crash-safe resume from the audit log.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"receiptwise/internal/audit"
	"receiptwise/internal/orchestrator"
	"receiptwise/internal/receipt"
)

// receiptExtensions pre-filters discovery; final acceptance is always by
// magic bytes in the file processor.
var receiptExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".pdf": true,
}

// Options configures one batch run.
type Options struct {
	Dir       string
	Recursive bool
	Pattern   string // filename glob, e.g. "2024-*.pdf"; empty matches all
	Parallel  int    // worker count; defaults to 1
	DryRun    bool
	Mode      orchestrator.Mode
	ResumeID  string // previous batch ID to resume; empty starts fresh
}

// Progress is emitted after every file completes.
type Progress struct {
	Current int
	Total   int
	File    string
	Err     error
	ETA     time.Duration
}

// FileResult records the outcome for one file.
type FileResult struct {
	Path        string
	ContentHash string
	Skipped     bool // duplicate or already completed in a resumed batch
	Err         error
	Receipt     *receipt.CategorizedReceipt
}

// Summary is the final batch report.
type Summary struct {
	BatchID   string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Elapsed   time.Duration
	Results   []FileResult
}

// Runner executes batches against a shared orchestrator.
type Runner struct {
	Orch    *orchestrator.Orchestrator
	Auditor *audit.Logger
	Logger  *zap.Logger
}

// Run processes every matching file under opts.Dir. Individual failures
// never abort the batch; cancellation does, leaving the batch resumable by
// ID.
func (r *Runner) Run(ctx context.Context, opts Options, progress chan<- Progress) (*Summary, error) {
	if progress != nil {
		defer close(progress)
	}
	logger := r.logger()

	batchID := opts.ResumeID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	files, err := discover(opts)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no receipt files match in %s: %w", opts.Dir, receipt.ErrInvalidInput)
	}

	completed := map[string]bool{}
	if opts.ResumeID != "" && r.Auditor != nil {
		completed, err = audit.CompletedHashes(r.Auditor.Dir(), batchID)
		if err != nil {
			return nil, fmt.Errorf("scan audit log for resume: %w", err)
		}
		logger.Info("resuming batch",
			zap.String("batch_id", batchID), zap.Int("already_done", len(completed)))
	}

	r.emit(batchID, audit.EventBatchStart, true, map[string]any{
		"batch_id": batchID, "dir": opts.Dir, "total": len(files),
		"resume": opts.ResumeID != "", "dry_run": opts.DryRun,
	})

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	start := time.Now()
	var (
		mu      sync.Mutex
		results = make([]FileResult, len(files))
		done    int
		seen    = map[string]bool{} // content hashes claimed this run
	)
	for h := range completed {
		seen[h] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			res := r.processFile(gctx, batchID, path, opts, &mu, seen)

			mu.Lock()
			results[i] = res
			done++
			cur, elapsed := done, time.Since(start)
			mu.Unlock()

			if progress != nil {
				eta := time.Duration(0)
				if cur > 0 && cur < len(files) {
					eta = elapsed / time.Duration(cur) * time.Duration(len(files)-cur)
				}
				select {
				case progress <- Progress{Current: cur, Total: len(files), File: path, Err: res.Err, ETA: eta}:
				case <-gctx.Done():
				}
			}

			// Only cancellation propagates; per-file failures are recorded
			// and the batch continues.
			if errors.Is(res.Err, receipt.ErrCanceled) {
				return res.Err
			}
			return nil
		})
	}
	runErr := g.Wait()

	sum := &Summary{BatchID: batchID, Total: len(files), Elapsed: time.Since(start), Results: results}
	for _, res := range results {
		switch {
		case res.Skipped:
			sum.Skipped++
		case res.Err != nil:
			sum.Failed++
		case res.Receipt != nil:
			sum.Succeeded++
		}
	}

	r.emit(batchID, audit.EventBatchComplete, runErr == nil, map[string]any{
		"batch_id": batchID, "succeeded": sum.Succeeded,
		"failed": sum.Failed, "skipped": sum.Skipped,
	})
	if runErr != nil {
		return sum, fmt.Errorf("batch %s interrupted, resume with this id: %w", batchID, runErr)
	}
	return sum, nil
}

func (r *Runner) processFile(ctx context.Context, batchID, path string, opts Options, mu *sync.Mutex, seen map[string]bool) FileResult {
	res := FileResult{Path: path}

	content, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("read %s: %w", path, err)
		r.emitFileDone(batchID, res)
		return res
	}
	sum := sha256.Sum256(content)
	res.ContentHash = hex.EncodeToString(sum[:])

	mu.Lock()
	dup := seen[res.ContentHash]
	if !dup {
		seen[res.ContentHash] = true
	}
	mu.Unlock()
	if dup {
		res.Skipped = true
		r.logger().Debug("skipping duplicate content", zap.String("file", path))
		return res
	}

	out, err := r.Orch.Process(ctx, orchestrator.Request{
		Content:  content,
		FileName: filepath.Base(path),
		Mode:     opts.Mode,
		DryRun:   opts.DryRun,
	})
	if err != nil {
		res.Err = err
		r.emitFileDone(batchID, res)
		return res
	}
	res.Receipt = out.Receipt
	r.emitFileDone(batchID, res)
	return res
}

func (r *Runner) emitFileDone(batchID string, res FileResult) {
	if r.Auditor == nil {
		return
	}
	payload := map[string]any{
		"batch_id":     batchID,
		"file":         res.Path,
		"content_hash": res.ContentHash,
	}
	if res.Err != nil {
		r.Auditor.EmitError(batchID, audit.EventBatchFileDone, res.Err, payload)
		return
	}
	r.Auditor.Emit(batchID, audit.EventBatchFileDone, true, payload)
}

// discover lists candidate files in deterministic order.
func discover(opts Options) ([]string, error) {
	var matcher glob.Glob
	if opts.Pattern != "" {
		var err error
		matcher, err = glob.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", opts.Pattern, receipt.ErrInvalidInput)
		}
	}

	var files []string
	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !opts.Recursive && path != opts.Dir {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !receiptExtensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		if matcher != nil && !matcher.Match(name) {
			return nil
		}
		files = append(files, path)
		return nil
	}
	if err := filepath.WalkDir(opts.Dir, walk); err != nil {
		return nil, fmt.Errorf("walk %s: %w", opts.Dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Runner) emit(cid string, kind audit.EventKind, ok bool, payload map[string]any) {
	if r.Auditor != nil {
		r.Auditor.Emit(cid, kind, ok, payload)
	}
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}
