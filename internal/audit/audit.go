// Package audit provides the append-only structured event log. Every
// pipeline step emits events tagged with a correlation ID; events within one
// correlation ID are totally ordered. Files rotate by UTC calendar day and
// are retained long-term by the deployment, not by this package.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind enumerates the audit event types.
type EventKind string

const (
	// Receipt lifecycle
	EventReceiptStart  EventKind = "receipt.start"
	EventReceiptDone   EventKind = "receipt.done"
	EventReceiptFailed EventKind = "receipt.failed"

	// File processing
	EventFileAccept EventKind = "file.accept"
	EventFileReject EventKind = "file.reject"

	// Agent stages
	EventStageStart    EventKind = "stage.start"
	EventStageComplete EventKind = "stage.complete"
	EventLLMRequest    EventKind = "llm.request"
	EventLLMResponse   EventKind = "llm.response"
	EventRetrieval     EventKind = "rag.retrieve"

	// Resource managers
	EventRateLimited  EventKind = "rate.limited"
	EventTokenRefresh EventKind = "token.refresh"
	EventCacheMiss    EventKind = "cache.miss"

	// Accounting writes
	EventExpenseCreated EventKind = "expense.created"

	// Batch processing
	EventBatchStart    EventKind = "batch.start"
	EventBatchFileDone EventKind = "batch.file_done"
	EventBatchComplete EventKind = "batch.complete"
)

// Event is one audit log line. Payload values pass through Sanitize before
// serialization.
type Event struct {
	Timestamp     string         `json:"ts"` // UTC, RFC3339
	Kind          EventKind      `json:"event"`
	CorrelationID string         `json:"correlation_id"`
	Actor         string         `json:"actor"`
	Success       bool           `json:"success"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Logger writes events to audit/YYYYMMDD.log inside the data directory.
// A single writer goroutine owns the file; Emit never blocks the producer
// unless the buffer is full.
type Logger struct {
	dir   string
	actor string

	ch   chan Event
	done chan struct{}

	mu      sync.Mutex
	day     string
	file    *os.File
	dropped int64
}

const bufferSize = 256

// New opens (or creates) the audit directory and starts the writer.
func New(dataDir string) (*Logger, error) {
	dir := filepath.Join(dataDir, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &Logger{
		dir:   dir,
		actor: fmt.Sprintf("receiptwise[%d]", os.Getpid()),
		ch:    make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Emit queues an event. The correlation ID ties events of one request
// together; kind-specific fields travel in the payload.
func (l *Logger) Emit(correlationID string, kind EventKind, success bool, payload map[string]any) {
	l.emit(Event{
		Kind:          kind,
		CorrelationID: correlationID,
		Success:       success,
		Payload:       payload,
	})
}

// EmitError queues a failure event carrying the error text.
func (l *Logger) EmitError(correlationID string, kind EventKind, err error, payload map[string]any) {
	e := Event{
		Kind:          kind,
		CorrelationID: correlationID,
		Success:       false,
		Payload:       payload,
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.emit(e)
}

// EmitTimed queues an event with a measured duration.
func (l *Logger) EmitTimed(correlationID string, kind EventKind, success bool, d time.Duration, payload map[string]any) {
	l.emit(Event{
		Kind:          kind,
		CorrelationID: correlationID,
		Success:       success,
		DurationMs:    d.Milliseconds(),
		Payload:       payload,
	})
}

func (l *Logger) emit(e Event) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	e.Actor = l.actor
	e.Payload = Sanitize(e.Payload)
	select {
	case l.ch <- e:
	default:
		// Full buffer drops rather than stalling the pipeline.
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

// Close flushes queued events and closes the current file.
func (l *Logger) Close() error {
	close(l.ch)
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.ch {
		l.write(e)
	}
}

func (l *Logger) write(e Event) {
	day := time.Now().UTC().Format("20060102")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || day != l.day {
		if l.file != nil {
			l.file.Close()
		}
		path := filepath.Join(l.dir, day+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[audit] cannot open %s: %v\n", path, err)
			return
		}
		l.file = f
		l.day = day
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.file.Write(append(data, '\n'))
}

// Dir returns the audit directory, used by the batch driver for resume scans.
func (l *Logger) Dir() string {
	return l.dir
}
