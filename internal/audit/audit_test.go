package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"access_token":  "secret-value",
		"Refresh-Token": "another-secret",
		"api_key":       "k",
		"vendor":        "Marriott",
	}
	out := Sanitize(in)
	assert.Equal(t, "[REDACTED]", out["access_token"])
	assert.Equal(t, "[REDACTED]", out["Refresh-Token"])
	assert.Equal(t, "[REDACTED]", out["api_key"])
	assert.Equal(t, "Marriott", out["vendor"])
	// Input is untouched.
	assert.Equal(t, "secret-value", in["access_token"])
}

func TestSanitizeMasksCardNumbers(t *testing.T) {
	in := map[string]any{
		"memo": "paid with 4111 1111 1111 1111 at front desk",
	}
	out := Sanitize(in)
	assert.NotContains(t, out["memo"], "4111")
	assert.Contains(t, out["memo"], "[REDACTED]")
}

func TestSanitizeRecursesNestedPayloads(t *testing.T) {
	in := map[string]any{
		"outer": map[string]any{"token": "abc", "ok": "fine"},
		"list":  []any{"card 4111111111111111 end"},
	}
	out := Sanitize(in)
	nested := out["outer"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["token"])
	assert.Equal(t, "fine", nested["ok"])
	assert.NotContains(t, out["list"].([]any)[0], "4111111111111111")
}

func TestLoggerWritesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)

	l.Emit("cid-1", EventReceiptStart, true, map[string]any{"file": "a.jpg"})
	l.EmitError("cid-1", EventReceiptFailed, os.ErrNotExist, nil)
	l.EmitTimed("cid-1", EventStageComplete, true, 250*time.Millisecond, map[string]any{"stage": "extraction"})
	require.NoError(t, l.Close())

	day := time.Now().UTC().Format("20060102")
	f, err := os.Open(filepath.Join(dir, "audit", day+".log"))
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 3)
	assert.Equal(t, EventReceiptStart, events[0].Kind)
	assert.Equal(t, "cid-1", events[0].CorrelationID)
	assert.False(t, events[1].Success)
	assert.Equal(t, int64(250), events[2].DurationMs)
}

func TestCompletedHashesResumeScan(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)

	l.Emit("batch-1", EventBatchFileDone, true, map[string]any{
		"batch_id": "batch-1", "content_hash": "aaa",
	})
	// Failed files must not count as completed.
	l.EmitError("batch-1", EventBatchFileDone, os.ErrInvalid, map[string]any{
		"batch_id": "batch-1", "content_hash": "bbb",
	})
	// Other batches are ignored.
	l.Emit("batch-2", EventBatchFileDone, true, map[string]any{
		"batch_id": "batch-2", "content_hash": "ccc",
	})
	require.NoError(t, l.Close())

	done, err := CompletedHashes(l.Dir(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"aaa": true}, done)
}
