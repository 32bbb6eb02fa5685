package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// CompletedHashes scans the audit directory for batch.file_done events
// belonging to the given batch ID and returns the set of content hashes that
// already completed. Used by the batch driver to make re-runs idempotent.
func CompletedHashes(auditDir, batchID string) (map[string]bool, error) {
	files, err := filepath.Glob(filepath.Join(auditDir, "*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	done := make(map[string]bool)
	for _, path := range files {
		if err := scanFile(path, batchID, done); err != nil {
			return nil, err
		}
	}
	return done, nil
}

func scanFile(path, batchID string, done map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate partial lines from interrupted runs
		}
		if e.Kind != EventBatchFileDone || !e.Success {
			continue
		}
		id, _ := e.Payload["batch_id"].(string)
		hash, _ := e.Payload["content_hash"].(string)
		if id == batchID && hash != "" {
			done[hash] = true
		}
	}
	return sc.Err()
}
