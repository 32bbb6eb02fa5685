// Package knowledge provides retrieval over a corpus of authoritative tax
// guide passages. The CRA-rules stage treats it as a black box returning
// ranked citation records.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode"

	_ "github.com/mattn/go-sqlite3"

	"receiptwise/internal/receipt"
)

// Searcher returns ranked passages for a query. Implementations must be safe
// for concurrent use.
type Searcher interface {
	Search(ctx context.Context, query, hint string, k int) ([]receipt.RAGResult, error)
	Close() error
}

// SQLiteSearcher matches passages with SQLite FTS4 and ranks the candidates
// by query-term overlap. FTS4 ships in the stock driver build; it narrows the
// candidate set and the scoring stays in Go.
type SQLiteSearcher struct {
	db *sql.DB
}

// Open creates or opens the corpus database. An empty corpus is seeded with
// the built-in CRA guide passages. Use ":memory:" for tests.
func Open(path string) (*SQLiteSearcher, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}

	const schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS passages USING fts4(
	citation_id,
	source_url,
	topic,
	content
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create passages table: %w", err)
	}

	s := &SQLiteSearcher{db: db}
	if err := s.seedIfEmpty(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteSearcher) Close() error {
	return s.db.Close()
}

// Search returns up to k passages. The hint, when present, is folded into
// the match query as extra terms rather than a hard filter, so thin corpora
// still return results. Hint terms weigh double in the ranking since they
// name the expense topic directly.
func (s *SQLiteSearcher) Search(ctx context.Context, query, hint string, k int) ([]receipt.RAGResult, error) {
	if k <= 0 {
		k = 3
	}
	queryTerms := ftsTerms(query)
	hintTerms := ftsTerms(hint)
	all := append(append([]string{}, queryTerms...), hintTerms...)
	if len(all) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(all))
	for i, term := range all {
		quoted[i] = `"` + term + `"`
	}
	match := strings.Join(quoted, " OR ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT citation_id, source_url, topic, content
		 FROM passages WHERE passages MATCH ?`, match)
	if err != nil {
		return nil, fmt.Errorf("search passages: %w", err)
	}
	defer rows.Close()

	type scored struct {
		result receipt.RAGResult
		score  int
	}
	var candidates []scored
	for rows.Next() {
		var r receipt.RAGResult
		var topic string
		if err := rows.Scan(&r.CitationID, &r.SourceURL, &topic, &r.Excerpt); err != nil {
			return nil, err
		}
		text := strings.ToLower(topic + " " + r.Excerpt)
		score := 0
		for _, term := range queryTerms {
			if strings.Contains(text, term) {
				score++
			}
		}
		for _, term := range hintTerms {
			if strings.Contains(text, term) {
				score += 2
			}
		}
		candidates = append(candidates, scored{result: r, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].result.CitationID < candidates[j].result.CitationID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	results := make([]receipt.RAGResult, len(candidates))
	for i, c := range candidates {
		results[i] = c.result
	}
	return results, nil
}

// ftsTerms extracts deduplicated lowercase word tokens, safe to embed quoted
// in a MATCH expression.
func ftsTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var terms []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// Add inserts a passage, used by corpus maintenance and tests.
func (s *SQLiteSearcher) Add(citationID, sourceURL, topic, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO passages (citation_id, source_url, topic, content) VALUES (?, ?, ?, ?)`,
		citationID, sourceURL, topic, content)
	return err
}

func (s *SQLiteSearcher) seedIfEmpty() error {
	var count int
	if err := s.db.QueryRow(`SELECT count(*) FROM passages`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, p := range seedPassages {
		if err := s.Add(p.citationID, p.sourceURL, p.topic, p.content); err != nil {
			return fmt.Errorf("seed corpus: %w", err)
		}
	}
	return nil
}
