package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSearcher(t *testing.T) *SQLiteSearcher {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeededCorpusAnswersMealQueries(t *testing.T) {
	s := openTestSearcher(t)

	results, err := s.Search(context.Background(), "restaurant dinner meal", "meals entertainment", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.CitationID
		assert.NotEmpty(t, r.SourceURL)
		assert.NotEmpty(t, r.Excerpt)
	}
	assert.Contains(t, ids, "cra-it518r-meals-50")
}

func TestHintBiasesRanking(t *testing.T) {
	s := openTestSearcher(t)

	// "accommodation" alone could land on several travel passages; the levy
	// hint should put the tourism-tax passage first.
	results, err := s.Search(context.Background(), "accommodation charge", "tourism levy accommodation", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "cra-t4002-travel-taxes", results[0].CitationID)
}

func TestSearchRespectsK(t *testing.T) {
	s := openTestSearcher(t)
	results, err := s.Search(context.Background(), "travel hotel meals deductible expenses", "", 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 2)
}

func TestSearchEmptyQuery(t *testing.T) {
	s := openTestSearcher(t)
	results, err := s.Search(context.Background(), "", "", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchNoMatches(t *testing.T) {
	s := openTestSearcher(t)
	results, err := s.Search(context.Background(), "zzyzx quux", "", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAddedPassageIsSearchable(t *testing.T) {
	s := openTestSearcher(t)
	require.NoError(t, s.Add("custom-1", "https://example.org/custom", "parking fees",
		"Parking fees incurred while earning business income are deductible."))

	results, err := s.Search(context.Background(), "parking garage fees", "", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "custom-1", results[0].CitationID)
}
