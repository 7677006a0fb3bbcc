package assert

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceKeepsLowestSimilarityEntries(t *testing.T) {
	first := FailedMatch{Filename: "f0", AgeAtCapture: 0, SimilarityToPrevKept: 9999}

	var rest []FailedMatch
	for i := 1; i <= 10; i++ {
		rest = append(rest, FailedMatch{
			Filename:             fmt.Sprintf("f%d", i),
			AgeAtCapture:         time.Duration(i) * time.Second,
			SimilarityToPrevKept: i * 100,
		})
	}

	all := append([]FailedMatch{first}, rest...)
	reduced := reduce(all, 5)
	require.Len(t, reduced, 5)

	var names []string
	for _, f := range reduced {
		names = append(names, f.Filename)
	}
	// The earliest failure is always kept; the remaining four slots go to
	// the entries most different from their neighbor (lowest
	// similarity_to_prev_kept), not the near-duplicates.
	assert.ElementsMatch(t, []string{"f0", "f1", "f2", "f3", "f4"}, names)
}
