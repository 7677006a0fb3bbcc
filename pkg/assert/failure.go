package assert

import (
	"sort"
	"time"

	"github.com/kinderp/os-autoinst/pkg/imgref"
)

// FailedMatch records one unsuccessful needle search performed during an
// active assertion, kept around for the eventual timeout summary.
type FailedMatch struct {
	Frame                *imgref.ImageRef
	Filename             string
	FailedCandidates     []imgref.Candidate
	AgeAtCapture         time.Duration
	SimilarityToPrevKept int
}

const (
	failsSoftCap  = 60
	reducerTarget = 20
)

// reduce shrinks L to at most k entries: the earliest failure is always
// preserved, the remainder is chosen by smallest similarity_to_prev_kept
// (the frames that most distinguished themselves from their neighbors),
// then the surviving set is resorted by age and similarities recomputed
// against each entry's new predecessor.
func reduce(l []FailedMatch, k int) []FailedMatch {
	if len(l) <= k {
		return l
	}

	first := l[0]
	rest := append([]FailedMatch(nil), l[1:]...)

	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].SimilarityToPrevKept < rest[j].SimilarityToPrevKept
	})
	if len(rest) > k-1 {
		rest = rest[:k-1]
	}

	kept := append([]FailedMatch{first}, rest...)
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].AgeAtCapture > kept[j].AgeAtCapture
	})

	for i := 1; i < len(kept); i++ {
		if kept[i-1].Frame != nil && kept[i].Frame != nil {
			kept[i].SimilarityToPrevKept = imgref.Similarity(kept[i-1].Frame, kept[i].Frame)
		}
	}
	return kept
}

// summarize runs the reducer to reducerTarget and then applies the
// tail-dedup rule: if the most recent failure overall was dropped by
// reduction and it differs enough (similarity < 50) from whatever now
// sits at the tail, it is re-appended. Bounds the result to 21 entries
// (P7).
func summarize(fails []FailedMatch) []FailedMatch {
	if len(fails) == 0 {
		return fails
	}

	mostRecent := fails[len(fails)-1]
	reduced := reduce(fails, reducerTarget)

	tailDropped := true
	for _, f := range reduced {
		if sameFailure(f, mostRecent) {
			tailDropped = false
			break
		}
	}

	if tailDropped && len(reduced) > 0 {
		tail := reduced[len(reduced)-1]
		if tail.Frame != nil && mostRecent.Frame != nil {
			if imgref.Similarity(tail.Frame, mostRecent.Frame) < 50 {
				reduced = append(reduced, mostRecent)
			}
		}
	}
	return reduced
}

func sameFailure(a, b FailedMatch) bool {
	return a.Filename == b.Filename && a.AgeAtCapture == b.AgeAtCapture
}
