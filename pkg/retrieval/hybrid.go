// Package retrieval fuses semantic and keyword ranked lists into one
// candidate set using reciprocal rank fusion.
package retrieval

import "sort"

// DefaultRRFConstant is the standard smoothing constant for reciprocal rank
// fusion.
const DefaultRRFConstant = 60

// Candidate is a fused retrieval candidate.
type Candidate struct {
	// ID is the memory entry identifier.
	ID int64

	// Score is the fused reciprocal-rank score.
	Score float64
}

// Fuser combines ranked id lists.
type Fuser struct {
	k float64
}

// NewFuser creates a fuser with the given RRF constant (<=0 uses
// DefaultRRFConstant).
func NewFuser(k int) *Fuser {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &Fuser{k: float64(k)}
}

// Fuse merges ranked lists of ids into one candidate set.
//
// Each item's fused score is the sum, across the lists it appears in, of
// 1/(k + rank) with rank starting at 1. If only one list is non-empty it is
// passed through unmodified order-wise (the fused scores still reflect
// reciprocal ranks). Ties break on id for reproducibility.
func (f *Fuser) Fuse(lists ...[]int64) []Candidate {
	scores := make(map[int64]float64)
	order := make([]int64, 0)

	for _, list := range lists {
		for rank, id := range list {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / (f.k + float64(rank+1))
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, Candidate{ID: id, Score: scores[id]})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	return out
}
