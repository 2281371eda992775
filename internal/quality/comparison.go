package quality

import (
	"github.com/lamim/retrieval-eval/internal/candidates"
	"github.com/lamim/retrieval-eval/internal/conditions"
)

// RankComparison pairs a ground-truth entry with where it actually landed.
type RankComparison struct {
	NoteID       string `json:"note_id"`
	ExpectedRank int    `json:"expected_rank"`
	// ActualRank is nil when the identifier was not retrieved.
	ActualRank *int `json:"actual_rank"`
}

// Found reports whether the entry was retrieved.
func (r RankComparison) Found() bool {
	return r.ActualRank != nil
}

// Displacement is ActualRank - ExpectedRank, or 0 when not retrieved.
func (r RankComparison) Displacement() int {
	if r.ActualRank == nil {
		return 0
	}
	return *r.ActualRank - r.ExpectedRank
}

// CompareRanks returns one entry per ground-truth item, in ground-truth order.
func CompareRanks(cands []candidates.Candidate, gt []conditions.GroundTruthEntry) []RankComparison {
	ranks := make(map[string]int, len(cands))
	for _, c := range cands {
		ranks[c.NoteID] = c.Rank
	}

	out := make([]RankComparison, 0, len(gt))
	for _, e := range gt {
		rc := RankComparison{NoteID: e.NoteID, ExpectedRank: e.Rank}
		if r, ok := ranks[e.NoteID]; ok {
			actual := r
			rc.ActualRank = &actual
		}
		out = append(out, rc)
	}
	return out
}
