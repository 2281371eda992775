// Package quality computes rank-quality metrics for a candidate list
// against a ranked ground truth.
package quality

import (
	"math"

	"github.com/lamim/retrieval-eval/internal/candidates"
	"github.com/lamim/retrieval-eval/internal/conditions"
)

// K is the cutoff used by every metric.
const K = 10

// Metrics holds the four rank-quality scores of one condition, each in [0, 1].
type Metrics struct {
	NDCG10      float64 `json:"ndcg_10"`
	Precision10 float64 `json:"precision_10"`
	Recall10    float64 `json:"recall_10"`
	MRR         float64 `json:"mrr"`
}

// Score computes all metrics for cands against gt. Each metric is computed
// on its own pass; empty inputs yield zeros.
func Score(cands []candidates.Candidate, gt []conditions.GroundTruthEntry) Metrics {
	index := groundTruthIndex(gt)
	return Metrics{
		NDCG10:      ndcg(cands, gt, index),
		Precision10: precision(cands, index),
		Recall10:    recall(cands, gt, index),
		MRR:         mrr(cands, index),
	}
}

// groundTruthIndex maps each identifier to the 0-based position of its first
// occurrence in gt.
func groundTruthIndex(gt []conditions.GroundTruthEntry) map[string]int {
	index := make(map[string]int, len(gt))
	for i, e := range gt {
		if _, ok := index[e.NoteID]; !ok {
			index[e.NoteID] = i
		}
	}
	return index
}

// ndcg uses relevance k-g, where g is the candidate's position in the ground
// truth, so the first ground-truth entry weighs k.
func ndcg(cands []candidates.Candidate, gt []conditions.GroundTruthEntry, index map[string]int) float64 {
	var dcg, idcg float64
	for i := 0; i < K; i++ {
		discount := math.Log2(float64(i + 2))
		if i < len(cands) {
			if g, ok := index[cands[i].NoteID]; ok {
				dcg += float64(K-g) / discount
			}
		}
		if i < len(gt) {
			idcg += float64(K-i) / discount
		}
	}
	if idcg <= 0 {
		return 0
	}
	return dcg / idcg
}

func hits(cands []candidates.Candidate, index map[string]int) int {
	n := 0
	for i := 0; i < K && i < len(cands); i++ {
		if _, ok := index[cands[i].NoteID]; ok {
			n++
		}
	}
	return n
}

func precision(cands []candidates.Candidate, index map[string]int) float64 {
	denom := min(K, len(cands))
	if denom == 0 {
		return 0
	}
	return float64(hits(cands, index)) / float64(denom)
}

func recall(cands []candidates.Candidate, gt []conditions.GroundTruthEntry, index map[string]int) float64 {
	denom := min(K, len(gt))
	if denom == 0 {
		return 0
	}
	return float64(hits(cands, index)) / float64(denom)
}

func mrr(cands []candidates.Candidate, index map[string]int) float64 {
	for _, c := range cands {
		if _, ok := index[c.NoteID]; ok {
			return 1.0 / float64(c.Rank)
		}
	}
	return 0
}

// Average returns the per-field arithmetic mean. An empty input yields zeros.
func Average(ms []Metrics) Metrics {
	if len(ms) == 0 {
		return Metrics{}
	}
	var sum Metrics
	for _, m := range ms {
		sum.NDCG10 += m.NDCG10
		sum.Precision10 += m.Precision10
		sum.Recall10 += m.Recall10
		sum.MRR += m.MRR
	}
	n := float64(len(ms))
	return Metrics{
		NDCG10:      sum.NDCG10 / n,
		Precision10: sum.Precision10 / n,
		Recall10:    sum.Recall10 / n,
		MRR:         sum.MRR / n,
	}
}

// Sub returns m - other per field.
func (m Metrics) Sub(other Metrics) Metrics {
	return Metrics{
		NDCG10:      m.NDCG10 - other.NDCG10,
		Precision10: m.Precision10 - other.Precision10,
		Recall10:    m.Recall10 - other.Recall10,
		MRR:         m.MRR - other.MRR,
	}
}

// Named returns the metrics keyed by their export names. Names gives the
// report order.
func (m Metrics) Named() map[string]float64 {
	return map[string]float64{
		"ndcg_10":      m.NDCG10,
		"precision_10": m.Precision10,
		"recall_10":    m.Recall10,
		"mrr":          m.MRR,
	}
}

// Names lists metric names in report order.
var Names = []string{"ndcg_10", "precision_10", "recall_10", "mrr"}
