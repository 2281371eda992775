package history

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lamim/retrieval-eval/internal/quality"
)

// Change classifies a per-condition nDCG@10 delta.
type Change string

const (
	Improved  Change = "improved"
	Regressed Change = "regressed"
	Unchanged Change = "unchanged"
)

// unchangedTolerance absorbs float noise when classifying deltas.
const unchangedTolerance = 1e-9

// ConditionDelta compares one condition present in both runs.
type ConditionDelta struct {
	ConditionID int             `json:"condition_id"`
	Baseline    quality.Metrics `json:"baseline"`
	Candidate   quality.Metrics `json:"candidate"`
	Delta       quality.Metrics `json:"delta"`
	Change      Change          `json:"change"`
}

// Comparison is the difference candidate minus baseline.
type Comparison struct {
	BaselineID     string           `json:"baseline_id"`
	CandidateID    string           `json:"candidate_id"`
	AverageDelta   quality.Metrics  `json:"average_delta"`
	Conditions     []ConditionDelta `json:"conditions"`
	Improved       int              `json:"improved"`
	Regressed      int              `json:"regressed"`
	Unchanged      int              `json:"unchanged"`
	OnlyInBaseline []int            `json:"only_in_baseline,omitempty"`
	OnlyInCand     []int            `json:"only_in_candidate,omitempty"`
}

func classify(delta float64) Change {
	switch {
	case delta > unchangedTolerance:
		return Improved
	case delta < -unchangedTolerance:
		return Regressed
	default:
		return Unchanged
	}
}

// Compare diffs candidate against baseline. Per-condition deltas cover
// condition IDs present in both runs, ordered by ID.
func Compare(baseline, candidate RunRecord) Comparison {
	cmp := Comparison{
		BaselineID:   baseline.ID,
		CandidateID:  candidate.ID,
		AverageDelta: candidate.AverageMetrics.Sub(baseline.AverageMetrics),
	}

	base := make(map[int]quality.Metrics, len(baseline.Results))
	for _, r := range baseline.Results {
		if _, seen := base[r.ConditionID]; !seen {
			base[r.ConditionID] = r.Metrics
		}
	}
	cand := make(map[int]quality.Metrics, len(candidate.Results))
	for _, r := range candidate.Results {
		if _, seen := cand[r.ConditionID]; !seen {
			cand[r.ConditionID] = r.Metrics
		}
	}

	for id, bm := range base {
		cm, ok := cand[id]
		if !ok {
			cmp.OnlyInBaseline = append(cmp.OnlyInBaseline, id)
			continue
		}
		d := cm.Sub(bm)
		change := classify(d.NDCG10)
		cmp.Conditions = append(cmp.Conditions, ConditionDelta{
			ConditionID: id,
			Baseline:    bm,
			Candidate:   cm,
			Delta:       d,
			Change:      change,
		})
		switch change {
		case Improved:
			cmp.Improved++
		case Regressed:
			cmp.Regressed++
		default:
			cmp.Unchanged++
		}
	}
	for id := range cand {
		if _, ok := base[id]; !ok {
			cmp.OnlyInCand = append(cmp.OnlyInCand, id)
		}
	}

	sort.Slice(cmp.Conditions, func(i, j int) bool {
		return cmp.Conditions[i].ConditionID < cmp.Conditions[j].ConditionID
	})
	sort.Ints(cmp.OnlyInBaseline)
	sort.Ints(cmp.OnlyInCand)
	return cmp
}

// Format renders c as plain text.
func (c Comparison) Format() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Comparing %s (baseline) -> %s\n", c.BaselineID, c.CandidateID))
	if c.AveragesChanged() {
		named := c.AverageDelta.Named()
		for _, name := range quality.Names {
			sb.WriteString(fmt.Sprintf("  %-13s %+.4f\n", name, named[name]))
		}
	} else {
		sb.WriteString("  averages unchanged\n")
	}
	sb.WriteString(fmt.Sprintf("\nConditions: %d improved, %d regressed, %d unchanged\n",
		c.Improved, c.Regressed, c.Unchanged))
	for _, d := range c.Conditions {
		if d.Change == Unchanged {
			continue
		}
		sb.WriteString(fmt.Sprintf("  [%s] 条件 %d nDCG@10 %.4f -> %.4f (%+.4f)\n",
			d.Change, d.ConditionID, d.Baseline.NDCG10, d.Candidate.NDCG10, d.Delta.NDCG10))
	}
	if len(c.OnlyInBaseline) > 0 {
		sb.WriteString(fmt.Sprintf("Only in baseline: %s\n", joinInts(c.OnlyInBaseline)))
	}
	if len(c.OnlyInCand) > 0 {
		sb.WriteString(fmt.Sprintf("Only in candidate: %s\n", joinInts(c.OnlyInCand)))
	}
	return sb.String()
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

// AveragesChanged reports whether any average moved beyond float noise.
func (c Comparison) AveragesChanged() bool {
	for _, v := range c.AverageDelta.Named() {
		if math.Abs(v) > unchangedTolerance {
			return true
		}
	}
	return false
}
