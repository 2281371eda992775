// Package conditions defines evaluation test conditions, reads their
// ground-truth rankings and imports them from tabular files.
package conditions

// MaxRankingSlots is the number of ranking columns a condition can carry.
const MaxRankingSlots = 16

// GroundTruthDepth is the number of leading ranking slots used as ground truth.
const GroundTruthDepth = 10

// TestCondition is one evaluation unit: a structured query and its expected
// ranking. RankingSlots[i] holds ranking_(i+1); an empty string is an empty slot.
type TestCondition struct {
	ID               int                     `json:"condition_id" yaml:"condition_id"`
	Purpose          string                  `json:"purpose" yaml:"purpose"`
	Materials        string                  `json:"materials" yaml:"materials"`
	Methodology      string                  `json:"methodology" yaml:"methodology"`
	FocusInstruction string                  `json:"focus_instruction,omitempty" yaml:"focus_instruction,omitempty"`
	RankingSlots     [MaxRankingSlots]string `json:"ranking_slots" yaml:"ranking_slots"`
}

// GroundTruthEntry is one expected identifier and its 1-based slot index.
type GroundTruthEntry struct {
	NoteID string `json:"note_id"`
	Rank   int    `json:"rank"`
}

// Details is the query-facet snapshot of a condition.
type Details struct {
	Purpose          string `json:"purpose"`
	Materials        string `json:"materials"`
	Methodology      string `json:"methodology"`
	FocusInstruction string `json:"focus_instruction,omitempty"`
}

// Details returns the condition's query facets.
func (c TestCondition) Details() Details {
	return Details{
		Purpose:          c.Purpose,
		Materials:        c.Materials,
		Methodology:      c.Methodology,
		FocusInstruction: c.FocusInstruction,
	}
}

// LoadGroundTruth reads slots 1..10 in order and returns the non-empty ones.
// Empty slots are skipped without ending the scan. Duplicate identifiers are
// returned as-is; ground truth is assumed unique per slot.
func LoadGroundTruth(c TestCondition) []GroundTruthEntry {
	entries := make([]GroundTruthEntry, 0, GroundTruthDepth)
	for i := 0; i < GroundTruthDepth; i++ {
		if c.RankingSlots[i] == "" {
			continue
		}
		entries = append(entries, GroundTruthEntry{
			NoteID: c.RankingSlots[i],
			Rank:   i + 1,
		})
	}
	return entries
}
