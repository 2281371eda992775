// Package candidates turns ordered retrieval output into a deduplicated,
// densely ranked candidate list.
package candidates

import (
	"log/slog"

	"github.com/lamim/retrieval-eval/internal/extractor"
)

// DefaultMaxCount is the number of candidates kept per condition.
const DefaultMaxCount = 10

// scoreStep is the score decrement per rank position.
const scoreStep = 0.05

// Candidate is one extracted identifier with its assigned rank.
type Candidate struct {
	NoteID string  `json:"note_id"`
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
}

// Stats counts documents skipped while building. MissPreviews holds a short
// prefix of each unextractable document.
type Stats struct {
	Misses       int      `json:"misses"`
	Duplicates   int      `json:"duplicates"`
	MissPreviews []string `json:"miss_previews,omitempty"`
}

// ScoreForRank returns the positional score 1.0 - (rank-1)*0.05.
func ScoreForRank(rank int) float64 {
	return 1.0 - float64(rank-1)*scoreStep
}

// Builder builds candidate lists using an Extractor.
type Builder struct {
	extractor *extractor.Extractor
	maxCount  int
	logger    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaxCount overrides the candidate list length. Non-positive values are ignored.
func WithMaxCount(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxCount = n
		}
	}
}

// WithLogger sets the logger used for skipped documents.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(ext *extractor.Extractor, opts ...Option) *Builder {
	b := &Builder{
		extractor: ext,
		maxCount:  DefaultMaxCount,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MaxCount returns the configured list length.
func (b *Builder) MaxCount() int {
	return b.maxCount
}

// Build returns at most MaxCount candidates in service order.
func (b *Builder) Build(docs []string) []Candidate {
	cands, _ := b.BuildWithStats(docs)
	return cands
}

// BuildWithStats is Build plus counts of skipped documents. Scanning stops
// once MaxCount candidates are accepted; skipped documents do not count
// toward the limit.
func (b *Builder) BuildWithStats(docs []string) ([]Candidate, Stats) {
	var stats Stats
	out := make([]Candidate, 0, b.maxCount)
	seen := make(map[string]struct{}, b.maxCount)

	for i, doc := range docs {
		if len(out) >= b.maxCount {
			break
		}
		id, ok := b.extractor.Extract(doc)
		if !ok {
			stats.Misses++
			p := preview(doc)
			stats.MissPreviews = append(stats.MissPreviews, p)
			b.logger.Warn("no identifier found in document",
				"position", i+1,
				"preview", p)
			continue
		}
		if _, dup := seen[id]; dup {
			stats.Duplicates++
			b.logger.Debug("duplicate identifier skipped", "note_id", id, "position", i+1)
			continue
		}
		seen[id] = struct{}{}
		rank := len(out) + 1
		out = append(out, Candidate{
			NoteID: id,
			Rank:   rank,
			Score:  ScoreForRank(rank),
		})
	}
	return out, stats
}

// preview trims a document to a short rune-safe prefix for log output.
func preview(doc string) string {
	const limit = 80
	r := []rune(doc)
	if len(r) <= limit {
		return doc
	}
	return string(r[:limit]) + "..."
}
