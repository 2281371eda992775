// Package history keeps a bounded, newest-first record of evaluation runs.
package history

import (
	"time"

	"github.com/lamim/retrieval-eval/internal/candidates"
	"github.com/lamim/retrieval-eval/internal/conditions"
	"github.com/lamim/retrieval-eval/internal/quality"
	"github.com/lamim/retrieval-eval/internal/search"
)

const (
	// DefaultKey is the store key holding the whole history array.
	DefaultKey = "evaluation_histories"
	// DefaultCapacity bounds the number of retained runs.
	DefaultCapacity = 50
	// DefaultPromptSetLabel names a run without custom prompts.
	DefaultPromptSetLabel = "デフォルト"
)

// EvaluationResult is the scored outcome of one condition.
type EvaluationResult struct {
	ConditionID int                           `json:"condition_id"`
	Condition   conditions.Details            `json:"condition"`
	Metrics     quality.Metrics               `json:"metrics"`
	Candidates  []candidates.Candidate        `json:"candidates"`
	GroundTruth []conditions.GroundTruthEntry `json:"ground_truth"`
	Comparison  []quality.RankComparison      `json:"comparison,omitempty"`
}

// RunRecord is one persisted batch run.
type RunRecord struct {
	ID                string                 `json:"id"`
	Timestamp         time.Time              `json:"timestamp"`
	PromptSetLabel    string                 `json:"prompt_name"`
	EmbeddingModelID  string                 `json:"embedding_model"`
	LLMModelID        string                 `json:"llm_model"`
	SearchLLMModelID  string                 `json:"search_llm_model,omitempty"`
	SummaryLLMModelID string                 `json:"summary_llm_model,omitempty"`
	PromptOverrides   map[string]string      `json:"custom_prompts,omitempty"`
	Results           []EvaluationResult     `json:"results"`
	AverageMetrics    quality.Metrics        `json:"average_metrics"`
	Retrieval         search.RetrievalConfig `json:"retrieval_config"`
	FailedConditions  []int                  `json:"failed_conditions,omitempty"`
	Canceled          bool                   `json:"canceled,omitempty"`
}

// RunConfig carries the run-level settings recorded alongside results.
type RunConfig struct {
	PromptSetLabel    string
	EmbeddingModelID  string
	LLMModelID        string
	SearchLLMModelID  string
	SummaryLLMModelID string
	PromptOverrides   map[string]string
	Retrieval         search.RetrievalConfig
	FailedConditions  []int
	Canceled          bool
}

// FlatRow is one (run, condition) pair for tabular export.
type FlatRow struct {
	RunID            string
	Timestamp        time.Time
	ConditionID      int
	EmbeddingModelID string
	LLMModelID       string
	PromptSetLabel   string
	Metrics          quality.Metrics
	Retrieval        search.RetrievalConfig
}
