// Package search defines the retrieval backend contract and its HTTP client.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsuccessful is returned when the service answers 200 with success=false.
var ErrUnsuccessful = errors.New("search service reported failure")

// FusionMethod selects how per-axis rankings are merged.
type FusionMethod string

const (
	// FusionRRF is reciprocal rank fusion.
	FusionRRF FusionMethod = "rrf"
	// FusionLinear is a weighted linear combination.
	FusionLinear FusionMethod = "linear"
)

// ParseFusionMethod validates s.
func ParseFusionMethod(s string) (FusionMethod, error) {
	switch FusionMethod(strings.ToLower(strings.TrimSpace(s))) {
	case FusionRRF:
		return FusionRRF, nil
	case FusionLinear:
		return FusionLinear, nil
	default:
		return "", fmt.Errorf("unknown fusion method %q (want rrf or linear)", s)
	}
}

// RerankPosition selects where reranking is applied.
type RerankPosition string

const (
	// RerankPerAxis reranks each axis before fusion.
	RerankPerAxis RerankPosition = "per_axis"
	// RerankAfterFusion reranks the fused list.
	RerankAfterFusion RerankPosition = "after_fusion"
)

// ParseRerankPosition validates s.
func ParseRerankPosition(s string) (RerankPosition, error) {
	switch RerankPosition(strings.ToLower(strings.TrimSpace(s))) {
	case RerankPerAxis:
		return RerankPerAxis, nil
	case RerankAfterFusion:
		return RerankAfterFusion, nil
	default:
		return "", fmt.Errorf("unknown rerank position %q (want per_axis or after_fusion)", s)
	}
}

// AxisWeights are the fusion weights of the three retrieval axes. They are
// forwarded as given; nothing here requires them to sum to 1.
type AxisWeights struct {
	Material float64 `json:"material"`
	Method   float64 `json:"method"`
	Combined float64 `json:"combined"`
}

// RetrievalConfig is passed through to the service and echoed into history.
type RetrievalConfig struct {
	MultiAxisEnabled bool           `json:"multi_axis_enabled"`
	FusionMethod     FusionMethod   `json:"fusion_method"`
	AxisWeights      AxisWeights    `json:"axis_weights"`
	RerankPosition   RerankPosition `json:"rerank_position"`
	RerankEnabled    bool           `json:"rerank_enabled"`
}

// DefaultRetrievalConfig returns the service's usual settings.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		MultiAxisEnabled: true,
		FusionMethod:     FusionRRF,
		AxisWeights:      AxisWeights{Material: 0.3, Method: 0.4, Combined: 0.3},
		RerankPosition:   RerankAfterFusion,
		RerankEnabled:    true,
	}
}

// Credentials are the two upstream API keys the service needs.
type Credentials struct {
	OpenAIAPIKey string
	CohereAPIKey string
}

// Complete reports whether both keys are set.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != "" && strings.TrimSpace(c.CohereAPIKey) != ""
}

// Request is one search call.
type Request struct {
	Purpose         string
	Materials       string
	Methods         string
	Instruction     string
	Credentials     Credentials
	EmbeddingModel  string
	LLMModel        string
	SearchLLMModel  string
	SummaryLLMModel string
	CustomPrompts   map[string]string
	EvaluationMode  bool
	Retrieval       RetrievalConfig
}

// Response is the service's answer. Documents are in relevance order.
type Response struct {
	Documents []string
	// Narrative is the generated summary; it does not affect scoring.
	Narrative string
	Latency   time.Duration
}

// Searcher runs one retrieval call.
type Searcher interface {
	Search(ctx context.Context, req Request) (*Response, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, req Request) (*Response, error)

// Search calls f.
func (f SearcherFunc) Search(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
