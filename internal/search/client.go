package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	// searchType is the request kind the service expects for a fresh query.
	searchType = "initial_search"
)

// Client calls the retrieval backend over HTTP.
type Client struct {
	baseURL    string
	token      string
	teamID     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent in the Authorization header.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTeamID sets the X-Team-ID header.
func WithTeamID(teamID string) ClientOption {
	return func(c *Client) { c.teamID = teamID }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRequestsPerSecond paces outgoing calls. Zero or less disables pacing.
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("search base URL is empty")
	}
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type axisWeightsBody struct {
	Material float64 `json:"material"`
	Method   float64 `json:"method"`
	Combined float64 `json:"combined"`
}

type requestBody struct {
	Purpose          string            `json:"purpose"`
	Materials        string            `json:"materials"`
	Methods          string            `json:"methods"`
	Type             string            `json:"type"`
	Instruction      string            `json:"instruction"`
	OpenAIAPIKey     string            `json:"openai_api_key"`
	CohereAPIKey     string            `json:"cohere_api_key"`
	EmbeddingModel   string            `json:"embedding_model,omitempty"`
	LLMModel         string            `json:"llm_model,omitempty"`
	SearchLLMModel   string            `json:"search_llm_model,omitempty"`
	SummaryLLMModel  string            `json:"summary_llm_model,omitempty"`
	CustomPrompts    map[string]string `json:"custom_prompts,omitempty"`
	EvaluationMode   bool              `json:"evaluation_mode"`
	MultiAxisEnabled bool              `json:"multi_axis_enabled"`
	FusionMethod     string            `json:"fusion_method"`
	AxisWeights      axisWeightsBody   `json:"axis_weights"`
	RerankPosition   string            `json:"rerank_position"`
	RerankEnabled    bool              `json:"rerank_enabled"`
}

type responseBody struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message"`
	RetrievedDocs []string `json:"retrieved_docs"`
}

func newRequestBody(req Request) requestBody {
	return requestBody{
		Purpose:          req.Purpose,
		Materials:        req.Materials,
		Methods:          req.Methods,
		Type:             searchType,
		Instruction:      req.Instruction,
		OpenAIAPIKey:     req.Credentials.OpenAIAPIKey,
		CohereAPIKey:     req.Credentials.CohereAPIKey,
		EmbeddingModel:   req.EmbeddingModel,
		LLMModel:         req.LLMModel,
		SearchLLMModel:   req.SearchLLMModel,
		SummaryLLMModel:  req.SummaryLLMModel,
		CustomPrompts:    req.CustomPrompts,
		EvaluationMode:   req.EvaluationMode,
		MultiAxisEnabled: req.Retrieval.MultiAxisEnabled,
		FusionMethod:     string(req.Retrieval.FusionMethod),
		AxisWeights: axisWeightsBody{
			Material: req.Retrieval.AxisWeights.Material,
			Method:   req.Retrieval.AxisWeights.Method,
			Combined: req.Retrieval.AxisWeights.Combined,
		},
		RerankPosition: string(req.Retrieval.RerankPosition),
		RerankEnabled:  req.Retrieval.RerankEnabled,
	}
}

// Search posts req to {baseURL}/search.
func (c *Client) Search(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}
	}

	start := time.Now()

	payload := newRequestBody(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/search"
	trace, _, finalize := NewTraceContext(ctx)
	if trace != nil {
		ctx = httptrace.WithClientTrace(ctx, trace)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.teamID != "" {
		httpReq.Header.Set("X-Team-ID", c.teamID)
	}

	LogRequest(ctx, http.MethodPost, url, HeadersToMap(httpReq.Header), redactedBody(payload))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	finalize()
	latency := time.Since(start)
	LogResponse(ctx, resp.StatusCode, HeadersToMap(resp.Header), string(respBody), len(respBody), latency)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result responseBody
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "no message"
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsuccessful, msg)
	}

	return &Response{
		Documents: result.RetrievedDocs,
		Narrative: result.Message,
		Latency:   latency,
	}, nil
}

// redactedBody renders the request for debug logs with API keys masked.
func redactedBody(b requestBody) string {
	b.OpenAIAPIKey = mask(b.OpenAIAPIKey)
	b.CohereAPIKey = mask(b.CohereAPIKey)
	data, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(data)
}

func mask(key string) string {
	if key == "" {
		return ""
	}
	return "[REDACTED]"
}
