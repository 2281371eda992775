// Package evaluator drives a set of test conditions through the search
// service and scores each one.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lamim/retrieval-eval/internal/candidates"
	"github.com/lamim/retrieval-eval/internal/conditions"
	"github.com/lamim/retrieval-eval/internal/debug"
	"github.com/lamim/retrieval-eval/internal/history"
	"github.com/lamim/retrieval-eval/internal/quality"
	"github.com/lamim/retrieval-eval/internal/search"
	"github.com/lamim/retrieval-eval/internal/telemetry"
)

const (
	DefaultTimeout = 5 * time.Minute
	DefaultPause   = 500 * time.Millisecond
)

var (
	// ErrMissingCredentials is returned before any search call when either
	// API key is absent.
	ErrMissingCredentials = errors.New("both OpenAI and Cohere API keys are required")
	// ErrNoConditions is returned when the condition set is empty.
	ErrNoConditions = errors.New("no test conditions to evaluate")
	// ErrAllFailed is returned when no condition produced a result.
	ErrAllFailed = errors.New("every condition failed")
)

// EvaluationContext is the run-level input shared by every condition.
type EvaluationContext struct {
	Credentials     search.Credentials
	EmbeddingModel  string
	LLMModel        string
	SearchLLMModel  string
	SummaryLLMModel string
	PromptSetLabel  string
	PromptOverrides map[string]string
	Retrieval       search.RetrievalConfig
}

// Progress receives per-condition lifecycle updates.
type Progress interface {
	StartCondition(index, total, id int)
	CompleteCondition(id int, err error)
	Finish()
}

type nopProgress struct{}

func (nopProgress) StartCondition(int, int, int)  {}
func (nopProgress) CompleteCondition(int, error) {}
func (nopProgress) Finish()                       {}

// Outcome is everything a batch run produced.
type Outcome struct {
	State    State
	Results  []history.EvaluationResult
	Errors   []ConditionError
	Average  quality.Metrics
	Record   *history.RunRecord
	Canceled bool
	Total    int
	Duration time.Duration
}

// FailedConditionIDs lists the IDs of failed conditions in input order.
func (o *Outcome) FailedConditionIDs() []int {
	if len(o.Errors) == 0 {
		return nil
	}
	ids := make([]int, len(o.Errors))
	for i, e := range o.Errors {
		ids[i] = e.ConditionID
	}
	return ids
}

// Runner evaluates conditions one at a time.
type Runner struct {
	searcher    search.Searcher
	builder     *candidates.Builder
	history     *history.Manager
	progress    Progress
	debugLogger *debug.Logger
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	timeout     time.Duration
	pause       time.Duration

	mu     sync.Mutex
	status Status
}

// Option configures a Runner.
type Option func(*Runner)

// WithProgress sets the progress sink.
func WithProgress(p Progress) Option {
	return func(r *Runner) {
		if p != nil {
			r.progress = p
		}
	}
}

// WithDebugLogger enables per-condition request capture.
func WithDebugLogger(l *debug.Logger) Option {
	return func(r *Runner) { r.debugLogger = l }
}

// WithTelemetry sets the Prometheus metrics sink.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimeout bounds each condition. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPause sets the wait between conditions. Zero disables it.
func WithPause(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.pause = d
		}
	}
}

// NewRunner creates a Runner. hist may be nil, in which case runs are not
// recorded.
func NewRunner(searcher search.Searcher, builder *candidates.Builder, hist *history.Manager, opts ...Option) *Runner {
	r := &Runner{
		searcher: searcher,
		builder:  builder,
		history:  hist,
		progress: nopProgress{},
		logger:   slog.Default().With("component", "evaluator"),
		timeout:  DefaultTimeout,
		pause:    DefaultPause,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the current state and position.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Run evaluates conds in order. Setup errors are returned before any search
// call. Per-condition failures are collected in the Outcome and do not stop
// the batch. Cancelling ctx stops the batch before the next condition; the
// results collected so far are kept and recorded.
func (r *Runner) Run(ctx context.Context, ec EvaluationContext, conds []conditions.TestCondition) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Total: len(conds)}

	if !ec.Credentials.Complete() {
		out.State = StateFailedAll
		r.setStatus(Status{State: StateFailedAll, Total: len(conds)})
		return out, ErrMissingCredentials
	}
	if len(conds) == 0 {
		out.State = StateFailedAll
		r.setStatus(Status{State: StateFailedAll})
		return out, ErrNoConditions
	}

	log := r.logger.With("conditions", len(conds))
	log.Info("evaluation started",
		"embedding_model", ec.EmbeddingModel,
		"llm_model", ec.LLMModel,
		"fusion_method", ec.Retrieval.FusionMethod,
	)

	for i, cond := range conds {
		if ctx.Err() != nil {
			out.Canceled = true
			break
		}
		if i > 0 {
			if err := search.SleepWithContext(ctx, r.pause); err != nil {
				out.Canceled = true
				break
			}
		}

		r.setStatus(Status{State: StateRunning, Index: i + 1, Total: len(conds)})
		r.progress.StartCondition(i+1, len(conds), cond.ID)

		res, err := r.evaluateCondition(ctx, ec, cond)
		r.progress.CompleteCondition(cond.ID, err)
		if err != nil {
			cerr := newConditionError(cond.ID, err)
			out.Errors = append(out.Errors, cerr)
			r.metrics.ObserveCondition(telemetryStatus(cerr.Category))
			log.Warn("condition failed",
				"condition_id", cond.ID,
				"category", cerr.Category,
				"error", err,
			)
			continue
		}
		r.metrics.ObserveCondition(telemetry.StatusSuccess)
		out.Results = append(out.Results, *res)
	}
	r.progress.Finish()
	if ctx.Err() != nil {
		out.Canceled = true
	}
	out.Duration = time.Since(start)

	if len(out.Results) == 0 {
		out.State = StateFailedAll
		r.setStatus(Status{State: StateFailedAll, Total: len(conds)})
		log.Error("evaluation produced no results",
			"failed", len(out.Errors),
			"canceled", out.Canceled,
		)
		if out.Canceled {
			return out, fmt.Errorf("%w: %w", ErrAllFailed, context.Cause(ctx))
		}
		return out, ErrAllFailed
	}

	metrics := make([]quality.Metrics, len(out.Results))
	for i, res := range out.Results {
		metrics[i] = res.Metrics
	}
	out.Average = quality.Average(metrics)
	r.metrics.SetLastRun(out.Average)

	out.State = StateCompleted
	if len(out.Errors) > 0 || out.Canceled {
		out.State = StateCompletedWithErrors
	}
	r.setStatus(Status{State: out.State, Index: len(conds), Total: len(conds)})
	log.Info("evaluation finished",
		"state", out.State.String(),
		"results", len(out.Results),
		"failed", len(out.Errors),
		"canceled", out.Canceled,
		"ndcg_10", out.Average.NDCG10,
		"duration", out.Duration,
	)

	if r.history == nil {
		return out, nil
	}
	// Recording must survive the cancellation that ended the loop.
	rec, err := r.history.Append(context.WithoutCancel(ctx), out.Results, out.Average, history.RunConfig{
		PromptSetLabel:    ec.PromptSetLabel,
		EmbeddingModelID:  ec.EmbeddingModel,
		LLMModelID:        ec.LLMModel,
		SearchLLMModelID:  ec.SearchLLMModel,
		SummaryLLMModelID: ec.SummaryLLMModel,
		PromptOverrides:   ec.PromptOverrides,
		Retrieval:         ec.Retrieval,
		FailedConditions:  out.FailedConditionIDs(),
		Canceled:          out.Canceled,
	})
	if err != nil {
		return out, fmt.Errorf("failed to record run: %w", err)
	}
	out.Record = rec
	return out, nil
}

func (r *Runner) evaluateCondition(ctx context.Context, ec EvaluationContext, cond conditions.TestCondition) (*history.EvaluationResult, error) {
	condCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entry *debug.ConditionLog
	if r.debugLogger.IsEnabled() {
		entry = r.debugLogger.StartCondition(cond.ID)
		condCtx = search.WithDebugLogger(condCtx, r.debugLogger)
		condCtx = search.WithConditionLog(condCtx, entry)
		defer r.debugLogger.EndCondition(entry)
	}

	resp, err := r.searcher.Search(condCtx, newSearchRequest(ec, cond))
	if err != nil {
		r.debugLogger.LogError(entry, err.Error(), categorizeError(err), "search")
		r.debugLogger.SetStatus(entry, debug.StatusFailed)
		return nil, fmt.Errorf("search failed: %w", err)
	}
	r.metrics.ObserveSearch(resp.Latency)

	cands, stats := r.builder.BuildWithStats(resp.Documents)
	r.metrics.ObserveCandidates(stats.Misses, stats.Duplicates)
	for _, p := range stats.MissPreviews {
		r.debugLogger.LogMiss(entry, p)
	}

	gt := conditions.LoadGroundTruth(cond)
	m := quality.Score(cands, gt)

	r.debugLogger.SetMetadata(entry, "documents", len(resp.Documents))
	r.debugLogger.SetMetadata(entry, "candidates", len(cands))
	r.debugLogger.SetMetadata(entry, "duplicates", stats.Duplicates)
	r.debugLogger.SetMetadata(entry, "ground_truth", len(gt))
	r.debugLogger.SetMetadata(entry, "ndcg_10", m.NDCG10)

	r.logger.Debug("condition scored",
		"condition_id", cond.ID,
		"candidates", len(cands),
		"misses", stats.Misses,
		"ndcg_10", m.NDCG10,
		"mrr", m.MRR,
	)

	return &history.EvaluationResult{
		ConditionID: cond.ID,
		Condition:   cond.Details(),
		Metrics:     m,
		Candidates:  cands,
		GroundTruth: gt,
		Comparison:  quality.CompareRanks(cands, gt),
	}, nil
}

func newSearchRequest(ec EvaluationContext, cond conditions.TestCondition) search.Request {
	return search.Request{
		Purpose:         cond.Purpose,
		Materials:       cond.Materials,
		Methods:         cond.Methodology,
		Instruction:     cond.FocusInstruction,
		Credentials:     ec.Credentials,
		EmbeddingModel:  ec.EmbeddingModel,
		LLMModel:        ec.LLMModel,
		SearchLLMModel:  ec.SearchLLMModel,
		SummaryLLMModel: ec.SummaryLLMModel,
		CustomPrompts:   ec.PromptOverrides,
		EvaluationMode:  true,
		Retrieval:       ec.Retrieval,
	}
}

func telemetryStatus(category string) string {
	if category == CategoryCanceled {
		return telemetry.StatusCanceled
	}
	return telemetry.StatusFailed
}

// EnsureOutputDir creates a timestamped session subdirectory under base and
// returns its path.
func EnsureOutputDir(base string, now time.Time) (string, error) {
	sessionDir := filepath.Join(base, now.Format("2006-01-02_15-04-05"))
	// #nosec G301 - 0750 is more restrictive than 0755 but still allows owner/group access
	if err := os.MkdirAll(sessionDir, 0750); err != nil {
		return "", err
	}
	return sessionDir, nil
}
