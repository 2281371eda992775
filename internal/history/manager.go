package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/retrieval-eval/internal/notify"
	"github.com/lamim/retrieval-eval/internal/quality"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("history: run not found")

// Manager serialises read-modify-write access to the stored history.
// Writers in other processes are not coordinated.
type Manager struct {
	mu        sync.Mutex
	store     Store
	key       string
	capacity  int
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithKey overrides the store key.
func WithKey(key string) Option {
	return func(m *Manager) {
		if key != "" {
			m.key = key
		}
	}
}

// WithCapacity overrides the retained run count. n <= 0 is ignored.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithPublisher sets where run-completed events go.
func WithPublisher(p notify.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		key:       DefaultKey,
		capacity:  DefaultCapacity,
		publisher: notify.Nop{},
		logger:    slog.Default().With("component", "history"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capacity returns the retained run count.
func (m *Manager) Capacity() int {
	return m.capacity
}

// load reads the stored history. A missing key or undecodable value yields an
// empty history; the latter is logged.
func (m *Manager) load(ctx context.Context) ([]RunRecord, error) {
	data, err := m.store.Get(ctx, m.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	var runs []RunRecord
	if err := json.Unmarshal(data, &runs); err != nil {
		m.logger.Warn("discarding malformed history",
			"key", m.key,
			"bytes", len(data),
			"error", err,
		)
		return nil, nil
	}
	return runs, nil
}

func (m *Manager) save(ctx context.Context, runs []RunRecord) error {
	data, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := m.store.Set(ctx, m.key, data); err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}
	return nil
}

func (m *Manager) newID(ts time.Time) string {
	id, err := uuid.NewV7()
	if err != nil {
		return strconv.FormatInt(ts.UnixNano(), 10)
	}
	return id.String()
}

// Append records a run at the front of the history, evicting the oldest runs
// beyond capacity, and persists the whole history.
func (m *Manager) Append(ctx context.Context, results []EvaluationResult, avg quality.Metrics, cfg RunConfig) (*RunRecord, error) {
	label := cfg.PromptSetLabel
	if label == "" {
		label = DefaultPromptSetLabel
	}
	ts := m.now().UTC()
	record := RunRecord{
		ID:                m.newID(ts),
		Timestamp:         ts,
		PromptSetLabel:    label,
		EmbeddingModelID:  cfg.EmbeddingModelID,
		LLMModelID:        cfg.LLMModelID,
		SearchLLMModelID:  cfg.SearchLLMModelID,
		SummaryLLMModelID: cfg.SummaryLLMModelID,
		PromptOverrides:   maps.Clone(cfg.PromptOverrides),
		Results:           slices.Clone(results),
		AverageMetrics:    avg,
		Retrieval:         cfg.Retrieval,
		FailedConditions:  slices.Clone(cfg.FailedConditions),
		Canceled:          cfg.Canceled,
	}

	if err := m.appendLocked(ctx, record); err != nil {
		return nil, err
	}
	m.logger.Info("run recorded",
		"run_id", record.ID,
		"conditions", len(results),
		"failed", len(cfg.FailedConditions),
		"canceled", cfg.Canceled,
	)

	event := notify.RunCompleted{
		RunID:          record.ID,
		Timestamp:      record.Timestamp,
		EmbeddingModel: record.EmbeddingModelID,
		LLMModel:       record.LLMModelID,
		PromptSetLabel: record.PromptSetLabel,
		Averages:       record.AverageMetrics,
		ConditionCount: len(record.Results),
		Canceled:       record.Canceled,
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("run event not published", "run_id", record.ID, "error", err)
	}
	return &record, nil
}

func (m *Manager) appendLocked(ctx context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs, err := m.load(ctx)
	if err != nil {
		return err
	}
	runs = append([]RunRecord{record}, runs...)
	if len(runs) > m.capacity {
		runs = runs[:m.capacity]
	}
	return m.save(ctx, runs)
}

// List returns all retained runs, newest first.
func (m *Manager) List(ctx context.Context) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

// Get returns the run with id.
func (m *Manager) Get(ctx context.Context, id string) (*RunRecord, error) {
	runs, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == id {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// Clear removes every run.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Remove(ctx, m.key); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// ExportFlat returns one row per (run, condition), runs newest first and
// conditions in recorded order.
func (m *Manager) ExportFlat(ctx context.Context) ([]FlatRow, error) {
	runs, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return Flatten(runs), nil
}

// Flatten expands runs into export rows.
func Flatten(runs []RunRecord) []FlatRow {
	var rows []FlatRow
	for _, run := range runs {
		for _, res := range run.Results {
			rows = append(rows, FlatRow{
				RunID:            run.ID,
				Timestamp:        run.Timestamp,
				ConditionID:      res.ConditionID,
				EmbeddingModelID: run.EmbeddingModelID,
				LLMModelID:       run.LLMModelID,
				PromptSetLabel:   run.PromptSetLabel,
				Metrics:          res.Metrics,
				Retrieval:        run.Retrieval,
			})
		}
	}
	return rows
}
