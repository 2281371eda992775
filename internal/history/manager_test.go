package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/lamim/retrieval-eval/internal/notify"
	"github.com/lamim/retrieval-eval/internal/quality"
	"github.com/lamim/retrieval-eval/internal/search"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.RunCompleted
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e notify.RunCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type failingStore struct{ *MemoryStore }

func (s *failingStore) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func resultFor(id int, ndcg float64) EvaluationResult {
	return EvaluationResult{ConditionID: id, Metrics: quality.Metrics{NDCG10: ndcg, MRR: ndcg}}
}

func TestAppend_RecordIsDetachedFromCallerInputs(t *testing.T) {
	m := NewManager(NewMemoryStore())
	overrides := map[string]string{"summary": "short"}
	failed := []int{3}
	results := []EvaluationResult{resultFor(1, 0.5)}

	rec, err := m.Append(context.Background(), results, quality.Metrics{NDCG10: 0.5}, RunConfig{
		PromptOverrides:  overrides,
		FailedConditions: failed,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	overrides["summary"] = "changed"
	overrides["search"] = "added"
	failed[0] = 99
	results[0].ConditionID = 42

	if diff := cmp.Diff(map[string]string{"summary": "short"}, rec.PromptOverrides); diff != "" {
		t.Errorf("returned record overrides mutated (-want +got):\n%s", diff)
	}
	if rec.FailedConditions[0] != 3 || rec.Results[0].ConditionID != 1 {
		t.Errorf("returned record mutated: failed=%v result id=%d", rec.FailedConditions, rec.Results[0].ConditionID)
	}

	stored, err := m.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(*rec, *stored); diff != "" {
		t.Errorf("stored record differs from returned record (-want +got):\n%s", diff)
	}
}

func TestAppend_RecordFields(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, WithClock(fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))))

	cfg := RunConfig{
		EmbeddingModelID: "text-embedding-3-small",
		LLMModelID:       "gpt-4o-mini",
		PromptOverrides:  map[string]string{"summary": "short"},
		Retrieval:        search.DefaultRetrievalConfig(),
		FailedConditions: []int{3},
	}
	avg := quality.Metrics{NDCG10: 0.5}
	rec, err := m.Append(context.Background(), []EvaluationResult{resultFor(1, 0.5)}, avg, cfg)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected a run ID")
	}
	if rec.PromptSetLabel != DefaultPromptSetLabel {
		t.Errorf("PromptSetLabel = %q, want default label", rec.PromptSetLabel)
	}
	if !rec.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", rec.Timestamp)
	}

	runs, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if diff := cmp.Diff([]RunRecord{*rec}, runs); diff != "" {
		t.Errorf("persisted history mismatch (-want +got):\n%s", diff)
	}
}

func TestAppend_TimestampRoundTripsRFC3339(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	if _, err := m.Append(context.Background(), []EvaluationResult{resultFor(1, 1)}, quality.Metrics{}, RunConfig{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	raw, err := store.Get(context.Background(), DefaultKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var generic []map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("stored value is not a JSON array: %v", err)
	}
	ts, ok := generic[0]["timestamp"].(string)
	if !ok {
		t.Fatalf("timestamp not stored as string: %v", generic[0]["timestamp"])
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", ts, err)
	}
}

func TestAppend_BoundedNewestFirst(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithClock(fixedClock(time.Unix(0, 0))))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 60; i++ {
		rec, err := m.Append(ctx, []EvaluationResult{resultFor(i, 0)}, quality.Metrics{}, RunConfig{
			PromptSetLabel: fmt.Sprintf("run-%d", i),
		})
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		ids = append(ids, rec.ID)

		runs, err := m.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := i + 1
		if want > DefaultCapacity {
			want = DefaultCapacity
		}
		if len(runs) != want {
			t.Fatalf("after %d appends len = %d, want %d", i+1, len(runs), want)
		}
		if runs[0].ID != rec.ID {
			t.Fatalf("newest run must be first")
		}
	}

	runs, _ := m.List(ctx)
	for i, run := range runs {
		if want := ids[59-i]; run.ID != want {
			t.Fatalf("runs[%d].ID = %s, want %s", i, run.ID, want)
		}
	}
	if runs[len(runs)-1].PromptSetLabel != "run-10" {
		t.Errorf("oldest retained run = %s, want run-10", runs[len(runs)-1].PromptSetLabel)
	}
}

func TestAppend_UniqueIDs(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithCapacity(200))
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec, err := m.Append(context.Background(), nil, quality.Metrics{}, RunConfig{})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if seen[rec.ID] {
			t.Fatalf("duplicate run ID %s", rec.ID)
		}
		seen[rec.ID] = true
	}
}

func TestAppend_ConcurrentWritersSerialised(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithCapacity(100))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Append(context.Background(), []EvaluationResult{resultFor(i, 0)}, quality.Metrics{}, RunConfig{}); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	runs, _ := m.List(context.Background())
	if len(runs) != 20 {
		t.Fatalf("expected 20 runs, got %d", len(runs))
	}
}

func TestLoad_MalformedHistoryTreatedAsEmpty(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Set(context.Background(), DefaultKey, []byte("{broken"))
	m := NewManager(store)

	runs, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected empty history, got %d runs", len(runs))
	}

	if _, err := m.Append(context.Background(), []EvaluationResult{resultFor(1, 1)}, quality.Metrics{}, RunConfig{}); err != nil {
		t.Fatalf("Append after malformed history failed: %v", err)
	}
	runs, _ = m.List(context.Background())
	if len(runs) != 1 {
		t.Fatalf("expected 1 run after append, got %d", len(runs))
	}
}

func TestAppend_StoreFailure(t *testing.T) {
	m := NewManager(&failingStore{MemoryStore: NewMemoryStore()})
	if _, err := m.Append(context.Background(), nil, quality.Metrics{}, RunConfig{}); err == nil {
		t.Fatal("expected persist error")
	}
}

func TestAppend_PublishesAndIgnoresPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	m := NewManager(NewMemoryStore(), WithPublisher(pub))

	avg := quality.Metrics{NDCG10: 0.7}
	rec, err := m.Append(context.Background(), []EvaluationResult{resultFor(1, 0.7), resultFor(2, 0.7)}, avg, RunConfig{
		EmbeddingModelID: "emb",
		LLMModelID:       "llm",
		Canceled:         true,
	})
	if err != nil {
		t.Fatalf("publish failure must not fail Append: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	want := notify.RunCompleted{
		RunID:          rec.ID,
		Timestamp:      rec.Timestamp,
		EmbeddingModel: "emb",
		LLMModel:       "llm",
		PromptSetLabel: DefaultPromptSetLabel,
		Averages:       avg,
		ConditionCount: 2,
		Canceled:       true,
	}
	if diff := cmp.Diff(want, pub.events[0]); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAndClear(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()
	rec, _ := m.Append(ctx, nil, quality.Metrics{}, RunConfig{})

	got, err := m.Get(ctx, rec.ID)
	if err != nil || got.ID != rec.ID {
		t.Fatalf("Get(%s) = %v, %v", rec.ID, got, err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	runs, _ := m.List(ctx)
	if len(runs) != 0 {
		t.Errorf("expected empty history after Clear, got %d", len(runs))
	}
}

func TestExportFlat(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithClock(fixedClock(time.Unix(0, 0))))
	ctx := context.Background()
	first, _ := m.Append(ctx, []EvaluationResult{resultFor(1, 0.1), resultFor(2, 0.2)}, quality.Metrics{}, RunConfig{LLMModelID: "a"})
	second, _ := m.Append(ctx, []EvaluationResult{resultFor(5, 0.5)}, quality.Metrics{}, RunConfig{LLMModelID: "b"})

	rows, err := m.ExportFlat(ctx)
	if err != nil {
		t.Fatalf("ExportFlat failed: %v", err)
	}
	type key struct {
		Run  string
		Cond int
		LLM  string
		NDCG float64
	}
	var got []key
	for _, r := range rows {
		got = append(got, key{r.RunID, r.ConditionID, r.LLMModelID, r.Metrics.NDCG10})
	}
	want := []key{
		{second.ID, 5, "b", 0.5},
		{first.ID, 1, "a", 0.1},
		{first.ID, 2, "a", 0.2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCompare(t *testing.T) {
	base := RunRecord{
		ID:             "a",
		AverageMetrics: quality.Metrics{NDCG10: 0.5, MRR: 0.5},
		Results:        []EvaluationResult{resultFor(1, 0.4), resultFor(2, 0.6), resultFor(3, 0.5), resultFor(9, 1)},
	}
	cand := RunRecord{
		ID:             "b",
		AverageMetrics: quality.Metrics{NDCG10: 0.6, MRR: 0.4},
		Results:        []EvaluationResult{resultFor(3, 0.5), resultFor(2, 0.3), resultFor(1, 0.8), resultFor(7, 0)},
	}

	got := Compare(base, cand)
	if got.Improved != 1 || got.Regressed != 1 || got.Unchanged != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", got.Improved, got.Regressed, got.Unchanged)
	}
	if diff := cmp.Diff([]int{9}, got.OnlyInBaseline); diff != "" {
		t.Errorf("OnlyInBaseline mismatch: %s", diff)
	}
	if diff := cmp.Diff([]int{7}, got.OnlyInCand); diff != "" {
		t.Errorf("OnlyInCand mismatch: %s", diff)
	}
	wantAvg := quality.Metrics{NDCG10: 0.1, MRR: -0.1}
	if diff := cmp.Diff(wantAvg, got.AverageDelta, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("AverageDelta mismatch: %s", diff)
	}
	var order []int
	var changes []Change
	for _, d := range got.Conditions {
		order = append(order, d.ConditionID)
		changes = append(changes, d.Change)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, order); diff != "" {
		t.Errorf("condition order mismatch: %s", diff)
	}
	if diff := cmp.Diff([]Change{Improved, Regressed, Unchanged}, changes); diff != "" {
		t.Errorf("changes mismatch: %s", diff)
	}
	if !got.AveragesChanged() {
		t.Error("expected averages to have changed")
	}
	if text := got.Format(); text == "" {
		t.Error("expected formatted comparison")
	}
}

func TestCompare_Identical(t *testing.T) {
	run := RunRecord{ID: "x", Results: []EvaluationResult{resultFor(1, 0.3)}}
	got := Compare(run, run)
	if got.AveragesChanged() || got.Unchanged != 1 {
		t.Errorf("identical runs should compare unchanged: %+v", got)
	}
}
