package report

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lamim/retrieval-eval/internal/candidates"
	"github.com/lamim/retrieval-eval/internal/conditions"
	"github.com/lamim/retrieval-eval/internal/evaluator"
	"github.com/lamim/retrieval-eval/internal/history"
	"github.com/lamim/retrieval-eval/internal/quality"
	"github.com/lamim/retrieval-eval/internal/search"
)

func sampleOutcome() (*evaluator.Outcome, evaluator.EvaluationContext) {
	cands := []candidates.Candidate{
		{NoteID: "ID1-2", Rank: 1, Score: 1.0},
		{NoteID: "ID1-1", Rank: 2, Score: 0.95},
	}
	gt := []conditions.GroundTruthEntry{
		{NoteID: "ID1-1", Rank: 1},
		{NoteID: "ID1-2", Rank: 2},
		{NoteID: "ID9-9", Rank: 3},
	}
	m := quality.Score(cands, gt)
	out := &evaluator.Outcome{
		State: evaluator.StateCompletedWithErrors,
		Results: []history.EvaluationResult{{
			ConditionID: 1,
			Condition:   conditions.Details{Purpose: "触媒 | 評価"},
			Metrics:     m,
			Candidates:  cands,
			GroundTruth: gt,
			Comparison:  quality.CompareRanks(cands, gt),
		}},
		Errors: []evaluator.ConditionError{{
			ConditionID: 2,
			Category:    evaluator.CategoryServerError,
			Err:         errors.New("API returned status 503: down"),
		}},
		Average:  m,
		Record:   &history.RunRecord{ID: "run-123"},
		Total:    2,
		Duration: 1500 * time.Millisecond,
	}
	ec := evaluator.EvaluationContext{
		EmbeddingModel: "text-embedding-3-small",
		LLMModel:       "gpt-4o-mini",
		Retrieval:      search.DefaultRetrievalConfig(),
	}
	return out, ec
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"md": FormatMarkdown, "JSON": FormatJSON, "": FormatAll, "none": FormatNone} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("html"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestMarkdown_Sections(t *testing.T) {
	out, ec := sampleOutcome()
	md := NewGenerator(out, ec, t.TempDir()).Markdown()

	for _, want := range []string{
		"# Retrieval Evaluation Report",
		"`run-123`",
		"| Prompt set | デフォルト |",
		"| 統合方式 | RRF |",
		"0.30 / 0.40 / 0.30",
		"1 evaluated, 1 failed, 2 total",
		"### 条件 1",
		"| ID1-1 | 1 | 2 | ⬇ 1 lower |",
		"| ID1-2 | 2 | 1 | ⬆ 1 higher |",
		"| ID9-9 | 3 | - | ❌ Missing |",
		"| 2 | server_error | API returned status 503: down |",
		"触媒 \\| 評価",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
	if strings.Contains(md, "canceled before") {
		t.Error("uncanceled run must not carry a cancel notice")
	}
}

func TestGenerate_WritesFiles(t *testing.T) {
	out, ec := sampleOutcome()
	dir := t.TempDir()
	paths, err := NewGenerator(out, ec, dir).Generate(FormatAll)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 report files, got %v", paths)
	}

	data, err := os.ReadFile(paths[1])
	if err != nil {
		t.Fatalf("read json report: %v", err)
	}
	var rep map[string]any
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("report.json is not valid JSON: %v", err)
	}
	if rep["run_id"] != "run-123" || rep["state"] != "completed_with_errors" {
		t.Errorf("unexpected report header: run_id=%v state=%v", rep["run_id"], rep["state"])
	}
	errs, ok := rep["errors"].([]any)
	if !ok || len(errs) != 1 {
		t.Fatalf("expected one error entry, got %v", rep["errors"])
	}
}

func TestGenerate_None(t *testing.T) {
	out, ec := sampleOutcome()
	paths, err := NewGenerator(out, ec, t.TempDir()).Generate(FormatNone)
	if err != nil || len(paths) != 0 {
		t.Errorf("Generate(none) = %v, %v", paths, err)
	}
}
