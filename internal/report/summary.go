// Package report renders run reports and tabular history exports.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lamim/retrieval-eval/internal/evaluator"
	"github.com/lamim/retrieval-eval/internal/history"
	"github.com/lamim/retrieval-eval/internal/quality"
	"github.com/lamim/retrieval-eval/internal/search"
)

// Format names a report output.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatJSON     Format = "json"
	FormatAll      Format = "all"
	FormatNone     Format = "none"
)

// ParseFormat validates s.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatMarkdown, FormatJSON, FormatAll, FormatNone:
		return f, nil
	case "":
		return FormatAll, nil
	default:
		return "", fmt.Errorf("unknown report format %q (use md, json, all or none)", s)
	}
}

// Generator writes reports for one finished batch.
type Generator struct {
	outcome   *evaluator.Outcome
	ec        evaluator.EvaluationContext
	outputDir string
	now       func() time.Time
}

// NewGenerator creates a report generator writing under outputDir.
func NewGenerator(outcome *evaluator.Outcome, ec evaluator.EvaluationContext, outputDir string) *Generator {
	return &Generator{
		outcome:   outcome,
		ec:        ec,
		outputDir: outputDir,
		now:       time.Now,
	}
}

// Generate writes the reports selected by f and returns their paths.
func (g *Generator) Generate(f Format) ([]string, error) {
	var paths []string
	if f == FormatMarkdown || f == FormatAll {
		p, err := g.GenerateMarkdown()
		if err != nil {
			return paths, fmt.Errorf("failed to generate markdown report: %w", err)
		}
		paths = append(paths, p)
	}
	if f == FormatJSON || f == FormatAll {
		p, err := g.GenerateJSON()
		if err != nil {
			return paths, fmt.Errorf("failed to generate JSON report: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Markdown renders the markdown report body.
func (g *Generator) Markdown() string {
	out := g.outcome
	timestamp := g.now().Format("2006-01-02 15:04:05")

	var sb strings.Builder
	sb.WriteString("# Retrieval Evaluation Report\n\n")
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n\n", timestamp))
	if out.Record != nil {
		sb.WriteString(fmt.Sprintf("**Run ID:** `%s`\n\n", out.Record.ID))
	}

	label := g.ec.PromptSetLabel
	if label == "" {
		label = history.DefaultPromptSetLabel
	}
	rc := g.ec.Retrieval
	sb.WriteString("## Configuration\n\n")
	sb.WriteString("| Setting | Value |\n")
	sb.WriteString("|---------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Embedding model | %s |\n", g.ec.EmbeddingModel))
	sb.WriteString(fmt.Sprintf("| LLM model | %s |\n", g.ec.LLMModel))
	if g.ec.SearchLLMModel != "" || g.ec.SummaryLLMModel != "" {
		sb.WriteString(fmt.Sprintf("| Search / summary LLM | %s / %s |\n", g.ec.SearchLLMModel, g.ec.SummaryLLMModel))
	}
	sb.WriteString(fmt.Sprintf("| Prompt set | %s |\n", label))
	sb.WriteString(fmt.Sprintf("| 3軸検索 | %s |\n", enabledLabel(rc.MultiAxisEnabled)))
	sb.WriteString(fmt.Sprintf("| 統合方式 | %s |\n", fusionLabel(rc.FusionMethod)))
	sb.WriteString(fmt.Sprintf("| Axis weights (material/method/combined) | %s / %s / %s |\n",
		formatWeight(rc.AxisWeights.Material), formatWeight(rc.AxisWeights.Method), formatWeight(rc.AxisWeights.Combined)))
	sb.WriteString(fmt.Sprintf("| リランク | %s (%s) |\n\n", enabledLabel(rc.RerankEnabled), rerankLabel(rc.RerankPosition)))

	sb.WriteString("## Summary\n\n")
	sb.WriteString(fmt.Sprintf("- State: %s\n", out.State))
	sb.WriteString(fmt.Sprintf("- Conditions: %d evaluated, %d failed, %d total\n", len(out.Results), len(out.Errors), out.Total))
	if out.Canceled {
		sb.WriteString("- Run was canceled before all conditions were evaluated\n")
	}
	sb.WriteString(fmt.Sprintf("- Duration: %v\n\n", out.Duration.Round(time.Millisecond)))

	sb.WriteString("| nDCG@10 | Precision@10 | Recall@10 | MRR |\n")
	sb.WriteString("|---------|--------------|-----------|-----|\n")
	writeMetricsRow(&sb, out.Average)
	sb.WriteString("\n")

	if len(out.Results) > 0 {
		sb.WriteString("## Results by Condition\n\n")
		sb.WriteString("| 条件 | nDCG@10 | Precision@10 | Recall@10 | MRR | Candidates | Ground truth |\n")
		sb.WriteString("|------|---------|--------------|-----------|-----|------------|--------------|\n")
		for _, res := range out.Results {
			sb.WriteString(fmt.Sprintf("| %d | %.4f | %.4f | %.4f | %.4f | %d | %d |\n",
				res.ConditionID,
				res.Metrics.NDCG10,
				res.Metrics.Precision10,
				res.Metrics.Recall10,
				res.Metrics.MRR,
				len(res.Candidates),
				len(res.GroundTruth),
			))
		}
		sb.WriteString("\n")

		sb.WriteString("## Ranking Comparison\n\n")
		for _, res := range out.Results {
			writeRankComparison(&sb, res)
		}
	}

	if len(out.Errors) > 0 {
		sb.WriteString("## Failed Conditions\n\n")
		sb.WriteString("| 条件 | Category | Error |\n")
		sb.WriteString("|------|----------|-------|\n")
		for _, e := range out.Errors {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s |\n", e.ConditionID, e.Category, escapeCell(e.Err.Error())))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func writeMetricsRow(sb *strings.Builder, m quality.Metrics) {
	sb.WriteString(fmt.Sprintf("| %.4f | %.4f | %.4f | %.4f |\n", m.NDCG10, m.Precision10, m.Recall10, m.MRR))
}

func writeRankComparison(sb *strings.Builder, res history.EvaluationResult) {
	sb.WriteString(fmt.Sprintf("### 条件 %d\n\n", res.ConditionID))
	if res.Condition.Purpose != "" {
		sb.WriteString(fmt.Sprintf("_%s_\n\n", escapeCell(res.Condition.Purpose)))
	}
	if len(res.Comparison) == 0 {
		sb.WriteString("_No ground truth for this condition_\n\n")
		return
	}
	sb.WriteString("| Note | Expected | Actual | Status |\n")
	sb.WriteString("|------|----------|--------|--------|\n")
	for _, rc := range res.Comparison {
		actual := "-"
		status := "❌ Missing"
		if rc.Found() {
			actual = fmt.Sprint(*rc.ActualRank)
			switch d := rc.Displacement(); {
			case d == 0:
				status = "✅ Exact"
			case d > 0:
				status = fmt.Sprintf("⬇ %d lower", d)
			default:
				status = fmt.Sprintf("⬆ %d higher", -d)
			}
		}
		sb.WriteString(fmt.Sprintf("| %s | %d | %s | %s |\n", rc.NoteID, rc.ExpectedRank, actual, status))
	}
	sb.WriteString("\n")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

// GenerateMarkdown writes report.md and returns its path.
func (g *Generator) GenerateMarkdown() (string, error) {
	outputPath := filepath.Join(g.outputDir, "report.md")
	// #nosec G306 - 0640 allows owner/group to read, which is appropriate for report files
	if err := os.WriteFile(outputPath, []byte(g.Markdown()), 0640); err != nil {
		return "", err
	}
	return outputPath, nil
}

type jsonError struct {
	ConditionID int    `json:"condition_id"`
	Category    string `json:"category"`
	Message     string `json:"message"`
}

type jsonReport struct {
	GeneratedAt     time.Time                  `json:"generated_at"`
	RunID           string                     `json:"run_id,omitempty"`
	State           string                     `json:"state"`
	Canceled        bool                       `json:"canceled"`
	Total           int                        `json:"total_conditions"`
	DurationMs      int64                      `json:"duration_ms"`
	EmbeddingModel  string                     `json:"embedding_model"`
	LLMModel        string                     `json:"llm_model"`
	SearchLLMModel  string                     `json:"search_llm_model,omitempty"`
	SummaryLLMModel string                     `json:"summary_llm_model,omitempty"`
	PromptSetLabel  string                     `json:"prompt_name,omitempty"`
	Retrieval       search.RetrievalConfig     `json:"retrieval_config"`
	AverageMetrics  quality.Metrics            `json:"average_metrics"`
	Results         []history.EvaluationResult `json:"results"`
	Errors          []jsonError                `json:"errors,omitempty"`
}

// GenerateJSON writes report.json and returns its path.
func (g *Generator) GenerateJSON() (string, error) {
	out := g.outcome
	rep := jsonReport{
		GeneratedAt:     g.now().UTC(),
		State:           out.State.String(),
		Canceled:        out.Canceled,
		Total:           out.Total,
		DurationMs:      out.Duration.Milliseconds(),
		EmbeddingModel:  g.ec.EmbeddingModel,
		LLMModel:        g.ec.LLMModel,
		SearchLLMModel:  g.ec.SearchLLMModel,
		SummaryLLMModel: g.ec.SummaryLLMModel,
		PromptSetLabel:  g.ec.PromptSetLabel,
		Retrieval:       g.ec.Retrieval,
		AverageMetrics:  out.Average,
		Results:         out.Results,
	}
	if out.Record != nil {
		rep.RunID = out.Record.ID
	}
	for _, e := range out.Errors {
		rep.Errors = append(rep.Errors, jsonError{ConditionID: e.ConditionID, Category: e.Category, Message: e.Err.Error()})
	}

	jsonData, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	outputPath := filepath.Join(g.outputDir, "report.json")
	// #nosec G306 - 0640 allows owner/group to read, which is appropriate for report files
	if err := os.WriteFile(outputPath, jsonData, 0640); err != nil {
		return "", err
	}
	return outputPath, nil
}
