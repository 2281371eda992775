package report

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/lamim/retrieval-eval/internal/history"
	"github.com/lamim/retrieval-eval/internal/search"
)

const (
	utf8BOM = "\ufeff"
	// isoTimestamp matches the millisecond ISO-8601 form spreadsheet users expect.
	isoTimestamp = "2006-01-02T15:04:05.000Z07:00"

	labelEnabled     = "有効"
	labelDisabled    = "無効"
	labelRRF         = "RRF"
	labelLinear      = "線形結合"
	labelPerAxis     = "各軸後"
	labelAfterFusion = "統合後"
	labelUnknown     = "-"
)

// CSVHeader is the export column order.
var CSVHeader = []string{
	"実行ID",
	"条件ID",
	"Embeddingモデル",
	"LLMモデル",
	"プロンプト名",
	"nDCG@10",
	"Precision@10",
	"Recall@10",
	"MRR",
	"3軸検索",
	"統合方式",
	"材料ウエイト",
	"方法ウエイト",
	"総合ウエイト",
	"リランク位置",
	"リランク有効",
	"実行日時",
}

func enabledLabel(b bool) string {
	if b {
		return labelEnabled
	}
	return labelDisabled
}

func fusionLabel(m search.FusionMethod) string {
	switch m {
	case search.FusionRRF:
		return labelRRF
	case search.FusionLinear:
		return labelLinear
	default:
		return labelUnknown
	}
}

func rerankLabel(p search.RerankPosition) string {
	switch p {
	case search.RerankPerAxis:
		return labelPerAxis
	case search.RerankAfterFusion:
		return labelAfterFusion
	default:
		return labelUnknown
	}
}

func formatMetric(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
func formatWeight(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func csvRecord(row history.FlatRow) []string {
	rc := row.Retrieval
	return []string{
		row.RunID,
		strconv.Itoa(row.ConditionID),
		row.EmbeddingModelID,
		row.LLMModelID,
		row.PromptSetLabel,
		formatMetric(row.Metrics.NDCG10),
		formatMetric(row.Metrics.Precision10),
		formatMetric(row.Metrics.Recall10),
		formatMetric(row.Metrics.MRR),
		enabledLabel(rc.MultiAxisEnabled),
		fusionLabel(rc.FusionMethod),
		formatWeight(rc.AxisWeights.Material),
		formatWeight(rc.AxisWeights.Method),
		formatWeight(rc.AxisWeights.Combined),
		rerankLabel(rc.RerankPosition),
		enabledLabel(rc.RerankEnabled),
		row.Timestamp.UTC().Format(isoTimestamp),
	}
}

// WriteCSV writes a BOM, the header and one record per row.
func WriteCSV(w io.Writer, rows []history.FlatRow) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(utf8BOM); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}
	cw := csv.NewWriter(bw)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(csvRecord(row)); err != nil {
			return fmt.Errorf("failed to write row for run %s: %w", row.RunID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return bw.Flush()
}

// ExportCSVFile writes rows to path.
func ExportCSVFile(path string, rows []history.FlatRow) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		return err
	}
	// #nosec G306 - 0640 allows owner/group to read, which is appropriate for report files
	return os.WriteFile(path, buf.Bytes(), 0640)
}

// ReadCSV parses an export produced by WriteCSV. Metric and weight values
// come back at their printed precision.
func ReadCSV(r io.Reader) ([]history.FlatRow, error) {
	br := bufio.NewReader(r)
	if lead, err := br.Peek(len(utf8BOM)); err == nil && string(lead) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header")
	}
	if len(records[0]) != len(CSVHeader) {
		return nil, fmt.Errorf("csv header has %d columns, want %d", len(records[0]), len(CSVHeader))
	}

	rows := make([]history.FlatRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		row, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRecord(rec []string) (history.FlatRow, error) {
	var row history.FlatRow
	var err error
	row.RunID = rec[0]
	if row.ConditionID, err = strconv.Atoi(rec[1]); err != nil {
		return row, fmt.Errorf("invalid condition id %q: %w", rec[1], err)
	}
	row.EmbeddingModelID = rec[2]
	row.LLMModelID = rec[3]
	row.PromptSetLabel = rec[4]

	floats := make([]float64, 0, 7)
	for _, idx := range []int{5, 6, 7, 8, 11, 12, 13} {
		v, err := strconv.ParseFloat(rec[idx], 64)
		if err != nil {
			return row, fmt.Errorf("invalid %s %q: %w", CSVHeader[idx], rec[idx], err)
		}
		floats = append(floats, v)
	}
	row.Metrics.NDCG10, row.Metrics.Precision10, row.Metrics.Recall10, row.Metrics.MRR = floats[0], floats[1], floats[2], floats[3]
	row.Retrieval.AxisWeights = search.AxisWeights{Material: floats[4], Method: floats[5], Combined: floats[6]}

	row.Retrieval.MultiAxisEnabled = rec[9] == labelEnabled
	switch rec[10] {
	case labelRRF:
		row.Retrieval.FusionMethod = search.FusionRRF
	case labelLinear:
		row.Retrieval.FusionMethod = search.FusionLinear
	}
	switch rec[14] {
	case labelPerAxis:
		row.Retrieval.RerankPosition = search.RerankPerAxis
	case labelAfterFusion:
		row.Retrieval.RerankPosition = search.RerankAfterFusion
	}
	row.Retrieval.RerankEnabled = rec[15] == labelEnabled

	if row.Timestamp, err = time.Parse(time.RFC3339Nano, rec[16]); err != nil {
		return row, fmt.Errorf("invalid timestamp %q: %w", rec[16], err)
	}
	return row, nil
}
