package conditions

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoRows is returned when an import source contains no condition rows.
var ErrNoRows = errors.New("no condition rows found")

var bareNoteID = regexp.MustCompile(`^\d+(-\d+)*$`)

// headerAliases maps accepted column headers to canonical field names.
var headerAliases = map[string]string{
	"条件":                "condition_id",
	"条件id":              "condition_id",
	"condition":         "condition_id",
	"condition_id":      "condition_id",
	"id":                "condition_id",
	"目的":                "purpose",
	"purpose":           "purpose",
	"材料":                "materials",
	"materials":         "materials",
	"実験手順":              "methodology",
	"手順":                "methodology",
	"methodology":       "methodology",
	"methods":           "methodology",
	"重点指示":              "focus_instruction",
	"focus_instruction": "focus_instruction",
	"instruction":       "focus_instruction",
}

// canonicalHeader returns the field a column header maps to, or "" when the
// column is not recognised.
func canonicalHeader(h string) string {
	key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	if name, ok := headerAliases[key]; ok {
		return name
	}
	if strings.HasPrefix(key, "ranking_") {
		return key
	}
	return ""
}

// NormalizeNoteID prefixes a purely numeric ranking value ("3-14") with the
// identifier prefix. Anything else is returned trimmed and unchanged.
func NormalizeNoteID(value, prefix string) string {
	v := strings.TrimSpace(value)
	if prefix != "" && bareNoteID.MatchString(v) {
		return prefix + v
	}
	return v
}

// LoadFile imports conditions from a CSV, JSON or YAML file. The format is
// chosen by extension.
func LoadFile(path, prefix string) ([]TestCondition, error) {
	// #nosec G304 - Path is provided by the operator on the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conditions file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(bytes.NewReader(data), prefix)
	case ".json", ".yaml", ".yml":
		return ParseStructured(data, prefix)
	default:
		return nil, fmt.Errorf("unsupported conditions file format: %s", filepath.Ext(path))
	}
}

// ParseCSV reads conditions from CSV with a header row.
func ParseCSV(r io.Reader, prefix string) ([]TestCondition, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, ErrNoRows
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = canonicalHeader(h)
	}

	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(rec))
		for i, cell := range rec {
			if i >= len(header) || header[i] == "" {
				continue
			}
			row[header[i]] = cell
		}
		rows = append(rows, row)
	}
	return buildConditions(rows, prefix)
}

// ParseStructured reads conditions from a JSON or YAML array of objects.
// JSON is decoded as YAML, which accepts it unchanged.
func ParseStructured(data []byte, prefix string) ([]TestCondition, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse conditions: %w", err)
	}

	rows := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		row := make(map[string]any, len(r))
		for k, v := range r {
			if name := canonicalHeader(k); name != "" {
				row[name] = v
			}
		}
		rows = append(rows, row)
	}
	return buildConditions(rows, prefix)
}

func buildConditions(rows []map[string]any, prefix string) ([]TestCondition, error) {
	out := make([]TestCondition, 0, len(rows))
	for i, row := range rows {
		if isBlankRow(row) {
			continue
		}
		c, err := conditionFromRow(row, prefix)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoRows
	}
	return out, nil
}

func conditionFromRow(row map[string]any, prefix string) (TestCondition, error) {
	var c TestCondition

	idText := cellString(row["condition_id"])
	if idText == "" {
		return c, fmt.Errorf("missing condition id")
	}
	id, err := strconv.Atoi(idText)
	if err != nil {
		return c, fmt.Errorf("invalid condition id %q", idText)
	}
	c.ID = id
	c.Purpose = cellString(row["purpose"])
	c.Materials = cellString(row["materials"])
	c.Methodology = cellString(row["methodology"])
	c.FocusInstruction = cellString(row["focus_instruction"])

	for slot := 1; slot <= MaxRankingSlots; slot++ {
		v, ok := row["ranking_"+strconv.Itoa(slot)]
		if !ok {
			continue
		}
		c.RankingSlots[slot-1] = NormalizeNoteID(cellString(v), prefix)
	}
	return c, nil
}

func isBlankRow(row map[string]any) bool {
	for _, v := range row {
		if cellString(v) != "" {
			return false
		}
	}
	return true
}

// cellString renders a decoded cell as trimmed text. Whole floats are printed
// without a fractional part so that 3 and 3.0 both yield "3".
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
