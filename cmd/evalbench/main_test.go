package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lamim/retrieval-eval/internal/config"
	"github.com/lamim/retrieval-eval/internal/evaluator"
	"github.com/lamim/retrieval-eval/internal/history"
	"github.com/lamim/retrieval-eval/internal/notify"
	"github.com/lamim/retrieval-eval/internal/report"
	"github.com/lamim/retrieval-eval/internal/search/testutil"
)

// unsetEnv removes keys for the duration of the test.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

type workspace struct {
	dir        string
	configPath string
	condsPath  string
	historyDir string
	outputDir  string
}

// newWorkspace chdirs into a temp dir holding a config pointing at baseURL
// and a three-condition CSV.
func newWorkspace(t *testing.T, baseURL string) workspace {
	t.Helper()
	dir := t.TempDir()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
	unsetEnv(t,
		"EVAL_SEARCH_URL", "EVAL_SEARCH_TOKEN", "EVAL_TEAM_ID", "EVAL_LOG_LEVEL",
		"EVAL_REDIS_ADDR", "EVAL_REDIS_PASSWORD", "EVAL_POSTGRES_DSN",
		"EVAL_KAFKA_BROKERS", "EVAL_METRICS_ADDR",
	)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("COHERE_API_KEY", "co-test")

	ws := workspace{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		condsPath:  filepath.Join(dir, "conditions.csv"),
		historyDir: filepath.Join(dir, "history"),
		outputDir:  filepath.Join(dir, "results"),
	}
	cfg := fmt.Sprintf(`
[general]
pause = "0s"
timeout = "10s"
output_dir = %q
log_level = "error"

[search]
base_url = %q

[history]
backend = "file"
path = %q
`, ws.outputDir, baseURL, ws.historyDir)
	if err := os.WriteFile(ws.configPath, []byte(cfg), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	conds := "条件,目的,材料,実験手順,重点指示,ranking_1,ranking_2\n" +
		"1,触媒の評価,Pt,加熱,,1-1,1-2\n" +
		"2,溶媒比較,EtOH,攪拌,,2-2,\n" +
		"3,再現性,Pd,冷却,,3-3,\n"
	if err := os.WriteFile(ws.condsPath, []byte(conds), 0600); err != nil {
		t.Fatalf("write conditions: %v", err)
	}
	return ws
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func searchServer(t *testing.T, docs ...string) (*testutil.SearchHandler, string) {
	t.Helper()
	handler := &testutil.SearchHandler{Reply: testutil.SearchReply{Success: true, RetrievedDocs: docs}}
	srv := testutil.NewIPv4Server(t, handler)
	return handler, srv.URL
}

func TestLoadEnvFileAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n\nEVALBENCH_A=plain\nEVALBENCH_B=\"quoted value\"\nexport EVALBENCH_C='single'\nEVALBENCH_KEEP=fromfile\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	unsetEnv(t, "EVALBENCH_A", "EVALBENCH_B", "EVALBENCH_C")
	t.Setenv("EVALBENCH_KEEP", "fromenv")

	loadEnvFileAt(path)

	got := map[string]string{
		"EVALBENCH_A":    os.Getenv("EVALBENCH_A"),
		"EVALBENCH_B":    os.Getenv("EVALBENCH_B"),
		"EVALBENCH_C":    os.Getenv("EVALBENCH_C"),
		"EVALBENCH_KEEP": os.Getenv("EVALBENCH_KEEP"),
	}
	want := map[string]string{
		"EVALBENCH_A":    "plain",
		"EVALBENCH_B":    "quoted value",
		"EVALBENCH_C":    "single",
		"EVALBENCH_KEEP": "fromenv",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvFileAt_Missing(t *testing.T) {
	loadEnvFileAt(filepath.Join(t.TempDir(), "absent.env"))
}

func TestOpenStore_Backends(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := openStore(ctx, config.HistoryConfig{Backend: config.BackendMemory})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := s.(*history.MemoryStore); !ok {
		t.Errorf("expected *history.MemoryStore, got %T", s)
	}
	_ = closeFn()

	s, closeFn, err = openStore(ctx, config.HistoryConfig{Backend: config.BackendFile, Path: filepath.Join(t.TempDir(), "h")})
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	if _, ok := s.(*history.FileStore); !ok {
		t.Errorf("expected *history.FileStore, got %T", s)
	}
	_ = closeFn()

	if _, _, err := openStore(ctx, config.HistoryConfig{Backend: "s3"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewPublisher(t *testing.T) {
	if _, ok := newPublisher(config.NotifyConfig{}).(notify.Nop); !ok {
		t.Error("expected Nop publisher without brokers")
	}
	p := newPublisher(config.NotifyConfig{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "runs"})
	if _, ok := p.(*notify.KafkaPublisher); !ok {
		t.Errorf("expected *notify.KafkaPublisher, got %T", p)
	}
	_ = p.Close()
}

func TestRunCommand_RecordsAndReports(t *testing.T) {
	handler, url := searchServer(t, "【実験ノートID: ID1-1】", "ID2-2 本文", "参考資料", "ID1-2")
	ws := newWorkspace(t, url)

	for i := 0; i < 2; i++ {
		out, err := execute(t, "run", "--config", ws.configPath, "--conditions", ws.condsPath, "--no-progress")
		if err != nil {
			t.Fatalf("run %d failed: %v\n%s", i+1, err, out)
		}
		if !strings.Contains(out, "EVALUATION SUMMARY") || !strings.Contains(out, "3 evaluated, 0 failed, 3 total") {
			t.Errorf("unexpected run output:\n%s", out)
		}
	}
	if got := len(handler.Bodies()); got != 6 {
		t.Errorf("expected 6 search calls, got %d", got)
	}

	reports, _ := filepath.Glob(filepath.Join(ws.outputDir, "*", "report.md"))
	if len(reports) == 0 {
		t.Error("expected a markdown report under the output directory")
	}

	store, err := history.NewFileStore(ws.historyDir)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := history.NewManager(store).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 recorded runs, got %d", len(runs))
	}

	out, err := execute(t, "history", "list", "--config", ws.configPath)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	for _, r := range runs {
		if !strings.Contains(out, r.ID) {
			t.Errorf("history list missing run %s:\n%s", r.ID, out)
		}
	}

	out, err = execute(t, "history", "compare", runs[1].ID, runs[0].ID, "--config", ws.configPath)
	if err != nil {
		t.Fatalf("history compare: %v", err)
	}
	if !strings.Contains(out, "averages unchanged") || !strings.Contains(out, "0 improved, 0 regressed, 3 unchanged") {
		t.Errorf("unexpected comparison:\n%s", out)
	}

	csvPath := filepath.Join(ws.dir, "export.csv")
	if _, err := execute(t, "history", "export", csvPath, "--config", ws.configPath); err != nil {
		t.Fatalf("history export: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	rows, err := report.ReadCSV(f)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(rows) != 6 {
		t.Errorf("expected 6 exported rows, got %d", len(rows))
	}
}

func TestRunCommand_MissingCredentials(t *testing.T) {
	handler, url := searchServer(t, "ID1-1")
	ws := newWorkspace(t, url)
	unsetEnv(t, "COHERE_API_KEY")

	_, err := execute(t, "run", "--config", ws.configPath, "--conditions", ws.condsPath, "--no-progress", "--format", "none")
	if !errors.Is(err, evaluator.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if n := len(handler.Bodies()); n != 0 {
		t.Errorf("expected no search calls, got %d", n)
	}
}

func TestRunCommand_NoConditionsFile(t *testing.T) {
	_, url := searchServer(t)
	ws := newWorkspace(t, url)
	_, err := execute(t, "run", "--config", ws.configPath, "--no-progress")
	if err == nil || !strings.Contains(err.Error(), "no conditions file") {
		t.Errorf("expected missing conditions error, got %v", err)
	}
}

func TestRunCommand_InvalidFormat(t *testing.T) {
	if _, err := execute(t, "run", "--format", "html"); err == nil {
		t.Error("expected error for unsupported report format")
	}
}

func TestHistoryClear_RequiresConfirmation(t *testing.T) {
	_, url := searchServer(t, "ID1-1")
	ws := newWorkspace(t, url)
	if _, err := execute(t, "run", "--config", ws.configPath, "--conditions", ws.condsPath, "--no-progress", "--format", "none"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := execute(t, "history", "clear", "--config", ws.configPath); err == nil {
		t.Fatal("expected clear without --yes to fail")
	}
	if _, err := execute(t, "history", "clear", "--yes", "--config", ws.configPath); err != nil {
		t.Fatalf("history clear: %v", err)
	}
	out, err := execute(t, "history", "list", "--config", ws.configPath)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if !strings.Contains(out, "No recorded runs.") {
		t.Errorf("expected empty history, got:\n%s", out)
	}
}

func TestHistoryShow_UnknownRun(t *testing.T) {
	_, url := searchServer(t)
	ws := newWorkspace(t, url)
	_, err := execute(t, "history", "show", "missing", "--config", ws.configPath)
	if !errors.Is(err, history.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "evalbench "+version {
		t.Errorf("unexpected version output %q", out)
	}
}
