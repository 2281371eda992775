package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/retrieval-eval/internal/candidates"
	"github.com/lamim/retrieval-eval/internal/conditions"
	"github.com/lamim/retrieval-eval/internal/config"
	"github.com/lamim/retrieval-eval/internal/debug"
	"github.com/lamim/retrieval-eval/internal/evaluator"
	"github.com/lamim/retrieval-eval/internal/extractor"
	"github.com/lamim/retrieval-eval/internal/logger"
	"github.com/lamim/retrieval-eval/internal/progress"
	"github.com/lamim/retrieval-eval/internal/report"
	"github.com/lamim/retrieval-eval/internal/search"
	"github.com/lamim/retrieval-eval/internal/telemetry"
)

type runOptions struct {
	conditionsPath string
	metricsAddr    string
	format         string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate every test condition against the search service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluation(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.conditionsPath, "conditions", "", "Conditions file (.csv, .json, .yaml); overrides general.conditions_file")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run (overrides telemetry.addr)")
	f.StringVar(&opts.format, "format", "all", "Report format: md, json, all, none")
	return cmd
}

func runEvaluation(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	format, err := report.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	cfg, log, err := root.load()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.Addr = opts.metricsAddr
	}

	condPath := opts.conditionsPath
	if condPath == "" {
		condPath = cfg.General.ConditionsFile
	}
	if condPath == "" {
		return errors.New("no conditions file: pass --conditions or set general.conditions_file")
	}
	conds, err := conditions.LoadFile(condPath, cfg.Identifier.Prefix)
	if err != nil {
		return err
	}

	retrieval, err := cfg.Retrieval.SearchRetrieval()
	if err != nil {
		return err
	}
	ec := evaluator.EvaluationContext{
		Credentials:     cfg.Credentials,
		EmbeddingModel:  cfg.Models.Embedding,
		LLMModel:        cfg.Models.LLM,
		SearchLLMModel:  cfg.Models.SearchLLM,
		SummaryLLMModel: cfg.Models.SummaryLLM,
		PromptSetLabel:  cfg.Prompts.Label,
		PromptOverrides: cfg.Prompts.Overrides,
		Retrieval:       retrieval,
	}

	ext, err := extractor.New(extractor.Config{
		Prefix:       cfg.Identifier.Prefix,
		TokenPattern: cfg.Identifier.TokenPattern,
	})
	if err != nil {
		return fmt.Errorf("identifier pattern: %w", err)
	}
	builder := candidates.NewBuilder(ext, candidates.WithLogger(logger.WithComponent("candidates")))

	client, err := newSearchClient(cfg.Search)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer hist.Close()

	outDir, err := evaluator.EnsureOutputDir(cfg.General.OutputDir, time.Now())
	if err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	out := cmd.OutOrStdout()
	printBanner(out)
	fmt.Fprintf(out, "Conditions: %d | Embedding: %s | LLM: %s | Fusion: %s\n\n",
		len(conds), ec.EmbeddingModel, ec.LLMModel, ec.Retrieval.FusionMethod)

	debugLogger := debug.NewLogger(root.debugEnabled(), root.debugFull, outDir)
	if debugLogger.IsEnabled() {
		fmt.Fprintf(out, "🐛 Debug mode enabled: logging to %s/\n\n", debugLogger.OutputPath())
	}

	metrics := telemetry.New()
	var metricsServer *telemetry.Server
	if cfg.Telemetry.Addr != "" {
		metricsServer, err = telemetry.Listen(cfg.Telemetry.Addr, metrics)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "📈 Metrics: http://%s/metrics\n\n", metricsServer.Addr())
	}

	prog := progress.NewManagerWriter(len(conds), !root.noProgress, cmd.ErrOrStderr())
	runner := evaluator.NewRunner(client, builder, hist.Manager,
		evaluator.WithProgress(prog),
		evaluator.WithDebugLogger(debugLogger),
		evaluator.WithTelemetry(metrics),
		evaluator.WithLogger(logger.WithComponent("evaluator")),
		evaluator.WithTimeout(cfg.General.TimeoutDuration()),
		evaluator.WithPause(cfg.General.PauseDuration()),
	)

	var (
		outcome *evaluator.Outcome
		runErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	if metricsServer != nil {
		g.Go(func() error { return metricsServer.Serve(serveCtx) })
	}
	g.Go(func() error {
		defer stopServe()
		outcome, runErr = runner.Run(gctx, ec, conds)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn("metrics server stopped", "error", err)
	}

	if err := debugLogger.Finalize(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to write debug log: %v\n", err)
	} else if debugLogger.IsEnabled() {
		fmt.Fprintf(out, "✓ Debug logs written to: %s/\n", debugLogger.OutputPath())
	}

	if errors.Is(runErr, evaluator.ErrMissingCredentials) || errors.Is(runErr, evaluator.ErrNoConditions) {
		return runErr
	}

	if outcome.Record != nil {
		ctx = logger.WithRunID(ctx, outcome.Record.ID)
	}
	printSummary(out, outcome)
	generateReports(cmd, format, outcome, ec, outDir)
	logger.FromContext(ctx).Info("evaluation run done",
		"state", outcome.State.String(),
		"output_dir", outDir,
	)
	return runErr
}

func newSearchClient(cfg config.SearchConfig) (*search.Client, error) {
	opts := []search.ClientOption{search.WithRequestsPerSecond(cfg.RequestsPerSecond)}
	if cfg.Token != "" {
		opts = append(opts, search.WithToken(cfg.Token))
	}
	if cfg.TeamID != "" {
		opts = append(opts, search.WithTeamID(cfg.TeamID))
	}
	return search.NewClient(cfg.BaseURL, opts...)
}

func printBanner(w io.Writer) {
	fmt.Fprintln(w, `
╔══════════════════════════════════════════════════════════════╗
║               Retrieval Evaluation Bench                     ║
║        nDCG@10 · Precision@10 · Recall@10 · MRR              ║
╚══════════════════════════════════════════════════════════════╝`)
	fmt.Fprintln(w)
}

func printSummary(w io.Writer, outcome *evaluator.Outcome) {
	fmt.Fprintln(w, "\n═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                     EVALUATION SUMMARY")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")

	fmt.Fprintf(w, "\nState:      %s\n", outcome.State)
	fmt.Fprintf(w, "Conditions: %d evaluated, %d failed, %d total\n", len(outcome.Results), len(outcome.Errors), outcome.Total)
	fmt.Fprintf(w, "Duration:   %s\n", progress.FormatDuration(outcome.Duration))
	if outcome.Canceled {
		fmt.Fprintln(w, "⚠ Run was canceled; partial results kept")
	}
	if len(outcome.Results) > 0 {
		avg := outcome.Average
		fmt.Fprintf(w, "\n  nDCG@10:      %.4f\n", avg.NDCG10)
		fmt.Fprintf(w, "  Precision@10: %.4f\n", avg.Precision10)
		fmt.Fprintf(w, "  Recall@10:    %.4f\n", avg.Recall10)
		fmt.Fprintf(w, "  MRR:          %.4f\n", avg.MRR)
	}
	if len(outcome.Errors) > 0 {
		fmt.Fprintln(w, "\nFailed conditions:")
		for _, e := range outcome.Errors {
			fmt.Fprintf(w, "  ✗ 条件 %d [%s]: %v\n", e.ConditionID, e.Category, e.Err)
		}
	}
	if outcome.Record != nil {
		fmt.Fprintf(w, "\nRecorded as run %s\n", outcome.Record.ID)
	}
}

func generateReports(cmd *cobra.Command, format report.Format, outcome *evaluator.Outcome, ec evaluator.EvaluationContext, outputDir string) {
	if format == report.FormatNone {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nGenerating reports...")
	paths, err := report.NewGenerator(outcome, ec, outputDir).Generate(format)
	for _, p := range paths {
		fmt.Fprintf(out, "✓ Generated %s report: %s\n", reportKind(p), p)
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error generating reports: %v\n", err)
	}
}

func reportKind(path string) string {
	switch {
	case strings.HasSuffix(path, ".md"):
		return "Markdown"
	case strings.HasSuffix(path, ".json"):
		return "JSON"
	default:
		return "report"
	}
}
