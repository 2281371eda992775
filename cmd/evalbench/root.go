package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lamim/retrieval-eval/internal/config"
	"github.com/lamim/retrieval-eval/internal/logger"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	outputDir  string
	noProgress bool
	debug      bool
	debugFull  bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "evalbench",
		Short: "Measure retrieval quality of the experiment-note search service",
		Long: "evalbench runs labeled test conditions against the search service,\n" +
			"scores the ranked note identifiers with nDCG@10, Precision@10, Recall@10 and MRR,\n" +
			"and keeps a bounded history of runs for comparison and export.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "Path to TOML configuration file (defaults only when empty)")
	f.StringVar(&opts.outputDir, "output", "", "Output directory for reports (overrides config)")
	f.BoolVar(&opts.noProgress, "no-progress", false, "Disable progress bar (useful for CI)")
	f.BoolVar(&opts.debug, "debug", false, "Enable debug logging with request/response data")
	f.BoolVar(&opts.debugFull, "debug-full", false, "Enable full debug logging with complete request/response bodies and timing breakdown")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newHistoryCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

// load reads the .env file and configuration, then installs the logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	loadEnvFile()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if o.outputDir != "" {
		cfg.General.OutputDir = o.outputDir
	}
	if o.logLevel != "" {
		cfg.General.LogLevel = o.logLevel
	}
	return cfg, logger.Setup(cfg.General.LogLevel, cfg.General.LogFormat), nil
}

// debugEnabled reports whether either debug flag is set.
func (o *rootOptions) debugEnabled() bool {
	return o.debug || o.debugFull
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the evalbench version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "evalbench %s\n", version)
		},
	}
}
