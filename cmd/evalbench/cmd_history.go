package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/retrieval-eval/internal/history"
	"github.com/lamim/retrieval-eval/internal/report"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect, export, compare or clear recorded runs",
	}
	cmd.AddCommand(newHistoryListCmd(root))
	cmd.AddCommand(newHistoryShowCmd(root))
	cmd.AddCommand(newHistoryClearCmd(root))
	cmd.AddCommand(newHistoryExportCmd(root))
	cmd.AddCommand(newHistoryCompareCmd(root))
	return cmd
}

// withHistory loads configuration, opens the history and calls fn.
func withHistory(cmd *cobra.Command, root *rootOptions, fn func(h *historyHandle) error) error {
	cfg, _, err := root.load()
	if err != nil {
		return err
	}
	h, err := openHistory(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

func newHistoryListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd, root, func(h *historyHandle) error {
				runs, err := h.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No recorded runs.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIMESTAMP\tPROMPT\tEMBEDDING\tLLM\tCONDITIONS\tNDCG@10\tMRR\tNOTE")
				for _, r := range runs {
					note := ""
					switch {
					case r.Canceled:
						note = "canceled"
					case len(r.FailedConditions) > 0:
						note = fmt.Sprintf("%d failed", len(r.FailedConditions))
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.4f\t%.4f\t%s\n",
						r.ID,
						r.Timestamp.Local().Format(time.DateTime),
						r.PromptSetLabel,
						r.EmbeddingModelID,
						r.LLMModelID,
						len(r.Results),
						r.AverageMetrics.NDCG10,
						r.AverageMetrics.MRR,
						note,
					)
				}
				return tw.Flush()
			})
		},
	}
}

func newHistoryShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one recorded run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, root, func(h *historyHandle) error {
				run, err := h.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			})
		},
	}
}

func newHistoryClearCmd(root *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every recorded run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear history without --yes")
			}
			return withHistory(cmd, root, func(h *historyHandle) error {
				if err := h.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ History cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newHistoryExportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export [path]",
		Short: "Export every (run, condition) pair as CSV",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("evaluation_%s.csv", time.Now().Format(time.DateOnly))
			if len(args) == 1 {
				path = args[0]
			}
			return withHistory(cmd, root, func(h *historyHandle) error {
				rows, err := h.ExportFlat(cmd.Context())
				if err != nil {
					return err
				}
				if err := report.ExportCSVFile(path, rows); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d rows to %s\n", len(rows), path)
				return nil
			})
		},
	}
}

func newHistoryCompareCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "compare <baseline-id> <candidate-id>",
		Short: "Compare two recorded runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, root, func(h *historyHandle) error {
				baseline, err := h.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				candidate, err := h.Get(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				c := history.Compare(*baseline, *candidate)
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(c)
				}
				fmt.Fprint(cmd.OutOrStdout(), c.Format())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the comparison as JSON")
	return cmd
}
