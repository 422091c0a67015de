// Package main provides the HoloFusion CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// errEvalFailed makes the process exit non-zero when the eval thresholds
// are not met. The report has already been printed.
var errEvalFailed = errors.New("evaluation below thresholds")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errEvalFailed) {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "holofusion",
		Short: "HoloFusion - probabilistic fusion of conflicting source records",
		Long: `HoloFusion resolves conflicting values reported by several sources
about the same entities.

Pipeline:
  • Ingest a CSV of source records and optional labels
  • Build a factor graph of candidate values and feature functions
  • Learn feature weights from the labels
  • Estimate per-value probabilities with Gibbs sampling
  • Report the most probable value of every (entity, attribute)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML configuration file")
	pf.String("data-dir", "", "Data directory (overrides storage.data_dir)")
	pf.Bool("in-memory", false, "Keep tables in memory instead of the data directory")
	pf.BoolP("quiet", "q", false, "Only log errors")
	pf.BoolP("verbose", "v", false, "Log debug output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "HoloFusion v%s (%s)\n", version, commit)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run <data.csv>",
		Short: "Run the full fusion pipeline over a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addPipelineFlags(runCmd)
	runCmd.Flags().StringP("output", "o", "table", "Output format: table, json, csv")
	rootCmd.AddCommand(runCmd)

	evalCmd := &cobra.Command{
		Use:   "eval <data.csv>",
		Short: "Run the pipeline and score the fused values against ground truth",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}
	addPipelineFlags(evalCmd)
	evalCmd.Flags().String("truth", "", "Ground-truth CSV (same layout as a labels file)")
	evalCmd.Flags().String("format", "summary", "Report format: summary, detailed, json, compact")
	evalCmd.Flags().String("save", "", "Save the report to a JSON file")
	evalCmd.Flags().Float64("min-accuracy", -1, "Override the accuracy threshold")
	evalCmd.Flags().Float64("min-coverage", -1, "Override the coverage threshold")
	evalCmd.Flags().Float64("max-ece", -1, "Override the calibration error threshold")
	evalCmd.Flags().Bool("keep-evidence", false, "Also score variables that were labeled")
	_ = evalCmd.MarkFlagRequired("truth")
	rootCmd.AddCommand(evalCmd)

	initCmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInitConfig,
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tables [namespace]",
		Short: "List persisted datasets and session namespaces, or the tables of one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTables,
	})

	return rootCmd
}

func addPipelineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("key", nil, "Key attributes identifying an entity (comma separated)")
	f.String("labels", "", "Labels CSV with known true values")
	f.Float64("threshold", 0, "Minimum probability of a reported value")
	f.Int("first-k", 1, "Values reported per variable, 0 for all")
	f.Int64("seed", 0, "Seed for learning and sampling")
	f.Int("workers", 0, "Concurrent sampling workers")
	f.String("metrics-textfile", "", "Write Prometheus metrics to this file when done")
}
