package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/holofusion/pkg/config"
	"github.com/orneryd/holofusion/pkg/eval"
	"github.com/orneryd/holofusion/pkg/fusion"
	"github.com/orneryd/holofusion/pkg/logging"
	"github.com/orneryd/holofusion/pkg/reduce"
)

// app is an opened HoloFusion with its logger.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	hf       *fusion.HoloFusion
	closeLog func() error
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log.WithField("config", cfg.String()).Debug("resolved configuration")

	hf, err := fusion.Open(cfg, fusion.Options{Logger: log})
	if err != nil {
		closeLog()
		return nil, err
	}
	return &app{cfg: cfg, log: log, hf: hf, closeLog: closeLog}, nil
}

// Close writes the metrics textfile, if configured, and releases the engine
// and log output.
func (a *app) Close() {
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Textfile != "" {
		if g := a.hf.Gatherer(); g != nil {
			if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, g); err != nil {
				a.log.WithError(err).Warn("failed to write metrics textfile")
			} else {
				a.log.WithField("path", a.cfg.Metrics.Textfile).Info("wrote metrics")
			}
		}
	}
	if err := a.hf.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close storage")
	}
	a.closeLog()
}

// pipeline runs ingest through reduce over dataPath.
func (a *app) pipeline(ctx context.Context, name, dataPath, labelsPath string) (*fusion.Session, []reduce.FusedResult, error) {
	s, err := a.hf.StartSession(name)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.IngestDataset(ctx, dataPath); err != nil {
		return nil, nil, err
	}
	if labelsPath != "" {
		if err := s.IngestLabels(ctx, labelsPath); err != nil {
			return nil, nil, err
		}
	}
	if err := s.Feature(ctx); err != nil {
		return nil, nil, err
	}
	if err := s.Inference(ctx); err != nil {
		return nil, nil, err
	}
	results, err := s.Reduce(ctx, a.cfg.Fusion.Threshold, a.cfg.Fusion.FirstK)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range s.Warnings() {
		a.log.WithField("kind", string(w.Kind)).Warn(w.Message)
	}
	return s, results, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	write, err := resultWriter(output)
	if err != nil {
		return err
	}
	labels, _ := cmd.Flags().GetString("labels")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	_, results, err := a.pipeline(cmd.Context(), "run", args[0], labels)
	if err != nil {
		return err
	}
	return write(cmd.OutOrStdout(), results)
}

func runEval(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	truth, _ := flags.GetString("truth")
	labels, _ := flags.GetString("labels")
	format, _ := flags.GetString("format")
	savePath, _ := flags.GetString("save")

	thresholds := eval.DefaultThresholds()
	if v, _ := flags.GetFloat64("min-accuracy"); v >= 0 {
		thresholds.Accuracy = v
	}
	if v, _ := flags.GetFloat64("min-coverage"); v >= 0 {
		thresholds.Coverage = v
	}
	if v, _ := flags.GetFloat64("max-ece"); v >= 0 {
		thresholds.MaxECE = v
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	s, _, err := a.pipeline(ctx, "eval", args[0], labels)
	if err != nil {
		return err
	}

	var result *eval.EvalResult
	if keep, _ := flags.GetBool("keep-evidence"); keep {
		result, err = evaluateKeepingEvidence(ctx, s, truth, thresholds)
	} else {
		result, err = s.Evaluate(ctx, truth, thresholds)
	}
	if err != nil {
		return err
	}

	reporter := eval.NewReporter(cmd.OutOrStdout())
	switch format {
	case "detailed":
		reporter.PrintSummary(result)
		reporter.PrintDetails(result)
	case "json":
		if err := reporter.PrintJSON(result); err != nil {
			return err
		}
	case "compact":
		reporter.PrintCompact(result)
	default:
		reporter.PrintSummary(result)
	}

	if savePath != "" {
		if err := reporter.SaveJSON(result, savePath); err != nil {
			a.log.WithError(err).Warn("failed to save results")
		} else {
			a.log.WithField("path", savePath).Info("saved results")
		}
	}

	if !result.Passed {
		return errEvalFailed
	}
	return nil
}

// evaluateKeepingEvidence runs the harness directly so labeled variables are
// scored too.
func evaluateKeepingEvidence(ctx context.Context, s *fusion.Session, truthPath string, thresholds eval.Thresholds) (*eval.EvalResult, error) {
	truth, err := s.Dataset().LoadLabelsFile(truthPath)
	if err != nil {
		return nil, err
	}
	vars := s.Variables()
	cases, err := eval.CasesFromLabels(s.Keyed(), vars, truth)
	if err != nil {
		return nil, err
	}
	h := eval.NewHarness()
	h.SetSuiteName(s.Name())
	h.SetThresholds(thresholds)
	h.KeepEvidence(true)
	h.AddCases(cases)
	return h.Run(ctx, eval.Run{
		Variables: vars,
		Marginals: s.InferResult().Marginals,
		Results:   s.Results(),
	})
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	data, err := config.DefaultConfig().Marshal()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}

	path := args[0]
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote default configuration to %s\n", path)
	return nil
}

func runTables(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	engine := a.hf.Engine()
	if len(args) == 0 {
		ids, err := engine.ListDatasets()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintf(out, "No datasets in %s\n", a.cfg.Storage.DataDir)
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	tables, err := engine.ListTables(args[0])
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return fmt.Errorf("no tables in namespace %q", args[0])
	}
	tw := newTabWriter(out)
	fmt.Fprintln(tw, "TABLE\tROWS\tUPDATED")
	for _, t := range tables {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, humanize.Comma(int64(t.Rows)), humanize.Time(t.UpdatedAt))
	}
	return tw.Flush()
}
