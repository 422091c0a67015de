package main

import (
	"github.com/spf13/cobra"

	"github.com/orneryd/holofusion/pkg/config"
)

// resolveConfig builds the effective configuration: defaults or --config,
// then HOLOFUSION_* environment variables, then explicitly set flags.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory, _ = flags.GetBool("in-memory")
	}
	if q, _ := flags.GetBool("quiet"); q {
		cfg.Logging.Level = "error"
	}
	if v, _ := flags.GetBool("verbose"); v {
		cfg.Logging.Level = "debug"
	}

	// Pipeline flags exist only on run and eval.
	if flags.Lookup("key") == nil {
		return cfg, cfg.Validate()
	}
	if flags.Changed("key") {
		cfg.Featurize.KeyAttributes, _ = flags.GetStringSlice("key")
	}
	if flags.Changed("threshold") {
		cfg.Fusion.Threshold, _ = flags.GetFloat64("threshold")
	}
	if flags.Changed("first-k") {
		cfg.Fusion.FirstK, _ = flags.GetInt("first-k")
	}
	if flags.Changed("seed") {
		seed, _ := flags.GetInt64("seed")
		cfg.Learning.Seed = seed
		cfg.Sampling.Seed = seed + 1
	}
	if flags.Changed("workers") {
		cfg.Sampling.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("metrics-textfile") {
		cfg.Metrics.Textfile, _ = flags.GetString("metrics-textfile")
		cfg.Metrics.Enabled = cfg.Metrics.Textfile != ""
	}
	return cfg, cfg.Validate()
}
