// Package config holds the closed configuration of a HoloFusion run.
//
// Every recognized option is a field of Config with a default from
// DefaultConfig. Values are layered in this order:
//
//  1. DefaultConfig()
//  2. YAML file (LoadConfig); unknown keys are rejected
//  3. HOLOFUSION_* environment variables (ApplyEnv); unknown names are rejected
//  4. Command-line flags (applied by cmd/holofusion)
//
// Always call Validate() before handing the Config to a session.
//
// Example:
//
//	cfg, err := config.LoadConfig("holofusion.yaml")
//	if err != nil {
//		return err
//	}
//	if err := cfg.ApplyEnv(); err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//
// YAML layout:
//
//	storage:   {data_dir: ./data, in_memory: false, sync_writes: false, cache_size: 32MiB}
//	featurize: {key_attributes: [isbn], functions: [source, frequency], cooccur_attributes: []}
//	learning:  {epochs: 100, learning_rate: 0.05, decay: 0.99, regularization: 0.01, init_weight: 0, seed: 1}
//	sampling:  {burn_in: 50, n_samples: 1000, tolerance: 0.05, workers: 1, clamp_evidence: true, seed: 2}
//	fusion:    {threshold: 0, first_k: 1}
//	logging:   {level: info, format: text, output: stderr}
//	metrics:   {enabled: false, namespace: holofusion, textfile: ""}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	fuserr "github.com/orneryd/holofusion/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "HOLOFUSION_"

// Config holds all HoloFusion configuration.
//
// Sections:
//   - Storage: where the data engine keeps its tables
//   - Featurize: entity keying and feature functions
//   - Learning: weight learning (epochs, learning rate, seed)
//   - Sampling: marginal inference (burn-in, samples, tolerance, workers)
//   - Fusion: result reduction (threshold, first_k)
//   - Logging, Metrics: ambient concerns
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Featurize FeaturizeConfig `yaml:"featurize"`
	Learning  LearningConfig  `yaml:"learning"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StorageConfig holds data engine settings.
type StorageConfig struct {
	// DataDir is the Badger directory. Ignored when InMemory is set.
	DataDir string `yaml:"data_dir"`
	// InMemory keeps all tables in memory (nothing persisted).
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync after each table write.
	SyncWrites bool `yaml:"sync_writes"`
	// CacheSize is the Badger block cache size, e.g. "32MiB" or "64MB".
	CacheSize string `yaml:"cache_size"`
}

// FeaturizeConfig selects how rows become variables and features.
type FeaturizeConfig struct {
	// KeyAttributes identify an entity; rows sharing them describe the same entity.
	KeyAttributes []string `yaml:"key_attributes,omitempty"`
	// Functions names the registered feature functions to run.
	Functions []string `yaml:"functions"`
	// CooccurAttributes restricts the cooccur function; empty means all attributes.
	CooccurAttributes []string `yaml:"cooccur_attributes,omitempty"`
}

// LearningConfig controls the weight learner.
type LearningConfig struct {
	Epochs         int     `yaml:"epochs"`
	LearningRate   float64 `yaml:"learning_rate"`
	Decay          float64 `yaml:"decay"`
	Regularization float64 `yaml:"regularization"`
	InitWeight     float64 `yaml:"init_weight"`
	Seed           int64   `yaml:"seed"`
}

// SamplingConfig controls marginal inference.
type SamplingConfig struct {
	BurnIn   int `yaml:"burn_in"`
	NSamples int `yaml:"n_samples"`
	// Tolerance is the largest acceptable standard error of a marginal.
	Tolerance float64 `yaml:"tolerance"`
	// Workers > 1 samples independent variable blocks concurrently.
	Workers int `yaml:"workers"`
	// ClampEvidence holds labeled variables at their known value.
	ClampEvidence bool  `yaml:"clamp_evidence"`
	Seed          int64 `yaml:"seed"`
}

// FusionConfig controls result reduction.
type FusionConfig struct {
	// Threshold is the minimum marginal probability to report.
	Threshold float64 `yaml:"threshold"`
	// FirstK caps results per variable; 0 means unbounded.
	FirstK int `yaml:"first_k"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level"`
	// Format: text, json
	Format string `yaml:"format"`
	// Output: stdout, stderr or a file path
	Output string `yaml:"output"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	// Textfile, when set, receives the metrics in Prometheus text format at
	// the end of a CLI run.
	Textfile string `yaml:"textfile,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
//
// threshold=0 and first_k=1 match the historical command-line defaults:
// report only the most probable value of every variable.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:   "./data",
			CacheSize: "32MiB",
		},
		Featurize: FeaturizeConfig{
			Functions: []string{"source", "frequency"},
		},
		Learning: LearningConfig{
			Epochs:         100,
			LearningRate:   0.05,
			Decay:          0.99,
			Regularization: 0.01,
			Seed:           1,
		},
		Sampling: SamplingConfig{
			BurnIn:        50,
			NSamples:      1000,
			Tolerance:     0.05,
			Workers:       1,
			ClampEvidence: true,
			Seed:          2,
		},
		Fusion: FusionConfig{
			Threshold: 0,
			FirstK:    1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Namespace: "holofusion",
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
// Keys that do not map to a Config field are an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fuserr.Wrap(fuserr.ConfigError, "load_config", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fuserr.Wrap(fuserr.ConfigError, "parse_config", err)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// envKeys lists every recognized environment variable (without prefix).
var envKeys = []string{
	"DATA_DIR", "IN_MEMORY", "SYNC_WRITES", "CACHE_SIZE",
	"KEY_ATTRIBUTES", "FUNCTIONS", "COOCCUR_ATTRIBUTES",
	"EPOCHS", "LEARNING_RATE", "DECAY", "REGULARIZATION", "INIT_WEIGHT", "LEARNING_SEED",
	"BURN_IN", "N_SAMPLES", "TOLERANCE", "WORKERS", "CLAMP_EVIDENCE", "SAMPLING_SEED",
	"THRESHOLD", "FIRST_K",
	"LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT",
	"METRICS_ENABLED", "METRICS_NAMESPACE", "METRICS_TEXTFILE",
}

// ApplyEnv overrides fields from HOLOFUSION_* environment variables.
//
// Unknown HOLOFUSION_* names and unparsable values are reported together in
// one ConfigError; the Config is left partially updated in that case.
func (c *Config) ApplyEnv() error {
	e := &envReader{}

	if err := checkUnknownEnv(os.Environ()); err != nil {
		return err
	}

	c.Storage.DataDir = e.getEnv("DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = e.getEnvBool("IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = e.getEnvBool("SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.CacheSize = e.getEnv("CACHE_SIZE", c.Storage.CacheSize)

	c.Featurize.KeyAttributes = e.getEnvStringSlice("KEY_ATTRIBUTES", c.Featurize.KeyAttributes)
	c.Featurize.Functions = e.getEnvStringSlice("FUNCTIONS", c.Featurize.Functions)
	c.Featurize.CooccurAttributes = e.getEnvStringSlice("COOCCUR_ATTRIBUTES", c.Featurize.CooccurAttributes)

	c.Learning.Epochs = e.getEnvInt("EPOCHS", c.Learning.Epochs)
	c.Learning.LearningRate = e.getEnvFloat("LEARNING_RATE", c.Learning.LearningRate)
	c.Learning.Decay = e.getEnvFloat("DECAY", c.Learning.Decay)
	c.Learning.Regularization = e.getEnvFloat("REGULARIZATION", c.Learning.Regularization)
	c.Learning.InitWeight = e.getEnvFloat("INIT_WEIGHT", c.Learning.InitWeight)
	c.Learning.Seed = int64(e.getEnvInt("LEARNING_SEED", int(c.Learning.Seed)))

	c.Sampling.BurnIn = e.getEnvInt("BURN_IN", c.Sampling.BurnIn)
	c.Sampling.NSamples = e.getEnvInt("N_SAMPLES", c.Sampling.NSamples)
	c.Sampling.Tolerance = e.getEnvFloat("TOLERANCE", c.Sampling.Tolerance)
	c.Sampling.Workers = e.getEnvInt("WORKERS", c.Sampling.Workers)
	c.Sampling.ClampEvidence = e.getEnvBool("CLAMP_EVIDENCE", c.Sampling.ClampEvidence)
	c.Sampling.Seed = int64(e.getEnvInt("SAMPLING_SEED", int(c.Sampling.Seed)))

	c.Fusion.Threshold = e.getEnvFloat("THRESHOLD", c.Fusion.Threshold)
	c.Fusion.FirstK = e.getEnvInt("FIRST_K", c.Fusion.FirstK)

	c.Logging.Level = e.getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = e.getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = e.getEnv("LOG_OUTPUT", c.Logging.Output)

	c.Metrics.Enabled = e.getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = e.getEnv("METRICS_NAMESPACE", c.Metrics.Namespace)
	c.Metrics.Textfile = e.getEnv("METRICS_TEXTFILE", c.Metrics.Textfile)

	if len(e.errs) > 0 {
		return fuserr.New(fuserr.ConfigError, "apply_env", strings.Join(e.errs, "; "))
	}
	return nil
}

func checkUnknownEnv(environ []string) error {
	known := make(map[string]bool, len(envKeys))
	for _, k := range envKeys {
		known[EnvPrefix+k] = true
	}
	var unknown []string
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, EnvPrefix) && !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fuserr.Newf(fuserr.ConfigError, "apply_env", "unknown variables: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Validate checks every option against its allowed range.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		add("storage.data_dir is required unless storage.in_memory is set")
	}
	if _, err := c.Storage.parseCacheSize(); err != nil {
		add("storage.cache_size is not a byte size: %v", err)
	}

	if len(c.Featurize.Functions) == 0 {
		add("featurize.functions must name at least one feature function")
	}

	if c.Learning.Epochs <= 0 {
		add("learning.epochs must be > 0, got %d", c.Learning.Epochs)
	}
	if c.Learning.LearningRate <= 0 {
		add("learning.learning_rate must be > 0, got %g", c.Learning.LearningRate)
	}
	if c.Learning.Decay <= 0 || c.Learning.Decay > 1 {
		add("learning.decay must be in (0, 1], got %g", c.Learning.Decay)
	}
	if c.Learning.Regularization < 0 {
		add("learning.regularization must be >= 0, got %g", c.Learning.Regularization)
	}

	if c.Sampling.BurnIn < 0 {
		add("sampling.burn_in must be >= 0, got %d", c.Sampling.BurnIn)
	}
	if c.Sampling.NSamples <= 0 {
		add("sampling.n_samples must be > 0, got %d", c.Sampling.NSamples)
	}
	if c.Sampling.Tolerance <= 0 {
		add("sampling.tolerance must be > 0, got %g", c.Sampling.Tolerance)
	}
	if c.Sampling.Workers < 0 {
		add("sampling.workers must be >= 0, got %d", c.Sampling.Workers)
	}

	if c.Fusion.Threshold < 0 || c.Fusion.Threshold > 1 {
		add("fusion.threshold must be in [0, 1], got %g", c.Fusion.Threshold)
	}
	if c.Fusion.FirstK < 0 {
		add("fusion.first_k must be >= 0, got %d", c.Fusion.FirstK)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		add("metrics.namespace is required when metrics are enabled")
	}

	if len(problems) > 0 {
		return fuserr.New(fuserr.ConfigError, "validate", strings.Join(problems, "; "))
	}
	return nil
}

// CacheBytes returns the storage cache size in bytes, or 0 for the engine
// default. Validate reports sizes that do not parse.
func (c *StorageConfig) CacheBytes() int64 {
	n, _ := c.parseCacheSize()
	return n
}

// parseCacheSize accepts SI and IEC sizes such as "32MB" or "32 MiB".
func (c *StorageConfig) parseCacheSize() (int64, error) {
	s := strings.TrimSpace(c.CacheSize)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", c.CacheSize, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%q: too large", c.CacheSize)
	}
	return int64(n), nil
}

// String returns a one-line summary for logging.
func (c *Config) String() string {
	storage := c.Storage.DataDir
	if c.Storage.InMemory {
		storage = "memory"
	}
	return fmt.Sprintf(
		"Config{Storage: %s, Cache: %s, Functions: %v, Epochs: %d, LR: %g, BurnIn: %d, Samples: %d, Workers: %d, Threshold: %g, FirstK: %d}",
		storage, humanize.IBytes(uint64(c.Storage.CacheBytes())), c.Featurize.Functions,
		c.Learning.Epochs, c.Learning.LearningRate,
		c.Sampling.BurnIn, c.Sampling.NSamples, c.Sampling.Workers,
		c.Fusion.Threshold, c.Fusion.FirstK,
	)
}

// envReader collects parse failures instead of silently keeping defaults.
type envReader struct {
	errs []string
}

func (e *envReader) getEnv(key, defaultVal string) string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		return val
	}
	return defaultVal
}

func (e *envReader) getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s%s: invalid integer %q", EnvPrefix, key, val))
			return defaultVal
		}
		return i
	}
	return defaultVal
}

func (e *envReader) getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s%s: invalid number %q", EnvPrefix, key, val))
			return defaultVal
		}
		return f
	}
	return defaultVal
}

func (e *envReader) getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
		e.errs = append(e.errs, fmt.Sprintf("%s%s: invalid boolean %q", EnvPrefix, key, val))
	}
	return defaultVal
}

func (e *envReader) getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
