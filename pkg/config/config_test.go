package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fuserr "github.com/orneryd/holofusion/pkg/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0.0, cfg.Fusion.Threshold)
	assert.Equal(t, 1, cfg.Fusion.FirstK)
	assert.Equal(t, 100, cfg.Learning.Epochs)
	assert.Equal(t, 50, cfg.Sampling.BurnIn)
	assert.Equal(t, 1000, cfg.Sampling.NSamples)
	assert.True(t, cfg.Sampling.ClampEvidence)
	assert.Equal(t, []string{"source", "frequency"}, cfg.Featurize.Functions)
	require.NoError(t, cfg.Validate())
}

func TestParseConfig(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
featurize:
  key_attributes: [isbn]
  functions: [source, cooccur]
learning:
  epochs: 20
fusion:
  threshold: 0.5
  first_k: 0
`))
		require.NoError(t, err)
		assert.Equal(t, []string{"isbn"}, cfg.Featurize.KeyAttributes)
		assert.Equal(t, []string{"source", "cooccur"}, cfg.Featurize.Functions)
		assert.Equal(t, 20, cfg.Learning.Epochs)
		assert.Equal(t, 0.05, cfg.Learning.LearningRate, "unset keys keep defaults")
		assert.Equal(t, 0.5, cfg.Fusion.Threshold)
		assert.Equal(t, 0, cfg.Fusion.FirstK)
	})

	t.Run("empty document", func(t *testing.T) {
		cfg, err := ParseConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		_, err := ParseConfig([]byte("fusion:\n  treshold: 0.5\n"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, fuserr.ErrConfig))
		assert.Contains(t, err.Error(), "treshold")
	})

	t.Run("unknown section rejected", func(t *testing.T) {
		_, err := ParseConfig([]byte("cluster:\n  host: spark\n"))
		assert.True(t, errors.Is(err, fuserr.ErrConfig))
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holofusion.yaml")

	cfg := DefaultConfig()
	cfg.Sampling.Workers = 4
	cfg.Featurize.KeyAttributes = []string{"isbn", "edition"}
	data, err := cfg.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, fuserr.ErrConfig))
}

func TestApplyEnv(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		t.Setenv("HOLOFUSION_THRESHOLD", "0.25")
		t.Setenv("HOLOFUSION_FIRST_K", "3")
		t.Setenv("HOLOFUSION_KEY_ATTRIBUTES", "isbn, title ,")
		t.Setenv("HOLOFUSION_CLAMP_EVIDENCE", "off")
		t.Setenv("HOLOFUSION_SAMPLING_SEED", "99")

		cfg := DefaultConfig()
		require.NoError(t, cfg.ApplyEnv())
		assert.Equal(t, 0.25, cfg.Fusion.Threshold)
		assert.Equal(t, 3, cfg.Fusion.FirstK)
		assert.Equal(t, []string{"isbn", "title"}, cfg.Featurize.KeyAttributes)
		assert.False(t, cfg.Sampling.ClampEvidence)
		assert.Equal(t, int64(99), cfg.Sampling.Seed)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("HOLOFUSION_EPOCHS", "many")
		t.Setenv("HOLOFUSION_IN_MEMORY", "maybe")

		err := DefaultConfig().ApplyEnv()
		require.Error(t, err)
		assert.True(t, errors.Is(err, fuserr.ErrConfig))
		assert.Contains(t, err.Error(), "HOLOFUSION_EPOCHS")
		assert.Contains(t, err.Error(), "HOLOFUSION_IN_MEMORY")
	})

	t.Run("unknown variable", func(t *testing.T) {
		t.Setenv("HOLOFUSION_SPARK_MASTER", "local[*]")

		err := DefaultConfig().ApplyEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HOLOFUSION_SPARK_MASTER")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative threshold", func(c *Config) { c.Fusion.Threshold = -0.1 }, "fusion.threshold"},
		{"threshold above one", func(c *Config) { c.Fusion.Threshold = 1.5 }, "fusion.threshold"},
		{"negative first_k", func(c *Config) { c.Fusion.FirstK = -1 }, "fusion.first_k"},
		{"zero epochs", func(c *Config) { c.Learning.Epochs = 0 }, "learning.epochs"},
		{"zero learning rate", func(c *Config) { c.Learning.LearningRate = 0 }, "learning.learning_rate"},
		{"decay above one", func(c *Config) { c.Learning.Decay = 1.1 }, "learning.decay"},
		{"negative burn-in", func(c *Config) { c.Sampling.BurnIn = -1 }, "sampling.burn_in"},
		{"zero samples", func(c *Config) { c.Sampling.NSamples = 0 }, "sampling.n_samples"},
		{"no functions", func(c *Config) { c.Featurize.Functions = nil }, "featurize.functions"},
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"negative cache", func(c *Config) { c.Storage.CacheSize = "-1GB" }, "storage.cache_size"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, fuserr.ErrConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("in-memory needs no data dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.InMemory = true
		cfg.Storage.DataDir = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestCacheBytes(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{"512KiB", 512 * 1024},
		{"32MiB", 32 << 20},
		{"32 MiB", 32 << 20},
		{"32MB", 32_000_000},
		{"  2 GiB  ", 2 << 30},
		{"", 0},
		{"abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			s := StorageConfig{CacheSize: tt.input}
			assert.Equal(t, tt.want, s.CacheBytes())
		})
	}

	assert.Equal(t, int64(32<<20), DefaultConfig().Storage.CacheBytes())
}

func TestValidate_CacheSize(t *testing.T) {
	for _, size := range []string{"32 MiBx", "abc", "-1GB", "1.5.2MB"} {
		cfg := DefaultConfig()
		cfg.Storage.CacheSize = size
		err := cfg.Validate()
		require.Error(t, err, size)
		assert.True(t, errors.Is(err, fuserr.ErrConfig))
		assert.Contains(t, err.Error(), "storage.cache_size")
		assert.Contains(t, err.Error(), size)
	}

	cfg := DefaultConfig()
	cfg.Storage.CacheSize = "64 MB"
	assert.NoError(t, cfg.Validate())
}

func TestString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.InMemory = true
	s := cfg.String()
	assert.Contains(t, s, "Storage: memory")
	assert.Contains(t, s, "Cache: 32 MiB")
	assert.Contains(t, s, "FirstK: 1")
}
