// Package pool provides scratch-slice pooling for the Gibbs sampler.
//
// Every single-site update needs a score vector sized to the variable's
// domain. Sweeps run thousands of updates, so the vectors are reused instead
// of allocated per update.
//
// Usage:
//
//	scores := pool.GetFloats(len(v.Domain))
//	defer pool.PutFloats(scores)
package pool

import (
	"sync"
)

// PoolConfig configures pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize is the largest capacity returned to a pool
	MaxSize int
}

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled: true,
		MaxSize: 4096,
	}
)

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	configMu.Lock()
	globalConfig = config
	configMu.Unlock()
}

func current() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return current().Enabled
}

// =============================================================================
// Float Slice Pool (conditional scores, probabilities)
// =============================================================================

var floatPool = sync.Pool{
	New: func() any {
		return make([]float64, 0, 16)
	},
}

// GetFloats returns a zeroed slice of length n.
// Call PutFloats when done.
func GetFloats(n int) []float64 {
	if !IsEnabled() {
		return make([]float64, n)
	}
	s := floatPool.Get().([]float64)
	if cap(s) < n {
		s = make([]float64, n)
	}
	s = s[:n]
	clear(s)
	return s
}

// PutFloats returns a slice to the pool.
func PutFloats(s []float64) {
	cfg := current()
	if !cfg.Enabled || s == nil {
		return
	}
	// Don't pool very large slices
	if cap(s) > cfg.MaxSize {
		return
	}
	floatPool.Put(s[:0])
}
