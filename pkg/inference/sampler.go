package inference

import (
	"context"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/orneryd/holofusion/pkg/pool"
)

// minChunk is the smallest number of variables handed to one goroutine.
const minChunk = 64

// SamplerOptions configure a Sampler.
type SamplerOptions struct {
	Seed int64
	// Workers > 1 enables block-parallel sweeps.
	Workers int
	// ClampEvidence holds evidence variables at their known value.
	ClampEvidence bool
}

// Sampler is a Gibbs sampler over an immutable Graph. It owns the mutable
// assignment vector; weights are read on every update, so the caller may
// change them between sweeps but never during one.
type Sampler struct {
	g       *Graph
	weights []float64
	assign  []int
	free    []int
	blocks  [][]int
	rng     *rand.Rand
	workers int
}

// NewSampler creates a sampler with evidence variables set to their known
// value and every other variable drawn uniformly from its domain.
//
// Only variables with more than one candidate that some feature touches are
// resampled; the rest keep their initial value for the sampler's lifetime.
func NewSampler(g *Graph, weights []float64, opts SamplerOptions) *Sampler {
	s := &Sampler{
		g:       g,
		weights: weights,
		assign:  make([]int, len(g.Variables)),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		workers: opts.Workers,
	}
	for i := range g.Variables {
		v := &g.Variables[i]
		switch {
		case v.IsEvidence():
			s.assign[i] = v.Evidence
		case len(v.Domain) > 1:
			s.assign[i] = s.rng.Intn(len(v.Domain))
		}
		if len(v.Domain) < 2 || !g.Supported(i) {
			continue
		}
		if v.IsEvidence() && opts.ClampEvidence {
			continue
		}
		s.free = append(s.free, i)
	}
	if s.workers > 1 {
		s.blocks = g.Colour(s.free)
	}
	return s
}

// Free returns the ids of the variables a sweep resamples.
func (s *Sampler) Free() []int { return s.free }

// Assignment returns the current candidate index of every variable. The
// slice is owned by the sampler and changes on the next sweep.
func (s *Sampler) Assignment() []int { return s.assign }

// Sweep resamples every free variable once. With more than one worker the
// independent blocks are processed in turn, each split into chunks that run
// concurrently with their own RNG seeded from the sampler's.
func (s *Sampler) Sweep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.workers <= 1 {
		buf := pool.GetFloats(0)
		for _, v := range s.free {
			buf = s.resample(v, s.rng, buf)
		}
		pool.PutFloats(buf)
		return nil
	}

	for _, block := range s.blocks {
		chunks := split(block, s.workers)
		seeds := make([]int64, len(chunks))
		for i := range seeds {
			seeds[i] = s.rng.Int63()
		}

		eg, egctx := errgroup.WithContext(ctx)
		eg.SetLimit(s.workers)
		for i, chunk := range chunks {
			chunk := chunk
			rng := rand.New(rand.NewSource(seeds[i]))
			eg.Go(func() error {
				if err := egctx.Err(); err != nil {
					return err
				}
				buf := pool.GetFloats(0)
				for _, v := range chunk {
					buf = s.resample(v, rng, buf)
				}
				pool.PutFloats(buf)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// resample draws a new value for v from its conditional distribution.
func (s *Sampler) resample(v int, rng *rand.Rand, buf []float64) []float64 {
	n := len(s.g.Variables[v].Domain)
	if cap(buf) < n {
		buf = make([]float64, n)
	}
	buf = buf[:n]
	s.conditional(v, buf)

	u := rng.Float64()
	acc := 0.0
	pick := n - 1
	for c, p := range buf {
		acc += p
		if u < acc {
			pick = c
			break
		}
	}
	s.assign[v] = pick
	return buf
}

// Conditional returns the distribution of v over its domain given the
// current values of its neighbours.
func (s *Sampler) Conditional(v int) []float64 {
	out := make([]float64, len(s.g.Variables[v].Domain))
	s.conditional(v, out)
	return out
}

func (s *Sampler) conditional(v int, out []float64) {
	s.g.scores(v, s.assign, s.weights, out)
	softmax(out)
}

// softmax normalizes log-scores in place.
func softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	lse := floats.LogSumExp(x)
	for i := range x {
		x[i] = math.Exp(x[i] - lse)
	}
}

// split cuts vars into at most n contiguous chunks of at least minChunk
// variables.
func split(vars []int, n int) [][]int {
	if n < 1 {
		n = 1
	}
	size := (len(vars) + n - 1) / n
	if size < minChunk {
		size = minChunk
	}
	var out [][]int
	for start := 0; start < len(vars); start += size {
		end := min(start+size, len(vars))
		out = append(out, vars[start:end])
	}
	return out
}
