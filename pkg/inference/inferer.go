package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/featurize"
	"github.com/orneryd/holofusion/pkg/logging"
	"github.com/orneryd/holofusion/pkg/metrics"
)

// InferOptions configure marginal inference.
type InferOptions struct {
	BurnIn   int
	NSamples int
	// Tolerance is the largest acceptable standard error of a marginal.
	// Zero disables the check.
	Tolerance     float64
	Workers       int
	ClampEvidence bool
	Seed          int64

	Metrics *metrics.Fusion
	Logger  logrus.FieldLogger
}

// Marginal is the estimated distribution of one variable over its domain.
type Marginal struct {
	VariableID int       `json:"variable_id"`
	Probs      []float64 `json:"probs"`
	StdErr     []float64 `json:"std_err"`
	// Samples is the number of sweeps the estimate is based on; zero when
	// the marginal was not sampled.
	Samples int `json:"samples"`
	// Exact is set for single-candidate and clamped evidence variables.
	Exact       bool `json:"exact,omitempty"`
	Unsupported bool `json:"unsupported,omitempty"`
}

// Sum returns the total probability mass.
func (m Marginal) Sum() float64 {
	s := 0.0
	for _, p := range m.Probs {
		s += p
	}
	return s
}

// InferResult is the outcome of one inference run.
type InferResult struct {
	RunID     string
	Marginals []Marginal
	// Unsupported lists variables no feature touches.
	Unsupported []int
	// Sweeps counts burn-in plus collected sweeps; zero when nothing needed
	// sampling.
	Sweeps   int
	Warnings []fuserr.Warning
}

// Inferer estimates marginals by Gibbs sampling with fixed weights.
type Inferer struct {
	opts InferOptions
	log  logrus.FieldLogger
}

// NewInferer creates an inferer.
func NewInferer(opts InferOptions) *Inferer {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Inferer{opts: opts, log: log}
}

// Infer runs BurnIn sweeps, then NSamples sweeps, and returns the empirical
// candidate frequencies of every variable in id order.
//
// Variables with a single candidate get probability exactly 1.0. Clamped
// evidence variables get a one-hot marginal on their known value. Variables
// no feature touches get a uniform marginal and are reported in an
// UNSUPPORTED_VARIABLE warning. When nothing needs sampling no sweep runs.
func (in *Inferer) Infer(ctx context.Context, g *Graph, weights []featurize.Weight) (*InferResult, error) {
	if len(weights) != g.NumWeights() {
		return nil, fuserr.Newf(fuserr.FeaturizationError, "infer", "graph expects %d weights, got %d", g.NumWeights(), len(weights))
	}
	if in.opts.NSamples <= 0 {
		return nil, fuserr.Newf(fuserr.ConfigError, "infer", "n_samples must be > 0, got %d", in.opts.NSamples)
	}
	if in.opts.BurnIn < 0 {
		return nil, fuserr.Newf(fuserr.ConfigError, "infer", "burn_in must be >= 0, got %d", in.opts.BurnIn)
	}

	res := &InferResult{RunID: uuid.NewString()}
	log := in.log.WithField("run", res.RunID)

	sampler := NewSampler(g, WeightValues(weights), SamplerOptions{
		Seed:          in.opts.Seed,
		Workers:       in.opts.Workers,
		ClampEvidence: in.opts.ClampEvidence,
	})
	free := sampler.Free()

	counts := make(map[int][]int, len(free))
	for _, v := range free {
		counts[v] = make([]int, len(g.Variables[v].Domain))
	}
	if len(free) > 0 {
		for i := 0; i < in.opts.BurnIn; i++ {
			if err := sampler.Sweep(ctx); err != nil {
				return nil, err
			}
		}
		in.opts.Metrics.ObserveSweeps("burn_in", in.opts.BurnIn)
		for i := 0; i < in.opts.NSamples; i++ {
			if err := sampler.Sweep(ctx); err != nil {
				return nil, err
			}
			assign := sampler.Assignment()
			for _, v := range free {
				counts[v][assign[v]]++
			}
		}
		in.opts.Metrics.ObserveSweeps("sample", in.opts.NSamples)
		res.Sweeps = in.opts.BurnIn + in.opts.NSamples
	}

	var noisy []int
	res.Marginals = make([]Marginal, len(g.Variables))
	for i := range g.Variables {
		v := &g.Variables[i]
		n := len(v.Domain)
		m := Marginal{VariableID: i, Probs: make([]float64, n), StdErr: make([]float64, n)}
		switch {
		case n == 1:
			m.Probs[0] = 1
			m.Exact = true
		case v.IsEvidence() && in.opts.ClampEvidence:
			m.Probs[v.Evidence] = 1
			m.Exact = true
		case !g.Supported(i):
			for c := range m.Probs {
				m.Probs[c] = 1 / float64(n)
			}
			m.Unsupported = true
			res.Unsupported = append(res.Unsupported, i)
		default:
			m.Samples = in.opts.NSamples
			worst := 0.0
			for c, k := range counts[i] {
				p := float64(k) / float64(in.opts.NSamples)
				m.Probs[c] = p
				m.StdErr[c] = stat.StdErr(math.Sqrt(p*(1-p)), float64(in.opts.NSamples))
				worst = math.Max(worst, m.StdErr[c])
			}
			if in.opts.Tolerance > 0 && worst > in.opts.Tolerance {
				noisy = append(noisy, i)
			}
		}
		res.Marginals[i] = m
	}

	if len(res.Unsupported) > 0 {
		msg := fmt.Sprintf("%d variables are touched by no feature, marginals are uniform", len(res.Unsupported))
		res.Warnings = append(res.Warnings, fuserr.NewWarning(fuserr.UnsupportedVariableWarning, msg, res.Unsupported...))
		log.WithField("variables", res.Unsupported).Warn(msg)
	}
	if len(noisy) > 0 {
		msg := fmt.Sprintf("%d marginals have standard error above %g with %d samples", len(noisy), in.opts.Tolerance, in.opts.NSamples)
		res.Warnings = append(res.Warnings, fuserr.NewWarning(fuserr.InsufficientSamplesWarning, msg, noisy...))
		log.WithField("variables", noisy).Warn(msg)
	}

	log.WithFields(logrus.Fields{
		"variables":   len(g.Variables),
		"sampled":     len(free),
		"unsupported": len(res.Unsupported),
		"sweeps":      res.Sweeps,
	}).Info("marginal inference finished")
	return res, nil
}
