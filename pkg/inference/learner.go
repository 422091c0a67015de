package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/featurize"
	"github.com/orneryd/holofusion/pkg/logging"
	"github.com/orneryd/holofusion/pkg/metrics"
)

// LearnOptions configure weight learning.
type LearnOptions struct {
	Epochs         int
	LearningRate   float64
	Decay          float64
	Regularization float64
	Seed           int64
	Workers        int

	Metrics *metrics.Fusion
	Logger  logrus.FieldLogger
}

// LearnResult is the outcome of one learning run.
type LearnResult struct {
	Weights []featurize.Weight
	// GradientNorms holds the L2 norm of the gradient of every epoch.
	GradientNorms []float64
	// Trajectory holds the weight vector after every epoch.
	Trajectory [][]float64
	// Evidence is the number of evidence variables that contributed gradient.
	Evidence int
	Warnings []fuserr.Warning
}

// Learner fits weights by stochastic gradient ascent on the
// pseudo-likelihood of the evidence variables.
type Learner struct {
	opts LearnOptions
	log  logrus.FieldLogger
}

// NewLearner creates a learner.
func NewLearner(opts LearnOptions) *Learner {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	if opts.Decay == 0 {
		opts.Decay = 1
	}
	return &Learner{opts: opts, log: log}
}

// Learn runs the configured number of epochs. Each epoch does one Gibbs
// sweep over the non-evidence variables, computes the gradient at the
// evidence variables and takes one step with rate LearningRate*Decay^epoch.
//
// Fixed weights are never updated. The input slice is not modified.
func (l *Learner) Learn(ctx context.Context, g *Graph, weights []featurize.Weight) (*LearnResult, error) {
	if len(weights) != g.NumWeights() {
		return nil, fuserr.Newf(fuserr.FeaturizationError, "learn", "graph expects %d weights, got %d", g.NumWeights(), len(weights))
	}
	if l.opts.Epochs <= 0 {
		return nil, fuserr.Newf(fuserr.ConfigError, "learn", "epochs must be > 0, got %d", l.opts.Epochs)
	}

	w := make([]float64, len(weights))
	fixed := make([]bool, len(weights))
	for i, wt := range weights {
		w[i] = wt.Value
		fixed[i] = wt.Fixed
	}

	sampler := NewSampler(g, w, SamplerOptions{
		Seed:          l.opts.Seed,
		Workers:       l.opts.Workers,
		ClampEvidence: true,
	})

	var evidence []int
	for i := range g.Variables {
		v := &g.Variables[i]
		if v.IsEvidence() && len(v.Domain) > 1 && g.Supported(i) {
			evidence = append(evidence, i)
		}
	}
	if len(evidence) == 0 {
		l.log.Warn("no evidence variables touched by features, weights only shrink toward zero")
	}

	res := &LearnResult{Evidence: len(evidence)}
	grad := make([]float64, len(w))
	warned := false
	for epoch := 0; epoch < l.opts.Epochs; epoch++ {
		if err := sampler.Sweep(ctx); err != nil {
			return nil, err
		}
		l.opts.Metrics.ObserveSweeps("learn", 1)

		l.gradient(g, sampler, evidence, w, grad)
		for i := range grad {
			if fixed[i] {
				grad[i] = 0
			}
		}
		norm := floats.Norm(grad, 2)
		res.GradientNorms = append(res.GradientNorms, norm)
		l.opts.Metrics.ObserveEpoch(norm)

		if epoch > 0 && norm > res.GradientNorms[epoch-1] && !warned {
			warned = true
			msg := fmt.Sprintf("gradient norm increased at epoch %d (%.6g > %.6g)", epoch, norm, res.GradientNorms[epoch-1])
			res.Warnings = append(res.Warnings, fuserr.NewWarning(fuserr.ConvergenceWarning, msg))
			l.log.WithField("epoch", epoch).Warn(msg)
		}

		rate := l.opts.LearningRate * math.Pow(l.opts.Decay, float64(epoch))
		floats.AddScaled(w, rate, grad)
		res.Trajectory = append(res.Trajectory, append([]float64(nil), w...))

		l.log.WithFields(logrus.Fields{
			"epoch":         epoch,
			"gradient_norm": norm,
			"learning_rate": rate,
		}).Debug("epoch done")
	}

	res.Weights = make([]featurize.Weight, len(weights))
	for i, wt := range weights {
		wt.Value = w[i]
		res.Weights[i] = wt
	}
	l.log.WithFields(logrus.Fields{
		"epochs":        l.opts.Epochs,
		"weights":       len(w),
		"evidence":      len(evidence),
		"gradient_norm": res.GradientNorms[len(res.GradientNorms)-1],
	}).Info("weight learning finished")
	return res, nil
}

// gradient fills grad with the pseudo-likelihood gradient: for every
// evidence variable the feature value at the true candidate minus its
// expectation under the variable's conditional, less the L2 penalty.
func (l *Learner) gradient(g *Graph, s *Sampler, evidence []int, w, grad []float64) {
	for i := range grad {
		grad[i] = -l.opts.Regularization * w[i]
	}
	assign := s.Assignment()
	for _, v := range evidence {
		probs := s.Conditional(v)
		truth := g.Variables[v].Evidence
		for _, inc := range g.incident[v] {
			f := &g.Features[inc.feature]
			if !othersMatch(f, inc.pos, assign) {
				continue
			}
			c := f.Candidates[inc.pos]
			if c == truth {
				grad[f.WeightID] += f.Signal
			}
			grad[f.WeightID] -= probs[c] * f.Signal
		}
	}
}

// WeightValues extracts the values of ws in id order.
func WeightValues(ws []featurize.Weight) []float64 {
	out := make([]float64, len(ws))
	for i, w := range ws {
		out[i] = w.Value
	}
	return out
}
