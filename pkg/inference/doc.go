// Package inference learns factor weights and estimates marginals over the
// factor graph built by package featurize.
//
// The graph has one categorical variable per (entity, attribute). A feature
// row adds weight*signal to the log-score of a configuration when every
// variable it lists takes its listed candidate. The conditional of a single
// variable given its neighbours is the softmax of those scores over its
// domain.
//
// Example Usage:
//
//	g, err := inference.NewGraph(vars, features, len(weights))
//	if err != nil {
//		return err
//	}
//
//	learner := inference.NewLearner(inference.LearnOptions{
//		Epochs:       100,
//		LearningRate: 0.05,
//		Decay:        0.99,
//		Seed:         1,
//	})
//	learned, err := learner.Learn(ctx, g, weights)
//
//	inferer := inference.NewInferer(inference.InferOptions{
//		BurnIn:        50,
//		NSamples:      1000,
//		Tolerance:     0.05,
//		ClampEvidence: true,
//		Seed:          2,
//	})
//	result, err := inferer.Infer(ctx, g, learned.Weights)
//	for _, m := range result.Marginals {
//		fmt.Println(m.VariableID, m.Probs)
//	}
//
// How the pieces fit:
//
//  1. Graph: validates the feature table, indexes the features touching each
//     variable and colours the variables into independent blocks.
//
//  2. Sampler: owns the assignment vector and advances it one Gibbs sweep at
//     a time. With Workers > 1 a sweep walks the blocks in order and samples
//     each block's chunks concurrently. Chunk RNGs are seeded from the
//     sampler's RNG, so a fixed seed and worker count reproduce the chain.
//
//  3. Learner: stochastic gradient ascent on the pseudo-likelihood of the
//     evidence variables. Evidence stays clamped while the rest of the graph
//     is resampled once per epoch.
//
//  4. Inferer: burn-in, then counts candidate frequencies over NSamples
//     sweeps. Single-candidate variables are exact and never sampled;
//     variables no feature touches are uniform and reported.
package inference
