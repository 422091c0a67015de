package inference

import (
	"sort"

	"github.com/orneryd/holofusion/pkg/dataset"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/featurize"
)

// incidence records that a feature touches a variable at position pos.
type incidence struct {
	feature int
	pos     int
}

// Graph is the immutable factor graph: variables plus feature rows, with an
// index from each variable to the features that touch it.
type Graph struct {
	Variables []dataset.Variable
	Features  []featurize.Feature

	numWeights int
	incident   [][]incidence
	neighbors  [][]int
}

// NewGraph validates the feature table against the variable catalogue and
// builds the incidence index.
//
// Every feature must reference existing variables, in-range candidates and a
// weight id in [0, numWeights). A feature may not list the same variable
// twice.
func NewGraph(vars []dataset.Variable, features []featurize.Feature, numWeights int) (*Graph, error) {
	g := &Graph{
		Variables:  vars,
		Features:   features,
		numWeights: numWeights,
		incident:   make([][]incidence, len(vars)),
	}

	for i, v := range vars {
		if v.ID != i {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "build_graph", "variable at position %d has id %d", i, v.ID)
		}
		if len(v.Domain) == 0 {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "build_graph", "variable %d has an empty domain", i)
		}
	}

	adj := make([]map[int]struct{}, len(vars))
	for fi, f := range features {
		if len(f.VariableIDs) == 0 || len(f.VariableIDs) != len(f.Candidates) {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "build_graph", "feature %d lists %d variables and %d candidates",
				fi, len(f.VariableIDs), len(f.Candidates))
		}
		if f.WeightID < 0 || f.WeightID >= numWeights {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "build_graph", "feature %d has weight id %d outside [0, %d)", fi, f.WeightID, numWeights)
		}
		for pos, vid := range f.VariableIDs {
			if vid < 0 || vid >= len(vars) {
				return nil, fuserr.Newf(fuserr.FeaturizationError, "build_graph", "feature %d references unknown variable %d", fi, vid)
			}
			if c := f.Candidates[pos]; c < 0 || c >= len(vars[vid].Domain) {
				return nil, fuserr.Newf(fuserr.FeaturizationError, "build_graph", "feature %d references candidate %d of variable %d", fi, c, vid)
			}
			for _, other := range f.VariableIDs[:pos] {
				if other == vid {
					return nil, fuserr.Newf(fuserr.FeaturizationError, "build_graph", "feature %d lists variable %d twice", fi, vid)
				}
			}
			g.incident[vid] = append(g.incident[vid], incidence{feature: fi, pos: pos})
		}
		if len(f.VariableIDs) > 1 {
			for _, a := range f.VariableIDs {
				for _, b := range f.VariableIDs {
					if a == b {
						continue
					}
					if adj[a] == nil {
						adj[a] = make(map[int]struct{})
					}
					adj[a][b] = struct{}{}
				}
			}
		}
	}

	g.neighbors = make([][]int, len(vars))
	for v, set := range adj {
		for n := range set {
			g.neighbors[v] = append(g.neighbors[v], n)
		}
		sort.Ints(g.neighbors[v])
	}
	return g, nil
}

// NumWeights returns the size of the weight vector the graph expects.
func (g *Graph) NumWeights() int { return g.numWeights }

// Supported reports whether any feature touches variable v.
func (g *Graph) Supported(v int) bool { return len(g.incident[v]) > 0 }

// Neighbors returns the variables sharing a feature with v, sorted.
func (g *Graph) Neighbors(v int) []int { return g.neighbors[v] }

// Unsupported returns the ids of variables no feature touches.
func (g *Graph) Unsupported() []int {
	var out []int
	for v := range g.Variables {
		if !g.Supported(v) {
			out = append(out, v)
		}
	}
	return out
}

// scores fills out[c] with the log-linear score of variable v taking
// candidate c given the current assignment of its neighbours.
func (g *Graph) scores(v int, assign []int, weights []float64, out []float64) {
	clear(out)
	for _, inc := range g.incident[v] {
		f := &g.Features[inc.feature]
		if !othersMatch(f, inc.pos, assign) {
			continue
		}
		out[f.Candidates[inc.pos]] += weights[f.WeightID] * f.Signal
	}
}

// othersMatch reports whether every variable of f except the one at skip
// takes its listed candidate.
func othersMatch(f *featurize.Feature, skip int, assign []int) bool {
	for i, vid := range f.VariableIDs {
		if i != skip && assign[vid] != f.Candidates[i] {
			return false
		}
	}
	return true
}

// Colour partitions vars into independent blocks: no two variables in one
// block share a feature. Greedy colouring in id order keeps the result
// deterministic. Each block is sorted by id.
func (g *Graph) Colour(vars []int) [][]int {
	ordered := append([]int(nil), vars...)
	sort.Ints(ordered)

	colour := make(map[int]int, len(ordered))
	var blocks [][]int
	for _, v := range ordered {
		used := make(map[int]bool)
		for _, n := range g.neighbors[v] {
			if c, ok := colour[n]; ok {
				used[c] = true
			}
		}
		c := 0
		for used[c] {
			c++
		}
		colour[v] = c
		if c == len(blocks) {
			blocks = append(blocks, nil)
		}
		blocks[c] = append(blocks[c], v)
	}
	return blocks
}
