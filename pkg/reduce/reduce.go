// Package reduce turns marginals into the fused result table: per variable,
// the candidates at or above a probability threshold, ranked, and cut to the
// first k.
package reduce

import (
	"sort"

	"github.com/orneryd/holofusion/pkg/convert"
	"github.com/orneryd/holofusion/pkg/dataset"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/inference"
)

// FusedResult is one ranked candidate of one variable.
type FusedResult struct {
	VariableID  int     `json:"variable_id"`
	EntityID    int     `json:"entity_id"`
	Key         string  `json:"key"`
	Attribute   string  `json:"attribute"`
	Value       string  `json:"value"`
	Probability float64 `json:"probability"`
	// Rank starts at 1 within the variable.
	Rank int `json:"rank"`
}

// Stats summarize a reduction.
type Stats struct {
	Variables int `json:"variables"`
	// Resolved counts variables with at least one result row.
	Resolved int `json:"resolved"`
	Rows     int `json:"rows"`
}

// Reduce ranks every variable's candidates by descending probability, ties
// broken by the natural order of the candidate value, keeps those with
// probability >= threshold and truncates each variable to firstK rows
// (0 means unbounded). Output is ordered by variable id, then rank.
//
// Marginals may come in any order; every one must name a variable in vars
// and carry one probability per domain value.
func Reduce(marginals []inference.Marginal, vars []dataset.Variable, threshold float64, firstK int) ([]FusedResult, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fuserr.Newf(fuserr.ConfigError, "reduce", "threshold must be in [0, 1], got %g", threshold)
	}
	if firstK < 0 {
		return nil, fuserr.Newf(fuserr.ConfigError, "reduce", "first_k must be >= 0, got %d", firstK)
	}

	ordered := append([]inference.Marginal(nil), marginals...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].VariableID < ordered[j].VariableID
	})

	var out []FusedResult
	for _, m := range ordered {
		if m.VariableID < 0 || m.VariableID >= len(vars) {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "reduce", "marginal for unknown variable %d", m.VariableID)
		}
		v := &vars[m.VariableID]
		if len(m.Probs) != len(v.Domain) {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "reduce",
				"marginal of variable %d has %d probabilities for %d candidates", m.VariableID, len(m.Probs), len(v.Domain))
		}
		out = append(out, rankVariable(m, v, threshold, firstK)...)
	}
	return out, nil
}

func rankVariable(m inference.Marginal, v *dataset.Variable, threshold float64, firstK int) []FusedResult {
	idx := make([]int, 0, len(m.Probs))
	for c, p := range m.Probs {
		if p >= threshold {
			idx = append(idx, c)
		}
	}
	sort.Slice(idx, func(i, j int) bool {
		pi, pj := m.Probs[idx[i]], m.Probs[idx[j]]
		if pi != pj {
			return pi > pj
		}
		return convert.LessNatural(v.Domain[idx[i]], v.Domain[idx[j]])
	})
	if firstK > 0 && len(idx) > firstK {
		idx = idx[:firstK]
	}

	rows := make([]FusedResult, len(idx))
	for r, c := range idx {
		rows[r] = FusedResult{
			VariableID:  v.ID,
			EntityID:    v.EntityID,
			Key:         v.Key,
			Attribute:   v.Attribute,
			Value:       v.Domain[c],
			Probability: m.Probs[c],
			Rank:        r + 1,
		}
	}
	return rows
}

// Summarize counts the variables and rows of a result table.
func Summarize(results []FusedResult, variables int) Stats {
	s := Stats{Variables: variables, Rows: len(results)}
	seen := make(map[int]bool)
	for _, r := range results {
		if !seen[r.VariableID] {
			seen[r.VariableID] = true
			s.Resolved++
		}
	}
	return s
}

// Best returns the rank-1 row of every variable, keyed by variable id.
func Best(results []FusedResult) map[int]FusedResult {
	out := make(map[int]FusedResult)
	for _, r := range results {
		if r.Rank == 1 {
			out[r.VariableID] = r
		}
	}
	return out
}
