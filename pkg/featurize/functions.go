package featurize

import (
	"sort"
	"strings"

	"github.com/orneryd/holofusion/pkg/convert"
	"github.com/orneryd/holofusion/pkg/dataset"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
)

// Input is what a feature function sees: the keyed dataset and the variable
// catalogue built from it.
type Input struct {
	Keyed     *dataset.Keyed
	Variables []dataset.Variable

	byEntityAttr map[entityAttr]int
}

type entityAttr struct {
	entity int
	attr   string
}

func newInput(k *dataset.Keyed, vars []dataset.Variable) *Input {
	in := &Input{Keyed: k, Variables: vars, byEntityAttr: make(map[entityAttr]int, len(vars))}
	for _, v := range vars {
		in.byEntityAttr[entityAttr{v.EntityID, v.Attribute}] = v.ID
	}
	return in
}

// Lookup returns the variable and candidate index for an observed value.
func (in *Input) Lookup(entity int, attr, value string) (*dataset.Variable, int, bool) {
	id, ok := in.byEntityAttr[entityAttr{entity, attr}]
	if !ok {
		return nil, -1, false
	}
	v := &in.Variables[id]
	c := convert.IndexOf(v.Domain, value)
	return v, c, c >= 0
}

// Function is a feature template instantiated over the input.
type Function interface {
	// Name is the registry name, also stored on every emitted row.
	Name() string
	// Attributes lists attributes the function explicitly depends on. Each
	// must be observed somewhere in the dataset. Nil means "any".
	Attributes() []string
	// Emit returns the feature rows, in a deterministic order.
	Emit(in *Input) []Feature
}

// Factory builds a Function from featurization options.
type Factory func(opts Options) Function

// Registry maps function names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in functions:
// source, source_global, frequency and cooccur.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("source", func(Options) Function { return sourceFunc{global: false} })
	r.Register("source_global", func(Options) Function { return sourceFunc{global: true} })
	r.Register("frequency", func(Options) Function { return frequencyFunc{} })
	r.Register("cooccur", func(o Options) Function {
		return cooccurFunc{attrs: append([]string(nil), o.CooccurAttributes...)}
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named functions in order. Unknown or repeated names
// are a FeaturizationError.
func (r *Registry) Build(names []string, opts Options) ([]Function, error) {
	seen := make(map[string]bool, len(names))
	fns := make([]Function, 0, len(names))
	for _, n := range names {
		f, ok := r.factories[n]
		if !ok {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "create_feature",
				"unknown feature function %q (registered: %s)", n, strings.Join(r.Names(), ", "))
		}
		if seen[n] {
			return nil, fuserr.Newf(fuserr.FeaturizationError, "create_feature", "feature function %q listed twice", n)
		}
		seen[n] = true
		fns = append(fns, f(opts))
	}
	return fns, nil
}

// sourceFunc ties a unary factor to the source that observed a value. With
// global set the weight is shared across attributes.
type sourceFunc struct {
	global bool
}

func (s sourceFunc) Name() string {
	if s.global {
		return "source_global"
	}
	return "source"
}

func (sourceFunc) Attributes() []string { return nil }

func (s sourceFunc) Emit(in *Input) []Feature {
	var out []Feature
	for _, o := range in.Keyed.Observations {
		v, c, ok := in.Lookup(o.EntityID, o.Attribute, o.Value)
		if !ok {
			continue
		}
		group := "source:" + o.Source + ":" + o.Attribute
		if s.global {
			group = "source:" + o.Source
		}
		out = append(out, Feature{
			Function:    s.Name(),
			WeightGroup: group,
			VariableIDs: []int{v.ID},
			Candidates:  []int{c},
			Signal:      1,
		})
	}
	return out
}

// frequencyFunc emits one unary factor per observed candidate whose signal is
// the fraction of the variable's sources that reported it.
type frequencyFunc struct{}

func (frequencyFunc) Name() string         { return "frequency" }
func (frequencyFunc) Attributes() []string { return nil }

func (f frequencyFunc) Emit(in *Input) []Feature {
	sources := make(map[int]map[string]bool)
	support := make(map[int][]map[string]bool)
	for _, o := range in.Keyed.Observations {
		v, c, ok := in.Lookup(o.EntityID, o.Attribute, o.Value)
		if !ok {
			continue
		}
		if sources[v.ID] == nil {
			sources[v.ID] = make(map[string]bool)
			support[v.ID] = make([]map[string]bool, len(v.Domain))
		}
		sources[v.ID][o.Source] = true
		if support[v.ID][c] == nil {
			support[v.ID][c] = make(map[string]bool)
		}
		support[v.ID][c][o.Source] = true
	}

	var out []Feature
	for _, v := range in.Variables {
		total := len(sources[v.ID])
		if total == 0 {
			continue
		}
		for c, srcs := range support[v.ID] {
			if len(srcs) == 0 {
				continue
			}
			out = append(out, Feature{
				Function:    f.Name(),
				WeightGroup: "frequency:" + v.Attribute,
				VariableIDs: []int{v.ID},
				Candidates:  []int{c},
				Signal:      float64(len(srcs)) / float64(total),
			})
		}
	}
	return out
}

// cooccurFunc emits a pairwise factor for every pair of values that one
// source reported together for the same entity.
type cooccurFunc struct {
	attrs []string
}

func (cooccurFunc) Name() string { return "cooccur" }

func (c cooccurFunc) Attributes() []string { return c.attrs }

func (c cooccurFunc) Emit(in *Input) []Feature {
	allowed := make(map[string]bool, len(c.attrs))
	for _, a := range c.attrs {
		allowed[a] = true
	}
	isKey := make(map[string]bool)
	for _, a := range in.Keyed.KeyAttributes {
		isKey[a] = true
	}

	type pairKey struct {
		va, ca, vb, cb int
	}
	seen := make(map[pairKey]bool)
	var out []Feature
	for _, r := range in.Keyed.Dataset.Rows {
		keyVals := make([]string, len(in.Keyed.KeyAttributes))
		for i, a := range in.Keyed.KeyAttributes {
			keyVals[i] = r.Values[a]
		}
		eid, ok := in.Keyed.EntityFor(keyVals)
		if !ok {
			continue
		}

		attrs := make([]string, 0, len(r.Values))
		for a := range r.Values {
			if isKey[a] || (len(allowed) > 0 && !allowed[a]) {
				continue
			}
			attrs = append(attrs, a)
		}
		sort.Strings(attrs)

		for i := 0; i < len(attrs); i++ {
			va, ca, okA := in.Lookup(eid, attrs[i], r.Values[attrs[i]])
			if !okA {
				continue
			}
			for j := i + 1; j < len(attrs); j++ {
				vb, cb, okB := in.Lookup(eid, attrs[j], r.Values[attrs[j]])
				if !okB {
					continue
				}
				pk := pairKey{va.ID, ca, vb.ID, cb}
				if seen[pk] {
					continue
				}
				seen[pk] = true
				out = append(out, Feature{
					Function:    c.Name(),
					WeightGroup: "cooccur:" + attrs[i] + "|" + attrs[j],
					VariableIDs: []int{va.ID, vb.ID},
					Candidates:  []int{ca, cb},
					Signal:      1,
				})
			}
		}
	}
	return out
}
