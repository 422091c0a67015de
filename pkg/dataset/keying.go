package dataset

import (
	"sort"

	"github.com/orneryd/holofusion/pkg/convert"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
)

// Keyed is a dataset grouped into entities by a key attribute tuple.
type Keyed struct {
	Dataset       *Dataset
	KeyAttributes []string
	Entities      []Entity
	// Observations are sorted by (entity, attribute, source, value) and
	// deduplicated on that tuple.
	Observations []Observation

	byTuple map[string]int
}

// KeyBy groups rows into entities by the values of keys.
//
// Entity ids are assigned in natural order of the key tuples, so the mapping
// is deterministic and injective. A key column missing from the header, or a
// row with an empty key cell, is a SchemaError.
func (d *Dataset) KeyBy(keys ...string) (*Keyed, error) {
	if len(keys) == 0 {
		return nil, fuserr.New(fuserr.SchemaError, "key_attribute", "no key attributes given")
	}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !d.HasAttribute(k) {
			return nil, fuserr.Newf(fuserr.SchemaError, "key_attribute", "key attribute %q not found in %s", k, d.PrintID())
		}
		if isKey[k] {
			return nil, fuserr.Newf(fuserr.SchemaError, "key_attribute", "key attribute %q listed twice", k)
		}
		isKey[k] = true
	}

	tuples := make(map[string][]string)
	rowTuple := make([]string, len(d.Rows))
	for i, r := range d.Rows {
		vals := make([]string, len(keys))
		for j, k := range keys {
			v, ok := r.Values[k]
			if !ok {
				return nil, fuserr.Newf(fuserr.SchemaError, "key_attribute", "row %d has no value for key attribute %q", r.TupleID+1, k)
			}
			vals[j] = v
		}
		id := tupleID(vals)
		tuples[id] = vals
		rowTuple[i] = id
	}

	ordered := make([][]string, 0, len(tuples))
	for _, vals := range tuples {
		ordered = append(ordered, vals)
	}
	sort.Slice(ordered, func(i, j int) bool { return lessTuple(ordered[i], ordered[j]) })

	k := &Keyed{
		Dataset:       d,
		KeyAttributes: append([]string(nil), keys...),
		Entities:      make([]Entity, len(ordered)),
		byTuple:       make(map[string]int, len(ordered)),
	}
	for i, vals := range ordered {
		k.Entities[i] = Entity{ID: i, Key: keyString(vals), KeyValues: vals}
		k.byTuple[tupleID(vals)] = i
	}

	seen := make(map[Observation]bool)
	for i, r := range d.Rows {
		eid := k.byTuple[rowTuple[i]]
		for attr, v := range r.Values {
			if isKey[attr] {
				continue
			}
			key := Observation{EntityID: eid, Attribute: attr, Source: r.Source, Value: v}
			if seen[key] {
				continue
			}
			seen[key] = true
			key.TupleID = r.TupleID
			k.Observations = append(k.Observations, key)
		}
	}
	sort.Slice(k.Observations, func(i, j int) bool {
		return lessObservation(&k.Observations[i], &k.Observations[j])
	})
	return k, nil
}

// EntityFor returns the entity id of a key tuple.
func (k *Keyed) EntityFor(keyValues []string) (int, bool) {
	id, ok := k.byTuple[tupleID(keyValues)]
	return id, ok
}

// ObservedAttributes returns the attributes with at least one observation,
// sorted.
func (k *Keyed) ObservedAttributes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range k.Observations {
		if !seen[o.Attribute] {
			seen[o.Attribute] = true
			out = append(out, o.Attribute)
		}
	}
	sort.Strings(out)
	return out
}

// LabelStats reports how labels were applied.
type LabelStats struct {
	Applied int `json:"applied"`
	// UnknownEntity counts label cells whose key tuple matched no entity.
	UnknownEntity int `json:"unknown_entity"`
	// Conflicting counts cells that disagreed with an earlier label.
	Conflicting int `json:"conflicting"`
}

// BuildVariables creates one variable per observed (entity, attribute) pair.
//
// The domain is the natural-order set of observed values plus the label value
// when one exists. Variable ids follow (entity id, attribute) order. Labels
// must carry every key attribute; a missing one is a SchemaError. The first
// label for a variable wins.
func (k *Keyed) BuildVariables(labels []LabelRow) ([]Variable, LabelStats, error) {
	var stats LabelStats

	type varKey struct {
		entity int
		attr   string
	}
	truth := make(map[varKey]string)
	isKey := make(map[string]bool, len(k.KeyAttributes))
	for _, a := range k.KeyAttributes {
		isKey[a] = true
	}
	for n, l := range labels {
		vals := make([]string, len(k.KeyAttributes))
		for i, a := range k.KeyAttributes {
			v, ok := l.Values[a]
			if !ok {
				return nil, stats, fuserr.Newf(fuserr.SchemaError, "ingest_labels", "label row %d has no value for key attribute %q", n+1, a)
			}
			vals[i] = v
		}
		eid, ok := k.EntityFor(vals)
		for attr, v := range l.Values {
			if isKey[attr] {
				continue
			}
			if !ok {
				stats.UnknownEntity++
				continue
			}
			vk := varKey{eid, attr}
			if prev, exists := truth[vk]; exists {
				if prev != v {
					stats.Conflicting++
				}
				continue
			}
			truth[vk] = v
		}
	}

	candidates := make(map[varKey][]string)
	var order []varKey
	for _, o := range k.Observations {
		vk := varKey{o.EntityID, o.Attribute}
		if _, ok := candidates[vk]; !ok {
			order = append(order, vk)
		}
		candidates[vk] = append(candidates[vk], o.Value)
	}

	vars := make([]Variable, 0, len(order))
	for _, vk := range order {
		vals := candidates[vk]
		label, labeled := truth[vk]
		if labeled {
			vals = append(vals, label)
		}
		domain := convert.UniqueSorted(vals)
		evidence := -1
		if labeled {
			evidence = convert.IndexOf(domain, label)
			stats.Applied++
		}
		vars = append(vars, Variable{
			ID:        len(vars),
			EntityID:  vk.entity,
			Key:       k.Entities[vk.entity].Key,
			Attribute: vk.attr,
			Domain:    domain,
			Evidence:  evidence,
		})
	}
	return vars, stats, nil
}

func lessTuple(a, b []string) bool {
	for i := range a {
		if c := convert.CompareNatural(a[i], b[i]); c != 0 {
			return c < 0
		}
	}
	return false
}

func lessObservation(a, b *Observation) bool {
	if a.EntityID != b.EntityID {
		return a.EntityID < b.EntityID
	}
	if a.Attribute != b.Attribute {
		return a.Attribute < b.Attribute
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return convert.LessNatural(a.Value, b.Value)
}
