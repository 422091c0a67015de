// Package dataset holds the tabular input of a fusion run and the entity and
// variable model derived from it.
//
// A Dataset is created once by ingest and never mutated afterwards. Each row
// is one source's record about some real-world entity:
//
//	source,isbn,title,author
//	amazon,0439,Harry Potter,Rowling
//	barnes,0439,Harry Potter,J. K. Rowling
//
// Choosing key attributes (KeyBy) groups rows into entities and turns every
// non-key cell into an Observation. BuildVariables then creates one
// categorical Variable per (entity, attribute) whose domain is the set of
// observed candidate values, and marks variables with a known label as
// evidence.
//
// Everything derived is sorted, so results never depend on map iteration or
// input partitioning.
package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultSourceColumn names the column identifying the reporting source.
const DefaultSourceColumn = "source"

// TableDataset stores the dataset descriptor next to its rows.
const TableDataset = "dataset"

// Row is one source record from the ingested file.
type Row struct {
	TupleID int               `json:"tuple_id"`
	Source  string            `json:"source"`
	Values  map[string]string `json:"values"`
}

// Entity is a logical real-world object identified by its key tuple.
type Entity struct {
	ID        int      `json:"id"`
	Key       string   `json:"key"`
	KeyValues []string `json:"key_values"`
}

// Observation is one source's claim about one attribute of one entity.
type Observation struct {
	EntityID  int    `json:"entity_id"`
	Attribute string `json:"attribute"`
	Source    string `json:"source"`
	Value     string `json:"value"`
	TupleID   int    `json:"tuple_id"`
}

// Variable is the unknown true value of one (entity, attribute) pair.
type Variable struct {
	ID        int      `json:"id"`
	EntityID  int      `json:"entity_id"`
	Key       string   `json:"key"`
	Attribute string   `json:"attribute"`
	Domain    []string `json:"domain"`
	// Evidence is the index of the known value in Domain, or -1.
	Evidence int `json:"evidence"`
}

// IsEvidence reports whether the variable has a known value.
func (v *Variable) IsEvidence() bool {
	return v.Evidence >= 0
}

// Dataset is an ingested table of source rows.
type Dataset struct {
	// ID is a content fingerprint of the ingested file.
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Path         string   `json:"path,omitempty"`
	SourceColumn string   `json:"source_column"`
	Attributes   []string `json:"attributes"`
	Rows         []Row    `json:"-"`
}

// PrintID returns the printable identifier of the dataset.
func (d *Dataset) PrintID() string {
	return d.Name + "@" + d.ID
}

// String summarizes the dataset for logs.
func (d *Dataset) String() string {
	return fmt.Sprintf("Dataset{%s, attributes=%s, rows=%d}", d.PrintID(), strings.Join(d.Attributes, ","), len(d.Rows))
}

// HasAttribute reports whether attr is a column of the dataset.
func (d *Dataset) HasAttribute(attr string) bool {
	for _, a := range d.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}

// Sources returns the distinct sources in first-seen order.
func (d *Dataset) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range d.Rows {
		if !seen[r.Source] {
			seen[r.Source] = true
			out = append(out, r.Source)
		}
	}
	return out
}

// keyString renders a key tuple for display.
func keyString(vals []string) string {
	return strings.Join(vals, "|")
}

// tupleID is the map identity of a key tuple. Length prefixes keep tuples
// like ("a|b", "c") and ("a", "b|c") apart.
func tupleID(vals []string) string {
	var b strings.Builder
	for _, v := range vals {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}
