// Package storage provides the data engine that persists HoloFusion tables.
//
// Every pipeline stage reads and writes named tables scoped to a namespace.
// The dataset id holds the dataset and its rows; each session derives
// observations, variables, labels, features, weights, featureset, marginals
// and results under its own "<dataset id>/<session>" namespace.
//
// The engine owns bytes only. Each table row is an opaque JSON document whose
// schema belongs to the package that wrote it; use WriteRecords/ReadRecords
// (or EncodeTable/DecodeTable) for typed access.
//
// Two implementations are provided:
//   - BadgerEngine: persistent storage in a Badger directory
//   - MemoryEngine: in-process maps for tests and --in-memory runs
//
// Writes are atomic per call. WriteTables replaces several tables at once and
// ReplaceTables also drops stale ones, so a failed stage never leaves a partial
// table set behind. Rewriting a table replaces all of its rows.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	err := storage.WriteRecords(engine, "ds-1", "weights", []Weight{{ID: 0, Group: "source:a:title"}})
//	weights, err := storage.ReadRecords[Weight](engine, "ds-1", "weights")
package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage closed")
)

// Well-known table names.
const (
	TableRows         = "rows"
	TableObservations = "observations"
	TableVariables    = "variables"
	TableLabels       = "labels"
	TableFeatures     = "features"
	TableWeights      = "weights"
	TableFeatureSet   = "featureset"
	TableMarginals    = "marginals"
	TableResults      = "results"
)

// Table is an ordered list of JSON-encoded rows.
type Table struct {
	Rows []json.RawMessage
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// clone deep-copies the table so callers cannot mutate stored rows.
func (t *Table) clone() *Table {
	out := &Table{Rows: make([]json.RawMessage, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = append(json.RawMessage(nil), r...)
	}
	return out
}

// TableInfo describes a persisted table.
type TableInfo struct {
	Name      string    `json:"name"`
	Rows      int       `json:"rows"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Engine is the data engine consumed by the pipeline.
//
// Implementations must be safe for concurrent use. Table and dataset ids must
// not be empty or contain a NUL byte.
type Engine interface {
	// ReadTable returns a copy of the table, or ErrNotFound.
	ReadTable(datasetID, name string) (*Table, error)
	// WriteTable replaces the table in one transaction.
	WriteTable(datasetID, name string, table *Table) error
	// WriteTables replaces every given table in one transaction.
	WriteTables(datasetID string, tables map[string]*Table) error
	// DeleteTables removes the named tables; missing names are ignored.
	DeleteTables(datasetID string, names ...string) error
	// ReplaceTables writes the given tables and removes the dropped ones as
	// one atomic change. A name may not be both written and dropped.
	ReplaceTables(datasetID string, write map[string]*Table, drop ...string) error
	// ListTables returns the tables of a dataset sorted by name.
	ListTables(datasetID string) ([]TableInfo, error)
	// ListDatasets returns every dataset id with at least one table, sorted.
	ListDatasets() ([]string, error)
	// Close releases the engine. Further calls return ErrStorageClosed.
	Close() error
}

func validateName(datasetID, name string) error {
	if datasetID == "" || name == "" {
		return ErrInvalidID
	}
	for i := 0; i < len(datasetID); i++ {
		if datasetID[i] == 0 {
			return ErrInvalidID
		}
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return ErrInvalidID
		}
	}
	return nil
}
