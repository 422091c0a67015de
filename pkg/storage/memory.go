// Package storage provides storage engine implementations for HoloFusion.
package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryEngine is a thread-safe in-memory table store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - One-shot CLI runs with --in-memory
//
// Tables are deep-copied on read and write so callers never share row bytes
// with the store.
type MemoryEngine struct {
	mu       sync.RWMutex
	datasets map[string]map[string]*memoryTable
	closed   bool
}

type memoryTable struct {
	table     *Table
	updatedAt time.Time
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		datasets: make(map[string]map[string]*memoryTable),
	}
}

// ReadTable returns a copy of the table.
func (m *MemoryEngine) ReadTable(datasetID, name string) (*Table, error) {
	if err := validateName(datasetID, name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	t, ok := m.datasets[datasetID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return t.table.clone(), nil
}

// WriteTable replaces a single table.
func (m *MemoryEngine) WriteTable(datasetID, name string, table *Table) error {
	return m.WriteTables(datasetID, map[string]*Table{name: table})
}

// WriteTables replaces every given table under one lock.
func (m *MemoryEngine) WriteTables(datasetID string, tables map[string]*Table) error {
	return m.ReplaceTables(datasetID, tables)
}

// DeleteTables removes the named tables.
func (m *MemoryEngine) DeleteTables(datasetID string, names ...string) error {
	return m.ReplaceTables(datasetID, nil, names...)
}

// ReplaceTables writes tables and drops the named ones under one lock.
func (m *MemoryEngine) ReplaceTables(datasetID string, write map[string]*Table, drop ...string) error {
	for name := range write {
		if err := validateName(datasetID, name); err != nil {
			return err
		}
	}
	for _, name := range drop {
		if err := validateName(datasetID, name); err != nil {
			return err
		}
		if _, ok := write[name]; ok {
			return fmt.Errorf("%w: table %s both written and dropped", ErrInvalidID, name)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	ds, ok := m.datasets[datasetID]
	if !ok {
		ds = make(map[string]*memoryTable)
		m.datasets[datasetID] = ds
	}
	now := time.Now().UTC()
	for name, t := range write {
		if t == nil {
			t = &Table{}
		}
		ds[name] = &memoryTable{table: t.clone(), updatedAt: now}
	}
	for _, name := range drop {
		delete(ds, name)
	}
	if len(ds) == 0 {
		delete(m.datasets, datasetID)
	}
	return nil
}

// ListTables returns the tables of a dataset sorted by name.
func (m *MemoryEngine) ListTables(datasetID string) ([]TableInfo, error) {
	if err := validateName(datasetID, "-"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	var infos []TableInfo
	for name, t := range m.datasets[datasetID] {
		infos = append(infos, TableInfo{Name: name, Rows: t.table.Len(), UpdatedAt: t.updatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// ListDatasets returns every dataset id with at least one table.
func (m *MemoryEngine) ListDatasets() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := make([]string, 0, len(m.datasets))
	for id := range m.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close marks the engine closed and drops all tables.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.datasets = nil
	return nil
}

// Verify interface compliance
var _ Engine = (*MemoryEngine)(nil)
