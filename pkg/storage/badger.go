// Package storage provides storage engine implementations for HoloFusion.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB.
// Rows are written in batches under a table generation and made visible by a
// single transaction that flips the table meta records.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixRow  = byte(0x01) // row:datasetID:table:gen:index -> JSON row
	prefixMeta = byte(0x02) // meta:datasetID:table -> JSON(tableMeta)
	prefixSeq  = byte(0x03) // generation sequence
)

// tableMeta is the stored meta record: the public info plus the generation
// holding the table's rows.
type tableMeta struct {
	TableInfo
	Gen uint64 `json:"gen"`
}

// BadgerEngine provides persistent table storage using BadgerDB.
//
// Key Structure:
//   - Rows: 0x01 + datasetID + 0x00 + table + 0x00 + uint64(gen) + uint32(index) -> JSON row
//   - Meta: 0x02 + datasetID + 0x00 + table -> JSON(tableMeta)
//
// Generations and row indexes are big-endian so a prefix scan returns rows in
// write order. Writers are serialized; readers never block.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data")
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	err = engine.WriteTable(ds.ID, storage.TableWeights, table)
type BadgerEngine struct {
	db      *badger.DB
	seq     *badger.Sequence
	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// BlockCacheSize in bytes. Zero keeps the 32MB default.
	BlockCacheSize int64

	// Logger for BadgerDB internal logging.
	// If nil, Badger logging is disabled.
	Logger badger.Logger
}

// NewBadgerEngine creates a persistent engine in dataDir with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Memory settings are tuned down from Badger's defaults; fusion tables are
// small relative to what Badger is sized for.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	cache := opts.BlockCacheSize
	if cache <= 0 {
		cache = 32 << 20
	}

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(cache).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte{prefixSeq}, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open generation sequence: %w", err)
	}

	return &BadgerEngine{db: db, seq: seq}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

// tablePrefix returns datasetID + 0x00 + name + 0x00 under the given prefix.
func tablePrefix(prefix byte, datasetID, name string) []byte {
	key := make([]byte, 0, 3+len(datasetID)+len(name)+12)
	key = append(key, prefix)
	key = append(key, datasetID...)
	key = append(key, 0x00)
	key = append(key, name...)
	return append(key, 0x00)
}

func generationPrefix(datasetID, name string, gen uint64) []byte {
	return binary.BigEndian.AppendUint64(tablePrefix(prefixRow, datasetID, name), gen)
}

func rowKey(datasetID, name string, gen uint64, index int) []byte {
	return binary.BigEndian.AppendUint32(generationPrefix(datasetID, name, gen), uint32(index))
}

func metaKey(datasetID, name string) []byte {
	key := tablePrefix(prefixMeta, datasetID, name)
	return key[:len(key)-1]
}

func datasetPrefix(prefix byte, datasetID string) []byte {
	key := make([]byte, 0, 2+len(datasetID))
	key = append(key, prefix)
	key = append(key, datasetID...)
	return append(key, 0x00)
}

// splitMetaKey extracts (datasetID, table) from a meta key.
func splitMetaKey(key []byte) (string, string, bool) {
	if len(key) < 2 || key[0] != prefixMeta {
		return "", "", false
	}
	ds, name, ok := bytes.Cut(key[1:], []byte{0x00})
	if !ok {
		return "", "", false
	}
	return string(ds), string(name), true
}

// rowGeneration extracts the generation from a row key under tablePrefix.
func rowGeneration(key []byte, prefixLen int) (uint64, bool) {
	if len(key) < prefixLen+12 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[prefixLen:]), true
}

// ============================================================================
// Engine implementation
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func getMeta(txn *badger.Txn, datasetID, name string) (tableMeta, error) {
	var meta tableMeta
	item, err := txn.Get(metaKey(datasetID, name))
	if err == badger.ErrKeyNotFound {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	}); err != nil {
		return meta, fmt.Errorf("%w: table meta: %v", ErrInvalidData, err)
	}
	return meta, nil
}

// ReadTable returns the rows of a table in write order.
func (b *BadgerEngine) ReadTable(datasetID, name string) (*Table, error) {
	if err := validateName(datasetID, name); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var table *Table
	err := b.db.View(func(txn *badger.Txn) error {
		meta, err := getMeta(txn, datasetID, name)
		if err != nil {
			return err
		}

		table = &Table{Rows: make([]json.RawMessage, 0, meta.Rows)}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := generationPrefix(datasetID, name, meta.Gen)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			table.Rows = append(table.Rows, val)
		}
		if len(table.Rows) != meta.Rows {
			return fmt.Errorf("%w: table %s has %d rows, meta says %d", ErrInvalidData, name, len(table.Rows), meta.Rows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// WriteTable replaces a single table.
func (b *BadgerEngine) WriteTable(datasetID, name string, table *Table) error {
	return b.ReplaceTables(datasetID, map[string]*Table{name: table})
}

// WriteTables replaces every given table atomically.
func (b *BadgerEngine) WriteTables(datasetID string, tables map[string]*Table) error {
	return b.ReplaceTables(datasetID, tables)
}

// DeleteTables removes the named tables atomically.
func (b *BadgerEngine) DeleteTables(datasetID string, names ...string) error {
	return b.ReplaceTables(datasetID, nil, names...)
}

// ReplaceTables writes tables and drops the named ones as one visible change.
//
// Rows are streamed under a fresh generation with a WriteBatch, so table size
// is not bounded by Badger's transaction limit. A single small transaction then
// points every meta record at its new generation (or deletes it) and rows of
// replaced generations are swept afterwards. Readers resolve the generation
// from the meta record, so they see either the old or the new table set.
func (b *BadgerEngine) ReplaceTables(datasetID string, write map[string]*Table, drop ...string) error {
	names := sortedNames(write)
	for _, name := range append(names[:len(names):len(names)], drop...) {
		if err := validateName(datasetID, name); err != nil {
			return err
		}
	}
	for _, name := range drop {
		if _, ok := write[name]; ok {
			return fmt.Errorf("%w: table %s both written and dropped", ErrInvalidID, name)
		}
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	gens := make(map[string]uint64, len(names))
	if err := b.writeGenerations(datasetID, write, names, gens); err != nil {
		b.discard(datasetID, gens)
		return fmt.Errorf("writing %d tables for %s: %w", len(names), datasetID, err)
	}

	now := time.Now().UTC()
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, name := range names {
			meta, err := json.Marshal(tableMeta{
				TableInfo: TableInfo{Name: name, Rows: write[name].Len(), UpdatedAt: now},
				Gen:       gens[name],
			})
			if err != nil {
				return err
			}
			if err := txn.Set(metaKey(datasetID, name), meta); err != nil {
				return err
			}
		}
		for _, name := range drop {
			if err := txn.Delete(metaKey(datasetID, name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.discard(datasetID, gens)
		return fmt.Errorf("committing %d tables for %s: %w", len(names)+len(drop), datasetID, err)
	}

	// The new table set is visible; stale rows are unreachable from here on.
	for _, name := range names {
		keep := gens[name]
		_ = b.deleteRows(datasetID, name, func(gen uint64) bool { return gen != keep })
	}
	for _, name := range drop {
		_ = b.deleteRows(datasetID, name, func(uint64) bool { return true })
	}
	return nil
}

// writeGenerations streams the rows of every table under a new generation.
func (b *BadgerEngine) writeGenerations(datasetID string, tables map[string]*Table, names []string, gens map[string]uint64) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, name := range names {
		gen, err := b.seq.Next()
		if err != nil {
			return fmt.Errorf("allocating generation: %w", err)
		}
		gens[name] = gen
		t := tables[name]
		for i := 0; i < t.Len(); i++ {
			if err := wb.Set(rowKey(datasetID, name, gen, i), t.Rows[i]); err != nil {
				return err
			}
		}
	}
	return wb.Flush()
}

// discard removes rows written under generations that never became visible.
func (b *BadgerEngine) discard(datasetID string, gens map[string]uint64) {
	for name, gen := range gens {
		_ = b.deleteRows(datasetID, name, func(g uint64) bool { return g == gen })
	}
}

// deleteRows deletes the rows of a table whose generation matches.
func (b *BadgerEngine) deleteRows(datasetID, name string, match func(gen uint64) bool) error {
	prefix := tablePrefix(prefixRow, datasetID, name)

	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if gen, ok := rowGeneration(key, len(prefix)); ok && match(gen) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// ListTables returns the tables of a dataset sorted by name.
func (b *BadgerEngine) ListTables(datasetID string) ([]TableInfo, error) {
	if err := validateName(datasetID, "-"); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var infos []TableInfo
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := datasetPrefix(prefixMeta, datasetID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info TableInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return fmt.Errorf("%w: table meta: %v", ErrInvalidData, err)
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// ListDatasets returns every dataset id that owns a table.
func (b *BadgerEngine) ListDatasets() ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixMeta}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if ds, _, ok := splitMetaKey(it.Item().Key()); ok {
				seen[ds] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return errors.Join(b.seq.Release(), b.db.Close())
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerEngine) Size() (lsm, vlog int64) {
	if b.checkOpen() != nil {
		return 0, 0
	}
	return b.db.Size()
}

func sortedNames(tables map[string]*Table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify interface compliance
var _ Engine = (*BadgerEngine)(nil)
