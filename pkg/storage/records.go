package storage

import (
	"encoding/json"
	"fmt"
)

// EncodeTable JSON-encodes each record into a table row.
func EncodeTable[T any](records []T) (*Table, error) {
	t := &Table{Rows: make([]json.RawMessage, 0, len(records))}
	for i := range records {
		data, err := json.Marshal(records[i])
		if err != nil {
			return nil, fmt.Errorf("encoding row %d: %w", i, err)
		}
		t.Rows = append(t.Rows, data)
	}
	return t, nil
}

// DecodeTable decodes every row of a table into T.
func DecodeTable[T any](t *Table) ([]T, error) {
	out := make([]T, 0, t.Len())
	if t == nil {
		return out, nil
	}
	for i, row := range t.Rows {
		var rec T
		if err := json.Unmarshal(row, &rec); err != nil {
			return nil, fmt.Errorf("%w: decoding row %d: %v", ErrInvalidData, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteRecords encodes records and replaces the named table.
func WriteRecords[T any](e Engine, datasetID, name string, records []T) error {
	t, err := EncodeTable(records)
	if err != nil {
		return err
	}
	return e.WriteTable(datasetID, name, t)
}

// ReadRecords reads the named table and decodes its rows.
func ReadRecords[T any](e Engine, datasetID, name string) ([]T, error) {
	t, err := e.ReadTable(datasetID, name)
	if err != nil {
		return nil, err
	}
	return DecodeTable[T](t)
}
