package dataset

import (
	"errors"
	"fmt"

	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/storage"
)

// Save persists the descriptor and rows of d in one transaction.
func Save(engine storage.Engine, d *Dataset) error {
	desc, err := storage.EncodeTable([]Dataset{*d})
	if err != nil {
		return fuserr.Wrap(fuserr.StorageError, "save_dataset", err)
	}
	rows, err := storage.EncodeTable(d.Rows)
	if err != nil {
		return fuserr.Wrap(fuserr.StorageError, "save_dataset", err)
	}
	err = engine.WriteTables(d.ID, map[string]*storage.Table{
		TableDataset:      desc,
		storage.TableRows: rows,
	})
	return fuserr.Wrap(fuserr.StorageError, "save_dataset", err)
}

// Open reads a dataset previously written by Save.
func Open(engine storage.Engine, id string) (*Dataset, error) {
	descs, err := storage.ReadRecords[Dataset](engine, id, TableDataset)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fuserr.Newf(fuserr.StorageError, "open_dataset", "dataset %s not found", id)
	}
	if err != nil {
		return nil, fuserr.Wrap(fuserr.StorageError, "open_dataset", err)
	}
	if len(descs) != 1 {
		return nil, fuserr.Newf(fuserr.StorageError, "open_dataset", "dataset %s has %d descriptors", id, len(descs))
	}
	rows, err := storage.ReadRecords[Row](engine, id, storage.TableRows)
	if err != nil {
		return nil, fuserr.Wrap(fuserr.StorageError, "open_dataset", fmt.Errorf("reading rows: %w", err))
	}
	d := descs[0]
	d.Rows = rows
	return &d, nil
}
