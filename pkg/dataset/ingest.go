package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/holofusion/pkg/convert"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
)

// Options control CSV ingest.
type Options struct {
	// Name labels the dataset; defaults to the file base name.
	Name string
	// SourceColumn names the source column; defaults to "source".
	SourceColumn string
}

func (o Options) sourceColumn() string {
	if o.SourceColumn == "" {
		return DefaultSourceColumn
	}
	return o.SourceColumn
}

// LoadFile ingests a CSV file.
func LoadFile(path string, opts Options) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fuserr.Wrap(fuserr.IngestError, "ingest_dataset", err)
	}
	if opts.Name == "" {
		opts.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	d, err := Load(data, opts)
	if err != nil {
		return nil, err
	}
	d.Path = path
	return d, nil
}

// Load ingests CSV bytes. The first record is the header; it must contain
// the source column. Empty cells are treated as missing observations.
func Load(data []byte, opts Options) (*Dataset, error) {
	header, records, err := readCSV(data)
	if err != nil {
		return nil, err
	}

	srcCol := opts.sourceColumn()
	srcIdx := -1
	var attrs []string
	for i, h := range header {
		if h == srcCol {
			srcIdx = i
			continue
		}
		attrs = append(attrs, h)
	}
	if srcIdx < 0 {
		return nil, fuserr.Newf(fuserr.IngestError, "ingest_dataset", "header has no %q column", srcCol)
	}
	if len(attrs) == 0 {
		return nil, fuserr.New(fuserr.IngestError, "ingest_dataset", "header has no attribute columns")
	}
	if len(records) == 0 {
		return nil, fuserr.New(fuserr.IngestError, "ingest_dataset", "file has no data rows")
	}

	rows := make([]Row, 0, len(records))
	for n, rec := range records {
		src := convert.NormalizeValue(rec[srcIdx])
		if src == "" {
			return nil, fuserr.Newf(fuserr.IngestError, "ingest_dataset", "row %d: empty %s", n+1, srcCol)
		}
		values := make(map[string]string, len(attrs))
		for i, h := range header {
			if i == srcIdx {
				continue
			}
			if v := convert.NormalizeValue(rec[i]); v != "" {
				values[h] = v
			}
		}
		rows = append(rows, Row{TupleID: n, Source: src, Values: values})
	}

	name := opts.Name
	if name == "" {
		name = "dataset"
	}
	return &Dataset{
		ID:           Fingerprint(data),
		Name:         name,
		SourceColumn: srcCol,
		Attributes:   attrs,
		Rows:         rows,
	}, nil
}

// Fingerprint returns a short blake2b content hash.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// readCSV parses a header plus equally sized records.
func readCSV(data []byte) ([]string, [][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fuserr.New(fuserr.IngestError, "ingest_dataset", "empty file")
	}
	if err != nil {
		return nil, nil, fuserr.Wrap(fuserr.IngestError, "ingest_dataset", err)
	}

	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = convert.NormalizeValue(h)
		if h == "" {
			return nil, nil, fuserr.Newf(fuserr.IngestError, "ingest_dataset", "header column %d is empty", i+1)
		}
		if seen[h] {
			return nil, nil, fuserr.Newf(fuserr.IngestError, "ingest_dataset", "duplicate header column %q", h)
		}
		seen[h] = true
		header[i] = h
	}

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fuserr.Wrap(fuserr.IngestError, "ingest_dataset", err)
	}
	return header, records, nil
}

// LabelRow is one row of a labels file: key attribute values plus the known
// true values of some attributes.
type LabelRow struct {
	Values map[string]string `json:"values"`
}

// LoadLabelsFile reads a labels CSV for d.
func (d *Dataset) LoadLabelsFile(path string) ([]LabelRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fuserr.Wrap(fuserr.IngestError, "ingest_labels", err)
	}
	return d.LoadLabels(data)
}

// LoadLabels parses labels CSV bytes. The header uses the dataset's
// attribute names; a source column, if present, is ignored. Columns that are
// not attributes of d are a SchemaError.
func (d *Dataset) LoadLabels(data []byte) ([]LabelRow, error) {
	header, records, err := readCSV(data)
	if err != nil {
		return nil, err
	}
	for _, h := range header {
		if h != d.SourceColumn && !d.HasAttribute(h) {
			return nil, fuserr.Newf(fuserr.SchemaError, "ingest_labels", "label column %q is not an attribute of %s", h, d.PrintID())
		}
	}

	labels := make([]LabelRow, 0, len(records))
	for _, rec := range records {
		values := make(map[string]string, len(header))
		for i, h := range header {
			if h == d.SourceColumn {
				continue
			}
			if v := convert.NormalizeValue(rec[i]); v != "" {
				values[h] = v
			}
		}
		if len(values) > 0 {
			labels = append(labels, LabelRow{Values: values})
		}
	}
	return labels, nil
}
