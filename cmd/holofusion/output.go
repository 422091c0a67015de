package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/orneryd/holofusion/pkg/reduce"
)

type writeFunc func(w io.Writer, results []reduce.FusedResult) error

var resultHeader = []string{"key", "attribute", "value", "probability", "rank"}

func resultWriter(format string) (writeFunc, error) {
	switch format {
	case "", "table":
		return writeTable, nil
	case "json":
		return writeJSON, nil
	case "csv":
		return writeCSV, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want table, json or csv)", format)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeTable(w io.Writer, results []reduce.FusedResult) error {
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "KEY\tATTRIBUTE\tVALUE\tPROBABILITY\tRANK")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%d\n", r.Key, r.Attribute, r.Value, r.Probability, r.Rank)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, results []reduce.FusedResult) error {
	if results == nil {
		results = []reduce.FusedResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func writeCSV(w io.Writer, results []reduce.FusedResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(resultHeader); err != nil {
		return err
	}
	for _, r := range results {
		rec := []string{
			r.Key,
			r.Attribute,
			r.Value,
			strconv.FormatFloat(r.Probability, 'g', -1, 64),
			strconv.Itoa(r.Rank),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
