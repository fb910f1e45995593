// Package csvdemo implements the backend contract from canned CSV datasets.
// It powers the demo binary and tests: queries are deterministic, need no
// network, and can inject overload faults to exercise the admission gate.
//
// Query statements have the form "<dataset> [filter...]". The first field
// selects the dataset (a CSV file name without extension); the remaining
// text is a case-insensitive substring filter applied to every cell.
// Filters containing "inject:429", "inject:500" or "inject:400" short-circuit
// with the corresponding status error instead of querying.
package csvdemo

import (
	"context"
	"embed"
	"encoding/csv"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/inquestlabs/inquest/runtime/backend"
)

//go:embed data/*.csv
var demoData embed.FS

type (
	// Backend serves queries from in-memory CSV datasets.
	Backend struct {
		kind     backend.Kind
		datasets map[string]dataset
	}

	dataset struct {
		columns []string
		rows    [][]string
	}
)

// New loads every *.csv file in fsys as a dataset named after the file. The
// first CSV row is the header.
func New(kind backend.Kind, fsys fs.FS) (*Backend, error) {
	matches, err := fs.Glob(fsys, "*.csv")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("csvdemo: no datasets found")
	}
	datasets := make(map[string]dataset, len(matches))
	for _, name := range matches {
		f, err := fsys.Open(name)
		if err != nil {
			return nil, err
		}
		records, err := csv.NewReader(f).ReadAll()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("csvdemo: parse %s: %w", name, err)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("csvdemo: %s is empty", name)
		}
		key := strings.TrimSuffix(path.Base(name), ".csv")
		datasets[key] = dataset{columns: records[0], rows: records[1:]}
	}
	return &Backend{kind: kind, datasets: datasets}, nil
}

// Demo returns a Backend over the embedded demo datasets.
func Demo(kind backend.Kind) (*Backend, error) {
	sub, err := fs.Sub(demoData, "data")
	if err != nil {
		return nil, err
	}
	return New(kind, sub)
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return b.kind }

// Query implements backend.Backend.
func (b *Backend) Query(_ context.Context, q backend.Query) (backend.Result, error) {
	name, filter := splitStatement(q.Statement)
	switch {
	case strings.Contains(filter, "inject:429"):
		return backend.Result{}, &backend.StatusError{Code: 429, Message: "injected rate limit"}
	case strings.Contains(filter, "inject:500"):
		return backend.Result{}, &backend.StatusError{Code: 500, Message: "injected server error"}
	case strings.Contains(filter, "inject:400"):
		return backend.Result{}, &backend.StatusError{Code: 400, Message: "injected client error"}
	}
	ds, ok := b.datasets[name]
	if !ok {
		return backend.Result{}, &backend.StatusError{Code: 400, Message: fmt.Sprintf("unknown dataset %q", name)}
	}

	var rows [][]string
	for _, row := range ds.rows {
		if filter == "" || rowMatches(row, filter) {
			rows = append(rows, row)
		}
	}
	return backend.Result{
		Columns: ds.columns,
		Rows:    rows,
		Summary: fmt.Sprintf("%d row(s) from %s", len(rows), name),
	}, nil
}

func splitStatement(statement string) (name, filter string) {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.ToLower(strings.Join(fields[1:], " "))
}

func rowMatches(row []string, filter string) bool {
	for _, cell := range row {
		if strings.Contains(strings.ToLower(cell), filter) {
			return true
		}
	}
	return false
}
