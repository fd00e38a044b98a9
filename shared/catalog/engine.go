package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// QueryEngine runs SQL against the analytical catalog that holds both the
// crawl data and the harvested tables.
type QueryEngine interface {
	// Exec runs a statement and waits for it to finish
	Exec(ctx context.Context, query string) error
	// Query runs a query and returns its result as CSV with a header row
	Query(ctx context.Context, query string) (io.ReadCloser, error)
	TableExists(ctx context.Context, table string) (bool, error)
}

// ReadColumn returns the values of one named column from a header-bearing
// CSV stream, in row order.
func ReadColumn(r io.Reader, column string) ([]string, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("query result has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result header: %w", err)
	}

	idx := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("column %q not in query result (have %v)", column, header)
	}

	var values []string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return values, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read result row: %w", err)
		}
		if idx < len(row) {
			values = append(values, row[idx])
		}
	}
}

// QueryColumn runs query and collects a single named column
func QueryColumn(ctx context.Context, engine QueryEngine, query, column string) ([]string, error) {
	rc, err := engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return ReadColumn(rc, column)
}
