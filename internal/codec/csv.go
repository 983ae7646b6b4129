package codec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

func parseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header row", ErrMalformed)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	columns, err := normalizeHeader(header)
	if err != nil {
		return nil, err
	}

	table := &Table{Columns: columns}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		table.Rows = append(table.Rows, rowFromRecord(columns, record))
	}

	return table, nil
}

// generateCSV writes a single dataset as a plain header + rows file.
// Composite exports are written as sections: a "# name" line, the table, then a blank line.
func generateCSV(w io.Writer, datasets []Dataset) error {
	writer := csv.NewWriter(w)
	composite := len(datasets) > 1

	for i, ds := range datasets {
		if composite {
			if i > 0 {
				if err := writer.Write([]string{""}); err != nil {
					return fmt.Errorf("failed to write section separator: %w", err)
				}
			}
			if err := writer.Write([]string{"# " + ds.Name}); err != nil {
				return fmt.Errorf("failed to write section title: %w", err)
			}
		}

		columns := columnsOf(ds)
		if err := writer.Write(columns); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}

		record := make([]string, len(columns))
		for _, row := range ds.Rows {
			for j, col := range columns {
				record[j] = row[col]
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("failed to write row: %w", err)
			}
		}
	}

	writer.Flush()
	return writer.Error()
}
