package codec

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

const maxSheetNameLen = 31

// parseXLSX reads the first worksheet; its first non-empty row is the header
func parseXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformed)
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		table   *Table
		columns []string
	)
	for _, record := range records {
		if isBlank(record) {
			continue
		}
		if table == nil {
			columns, err = normalizeHeader(record)
			if err != nil {
				return nil, err
			}
			table = &Table{Columns: columns}
			continue
		}
		if len(record) > len(columns) && !isBlank(record[len(columns):]) {
			return nil, fmt.Errorf("%w: row has %d cells but header has %d", ErrMalformed, len(record), len(columns))
		}
		table.Rows = append(table.Rows, rowFromRecord(columns, record))
	}

	if table == nil {
		return nil, fmt.Errorf("%w: missing header row", ErrMalformed)
	}
	return table, nil
}

// generateXLSX writes one worksheet per dataset
func generateXLSX(w io.Writer, datasets []Dataset) error {
	f := excelize.NewFile()
	defer f.Close()

	if len(datasets) == 0 {
		datasets = []Dataset{{Name: "data"}}
	}

	defaultSheet := f.GetSheetName(0)
	used := make(map[string]struct{}, len(datasets))

	for i, ds := range datasets {
		name := uniqueSheetName(ds.Name, i, used)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, name); err != nil {
				return fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %q: %w", name, err)
		}

		columns := columnsOf(ds)
		if err := writeSheetRow(f, name, 1, columns); err != nil {
			return err
		}
		values := make([]string, len(columns))
		for r, row := range ds.Rows {
			for c, col := range columns {
				values[c] = row[col]
			}
			if err := writeSheetRow(f, name, r+2, values); err != nil {
				return err
			}
		}
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSheetRow(f *excelize.File, sheet string, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("invalid cell coordinates: %w", err)
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("failed to write row %d of sheet %q: %w", rowNum, sheet, err)
	}
	return nil
}

// uniqueSheetName applies the worksheet naming rules: no []:*?/\ characters, at most 31 runes, unique
func uniqueSheetName(name string, index int, used map[string]struct{}) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	clean = strings.Trim(clean, "'")
	if clean == "" {
		clean = fmt.Sprintf("Sheet%d", index+1)
	}
	clean = truncateRunes(clean, maxSheetNameLen)

	candidate := clean
	for n := 2; ; n++ {
		if _, taken := used[strings.ToLower(candidate)]; !taken {
			break
		}
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncateRunes(clean, maxSheetNameLen-len(suffix)) + suffix
	}
	used[strings.ToLower(candidate)] = struct{}{}
	return candidate
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
