// Package codec converts between files and ordered sequences of flat rows.
// It knows nothing about jobs; values stay untyped strings.
package codec

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
)

// ErrMalformed is returned when a source is not structurally well formed
var ErrMalformed = errors.New("malformed source")

// Format identifies a file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

var formats = map[Format]struct {
	contentType string
	importable  bool
}{
	FormatCSV:  {"text/csv", true},
	FormatXLSX: {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", true},
	FormatJSON: {"application/json", true},
	FormatPDF:  {"application/pdf", false},
}

// ParseFormat validates a format name, accepting "excel" and "xls" as spreadsheet aliases
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "excel", "xls":
		f = FormatXLSX
	}
	if _, ok := formats[f]; !ok {
		return "", fmt.Errorf("%w: %q", job.ErrUnsupportedFormat, s)
	}
	return f, nil
}

// DetectFormat derives the format from a file name extension
func DetectFormat(filename string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", job.ErrUnsupportedFormat, filename)
	}
	return ParseFormat(ext)
}

// ContentType returns the MIME type of generated files
func (f Format) ContentType() string {
	return formats[f].contentType
}

// Extension returns the file extension without the dot
func (f Format) Extension() string {
	return string(f)
}

// Importable reports whether Parse supports the format
func (f Format) Importable() bool {
	return formats[f].importable
}

// Row is one flat key -> value record
type Row map[string]string

// Table is an ordered row sequence with its column order
type Table struct {
	Columns []string
	Rows    []Row
}

// Dataset is one named section of an export
type Dataset struct {
	Name    string
	Columns []string
	Rows    []Row
}

// ExportInfo is the metadata written alongside exported data
type ExportInfo struct {
	JobID          string    `json:"job_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
	TotalRecords   int       `json:"total_records"`
}

// Parse reads r according to format and materializes every row
func Parse(r io.Reader, format Format) (*Table, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatJSON:
		return parseJSON(r)
	case FormatXLSX:
		return parseXLSX(r)
	default:
		return nil, fmt.Errorf("%w: cannot parse %q", job.ErrUnsupportedFormat, format)
	}
}

// Generate writes datasets to w in the given format.
// More than one dataset produces a composite file with one section per dataset.
func Generate(w io.Writer, format Format, datasets []Dataset, info ExportInfo) error {
	if info.TotalRecords == 0 {
		for _, ds := range datasets {
			info.TotalRecords += len(ds.Rows)
		}
	}

	switch format {
	case FormatCSV:
		return generateCSV(w, datasets)
	case FormatJSON:
		return generateJSON(w, datasets, info)
	case FormatXLSX:
		return generateXLSX(w, datasets)
	case FormatPDF:
		return generatePDF(w, datasets, info)
	default:
		return fmt.Errorf("%w: cannot generate %q", job.ErrUnsupportedFormat, format)
	}
}

// columnsOf returns ds.Columns, or the sorted union of row keys when no order was given
func columnsOf(ds Dataset) []string {
	if len(ds.Columns) > 0 {
		return ds.Columns
	}
	return unionKeys(ds.Rows)
}

func unionKeys(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func rowFromRecord(header, record []string) Row {
	row := make(Row, len(header))
	for i, col := range header {
		if i < len(record) {
			row[col] = record[i]
		} else {
			row[col] = ""
		}
	}
	return row
}

func normalizeHeader(header []string) ([]string, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("%w: missing header row", ErrMalformed)
	}
	out := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			return nil, fmt.Errorf("%w: empty column name at position %d", ErrMalformed, i+1)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformed, h)
		}
		seen[h] = struct{}{}
		out[i] = h
	}
	return out, nil
}
