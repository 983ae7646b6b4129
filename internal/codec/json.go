package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

type exportEnvelope struct {
	ExportInfo ExportInfo `json:"export_info"`
	Data       any        `json:"data"`
}

// parseJSON accepts a raw array of objects, a single object, or an export envelope
// ({"export_info": ..., "data": [...]}) so that exported files can be re-imported.
func parseJSON(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		if data, ok := v["data"]; ok {
			if _, hasInfo := v["export_info"]; hasInfo {
				arr, ok := data.([]any)
				if !ok {
					return nil, fmt.Errorf("%w: composite export data cannot be imported", ErrMalformed)
				}
				items = arr
				break
			}
		}
		items = []any{v}
	default:
		return nil, fmt.Errorf("%w: expected a JSON array or object", ErrMalformed)
	}

	table := &Table{Rows: make([]Row, 0, len(items))}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformed, i+1)
		}
		row := make(Row, len(obj))
		for key, value := range obj {
			s, err := scalarString(value)
			if err != nil {
				return nil, fmt.Errorf("%w: element %d field %q: %v", ErrMalformed, i+1, key, err)
			}
			row[key] = s
		}
		table.Rows = append(table.Rows, row)
	}
	table.Columns = unionKeys(table.Rows)

	return table, nil
}

func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", fmt.Errorf("nested values are not supported")
	}
}

// generateJSON writes the export envelope. data is an array for zero or one dataset and an
// object keyed by dataset name for composite exports.
func generateJSON(w io.Writer, datasets []Dataset, info ExportInfo) error {
	env := exportEnvelope{ExportInfo: info}

	switch len(datasets) {
	case 0:
		env.Data = []Row{}
	case 1:
		env.Data = rowsOrEmpty(datasets[0].Rows)
	default:
		sections := make(map[string][]Row, len(datasets))
		for _, ds := range datasets {
			sections[ds.Name] = rowsOrEmpty(ds.Rows)
		}
		env.Data = sections
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("failed to encode JSON export: %w", err)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write JSON export: %w", err)
	}
	return nil
}

func rowsOrEmpty(rows []Row) []Row {
	if rows == nil {
		return []Row{}
	}
	return rows
}
