package codec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleDataset() Dataset {
	return Dataset{
		Name:    "inventory",
		Columns: []string{"asset_tag", "name", "quantity"},
		Rows: []Row{
			{"asset_tag": "A-1", "name": "Laptop, 14\"", "quantity": "3"},
			{"asset_tag": "A-2", "name": "Monitor", "quantity": ""},
			{"asset_tag": "A-3", "name": "Dock\nUSB-C", "quantity": "12"},
		},
	}
}

var fixedInfo = ExportInfo{
	JobID:          "11111111-1111-1111-1111-111111111111",
	OrganizationID: "org-1",
	Kind:           "export:inventory",
	GeneratedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{"CSV", FormatCSV, false},
		{"excel", FormatXLSX, false},
		{"xls", FormatXLSX, false},
		{"xlsx", FormatXLSX, false},
		{"json", FormatJSON, false},
		{"pdf", FormatPDF, false},
		{"docx", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, job.ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat("devices.CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = DetectFormat("README")
	assert.ErrorIs(t, err, job.ErrUnsupportedFormat)

	_, err = DetectFormat("archive.zip")
	assert.ErrorIs(t, err, job.ErrUnsupportedFormat)
}

func TestParse_PDFIsNotImportable(t *testing.T) {
	assert.False(t, FormatPDF.Importable())
	_, err := Parse(strings.NewReader("%PDF-1.4"), FormatPDF)
	assert.ErrorIs(t, err, job.ErrUnsupportedFormat)
}

func TestParseCSV(t *testing.T) {
	input := "\ufeffasset_tag, name ,quantity\nA-1,Laptop,3\nA-2,Monitor,\n\nA-3,\"Dock, USB-C\",12\n"

	table, err := Parse(strings.NewReader(input), FormatCSV)
	require.NoError(t, err)

	assert.Equal(t, []string{"asset_tag", "name", "quantity"}, table.Columns)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, Row{"asset_tag": "A-1", "name": "Laptop", "quantity": "3"}, table.Rows[0])
	assert.Equal(t, "", table.Rows[1]["quantity"])
	assert.Equal(t, "Dock, USB-C", table.Rows[2]["name"])
}

func TestParseCSV_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty file", ""},
		{"field count mismatch", "a,b\n1,2,3\n"},
		{"duplicate column", "a,a\n1,2\n"},
		{"empty column name", "a,,c\n1,2,3\n"},
		{"unterminated quote", "a,b\n\"1,2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input), FormatCSV)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		rows  int
		check func(t *testing.T, table *Table)
	}{
		{
			name:  "array of objects",
			input: `[{"hostname":"sw-1","port":48,"managed":true},{"hostname":"sw-2","port":null}]`,
			rows:  2,
			check: func(t *testing.T, table *Table) {
				assert.Equal(t, "48", table.Rows[0]["port"])
				assert.Equal(t, "true", table.Rows[0]["managed"])
				assert.Equal(t, "", table.Rows[1]["port"])
				assert.Equal(t, []string{"hostname", "managed", "port"}, table.Columns)
			},
		},
		{
			name:  "single object",
			input: `{"cve_id":"CVE-2024-1234","score":9.8}`,
			rows:  1,
			check: func(t *testing.T, table *Table) {
				assert.Equal(t, "9.8", table.Rows[0]["score"])
			},
		},
		{
			name:  "export envelope",
			input: `{"export_info":{"kind":"export:inventory"},"data":[{"asset_tag":"A-1"}]}`,
			rows:  1,
			check: func(t *testing.T, table *Table) {
				assert.Equal(t, "A-1", table.Rows[0]["asset_tag"])
			},
		},
		{
			name:  "object with a data field but no export_info is one row",
			input: `{"data":"x"}`,
			rows:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Parse(strings.NewReader(tt.input), FormatJSON)
			require.NoError(t, err)
			require.Len(t, table.Rows, tt.rows)
			if tt.check != nil {
				tt.check(t, table)
			}
		})
	}
}

func TestParseJSON_Malformed(t *testing.T) {
	inputs := map[string]string{
		"syntax error":     `[{"a":1}`,
		"scalar document":  `42`,
		"non-object item":  `[1,2]`,
		"nested object":    `[{"a":{"b":1}}]`,
		"nested array":     `[{"a":[1]}]`,
		"composite export": `{"export_info":{},"data":{"inventory":[]}}`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input), FormatJSON)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestGenerateJSON_Envelope(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatJSON, []Dataset{sampleDataset()}, fixedInfo))

	var doc struct {
		ExportInfo ExportInfo          `json:"export_info"`
		Data       []map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 3, doc.ExportInfo.TotalRecords)
	assert.Equal(t, "export:inventory", doc.ExportInfo.Kind)
	assert.Len(t, doc.Data, 3)
}

func TestGenerateJSON_NoDatasets(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatJSON, nil, ExportInfo{Kind: "export:inventory"}))

	var doc struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.JSONEq(t, `[]`, string(doc.Data), "an empty export keeps the array shape")
}

func TestGenerateJSON_Composite(t *testing.T) {
	datasets := []Dataset{
		sampleDataset(),
		{Name: "vulnerabilities", Rows: []Row{{"cve_id": "CVE-2024-0001"}}},
	}

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatJSON, datasets, fixedInfo))

	var doc struct {
		ExportInfo ExportInfo                     `json:"export_info"`
		Data       map[string][]map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 4, doc.ExportInfo.TotalRecords)
	assert.Len(t, doc.Data["inventory"], 3)
	assert.Len(t, doc.Data["vulnerabilities"], 1)
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatCSV, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			ds := sampleDataset()

			var first bytes.Buffer
			require.NoError(t, Generate(&first, format, []Dataset{ds}, fixedInfo))

			table, err := Parse(bytes.NewReader(first.Bytes()), format)
			require.NoError(t, err)
			assert.Equal(t, ds.Rows, table.Rows)

			var second bytes.Buffer
			reparsed := Dataset{Name: ds.Name, Columns: table.Columns, Rows: table.Rows}
			if format == FormatJSON {
				reparsed.Columns = ds.Columns
			}
			require.NoError(t, Generate(&second, format, []Dataset{reparsed}, fixedInfo))

			assert.Equal(t, first.String(), second.String())
		})
	}
}

func TestGenerateCSV_Composite(t *testing.T) {
	datasets := []Dataset{
		{Name: "inventory", Columns: []string{"asset_tag"}, Rows: []Row{{"asset_tag": "A-1"}}},
		{Name: "network_devices", Columns: []string{"hostname"}, Rows: []Row{{"hostname": "sw-1"}}},
	}

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatCSV, datasets, fixedInfo))

	out := buf.String()
	assert.Contains(t, out, "# inventory\nasset_tag\nA-1\n")
	assert.Contains(t, out, "# network_devices\nhostname\nsw-1\n")
}

func TestXLSX_RoundTrip(t *testing.T) {
	ds := sampleDataset()

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatXLSX, []Dataset{ds}, fixedInfo))

	table, err := Parse(bytes.NewReader(buf.Bytes()), FormatXLSX)
	require.NoError(t, err)
	assert.Equal(t, ds.Columns, table.Columns)
	assert.Equal(t, ds.Rows, table.Rows)
}

func TestGenerateXLSX_SheetPerDataset(t *testing.T) {
	datasets := []Dataset{
		{Name: "inventory", Rows: []Row{{"asset_tag": "A-1"}}},
		{Name: "network/devices", Rows: []Row{{"hostname": "sw-1"}}},
		{Name: "inventory", Rows: []Row{{"asset_tag": "A-2"}}},
		{Name: "", Rows: nil},
	}

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatXLSX, datasets, fixedInfo))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"inventory", "network_devices", "inventory (2)", "Sheet4"}, f.GetSheetList())
}

func TestGeneratePDF(t *testing.T) {
	datasets := []Dataset{
		sampleDataset(),
		{Name: "vulnerabilities", Rows: []Row{{"cve_id": "CVE-2024-0001", "severity": "critical"}}},
	}

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatPDF, datasets, fixedInfo))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestGeneratePDF_ManyRowsPaginate(t *testing.T) {
	ds := Dataset{Name: "inventory", Columns: []string{"asset_tag", "name"}}
	for i := 0; i < 200; i++ {
		ds.Rows = append(ds.Rows, Row{"asset_tag": "A", "name": strings.Repeat("long name ", 30)})
	}

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, FormatPDF, []Dataset{ds}, fixedInfo))
	assert.NotZero(t, buf.Len())
}

func TestUniqueSheetName(t *testing.T) {
	used := map[string]struct{}{}
	long := strings.Repeat("x", 40)

	assert.Equal(t, strings.Repeat("x", 31), uniqueSheetName(long, 0, used))
	name := uniqueSheetName(long, 1, used)
	assert.Equal(t, strings.Repeat("x", 27)+" (2)", name)
	assert.Equal(t, "a_b_c", uniqueSheetName("a[b]c", 2, used))
}
