package codec

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
)

const (
	pdfMargin     = 10.0
	pdfRowHeight  = 6.0
	pdfFontFamily = "Helvetica"
)

// generatePDF renders each dataset as a table. Long datasets continue on new pages with the
// header repeated; composite exports start each dataset on its own page.
// The output is meant for people, not for re-import.
func generatePDF(w io.Writer, datasets []Dataset, info ExportInfo) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(false, pdfMargin)
	pdf.SetTitle(info.Kind, true)
	if !info.GeneratedAt.IsZero() {
		pdf.SetCreationDate(info.GeneratedAt)
	}
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pageW, pageH := pdf.GetPageSize()
	usable := pageW - 2*pdfMargin

	if len(datasets) == 0 {
		datasets = []Dataset{{Name: info.Kind}}
	}

	for _, ds := range datasets {
		pdf.AddPage()

		pdf.SetFont(pdfFontFamily, "B", 14)
		pdf.CellFormat(usable, 8, tr(ds.Name), "", 1, "L", false, 0, "")
		pdf.SetFont(pdfFontFamily, "", 8)
		pdf.CellFormat(usable, 5, tr(exportSubtitle(info, len(ds.Rows))), "", 1, "L", false, 0, "")
		pdf.Ln(2)

		columns := columnsOf(ds)
		if len(columns) == 0 {
			continue
		}
		colW := usable / float64(len(columns))
		fontSize := 9.0
		if len(columns) > 8 {
			fontSize = 7
		}

		drawHeader := func() {
			pdf.SetFont(pdfFontFamily, "B", fontSize)
			pdf.SetFillColor(230, 230, 230)
			for _, col := range columns {
				pdf.CellFormat(colW, pdfRowHeight, fitText(pdf, tr(col), colW), "1", 0, "L", true, 0, "")
			}
			pdf.Ln(-1)
			pdf.SetFont(pdfFontFamily, "", fontSize)
		}
		drawHeader()

		for _, row := range ds.Rows {
			if pdf.GetY()+pdfRowHeight > pageH-pdfMargin {
				pdf.AddPage()
				drawHeader()
			}
			for _, col := range columns {
				pdf.CellFormat(colW, pdfRowHeight, fitText(pdf, tr(row[col]), colW), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render PDF: %w", err)
	}
	return nil
}

func exportSubtitle(info ExportInfo, rows int) string {
	generated := info.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	return fmt.Sprintf("%d records - generated %s", rows, generated.Format(time.RFC3339))
}

// fitText shortens s with a trailing "..." until it fits in a cell of width w
func fitText(pdf *fpdf.Fpdf, s string, w float64) string {
	const pad = 2.0
	if pdf.GetStringWidth(s) <= w-pad {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "..."
		if pdf.GetStringWidth(candidate) <= w-pad {
			return candidate
		}
	}
	return ""
}
