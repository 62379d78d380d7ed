// Package rows decodes uploaded spreadsheets into ordered rows.
package rows

import (
	"bytes"
	"encoding/csv"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/overhage/taxis/internal/model"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// IsXLSX reports whether the upload should be parsed as a workbook.
func IsXLSX(filename, contentType string) bool {
	return contentType == xlsxContentType || strings.EqualFold(filepath.Ext(filename), ".xlsx")
}

// Decode parses data as XLSX or CSV. The first row is the header; blank
// rows are skipped.
func Decode(filename, contentType string, data []byte) ([]model.Row, error) {
	if IsXLSX(filename, contentType) {
		return DecodeXLSX(data)
	}
	return DecodeCSV(bytes.NewReader(data))
}

// DecodeCSV reads a comma-separated upload. A UTF-8 or UTF-16 byte order
// mark is honoured and stripped.
func DecodeCSV(r io.Reader) ([]model.Row, error) {
	reader := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var header []string
	var out []model.Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "rows: read csv")
		}
		if header == nil {
			header = normalizeHeader(record)
			continue
		}
		if blank(record) {
			continue
		}
		out = append(out, model.NewRow(header, record))
	}
	if header == nil {
		return nil, eris.New("rows: csv has no header row")
	}
	return out, nil
}

// DecodeXLSX reads the first sheet of a workbook.
func DecodeXLSX(data []byte) ([]model.Row, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "rows: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("rows: xlsx has no sheets")
	}
	sheet := f.Sheets[0]

	var header []string
	var out []model.Row
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := rowToStrings(row)
		if header == nil {
			if blank(cells) {
				continue
			}
			header = normalizeHeader(cells)
			continue
		}
		if blank(cells) {
			continue
		}
		out = append(out, model.NewRow(header, cells))
	}
	if header == nil {
		return nil, eris.Errorf("rows: sheet %q has no header row", sheet.Name)
	}
	return out, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func normalizeHeader(record []string) []string {
	header := make([]string, len(record))
	for i, h := range record {
		header[i] = strings.TrimSpace(h)
	}
	return header
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
