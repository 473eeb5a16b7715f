package lineage

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// Supported landing file formats.
const (
	FormatCSV  = "csv"
	FormatTSV  = "tsv"
	FormatText = "txt"
	FormatXLSX = "xlsx"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// table is a parsed landing file: sanitized headers plus padded data rows.
type table struct {
	headers []string
	rows    [][]string
}

// formatOf resolves the format of a landing object. An empty configured
// format selects by extension; unknown extensions return "".
func formatOf(objectPath, configured string) string {
	if configured != "" {
		return strings.ToLower(configured)
	}
	switch strings.ToLower(path.Ext(objectPath)) {
	case ".csv":
		return FormatCSV
	case ".tsv":
		return FormatTSV
	case ".txt":
		return FormatText
	case ".xlsx":
		return FormatXLSX
	default:
		return ""
	}
}

func parseFile(format string, payload []byte, src Source) (table, error) {
	switch format {
	case FormatCSV, FormatTSV, FormatText:
		return parseDelimited(payload, delimiterOf(format, src.Delimiter))
	case FormatXLSX:
		return parseExcel(payload, src.Sheet)
	default:
		return table{}, fmt.Errorf("unsupported format %q", format)
	}
}

func delimiterOf(format, configured string) rune {
	if configured != "" {
		if configured == `\t` {
			return '\t'
		}
		r, _ := utf8.DecodeRuneInString(configured)
		return r
	}
	if format == FormatTSV {
		return '\t'
	}
	return ','
}

func parseDelimited(payload []byte, delimiter rune) (table, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.Comma = delimiter
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true

	records, err := csvReader.ReadAll()
	if err != nil {
		return table{}, fmt.Errorf("failed to read delimited file: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte, sheet string) (table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return table{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return table{}, errors.New("excel file has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return table{}, fmt.Errorf("failed to read rows of sheet %q: %w", sheet, err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-blank row as the header and drops blank
// data rows.
func normalizeTable(records [][]string) (table, error) {
	var header []string
	var data [][]string
	for _, row := range records {
		if isBlank(row) {
			continue
		}
		if header == nil {
			header = row
			continue
		}
		data = append(data, row)
	}
	if header == nil {
		return table{}, errors.New("no header row found")
	}

	headers := sanitizeHeaders(header)
	for i := range data {
		data[i] = padRow(data[i], len(headers))
	}
	return table{headers: headers, rows: data}, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// sanitizeHeaders lower-cases header labels and replaces separators with
// underscores. Repeated names get a numeric suffix.
func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.NewReplacer(" ", "_", ".", "_", "-", "_").Replace(name)
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1
		headers[idx] = name
	}
	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
