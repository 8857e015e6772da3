package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gogvych/tabular-analyst/internal/store"
	"github.com/xuri/excelize/v2"
)

var (
	ErrNoFilename        = errors.New("no filename provided")
	ErrUnsupportedFormat = errors.New("unsupported file format; please upload CSV or XLSX files")
	ErrEmpty             = errors.New("file has no header row")
	ErrTooManyRows       = errors.New("file exceeds the row limit")
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Options tunes parsing.
type Options struct {
	MaxRows int // 0 means unlimited
}

// Frame is a parsed dataset with inferred column kinds. Row values are nil,
// int64, float64, bool, time.Time or string.
type Frame struct {
	Fields []store.Field
	Rows   [][]any
}

// Table binds the frame to a destination table name.
func (f *Frame) Table(name string) *store.Table {
	return &store.Table{Name: name, Fields: f.Fields, Rows: f.Rows}
}

// FormatOf returns the format implied by filename's extension.
func FormatOf(filename string) (string, error) {
	if filename == "" {
		return "", ErrNoFilename
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Parse reads a CSV or XLSX document. The first row is the header.
func Parse(filename string, r io.Reader, opts Options) (*Frame, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}
	var records [][]string
	switch format {
	case FormatCSV:
		records, err = readCSV(r, opts.MaxRows)
	case FormatXLSX:
		records, err = readXLSX(r, opts.MaxRows)
	}
	if err != nil {
		return nil, err
	}
	return build(records)
}

func readCSV(r io.Reader, maxRows int) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		records = append(records, record)
		if maxRows > 0 && len(records) > maxRows+1 {
			return nil, fmt.Errorf("%w (%d)", ErrTooManyRows, maxRows)
		}
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
	return records, nil
}

// readXLSX reads the first sheet of the workbook.
func readXLSX(r io.Reader, maxRows int) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmpty
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	defer rows.Close()

	var records [][]string
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
		}
		records = append(records, cols)
		if maxRows > 0 && len(records) > maxRows+1 {
			return nil, fmt.Errorf("%w (%d)", ErrTooManyRows, maxRows)
		}
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return records, nil
}

func build(records [][]string) (*Frame, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	header := records[0]
	var data [][]string
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		data = append(data, rec)
	}

	width := len(header)
	for _, rec := range data {
		width = max(width, len(rec))
	}
	if width == 0 {
		return nil, ErrEmpty
	}
	names := columnNames(header, width)

	for i, rec := range data {
		if len(rec) < width {
			padded := make([]string, width)
			copy(padded, rec)
			data[i] = padded
		}
	}

	kinds := inferKinds(data, width)
	frame := &Frame{Fields: make([]store.Field, width), Rows: make([][]any, len(data))}
	for i := range width {
		frame.Fields[i] = store.Field{Name: names[i], Kind: kinds[i]}
	}
	for i, rec := range data {
		row := make([]any, width)
		for j := range width {
			row[j] = convert(rec[j], kinds[j])
		}
		frame.Rows[i] = row
	}
	return frame, nil
}

// columnNames fills blank headers with "Unnamed: <index>" and suffixes
// duplicates with ".1", ".2" and so on. Names compare case-insensitively
// because SQL identifiers do.
func columnNames(header []string, width int) []string {
	names := make([]string, width)
	used := make(map[string]bool, width)
	counts := make(map[string]int)
	for i := range width {
		name := ""
		if i < len(header) {
			name = strings.TrimSpace(header[i])
		}
		if name == "" {
			name = "Unnamed: " + strconv.Itoa(i)
		}
		base := name
		for used[strings.ToLower(name)] {
			counts[strings.ToLower(base)]++
			name = base + "." + strconv.Itoa(counts[strings.ToLower(base)])
		}
		used[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "true", "yes":
		return true, true
	case "false", "no":
		return false, true
	}
	return false, false
}

// inferKinds picks, per column, the narrowest kind every non-empty value
// parses as. Columns with no values are text.
func inferKinds(rows [][]string, width int) []store.Kind {
	kinds := make([]store.Kind, width)
	for col := range width {
		var ints, floats, bools, dates, total int
		for _, row := range rows {
			v := strings.TrimSpace(row[col])
			if v == "" {
				continue
			}
			total++
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				ints++
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				floats++
				continue
			}
			if _, ok := parseBool(v); ok {
				bools++
				continue
			}
			if _, ok := parseDate(v); ok {
				dates++
			}
		}
		switch {
		case total == 0:
			kinds[col] = store.KindText
		case ints == total:
			kinds[col] = store.KindInteger
		case ints+floats == total:
			kinds[col] = store.KindFloat
		case bools == total:
			kinds[col] = store.KindBoolean
		case dates == total:
			kinds[col] = store.KindDate
		default:
			kinds[col] = store.KindText
		}
	}
	return kinds
}

func convert(raw string, kind store.Kind) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch kind {
	case store.KindInteger:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	case store.KindFloat:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case store.KindBoolean:
		if b, ok := parseBool(v); ok {
			return b
		}
	case store.KindDate:
		if t, ok := parseDate(v); ok {
			return t
		}
	}
	return raw
}
