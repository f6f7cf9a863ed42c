// Package xlsx writes report workbooks: one bold header row per sheet, typed cells and column
// widths fitted to the longest value.
package xlsx

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	maxSheetName = 31
	maxColWidth  = 255
	dateFormat   = "dd.mm.yyyy"
	defaultSheet = "Sheet1"
)

// Workbook accumulates sheets until SaveAs. It is not safe for concurrent use.
type Workbook struct {
	file   *excelize.File
	sheets []*Sheet
	names  map[string]struct{}
	styles styles
}

type styles struct {
	header int
	date   int
	int    int
	float  int
}

// Sheet is one worksheet. Rows are appended below the header.
type Sheet struct {
	wb     *Workbook
	name   string
	widths []float64
	rows   int
}

func New() (*Workbook, error) {
	f := excelize.NewFile()
	wb := &Workbook{file: f, names: map[string]struct{}{}}

	var err error
	if wb.styles.header, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("header style: %w", err)
	}
	format := dateFormat
	if wb.styles.date, err = f.NewStyle(&excelize.Style{CustomNumFmt: &format}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("date style: %w", err)
	}
	if wb.styles.int, err = f.NewStyle(&excelize.Style{NumFmt: 1}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("integer style: %w", err)
	}
	if wb.styles.float, err = f.NewStyle(&excelize.Style{NumFmt: 2}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decimal style: %w", err)
	}
	return wb, nil
}

// SheetName strips characters Excel rejects in sheet names and truncates to 31 runes.
func SheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if utf8.RuneCountInString(name) > maxSheetName {
		name = string([]rune(name)[:maxSheetName])
	}
	if name == "" {
		name = "data"
	}
	return name
}

// AddSheet creates a sheet with a bold, frozen header row.
func (wb *Workbook) AddSheet(name string, headers []string) (*Sheet, error) {
	name = SheetName(name)
	if _, dup := wb.names[strings.ToLower(name)]; dup {
		return nil, fmt.Errorf("duplicate sheet %q", name)
	}
	if _, err := wb.file.NewSheet(name); err != nil {
		return nil, fmt.Errorf("create sheet %q: %w", name, err)
	}
	wb.names[strings.ToLower(name)] = struct{}{}

	s := &Sheet{wb: wb, name: name, widths: make([]float64, len(headers))}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := wb.file.SetCellValue(name, cell, h); err != nil {
			return nil, fmt.Errorf("write header %q: %w", h, err)
		}
		if err := wb.file.SetCellStyle(name, cell, cell, wb.styles.header); err != nil {
			return nil, err
		}
		s.fit(i, h)
	}
	if len(headers) > 0 {
		err := wb.file.SetPanes(name, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		})
		if err != nil {
			return nil, fmt.Errorf("freeze header of %q: %w", name, err)
		}
	}
	wb.sheets = append(wb.sheets, s)
	return s, nil
}

func (s *Sheet) Name() string { return s.name }

// Rows is the number of data rows written, header excluded.
func (s *Sheet) Rows() int { return s.rows }

// WriteRow appends one row. Nil values, nil pointers, empty strings and zero times leave the
// cell blank; numeric zeros are written.
func (s *Sheet) WriteRow(values ...any) error {
	row := s.rows + 2
	for i, v := range values {
		v, ok := cellValue(v)
		if !ok {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := s.wb.file.SetCellValue(s.name, cell, v); err != nil {
			return fmt.Errorf("write %s!%s: %w", s.name, cell, err)
		}
		style, display := s.wb.styleOf(v)
		if style != 0 {
			if err := s.wb.file.SetCellStyle(s.name, cell, cell, style); err != nil {
				return err
			}
		}
		s.fit(i, display)
	}
	s.rows++
	return nil
}

func (s *Sheet) fit(col int, display string) {
	for len(s.widths) <= col {
		s.widths = append(s.widths, 0)
	}
	if w := Width(utf8.RuneCountInString(display)); w > s.widths[col] {
		s.widths[col] = w
	}
}

// Width is the column width fitting a value of n characters. Short values get proportionally
// more padding.
func Width(n int) float64 {
	if n <= 0 {
		return 0
	}
	w := float64(n) * (math.Pow(0.9, float64(n)) + 1)
	return math.Min(w, maxColWidth)
}

// cellValue normalises v to something excelize writes natively. ok is false for blank cells.
func cellValue(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	v = rv.Interface()
	switch x := v.(type) {
	case string:
		return x, x != ""
	case time.Time:
		if x.IsZero() {
			return nil, false
		}
		y, m, d := x.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	return v, true
}

func (wb *Workbook) styleOf(v any) (int, string) {
	switch x := v.(type) {
	case time.Time:
		return wb.styles.date, x.Format("02.01.2006")
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return wb.styles.int, fmt.Sprint(x)
	case float32:
		return wb.styles.float, fmt.Sprintf("%.2f", x)
	case float64:
		return wb.styles.float, fmt.Sprintf("%.2f", x)
	default:
		return 0, fmt.Sprint(x)
	}
}

// RowsPerSheet lists data row counts in sheet order.
func (wb *Workbook) RowsPerSheet() []int {
	out := make([]int, len(wb.sheets))
	for i, s := range wb.sheets {
		out[i] = s.rows
	}
	return out
}

// SaveAs applies column widths, activates the first report sheet and writes the file.
func (wb *Workbook) SaveAs(path string) error {
	if len(wb.sheets) == 0 {
		return errors.New("workbook has no sheets")
	}
	for _, s := range wb.sheets {
		for i, w := range s.widths {
			if w == 0 {
				continue
			}
			col, err := excelize.ColumnNumberToName(i + 1)
			if err != nil {
				return err
			}
			if err := wb.file.SetColWidth(s.name, col, col, w); err != nil {
				return fmt.Errorf("width of %s!%s: %w", s.name, col, err)
			}
		}
	}
	if _, own := wb.names[strings.ToLower(defaultSheet)]; !own {
		if err := wb.file.DeleteSheet(defaultSheet); err != nil {
			return fmt.Errorf("drop default sheet: %w", err)
		}
	}
	idx, err := wb.file.GetSheetIndex(wb.sheets[0].name)
	if err != nil {
		return err
	}
	wb.file.SetActiveSheet(idx)
	if err := wb.file.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func (wb *Workbook) Close() error {
	return wb.file.Close()
}
