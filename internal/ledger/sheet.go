package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"facturas/internal/util"
)

// sheet is a header row plus string cells, the shape every workbook here is
// read into and written from.
type sheet struct {
	name    string
	headers []string
	rows    [][]string
}

type sheetStyle struct {
	table   string
	numbers map[string]bool
}

// readSheet loads the named sheet, or the first one when it is missing. A
// missing file yields an empty sheet with the given headers.
func readSheet(path, name string, headers []string) (*sheet, error) {
	s := &sheet{name: name, headers: append([]string(nil), headers...)}

	f, err := excelize.OpenFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sheetName := name
	if idx, _ := f.GetSheetIndex(name); idx < 0 {
		list := f.GetSheetList()
		if len(list) == 0 {
			return s, nil
		}
		sheetName = list[0]
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return s, nil
	}

	s.headers = rows[0]
	for _, h := range headers {
		s.ensureColumn(h)
	}
	for _, r := range rows[1:] {
		if isBlank(r) {
			continue
		}
		s.rows = append(s.rows, s.pad(r))
	}
	return s, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (s *sheet) pad(row []string) []string {
	if len(row) >= len(s.headers) {
		return row[:len(s.headers)]
	}
	out := make([]string, len(s.headers))
	copy(out, row)
	return out
}

// column finds a header by its normalised name, or -1.
func (s *sheet) column(names ...string) int {
	for _, name := range names {
		want := util.NormalizeKey(name)
		for i, h := range s.headers {
			if util.NormalizeKey(h) == want {
				return i
			}
		}
	}
	return -1
}

func (s *sheet) ensureColumn(name string) int {
	if i := s.column(name); i >= 0 {
		return i
	}
	s.headers = append(s.headers, name)
	for i := range s.rows {
		s.rows[i] = append(s.rows[i], "")
	}
	return len(s.headers) - 1
}

func (s *sheet) rowFrom(values map[string]string) []string {
	row := make([]string, len(s.headers))
	for i, h := range s.headers {
		row[i] = values[h]
	}
	return row
}

// moveFirst reorders columns so names lead in the given order.
func (s *sheet) moveFirst(names ...string) {
	order := []int{}
	seen := map[int]bool{}
	for _, n := range names {
		if i := s.column(n); i >= 0 && !seen[i] {
			order = append(order, i)
			seen[i] = true
		}
	}
	for i := range s.headers {
		if !seen[i] {
			order = append(order, i)
		}
	}

	headers := make([]string, len(order))
	for j, i := range order {
		headers[j] = s.headers[i]
	}
	for r, row := range s.rows {
		next := make([]string, len(order))
		for j, i := range order {
			next[j] = row[i]
		}
		s.rows[r] = next
	}
	s.headers = headers
}

// save writes the workbook to a temp file next to path and renames it into
// place so readers never see a half-written file.
func (s *sheet) save(path string, style sheetStyle) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), s.name); err != nil {
		return err
	}

	header := make([]any, len(s.headers))
	for i, h := range s.headers {
		header[i] = h
	}
	if err := f.SetSheetRow(s.name, "A1", &header); err != nil {
		return err
	}

	for r, row := range s.rows {
		values := make([]any, len(row))
		for i, v := range row {
			values[i] = cellValue(v, style.numbers[s.headers[i]])
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(s.name, cell, &values); err != nil {
			return err
		}
	}

	if style.table != "" && len(s.rows) > 0 && len(s.headers) > 0 {
		last, err := excelize.CoordinatesToCellName(len(s.headers), len(s.rows)+1)
		if err != nil {
			return err
		}
		stripes := true
		if err := f.AddTable(s.name, &excelize.Table{
			Range:          "A1:" + last,
			Name:           style.table,
			StyleName:      "TableStyleMedium9",
			ShowRowStripes: &stripes,
		}); err != nil {
			return err
		}
		if err := f.SetPanes(s.name, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := f.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// cellValue writes numeric columns as numbers when they parse; everything
// else stays text.
func cellValue(v string, numeric bool) any {
	if !numeric || v == "" {
		return v
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if d, err := decimal.NewFromString(v); err == nil {
		return d.InexactFloat64()
	}
	return v
}
