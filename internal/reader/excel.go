package reader

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/fileloader-io/fileloader/internal/fault"
	"github.com/fileloader-io/fileloader/internal/source"
)

// ErrNoSheet is returned when the configured sheet does not exist.
var ErrNoSheet = errors.New("worksheet not found")

// excelReader streams spreadsheet rows through the excelize row iterator,
// so large workbooks never load fully into memory. Cells arrive as their
// formatted string values; the row model's coercion turns them back into
// typed values.
type excelReader struct {
	path   string
	src    *source.Source
	file   *excelize.File
	rows   *excelize.Rows
	header []string
	rowNum int
}

func newExcelReader(path string, src *source.Source) Reader {
	return &excelReader{path: path, src: src}
}

func (r *excelReader) Open() error {
	f, err := excelize.OpenFile(r.path)
	if err != nil {
		// Legacy binary workbooks (.xls) and corrupt files both fail here.
		return fault.New(fault.KindUnsupportedFormat,
			"failed to open workbook %q: %v", filepath.Base(r.path), err)
	}

	r.file = f

	sheet := r.src.Excel.Sheet
	if sheet == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return r.missingHeader()
		}

		sheet = list[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return fmt.Errorf("%w: sheet %q in %q", ErrNoSheet, sheet, filepath.Base(r.path))
	}

	r.rows = rows

	for i := 0; i < r.src.Excel.SkipRows; i++ {
		if !rows.Next() {
			return r.missingHeader()
		}
	}

	header, err := r.readHeader()
	if err != nil {
		return err
	}

	r.header = header

	return validateHeader(r.src, filepath.Base(r.path), header)
}

func (r *excelReader) readHeader() ([]string, error) {
	for r.rows.Next() {
		cells, err := r.rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("failed to read header of %q: %w", r.path, err)
		}

		if blankRow(cells) {
			continue
		}

		header := make([]string, len(cells))
		for i, cell := range cells {
			header[i] = strings.TrimSpace(cell)
		}

		return header, nil
	}

	return nil, r.missingHeader()
}

func (r *excelReader) missingHeader() error {
	return fault.New(fault.KindMissingHeader,
		"no header row found in %q", filepath.Base(r.path))
}

func (r *excelReader) Next() (Row, error) {
	for r.rows.Next() {
		cells, err := r.rows.Columns()
		if err != nil {
			return Row{}, fmt.Errorf("failed to read %q: %w", r.path, err)
		}

		if blankRow(cells) {
			continue
		}

		r.rowNum++
		row := Row{Number: r.rowNum, Fields: make(map[string]any, len(r.header))}

		if len(cells) > len(r.header) {
			row.Malformed = fmt.Errorf("row has %d cells but the header declares %d",
				len(cells), len(r.header))
		}

		// Excelize drops trailing empty cells, so short rows are normal.
		for i, name := range r.header {
			if i < len(cells) {
				row.Fields[name] = cells[i]
			} else {
				row.Fields[name] = ""
			}
		}

		return row, nil
	}

	return Row{}, io.EOF
}

func (r *excelReader) Fields() []string {
	return r.header
}

func (r *excelReader) Close() error {
	var rowsErr error
	if r.rows != nil {
		rowsErr = r.rows.Close()
	}

	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return err
		}
	}

	return rowsErr
}
