// Package excel loads an Imputation Set from an .xlsx workbook produced by
// the upstream data-preparation scripts: one sheet per imputation, first row
// the column header, identical layout on every sheet.
package excel

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"mipool/domain/core"
	"mipool/domain/dataset"
	"mipool/internal"

	"github.com/xuri/excelize/v2"
)

// SetReader reads imputation-set workbooks.
type SetReader struct {
	filePath string
	logger   *internal.Logger
}

// NewSetReader creates a reader for the given workbook path.
func NewSetReader(filePath string, logger *internal.Logger) *SetReader {
	if logger == nil {
		logger = internal.NewDefaultLogger()
	}
	return &SetReader{filePath: filePath, logger: logger}
}

// ReadSet loads every sheet as one Set member, in workbook sheet order.
// Column types are inferred from the first sheet (a column is numeric when
// every non-empty cell parses as a float) and enforced on the rest; the
// returned Set is validated before being handed to the pipeline.
func (r *SetReader) ReadSet() (dataset.Set, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("workbook not found: %s", r.filePath)
	}
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, core.ErrEmptySet
	}
	r.logger.Info("reading %d imputation sheets from %s", len(sheets), r.filePath)

	var header []string
	var numeric []bool
	set := make(dataset.Set, 0, len(sheets))
	for si, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", sheet, err)
		}
		if len(rows) < 2 {
			return nil, fmt.Errorf("sheet %q: need a header row and at least one data row", sheet)
		}
		if si == 0 {
			header = rows[0]
			numeric = inferNumeric(rows)
		} else if err := sameHeader(header, rows[0]); err != nil {
			return nil, core.NewSchemaMismatchError(si, err.Error())
		}

		d, err := buildDataset(header, numeric, rows[1:])
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", sheet, err)
		}
		set = append(set, d)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// inferNumeric decides per column whether every non-empty cell parses as a
// float.
func inferNumeric(rows [][]string) []bool {
	width := len(rows[0])
	numeric := make([]bool, width)
	for j := 0; j < width; j++ {
		numeric[j] = true
		seen := false
		for _, row := range rows[1:] {
			cell := cellAt(row, j)
			if cell == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				numeric[j] = false
				break
			}
		}
		if !seen {
			numeric[j] = false
		}
	}
	return numeric
}

func buildDataset(header []string, numeric []bool, rows [][]string) (*dataset.Dataset, error) {
	d := dataset.New(len(rows))
	for j, name := range header {
		if name == "" {
			return nil, fmt.Errorf("column %d has an empty header", j+1)
		}
		if numeric[j] {
			vals := make([]float64, len(rows))
			for i, row := range rows {
				cell := cellAt(row, j)
				if cell == "" {
					vals[i] = math.NaN()
					continue
				}
				v, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("row %d column %q: %w", i+2, name, err)
				}
				vals[i] = v
			}
			if err := d.AddNumeric(core.Column(name), vals); err != nil {
				return nil, err
			}
			continue
		}
		labels := make([]string, len(rows))
		for i, row := range rows {
			labels[i] = cellAt(row, j)
		}
		if err := d.AddCategorical(core.Column(name), labels); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func sameHeader(want, got []string) error {
	if len(want) != len(got) {
		return fmt.Errorf("header has %d columns, want %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("header column %d is %q, want %q", i+1, got[i], want[i])
		}
	}
	return nil
}

// excelize trims trailing empty cells, so short rows read as missing.
func cellAt(row []string, j int) string {
	if j < len(row) {
		return row[j]
	}
	return ""
}
