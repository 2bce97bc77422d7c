package dataset

import (
	"fmt"
	"math"
	"sort"

	"mipool/domain/core"

	"github.com/montanaflynn/stats"
)

// ColumnType defines the statistical type of a column
type ColumnType string

const (
	TypeNumeric     ColumnType = "numeric"
	TypeCategorical ColumnType = "categorical"
)

// Column is one named column of a Dataset. Numeric columns store values in
// Floats with NaN marking a missing value; categorical columns store level
// labels in Labels with the empty string marking a missing value.
type Column struct {
	Name   core.Column
	Type   ColumnType
	Floats []float64
	Labels []string
}

// Len returns the number of rows in the column.
func (c *Column) Len() int {
	if c.Type == TypeNumeric {
		return len(c.Floats)
	}
	return len(c.Labels)
}

// Missing reports whether the value at row i is missing.
func (c *Column) Missing(i int) bool {
	if c.Type == TypeNumeric {
		return math.IsNaN(c.Floats[i])
	}
	return c.Labels[i] == ""
}

// Levels returns the sorted distinct non-missing labels of a categorical column.
func (c *Column) Levels() []string {
	seen := make(map[string]bool)
	for _, l := range c.Labels {
		if l != "" {
			seen[l] = true
		}
	}
	levels := make([]string, 0, len(seen))
	for l := range seen {
		levels = append(levels, l)
	}
	sort.Strings(levels)
	return levels
}

// Summary holds descriptive statistics for a numeric column.
type Summary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// Summarize computes descriptive statistics over the non-missing values of a
// numeric column.
func (c *Column) Summarize() (Summary, error) {
	if c.Type != TypeNumeric {
		return Summary{}, core.NewColumnTypeError(c.Name, string(TypeNumeric))
	}
	obs := make([]float64, 0, len(c.Floats))
	for _, v := range c.Floats {
		if !math.IsNaN(v) {
			obs = append(obs, v)
		}
	}
	if len(obs) == 0 {
		return Summary{}, fmt.Errorf("column %q: %w", c.Name, core.ErrNoCompleteCases)
	}
	mean, _ := stats.Mean(obs)
	sd, _ := stats.StandardDeviationSample(obs)
	min, _ := stats.Min(obs)
	max, _ := stats.Max(obs)
	median, _ := stats.Median(obs)
	return Summary{N: len(obs), Mean: mean, StdDev: sd, Min: min, Max: max, Median: median}, nil
}

// Mode returns the most frequent non-missing label of a categorical column.
// Ties break toward the lexicographically first label so the result is stable
// across runs and imputations.
func (c *Column) Mode() (string, error) {
	if c.Type != TypeCategorical {
		return "", core.NewColumnTypeError(c.Name, string(TypeCategorical))
	}
	counts := make(map[string]int)
	for _, l := range c.Labels {
		if l != "" {
			counts[l]++
		}
	}
	if len(counts) == 0 {
		return "", fmt.Errorf("column %q: %w", c.Name, core.ErrNoCompleteCases)
	}
	best, bestCount := "", -1
	for _, l := range c.Levels() {
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best, nil
}

// Schema maps column names to their types.
type Schema map[core.Column]ColumnType

// Equal reports whether two schemas declare the same columns with the same types.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for name, typ := range s {
		if other[name] != typ {
			return false
		}
	}
	return true
}

// Dataset is a column-oriented table with a fixed row count.
type Dataset struct {
	columns []Column
	index   map[core.Column]int
	rows    int
}

// New creates an empty dataset with the given row count.
func New(rows int) *Dataset {
	return &Dataset{index: make(map[core.Column]int), rows: rows}
}

// Rows returns the number of rows.
func (d *Dataset) Rows() int { return d.rows }

// AddNumeric appends a numeric column. The value slice length must match the
// dataset row count.
func (d *Dataset) AddNumeric(name core.Column, values []float64) error {
	if len(values) != d.rows {
		return fmt.Errorf("column %q: got %d values, dataset has %d rows", name, len(values), d.rows)
	}
	return d.add(Column{Name: name, Type: TypeNumeric, Floats: values})
}

// AddCategorical appends a categorical column.
func (d *Dataset) AddCategorical(name core.Column, labels []string) error {
	if len(labels) != d.rows {
		return fmt.Errorf("column %q: got %d labels, dataset has %d rows", name, len(labels), d.rows)
	}
	return d.add(Column{Name: name, Type: TypeCategorical, Labels: labels})
}

func (d *Dataset) add(c Column) error {
	if _, exists := d.index[c.Name]; exists {
		return fmt.Errorf("duplicate column %q", c.Name)
	}
	d.index[c.Name] = len(d.columns)
	d.columns = append(d.columns, c)
	return nil
}

// Column looks up a column by name.
func (d *Dataset) Column(name core.Column) (*Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return &d.columns[i], true
}

// Schema returns the dataset's schema.
func (d *Dataset) Schema() Schema {
	s := make(Schema, len(d.columns))
	for _, c := range d.columns {
		s[c.Name] = c.Type
	}
	return s
}

// CompleteCases returns a row mask marking rows with no missing value in any
// of the given columns, together with the count of kept rows. This is the
// listwise deletion applied before every fit; the count is the effective
// per-imputation sample size.
func (d *Dataset) CompleteCases(cols []core.Column) ([]bool, int, error) {
	mask := make([]bool, d.rows)
	for i := range mask {
		mask[i] = true
	}
	for _, name := range cols {
		c, ok := d.Column(name)
		if !ok {
			return nil, 0, core.NewUnknownColumnError(name, "complete-case filter")
		}
		for i := 0; i < d.rows; i++ {
			if mask[i] && c.Missing(i) {
				mask[i] = false
			}
		}
	}
	n := 0
	for _, keep := range mask {
		if keep {
			n++
		}
	}
	return mask, n, nil
}
