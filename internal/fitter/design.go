package fitter

import (
	"fmt"

	"mipool/domain/core"
	"mipool/domain/dataset"
	"mipool/domain/model"

	"gonum.org/v1/gonum/mat"
)

// Value is one covariate value used when building a design row from explicit
// settings (prediction grids, reference values) instead of dataset rows.
type Value struct {
	Number  float64
	Label   string
	IsLabel bool
}

// Num wraps a numeric covariate value.
func Num(v float64) Value { return Value{Number: v} }

// Lab wraps a categorical covariate level.
func Lab(l string) Value { return Value{Label: l, IsLabel: true} }

// factor is one multiplicand of a design column: either the raw value of a
// numeric column or the indicator of a categorical column taking a level.
type factor struct {
	column  core.Column
	level   string
	isLevel bool
}

func (f factor) name() string {
	if f.isLevel {
		return fmt.Sprintf("%s=%s", f.column, f.level)
	}
	return string(f.column)
}

// DesignColumn is one column of the fixed design matrix: the product of its
// factors. An empty factor list is the intercept (constant 1).
type DesignColumn struct {
	Name    string
	factors []factor
}

const interceptName = "(Intercept)"

// blockPlan is the expansion of one random-effect block: the grouping column,
// its level set, and the terms (implicit intercept first, then slopes) that
// vary by level. Each term contributes one variance parameter shared across
// all levels.
type blockPlan struct {
	group       core.Column
	groupLevels []string
	terms       []DesignColumn
}

// Encoding is the fitting plan shared by every imputation: the expansion of
// the model specification into concrete design columns, with categorical
// levels fixed once across the whole Set so coefficients mean the same thing
// in every member. Treatment coding with the first (sorted) level as the
// reference.
type Encoding struct {
	spec    model.Spec
	columns []DesignColumn
	levels  map[core.Column][]string
	blocks  []blockPlan
	used    []core.Column
}

// NewEncoding expands a validated Spec against an Imputation Set. A grouping
// column with fewer than 2 levels anywhere in the Set is rejected here, before
// any optimization is attempted.
func NewEncoding(set dataset.Set, spec model.Spec) (*Encoding, error) {
	schema := set.Schema()
	if err := spec.Validate(schema); err != nil {
		return nil, err
	}

	e := &Encoding{
		spec:   spec,
		levels: make(map[core.Column][]string),
		used:   spec.Columns(),
	}
	for _, col := range e.used {
		if schema[col] == dataset.TypeCategorical {
			levels, err := set.Levels(col)
			if err != nil {
				return nil, err
			}
			e.levels[col] = levels
		}
	}

	e.columns = append(e.columns, DesignColumn{Name: interceptName})
	for _, t := range spec.Fixed {
		cols, err := e.expandTerm(t, schema)
		if err != nil {
			return nil, err
		}
		e.columns = append(e.columns, cols...)
	}

	for _, b := range spec.Random {
		levels := e.levels[b.Group]
		if len(levels) < 2 {
			return nil, fmt.Errorf("%w: %q has %d", core.ErrFewGroupLevels, b.Group, len(levels))
		}
		plan := blockPlan{
			group:       b.Group,
			groupLevels: levels,
			terms:       []DesignColumn{{Name: interceptName}},
		}
		for _, t := range b.Slopes {
			cols, err := e.expandTerm(t, schema)
			if err != nil {
				return nil, err
			}
			plan.terms = append(plan.terms, cols...)
		}
		e.blocks = append(e.blocks, plan)
	}
	return e, nil
}

// expandTerm turns a term into design columns: numeric columns contribute
// themselves, categorical columns one indicator per non-reference level, and
// interactions the cartesian product of their components.
func (e *Encoding) expandTerm(t model.Term, schema dataset.Schema) ([]DesignColumn, error) {
	parts := make([][]factor, 0, len(t.Columns))
	for _, col := range t.Columns {
		switch schema[col] {
		case dataset.TypeNumeric:
			parts = append(parts, []factor{{column: col}})
		case dataset.TypeCategorical:
			levels := e.levels[col]
			if len(levels) < 2 {
				return nil, fmt.Errorf("%w: categorical %q has %d", core.ErrFewGroupLevels, col, len(levels))
			}
			fs := make([]factor, 0, len(levels)-1)
			for _, l := range levels[1:] {
				fs = append(fs, factor{column: col, level: l, isLevel: true})
			}
			parts = append(parts, fs)
		default:
			return nil, core.NewUnknownColumnError(col, "term expansion")
		}
	}

	out := []DesignColumn{{}}
	for _, fs := range parts {
		next := make([]DesignColumn, 0, len(out)*len(fs))
		for _, dc := range out {
			for _, f := range fs {
				combined := append(append([]factor(nil), dc.factors...), f)
				next = append(next, DesignColumn{factors: combined})
			}
		}
		out = next
	}
	for i := range out {
		name := ""
		for j, f := range out[i].factors {
			if j > 0 {
				name += ":"
			}
			name += f.name()
		}
		out[i].Name = name
	}
	return out, nil
}

// FixedNames returns the coefficient names in design order.
func (e *Encoding) FixedNames() []string {
	names := make([]string, len(e.columns))
	for i, c := range e.columns {
		names[i] = c.Name
	}
	return names
}

// Levels returns the fixed level set used for a categorical column.
func (e *Encoding) Levels(col core.Column) []string {
	return e.levels[col]
}

// colValue evaluates a design column at row i of d. Rows passed here have
// already survived listwise deletion.
func colValue(dc DesignColumn, d *dataset.Dataset, i int) float64 {
	v := 1.0
	for _, f := range dc.factors {
		c, _ := d.Column(f.column)
		if f.isLevel {
			if c.Labels[i] != f.level {
				return 0
			}
		} else {
			v *= c.Floats[i]
		}
	}
	return v
}

// RowFor builds a fixed design row from explicit covariate values. Every
// column a design column references must be present in vals with the right
// kind; categorical values must be one of the encoded levels.
func (e *Encoding) RowFor(vals map[core.Column]Value) ([]float64, error) {
	row := make([]float64, len(e.columns))
	for i, dc := range e.columns {
		v := 1.0
		for _, f := range dc.factors {
			val, ok := vals[f.column]
			if !ok {
				return nil, core.NewUnknownColumnError(f.column, "design row construction")
			}
			if f.isLevel {
				if !val.IsLabel {
					return nil, core.NewColumnTypeError(f.column, string(dataset.TypeCategorical))
				}
				if !e.hasLevel(f.column, val.Label) {
					return nil, fmt.Errorf("column %q has no level %q", f.column, val.Label)
				}
				if val.Label != f.level {
					v = 0
				}
			} else {
				if val.IsLabel {
					return nil, core.NewColumnTypeError(f.column, string(dataset.TypeNumeric))
				}
				v *= val.Number
			}
		}
		row[i] = v
	}
	return row, nil
}

func (e *Encoding) hasLevel(col core.Column, label string) bool {
	for _, l := range e.levels[col] {
		if l == label {
			return true
		}
	}
	return false
}

// VarGroup is a contiguous range [Start, End) of random-design columns that
// share one variance parameter: all levels of one random term in one block.
type VarGroup struct {
	Name       string
	Start, End int
}

// Matrices holds the design for one imputation after listwise deletion.
type Matrices struct {
	X         *mat.Dense
	Y         []float64
	Z         *mat.Dense // nil when the model has no random part
	VarGroups []VarGroup
	N         int
}

// Matrices builds the fixed and random design for one Set member. The
// returned sample size N is the per-imputation count after dropping rows with
// any missing value in a referenced column.
func (e *Encoding) Matrices(d *dataset.Dataset) (*Matrices, error) {
	mask, n, err := d.CompleteCases(e.used)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, core.ErrNoCompleteCases
	}
	rows := make([]int, 0, n)
	for i, keep := range mask {
		if keep {
			rows = append(rows, i)
		}
	}

	p := len(e.columns)
	X := mat.NewDense(n, p, nil)
	for r, i := range rows {
		for j, dc := range e.columns {
			X.Set(r, j, colValue(dc, d, i))
		}
	}

	outcome, _ := d.Column(e.spec.Outcome)
	y := make([]float64, n)
	for r, i := range rows {
		y[r] = outcome.Floats[i]
	}

	m := &Matrices{X: X, Y: y, N: n}
	q := 0
	for _, b := range e.blocks {
		q += len(b.terms) * len(b.groupLevels)
	}
	if q == 0 {
		return m, nil
	}

	Z := mat.NewDense(n, q, nil)
	col := 0
	for _, b := range e.blocks {
		groupCol, _ := d.Column(b.group)
		for _, term := range b.terms {
			g := VarGroup{
				Name:  fmt.Sprintf("%s:%s", b.group, term.Name),
				Start: col,
				End:   col + len(b.groupLevels),
			}
			for _, level := range b.groupLevels {
				for r, i := range rows {
					if groupCol.Labels[i] == level {
						Z.Set(r, col, colValue(term, d, i))
					}
				}
				col++
			}
			m.VarGroups = append(m.VarGroups, g)
		}
	}
	m.Z = Z
	return m, nil
}
