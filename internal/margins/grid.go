package margins

import (
	"mipool/domain/core"
	"mipool/domain/dataset"
	"mipool/domain/model"
	"mipool/internal/fitter"
)

// Setting fixes one covariate at one value.
type Setting struct {
	Column core.Column
	Value  fitter.Value
}

// Axis is one grid dimension: a covariate crossed over a list of values.
type Axis struct {
	Column core.Column
	Values []fitter.Value
}

// NumAxis builds a numeric grid axis.
func NumAxis(col core.Column, values ...float64) Axis {
	vs := make([]fitter.Value, len(values))
	for i, v := range values {
		vs[i] = fitter.Num(v)
	}
	return Axis{Column: col, Values: vs}
}

// LabAxis builds a categorical grid axis over the given levels.
func LabAxis(col core.Column, levels ...string) Axis {
	vs := make([]fitter.Value, len(levels))
	for i, l := range levels {
		vs[i] = fitter.Lab(l)
	}
	return Axis{Column: col, Values: vs}
}

// Grid is the cross of its axes: every combination of axis values becomes one
// prediction point, evaluated identically against every imputation's fit.
type Grid struct {
	Axes []Axis
}

// Points expands the grid into its cartesian product, first axis varying
// slowest.
func (g Grid) Points() [][]Setting {
	if len(g.Axes) == 0 {
		return nil
	}
	points := [][]Setting{{}}
	for _, ax := range g.Axes {
		next := make([][]Setting, 0, len(points)*len(ax.Values))
		for _, pt := range points {
			for _, v := range ax.Values {
				ext := append(append([]Setting(nil), pt...), Setting{Column: ax.Column, Value: v})
				next = append(next, ext)
			}
		}
		points = next
	}
	return points
}

// Covers reports whether the grid has an axis for the column.
func (g Grid) Covers(col core.Column) bool {
	for _, ax := range g.Axes {
		if ax.Column == col {
			return true
		}
	}
	return false
}

// References are the values non-grid covariates are held at. Which covariate
// is pinned where is a modeling choice of the study, so references are always
// explicit configuration; AutoReferences provides the conventional
// means-and-modes default.
type References []Setting

// With returns a copy with one reference replaced or added, for overriding a
// single covariate of an automatic set.
func (r References) With(col core.Column, v fitter.Value) References {
	out := append(References(nil), r...)
	for i := range out {
		if out[i].Column == col {
			out[i].Value = v
			return out
		}
	}
	return append(out, Setting{Column: col, Value: v})
}

// AutoReferences computes default reference values for every fixed-effect
// covariate not on the grid: the grand mean (pooled over the whole Set) for
// numeric columns, the modal level for categorical ones. Computed once and
// reused across all imputations so every fit predicts at the same covariate
// profile.
func AutoReferences(set dataset.Set, spec model.Spec, grid Grid) (References, error) {
	schema := set.Schema()
	seen := make(map[core.Column]bool)
	var refs References
	for _, t := range spec.Fixed {
		for _, col := range t.Columns {
			if seen[col] || grid.Covers(col) {
				continue
			}
			seen[col] = true
			switch schema[col] {
			case dataset.TypeNumeric:
				mean, err := set.Mean(col)
				if err != nil {
					return nil, err
				}
				refs = append(refs, Setting{Column: col, Value: fitter.Num(mean)})
			case dataset.TypeCategorical:
				mode, err := set.Mode(col)
				if err != nil {
					return nil, err
				}
				refs = append(refs, Setting{Column: col, Value: fitter.Lab(mode)})
			default:
				return nil, core.NewUnknownColumnError(col, "reference values")
			}
		}
	}
	return refs, nil
}
