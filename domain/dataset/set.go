package dataset

import (
	"fmt"
	"math"
	"sort"

	"mipool/domain/core"

	"github.com/montanaflynn/stats"
)

// Set is an Imputation Set: an ordered collection of structurally identical
// datasets that differ only in the values of the multiply-imputed column(s).
// A Set is built once per pipeline run, passed explicitly through the stages,
// and discarded with the run.
type Set []*Dataset

// Validate checks the Set invariants: at least one member, identical schema
// and identical row count across all members. Violations are fatal input
// validation errors.
func (s Set) Validate() error {
	if len(s) == 0 {
		return core.ErrEmptySet
	}
	ref := s[0].Schema()
	rows := s[0].Rows()
	for i, d := range s[1:] {
		if d.Rows() != rows {
			return core.NewSchemaMismatchError(i+1, fmt.Sprintf("row count %d != %d", d.Rows(), rows))
		}
		got := d.Schema()
		for name, typ := range ref {
			other, ok := got[name]
			if !ok {
				return core.NewSchemaMismatchError(i+1, fmt.Sprintf("missing column %q", name))
			}
			if other != typ {
				return core.NewSchemaMismatchError(i+1, fmt.Sprintf("column %q is %s, want %s", name, other, typ))
			}
		}
		if len(got) != len(ref) {
			return core.NewSchemaMismatchError(i+1, "extra columns present")
		}
	}
	return nil
}

// Schema returns the shared schema of the Set's members.
func (s Set) Schema() Schema {
	if len(s) == 0 {
		return Schema{}
	}
	return s[0].Schema()
}

// Levels returns the sorted union of a categorical column's levels across all
// members. Using the union keeps the dummy coding, and therefore coefficient
// meaning, identical in every imputation.
func (s Set) Levels(name core.Column) ([]string, error) {
	seen := make(map[string]bool)
	for _, d := range s {
		c, ok := d.Column(name)
		if !ok {
			return nil, core.NewUnknownColumnError(name, "level extraction")
		}
		if c.Type != TypeCategorical {
			return nil, core.NewColumnTypeError(name, string(TypeCategorical))
		}
		for _, l := range c.Levels() {
			seen[l] = true
		}
	}
	levels := make([]string, 0, len(seen))
	for l := range seen {
		levels = append(levels, l)
	}
	sort.Strings(levels)
	return levels, nil
}

// Mean returns the grand mean of a numeric column pooled over all members.
// For columns untouched by imputation this equals the single-dataset mean;
// for imputed columns it averages over the imputed versions, which is the
// reference value marginal predictions hold non-grid covariates at.
func (s Set) Mean(name core.Column) (float64, error) {
	obs := make([]float64, 0)
	for _, d := range s {
		c, ok := d.Column(name)
		if !ok {
			return 0, core.NewUnknownColumnError(name, "mean computation")
		}
		if c.Type != TypeNumeric {
			return 0, core.NewColumnTypeError(name, string(TypeNumeric))
		}
		for _, v := range c.Floats {
			if !math.IsNaN(v) {
				obs = append(obs, v)
			}
		}
	}
	if len(obs) == 0 {
		return 0, fmt.Errorf("column %q: %w", name, core.ErrNoCompleteCases)
	}
	return stats.Mean(obs)
}

// Mode returns the modal label of a categorical column pooled over all
// members, with stable lexicographic tie-breaking.
func (s Set) Mode(name core.Column) (string, error) {
	counts := make(map[string]int)
	for _, d := range s {
		c, ok := d.Column(name)
		if !ok {
			return "", core.NewUnknownColumnError(name, "mode computation")
		}
		if c.Type != TypeCategorical {
			return "", core.NewColumnTypeError(name, string(TypeCategorical))
		}
		for _, l := range c.Labels {
			if l != "" {
				counts[l]++
			}
		}
	}
	if len(counts) == 0 {
		return "", fmt.Errorf("column %q: %w", name, core.ErrNoCompleteCases)
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	best, bestCount := "", -1
	for _, l := range labels {
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best, nil
}
