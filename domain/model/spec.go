package model

import (
	"fmt"
	"strings"

	"mipool/domain/core"
	"mipool/domain/dataset"
)

// Family selects the outcome distribution and link of a model.
type Family string

const (
	Gaussian Family = "gaussian" // continuous outcome, identity link, REML
	Binomial Family = "binomial" // binary outcome, logit link
)

// Term is a fixed-effect term: a single column, or the product of two or
// three columns denoting an interaction.
type Term struct {
	Columns []core.Column
}

// T builds a Term from one to three base columns.
func T(cols ...core.Column) Term {
	return Term{Columns: cols}
}

// String renders the term in the conventional colon notation, e.g. "gini:education".
func (t Term) String() string {
	parts := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		parts[i] = string(c)
	}
	return strings.Join(parts, ":")
}

// Equal reports whether two terms reference the same columns in the same order.
func (t Term) Equal(other Term) bool {
	if len(t.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range t.Columns {
		if other.Columns[i] != c {
			return false
		}
	}
	return true
}

// RandomBlock declares one random-effect grouping: a grouping column plus the
// terms that get a random slope within that group. A random intercept is
// always implied.
type RandomBlock struct {
	Group  core.Column
	Slopes []Term
}

// Spec is an immutable declarative model specification: outcome, ordered
// fixed-effect terms and random-effect structure. Derive variants with Extend
// rather than mutating a shared value.
type Spec struct {
	ID      core.ModelID
	Name    string
	Outcome core.Column
	Family  Family
	Fixed   []Term
	Random  []RandomBlock
}

// Validate checks the specification against a representative schema before
// any fitting is attempted. All violations are fatal input validation errors.
func (s Spec) Validate(schema dataset.Schema) error {
	if s.Outcome == "" {
		return fmt.Errorf("%w: outcome column not set", core.ErrInvalidSpec)
	}
	if s.Family != Gaussian && s.Family != Binomial {
		return fmt.Errorf("%w: unknown family %q", core.ErrInvalidSpec, s.Family)
	}
	if _, ok := schema[s.Outcome]; !ok {
		return core.NewUnknownColumnError(s.Outcome, "outcome")
	}
	if schema[s.Outcome] != dataset.TypeNumeric {
		return core.NewColumnTypeError(s.Outcome, string(dataset.TypeNumeric))
	}
	if len(s.Fixed) == 0 {
		return fmt.Errorf("%w: no fixed-effect terms", core.ErrInvalidSpec)
	}
	for _, t := range s.Fixed {
		if err := validateTerm(t, schema, "fixed-effect term"); err != nil {
			return err
		}
	}
	for _, b := range s.Random {
		typ, ok := schema[b.Group]
		if !ok {
			return core.NewUnknownColumnError(b.Group, "random-effect grouping")
		}
		if typ != dataset.TypeCategorical {
			return core.NewColumnTypeError(b.Group, string(dataset.TypeCategorical))
		}
		for _, t := range b.Slopes {
			if err := validateTerm(t, schema, fmt.Sprintf("random slope in %q", b.Group)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTerm(t Term, schema dataset.Schema, where string) error {
	if len(t.Columns) < 1 || len(t.Columns) > 3 {
		return fmt.Errorf("%w: term %q must reference 1-3 columns", core.ErrInvalidSpec, t)
	}
	for _, c := range t.Columns {
		if _, ok := schema[c]; !ok {
			return core.NewUnknownColumnError(c, where)
		}
	}
	return nil
}

// Columns returns every column the specification references (outcome, fixed
// terms, grouping columns, slope terms), deduplicated in first-use order.
// This is the column set listwise deletion applies to.
func (s Spec) Columns() []core.Column {
	seen := make(map[core.Column]bool)
	var cols []core.Column
	add := func(c core.Column) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	add(s.Outcome)
	for _, t := range s.Fixed {
		for _, c := range t.Columns {
			add(c)
		}
	}
	for _, b := range s.Random {
		add(b.Group)
		for _, t := range b.Slopes {
			for _, c := range t.Columns {
				add(c)
			}
		}
	}
	return cols
}

// clone makes a deep copy so Extend never aliases the parent's slices.
func (s Spec) clone() Spec {
	out := s
	out.Fixed = make([]Term, len(s.Fixed))
	for i, t := range s.Fixed {
		out.Fixed[i] = Term{Columns: append([]core.Column(nil), t.Columns...)}
	}
	out.Random = make([]RandomBlock, len(s.Random))
	for i, b := range s.Random {
		slopes := make([]Term, len(b.Slopes))
		for j, t := range b.Slopes {
			slopes[j] = Term{Columns: append([]core.Column(nil), t.Columns...)}
		}
		out.Random[i] = RandomBlock{Group: b.Group, Slopes: slopes}
	}
	return out
}
