// Package testkit generates synthetic imputation sets with known
// data-generating parameters, for exercising the estimation pipeline without
// real survey data.
package testkit

import (
	"fmt"
	"math"
	"math/rand"

	"mipool/domain/core"
	"mipool/domain/dataset"
)

// Column names used by the generated datasets.
const (
	ColOutcome core.Column = "pride"
	ColImputed core.Column = "gini"
	ColGroup   core.Column = "country"
	ColBinary  core.Column = "exclusion"
)

// MultilevelConfig describes a synthetic two-level data-generating process:
// a continuous outcome driven by one continuous predictor plus a group-level
// random intercept. The predictor plays the multiply-imputed variable: each
// Set member observes it with independent jitter, everything else is shared.
type MultilevelConfig struct {
	Rows        int
	Groups      int
	Imputations int
	Intercept   float64
	Slope       float64
	GroupSD     float64
	NoiseSD     float64
	JitterSD    float64
	Seed        int64
}

// DefaultMultilevel mirrors the scale of the end-to-end scenario: 3
// imputations of 200 rows over a small number of groups.
func DefaultMultilevel() MultilevelConfig {
	return MultilevelConfig{
		Rows:        200,
		Groups:      2,
		Imputations: 3,
		Intercept:   1.0,
		Slope:       1.5,
		GroupSD:     0.5,
		NoiseSD:     0.4,
		JitterSD:    0.05,
		Seed:        42,
	}
}

// GenerateMultilevel builds an Imputation Set from the config. All members
// share outcome, grouping and row order; only the imputed predictor differs.
func GenerateMultilevel(cfg MultilevelConfig) dataset.Set {
	rng := rand.New(rand.NewSource(cfg.Seed))

	groupEffect := make([]float64, cfg.Groups)
	for g := range groupEffect {
		groupEffect[g] = rng.NormFloat64() * cfg.GroupSD
	}

	xTrue := make([]float64, cfg.Rows)
	y := make([]float64, cfg.Rows)
	labels := make([]string, cfg.Rows)
	for i := 0; i < cfg.Rows; i++ {
		g := i % cfg.Groups
		xTrue[i] = rng.NormFloat64()
		y[i] = cfg.Intercept + cfg.Slope*xTrue[i] + groupEffect[g] + rng.NormFloat64()*cfg.NoiseSD
		labels[i] = fmt.Sprintf("c%02d", g)
	}

	set := make(dataset.Set, cfg.Imputations)
	for m := 0; m < cfg.Imputations; m++ {
		d := dataset.New(cfg.Rows)
		x := make([]float64, cfg.Rows)
		for i := range x {
			x[i] = xTrue[i] + rng.NormFloat64()*cfg.JitterSD
		}
		mustAdd(d.AddNumeric(ColOutcome, y))
		mustAdd(d.AddNumeric(ColImputed, x))
		mustAdd(d.AddCategorical(ColGroup, append([]string(nil), labels...)))
		set[m] = d
	}
	return set
}

// GenerateBinary builds an Imputation Set with a binary outcome generated
// from a logistic model on the jittered predictor. No grouping structure.
func GenerateBinary(cfg MultilevelConfig) dataset.Set {
	rng := rand.New(rand.NewSource(cfg.Seed))

	xTrue := make([]float64, cfg.Rows)
	y := make([]float64, cfg.Rows)
	for i := 0; i < cfg.Rows; i++ {
		xTrue[i] = rng.NormFloat64()
		p := 1 / (1 + math.Exp(-(cfg.Intercept + cfg.Slope*xTrue[i])))
		if rng.Float64() < p {
			y[i] = 1
		}
	}

	set := make(dataset.Set, cfg.Imputations)
	for m := 0; m < cfg.Imputations; m++ {
		d := dataset.New(cfg.Rows)
		x := make([]float64, cfg.Rows)
		for i := range x {
			x[i] = xTrue[i] + rng.NormFloat64()*cfg.JitterSD
		}
		mustAdd(d.AddNumeric(ColBinary, y))
		mustAdd(d.AddNumeric(ColImputed, x))
		set[m] = d
	}
	return set
}

// WithMissing returns a copy of the set's member at index imp with the given
// column blanked out entirely, for provoking per-imputation fit failures in
// tests.
func WithMissing(set dataset.Set, imp int, col core.Column) dataset.Set {
	out := append(dataset.Set(nil), set...)
	src := set[imp]
	d := dataset.New(src.Rows())
	for name, typ := range src.Schema() {
		c, _ := src.Column(name)
		switch {
		case name == col && typ == dataset.TypeNumeric:
			blank := make([]float64, src.Rows())
			for i := range blank {
				blank[i] = math.NaN()
			}
			mustAdd(d.AddNumeric(name, blank))
		case name == col:
			mustAdd(d.AddCategorical(name, make([]string, src.Rows())))
		case typ == dataset.TypeNumeric:
			mustAdd(d.AddNumeric(name, append([]float64(nil), c.Floats...)))
		default:
			mustAdd(d.AddCategorical(name, append([]string(nil), c.Labels...)))
		}
	}
	out[imp] = d
	return out
}

func mustAdd(err error) {
	if err != nil {
		panic(err)
	}
}
