package inference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FitResult is the complete-data estimate from one imputation: fixed-effect
// point estimates with their full covariance matrix, the residual degrees of
// freedom of the underlying fit, and the effective sample size after listwise
// deletion. Immutable once produced; consumed by pooling and discarded with
// the run.
type FitResult struct {
	Imputation int
	Names      []string
	Estimates  []float64
	Cov        *mat.SymDense
	ResidualDF float64
	SampleSize int

	// Scale information from the fit. ResidualVariance is the REML residual
	// variance for gaussian models (1 for binomial). VarianceComponents maps
	// random-term names to their estimated variances.
	ResidualVariance   float64
	VarianceComponents map[string]float64
}

// SE returns the within-imputation standard error of coefficient i.
func (r *FitResult) SE(i int) float64 {
	return math.Sqrt(r.Cov.At(i, i))
}

// Within returns the within-imputation variance of coefficient i.
func (r *FitResult) Within(i int) float64 {
	return r.Cov.At(i, i)
}

// Validate checks basic structural invariants of a fit result.
func (r *FitResult) Validate() error {
	if len(r.Names) == 0 {
		return fmt.Errorf("fit result has no coefficients")
	}
	if len(r.Estimates) != len(r.Names) {
		return fmt.Errorf("fit result has %d estimates for %d coefficients", len(r.Estimates), len(r.Names))
	}
	if n, _ := r.Cov.Dims(); n != len(r.Names) {
		return fmt.Errorf("fit result covariance is %dx%d for %d coefficients", n, n, len(r.Names))
	}
	if r.ResidualDF <= 0 {
		return fmt.Errorf("fit result has non-positive residual degrees of freedom %g", r.ResidualDF)
	}
	return nil
}

// PooledCoefficient is one row of the pooled inference table.
type PooledCoefficient struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	Within   float64 `json:"within_variance"`
	Between  float64 `json:"between_variance"`
	Total    float64 `json:"total_variance"`
	DF       float64 `json:"df"`
	T        float64 `json:"t"`
	P        float64 `json:"p"`
	Lower    float64 `json:"ci_lower"`
	Upper    float64 `json:"ci_upper"`
}

// PooledTable is the terminal output of the Pooling Engine: one row per
// coefficient, pooled over the successful imputations.
type PooledTable struct {
	Model        string              `json:"model"`
	Imputations  int                 `json:"imputations"`
	Level        float64             `json:"confidence_level"`
	Coefficients []PooledCoefficient `json:"coefficients"`
}

// Coefficient looks up a pooled row by name.
func (t *PooledTable) Coefficient(name string) (PooledCoefficient, bool) {
	for _, c := range t.Coefficients {
		if c.Name == name {
			return c, true
		}
	}
	return PooledCoefficient{}, false
}
