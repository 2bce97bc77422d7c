package inference

import (
	"fmt"
	"math"
	"sort"

	"mipool/domain/core"

	"gonum.org/v1/gonum/stat/distuv"
)

// Scalar is one pooled quantity: a coefficient or a grid-point prediction.
// Predictions are pooled exactly like coefficients, so both paths share this
// combination.
type Scalar struct {
	Estimate float64
	Within   float64
	Between  float64
	Total    float64
	SE       float64
	DF       float64
	T        float64
	P        float64
	Lower    float64
	Upper    float64
}

// Combine applies Rubin's rules to m complete-data estimates with their
// within-imputation variances:
//
//	pooled estimate  = mean of the m estimates
//	within variance  = mean of the m within variances
//	between variance = sample variance (denominator m-1) of the estimates
//	total variance   = within + between + between/m
//
// Degrees of freedom use the Barnard-Rubin small-sample adjustment against
// the complete-data degrees of freedom comDF. When the between variance is
// exactly zero the total collapses to the within variance and the degrees of
// freedom fall back to comDF rather than going non-finite.
func Combine(estimates, withins []float64, comDF, level float64) (Scalar, error) {
	m := len(estimates)
	if m < 2 {
		return Scalar{}, fmt.Errorf("%w: have %d", core.ErrTooFewFits, m)
	}
	if len(withins) != m {
		return Scalar{}, fmt.Errorf("got %d within variances for %d estimates", len(withins), m)
	}
	if level <= 0 || level >= 1 {
		return Scalar{}, fmt.Errorf("confidence level %g outside (0, 1)", level)
	}

	fm := float64(m)
	var qbar, wbar float64
	for i := 0; i < m; i++ {
		qbar += estimates[i]
		wbar += withins[i]
	}
	qbar /= fm
	wbar /= fm

	var between float64
	for _, q := range estimates {
		d := q - qbar
		between += d * d
	}
	between /= fm - 1

	total := wbar + between + between/fm
	df := adjustedDF(wbar, between, fm, comDF, total)

	s := Scalar{
		Estimate: qbar,
		Within:   wbar,
		Between:  between,
		Total:    total,
		SE:       math.Sqrt(total),
		DF:       df,
	}
	if s.SE > 0 {
		s.T = s.Estimate / s.SE
	}

	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	if s.SE > 0 {
		s.P = 2 * tdist.CDF(-math.Abs(s.T))
	} else {
		s.P = 0
	}
	tcrit := tdist.Quantile(1 - (1-level)/2)
	s.Lower = s.Estimate - tcrit*s.SE
	s.Upper = s.Estimate + tcrit*s.SE
	return s, nil
}

// adjustedDF implements the Barnard-Rubin degrees-of-freedom approximation
// with clamping for the degenerate zero-between-variance case.
func adjustedDF(within, between, m, comDF, total float64) float64 {
	if between <= 0 || total <= 0 {
		// All imputations agree. The reference distribution is the
		// complete-data one.
		return comDF
	}
	r := (1 + 1/m) * between
	gamma := r / total
	dfOld := (m - 1) / (gamma * gamma)
	dfObs := (comDF + 1) / (comDF + 3) * comDF * (1 - gamma)
	df := 1 / (1/dfOld + 1/dfObs)
	if math.IsNaN(df) || math.IsInf(df, 0) {
		return comDF
	}
	if df < 1 {
		return 1
	}
	return df
}

// Pool combines m >= 2 fit results into a single pooled inference table.
// Every fit must expose the same coefficients in the same order; the fits'
// complete-data degrees of freedom are averaged for the Barnard-Rubin
// adjustment. Result order of the input slice does not affect the output.
func Pool(model string, fits []*FitResult, level float64) (*PooledTable, error) {
	if len(fits) < 2 {
		return nil, fmt.Errorf("%w: have %d", core.ErrTooFewFits, len(fits))
	}
	// Summation order changes the last ULP, so fix a canonical order before
	// combining: any permutation of the same fits must pool identically.
	fits = append([]*FitResult(nil), fits...)
	sort.Slice(fits, func(i, j int) bool { return fits[i].Imputation < fits[j].Imputation })
	ref := fits[0]
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	for _, f := range fits[1:] {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if len(f.Names) != len(ref.Names) {
			return nil, fmt.Errorf("fits are not comparable: %d vs %d coefficients", len(f.Names), len(ref.Names))
		}
		for i, name := range f.Names {
			if name != ref.Names[i] {
				return nil, fmt.Errorf("fits are not comparable: coefficient %d is %q vs %q", i, name, ref.Names[i])
			}
		}
	}

	var comDF float64
	for _, f := range fits {
		comDF += f.ResidualDF
	}
	comDF /= float64(len(fits))

	table := &PooledTable{
		Model:        model,
		Imputations:  len(fits),
		Level:        level,
		Coefficients: make([]PooledCoefficient, len(ref.Names)),
	}
	estimates := make([]float64, len(fits))
	withins := make([]float64, len(fits))
	for i, name := range ref.Names {
		for j, f := range fits {
			estimates[j] = f.Estimates[i]
			withins[j] = f.Within(i)
		}
		s, err := Combine(estimates, withins, comDF, level)
		if err != nil {
			return nil, fmt.Errorf("coefficient %q: %w", name, err)
		}
		table.Coefficients[i] = PooledCoefficient{
			Name:     name,
			Estimate: s.Estimate,
			SE:       s.SE,
			Within:   s.Within,
			Between:  s.Between,
			Total:    s.Total,
			DF:       s.DF,
			T:        s.T,
			P:        s.P,
			Lower:    s.Lower,
			Upper:    s.Upper,
		}
	}
	return table, nil
}
