package inference

import (
	"math/rand"
	"testing"

	"mipool/domain/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func fitWith(imp int, estimates []float64, withins []float64, df float64) *FitResult {
	n := len(estimates)
	cov := mat.NewSymDense(n, nil)
	for i, w := range withins {
		cov.SetSym(i, i, w)
	}
	names := make([]string, n)
	names[0] = "(Intercept)"
	for i := 1; i < n; i++ {
		names[i] = string(rune('a' + i - 1))
	}
	return &FitResult{
		Imputation: imp,
		Names:      names,
		Estimates:  estimates,
		Cov:        cov,
		ResidualDF: df,
		SampleSize: int(df) + n,
	}
}

func TestCombine_IdenticalEstimates(t *testing.T) {
	// All imputations agree: between variance is zero, total collapses to
	// the within variance and df falls back to the complete-data value.
	s, err := Combine([]float64{2.5, 2.5, 2.5}, []float64{0.2, 0.2, 0.2}, 100, 0.95)
	require.NoError(t, err)
	assert.Equal(t, 2.5, s.Estimate)
	assert.Equal(t, 0.0, s.Between)
	assert.InDelta(t, 0.2, s.Total, 1e-12)
	assert.Equal(t, 100.0, s.DF)
	assert.False(t, s.DF != s.DF, "df must not be NaN")
}

func TestCombine_RubinArithmetic(t *testing.T) {
	s, err := Combine([]float64{1.0, 2.0, 3.0}, []float64{0.1, 0.1, 0.1}, 197, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, s.Estimate, 1e-12)
	assert.InDelta(t, 1.0, s.Between, 1e-12)
	assert.InDelta(t, 0.1+1.0+1.0/3.0, s.Total, 1e-12)
	assert.Greater(t, s.P, 0.0)
	assert.Less(t, s.P, 1.0)
	assert.Less(t, s.Lower, s.Estimate)
	assert.Greater(t, s.Upper, s.Estimate)
}

func TestCombine_TooFewEstimates(t *testing.T) {
	_, err := Combine([]float64{1.0}, []float64{0.1}, 100, 0.95)
	require.ErrorIs(t, err, core.ErrTooFewFits)

	_, err = Combine([]float64{1.0, 1.2}, []float64{0.1, 0.1}, 100, 0.95)
	require.NoError(t, err)
}

func TestPool_OrderInvariance(t *testing.T) {
	fits := []*FitResult{
		fitWith(0, []float64{1.0, 0.4}, []float64{0.05, 0.01}, 150),
		fitWith(1, []float64{1.2, 0.5}, []float64{0.06, 0.012}, 150),
		fitWith(2, []float64{0.9, 0.45}, []float64{0.055, 0.011}, 150),
		fitWith(3, []float64{1.1, 0.48}, []float64{0.052, 0.009}, 150),
	}
	want, err := Pool("m", fits, 0.95)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]*FitResult(nil), fits...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		before := make([]int, len(shuffled))
		for i, f := range shuffled {
			before[i] = f.Imputation
		}
		got, err := Pool("m", shuffled, 0.95)
		require.NoError(t, err)
		assert.Equal(t, want.Coefficients, got.Coefficients)
		for i, f := range shuffled {
			assert.Equal(t, before[i], f.Imputation, "caller's slice must not be reordered")
		}
	}
}

func TestPool_RequiresTwoFits(t *testing.T) {
	one := []*FitResult{fitWith(0, []float64{1.0}, []float64{0.1}, 100)}
	_, err := Pool("m", one, 0.95)
	require.ErrorIs(t, err, core.ErrTooFewFits)

	two := append(one, fitWith(1, []float64{1.5}, []float64{0.1}, 100))
	table, err := Pool("m", two, 0.95)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Imputations)
	assert.InDelta(t, 1.25, table.Coefficients[0].Estimate, 1e-12)
}

func TestPool_MismatchedCoefficients(t *testing.T) {
	a := fitWith(0, []float64{1.0, 2.0}, []float64{0.1, 0.1}, 100)
	b := fitWith(1, []float64{1.0}, []float64{0.1}, 100)
	_, err := Pool("m", []*FitResult{a, b}, 0.95)
	assert.Error(t, err)
}

func TestAdjustedDF_NeverDegenerate(t *testing.T) {
	// Zero between-imputation variance must fall back to the complete-data
	// df, never NaN; near-zero spreads must stay finite and positive.
	for _, within := range []float64{0.1, 1e-300, 0} {
		s, err := Combine([]float64{1, 1, 1}, []float64{within, within, within}, 50, 0.95)
		require.NoError(t, err)
		assert.Equal(t, 50.0, s.DF, "within=%g", within)
	}

	s, err := Combine([]float64{1, 1 + 1e-12, 1}, []float64{0.1, 0.1, 0.1}, 50, 0.95)
	require.NoError(t, err)
	assert.False(t, s.DF != s.DF, "df must not be NaN")
	assert.Greater(t, s.DF, 0.0)
}
