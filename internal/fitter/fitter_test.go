package fitter

import (
	"context"
	"testing"

	"mipool/domain/core"
	"mipool/domain/dataset"
	"mipool/domain/model"
	"mipool/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exactLinearSet(n int) dataset.Set {
	d := dataset.New(n)
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(i) / float64(n)
		y[i] = 2 + 3*x[i]
	}
	_ = d.AddNumeric("pride", y)
	_ = d.AddNumeric("gini", x)
	return dataset.Set{d}
}

func TestFitOne_ExactOLSRecovery(t *testing.T) {
	set := exactLinearSet(50)
	spec := model.NewSpec("ols", "pride", model.Gaussian).AddTerms(model.T("gini")).Build()

	f, err := New(set, spec, nil)
	require.NoError(t, err)
	res, err := f.FitOne(context.Background(), set[0], 0)
	require.NoError(t, err)

	require.Equal(t, []string{"(Intercept)", "gini"}, res.Names)
	assert.InDelta(t, 2.0, res.Estimates[0], 1e-8)
	assert.InDelta(t, 3.0, res.Estimates[1], 1e-8)
	assert.Equal(t, 50, res.SampleSize)
	assert.Equal(t, 48.0, res.ResidualDF)
}

func TestFitOne_RandomInterceptRecovery(t *testing.T) {
	cfg := testkit.DefaultMultilevel()
	set := testkit.GenerateMultilevel(cfg)
	spec := model.NewSpec("ri", testkit.ColOutcome, model.Gaussian).
		AddTerms(model.T(testkit.ColImputed)).
		AddRandomIntercept(testkit.ColGroup).
		Build()

	f, err := New(set, spec, nil)
	require.NoError(t, err)
	res, err := f.FitOne(context.Background(), set[0], 0)
	require.NoError(t, err)

	assert.InDelta(t, cfg.Slope, res.Estimates[1], 0.15)
	assert.Greater(t, res.ResidualVariance, 0.0)
	require.Contains(t, res.VarianceComponents, "country:(Intercept)")
	assert.GreaterOrEqual(t, res.VarianceComponents["country:(Intercept)"], 0.0)
}

func TestNew_RejectsSingleLevelGrouping(t *testing.T) {
	cfg := testkit.DefaultMultilevel()
	cfg.Groups = 1
	set := testkit.GenerateMultilevel(cfg)
	spec := model.NewSpec("ri", testkit.ColOutcome, model.Gaussian).
		AddTerms(model.T(testkit.ColImputed)).
		AddRandomIntercept(testkit.ColGroup).
		Build()

	_, err := New(set, spec, nil)
	require.ErrorIs(t, err, core.ErrFewGroupLevels)
}

func TestNew_RejectsMismatchedSchemasBeforeFitting(t *testing.T) {
	set := testkit.GenerateMultilevel(testkit.DefaultMultilevel())
	broken := dataset.New(set[0].Rows())
	c, _ := set[0].Column(testkit.ColOutcome)
	require.NoError(t, broken.AddNumeric(testkit.ColOutcome, c.Floats))
	// The imputed predictor column is absent from this member.
	set = append(dataset.Set{}, set[0], broken)

	spec := model.NewSpec("m", testkit.ColOutcome, model.Gaussian).
		AddTerms(model.T(testkit.ColImputed)).
		Build()
	_, err := New(set, spec, nil)
	require.ErrorIs(t, err, core.ErrSchemaMismatch)
}

func TestNew_RejectsUnknownColumn(t *testing.T) {
	set := exactLinearSet(10)
	spec := model.NewSpec("m", "pride", model.Gaussian).AddTerms(model.T("inequality")).Build()
	_, err := New(set, spec, nil)
	require.ErrorIs(t, err, core.ErrUnknownColumn)
}

func categoricalSet(n int) dataset.Set {
	d := dataset.New(n)
	x := make([]float64, n)
	y := make([]float64, n)
	edu := make([]string, n)
	levels := []string{"mid", "high", "low"}
	for i := 0; i < n; i++ {
		x[i] = float64(i%7) - 3
		edu[i] = levels[i%3]
		y[i] = 1 + 0.5*x[i]
		switch edu[i] {
		case "low":
			y[i] -= 0.8
		case "mid":
			y[i] += 0.3
		}
	}
	_ = d.AddNumeric("pride", y)
	_ = d.AddNumeric("gini", x)
	_ = d.AddCategorical("education", edu)
	return dataset.Set{d}
}

func TestEncoding_TreatmentCodingAndInteractions(t *testing.T) {
	set := categoricalSet(60)
	spec := model.NewSpec("m", "pride", model.Gaussian).
		AddTerms(model.T("gini"), model.T("education"), model.T("gini", "education")).
		Build()

	f, err := New(set, spec, nil)
	require.NoError(t, err)

	// Levels sort to [high low mid]; "high" is the reference.
	want := []string{
		"(Intercept)", "gini",
		"education=low", "education=mid",
		"gini:education=low", "gini:education=mid",
	}
	assert.Equal(t, want, f.Encoding().FixedNames())

	res, err := f.FitOne(context.Background(), set[0], 0)
	require.NoError(t, err)
	// The data were generated additively, so the interaction terms vanish.
	assert.InDelta(t, 0.5, res.Estimates[1], 1e-6)
	assert.InDelta(t, -0.8, res.Estimates[2], 1e-6)
	assert.InDelta(t, 0.3, res.Estimates[3], 1e-6)
	assert.InDelta(t, 0.0, res.Estimates[4], 1e-6)
	assert.InDelta(t, 0.0, res.Estimates[5], 1e-6)
}

func TestEncoding_RowFor(t *testing.T) {
	set := categoricalSet(30)
	spec := model.NewSpec("m", "pride", model.Gaussian).
		AddTerms(model.T("gini"), model.T("education"), model.T("gini", "education")).
		Build()
	f, err := New(set, spec, nil)
	require.NoError(t, err)

	row, err := f.Encoding().RowFor(map[core.Column]Value{
		"gini":      Num(2.0),
		"education": Lab("mid"),
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 0, 1, 0, 2}, row)

	_, err = f.Encoding().RowFor(map[core.Column]Value{"gini": Num(2.0)})
	require.ErrorIs(t, err, core.ErrUnknownColumn)

	_, err = f.Encoding().RowFor(map[core.Column]Value{
		"gini":      Num(2.0),
		"education": Lab("doctorate"),
	})
	require.Error(t, err)
}

func TestFitOne_LogisticRecovery(t *testing.T) {
	cfg := testkit.DefaultMultilevel()
	cfg.Rows = 500
	set := testkit.GenerateBinary(cfg)
	spec := model.NewSpec("logit", testkit.ColBinary, model.Binomial).
		AddTerms(model.T(testkit.ColImputed)).
		Build()

	f, err := New(set, spec, nil)
	require.NoError(t, err)
	res, err := f.FitOne(context.Background(), set[0], 0)
	require.NoError(t, err)

	assert.InDelta(t, cfg.Slope, res.Estimates[1], 0.6)
	assert.Greater(t, res.Within(1), 0.0)
}

func TestFitOne_RejectsNonBinaryOutcomeForBinomial(t *testing.T) {
	set := exactLinearSet(20)
	spec := model.NewSpec("m", "pride", model.Binomial).AddTerms(model.T("gini")).Build()
	f, err := New(set, spec, nil)
	require.NoError(t, err)
	_, err = f.FitOne(context.Background(), set[0], 0)
	require.ErrorIs(t, err, core.ErrInvalidSpec)
}

func TestFitOne_AllMissingColumnFails(t *testing.T) {
	set := testkit.GenerateMultilevel(testkit.DefaultMultilevel())
	set = testkit.WithMissing(set, 0, testkit.ColImputed)
	spec := model.NewSpec("m", testkit.ColOutcome, model.Gaussian).
		AddTerms(model.T(testkit.ColImputed)).
		Build()

	f, err := New(set, spec, nil)
	require.NoError(t, err)
	_, err = f.FitOne(context.Background(), set[0], 0)
	require.ErrorIs(t, err, core.ErrNoCompleteCases)
}

func TestFitOne_ContextCancellation(t *testing.T) {
	set := exactLinearSet(20)
	spec := model.NewSpec("m", "pride", model.Gaussian).AddTerms(model.T("gini")).Build()
	f, err := New(set, spec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.FitOne(ctx, set[0], 0)
	require.ErrorIs(t, err, context.Canceled)
}
