package margins

import (
	"bytes"
	"context"
	"log"
	"os"
	"testing"

	"mipool/domain/core"
	"mipool/domain/dataset"
	"mipool/domain/inference"
	"mipool/domain/model"
	"mipool/internal"
	"mipool/internal/fitter"
	"mipool/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid_Points(t *testing.T) {
	g := Grid{Axes: []Axis{
		NumAxis("gini", 25, 30, 35),
		LabAxis("education", "low", "high"),
	}}
	pts := g.Points()
	require.Len(t, pts, 6)
	for _, pt := range pts {
		require.Len(t, pt, 2)
		assert.Equal(t, core.Column("gini"), pt[0].Column)
		assert.Equal(t, core.Column("education"), pt[1].Column)
	}
	// The first axis varies slowest.
	assert.Equal(t, 25.0, pts[0][0].Value.Number)
	assert.Equal(t, "low", pts[0][1].Value.Label)
	assert.Equal(t, "high", pts[1][1].Value.Label)
	assert.Equal(t, 30.0, pts[2][0].Value.Number)

	assert.True(t, g.Covers("gini"))
	assert.False(t, g.Covers("gdp"))
}

func TestGrid_EmptyHasNoPoints(t *testing.T) {
	assert.Empty(t, Grid{}.Points())
}

func TestReferences_WithOverrides(t *testing.T) {
	refs := References{}.
		With("gini", fitter.Num(30)).
		With("education", fitter.Lab("low")).
		With("gini", fitter.Num(40))
	require.Len(t, refs, 2)
	assert.Equal(t, 40.0, refs[0].Value.Number)
}

func referenceSet() (dataset.Set, model.Spec) {
	d := dataset.New(6)
	_ = d.AddNumeric("pride", []float64{1, 2, 3, 4, 5, 6})
	_ = d.AddNumeric("gini", []float64{10, 20, 30, 10, 20, 30})
	_ = d.AddCategorical("education", []string{"low", "low", "mid", "mid", "mid", "high"})
	spec := model.NewSpec("m", "pride", model.Gaussian).
		AddTerms(model.T("gini"), model.T("education")).
		Build()
	return dataset.Set{d}, spec
}

func TestAutoReferences_MeansAndModes(t *testing.T) {
	set, spec := referenceSet()

	refs, err := AutoReferences(set, spec, Grid{Axes: []Axis{NumAxis("gini", 10, 30)}})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, core.Column("education"), refs[0].Column)
	assert.Equal(t, "mid", refs[0].Value.Label)

	refs, err = AutoReferences(set, spec, Grid{Axes: []Axis{LabAxis("education", "low", "high")}})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, core.Column("gini"), refs[0].Column)
	assert.False(t, refs[0].Value.IsLabel)
	assert.InDelta(t, 20.0, refs[0].Value.Number, 1e-12)
}

func TestPooled_BinomialBackTransform(t *testing.T) {
	cfg := testkit.DefaultMultilevel()
	cfg.Rows = 400
	set := testkit.GenerateBinary(cfg)
	spec := model.NewSpec("logit", testkit.ColBinary, model.Binomial).
		AddTerms(model.T(testkit.ColImputed)).
		Build()

	f, err := fitter.New(set, spec, nil)
	require.NoError(t, err)
	fits := make([]*inference.FitResult, len(set))
	for i, d := range set {
		fits[i], err = f.FitOne(context.Background(), d, i)
		require.NoError(t, err)
	}

	grid := Grid{Axes: []Axis{NumAxis(testkit.ColImputed, -2, -1, 0, 1, 2)}}
	preds, err := NewEngine(f, nil).Pooled(fits, grid, nil, 0.95)
	require.NoError(t, err)
	require.Len(t, preds.Rows, 5)

	prev := -1.0
	for _, row := range preds.Rows {
		// Probabilities, properly ordered: the fitted slope is positive.
		assert.Greater(t, row.Estimate, 0.0)
		assert.Less(t, row.Estimate, 1.0)
		assert.Greater(t, row.Estimate, prev)
		assert.Less(t, row.Lower, row.Estimate)
		assert.Greater(t, row.Upper, row.Estimate)
		assert.GreaterOrEqual(t, row.Lower, 0.0)
		assert.LessOrEqual(t, row.Upper, 1.0)
		prev = row.Estimate
	}
}

func TestPooled_RequiresTwoFits(t *testing.T) {
	set, spec := referenceSet()
	f, err := fitter.New(set, spec, nil)
	require.NoError(t, err)
	fit, err := f.FitOne(context.Background(), set[0], 0)
	require.NoError(t, err)

	_, err = NewEngine(f, nil).Pooled([]*inference.FitResult{fit}, Grid{Axes: []Axis{NumAxis("gini", 10)}}, nil, 0.95)
	require.ErrorIs(t, err, core.ErrTooFewFits)
}

func TestPooled_RejectsEmptyGrid(t *testing.T) {
	set := testkit.GenerateMultilevel(testkit.DefaultMultilevel())
	spec := model.NewSpec("m", testkit.ColOutcome, model.Gaussian).
		AddTerms(model.T(testkit.ColImputed)).
		Build()
	f, err := fitter.New(set, spec, nil)
	require.NoError(t, err)
	fits := make([]*inference.FitResult, len(set))
	for i, d := range set {
		fits[i], err = f.FitOne(context.Background(), d, i)
		require.NoError(t, err)
	}

	_, err = NewEngine(f, nil).Pooled(fits, Grid{}, nil, 0.95)
	require.Error(t, err)
}

func TestPooled_DebugLogsGridPoints(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	set, spec := referenceSet()
	f, err := fitter.New(set, spec, internal.NewLogger(internal.LogLevelError))
	require.NoError(t, err)
	fits := make([]*inference.FitResult, 2)
	for i := range fits {
		fits[i], err = f.FitOne(context.Background(), set[0], i)
		require.NoError(t, err)
	}

	grid := Grid{Axes: []Axis{NumAxis("gini", 10, 30), LabAxis("education", "low")}}
	refs := References{}.With("education", fitter.Lab("mid"))
	_, err = NewEngine(f, internal.NewLogger(internal.LogLevelDebug)).Pooled(fits, grid, refs, 0.95)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "pooling 2 grid points")
	assert.Contains(t, out, "gini=10 education=low")
	assert.Contains(t, out, "gini=30 education=low")
}
