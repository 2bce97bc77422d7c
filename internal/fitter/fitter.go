package fitter

import (
	"context"
	"fmt"

	"mipool/domain/core"
	"mipool/domain/dataset"
	"mipool/domain/inference"
	"mipool/domain/model"
	"mipool/internal"
)

// Fitter estimates one model specification against members of an Imputation
// Set. The encoding (design-column expansion, categorical level sets) is
// computed once from the whole Set, so every per-imputation fit produces
// coefficients with identical meaning. FitOne is a pure function of the
// dataset and the shared encoding; concurrent calls are safe.
type Fitter struct {
	spec   model.Spec
	enc    *Encoding
	logger *internal.Logger
}

// New validates the Set and the specification and prepares the shared
// encoding. All fatal input-validation errors (unknown columns, mismatched
// schemas, grouping columns with fewer than 2 levels) surface here, before
// any optimization runs.
func New(set dataset.Set, spec model.Spec, logger *internal.Logger) (*Fitter, error) {
	if logger == nil {
		logger = internal.NewDefaultLogger()
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	enc, err := NewEncoding(set, spec)
	if err != nil {
		return nil, err
	}
	return &Fitter{spec: spec, enc: enc, logger: logger}, nil
}

// Encoding exposes the shared fitting plan, used by the marginal prediction
// engine to build design rows for grid points.
func (f *Fitter) Encoding() *Encoding { return f.enc }

// Spec returns the specification being fit.
func (f *Fitter) Spec() model.Spec { return f.spec }

// FitOne fits the model to one Set member. Optimizer non-convergence comes
// back as a recoverable error wrapping core.ErrNonConvergence; the caller
// decides whether the run as a whole can still pool.
func (f *Fitter) FitOne(ctx context.Context, d *dataset.Dataset, imputation int) (*inference.FitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := f.enc.Matrices(d)
	if err != nil {
		return nil, fmt.Errorf("imputation %d: %w", imputation, err)
	}
	f.logger.Debug("imputation %d: %d complete cases", imputation, m.N)

	var fit *lmmFit
	switch f.spec.Family {
	case model.Gaussian:
		fit, err = solveLMM(m, nil)
	case model.Binomial:
		if err = checkBinary(m.Y, string(f.spec.Outcome)); err != nil {
			return nil, err
		}
		if m.Z == nil {
			fit, err = solveIRLS(m)
		} else {
			fit, err = solvePQL(m)
		}
	default:
		return nil, fmt.Errorf("%w: family %q", core.ErrInvalidSpec, f.spec.Family)
	}
	if err != nil {
		return nil, fmt.Errorf("imputation %d: %w", imputation, err)
	}

	_, p := m.X.Dims()
	result := &inference.FitResult{
		Imputation:       imputation,
		Names:            f.enc.FixedNames(),
		Estimates:        fit.beta,
		Cov:              fit.cov,
		ResidualDF:       float64(m.N - p),
		SampleSize:       m.N,
		ResidualVariance: fit.sigma2,
	}
	if len(fit.lambda) > 0 {
		result.VarianceComponents = make(map[string]float64, len(m.VarGroups))
		for gi, g := range m.VarGroups {
			result.VarianceComponents[g.Name] = fit.lambda[gi] * fit.sigma2
		}
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("imputation %d: %w", imputation, err)
	}
	return result, nil
}
