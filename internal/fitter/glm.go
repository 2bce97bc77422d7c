package fitter

import (
	"fmt"
	"math"

	"mipool/domain/core"

	"gonum.org/v1/gonum/mat"
)

const (
	irlsMaxIter = 50
	irlsTol     = 1e-8
	pqlMaxIter  = 30
	pqlTol      = 1e-6
	// minWeight keeps the working weights away from zero at fitted
	// probabilities near 0 or 1.
	minWeight = 1e-6
)

func logistic(eta float64) float64 {
	return 1 / (1 + math.Exp(-eta))
}

// checkBinary verifies a binomial outcome is coded 0/1. Anything else is a
// fatal specification problem, not a per-imputation failure.
func checkBinary(y []float64, outcome string) error {
	for _, v := range y {
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: binomial outcome %q must be coded 0/1, got %g",
				core.ErrInvalidSpec, outcome, v)
		}
	}
	return nil
}

// solveIRLS fits a fixed-effects logistic regression by iteratively
// reweighted least squares.
func solveIRLS(m *Matrices) (*lmmFit, error) {
	n, p := m.X.Dims()
	if n <= p {
		return nil, fmt.Errorf("%w: %d rows for %d coefficients", core.ErrSingularFit, n, p)
	}
	beta := make([]float64, p)
	eta := make([]float64, n)
	w := make([]float64, n)
	z := make([]float64, n)

	for iter := 0; iter < irlsMaxIter; iter++ {
		for i := 0; i < n; i++ {
			mu := logistic(eta[i])
			wi := mu * (1 - mu)
			if wi < minWeight {
				wi = minWeight
			}
			w[i] = wi
			z[i] = eta[i] + (m.Y[i]-mu)/wi
		}

		xtwx := mat.NewSymDense(p, nil)
		xtwz := mat.NewVecDense(p, nil)
		for i := 0; i < n; i++ {
			for a := 0; a < p; a++ {
				xa := m.X.At(i, a)
				xtwz.SetVec(a, xtwz.AtVec(a)+w[i]*xa*z[i])
				for b := a; b < p; b++ {
					xtwx.SetSym(a, b, xtwx.At(a, b)+w[i]*xa*m.X.At(i, b))
				}
			}
		}

		var chol mat.Cholesky
		if !chol.Factorize(xtwx) {
			return nil, core.ErrSingularFit
		}
		next := mat.NewVecDense(p, nil)
		if err := chol.SolveVecTo(next, xtwz); err != nil {
			return nil, core.ErrSingularFit
		}

		delta := 0.0
		for a := 0; a < p; a++ {
			delta = math.Max(delta, math.Abs(next.AtVec(a)-beta[a]))
			beta[a] = next.AtVec(a)
		}
		for i := 0; i < n; i++ {
			eta[i] = 0
			for a := 0; a < p; a++ {
				eta[i] += m.X.At(i, a) * beta[a]
			}
		}

		if delta < irlsTol {
			inv := mat.NewSymDense(p, nil)
			if err := chol.InverseTo(inv); err != nil {
				return nil, core.ErrSingularFit
			}
			return &lmmFit{beta: beta, cov: inv, sigma2: 1}, nil
		}
	}
	return nil, core.NewConvergenceError("IRLS", irlsMaxIter)
}

// solvePQL fits a logistic mixed model by penalized quasi-likelihood:
// repeatedly fit a weighted linear mixed model to the working response until
// the fixed effects stabilize.
func solvePQL(m *Matrices) (*lmmFit, error) {
	n, p := m.X.Dims()
	_, q := m.Z.Dims()

	eta := make([]float64, n)
	for i := 0; i < n; i++ {
		// Shrunken starting values keep the first working response finite.
		mu := (m.Y[i] + 0.5) / 2
		eta[i] = math.Log(mu / (1 - mu))
	}

	w := make([]float64, n)
	work := make([]float64, n)
	var beta []float64
	var fit *lmmFit

	for iter := 0; iter < pqlMaxIter; iter++ {
		for i := 0; i < n; i++ {
			mu := logistic(eta[i])
			wi := mu * (1 - mu)
			if wi < minWeight {
				wi = minWeight
			}
			w[i] = wi
			work[i] = eta[i] + (m.Y[i]-mu)/wi
		}

		inner := &Matrices{X: m.X, Y: work, Z: m.Z, VarGroups: m.VarGroups, N: m.N}
		next, err := solveLMM(inner, w)
		if err != nil {
			return nil, err
		}

		delta := 0.0
		if beta != nil {
			for a := 0; a < p; a++ {
				delta = math.Max(delta, math.Abs(next.beta[a]-beta[a]))
			}
		} else {
			delta = math.Inf(1)
		}
		beta = next.beta
		fit = next

		for i := 0; i < n; i++ {
			eta[i] = 0
			for a := 0; a < p; a++ {
				eta[i] += m.X.At(i, a) * beta[a]
			}
			for c := 0; c < q; c++ {
				if v := m.Z.At(i, c); v != 0 {
					eta[i] += v * next.b[c]
				}
			}
		}

		if delta < pqlTol {
			return fit, nil
		}
	}
	return nil, core.NewConvergenceError("PQL", pqlMaxIter)
}
