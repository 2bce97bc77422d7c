package fitter

import (
	"fmt"
	"math"

	"mipool/domain/core"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// minLambda keeps variance ratios strictly positive so the penalty matrix and
// the determinant identities stay well defined when a component collapses to
// zero.
const minLambda = 1e-10

// lmmProblem holds the sufficient statistics of a (possibly weighted) linear
// mixed model in variance-components form. Only crossproducts are kept, so
// evaluation cost does not depend on the row count.
type lmmProblem struct {
	XtX    *mat.SymDense
	XtZ    *mat.Dense
	ZtZ    *mat.SymDense
	Xty    *mat.VecDense
	Zty    *mat.VecDense
	yty    float64
	n, p   int
	q      int
	groups []VarGroup
}

// lmmFit is the solved model: fixed effects with covariance, random-effect
// modes, profiled REML residual variance and the variance ratios per random
// term.
type lmmFit struct {
	beta   []float64
	b      []float64
	cov    *mat.SymDense
	sigma2 float64
	lambda []float64
	dev    float64
}

// newLMMProblem computes the crossproducts, optionally under row weights
// (used by the penalized quasi-likelihood loop for binomial outcomes).
func newLMMProblem(m *Matrices, w []float64) *lmmProblem {
	n, p := m.X.Dims()
	X := m.X
	y := m.Y
	var Z *mat.Dense
	q := 0
	if m.Z != nil {
		_, q = m.Z.Dims()
		Z = m.Z
	}

	if w != nil {
		Xw := mat.NewDense(n, p, nil)
		yw := make([]float64, n)
		var Zw *mat.Dense
		if Z != nil {
			Zw = mat.NewDense(n, q, nil)
		}
		for i := 0; i < n; i++ {
			s := math.Sqrt(w[i])
			for j := 0; j < p; j++ {
				Xw.Set(i, j, s*X.At(i, j))
			}
			if Z != nil {
				for j := 0; j < q; j++ {
					Zw.Set(i, j, s*Z.At(i, j))
				}
			}
			yw[i] = s * y[i]
		}
		X, y, Z = Xw, yw, Zw
	}

	pb := &lmmProblem{n: n, p: p, q: q, groups: m.VarGroups}
	yVec := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	pb.XtX = denseToSym(&xtx)

	pb.Xty = mat.NewVecDense(p, nil)
	pb.Xty.MulVec(X.T(), yVec)
	pb.yty = mat.Dot(yVec, yVec)

	if Z != nil {
		pb.XtZ = mat.NewDense(p, q, nil)
		pb.XtZ.Mul(X.T(), Z)
		var ztz mat.Dense
		ztz.Mul(Z.T(), Z)
		pb.ZtZ = denseToSym(&ztz)
		pb.Zty = mat.NewVecDense(q, nil)
		pb.Zty.MulVec(Z.T(), yVec)
	}
	return pb
}

func denseToSym(d *mat.Dense) *mat.SymDense {
	n, _ := d.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}
	return s
}

// lmmState is one evaluation of the profiled REML criterion at a fixed set of
// variance ratios.
type lmmState struct {
	dev    float64
	beta   *mat.VecDense
	b      *mat.VecDense
	sigma2 float64
	cholD  mat.Cholesky
}

// eval solves Henderson's mixed-model equations at the given variance ratios
// and returns the profiled REML deviance. Uses the identities
//
//	|V| = |I_q + L^{1/2} Z'Z L^{1/2}|
//	|X'V^{-1}X| = |C| / |Z'Z + L^{-1}|
//
// where L = diag(lambda) and C is the mixed-model coefficient matrix, so no
// n x n matrix is ever formed.
func (pb *lmmProblem) eval(lambda []float64) (*lmmState, error) {
	lam := make([]float64, pb.q)
	for gi, g := range pb.groups {
		l := math.Max(lambda[gi], minLambda)
		for c := g.Start; c < g.End; c++ {
			lam[c] = l
		}
	}

	D := mat.NewSymDense(pb.q, nil)
	D.CopySym(pb.ZtZ)
	for c := 0; c < pb.q; c++ {
		D.SetSym(c, c, D.At(c, c)+1/lam[c])
	}

	dim := pb.p + pb.q
	C := mat.NewSymDense(dim, nil)
	for i := 0; i < pb.p; i++ {
		for j := i; j < pb.p; j++ {
			C.SetSym(i, j, pb.XtX.At(i, j))
		}
		for j := 0; j < pb.q; j++ {
			C.SetSym(i, pb.p+j, pb.XtZ.At(i, j))
		}
	}
	for i := 0; i < pb.q; i++ {
		for j := i; j < pb.q; j++ {
			C.SetSym(pb.p+i, pb.p+j, D.At(i, j))
		}
	}

	var cholC mat.Cholesky
	if !cholC.Factorize(C) {
		return nil, core.ErrSingularFit
	}
	st := &lmmState{}
	if !st.cholD.Factorize(D) {
		return nil, core.ErrSingularFit
	}

	rhs := mat.NewVecDense(dim, nil)
	for i := 0; i < pb.p; i++ {
		rhs.SetVec(i, pb.Xty.AtVec(i))
	}
	for i := 0; i < pb.q; i++ {
		rhs.SetVec(pb.p+i, pb.Zty.AtVec(i))
	}
	coef := mat.NewVecDense(dim, nil)
	if err := cholC.SolveVecTo(coef, rhs); err != nil {
		return nil, core.ErrSingularFit
	}

	st.beta = mat.NewVecDense(pb.p, nil)
	st.b = mat.NewVecDense(pb.q, nil)
	r2 := pb.yty
	for i := 0; i < pb.p; i++ {
		st.beta.SetVec(i, coef.AtVec(i))
		r2 -= coef.AtVec(i) * pb.Xty.AtVec(i)
	}
	for i := 0; i < pb.q; i++ {
		st.b.SetVec(i, coef.AtVec(pb.p+i))
		r2 -= coef.AtVec(pb.p+i) * pb.Zty.AtVec(i)
	}
	if r2 < 1e-12 {
		r2 = 1e-12
	}
	nu := float64(pb.n - pb.p)
	st.sigma2 = r2 / nu

	M := mat.NewSymDense(pb.q, nil)
	for i := 0; i < pb.q; i++ {
		for j := i; j < pb.q; j++ {
			v := math.Sqrt(lam[i]*lam[j]) * pb.ZtZ.At(i, j)
			if i == j {
				v++
			}
			M.SetSym(i, j, v)
		}
	}
	var cholM mat.Cholesky
	if !cholM.Factorize(M) {
		return nil, core.ErrSingularFit
	}

	logDetV := cholM.LogDet()
	logDetS := cholC.LogDet() - st.cholD.LogDet()
	st.dev = logDetV + logDetS + nu*(1+math.Log(2*math.Pi*st.sigma2))
	return st, nil
}

// covariance returns sigma2 * (X'V^{-1}X)^{-1} at the evaluated state.
func (pb *lmmProblem) covariance(st *lmmState) (*mat.SymDense, error) {
	if pb.q == 0 {
		return nil, fmt.Errorf("covariance: no random part")
	}
	var dinvZtX mat.Dense
	if err := st.cholD.SolveTo(&dinvZtX, pb.XtZ.T()); err != nil {
		return nil, core.ErrSingularFit
	}
	var prod mat.Dense
	prod.Mul(pb.XtZ, &dinvZtX)

	S := mat.NewSymDense(pb.p, nil)
	for i := 0; i < pb.p; i++ {
		for j := i; j < pb.p; j++ {
			S.SetSym(i, j, pb.XtX.At(i, j)-0.5*(prod.At(i, j)+prod.At(j, i)))
		}
	}
	var cholS mat.Cholesky
	if !cholS.Factorize(S) {
		return nil, core.ErrSingularFit
	}
	inv := mat.NewSymDense(pb.p, nil)
	if err := cholS.InverseTo(inv); err != nil {
		return nil, core.ErrSingularFit
	}
	cov := mat.NewSymDense(pb.p, nil)
	for i := 0; i < pb.p; i++ {
		for j := i; j < pb.p; j++ {
			cov.SetSym(i, j, st.sigma2*inv.At(i, j))
		}
	}
	return cov, nil
}

// solveOLS handles the degenerate no-random-effects case directly.
func (pb *lmmProblem) solveOLS() (*lmmFit, error) {
	var chol mat.Cholesky
	if !chol.Factorize(pb.XtX) {
		return nil, core.ErrSingularFit
	}
	beta := mat.NewVecDense(pb.p, nil)
	if err := chol.SolveVecTo(beta, pb.Xty); err != nil {
		return nil, core.ErrSingularFit
	}
	r2 := pb.yty
	for i := 0; i < pb.p; i++ {
		r2 -= beta.AtVec(i) * pb.Xty.AtVec(i)
	}
	if r2 < 0 {
		r2 = 0
	}
	sigma2 := r2 / float64(pb.n-pb.p)

	inv := mat.NewSymDense(pb.p, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, core.ErrSingularFit
	}
	cov := mat.NewSymDense(pb.p, nil)
	for i := 0; i < pb.p; i++ {
		for j := i; j < pb.p; j++ {
			cov.SetSym(i, j, sigma2*inv.At(i, j))
		}
	}
	return &lmmFit{beta: vecSlice(beta), cov: cov, sigma2: sigma2}, nil
}

// solveLMM fits the linear mixed model by minimizing the profiled REML
// deviance over log variance ratios with Nelder-Mead. Optimizer failure is a
// recoverable per-imputation failure, surfaced as ErrNonConvergence.
func solveLMM(m *Matrices, w []float64) (*lmmFit, error) {
	pb := newLMMProblem(m, w)
	if pb.n <= pb.p {
		return nil, fmt.Errorf("%w: %d rows for %d coefficients", core.ErrSingularFit, pb.n, pb.p)
	}
	if pb.q == 0 {
		return pb.solveOLS()
	}

	k := len(pb.groups)
	problem := optimize.Problem{
		Func: func(rho []float64) float64 {
			st, err := pb.eval(expAll(rho))
			if err != nil {
				return math.Inf(1)
			}
			return st.dev
		},
	}
	rho0 := make([]float64, k)
	result, err := optimize.Minimize(problem, rho0, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNonConvergence, err)
	}
	if math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		return nil, fmt.Errorf("%w: deviance non-finite at optimum", core.ErrNonConvergence)
	}

	lambda := expAll(result.X)
	st, err := pb.eval(lambda)
	if err != nil {
		return nil, err
	}
	cov, err := pb.covariance(st)
	if err != nil {
		return nil, err
	}
	return &lmmFit{
		beta:   vecSlice(st.beta),
		b:      vecSlice(st.b),
		cov:    cov,
		sigma2: st.sigma2,
		lambda: lambda,
		dev:    st.dev,
	}, nil
}

func expAll(rho []float64) []float64 {
	out := make([]float64, len(rho))
	for i, r := range rho {
		out[i] = math.Exp(r)
	}
	return out
}

func vecSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
