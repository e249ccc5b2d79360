package model

import (
	"fmt"

	"github.com/curioloop/optimizer/numdiff"
	"gonum.org/v1/gonum/mat"
)

// Phi is the outer function of a convex-over-nonlinear constraint
// lphi <= phi(r) <= uphi, where r is a linear combination of the stage
// variables.
type Phi interface {
	Name() string
	// Dims returns the length of r and of phi(r).
	Dims() (nr, nphi int)
	Eval(out, r []float64)
}

// PhiJacobian writes dphi/dr (nphi x nr).
type PhiJacobian interface {
	Jacobian(jac *mat.Dense, r []float64)
}

// PhiHessian writes sum_i lam_i * d2phi_i/dr2 (nr x nr).
type PhiHessian interface {
	WeightedHessian(hess *mat.Dense, r, lam []float64)
}

// Quadratic is phi(r) = sum_i w_i r_i^2, an axis-aligned ellipse for
// positive weights.
type Quadratic struct {
	Weights []float64
}

func NewSumSquares(nr int) *Quadratic {
	w := make([]float64, nr)
	for i := range w {
		w[i] = 1
	}
	return &Quadratic{Weights: w}
}

func (q *Quadratic) Name() string          { return "sum_squares" }
func (q *Quadratic) Dims() (nr, nphi int) { return len(q.Weights), 1 }

func (q *Quadratic) Eval(out, r []float64) {
	s := 0.0
	for i, w := range q.Weights {
		s += w * r[i] * r[i]
	}
	out[0] = s
}

func (q *Quadratic) Jacobian(jac *mat.Dense, r []float64) {
	for i, w := range q.Weights {
		jac.Set(0, i, 2*w*r[i])
	}
}

func (q *Quadratic) WeightedHessian(hess *mat.Dense, r, lam []float64) {
	hess.Zero()
	for i, w := range q.Weights {
		hess.Set(i, i, 2*w*lam[0])
	}
}

// PhiEvaluator evaluates a Phi with derivatives, falling back to finite
// differences for what the function does not provide.
type PhiEvaluator struct {
	phi  Phi
	nr   int
	nphi int

	jacSpec  numdiff.ApproxSpec
	hessSpec numdiff.ApproxSpec
	buf      []float64
	grad     []float64
	lam      []float64
	jacTmp   *mat.Dense
}

func NewPhiEvaluator(phi Phi) *PhiEvaluator {
	nr, nphi := phi.Dims()
	e := &PhiEvaluator{
		phi:    phi,
		nr:     nr,
		nphi:   nphi,
		buf:    make([]float64, nr*max(nr, nphi)),
		grad:   make([]float64, nr),
		jacTmp: mat.NewDense(max(nphi, 1), max(nr, 1), nil),
	}
	e.jacSpec = numdiff.ApproxSpec{
		N:      nr,
		M:      nphi,
		Method: numdiff.Central,
		Object: func(r, out []float64) { phi.Eval(out, r) },
	}
	// gradient of lam^T phi, differentiated once more for the Hessian
	e.hessSpec = numdiff.ApproxSpec{
		N:       nr,
		M:       nr,
		Method:  numdiff.Central,
		AbsStep: 1e-4,
		Object: func(r, g []float64) {
			e.jacobianInto(e.jacTmp, r)
			for j := range g {
				g[j] = 0
				for i := 0; i < e.nphi; i++ {
					g[j] += e.lam[i] * e.jacTmp.At(i, j)
				}
			}
		},
	}
	return e
}

func (e *PhiEvaluator) Phi() Phi { return e.phi }

func (e *PhiEvaluator) Eval(out, r []float64) { e.phi.Eval(out, r) }

// Jacobian writes dphi/dr into jac (nphi x nr).
func (e *PhiEvaluator) Jacobian(jac *mat.Dense, r []float64) error {
	return e.jacobianInto(jac, r)
}

func (e *PhiEvaluator) jacobianInto(jac *mat.Dense, r []float64) error {
	if pj, ok := e.phi.(PhiJacobian); ok {
		pj.Jacobian(jac, r)
		return nil
	}
	rc := append([]float64(nil), r...)
	buf := e.buf[:e.nr*e.nphi]
	if err := e.jacSpec.Diff(rc, buf); err != nil {
		return fmt.Errorf("phi %s: %w", e.phi.Name(), err)
	}
	jac.Copy(mat.NewDense(e.nphi, e.nr, buf))
	return nil
}

// WeightedHessian writes sum_i lam_i * d2phi_i/dr2 into hess (nr x nr).
func (e *PhiEvaluator) WeightedHessian(hess *mat.Dense, r, lam []float64) error {
	if ph, ok := e.phi.(PhiHessian); ok {
		ph.WeightedHessian(hess, r, lam)
		return nil
	}
	e.lam = lam
	rc := append([]float64(nil), r...)
	buf := make([]float64, e.nr*e.nr)
	if err := e.hessSpec.Diff(rc, buf); err != nil {
		return fmt.Errorf("phi %s: %w", e.phi.Name(), err)
	}
	h := mat.NewDense(e.nr, e.nr, buf)
	// symmetrize
	for i := 0; i < e.nr; i++ {
		for j := 0; j < e.nr; j++ {
			hess.Set(i, j, 0.5*(h.At(i, j)+h.At(j, i)))
		}
	}
	return nil
}
