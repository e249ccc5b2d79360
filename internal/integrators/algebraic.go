package integrators

import (
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/model"
)

// algebraicSolver recovers the consistent algebraic state at the start of
// the interval from f(xdot0, x0, u, z0, p) = 0, and its sensitivity
// dz0/d(x0, u) by the implicit function theorem.
type algebraicSolver struct {
	ev      *model.Evaluator
	nx, nz  int
	nu      int
	q       []float64
	res     []float64
	jac     *mat.Dense
	a       *mat.Dense
	rhs     *mat.Dense
	lu      mat.LU
	dq      *mat.VecDense
	sol     mat.Dense
	minIter int
}

func newAlgebraicSolver(ev *model.Evaluator) *algebraicSolver {
	d := ev.Dims()
	nv := d.NX + d.NZ
	return &algebraicSolver{
		ev:      ev,
		nx:      d.NX,
		nz:      d.NZ,
		nu:      d.NU,
		q:       make([]float64, nv),
		res:     make([]float64, nv),
		jac:     mat.NewDense(nv, d.NW(), nil),
		a:       mat.NewDense(nv, nv, nil),
		rhs:     mat.NewDense(nv, d.NX+d.NU, nil),
		dq:      mat.NewVecDense(nv, nil),
		minIter: 5,
	}
}

// solve starts from the first collocation stage and writes z0 to zOut. If
// sens is non-nil it receives dz0/d(x0, u).
func (a *algebraicSolver) solve(x, u, p, xdotGuess, zGuess []float64, iters int, tol float64, zOut []float64, sens *mat.Dense) error {
	nx := a.nx
	copy(a.q[:nx], xdotGuess)
	copy(a.q[nx:], zGuess)
	if iters < a.minIter {
		iters = a.minIter
	}
	if tol <= 0 {
		tol = 1e-12
	}

	for iter := 0; ; iter++ {
		xdot, z := a.q[:nx], a.q[nx:]
		a.ev.Residual(a.res, xdot, x, u, z, p)
		if err := a.ev.Jacobian(a.jac, xdot, x, u, z, p); err != nil {
			return err
		}
		a.fillLHS()
		a.lu.Factorize(a.a)
		if normInf(a.res) < tol || iter == iters {
			break
		}
		if err := a.lu.SolveVecTo(a.dq, false, mat.NewVecDense(len(a.res), a.res)); fatalSolve(err) {
			break
		}
		for i := range a.q {
			a.q[i] -= a.dq.AtVec(i)
		}
	}
	copy(zOut, a.q[nx:])

	if sens == nil {
		return nil
	}
	nv := nx + a.nz
	for row := 0; row < nv; row++ {
		for c := 0; c < nx+a.nu; c++ {
			a.rhs.Set(row, c, a.jac.At(row, nx+c))
		}
	}
	if err := a.lu.SolveTo(&a.sol, false, a.rhs); fatalSolve(err) {
		return err
	}
	for i := 0; i < a.nz; i++ {
		for c := 0; c < nx+a.nu; c++ {
			sens.Set(i, c, -a.sol.At(nx+i, c))
		}
	}
	return nil
}

// fillLHS gathers [J_xdot J_z] from the full Jacobian.
func (a *algebraicSolver) fillLHS() {
	nx := a.nx
	nv := nx + a.nz
	zOff := 2*nx + a.nu
	for row := 0; row < nv; row++ {
		for c := 0; c < nx; c++ {
			a.a.Set(row, c, a.jac.At(row, c))
		}
		for c := 0; c < a.nz; c++ {
			a.a.Set(row, nx+c, a.jac.At(row, zOff+c))
		}
	}
}
