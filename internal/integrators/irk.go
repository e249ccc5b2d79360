package integrators

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

// IRK is an implicit collocation integrator. The unknowns of one step are
// the stage values [k_1; z_1; ...; k_s; z_s], where k_i is the state
// derivative at node i.
type IRK struct {
	m    model.Model
	d    dynamo.Dims
	opts Options
	tab  *Tableau
	ev   *model.Evaluator

	ns, nv, nW int

	w      []float64
	firstW []float64
	warmW  []float64
	warm   bool

	x, xs []float64
	res   []float64
	dw    *mat.VecDense
	jacs  []*mat.Dense
	big   *mat.Dense
	steps []stepFactors
	rhs   *mat.Dense
	dW    mat.Dense
	nu    mat.VecDense

	alg    *algebraicSolver
	hess   *hessianFD
	hessIn Input
	hessO  *Output
	// worst outcome of the perturbed integrations behind S_hess
	hessStatus dynamo.Status
	hessErr    error
	laTime     time.Duration
}

// stepFactors keeps what the backward sweep needs from one step: the
// factorized Newton matrix and the residual derivatives w.r.t. the step's
// initial state and the control.
type stepFactors struct {
	lu     mat.LU
	fx, fu *mat.Dense
}

func NewIRK(m model.Model, opts Options) (*IRK, error) {
	d := m.Dims()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(d); err != nil {
		return nil, err
	}
	tab, err := NewTableau(opts.Collocation, opts.NumStages)
	if err != nil {
		return nil, &dynamo.ConfigError{Field: "num_stages", Reason: err.Error()}
	}

	nv := d.NX + d.NZ
	ns := opts.NumStages
	nW := ns * nv
	r := &IRK{
		m:      m,
		d:      d,
		opts:   opts,
		tab:    tab,
		ev:     model.NewEvaluator(m),
		ns:     ns,
		nv:     nv,
		nW:     nW,
		w:      make([]float64, nW),
		firstW: make([]float64, nW),
		warmW:  make([]float64, nW),
		x:      make([]float64, d.NX),
		xs:     make([]float64, d.NX),
		res:    make([]float64, nW),
		dw:     mat.NewVecDense(nW, nil),
		big:    mat.NewDense(nW, nW, nil),
		steps:  make([]stepFactors, opts.NumSteps),
		rhs:    mat.NewDense(nW, d.NX+d.NU, nil),
	}
	r.jacs = make([]*mat.Dense, ns)
	for i := range r.jacs {
		r.jacs[i] = mat.NewDense(nv, d.NW(), nil)
	}
	for n := range r.steps {
		r.steps[n].fx = mat.NewDense(nW, d.NX, nil)
		if d.NU > 0 {
			r.steps[n].fu = mat.NewDense(nW, d.NU, nil)
		}
	}
	if d.NZ > 0 {
		r.alg = newAlgebraicSolver(r.ev)
	}
	if opts.SensHess {
		r.hess = newHessianFD(d, r.adjointAt)
		r.hessO = NewOutput(d)
	}
	return r, nil
}

func (r *IRK) Options() Options             { return r.opts }
func (r *IRK) Dims() dynamo.Dims            { return r.d }
func (r *IRK) Tableau() *Tableau            { return r.tab }
func (r *IRK) Evaluator() *model.Evaluator { return r.ev }

func (r *IRK) Reset() { r.warm = false }

func (r *IRK) Simulate(in *Input, out *Output) (dynamo.Status, error) {
	start := time.Now()
	ad0 := r.ev.ADTime
	r.laTime = 0

	if err := checkInput(r.d, in); err != nil {
		return dynamo.StatusSuccess, err
	}
	r.initGuess(in.XDot, in.Z)

	status, err := r.integrate(in.X, in.U, in.P, in.T, in.Sens, in.SeedAdj, out)
	if err != nil {
		return status, err
	}
	copy(r.warmW, r.firstW)
	r.warm = true

	if r.alg != nil && (in.Sens.OutputZ || in.Sens.Algebraic) {
		var sAlg *mat.Dense
		if in.Sens.Algebraic {
			sAlg = out.SAlgebraic
		}
		la := time.Now()
		err := r.alg.solve(in.X, in.U, in.P, r.firstW[:r.d.NX], r.firstW[r.d.NX:r.nv], r.opts.NewtonIter, r.opts.NewtonTol, out.Z, sAlg)
		r.laTime += time.Since(la)
		if err != nil {
			return status, err
		}
	}

	if in.Sens.Hess && r.hess != nil {
		r.hessIn = Input{P: in.P, T: in.T, SeedAdj: in.SeedAdj, Sens: Sens{Adj: true}}
		r.hessStatus, r.hessErr = dynamo.StatusSuccess, nil
		if err := r.hess.compute(in.X, in.U, out.SHess); err != nil {
			return status, err
		}
		copy(r.w, r.warmW)
		if r.hessErr != nil {
			return status, fmt.Errorf("hessian sensitivity: %w", r.hessErr)
		}
		status = status.Worse(r.hessStatus)
	}
	out.Status = status
	out.ADTime = r.ev.ADTime - ad0
	out.LATime = r.laTime
	out.TotTime = time.Since(start)
	return status, nil
}

func (r *IRK) initGuess(xdot, z []float64) {
	if r.warm {
		copy(r.w, r.warmW)
	} else {
		for i := range r.w {
			r.w[i] = 0
		}
	}
	for i := 0; i < r.ns; i++ {
		blk := r.w[i*r.nv : (i+1)*r.nv]
		if xdot != nil {
			copy(blk[:r.d.NX], xdot)
		}
		if z != nil {
			copy(blk[r.d.NX:], z)
		}
	}
}

// integrate runs all steps from x0. Stage values in r.w serve as the
// initial guess of the first step; later steps continue from the previous
// step's solution.
func (r *IRK) integrate(x0, u, p []float64, T float64, sens Sens, seed []float64, out *Output) (dynamo.Status, error) {
	nx, nu := r.d.NX, r.d.NU
	h := T / float64(r.opts.NumSteps)
	copy(r.x, x0)

	needFactors := sens.Forw || sens.Adj
	if sens.Forw {
		out.SForw.Zero()
		for i := 0; i < nx; i++ {
			out.SForw.Set(i, i, 1)
		}
	}

	status := dynamo.StatusSuccess
	out.NewtonResiduals = out.NewtonResiduals[:0]
	out.NewtonIters = 0
	for n := 0; n < r.opts.NumSteps; n++ {
		st, iters, hist, err := r.newton(r.x, u, p, h, &r.steps[n].lu)
		if err != nil {
			return status, err
		}
		out.NewtonResiduals = append(out.NewtonResiduals, hist)
		out.NewtonIters += iters
		status = status.Worse(st)
		if st == dynamo.StatusNaNDetected {
			copy(out.X, r.x)
			return status, nil
		}
		if n == 0 {
			copy(r.firstW, r.w)
		}

		if needFactors {
			r.residualDerivs(&r.steps[n])
		}
		if sens.Forw {
			r.forward(&r.steps[n], h, out.SForw)
		}

		for i := 0; i < r.ns; i++ {
			bi := h * r.tab.B[i]
			k := r.w[i*r.nv : i*r.nv+nx]
			for l := 0; l < nx; l++ {
				r.x[l] += bi * k[l]
			}
		}
	}
	copy(out.X, r.x)

	if sens.Adj {
		r.adjoint(h, seed, out.SAdj[:nx], out.SAdj[nx:nx+nu])
	}
	return status, nil
}

// newton solves the collocation equations of one step. The last assembled
// matrix is left factorized in lu for the sensitivity sweeps.
func (r *IRK) newton(x, u, p []float64, h float64, lu *mat.LU) (dynamo.Status, int, []float64, error) {
	tol := r.opts.NewtonTol
	hist := make([]float64, 0, r.opts.NewtonIter+1)
	for iter := 0; ; iter++ {
		if err := r.assemble(x, u, p, h); err != nil {
			return dynamo.StatusSuccess, iter, hist, err
		}
		nrm := normInf(r.res)
		hist = append(hist, nrm)
		if math.IsNaN(nrm) || math.IsInf(nrm, 0) {
			return dynamo.StatusNaNDetected, iter, hist, nil
		}

		la := time.Now()
		lu.Factorize(r.big)
		r.laTime += time.Since(la)

		if tol > 0 && nrm < tol {
			return dynamo.StatusSuccess, iter, hist, nil
		}
		if iter == r.opts.NewtonIter {
			if tol > 0 {
				return dynamo.StatusIntegratorNotConverged, iter, hist, nil
			}
			return dynamo.StatusSuccess, iter, hist, nil
		}

		la = time.Now()
		err := lu.SolveVecTo(r.dw, false, mat.NewVecDense(r.nW, r.res))
		r.laTime += time.Since(la)
		if fatalSolve(err) {
			return dynamo.StatusIntegratorNotConverged, iter, hist, nil
		}
		for i := range r.w {
			r.w[i] -= r.dw.AtVec(i)
		}
	}
}

// assemble evaluates the stacked residual and its Jacobian w.r.t. the
// stage values. Row block i, column block j is
// [delta_ij J_xdot + h a_ij J_x, delta_ij J_z].
func (r *IRK) assemble(x, u, p []float64, h float64) error {
	nx, nz := r.d.NX, r.d.NZ
	for i := 0; i < r.ns; i++ {
		for l := 0; l < nx; l++ {
			acc := x[l]
			for j := 0; j < r.ns; j++ {
				acc += h * r.tab.A.At(i, j) * r.w[j*r.nv+l]
			}
			r.xs[l] = acc
		}
		blk := r.w[i*r.nv : (i+1)*r.nv]
		k, z := blk[:nx], blk[nx:]
		r.ev.Residual(r.res[i*r.nv:(i+1)*r.nv], k, r.xs, u, z, p)
		if err := r.ev.Jacobian(r.jacs[i], k, r.xs, u, z, p); err != nil {
			return err
		}
	}

	r.big.Zero()
	xOff, zOff := nx, 2*nx+r.d.NU
	for i := 0; i < r.ns; i++ {
		jac := r.jacs[i]
		for j := 0; j < r.ns; j++ {
			haij := h * r.tab.A.At(i, j)
			for row := 0; row < r.nv; row++ {
				R := i*r.nv + row
				for l := 0; l < nx; l++ {
					v := haij * jac.At(row, xOff+l)
					if i == j {
						v += jac.At(row, l)
					}
					r.big.Set(R, j*r.nv+l, v)
				}
				if i == j {
					for l := 0; l < nz; l++ {
						r.big.Set(R, j*r.nv+nx+l, jac.At(row, zOff+l))
					}
				}
			}
		}
	}
	return nil
}

// residualDerivs copies dR/dx0 and dR/du from the stage Jacobians of the
// converged step.
func (r *IRK) residualDerivs(sf *stepFactors) {
	nx, nu := r.d.NX, r.d.NU
	for i := 0; i < r.ns; i++ {
		jac := r.jacs[i]
		for row := 0; row < r.nv; row++ {
			R := i*r.nv + row
			for l := 0; l < nx; l++ {
				sf.fx.Set(R, l, jac.At(row, nx+l))
			}
			for l := 0; l < nu; l++ {
				sf.fu.Set(R, l, jac.At(row, 2*nx+l))
			}
		}
	}
}

// forward propagates S = dx/d(x0, u) through one step:
// dW = -M^-1 (F_x S_x | F_x S_u + F_u), S += h sum_i b_i dK_i.
func (r *IRK) forward(sf *stepFactors, h float64, S *mat.Dense) {
	nx, nu := r.d.NX, r.d.NU
	r.rhs.Zero()
	sx := S.Slice(0, nx, 0, nx)
	r.rhs.Slice(0, r.nW, 0, nx).(*mat.Dense).Mul(sf.fx, sx)
	if nu > 0 {
		ru := r.rhs.Slice(0, r.nW, nx, nx+nu).(*mat.Dense)
		ru.Mul(sf.fx, S.Slice(0, nx, nx, nx+nu))
		ru.Add(ru, sf.fu)
	}

	la := time.Now()
	err := sf.lu.SolveTo(&r.dW, false, r.rhs)
	r.laTime += time.Since(la)
	if fatalSolve(err) {
		return
	}
	for i := 0; i < r.ns; i++ {
		bi := h * r.tab.B[i]
		for l := 0; l < nx; l++ {
			for c := 0; c < nx+nu; c++ {
				S.Set(l, c, S.At(l, c)-bi*r.dW.At(i*r.nv+l, c))
			}
		}
	}
}

// adjoint runs the backward sweep over the stored step factors.
func (r *IRK) adjoint(h float64, seed, lamX, lamU []float64) {
	nx := r.d.NX
	copy(lamX, seed)
	for i := range lamU {
		lamU[i] = 0
	}
	g := mat.NewVecDense(r.nW, nil)
	for n := r.opts.NumSteps - 1; n >= 0; n-- {
		sf := &r.steps[n]
		g.Zero()
		for i := 0; i < r.ns; i++ {
			bi := h * r.tab.B[i]
			for l := 0; l < nx; l++ {
				g.SetVec(i*r.nv+l, bi*lamX[l])
			}
		}
		la := time.Now()
		err := sf.lu.SolveVecTo(&r.nu, true, g)
		r.laTime += time.Since(la)
		if fatalSolve(err) {
			return
		}
		for l := 0; l < nx; l++ {
			lamX[l] -= mat.Dot(sf.fx.ColView(l), &r.nu)
		}
		for l := range lamU {
			lamU[l] -= mat.Dot(sf.fu.ColView(l), &r.nu)
		}
	}
}

// adjointAt evaluates the adjoint map (x, u) -> S_adj for the Hessian
// finite differences. It always starts from the warm start of the
// surrounding call.
func (r *IRK) adjointAt(xu, g []float64) {
	nx := r.d.NX
	copy(r.w, r.warmW)
	st, err := r.integrate(xu[:nx], xu[nx:], r.hessIn.P, r.hessIn.T, r.hessIn.Sens, r.hessIn.SeedAdj, r.hessO)
	r.hessStatus = r.hessStatus.Worse(st)
	if err != nil && r.hessErr == nil {
		r.hessErr = err
	}
	copy(g, r.hessO.SAdj)
}

// fatalSolve reports solver errors other than a poor condition number,
// for which gonum still returns a result.
func fatalSolve(err error) bool {
	var c mat.Condition
	return err != nil && !errors.As(err, &c)
}

func normInf(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > m || math.IsNaN(a) {
			m = a
		}
	}
	return m
}
