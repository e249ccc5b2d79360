package integrators

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

// RK4 is the classic explicit Runge-Kutta method. Forward sensitivities
// come from integrating the variational equations alongside the state.
type RK4 struct {
	m    model.Explicit
	d    dynamo.Dims
	opts Options
	ev   *model.Evaluator

	k1, k2, k3, k4 dynamo.State
	scratch        dynamo.State
	xdot           []float64

	jac            *mat.Dense
	fx, fu         *mat.Dense
	K1, K2, K3, K4 *mat.Dense
	Ss             *mat.Dense
	sens           *mat.Dense

	hess   *hessianFD
	hessIn Input
	hessO  *Output
}

func NewRK4(m model.Explicit, opts Options) *RK4 {
	d := m.Dims()
	nxu := d.NX + d.NU
	r := &RK4{
		m:    m,
		d:    d,
		opts: opts,
		ev:   model.NewEvaluator(m),
		jac:  mat.NewDense(d.NX, d.NW(), nil),
		fx:   mat.NewDense(d.NX, d.NX, nil),
		K1:   mat.NewDense(d.NX, nxu, nil),
		K2:   mat.NewDense(d.NX, nxu, nil),
		K3:   mat.NewDense(d.NX, nxu, nil),
		K4:   mat.NewDense(d.NX, nxu, nil),
		Ss:   mat.NewDense(d.NX, nxu, nil),
		sens: mat.NewDense(d.NX, nxu, nil),
		xdot: make([]float64, d.NX),
	}
	if d.NU > 0 {
		r.fu = mat.NewDense(d.NX, d.NU, nil)
	}
	r.ensureScratch(d.NX)
	if opts.SensHess {
		r.hess = newHessianFD(d, r.adjointAt)
		r.hessO = NewOutput(d)
	}
	return r
}

func (r *RK4) Options() Options  { return r.opts }
func (r *RK4) Dims() dynamo.Dims { return r.d }
func (r *RK4) Reset()            {}

func (r *RK4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make(dynamo.State, n)
		r.k2 = make(dynamo.State, n)
		r.k3 = make(dynamo.State, n)
		r.k4 = make(dynamo.State, n)
		r.scratch = make(dynamo.State, n)
	}
}

// Step advances x by dt without sensitivities.
func (r *RK4) Step(x dynamo.State, u dynamo.Control, p []float64, dt float64) dynamo.State {
	n := len(x)
	r.ensureScratch(n)

	r.m.Derive(r.k1, x, u, p)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k1[i]
	}
	r.m.Derive(r.k2, r.scratch, u, p)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k2[i]
	}
	r.m.Derive(r.k3, r.scratch, u, p)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*r.k3[i]
	}
	r.m.Derive(r.k4, r.scratch, u, p)

	result := make(dynamo.State, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}

	return result
}

func (r *RK4) Simulate(in *Input, out *Output) (dynamo.Status, error) {
	start := time.Now()
	ad0 := r.ev.ADTime
	if err := checkInput(r.d, in); err != nil {
		return dynamo.StatusSuccess, err
	}

	wantS := in.Sens.Forw || in.Sens.Adj
	r.integrate(in.X, in.U, in.P, in.T, wantS, out)

	if !dynamo.State(out.X).IsValid() {
		out.Status = dynamo.StatusNaNDetected
		return out.Status, nil
	}
	if in.Sens.Forw {
		out.SForw.Copy(r.sens)
	}
	if in.Sens.Adj {
		r.adjoint(in.SeedAdj, out.SAdj)
	}
	if in.Sens.Hess && r.hess != nil {
		r.hessIn = Input{P: in.P, T: in.T, SeedAdj: in.SeedAdj}
		if err := r.hess.compute(in.X, in.U, out.SHess); err != nil {
			return dynamo.StatusSuccess, err
		}
	}

	out.Status = dynamo.StatusSuccess
	out.NewtonResiduals = out.NewtonResiduals[:0]
	out.NewtonIters = 0
	out.ADTime = r.ev.ADTime - ad0
	out.TotTime = time.Since(start)
	return dynamo.StatusSuccess, nil
}

func (r *RK4) integrate(x0, u, p []float64, T float64, wantS bool, out *Output) {
	nx := r.d.NX
	h := T / float64(r.opts.NumSteps)
	x := dynamo.State(x0).Clone()
	if wantS {
		r.sens.Zero()
		for i := 0; i < nx; i++ {
			r.sens.Set(i, i, 1)
		}
	}
	for n := 0; n < r.opts.NumSteps; n++ {
		if !wantS {
			x = r.Step(x, u, p, h)
			continue
		}
		x = r.stepSens(x, u, p, h)
		if !x.IsValid() {
			break
		}
	}
	copy(out.X, x)
}

// stepSens is Step with the variational equations
// dS/dt = f_x S + [0 f_u] integrated by the same stages.
func (r *RK4) stepSens(x dynamo.State, u, p []float64, dt float64) dynamo.State {
	n := len(x)
	S := r.sens

	r.m.Derive(r.k1, x, u, p)
	r.variational(r.K1, x, u, p, S)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k1[i]
	}
	r.Ss.Scale(dt*0.5, r.K1)
	r.Ss.Add(r.Ss, S)
	r.m.Derive(r.k2, r.scratch, u, p)
	r.variational(r.K2, r.scratch, u, p, r.Ss)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k2[i]
	}
	r.Ss.Scale(dt*0.5, r.K2)
	r.Ss.Add(r.Ss, S)
	r.m.Derive(r.k3, r.scratch, u, p)
	r.variational(r.K3, r.scratch, u, p, r.Ss)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*r.k3[i]
	}
	r.Ss.Scale(dt, r.K3)
	r.Ss.Add(r.Ss, S)
	r.m.Derive(r.k4, r.scratch, u, p)
	r.variational(r.K4, r.scratch, u, p, r.Ss)

	result := make(dynamo.State, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}
	rows, cols := S.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			S.Set(i, j, S.At(i, j)+dt6*(r.K1.At(i, j)+2*r.K2.At(i, j)+2*r.K3.At(i, j)+r.K4.At(i, j)))
		}
	}
	return result
}

// variational writes f_x S + [0 f_u] into dst. The explicit derivatives are
// the negated state and control columns of the implicit Jacobian.
func (r *RK4) variational(dst *mat.Dense, x, u, p []float64, S *mat.Dense) {
	nx, nu := r.d.NX, r.d.NU
	if err := r.ev.Jacobian(r.jac, r.xdot, x, u, nil, p); err != nil {
		raw := dst.RawMatrix()
		for i := range raw.Data {
			raw.Data[i] = math.NaN()
		}
		return
	}
	for i := 0; i < nx; i++ {
		for j := 0; j < nx; j++ {
			r.fx.Set(i, j, -r.jac.At(i, nx+j))
		}
		for j := 0; j < nu; j++ {
			r.fu.Set(i, j, -r.jac.At(i, 2*nx+j))
		}
	}
	dst.Mul(r.fx, S)
	if nu > 0 {
		du := dst.Slice(0, nx, nx, nx+nu).(*mat.Dense)
		du.Add(du, r.fu)
	}
}

// adjoint is seed^T S over the whole interval.
func (r *RK4) adjoint(seed, dst []float64) {
	_, cols := r.sens.Dims()
	for j := 0; j < cols; j++ {
		acc := 0.0
		for i, s := range seed {
			acc += s * r.sens.At(i, j)
		}
		dst[j] = acc
	}
}

func (r *RK4) adjointAt(xu, g []float64) {
	nx := r.d.NX
	r.integrate(xu[:nx], xu[nx:], r.hessIn.P, r.hessIn.T, true, r.hessO)
	r.adjoint(r.hessIn.SeedAdj, g)
}
