package integrators

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/model"
)

// GNSFIRK integrates the same collocation equations as [IRK] using a
// [gnsf.Descriptor]. The stage values depend affinely on the stacked
// nonlinearity values Phi,
//
//	V = VX x + VU u + Vc + KV Phi,   Y = YX x + YU u + Yc + KY Phi,
//
// so Newton only runs on G(Phi) = Phi - phi(Y(Phi)).
type GNSFIRK struct {
	d    dynamo.Dims
	opts Options
	tab  *Tableau
	desc *gnsf.Descriptor
	nl   *gnsf.Nonlinearity

	ns, nv, nW  int
	nphi, ny    int
	nPhiT, nYT  int
	h           float64
	precomputed bool

	// linear maps, rebuilt when the step size changes
	VX, VU, KV *mat.Dense
	Vc         *mat.VecDense
	YX, YU, KY *mat.Dense
	Yc         *mat.VecDense
	XX, XU     *mat.Dense // h Bk VX, h Bk VU
	xc         []float64  // h Bk Vc
	XPhi       *mat.Dense // h Bk KV
	PV, PX, PU *mat.Dense // Y = PV V + PX x + PU u

	phi, phiWarm []float64
	warm         bool
	steps        []gnsfStep

	x     []float64
	yaff  *mat.VecDense
	y     *mat.VecDense
	g     []float64
	dphi  *mat.VecDense
	pv    []float64
	djac  *mat.Dense
	jg    *mat.Dense
	stepS *mat.Dense

	alg    *algebraicSolver
	vStage []float64
	laTime time.Duration
}

// gnsfStep stores the converged Newton factors of one step for the
// sensitivity sweeps.
type gnsfStep struct {
	lu mat.LU
	D  *mat.Dense
}

func NewGNSFIRK(m model.Model, desc *gnsf.Descriptor, opts Options) (*GNSFIRK, error) {
	d := m.Dims()
	if err := opts.Validate(d); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Dims != d {
		return nil, &dynamo.ConfigError{Field: "gnsf.dims", Reason: "descriptor dimensions do not match the model"}
	}
	tab, err := NewTableau(opts.Collocation, opts.NumStages)
	if err != nil {
		return nil, &dynamo.ConfigError{Field: "num_stages", Reason: err.Error()}
	}

	ns := opts.NumStages
	g := &GNSFIRK{
		d:    d,
		opts: opts,
		tab:  tab,
		desc: desc,
		nl:   gnsf.NewNonlinearity(desc, m),
		ns:   ns,
		nv:   d.NX + d.NZ,
		nphi: desc.NPhi(),
		ny:   desc.NY(),
		x:    make([]float64, d.NX),
	}
	g.nW = ns * g.nv
	g.nPhiT = ns * g.nphi
	g.nYT = ns * g.ny
	g.phi = make([]float64, g.nPhiT)
	g.phiWarm = make([]float64, g.nPhiT)
	g.g = make([]float64, g.nPhiT)
	g.pv = make([]float64, g.nphi)
	g.vStage = make([]float64, g.nv)
	g.steps = make([]gnsfStep, opts.NumSteps)
	if g.nPhiT > 0 {
		g.dphi = mat.NewVecDense(g.nPhiT, nil)
		g.jg = mat.NewDense(g.nPhiT, g.nPhiT, nil)
		if g.ny > 0 {
			g.djac = mat.NewDense(g.nphi, g.ny, nil)
			for n := range g.steps {
				g.steps[n].D = mat.NewDense(g.nPhiT, g.nYT, nil)
			}
		}
	}
	if g.nYT > 0 {
		g.yaff = mat.NewVecDense(g.nYT, nil)
		g.y = mat.NewVecDense(g.nYT, nil)
	}
	g.stepS = mat.NewDense(d.NX, d.NX+d.NU, nil)
	if d.NZ > 0 {
		g.alg = newAlgebraicSolver(g.nl.Evaluator())
	}
	// Simulate rebuilds only when called with a different T.
	if err := g.precompute(opts.T / float64(opts.NumSteps)); err != nil {
		var ce *dynamo.ConfigError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &dynamo.ConfigError{Field: "gnsf", Reason: err.Error()}
	}
	return g, nil
}

func (g *GNSFIRK) Options() Options              { return g.opts }
func (g *GNSFIRK) Dims() dynamo.Dims             { return g.d }
func (g *GNSFIRK) Descriptor() *gnsf.Descriptor { return g.desc }
func (g *GNSFIRK) Reset()                        { g.warm = false }

// precompute builds the linear elimination for step size h.
func (g *GNSFIRK) precompute(h float64) error {
	d := g.d
	nx, nu, nz, nv, nW := d.NX, d.NU, d.NZ, g.nv, g.nW
	nf := nv
	exd, ex, eu, ez := g.desc.Blocks()

	M := mat.NewDense(nW, nW, nil)
	for i := 0; i < g.ns; i++ {
		for j := 0; j < g.ns; j++ {
			haij := h * g.tab.A.At(i, j)
			for r := 0; r < nf; r++ {
				for l := 0; l < nx; l++ {
					v := haij * ex.At(r, l)
					if i == j {
						v += exd.At(r, l)
					}
					M.Set(i*nv+r, j*nv+l, v)
				}
				if i == j {
					for l := 0; l < nz; l++ {
						M.Set(i*nv+r, j*nv+nx+l, ez.At(r, l))
					}
				}
			}
		}
	}
	var lu mat.LU
	lu.Factorize(M)
	if lu.Det() == 0 {
		return &dynamo.ConfigError{Field: "gnsf.jlin", Reason: "linear collocation matrix is singular"}
	}

	stack := func(blk mat.Matrix, cols int) *mat.Dense {
		out := mat.NewDense(nW, cols, nil)
		for i := 0; i < g.ns; i++ {
			for r := 0; r < nf; r++ {
				for c := 0; c < cols; c++ {
					out.Set(i*nv+r, c, blk.At(r, c))
				}
			}
		}
		return out
	}
	solveNeg := func(rhs *mat.Dense) (*mat.Dense, error) {
		var out mat.Dense
		if err := lu.SolveTo(&out, false, rhs); fatalSolve(err) {
			return nil, err
		}
		out.Scale(-1, &out)
		return &out, nil
	}

	var err error
	if g.VX, err = solveNeg(stack(ex, nx)); err != nil {
		return err
	}
	if nu > 0 {
		if g.VU, err = solveNeg(stack(eu, nu)); err != nil {
			return err
		}
	}
	c0 := mat.NewDense(nf, 1, g.desc.C0)
	vc, err := solveNeg(stack(c0, 1))
	if err != nil {
		return err
	}
	g.Vc = mat.NewVecDense(nW, mat.Col(nil, 0, vc))
	if g.nPhiT > 0 {
		ic := mat.NewDense(nW, g.nPhiT, nil)
		for i := 0; i < g.ns; i++ {
			for k, row := range g.desc.Rows {
				ic.Set(i*nv+row, i*g.nphi+k, 1)
			}
		}
		if g.KV, err = solveNeg(ic); err != nil {
			return err
		}
	}

	// h Bk maps stage values to the state increment.
	hBk := mat.NewDense(nx, nW, nil)
	for i := 0; i < g.ns; i++ {
		for l := 0; l < nx; l++ {
			hBk.Set(l, i*nv+l, h*g.tab.B[i])
		}
	}
	g.XX = mulNew(hBk, g.VX)
	if nu > 0 {
		g.XU = mulNew(hBk, g.VU)
	}
	g.xc = make([]float64, nx)
	xc := mat.NewVecDense(nx, g.xc)
	xc.MulVec(hBk, g.Vc)
	if g.nPhiT > 0 {
		g.XPhi = mulNew(hBk, g.KV)
	}

	if g.nYT > 0 {
		PV := mat.NewDense(g.nYT, nW, nil)
		PX := mat.NewDense(g.nYT, nx, nil)
		var PU *mat.Dense
		if nu > 0 {
			PU = mat.NewDense(g.nYT, nu, nil)
		}
		for i := 0; i < g.ns; i++ {
			for m, c := range g.desc.Cols {
				row := i*g.ny + m
				switch {
				case c < nx:
					PV.Set(row, i*nv+c, 1)
				case c < 2*nx:
					l := c - nx
					PX.Set(row, l, 1)
					for j := 0; j < g.ns; j++ {
						PV.Set(row, j*nv+l, h*g.tab.A.At(i, j))
					}
				case c < 2*nx+nu:
					PU.Set(row, c-2*nx, 1)
				default:
					PV.Set(row, i*nv+nx+c-2*nx-nu, 1)
				}
			}
		}
		g.PV, g.PX, g.PU = PV, PX, PU
		g.YX = mulNew(PV, g.VX)
		g.YX.Add(g.YX, PX)
		if nu > 0 {
			g.YU = mulNew(PV, g.VU)
			g.YU.Add(g.YU, PU)
		}
		g.Yc = mat.NewVecDense(g.nYT, nil)
		g.Yc.MulVec(PV, g.Vc)
		if g.nPhiT > 0 {
			g.KY = mulNew(PV, g.KV)
		}
	}

	g.h = h
	g.precomputed = true
	return nil
}

func mulNew(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

func (g *GNSFIRK) Simulate(in *Input, out *Output) (dynamo.Status, error) {
	start := time.Now()
	ev := g.nl.Evaluator()
	ad0 := ev.ADTime
	g.laTime = 0

	if err := checkInput(g.d, in); err != nil {
		return dynamo.StatusSuccess, err
	}
	if in.Sens.Hess {
		return dynamo.StatusSuccess, &dynamo.ConfigError{Field: "sens_hess", Reason: "Hessian sensitivities are not available with the GNSF integrator"}
	}
	h := in.T / float64(g.opts.NumSteps)
	if !g.precomputed || h != g.h {
		if err := g.precompute(h); err != nil {
			return dynamo.StatusSuccess, err
		}
	}
	if g.warm {
		copy(g.phi, g.phiWarm)
	} else {
		for i := range g.phi {
			g.phi[i] = 0
		}
	}

	if in.XDot != nil || in.Z != nil {
		g.guessPhi(in.X, in.U, in.P, in.XDot, in.Z)
	}

	nx, nu := g.d.NX, g.d.NU
	copy(g.x, in.X)
	if in.Sens.Forw {
		out.SForw.Zero()
		for i := 0; i < nx; i++ {
			out.SForw.Set(i, i, 1)
		}
	}

	status := dynamo.StatusSuccess
	out.NewtonResiduals = out.NewtonResiduals[:0]
	out.NewtonIters = 0
	for n := 0; n < g.opts.NumSteps; n++ {
		st, iters, hist, err := g.newton(g.x, in.U, in.P, &g.steps[n])
		if err != nil {
			return status, err
		}
		out.NewtonResiduals = append(out.NewtonResiduals, hist)
		out.NewtonIters += iters
		status = status.Worse(st)
		if st == dynamo.StatusNaNDetected {
			copy(out.X, g.x)
			return status, nil
		}
		if n == 0 {
			copy(g.phiWarm, g.phi)
			g.stage0(g.x, in.U)
		}
		if in.Sens.Forw {
			g.forward(&g.steps[n], out.SForw)
		}
		g.advance(g.x, in.U)
	}
	copy(out.X, g.x)
	g.warm = true

	if in.Sens.Adj {
		g.adjoint(in.SeedAdj, out.SAdj[:nx], out.SAdj[nx:nx+nu])
	}

	if g.alg != nil && (in.Sens.OutputZ || in.Sens.Algebraic) {
		var sAlg *mat.Dense
		if in.Sens.Algebraic {
			sAlg = out.SAlgebraic
		}
		la := time.Now()
		err := g.alg.solve(in.X, in.U, in.P, g.vStage[:nx], g.vStage[nx:], g.opts.NewtonIter, g.opts.NewtonTol, out.Z, sAlg)
		g.laTime += time.Since(la)
		if err != nil {
			return status, err
		}
	}

	out.Status = status
	out.ADTime = ev.ADTime - ad0
	out.LATime = g.laTime
	out.TotTime = time.Since(start)
	return status, nil
}

// newton solves G(Phi) = 0 for one step, leaving J_G factorized and the
// stage Jacobians of phi in st.
func (g *GNSFIRK) newton(x, u, p []float64, st *gnsfStep) (dynamo.Status, int, []float64, error) {
	if g.nPhiT == 0 {
		return dynamo.StatusSuccess, 0, nil, nil
	}
	if g.nYT > 0 {
		g.yaff.MulVec(g.YX, mat.NewVecDense(g.d.NX, x))
		if g.d.NU > 0 {
			var yu mat.VecDense
			yu.MulVec(g.YU, mat.NewVecDense(g.d.NU, u))
			g.yaff.AddVec(g.yaff, &yu)
		}
		g.yaff.AddVec(g.yaff, g.Yc)
	}

	tol := g.opts.NewtonTol
	hist := make([]float64, 0, g.opts.NewtonIter+1)
	phiV := mat.NewVecDense(g.nPhiT, g.phi)
	for iter := 0; ; iter++ {
		if g.nYT > 0 {
			g.y.MulVec(g.KY, phiV)
			g.y.AddVec(g.y, g.yaff)
		}
		for i := 0; i < g.ns; i++ {
			var yi []float64
			if g.nYT > 0 {
				yi = g.y.RawVector().Data[i*g.ny : (i+1)*g.ny]
			}
			g.nl.Eval(g.pv, yi, p)
			for k := 0; k < g.nphi; k++ {
				g.g[i*g.nphi+k] = g.phi[i*g.nphi+k] - g.pv[k]
			}
			if st.D != nil {
				if err := g.nl.Jacobian(g.djac, yi, p); err != nil {
					return dynamo.StatusSuccess, iter, hist, err
				}
				for k := 0; k < g.nphi; k++ {
					for m := 0; m < g.ny; m++ {
						st.D.Set(i*g.nphi+k, i*g.ny+m, g.djac.At(k, m))
					}
				}
			}
		}
		nrm := normInf(g.g)
		hist = append(hist, nrm)
		if math.IsNaN(nrm) || math.IsInf(nrm, 0) {
			return dynamo.StatusNaNDetected, iter, hist, nil
		}

		la := time.Now()
		if st.D != nil {
			g.jg.Mul(st.D, g.KY)
			g.jg.Scale(-1, g.jg)
		} else {
			g.jg.Zero()
		}
		for i := 0; i < g.nPhiT; i++ {
			g.jg.Set(i, i, g.jg.At(i, i)+1)
		}
		st.lu.Factorize(g.jg)
		g.laTime += time.Since(la)

		if tol > 0 && nrm < tol {
			return dynamo.StatusSuccess, iter, hist, nil
		}
		if iter == g.opts.NewtonIter {
			if tol > 0 {
				return dynamo.StatusIntegratorNotConverged, iter, hist, nil
			}
			return dynamo.StatusSuccess, iter, hist, nil
		}

		la = time.Now()
		err := st.lu.SolveVecTo(g.dphi, false, mat.NewVecDense(g.nPhiT, g.g))
		g.laTime += time.Since(la)
		if fatalSolve(err) {
			return dynamo.StatusIntegratorNotConverged, iter, hist, nil
		}
		for i := range g.phi {
			g.phi[i] -= g.dphi.AtVec(i)
		}
	}
}

// guessPhi sets Phi from stage values [xdot; z] repeated over all stages.
func (g *GNSFIRK) guessPhi(x, u, p, xdot, z []float64) {
	if g.nPhiT == 0 {
		return
	}
	nx := g.d.NX
	V := mat.NewVecDense(g.nW, nil)
	for i := 0; i < g.ns; i++ {
		for l := 0; l < nx; l++ {
			if xdot != nil {
				V.SetVec(i*g.nv+l, xdot[l])
			}
		}
		for l := 0; l < g.d.NZ; l++ {
			if z != nil {
				V.SetVec(i*g.nv+nx+l, z[l])
			}
		}
	}
	var yi []float64
	if g.nYT > 0 {
		g.y.MulVec(g.PV, V)
		var t mat.VecDense
		t.MulVec(g.PX, mat.NewVecDense(nx, x))
		g.y.AddVec(g.y, &t)
		if g.d.NU > 0 {
			t.MulVec(g.PU, mat.NewVecDense(g.d.NU, u))
			g.y.AddVec(g.y, &t)
		}
	}
	for i := 0; i < g.ns; i++ {
		if g.nYT > 0 {
			yi = g.y.RawVector().Data[i*g.ny : (i+1)*g.ny]
		}
		g.nl.Eval(g.phi[i*g.nphi:(i+1)*g.nphi], yi, p)
	}
}

// stageValues writes V = VX x + VU u + Vc + KV Phi.
func (g *GNSFIRK) stageValues(x, u []float64) *mat.VecDense {
	v := mat.NewVecDense(g.nW, nil)
	v.MulVec(g.VX, mat.NewVecDense(g.d.NX, x))
	if g.d.NU > 0 {
		var vu mat.VecDense
		vu.MulVec(g.VU, mat.NewVecDense(g.d.NU, u))
		v.AddVec(v, &vu)
	}
	v.AddVec(v, g.Vc)
	if g.nPhiT > 0 {
		var vp mat.VecDense
		vp.MulVec(g.KV, mat.NewVecDense(g.nPhiT, g.phi))
		v.AddVec(v, &vp)
	}
	return v
}

// stage0 keeps the first stage of the first step as the initial guess for
// the algebraic state at the start of the interval.
func (g *GNSFIRK) stage0(x, u []float64) {
	v := g.stageValues(x, u)
	for i := range g.vStage {
		g.vStage[i] = v.AtVec(i)
	}
}

// advance applies x += h Bk V in place.
func (g *GNSFIRK) advance(x, u []float64) {
	nx := g.d.NX
	next := make([]float64, nx)
	for l := 0; l < nx; l++ {
		acc := x[l] + g.xc[l]
		for c := 0; c < nx; c++ {
			acc += g.XX.At(l, c) * x[c]
		}
		for c := 0; c < g.d.NU; c++ {
			acc += g.XU.At(l, c) * u[c]
		}
		for c := 0; c < g.nPhiT; c++ {
			acc += g.XPhi.At(l, c) * g.phi[c]
		}
		next[l] = acc
	}
	copy(x, next)
}

// forward chains the step sensitivity into S. With
// dPhi = J_G^-1 D (YX | YU), the step map is
// dx_next/d(x, u) = [I 0] + (XX | XU) + XPhi dPhi.
func (g *GNSFIRK) forward(st *gnsfStep, S *mat.Dense) {
	nx, nu := g.d.NX, g.d.NU
	step := g.stepS
	step.Zero()
	step.Slice(0, nx, 0, nx).(*mat.Dense).Copy(g.XX)
	if nu > 0 {
		step.Slice(0, nx, nx, nx+nu).(*mat.Dense).Copy(g.XU)
	}
	if st.D != nil {
		yxu := mat.NewDense(g.nYT, nx+nu, nil)
		yxu.Slice(0, g.nYT, 0, nx).(*mat.Dense).Copy(g.YX)
		if nu > 0 {
			yxu.Slice(0, g.nYT, nx, nx+nu).(*mat.Dense).Copy(g.YU)
		}
		var rhs, dphi mat.Dense
		rhs.Mul(st.D, yxu)
		la := time.Now()
		err := st.lu.SolveTo(&dphi, false, &rhs)
		g.laTime += time.Since(la)
		if !fatalSolve(err) {
			var add mat.Dense
			add.Mul(g.XPhi, &dphi)
			step.Add(step, &add)
		}
	}

	// S <- (I + step_x) S + [0 step_u]
	var next mat.Dense
	next.Mul(step.Slice(0, nx, 0, nx), S)
	next.Add(&next, S)
	if nu > 0 {
		su := next.Slice(0, nx, nx, nx+nu).(*mat.Dense)
		su.Add(su, step.Slice(0, nx, nx, nx+nu))
	}
	S.Copy(&next)
}

// adjoint runs the backward sweep. Per step,
// nu = J_G^-T XPhi^T lam, lam <- lam + XX^T lam + (D YX)^T nu,
// mu <- mu + XU^T lam + (D YU)^T nu.
func (g *GNSFIRK) adjoint(seed, lamX, lamU []float64) {
	nx, nu := g.d.NX, g.d.NU
	lam := mat.NewVecDense(nx, nil)
	for i := 0; i < nx; i++ {
		lam.SetVec(i, seed[i])
	}
	mu := mat.NewVecDense(max(nu, 1), nil)
	for n := g.opts.NumSteps - 1; n >= 0; n-- {
		st := &g.steps[n]
		next := mat.VecDenseCopyOf(lam)
		var t mat.VecDense
		t.MulVec(g.XX.T(), lam)
		next.AddVec(next, &t)
		if nu > 0 {
			var tu mat.VecDense
			tu.MulVec(g.XU.T(), lam)
			mu.AddVec(mu, &tu)
		}
		if st.D != nil {
			var rhs, nuv mat.VecDense
			rhs.MulVec(g.XPhi.T(), lam)
			la := time.Now()
			err := st.lu.SolveVecTo(&nuv, true, &rhs)
			g.laTime += time.Since(la)
			if !fatalSolve(err) {
				var dn mat.VecDense
				dn.MulVec(st.D.T(), &nuv)
				var tx mat.VecDense
				tx.MulVec(g.YX.T(), &dn)
				next.AddVec(next, &tx)
				if nu > 0 {
					var tu mat.VecDense
					tu.MulVec(g.YU.T(), &dn)
					mu.AddVec(mu, &tu)
				}
			}
		}
		lam = next
	}
	for i := 0; i < nx; i++ {
		lamX[i] = lam.AtVec(i)
	}
	for i := 0; i < nu; i++ {
		lamU[i] = mu.AtVec(i)
	}
}
