package ocp

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/kernel"
	"github.com/san-kum/nmpc/internal/model"
	"github.com/san-kum/nmpc/internal/qp"
)

// stage holds the data, the iterate and the linearization of one shooting
// node. Rows of the constraint block are ordered [bx | bu | g | phi].
type stage struct {
	k      int
	nx, nu int
	nz     int
	last   bool

	W, Vx, Vu, Vz *mat.Dense
	yref          []float64

	idxbx    []int
	lbx, ubx []float64
	idxbu    []int
	lbu, ubu []float64
	C, D     *mat.Dense
	lg, ug   []float64

	phi        *model.PhiEvaluator
	Cr         *mat.Dense
	lphi, uphi []float64
	nr, nphi   int

	p []float64

	x, u, z []float64
	zGuess  []float64

	integ   integrators.Integrator
	in      integrators.Input
	out     *integrators.Output
	trial   *integrators.Output
	needZx  bool
	status  dynamo.Status
	simTime time.Duration

	q      qp.Stage
	lam    []float64
	cost   float64
	eqRes  float64
	inRes  float64
	dx, du []float64

	jy, wj    *mat.Dense
	res, wres []float64
	r, phiVal []float64
	phiJac    *mat.Dense
	phiHess   *mat.Dense
	lamPhi    []float64
	xu        []float64
}

func (s *stage) nbx() int { return len(s.idxbx) }
func (s *stage) nbu() int { return len(s.idxbu) }
func (s *stage) ng() int  { return len(s.lg) }
func (s *stage) ny() int  { return len(s.yref) }
func (s *stage) nc() int  { return s.nbx() + s.nbu() + s.ng() + s.nphi }

// matrix converts rows into an r x c matrix. Empty rows give nil. A
// negative r accepts any row count.
func matrix(name string, rows [][]float64, r, c int) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if r >= 0 && len(rows) != r {
		return nil, &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("has %d rows, want %d", len(rows), r)}
	}
	m := mat.NewDense(len(rows), c, nil)
	for i, row := range rows {
		if len(row) != c {
			return nil, &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("row %d has %d columns, want %d", i, len(row), c)}
		}
		m.SetRow(i, row)
	}
	return m, nil
}

func vecLen(name string, v []float64, n int) error {
	if len(v) != n {
		return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("has %d entries, want %d", len(v), n)}
	}
	return nil
}

func checkIdx(name string, idx []int, n int) error {
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= n {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("index %d outside [0, %d)", i, n)}
		}
		if seen[i] {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("duplicate index %d", i)}
		}
		seen[i] = true
	}
	return nil
}

func pick(stage0 bool, v0, v []float64) []float64 {
	if stage0 && v0 != nil {
		return v0
	}
	return v
}

func pickM(stage0 bool, v0, v [][]float64) [][]float64 {
	if stage0 && v0 != nil {
		return v0
	}
	return v
}

func clone(v []float64) []float64 { return append([]float64(nil), v...) }

// newStage builds stage k from the description, selecting the _0 and _e
// variants where they apply.
func newStage(desc *Description, k int) (*stage, error) {
	d := desc.Dims
	nx, nz := d.NX, d.NZ
	last := k == d.N
	nu := d.NU
	if last {
		nu = 0
	}
	s := &stage{k: k, nx: nx, nu: nu, nz: nz, last: last}
	if err := s.buildCost(desc); err != nil {
		return nil, err
	}
	if err := s.buildConstraints(desc); err != nil {
		return nil, err
	}

	s.p = make([]float64, d.NP)
	copy(s.p, desc.Parameters)
	s.x = make([]float64, nx)
	s.u = make([]float64, nu)
	s.z = make([]float64, nz)
	s.dx = make([]float64, nx)
	s.du = make([]float64, nu)
	s.xu = make([]float64, nx+nu)
	s.lam = make([]float64, s.nc())

	nxu := nx + nu
	s.q = qp.Stage{
		H:    mat.NewDense(nxu, nxu, nil),
		Grad: make([]float64, nxu),
	}
	if !last {
		s.q.A = mat.NewDense(nx, nx, nil)
		s.q.B = mat.NewDense(nx, nu, nil)
		s.q.Defect = make([]float64, nx)
	}
	if nc := s.nc(); nc > 0 {
		s.q.C = mat.NewDense(nc, nxu, nil)
		s.q.Val = make([]float64, nc)
		s.q.Lo = make([]float64, nc)
		s.q.Hi = make([]float64, nc)
	}
	ny := s.ny()
	if ny > 0 {
		s.jy = mat.NewDense(ny, nxu, nil)
		s.wj = mat.NewDense(ny, nxu, nil)
		s.res = make([]float64, ny)
		s.wres = make([]float64, ny)
	}
	if s.phi != nil {
		s.r = make([]float64, s.nr)
		s.phiVal = make([]float64, s.nphi)
		s.phiJac = mat.NewDense(s.nphi, s.nr, nil)
		s.phiHess = mat.NewDense(s.nr, s.nr, nil)
		s.lamPhi = make([]float64, s.nphi)
	}
	return s, nil
}

func (s *stage) buildCost(desc *Description) error {
	c := desc.Cost
	nx, nu, nz := s.nx, s.nu, s.nz
	var err error
	if s.last {
		if len(c.WE) == 0 {
			return nil
		}
		ny := len(c.WE)
		if s.W, err = matrix("W_e", c.WE, ny, ny); err != nil {
			return err
		}
		if s.Vx, err = matrix("Vx_e", c.VxE, ny, nx); err != nil {
			return err
		}
		if s.Vx == nil {
			return &dynamo.ConfigError{Field: "Vx_e", Reason: "required with W_e"}
		}
		if err := vecLen("yref_e", c.YRefE, ny); err != nil {
			return err
		}
		s.yref = clone(c.YRefE)
		return nil
	}

	first := s.k == 0
	suffix := ""
	if first && c.W0 != nil {
		suffix = "_0"
	}
	W := pickM(first, c.W0, c.W)
	if len(W) == 0 {
		return nil
	}
	ny := len(W)
	if s.W, err = matrix("W"+suffix, W, ny, ny); err != nil {
		return err
	}
	if s.Vx, err = matrix("Vx"+suffix, pickM(first, c.Vx0, c.Vx), ny, nx); err != nil {
		return err
	}
	if s.Vu, err = matrix("Vu"+suffix, pickM(first, c.Vu0, c.Vu), ny, nu); err != nil {
		return err
	}
	if nz > 0 {
		if s.Vz, err = matrix("Vz"+suffix, pickM(first, c.Vz0, c.Vz), ny, nz); err != nil {
			return err
		}
	}
	if s.Vx == nil {
		s.Vx = mat.NewDense(ny, nx, nil)
	}
	if s.Vu == nil {
		s.Vu = mat.NewDense(ny, nu, nil)
	}
	yref := pick(first, c.YRef0, c.YRef)
	if err := vecLen("yref"+suffix, yref, ny); err != nil {
		return err
	}
	s.yref = clone(yref)
	if s.Vz != nil {
		s.needZx = !mat.Equal(s.Vz, mat.NewDense(ny, nz, nil))
	}
	return nil
}

func (s *stage) buildConstraints(desc *Description) error {
	c := desc.Constraints
	nx, nu := s.nx, s.nu
	first := s.k == 0

	switch {
	case s.last:
		s.idxbx, s.lbx, s.ubx = c.IdxBXE, clone(c.LBXE), clone(c.UBXE)
	case first && c.X0 != nil:
		if err := vecLen("x0", c.X0, nx); err != nil {
			return err
		}
		s.idxbx = make([]int, nx)
		for i := range s.idxbx {
			s.idxbx[i] = i
		}
		s.lbx, s.ubx = clone(c.X0), clone(c.X0)
	case first:
		s.idxbx, s.lbx, s.ubx = c.IdxBX0, clone(c.LBX0), clone(c.UBX0)
	default:
		s.idxbx, s.lbx, s.ubx = c.IdxBX, clone(c.LBX), clone(c.UBX)
	}
	if err := checkIdx("idxbx", s.idxbx, nx); err != nil {
		return err
	}
	if err := vecLen("lbx", s.lbx, len(s.idxbx)); err != nil {
		return err
	}
	if err := vecLen("ubx", s.ubx, len(s.idxbx)); err != nil {
		return err
	}

	if !s.last {
		s.idxbu, s.lbu, s.ubu = c.IdxBU, clone(c.LBU), clone(c.UBU)
		if err := checkIdx("idxbu", s.idxbu, nu); err != nil {
			return err
		}
		if err := vecLen("lbu", s.lbu, len(s.idxbu)); err != nil {
			return err
		}
		if err := vecLen("ubu", s.ubu, len(s.idxbu)); err != nil {
			return err
		}
	}

	var err error
	if s.last {
		if s.C, err = matrix("C_e", c.CE, -1, nx); err != nil {
			return err
		}
		s.lg, s.ug = clone(c.LGE), clone(c.UGE)
		ng := 0
		if s.C != nil {
			ng, _ = s.C.Dims()
		}
		if err := vecLen("lg_e", s.lg, ng); err != nil {
			return err
		}
		if err := vecLen("ug_e", s.ug, ng); err != nil {
			return err
		}
	} else {
		ng := max(len(c.C), len(c.D))
		if s.C, err = matrix("C", c.C, ng, nx); err != nil {
			return err
		}
		if s.D, err = matrix("D", c.D, ng, nu); err != nil {
			return err
		}
		if ng > 0 && s.C == nil {
			s.C = mat.NewDense(ng, nx, nil)
		}
		if ng > 0 && s.D == nil && nu > 0 {
			s.D = mat.NewDense(ng, nu, nil)
		}
		s.lg, s.ug = clone(pick(first, c.LG0, c.LG)), clone(pick(first, c.UG0, c.UG))
		if err := vecLen("lg", s.lg, ng); err != nil {
			return err
		}
		if err := vecLen("ug", s.ug, ng); err != nil {
			return err
		}
	}

	return s.buildPhi(desc)
}

func (s *stage) buildPhi(desc *Description) error {
	c := desc.Constraints
	nx, nu := s.nx, s.nu
	name, lphi, uphi := c.Phi, pick(s.k == 0, c.LPhi0, c.LPhi), pick(s.k == 0, c.UPhi0, c.UPhi)
	if s.last {
		name, lphi, uphi = c.PhiE, c.LPhiE, c.UPhiE
	}
	if name == "" {
		return nil
	}

	var crx, cru *mat.Dense
	var err error
	if s.last {
		if crx, err = matrix("Cr_e", c.CrE, -1, nx); err != nil {
			return err
		}
		if crx == nil {
			return &dynamo.ConfigError{Field: "Cr_e", Reason: "required with phi_e"}
		}
		s.nr, _ = crx.Dims()
	} else {
		s.nr = max(len(c.CrX), len(c.CrU))
		if s.nr == 0 {
			return &dynamo.ConfigError{Field: "Cr_x", Reason: "Cr_x or Cr_u is required with phi"}
		}
		if crx, err = matrix("Cr_x", c.CrX, s.nr, nx); err != nil {
			return err
		}
		if cru, err = matrix("Cr_u", c.CrU, s.nr, nu); err != nil {
			return err
		}
	}
	s.Cr = mat.NewDense(s.nr, nx+nu, nil)
	if crx != nil {
		s.Cr.Slice(0, s.nr, 0, nx).(*mat.Dense).Copy(crx)
	}
	if cru != nil && nu > 0 {
		s.Cr.Slice(0, s.nr, nx, nx+nu).(*mat.Dense).Copy(cru)
	}

	phi, err := kernel.Phi(name, s.nr)
	if err != nil {
		return err
	}
	nr, nphi := phi.Dims()
	if nr != s.nr {
		return &dynamo.ConfigError{Field: "phi", Reason: fmt.Sprintf("%s takes %d residuals, Cr has %d rows", name, nr, s.nr)}
	}
	s.nphi = nphi
	s.phi = model.NewPhiEvaluator(phi)
	s.lphi, s.uphi = clone(lphi), clone(uphi)
	if err := vecLen("lphi", s.lphi, nphi); err != nil {
		return err
	}
	return vecLen("uphi", s.uphi, nphi)
}

// fillBounds copies the current bounds into the QP rows. Phi bounds are
// tightened by eps.
func (s *stage) fillBounds(eps float64) {
	row := 0
	for i := range s.idxbx {
		s.q.Lo[row], s.q.Hi[row] = s.lbx[i], s.ubx[i]
		row++
	}
	for i := range s.idxbu {
		s.q.Lo[row], s.q.Hi[row] = s.lbu[i], s.ubu[i]
		row++
	}
	for i := range s.lg {
		s.q.Lo[row], s.q.Hi[row] = s.lg[i], s.ug[i]
		row++
	}
	for i := 0; i < s.nphi; i++ {
		s.q.Lo[row] = s.lphi[i] + eps*math.Abs(s.lphi[i])
		s.q.Hi[row] = s.uphi[i] - eps*math.Abs(s.uphi[i])
		row++
	}
}

// simulate integrates the stage from (x, u) into out. Sensitivities are
// computed only for the linearization.
func (s *stage) simulate(x, u []float64, T float64, sens bool, out *integrators.Output) (dynamo.Status, error) {
	s.in.X, s.in.U, s.in.P, s.in.T = x, u, s.p, T
	s.in.XDot = nil
	s.in.Z = s.zGuess
	s.zGuess = nil
	s.in.Sens = integrators.Sens{OutputZ: s.nz > 0}
	if sens {
		s.in.Sens.Forw = true
		s.in.Sens.Algebraic = s.needZx
	}
	return s.integ.Simulate(&s.in, out)
}

// linearize evaluates the dynamics, cost and constraints of the stage at
// the current iterate. xNext is the iterate of the following stage.
func (s *stage) linearize(xNext []float64, T, eps float64) error {
	nx, nu := s.nx, s.nu
	copy(s.xu, s.x)
	copy(s.xu[nx:], s.u)
	s.status = dynamo.StatusSuccess

	if !s.last {
		start := time.Now()
		st, err := s.simulate(s.x, s.u, T, true, s.out)
		s.simTime = time.Since(start)
		if err != nil {
			return fmt.Errorf("stage %d: %w", s.k, err)
		}
		s.status = st
		s.q.A.Copy(s.out.SForw.Slice(0, nx, 0, nx))
		if nu > 0 {
			s.q.B.Copy(s.out.SForw.Slice(0, nx, nx, nx+nu))
		}
		s.eqRes = 0
		for i := 0; i < nx; i++ {
			s.q.Defect[i] = s.out.X[i] - xNext[i]
			s.eqRes = math.Max(s.eqRes, math.Abs(s.q.Defect[i]))
		}
		copy(s.z, s.out.Z)
	}

	s.linearizeCost()
	return s.linearizeConstraints(eps)
}

func (s *stage) linearizeCost() {
	nx, nu := s.nx, s.nu
	s.q.H.Zero()
	for i := range s.q.Grad {
		s.q.Grad[i] = 0
	}
	s.cost = 0
	if s.W == nil {
		return
	}

	// y - yref and dy/d(x,u), with z and dz/d(x,u) from the integrator
	ny := s.ny()
	xv := mat.NewVecDense(nx, s.x)
	resv := mat.NewVecDense(ny, s.res)
	resv.MulVec(s.Vx, xv)
	s.jy.Zero()
	s.jy.Slice(0, ny, 0, nx).(*mat.Dense).Copy(s.Vx)
	if nu > 0 {
		var vu mat.VecDense
		vu.MulVec(s.Vu, mat.NewVecDense(nu, s.u))
		resv.AddVec(resv, &vu)
		s.jy.Slice(0, ny, nx, nx+nu).(*mat.Dense).Copy(s.Vu)
	}
	if s.Vz != nil {
		var vz mat.VecDense
		vz.MulVec(s.Vz, mat.NewVecDense(s.nz, s.z))
		resv.AddVec(resv, &vz)
		if s.needZx && s.out.SAlgebraic != nil {
			var dz mat.Dense
			dz.Mul(s.Vz, s.out.SAlgebraic)
			s.jy.Add(s.jy, &dz)
		}
	}
	for i := range s.res {
		s.res[i] -= s.yref[i]
	}

	wres := mat.NewVecDense(ny, s.wres)
	wres.MulVec(s.W, resv)
	s.cost = 0.5 * mat.Dot(resv, wres)

	s.wj.Mul(s.W, s.jy)
	s.q.H.Mul(s.jy.T(), s.wj)
	grad := mat.NewVecDense(nx+nu, s.q.Grad)
	grad.MulVec(s.jy.T(), wres)
}

func (s *stage) linearizeConstraints(eps float64) error {
	nc := s.nc()
	if nc == 0 {
		s.inRes = 0
		return nil
	}
	nx := s.nx
	s.q.C.Zero()
	row := 0
	for _, j := range s.idxbx {
		s.q.C.Set(row, j, 1)
		s.q.Val[row] = s.x[j]
		row++
	}
	for _, j := range s.idxbu {
		s.q.C.Set(row, nx+j, 1)
		s.q.Val[row] = s.u[j]
		row++
	}
	if ng := s.ng(); ng > 0 {
		s.q.C.Slice(row, row+ng, 0, nx).(*mat.Dense).Copy(s.C)
		if s.D != nil {
			s.q.C.Slice(row, row+ng, nx, nx+s.nu).(*mat.Dense).Copy(s.D)
		}
		for i := 0; i < ng; i++ {
			v := 0.0
			for j := 0; j < nx+s.nu; j++ {
				v += s.q.C.At(row+i, j) * s.xu[j]
			}
			s.q.Val[row+i] = v
		}
		row += ng
	}
	if s.phi != nil {
		if err := s.linearizePhi(row); err != nil {
			return err
		}
	}

	s.fillBounds(eps)
	s.inRes = 0
	for i := 0; i < nc; i++ {
		s.inRes = math.Max(s.inRes, violation(s.q.Val[i], s.q.Lo[i], s.q.Hi[i]))
	}
	return nil
}

// linearizePhi adds the rows dφ/dr·Cr and the convex-over-nonlinear
// Hessian Crᵀ(Σ λ_i ∇²φ_i)Cr with the previous multipliers clipped at zero.
func (s *stage) linearizePhi(row int) error {
	nxu := s.nx + s.nu
	rv := mat.NewVecDense(s.nr, s.r)
	rv.MulVec(s.Cr, mat.NewVecDense(nxu, s.xu))
	s.phi.Eval(s.phiVal, s.r)
	if err := s.phi.Jacobian(s.phiJac, s.r); err != nil {
		return fmt.Errorf("stage %d: %w", s.k, err)
	}
	rows := s.q.C.Slice(row, row+s.nphi, 0, nxu).(*mat.Dense)
	rows.Mul(s.phiJac, s.Cr)
	copy(s.q.Val[row:], s.phiVal)

	active := false
	for i := 0; i < s.nphi; i++ {
		s.lamPhi[i] = math.Max(s.lam[row+i], 0)
		active = active || s.lamPhi[i] > 0
	}
	if !active {
		return nil
	}
	if err := s.phi.WeightedHessian(s.phiHess, s.r, s.lamPhi); err != nil {
		return fmt.Errorf("stage %d: %w", s.k, err)
	}
	var hc, crh mat.Dense
	hc.Mul(s.phiHess, s.Cr)
	crh.Mul(s.Cr.T(), &hc)
	s.q.H.Add(s.q.H, &crh)
	return nil
}

func violation(v, lo, hi float64) float64 {
	viol := 0.0
	if !absent(lo) {
		viol = math.Max(viol, lo-v)
	}
	if !absent(hi) {
		viol = math.Max(viol, v-hi)
	}
	return viol
}

func absent(b float64) bool {
	return math.IsNaN(b) || math.IsInf(b, 0) || math.Abs(b) >= qp.InfBound
}

// lsqCost is ½‖Vx x + Vu u + Vz z - yref‖²_W, zero for stages without
// a cost term.
func (s *stage) lsqCost(x, u, z []float64) float64 {
	if s.W == nil {
		return 0
	}
	nx, nu := s.nx, s.nu
	ny := s.ny()
	res := make([]float64, ny)
	for i := 0; i < ny; i++ {
		v := -s.yref[i]
		for j := 0; j < nx; j++ {
			v += s.Vx.At(i, j) * x[j]
		}
		for j := 0; j < nu; j++ {
			v += s.Vu.At(i, j) * u[j]
		}
		if s.Vz != nil {
			for j := 0; j < s.nz; j++ {
				v += s.Vz.At(i, j) * z[j]
			}
		}
		res[i] = v
	}
	rv := mat.NewVecDense(ny, res)
	return 0.5 * mat.Inner(rv, s.W, rv)
}

// evaluate computes the cost and the L1 infeasibility at (x, u) without
// sensitivities. It is used by the merit line search.
func (s *stage) evaluate(x, u, xNext []float64, T, eps float64) (cost, infeas float64, st dynamo.Status, err error) {
	nx, nu := s.nx, s.nu
	xu := make([]float64, nx+nu)
	copy(xu, x)
	copy(xu[nx:], u)
	z := s.z
	if !s.last {
		if st, err = s.simulate(x, u, T, false, s.trial); err != nil {
			return 0, 0, st, err
		}
		for i := 0; i < nx; i++ {
			infeas += math.Abs(s.trial.X[i] - xNext[i])
		}
		z = s.trial.Z
	}

	cost = s.lsqCost(x, u, z)

	lo, hi := s.q.Lo, s.q.Hi
	row := 0
	for i, j := range s.idxbx {
		infeas += violation(x[j], lo[row+i], hi[row+i])
	}
	row += s.nbx()
	for i, j := range s.idxbu {
		infeas += violation(u[j], lo[row+i], hi[row+i])
	}
	row += s.nbu()
	for i := 0; i < s.ng(); i++ {
		v := 0.0
		for j := 0; j < nx; j++ {
			v += s.C.At(i, j) * x[j]
		}
		for j := 0; j < nu && s.D != nil; j++ {
			v += s.D.At(i, j) * u[j]
		}
		infeas += violation(v, lo[row+i], hi[row+i])
	}
	row += s.ng()
	if s.phi != nil {
		r := make([]float64, s.nr)
		mat.NewVecDense(s.nr, r).MulVec(s.Cr, mat.NewVecDense(nx+nu, xu))
		val := make([]float64, s.nphi)
		s.phi.Eval(val, r)
		for i, v := range val {
			infeas += violation(v, lo[row+i], hi[row+i])
		}
	}
	return cost, infeas, st, nil
}
