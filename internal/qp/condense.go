// Package qp solves the linear-quadratic subproblem of one RTI step.
//
// The stage-wise problem in the deviations (dx_k, du_k) is condensed onto
// v = [dx_0; du_0; ...; du_{N-1}] by eliminating the dynamics
// dx_{k+1} = A_k dx_k + B_k du_k + d_k. Condensing and factorization depend
// only on the linearization and run in Prepare. Solve rebuilds the
// constraint right-hand sides from the current bounds and calls the dense
// LSEI least-squares solver.
package qp

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// InfBound is the magnitude from which a bound is treated as absent.
const InfBound = 1e20

// Dims are the condensing dimensions: N shooting intervals with NX states
// and NU controls each, plus a terminal stage without controls.
type Dims struct {
	NX, NU, N int
}

// NV is the number of condensed variables.
func (d Dims) NV() int { return d.NX + d.N*d.NU }

// StageNU is the control dimension of stage k.
func (d Dims) StageNU(k int) int {
	if k == d.N {
		return 0
	}
	return d.NU
}

// Stage is the linearization of one stage around the current iterate.
// H and Grad are over [dx; du]. Constraint rows read
// Lo <= Val + C [dx; du] <= Hi.
type Stage struct {
	A, B   *mat.Dense
	Defect []float64

	H    *mat.Dense
	Grad []float64

	C      *mat.Dense
	Val    []float64
	Lo, Hi []float64
}

// NC is the number of constraint rows of the stage.
func (s *Stage) NC() int { return len(s.Val) }

type Options struct {
	// LevenbergMarquardt is added to the diagonal of the condensed Hessian.
	LevenbergMarquardt float64 `json:"levenberg_marquardt" yaml:"levenberg_marquardt"`
	// MaxShifts bounds the Cholesky retries with an increasing diagonal shift.
	MaxShifts int `json:"max_shifts" yaml:"max_shifts"`
	// MaxIterLS caps the NNLS iterations inside LSEI; zero keeps the
	// library default of 3n.
	MaxIterLS int `json:"max_iter_ls" yaml:"max_iter_ls"`
}

func DefaultOptions() Options {
	return Options{MaxShifts: 8}
}

// Timings of the last Prepare and Solve.
type Timings struct {
	Condense time.Duration
	Reg      time.Duration
	Solve    time.Duration
}

// Solver is the condensed QP workspace. It is not safe for concurrent use.
type Solver struct {
	d    Dims
	opts Options
	log  *zap.Logger

	// T[k] maps v to [dx_k; du_k]; the state rows are G_k.
	T     []*mat.Dense
	gamma [][]float64
	acc   *mat.Dense
	hc    *mat.SymDense
	g     []float64
	rows  []*mat.Dense
	off   [][]float64
	nc    []int

	chol  mat.Cholesky
	U     mat.TriDense
	f     []float64
	shift float64

	prepared bool
	v        []float64
	lam      [][]float64
	norm     float64
	timings  Timings
	eqRows   int
	ineqRows int

	// LSEI mutates every argument; these are rebuilt for each call.
	cbuf, dbuf, ebuf, fbuf, gbuf, hbuf, wbuf []float64
	jw                                       []int
	rowIdx                                   []rowRef
}

type rowRef struct {
	stage, row int
	sign       float64
}

func New(d Dims, opts Options, log *zap.Logger) (*Solver, error) {
	if d.NX <= 0 || d.NU < 0 || d.N < 1 {
		return nil, &dynamo.ConfigError{Field: "qp dims", Reason: fmt.Sprintf("invalid %+v", d)}
	}
	if opts.LevenbergMarquardt < 0 {
		return nil, &dynamo.ConfigError{Field: "levenberg_marquardt", Reason: fmt.Sprintf("must be non-negative, got %g", opts.LevenbergMarquardt)}
	}
	if log == nil {
		log = zap.NewNop()
	}
	nv := d.NV()
	s := &Solver{
		d:     d,
		opts:  opts,
		log:   log,
		T:     make([]*mat.Dense, d.N+1),
		gamma: make([][]float64, d.N+1),
		acc:   mat.NewDense(nv, nv, nil),
		hc:    mat.NewSymDense(nv, nil),
		g:     make([]float64, nv),
		rows:  make([]*mat.Dense, d.N+1),
		off:   make([][]float64, d.N+1),
		nc:    make([]int, d.N+1),
		f:     make([]float64, nv),
		v:     make([]float64, nv),
		lam:   make([][]float64, d.N+1),
	}
	for k := 0; k <= d.N; k++ {
		s.T[k] = mat.NewDense(d.NX+d.StageNU(k), nv, nil)
		s.gamma[k] = make([]float64, d.NX)
	}
	return s, nil
}

func (s *Solver) Dims() Dims             { return s.d }
func (s *Solver) Timings() Timings       { return s.timings }
func (s *Solver) Shift() float64         { return s.shift }
func (s *Solver) Prepared() bool         { return s.prepared }
func (s *Solver) Hessian() mat.Symmetric { return s.hc }
func (s *Solver) Gradient() []float64    { return s.g }

// Prepare condenses the stages and factorizes the regularized Hessian.
// It returns StatusQPFailure if no shift makes the Hessian positive
// definite.
func (s *Solver) Prepare(stages []Stage) (dynamo.Status, error) {
	if len(stages) != s.d.N+1 {
		return dynamo.StatusSuccess, fmt.Errorf("qp: got %d stages, want %d", len(stages), s.d.N+1)
	}
	s.prepared = false
	start := time.Now()
	if err := s.condense(stages); err != nil {
		return dynamo.StatusSuccess, err
	}
	s.timings.Condense = time.Since(start)

	start = time.Now()
	ok := s.factorize()
	s.timings.Reg = time.Since(start)
	if !ok {
		return dynamo.StatusQPFailure, nil
	}
	s.prepared = true
	return dynamo.StatusSuccess, nil
}

func (s *Solver) condense(stages []Stage) error {
	d := s.d
	nx, nu, nv := d.NX, d.NU, d.NV()

	T0 := s.T[0]
	T0.Zero()
	for i := 0; i < nx; i++ {
		T0.Set(i, i, 1)
	}
	for j := 0; j < nu && d.N > 0; j++ {
		T0.Set(nx+j, nx+j, 1)
	}
	for i := range s.gamma[0] {
		s.gamma[0][i] = 0
	}

	for k := 0; k < d.N; k++ {
		st := &stages[k]
		if err := checkStage(k, st, nx, nu); err != nil {
			return err
		}
		next := s.T[k+1]
		next.Zero()
		Gk := s.T[k].Slice(0, nx, 0, nv)
		Gn := next.Slice(0, nx, 0, nv).(*mat.Dense)
		Gn.Mul(st.A, Gk)
		if nu > 0 {
			var bp mat.Dense
			bp.Mul(st.B, s.T[k].Slice(nx, nx+nu, 0, nv))
			Gn.Add(Gn, &bp)
		}
		if k+1 < d.N {
			for j := 0; j < nu; j++ {
				next.Set(nx+j, nx+(k+1)*nu+j, 1)
			}
		}

		gk := mat.NewVecDense(nx, s.gamma[k])
		gn := mat.NewVecDense(nx, s.gamma[k+1])
		gn.MulVec(st.A, gk)
		for i := 0; i < nx; i++ {
			s.gamma[k+1][i] += st.Defect[i]
		}
	}
	if err := checkStage(d.N, &stages[d.N], nx, 0); err != nil {
		return err
	}

	s.acc.Zero()
	for i := range s.g {
		s.g[i] = 0
	}
	for k := 0; k <= d.N; k++ {
		st := &stages[k]
		Tk := s.T[k]
		nw := nx + d.StageNU(k)

		var ht mat.Dense
		ht.Mul(st.H, Tk)
		var tht mat.Dense
		tht.Mul(Tk.T(), &ht)
		s.acc.Add(s.acc, &tht)

		// H [gamma; 0] + grad, pulled back through T
		lin := make([]float64, nw)
		for i := 0; i < nw; i++ {
			acc := st.Grad[i]
			for j := 0; j < nx; j++ {
				acc += st.H.At(i, j) * s.gamma[k][j]
			}
			lin[i] = acc
		}
		gv := mat.NewVecDense(nv, s.g)
		var pull mat.VecDense
		pull.MulVec(Tk.T(), mat.NewVecDense(nw, lin))
		gv.AddVec(gv, &pull)

		nc := st.NC()
		s.nc[k] = nc
		if nc == 0 {
			s.rows[k] = nil
			s.off[k] = s.off[k][:0]
			s.lam[k] = s.lam[k][:0]
			continue
		}
		if s.rows[k] == nil || s.rows[k].RawMatrix().Rows != nc {
			s.rows[k] = mat.NewDense(nc, nv, nil)
		}
		s.rows[k].Mul(st.C, Tk)
		if cap(s.off[k]) < nc {
			s.off[k] = make([]float64, nc)
		}
		s.off[k] = s.off[k][:nc]
		for r := 0; r < nc; r++ {
			acc := st.Val[r]
			for j := 0; j < nx; j++ {
				acc += st.C.At(r, j) * s.gamma[k][j]
			}
			s.off[k][r] = acc
		}
		if len(s.lam[k]) != nc {
			s.lam[k] = make([]float64, nc)
		}
	}

	for i := 0; i < nv; i++ {
		for j := i; j < nv; j++ {
			s.hc.SetSym(i, j, 0.5*(s.acc.At(i, j)+s.acc.At(j, i)))
		}
	}
	return nil
}

func checkStage(k int, st *Stage, nx, nu int) error {
	nw := nx + nu
	if r, c := st.H.Dims(); r != nw || c != nw {
		return fmt.Errorf("qp: stage %d Hessian is %dx%d, want %dx%d", k, r, c, nw, nw)
	}
	if len(st.Grad) != nw {
		return fmt.Errorf("qp: stage %d gradient has %d entries, want %d", k, len(st.Grad), nw)
	}
	if nc := st.NC(); nc > 0 {
		if r, c := st.C.Dims(); r != nc || c != nw {
			return fmt.Errorf("qp: stage %d constraint matrix is %dx%d, want %dx%d", k, r, c, nc, nw)
		}
		if len(st.Lo) != nc || len(st.Hi) != nc {
			return fmt.Errorf("qp: stage %d has %d rows but %d/%d bounds", k, nc, len(st.Lo), len(st.Hi))
		}
	}
	if nu == 0 {
		return nil
	}
	if st.A == nil || st.B == nil || len(st.Defect) != nx {
		return fmt.Errorf("qp: stage %d is missing its dynamics", k)
	}
	return nil
}

// factorize adds the Levenberg-Marquardt term and computes H = UᵀU,
// retrying with a growing diagonal shift.
func (s *Solver) factorize() bool {
	nv := s.d.NV()
	maxDiag := 0.0
	for i := 0; i < nv; i++ {
		s.hc.SetSym(i, i, s.hc.At(i, i)+s.opts.LevenbergMarquardt)
		maxDiag = math.Max(maxDiag, math.Abs(s.hc.At(i, i)))
	}
	s.shift = 0
	if s.chol.Factorize(s.hc) {
		s.chol.UTo(&s.U)
		return true
	}
	delta := 1e-8 * math.Max(1, maxDiag)
	shifted := mat.NewSymDense(nv, nil)
	for try := 0; try < s.opts.MaxShifts; try++ {
		shifted.CopySym(s.hc)
		for i := 0; i < nv; i++ {
			shifted.SetSym(i, i, shifted.At(i, i)+delta)
		}
		s.log.Debug("condensed Hessian not positive definite, shifting",
			zap.Int("try", try+1),
			zap.Float64("shift", delta))
		if s.chol.Factorize(shifted) {
			s.shift = delta
			s.chol.UTo(&s.U)
			return true
		}
		delta *= 10
	}
	s.log.Warn("condensed Hessian factorization failed",
		zap.Int("shifts", s.opts.MaxShifts),
		zap.Float64("max_diag", maxDiag))
	return false
}
