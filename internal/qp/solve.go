package qp

import (
	"math"
	"time"

	"github.com/curioloop/optimizer/slsqp"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

func absent(b float64) bool {
	return math.IsNaN(b) || math.IsInf(b, 0) || math.Abs(b) >= InfBound
}

// Solve computes the step for the bounds currently stored in stages. Only
// Lo and Hi are read; everything else was fixed by Prepare. Rows whose
// bounds coincide become equality constraints.
func (s *Solver) Solve(stages []Stage) (dynamo.Status, error) {
	if !s.prepared {
		return dynamo.StatusQPFailure, dynamo.ErrPhaseOrder
	}
	start := time.Now()
	defer func() { s.timings.Solve = time.Since(start) }()

	nv := s.d.NV()
	s.classify(stages)
	mc, mg := s.eqRows, s.ineqRows
	lc, lg := max(mc, 1), max(mg, 1)

	s.cbuf = grow(s.cbuf, lc*nv)
	s.dbuf = grow(s.dbuf, lc)
	s.gbuf = grow(s.gbuf, lg*nv)
	s.hbuf = grow(s.hbuf, lg)
	s.ebuf = grow(s.ebuf, nv*nv)
	s.fbuf = grow(s.fbuf, nv)
	s.wbuf = grow(s.wbuf, 2*mc+nv+(nv+mg)*(nv-mc)+(nv-mc+1)*(mg+2)+2*mg)
	if n := max(mg, min(nv, nv-mc), 1); len(s.jw) < n {
		s.jw = make([]int, n)
	}

	ie, ig := 0, 0
	for _, ref := range s.rowIdx {
		row := s.rows[ref.stage].RawRowView(ref.row)
		st := &stages[ref.stage]
		off := s.off[ref.stage][ref.row]
		if ref.sign == 0 {
			for j, a := range row {
				s.cbuf[ie+lc*j] = a
			}
			s.dbuf[ie] = st.Lo[ref.row] - off
			ie++
			continue
		}
		for j, a := range row {
			s.gbuf[ig+lg*j] = ref.sign * a
		}
		if ref.sign > 0 {
			s.hbuf[ig] = st.Lo[ref.row] - off
		} else {
			s.hbuf[ig] = off - st.Hi[ref.row]
		}
		ig++
	}

	// min ‖Uv - f‖ with f = -U H⁻¹ g equals min ½vᵀHv + gᵀv up to a constant.
	raw := s.U.RawTriangular()
	for i := 0; i < nv; i++ {
		for j := 0; j < nv; j++ {
			e := 0.0
			if j >= i {
				e = raw.Data[i*raw.Stride+j]
			}
			s.ebuf[i+nv*j] = e
		}
	}
	var hg mat.VecDense
	if err := s.chol.SolveVecTo(&hg, mat.NewVecDense(nv, s.g)); err != nil {
		s.log.Debug("condensed gradient solve", zap.Error(err))
	}
	fv := mat.NewVecDense(nv, s.fbuf)
	fv.MulVec(&s.U, &hg)
	fv.ScaleVec(-1, fv)

	for i := range s.v {
		s.v[i] = 0
	}
	norm, mode := slsqp.LSEI(
		s.cbuf, s.dbuf, s.ebuf, s.fbuf, s.gbuf, s.hbuf,
		lc, mc, nv, nv, lg, mg, nv,
		s.v, s.wbuf, s.jw, s.opts.MaxIterLS)
	s.norm = norm
	if mode != slsqp.HasSolution {
		s.log.Debug("LSEI failed",
			zap.Int("mode", int(mode)),
			zap.Int("eq", mc),
			zap.Int("ineq", mg))
		for i := range s.v {
			s.v[i] = 0
		}
		return dynamo.StatusQPFailure, nil
	}
	for i := range s.v {
		if math.IsNaN(s.v[i]) {
			return dynamo.StatusNaNDetected, nil
		}
	}
	s.multipliers(mc)
	return dynamo.StatusSuccess, nil
}

// classify orders the active rows as all equalities first, then lower and
// upper inequalities.
func (s *Solver) classify(stages []Stage) {
	s.rowIdx = s.rowIdx[:0]
	var ineq []rowRef
	for k := range stages {
		st := &stages[k]
		for r := 0; r < s.nc[k]; r++ {
			lo, hi := st.Lo[r], st.Hi[r]
			if !absent(lo) && lo == hi {
				s.rowIdx = append(s.rowIdx, rowRef{stage: k, row: r})
				continue
			}
			if !absent(lo) {
				ineq = append(ineq, rowRef{stage: k, row: r, sign: 1})
			}
			if !absent(hi) {
				ineq = append(ineq, rowRef{stage: k, row: r, sign: -1})
			}
		}
	}
	s.eqRows = len(s.rowIdx)
	s.ineqRows = len(ineq)
	s.rowIdx = append(s.rowIdx, ineq...)
}

// multipliers folds the LSEI multipliers into one signed value per row:
// positive when the upper bound is active, negative for the lower bound.
func (s *Solver) multipliers(mc int) {
	for k := range s.lam {
		for r := range s.lam[k] {
			s.lam[k][r] = 0
		}
	}
	for i, ref := range s.rowIdx {
		w := s.wbuf[i]
		switch {
		case ref.sign == 0:
			s.lam[ref.stage][ref.row] -= w
		case ref.sign > 0:
			s.lam[ref.stage][ref.row] -= w
		default:
			s.lam[ref.stage][ref.row] += w
		}
	}
}

func grow(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// V returns the condensed solution of the last Solve.
func (s *Solver) V() []float64 { return s.v }

// Step expands the condensed solution into the deviations of stage k.
// du is ignored on the terminal stage.
func (s *Solver) Step(k int, dx, du []float64) {
	nx := s.d.NX
	T := s.T[k]
	for i := 0; i < nx; i++ {
		acc := s.gamma[k][i]
		for j, v := range s.v {
			acc += T.At(i, j) * v
		}
		dx[i] = acc
	}
	for i := 0; i < s.d.StageNU(k); i++ {
		acc := 0.0
		for j, v := range s.v {
			acc += T.At(nx+i, j) * v
		}
		du[i] = acc
	}
}

// Lam returns a copy of the row multipliers of stage k.
func (s *Solver) Lam(k int) []float64 {
	return append([]float64(nil), s.lam[k]...)
}

// Objective is ½vᵀHv + gᵀv at the last solution, without regularization.
func (s *Solver) Objective() float64 {
	v := mat.NewVecDense(len(s.v), s.v)
	obj := 0.5*mat.Inner(v, s.hc, v) + mat.Dot(v, mat.NewVecDense(len(s.g), s.g))
	return obj - 0.5*s.opts.LevenbergMarquardt*mat.Dot(v, v)
}

// Rows reports the equality and inequality counts of the last Solve.
func (s *Solver) Rows() (eq, ineq int) { return s.eqRows, s.ineqRows }
