package ocp

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Solve runs the phase selected by rti_phase, or a full SQP loop when
// nlp_solver_type is SQP. Numerical trouble is reported through the
// status; the iterate keeps the best available values.
func (s *Solver) Solve() (dynamo.Status, error) {
	if !s.created {
		return dynamo.StatusSuccess, dynamo.ErrClosed
	}
	start := time.Now()
	s.stats.Iterations = s.stats.Iterations[:0]

	var (
		st    dynamo.Status
		err   error
		phase string
	)
	if s.opts.NLPSolver == SQP {
		phase = "sqp"
		st, err = s.solveSQP()
	} else {
		switch s.opts.RTIPhase {
		case PhasePreparation:
			phase = "preparation"
			st, err = s.prepare()
		case PhaseFeedback:
			phase = "feedback"
			if !s.prepared {
				return dynamo.StatusSuccess, dynamo.ErrPhaseOrder
			}
			st, err = s.feedback()
		default:
			phase = "rti"
			if st, err = s.prepare(); err == nil && s.prepared {
				st, err = s.feedback()
			}
		}
	}
	s.stats.TimeTot = time.Since(start)
	if err != nil {
		return st, err
	}
	s.stats.Status = st
	if !st.OK() {
		s.log.Debug("ocp solve",
			zap.String("phase", phase),
			zap.Stringer("status", st),
			zap.Stringer("qp_status", s.stats.QPStatus))
	}
	if s.obs != nil {
		s.obs.ObserveSolve(phase, &s.stats)
	}
	return st, nil
}

// prepare linearizes all stages and condenses and factorizes the QP.
func (s *Solver) prepare() (dynamo.Status, error) {
	start := time.Now()
	s.prepared = false
	if s.opts.ShiftInit && s.hasSolution {
		s.shift()
	}

	if err := s.linearize(); err != nil {
		return dynamo.StatusSuccess, err
	}
	s.stats.TimeLin = time.Since(start)

	st := dynamo.StatusSuccess
	s.stats.TimeSim = 0
	s.stats.ResEq, s.stats.ResIneq, s.stats.Cost = 0, 0, 0
	for k, stg := range s.stages {
		st = st.Worse(stg.status)
		s.stats.TimeSim += stg.simTime
		s.stats.ResEq = math.Max(s.stats.ResEq, stg.eqRes)
		s.stats.ResIneq = math.Max(s.stats.ResIneq, stg.inRes)
		s.stats.Cost += stg.cost
		s.qstages[k] = stg.q
	}
	if math.IsNaN(s.stats.Cost) || math.IsNaN(s.stats.ResEq) {
		st = dynamo.StatusNaNDetected
	}
	if st == dynamo.StatusNaNDetected {
		s.prepStatus = st
		s.stats.TimePreparation = time.Since(start)
		return st, nil
	}

	qst, err := s.qp.Prepare(s.qstages)
	if err != nil {
		return dynamo.StatusSuccess, err
	}
	t := s.qp.Timings()
	s.stats.TimeQPXCond = t.Condense
	s.stats.TimeReg = t.Reg
	s.stats.QPStatus = qst
	s.prepStatus = st.Worse(qst)
	s.prepared = qst.OK()
	s.stats.TimePreparation = time.Since(start)
	return s.prepStatus, nil
}

func (s *Solver) linearize() error {
	N := s.d.N
	eps := s.opts.PhiRelaxation
	errs := make([]error, N+1)
	lin := func(a, b int) {
		for k := a; k < b; k++ {
			var next []float64
			if k < N {
				next = s.stages[k+1].x
			}
			errs[k] = s.stages[k].linearize(next, s.T, eps)
		}
	}
	if s.parallel {
		dynamo.ParallelFor(N+1, 1, 0, lin)
	} else {
		lin(0, N+1)
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// feedback injects the current bounds, solves the prepared QP and applies
// the full step.
func (s *Solver) feedback() (dynamo.Status, error) {
	start := time.Now()
	st, err := s.solveQP()
	if err != nil {
		return st, err
	}
	s.prepared = false
	if st.OK() {
		s.apply(1)
		s.hasSolution = true
		s.stats.Cost = s.iterateCost()
	}
	s.stats.SQPIter = 1
	s.stats.TimeFeedback = time.Since(start)
	s.record(0, 1)
	return s.prepStatus.Worse(st), nil
}

// solveQP refreshes the bounds and solves the condensed QP. The
// stage steps are left in stage.dx and stage.du.
func (s *Solver) solveQP() (dynamo.Status, error) {
	eps := s.opts.PhiRelaxation
	for _, stg := range s.stages {
		if stg.nc() > 0 {
			stg.fillBounds(eps)
		}
	}
	st, err := s.qp.Solve(s.qstages)
	if err != nil {
		return st, err
	}
	s.stats.QPStatus = st
	s.stats.QPIter = 1
	s.stats.TimeQP = s.qp.Timings().Solve
	if !st.OK() {
		return st, nil
	}
	s.stats.ResStep = 0
	for k, stg := range s.stages {
		s.qp.Step(k, stg.dx, stg.du)
		for _, v := range stg.dx {
			s.stats.ResStep = math.Max(s.stats.ResStep, math.Abs(v))
		}
		for _, v := range stg.du {
			s.stats.ResStep = math.Max(s.stats.ResStep, math.Abs(v))
		}
	}
	if math.IsNaN(s.stats.ResStep) {
		return dynamo.StatusNaNDetected, nil
	}
	return st, nil
}

// apply moves the iterate by alpha along the QP step and blends the
// multipliers.
func (s *Solver) apply(alpha float64) {
	for k, stg := range s.stages {
		for i, v := range stg.dx {
			stg.x[i] += alpha * v
		}
		for i, v := range stg.du {
			stg.u[i] += alpha * v
		}
		lam := s.qp.Lam(k)
		for i := range stg.lam {
			stg.lam[i] = (1-alpha)*stg.lam[i] + alpha*lam[i]
		}
	}
}

// iterateCost is the least-squares cost at the current iterate. The
// algebraic states keep their values from the last linearization.
func (s *Solver) iterateCost() float64 {
	c := 0.0
	for _, stg := range s.stages {
		c += stg.lsqCost(stg.x, stg.u, stg.z)
	}
	return c
}

// shift moves the iterate one stage forward; the last stage keeps its
// values.
func (s *Solver) shift() {
	N := s.d.N
	for k := 0; k < N; k++ {
		copy(s.stages[k].x, s.stages[k+1].x)
		if k+1 < N {
			copy(s.stages[k].u, s.stages[k+1].u)
		}
	}
}

func (s *Solver) solveSQP() (dynamo.Status, error) {
	start := time.Now()
	defer func() { s.stats.TimeFeedback = time.Since(start) - s.stats.TimePreparation }()

	var prepTotal time.Duration
	for iter := 0; iter < s.opts.MaxIter; iter++ {
		s.stats.SQPIter = iter + 1
		st, err := s.prepare()
		prepTotal += s.stats.TimePreparation
		s.stats.TimePreparation = prepTotal
		if err != nil {
			return st, err
		}
		if !s.prepared || st == dynamo.StatusNaNDetected {
			s.record(iter, 0)
			return st, nil
		}
		integStatus := st

		st, err = s.solveQP()
		if err != nil {
			return st, err
		}
		if !st.OK() {
			s.record(iter, 0)
			return st, nil
		}

		alpha := s.opts.StepLength
		if s.opts.Globalization == MeritBacktracking {
			var ok bool
			if alpha, ok, err = s.lineSearch(); err != nil {
				return dynamo.StatusSuccess, err
			}
			if !ok {
				s.record(iter, alpha)
				return dynamo.StatusMinStep, nil
			}
		}
		s.apply(alpha)
		s.hasSolution = true
		s.stats.Cost = s.iterateCost()
		s.record(iter, alpha)

		tol := s.opts.Tol
		if s.stats.ResStep*alpha < tol && s.stats.ResEq < tol && s.stats.ResIneq < tol {
			return integStatus, nil
		}
	}
	return dynamo.StatusMaxIter, nil
}

// lineSearch backtracks on the L1 merit cost + penalty·infeasibility with
// an Armijo condition. It reports false once alpha drops below alpha_min.
func (s *Solver) lineSearch() (float64, bool, error) {
	maxLam := 0.0
	for _, stg := range s.stages {
		for _, l := range s.qp.Lam(stg.k) {
			maxLam = math.Max(maxLam, math.Abs(l))
		}
	}
	s.penalty = math.Max(s.penalty, 10*(1+maxLam))

	cost0, infeas0, deriv := 0.0, 0.0, 0.0
	for _, stg := range s.stages {
		cost0 += stg.cost
		for _, d := range stg.q.Defect {
			infeas0 += math.Abs(d)
		}
		for i := 0; i < stg.nc(); i++ {
			infeas0 += violation(stg.q.Val[i], stg.q.Lo[i], stg.q.Hi[i])
		}
		nx := stg.nx
		for i, v := range stg.dx {
			deriv += stg.q.Grad[i] * v
		}
		for i, v := range stg.du {
			deriv += stg.q.Grad[nx+i] * v
		}
	}
	merit0 := cost0 + s.penalty*infeas0
	deriv = math.Min(deriv-s.penalty*infeas0, 0)

	N := s.d.N
	xs := make([][]float64, N+1)
	us := make([][]float64, N+1)
	for alpha := 1.0; alpha >= s.opts.AlphaMin; alpha *= s.opts.AlphaReduction {
		for k, stg := range s.stages {
			xs[k] = trialPoint(xs[k], stg.x, stg.dx, alpha)
			us[k] = trialPoint(us[k], stg.u, stg.du, alpha)
		}
		merit := 0.0
		for k, stg := range s.stages {
			var next []float64
			if k < N {
				next = xs[k+1]
			}
			cost, infeas, _, err := stg.evaluate(xs[k], us[k], next, s.T, s.opts.PhiRelaxation)
			if err != nil {
				return alpha, false, err
			}
			merit += cost + s.penalty*infeas
		}
		if !math.IsNaN(merit) && merit <= merit0+1e-4*alpha*deriv {
			return alpha, true, nil
		}
	}
	s.log.Debug("merit line search failed",
		zap.Float64("merit", merit0),
		zap.Float64("penalty", s.penalty))
	return s.opts.AlphaMin, false, nil
}

func trialPoint(dst, x, dx []float64, alpha float64) []float64 {
	if cap(dst) < len(x) {
		dst = make([]float64, len(x))
	}
	dst = dst[:len(x)]
	for i := range x {
		dst[i] = x[i] + alpha*dx[i]
	}
	return dst
}

func (s *Solver) record(iter int, alpha float64) {
	eq, ineq := s.qp.Rows()
	s.stats.Iterations = append(s.stats.Iterations, Iteration{
		Iter:     iter,
		ResEq:    s.stats.ResEq,
		ResIneq:  s.stats.ResIneq,
		ResStep:  s.stats.ResStep,
		Cost:     s.stats.Cost,
		Alpha:    alpha,
		QPStatus: s.stats.QPStatus,
		QPEq:     eq,
		QPIneq:   ineq,
	})
}
