// Package ocp is the optimal control capsule: a multiple-shooting OCP over
// a registered model, solved by real-time iterations (SQP_RTI) or by a
// full SQP loop.
//
// One RTI step is split into two calls. With rti_phase = 1 the solver
// linearizes every stage at the current iterate and condenses and
// factorizes the QP. With rti_phase = 2 it reads the stage-0 state bounds,
// solves the prepared QP and applies the step. rti_phase = 0 does both.
package ocp

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/san-kum/nmpc/internal/artifact"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/field"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/kernel"
	"github.com/san-kum/nmpc/internal/model"
	"github.com/san-kum/nmpc/internal/qp"
	"github.com/san-kum/nmpc/internal/sim"
)

// Observer receives the statistics of every Solve call. phase is one of
// "preparation", "feedback", "rti" or "sqp".
type Observer interface {
	ObserveSolve(phase string, stats *Stats)
}

type Option func(*Solver)

func WithLogger(l *zap.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

func WithGNSF(desc *gnsf.Descriptor) Option {
	return func(s *Solver) { s.gnsf = desc }
}

func WithObserver(o Observer) Option {
	return func(s *Solver) { s.obs = o }
}

// Solver is not safe for concurrent use.
type Solver struct {
	desc Description
	opts Options
	d    Dims
	m    model.Model
	log  *zap.Logger
	gnsf *gnsf.Descriptor
	obs  Observer

	stages  []*stage
	qstages []qp.Stage
	qp      *qp.Solver
	T       float64

	parallel    bool
	prepared    bool
	prepStatus  dynamo.Status
	hasSolution bool
	penalty     float64
	stats       Stats

	created bool
}

func New(desc Description, opts ...Option) (*Solver, error) {
	desc.Solver = desc.Solver.withDefaults()
	s := &Solver{desc: desc, opts: desc.Solver, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.opts.validate(); err != nil {
		return nil, err
	}

	m, err := kernel.Acquire(desc.Model)
	if err != nil {
		return nil, err
	}
	if err := s.init(m); err != nil {
		kernel.Release()
		return nil, err
	}
	s.created = true
	s.log.Debug("ocp solver created",
		zap.String("model", desc.Model),
		zap.Int("N", s.d.N),
		zap.String("nlp_solver_type", string(s.opts.NLPSolver)),
		zap.String("integrator", string(s.opts.Integrator.Method)),
		zap.Bool("parallel", s.parallel))
	return s, nil
}

// FromArtifact builds a solver from the ocp.json of an artifact directory.
func FromArtifact(dir string, opts ...Option) (*Solver, error) {
	a, err := artifact.Open(dir)
	if err != nil {
		return nil, err
	}
	var desc Description
	if err := a.Decode(artifact.OCPFile, &desc); err != nil {
		return nil, err
	}
	if desc.Model == "" {
		desc.Model = a.Kernel
	}
	if desc.Solver.Integrator.Method == integrators.MethodGNSF {
		g, err := a.GNSF()
		if err != nil {
			return nil, err
		}
		if g != nil {
			opts = append(opts, WithGNSF(g))
		}
	}
	return New(desc, opts...)
}

func (s *Solver) init(m model.Model) error {
	md := m.Dims()
	if err := sim.CheckDims(s.desc.Dims.Dims, md); err != nil {
		return err
	}
	if s.desc.Dims.N < 1 {
		return &dynamo.ConfigError{Field: "N", Reason: fmt.Sprintf("must be positive, got %d", s.desc.Dims.N)}
	}
	if md.NU < 1 {
		return &dynamo.ConfigError{Field: "nu", Reason: "the OCP needs at least one control"}
	}
	if len(s.desc.Parameters) != 0 && len(s.desc.Parameters) != md.NP {
		return &dynamo.ConfigError{Field: "parameter_values", Reason: fmt.Sprintf("has %d entries, model has np = %d", len(s.desc.Parameters), md.NP)}
	}
	s.m, s.d = m, s.desc.Dims
	N := s.d.N
	s.T = s.opts.Tf / float64(N)

	s.stages = make([]*stage, N+1)
	needZx := false
	for k := 0; k <= N; k++ {
		st, err := newStage(&s.desc, k)
		if err != nil {
			return fmt.Errorf("stage %d: %w", k, err)
		}
		s.stages[k] = st
		needZx = needZx || st.needZx
	}

	iopts := s.opts.Integrator
	iopts.T = s.T
	iopts.OutputZ = md.NZ > 0
	iopts.SensAlgebraic = needZx
	iopts.SensAdj, iopts.SensHess = false, false
	s.opts.Integrator = iopts
	for k := 0; k < N; k++ {
		st := s.stages[k]
		integ, err := integrators.New(m, iopts, s.gnsf, st.p)
		if err != nil {
			return err
		}
		st.integ = integ
		st.out = integrators.NewOutput(md)
		st.trial = integrators.NewOutput(md)
	}

	q, err := qp.New(qp.Dims{NX: md.NX, NU: md.NU, N: N}, s.opts.qp(), s.log)
	if err != nil {
		return err
	}
	s.qp = q
	s.qstages = make([]qp.Stage, N+1)
	s.parallel = kernel.Parallel()
	return nil
}

func (s *Solver) Dims() Dims               { return s.d }
func (s *Solver) Description() Description { return s.desc }
func (s *Solver) Options() Options         { return s.opts }

// Prepared reports whether a feedback phase may follow.
func (s *Solver) Prepared() bool { return s.prepared }

// Close releases the kernel reference. Calling it again is a no-op.
func (s *Solver) Close() error {
	if !s.created {
		return nil
	}
	s.created = false
	kernel.Release()
	s.log.Debug("ocp solver closed", zap.String("model", s.desc.Model))
	return nil
}

// Reset clears the iterate, the multipliers and the statistics. Bounds,
// references and parameters are kept.
func (s *Solver) Reset() error {
	if !s.created {
		return dynamo.ErrClosed
	}
	for _, st := range s.stages {
		clear(st.x)
		clear(st.u)
		clear(st.z)
		clear(st.lam)
		st.zGuess = nil
		if st.integ != nil {
			st.integ.Reset()
		}
	}
	s.prepared = false
	s.hasSolution = false
	s.penalty = 0
	s.prepStatus = dynamo.StatusSuccess
	s.stats = Stats{}
	return nil
}

// OptionsSet changes a runtime option.
func (s *Solver) OptionsSet(name string, v any) error {
	if !s.created {
		return dynamo.ErrClosed
	}
	if b, ok := v.(bool); ok {
		v = 0.0
		if b {
			v = 1.0
		}
	}
	val, err := field.Coerce(v)
	if err != nil {
		return fmt.Errorf("option %q: %w", name, err)
	}
	if !val.Shape.Scalar {
		return &dynamo.DimensionMismatchError{Field: name, Expected: dynamo.ScalarShape(), Got: val.Shape}
	}
	f := val.Float()
	switch name {
	case "rti_phase":
		if err := validPhase(int(f)); err != nil {
			return err
		}
		s.opts.RTIPhase = int(f)
	case "max_iter":
		if f < 1 {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("must be positive, got %g", f)}
		}
		s.opts.MaxIter = int(f)
	case "tol":
		if f <= 0 {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("must be positive, got %g", f)}
		}
		s.opts.Tol = f
	case "step_length":
		if f <= 0 || f > 1 {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("must be in (0, 1], got %g", f)}
		}
		s.opts.StepLength = f
	case "phi_relaxation":
		if f < 0 || f >= 1 {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("must be in [0, 1), got %g", f)}
		}
		s.opts.PhiRelaxation = f
	case "shift_init":
		s.opts.ShiftInit = f != 0
	default:
		return &dynamo.UnknownFieldError{Name: name, Scope: "ocp option"}
	}
	return nil
}

func (s *Solver) stage(k int) (*stage, error) {
	if k < 0 || k > s.d.N {
		return nil, fmt.Errorf("%w: stage %d outside [0, %d]", dynamo.ErrDimensionMismatch, k, s.d.N)
	}
	return s.stages[k], nil
}

// target returns the buffer behind a stage field. Fields without a
// meaning on the stage have length zero.
func (st *stage) target(id field.ID) *[]float64 {
	switch id {
	case field.X:
		return &st.x
	case field.U:
		return &st.u
	case field.Z:
		if st.last {
			return new([]float64)
		}
		return &st.z
	case field.P:
		return &st.p
	case field.YRef:
		return &st.yref
	case field.LBX:
		return &st.lbx
	case field.UBX:
		return &st.ubx
	case field.LBU:
		return &st.lbu
	case field.UBU:
		return &st.ubu
	case field.LG:
		return &st.lg
	case field.UG:
		return &st.ug
	case field.LPhi:
		return &st.lphi
	case field.UPhi:
		return &st.uphi
	case field.Lam:
		return &st.lam
	}
	return nil
}

// Set writes a stage field. The expected length follows the stage: the
// _0 variants on stage 0, the _e variants on stage N.
func (s *Solver) Set(k int, name string, v any) error {
	if !s.created {
		return dynamo.ErrClosed
	}
	id, err := field.Stage.Lookup(name, field.Set)
	if err != nil {
		return err
	}
	st, err := s.stage(k)
	if err != nil {
		return err
	}
	dst := st.target(id)
	data, err := field.Conform(id, dynamo.VectorShape(len(*dst)), v)
	if err != nil {
		return err
	}
	if id == field.Z {
		st.zGuess = append(st.zGuess[:0], data...)
		return nil
	}
	copy(*dst, data)
	return nil
}

// Get reads a stage field. The result never aliases solver memory.
func (s *Solver) Get(k int, name string) (field.Value, error) {
	if !s.created {
		return field.Value{}, dynamo.ErrClosed
	}
	id, err := field.Stage.Lookup(name, field.Get)
	if err != nil {
		return field.Value{}, err
	}
	st, err := s.stage(k)
	if err != nil {
		return field.Value{}, err
	}
	return field.VectorValue(*st.target(id)), nil
}

// Vector is Get returning the raw slice.
func (s *Solver) Vector(k int, name string) ([]float64, error) {
	v, err := s.Get(k, name)
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// SetFlat writes a field on every stage from one concatenated array.
func (s *Solver) SetFlat(name string, v []float64) error {
	if !s.created {
		return dynamo.ErrClosed
	}
	id, err := field.Stage.Lookup(name, field.Set)
	if err != nil {
		return err
	}
	total := 0
	for _, st := range s.stages {
		total += len(*st.target(id))
	}
	if len(v) != total {
		return &dynamo.DimensionMismatchError{Field: name, Expected: dynamo.VectorShape(total), Got: dynamo.VectorShape(len(v))}
	}
	off := 0
	for k, st := range s.stages {
		n := len(*st.target(id))
		if err := s.Set(k, name, v[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// UpdateParams sets the parameters of every stage.
func (s *Solver) UpdateParams(p []float64) error {
	if !s.created {
		return dynamo.ErrClosed
	}
	if len(p) != s.d.NP {
		return &dynamo.DimensionMismatchError{Field: "p", Expected: dynamo.VectorShape(s.d.NP), Got: dynamo.VectorShape(len(p))}
	}
	for _, st := range s.stages {
		copy(st.p, p)
	}
	return nil
}

// Stats returns a copy of the statistics of the last Solve.
func (s *Solver) Stats() Stats {
	out := s.stats
	out.Iterations = append([]Iteration(nil), s.stats.Iterations...)
	return out
}
