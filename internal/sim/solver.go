// Package sim is the integrator capsule: a named-field interface around
// one integrator instance bound to a registered model kernel.
//
// Inputs are written with Set, results read with Get. Sensitivity outputs
// are gated by options that can be switched off after construction but
// never switched on if they were disabled when the capsule was created.
package sim

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/artifact"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/field"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/kernel"
	"github.com/san-kum/nmpc/internal/model"
)

// Description is the content of sim.json.
type Description struct {
	Model      string              `json:"model" yaml:"model"`
	Dims       dynamo.Dims         `json:"dims" yaml:"dims"`
	Solver     integrators.Options `json:"solver_options" yaml:"solver_options"`
	Parameters []float64           `json:"parameter_values,omitempty" yaml:"parameter_values"`
}

// CheckDims compares the description against the kernel's dimensions.
func (d Description) CheckDims(got dynamo.Dims) error {
	return CheckDims(d.Dims, got)
}

// CheckDims reports the first dimension on which want and got disagree.
func CheckDims(want, got dynamo.Dims) error {
	pairs := []struct {
		name   string
		dw, dg int
	}{
		{"nx", want.NX, got.NX},
		{"nu", want.NU, got.NU},
		{"nz", want.NZ, got.NZ},
		{"np", want.NP, got.NP},
	}
	for _, p := range pairs {
		if p.dw != p.dg {
			return &dynamo.ConfigError{Field: p.name, Reason: fmt.Sprintf("description has %d, kernel has %d", p.dw, p.dg)}
		}
	}
	return nil
}

type Option func(*Solver)

func WithLogger(l *zap.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

// WithGNSF attaches a precomputed structure to a GNSF integrator.
func WithGNSF(desc *gnsf.Descriptor) Option {
	return func(s *Solver) { s.gnsf = desc }
}

// Solver is not safe for concurrent use.
type Solver struct {
	desc  Description
	m     model.Model
	d     dynamo.Dims
	integ integrators.Integrator
	gnsf  *gnsf.Descriptor
	log   *zap.Logger

	in     integrators.Input
	out    *integrators.Output
	raw    map[field.ID][]float64
	solved bool
	status dynamo.Status
	cpu    time.Duration

	// capability is fixed at construction; active may only shrink within it.
	capability integrators.Sens
	active     integrators.Sens

	created bool
}

func New(desc Description, opts ...Option) (*Solver, error) {
	desc.Solver = desc.Solver.WithDefaults()
	s := &Solver{desc: desc, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
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
	s.log.Debug("sim solver created",
		zap.String("model", desc.Model),
		zap.String("integrator", string(desc.Solver.Method)),
		zap.Int("num_stages", desc.Solver.NumStages),
		zap.Int("num_steps", desc.Solver.NumSteps))
	return s, nil
}

// FromArtifact builds a solver from the sim.json of an artifact directory.
func FromArtifact(dir string, opts ...Option) (*Solver, error) {
	a, err := artifact.Open(dir)
	if err != nil {
		return nil, err
	}
	var desc Description
	if err := a.Decode(artifact.SimFile, &desc); err != nil {
		return nil, err
	}
	if desc.Model == "" {
		desc.Model = a.Kernel
	}
	if desc.Solver.Method == integrators.MethodGNSF {
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
	d := m.Dims()
	if err := s.desc.CheckDims(d); err != nil {
		return err
	}
	if len(s.desc.Parameters) != 0 && len(s.desc.Parameters) != d.NP {
		return &dynamo.ConfigError{Field: "parameter_values", Reason: fmt.Sprintf("has %d entries, model has np = %d", len(s.desc.Parameters), d.NP)}
	}
	p := make([]float64, d.NP)
	copy(p, s.desc.Parameters)

	integ, err := integrators.New(m, s.desc.Solver, s.gnsf, p)
	if err != nil {
		return err
	}

	o := s.desc.Solver
	s.m, s.d, s.integ = m, d, integ
	s.out = integrators.NewOutput(d)
	s.raw = make(map[field.ID][]float64)
	s.in = integrators.Input{
		X:       make([]float64, d.NX),
		U:       make([]float64, d.NU),
		P:       p,
		SeedAdj: make([]float64, d.NX),
		T:       o.T,
	}
	s.capability = integrators.Sens{
		Forw:      o.SensForw,
		Adj:       o.SensAdj,
		Hess:      o.SensHess,
		Algebraic: o.SensAlgebraic && d.NZ > 0,
		OutputZ:   o.OutputZ && d.NZ > 0,
	}
	s.active = s.capability
	return nil
}

func (s *Solver) Dims() dynamo.Dims                   { return s.d }
func (s *Solver) Description() Description            { return s.desc }
func (s *Solver) Integrator() integrators.Integrator { return s.integ }
func (s *Solver) Status() dynamo.Status               { return s.status }

// Close releases the kernel reference. Calling it again is a no-op.
func (s *Solver) Close() error {
	if !s.created {
		return nil
	}
	s.created = false
	kernel.Release()
	s.log.Debug("sim solver closed", zap.String("model", s.desc.Model))
	return nil
}

// Solve integrates over [t0, t0+T] from the current inputs.
func (s *Solver) Solve() (dynamo.Status, error) {
	if !s.created {
		return dynamo.StatusSuccess, dynamo.ErrClosed
	}
	start := time.Now()
	in := s.in
	in.Sens = s.active
	st, err := s.integ.Simulate(&in, s.out)
	s.cpu = time.Since(start)
	// xdot and z guesses apply to one call only
	s.in.XDot, s.in.Z = nil, nil
	if err != nil {
		return st, err
	}
	s.solved = true
	s.status = st
	if !st.OK() {
		s.log.Debug("integrator status",
			zap.Stringer("status", st),
			zap.Int("newton_iters", s.out.NewtonIters))
	}
	return st, nil
}

// SetOption switches a sensitivity output. Enabling one that was disabled
// at construction fails with a *dynamo.PermissionError.
func (s *Solver) SetOption(name string, on bool) error {
	if !s.created {
		return dynamo.ErrClosed
	}
	var capable bool
	var flag *bool
	switch name {
	case "sens_forw":
		capable, flag = s.capability.Forw, &s.active.Forw
	case "sens_adj":
		capable, flag = s.capability.Adj, &s.active.Adj
	case "sens_hess":
		capable, flag = s.capability.Hess, &s.active.Hess
	case "sens_algebraic":
		capable, flag = s.capability.Algebraic, &s.active.Algebraic
	case "output_z":
		capable, flag = s.capability.OutputZ, &s.active.OutputZ
	default:
		return &dynamo.UnknownFieldError{Name: name, Scope: "sim option"}
	}
	if on && !capable {
		return &dynamo.PermissionError{Option: name}
	}
	*flag = on
	return nil
}

// Set writes an input field. On error the field keeps its previous value.
func (s *Solver) Set(name string, v any) error {
	if !s.created {
		return dynamo.ErrClosed
	}
	id, err := field.Sim.Lookup(name, field.Set)
	if err != nil {
		return err
	}
	if id == field.P {
		data, err := field.Conform(id, dynamo.VectorShape(s.d.NP), v)
		if err != nil {
			return err
		}
		return s.UpdateParams(data)
	}

	data, err := field.Conform(id, s.inputShape(id), v)
	if err != nil {
		return err
	}
	switch id {
	case field.X:
		copy(s.in.X, data)
	case field.U:
		copy(s.in.U, data)
	case field.XDot:
		s.in.XDot = append(s.in.XDot[:0], data...)
	case field.Z:
		s.in.Z = append(s.in.Z[:0], data...)
	case field.SeedAdj:
		copy(s.in.SeedAdj, data)
	case field.T:
		if data[0] <= 0 {
			return &dynamo.ConfigError{Field: "T", Reason: fmt.Sprintf("must be positive, got %g", data[0])}
		}
		s.in.T = data[0]
	case field.T0:
		// the built-in kernels are time invariant; t0 is only echoed
	}
	s.raw[id] = append([]float64(nil), data...)
	return nil
}

// UpdateParams replaces the model parameters for subsequent solves.
func (s *Solver) UpdateParams(p []float64) error {
	if !s.created {
		return dynamo.ErrClosed
	}
	if len(p) != s.d.NP {
		return &dynamo.DimensionMismatchError{Field: "p", Expected: dynamo.VectorShape(s.d.NP), Got: dynamo.VectorShape(len(p))}
	}
	copy(s.in.P, p)
	s.raw[field.P] = append([]float64(nil), p...)
	return nil
}

func (s *Solver) inputShape(id field.ID) dynamo.Shape {
	switch id {
	case field.X, field.XDot, field.SeedAdj:
		return dynamo.VectorShape(s.d.NX)
	case field.U:
		return dynamo.VectorShape(s.d.NU)
	case field.Z:
		return dynamo.VectorShape(s.d.NZ)
	case field.P:
		return dynamo.VectorShape(s.d.NP)
	default:
		return dynamo.ScalarShape()
	}
}

// Input returns a copy of the raw data last written to name.
func (s *Solver) Input(name string) ([]float64, error) {
	if !s.created {
		return nil, dynamo.ErrClosed
	}
	id, err := field.Sim.Lookup(name, field.Set)
	if err != nil {
		return nil, err
	}
	raw, ok := s.raw[id]
	if !ok {
		return nil, fmt.Errorf("sim field %q has not been set", name)
	}
	return append([]float64(nil), raw...), nil
}

// Get reads an output field. The returned data never aliases solver
// buffers.
func (s *Solver) Get(name string) (field.Value, error) {
	if !s.created {
		return field.Value{}, dynamo.ErrClosed
	}
	id, err := field.Sim.Lookup(name, field.Get)
	if err != nil {
		return field.Value{}, err
	}
	nx, nu := s.d.NX, s.d.NU
	switch id {
	case field.X:
		if !s.solved {
			return field.VectorValue(s.in.X), nil
		}
		return field.VectorValue(s.out.X), nil
	case field.U:
		return field.VectorValue(s.in.U), nil
	case field.Z:
		if !s.active.OutputZ && s.d.NZ > 0 {
			return field.Value{}, s.disabled("output_z")
		}
		return field.VectorValue(s.out.Z), nil
	case field.SForw:
		if !s.active.Forw {
			return field.Value{}, s.disabled("sens_forw")
		}
		return field.MatrixValue(s.out.SForw), nil
	case field.Sx:
		if !s.active.Forw {
			return field.Value{}, s.disabled("sens_forw")
		}
		return field.MatrixValue(s.out.SForw.Slice(0, nx, 0, nx)), nil
	case field.Su:
		if !s.active.Forw {
			return field.Value{}, s.disabled("sens_forw")
		}
		if nu == 0 {
			return field.Value{Shape: dynamo.MatrixShape(nx, 0)}, nil
		}
		return field.MatrixValue(s.out.SForw.Slice(0, nx, nx, nx+nu)), nil
	case field.SAdj:
		if !s.active.Adj {
			return field.Value{}, s.disabled("sens_adj")
		}
		return field.VectorValue(s.out.SAdj), nil
	case field.SHess:
		if !s.active.Hess {
			return field.Value{}, s.disabled("sens_hess")
		}
		return field.MatrixValue(s.out.SHess), nil
	case field.SAlgebraic:
		if s.d.NZ == 0 {
			return field.Value{Shape: dynamo.MatrixShape(0, nx+nu)}, nil
		}
		if !s.active.Algebraic {
			return field.Value{}, s.disabled("sens_algebraic")
		}
		return field.MatrixValue(s.out.SAlgebraic), nil
	case field.CPUTime, field.TimeTot:
		return field.ScalarValue(s.cpu.Seconds()), nil
	case field.ADTime, field.TimeAD:
		return field.ScalarValue(s.out.ADTime.Seconds()), nil
	case field.LATime, field.TimeLA:
		return field.ScalarValue(s.out.LATime.Seconds()), nil
	}
	return field.Value{}, &dynamo.UnknownFieldError{Name: name, Scope: "sim"}
}

func (s *Solver) disabled(option string) error {
	return fmt.Errorf("%w: %s is off", dynamo.ErrSensitivityDisabled, option)
}

// Vector is Get for vector fields.
func (s *Solver) Vector(name string) ([]float64, error) {
	v, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// Matrix is Get for matrix fields.
func (s *Solver) Matrix(name string) (*mat.Dense, error) {
	v, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return v.Dense(), nil
}

// NewtonResiduals returns the residual history of the last solve, one
// slice per integration step.
func (s *Solver) NewtonResiduals() [][]float64 {
	out := make([][]float64, len(s.out.NewtonResiduals))
	for i, h := range s.out.NewtonResiduals {
		out[i] = append([]float64(nil), h...)
	}
	return out
}
