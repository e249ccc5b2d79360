// Package integrators advances DAE models over one sampling interval and
// propagates first and second order sensitivities.
//
// Three methods share the [Integrator] contract:
//
//   - [IRK]: implicit collocation (Gauss-Legendre or Radau IIA) solved by
//     Newton iteration on all stage values
//   - [GNSFIRK]: the same collocation with the stage values eliminated
//     through a precomputed linear map, Newton on the nonlinearity only
//   - [RK4]: explicit Runge-Kutta for ODE models
//
// Newton non-convergence is reported as [dynamo.StatusIntegratorNotConverged]
// with the last iterate in the output.
package integrators

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/model"
)

type Method string

const (
	MethodIRK  Method = "IRK"
	MethodGNSF Method = "GNSF"
	MethodERK  Method = "ERK"
)

type Options struct {
	Method      Method      `json:"integrator_type" yaml:"integrator_type"`
	Collocation Collocation `json:"collocation_type" yaml:"collocation_type"`
	NumStages   int         `json:"num_stages" yaml:"num_stages"`
	NumSteps    int         `json:"num_steps" yaml:"num_steps"`
	NewtonIter  int         `json:"newton_iter" yaml:"newton_iter"`
	// NewtonTol of zero runs exactly NewtonIter iterations.
	NewtonTol float64 `json:"newton_tol" yaml:"newton_tol"`
	T         float64 `json:"T" yaml:"T"`

	SensForw      bool `json:"sens_forw" yaml:"sens_forw"`
	SensAdj       bool `json:"sens_adj" yaml:"sens_adj"`
	SensHess      bool `json:"sens_hess" yaml:"sens_hess"`
	SensAlgebraic bool `json:"sens_algebraic" yaml:"sens_algebraic"`
	OutputZ       bool `json:"output_z" yaml:"output_z"`
}

func DefaultOptions() Options {
	return Options{
		Method:      MethodIRK,
		Collocation: GaussLegendre,
		NumStages:   4,
		NumSteps:    1,
		NewtonIter:  3,
		T:           0.1,
		SensForw:    true,
		OutputZ:     true,
	}
}

// WithDefaults fills unset entries from DefaultOptions. Sensitivity flags
// are left as given.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Method == "" {
		o.Method = def.Method
	}
	if o.Collocation == "" {
		o.Collocation = def.Collocation
	}
	if o.NumStages == 0 {
		o.NumStages = def.NumStages
	}
	if o.NumSteps == 0 {
		o.NumSteps = def.NumSteps
	}
	if o.NewtonIter == 0 && o.NewtonTol == 0 {
		o.NewtonIter = def.NewtonIter
	}
	if o.T == 0 {
		o.T = def.T
	}
	return o
}

func (o Options) Validate(d dynamo.Dims) error {
	if o.NumStages < 1 || o.NumStages > maxStages {
		return &dynamo.ConfigError{Field: "num_stages", Reason: fmt.Sprintf("must be in [1, %d], got %d", maxStages, o.NumStages)}
	}
	if o.NumSteps < 1 {
		return &dynamo.ConfigError{Field: "num_steps", Reason: fmt.Sprintf("must be positive, got %d", o.NumSteps)}
	}
	if o.NewtonIter < 0 {
		return &dynamo.ConfigError{Field: "newton_iter", Reason: fmt.Sprintf("must be non-negative, got %d", o.NewtonIter)}
	}
	if o.NewtonTol < 0 {
		return &dynamo.ConfigError{Field: "newton_tol", Reason: fmt.Sprintf("must be non-negative, got %g", o.NewtonTol)}
	}
	if o.T <= 0 {
		return &dynamo.ConfigError{Field: "T", Reason: fmt.Sprintf("must be positive, got %g", o.T)}
	}
	switch o.Method {
	case MethodIRK:
	case MethodGNSF:
		if o.SensHess {
			return &dynamo.ConfigError{Field: "sens_hess", Reason: "Hessian sensitivities are not available with the GNSF integrator"}
		}
	case MethodERK:
		if d.NZ > 0 {
			return &dynamo.ConfigError{Field: "integrator_type", Reason: "ERK cannot integrate models with algebraic states"}
		}
	default:
		return &dynamo.ConfigError{Field: "integrator_type", Reason: fmt.Sprintf("unknown integrator %q", o.Method)}
	}
	if o.Method != MethodERK {
		switch o.Collocation {
		case GaussLegendre, GaussRadauIIA:
		default:
			return &dynamo.ConfigError{Field: "collocation_type", Reason: fmt.Sprintf("unknown collocation %q", o.Collocation)}
		}
	}
	return nil
}

// Sens selects the sensitivities computed by one call. A flag may only be
// set if the matching option was enabled at construction.
type Sens struct {
	Forw      bool
	Adj       bool
	Hess      bool
	Algebraic bool
	OutputZ   bool
}

type Input struct {
	X, U, P []float64
	// XDot and Z, when non-nil, replace the warm start of the stage values.
	XDot, Z []float64
	SeedAdj []float64
	T       float64
	Sens    Sens
}

type Output struct {
	X []float64
	Z []float64
	// SForw is nx x (nx+nu): [dx_next/dx, dx_next/du].
	SForw *mat.Dense
	SAdj  []float64
	// SHess is (nx+nu) x (nx+nu), the Hessian of seed^T x_next.
	SHess *mat.Dense
	// SAlgebraic is nz x (nx+nu), the sensitivity of z at the start of the interval.
	SAlgebraic *mat.Dense

	Status dynamo.Status
	// NewtonResiduals holds the residual norm at every Newton iteration,
	// one slice per integration step.
	NewtonResiduals [][]float64
	NewtonIters     int

	ADTime  time.Duration
	LATime  time.Duration
	TotTime time.Duration
}

// NewOutput allocates the output buffers for d.
func NewOutput(d dynamo.Dims) *Output {
	nxu := d.NX + d.NU
	o := &Output{
		X:     make([]float64, d.NX),
		Z:     make([]float64, d.NZ),
		SForw: mat.NewDense(d.NX, nxu, nil),
		SAdj:  make([]float64, nxu),
		SHess: mat.NewDense(nxu, nxu, nil),
	}
	if d.NZ > 0 {
		o.SAlgebraic = mat.NewDense(d.NZ, nxu, nil)
	}
	return o
}

type Integrator interface {
	Simulate(in *Input, out *Output) (dynamo.Status, error)
	// Reset drops the warm start of the stage values.
	Reset()
	Options() Options
	Dims() dynamo.Dims
}

// New builds the integrator selected by opts.Method. desc may be nil, in
// which case the GNSF structure is taken from the model or detected.
func New(m model.Model, opts Options, desc *gnsf.Descriptor, p []float64) (Integrator, error) {
	d := m.Dims()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(d); err != nil {
		return nil, err
	}
	switch opts.Method {
	case MethodGNSF:
		if desc == nil {
			var err error
			if desc, err = gnsf.ForModel(m, p); err != nil {
				return nil, err
			}
		}
		return NewGNSFIRK(m, desc, opts)
	case MethodERK:
		e, ok := m.(model.Explicit)
		if !ok {
			return nil, &dynamo.ConfigError{Field: "integrator_type", Reason: fmt.Sprintf("model %s is not explicit", m.Name())}
		}
		return NewRK4(e, opts), nil
	default:
		return NewIRK(m, opts)
	}
}

func checkInput(d dynamo.Dims, in *Input) error {
	if len(in.X) != d.NX {
		return &dynamo.DimensionMismatchError{Field: "x", Expected: dynamo.VectorShape(d.NX), Got: dynamo.VectorShape(len(in.X))}
	}
	if len(in.U) != d.NU {
		return &dynamo.DimensionMismatchError{Field: "u", Expected: dynamo.VectorShape(d.NU), Got: dynamo.VectorShape(len(in.U))}
	}
	if len(in.P) != d.NP {
		return &dynamo.DimensionMismatchError{Field: "p", Expected: dynamo.VectorShape(d.NP), Got: dynamo.VectorShape(len(in.P))}
	}
	if in.T <= 0 {
		return &dynamo.ConfigError{Field: "T", Reason: fmt.Sprintf("must be positive, got %g", in.T)}
	}
	if (in.Sens.Adj || in.Sens.Hess) && len(in.SeedAdj) != d.NX {
		return &dynamo.DimensionMismatchError{Field: "seed_adj", Expected: dynamo.VectorShape(d.NX), Got: dynamo.VectorShape(len(in.SeedAdj))}
	}
	return nil
}
