package integrators

import (
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

// oscillator is xdot = [x1, -x0 + u].
type oscillator struct{}

func (oscillator) Name() string      { return "oscillator" }
func (oscillator) Dims() dynamo.Dims { return dynamo.Dims{NX: 2, NU: 1} }

func (oscillator) Derive(out, x, u, _ []float64) {
	out[0] = x[1]
	out[1] = -x[0] + u[0]
}

func (o oscillator) Implicit(out, xdot, x, u, z, p []float64) {
	model.ExplicitResidual(o, out, xdot, x, u, p)
}

func rsmOptions() Options {
	opts := DefaultOptions()
	opts.NumStages = 2
	opts.NumSteps = 1
	opts.NewtonIter = 20
	opts.NewtonTol = 1e-12
	opts.T = 0.0008
	opts.SensAlgebraic = true
	opts.SensAdj = true
	return opts
}

// rsmInput starts at the steady state for i_d = -20, i_q = 20 with a
// consistent current guess.
func rsmInput() *Input {
	x, u := model.NewRSM().SteadyState(-20, 20, 300)
	return &Input{
		X:       x,
		U:       u,
		P:       []float64{300, 0, 0},
		XDot:    []float64{0, 0},
		Z:       []float64{-20, 20},
		SeedAdj: []float64{1, -0.5},
		T:       0.0008,
		Sens:    Sens{Forw: true, Adj: true, Algebraic: true, OutputZ: true},
	}
}
