package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Decay is the scalar linear plant xdot = -a*x + u.
type Decay struct {
	Rate float64
}

func NewDecay() *Decay {
	return &Decay{Rate: 1.0}
}

func (d *Decay) Name() string      { return "decay" }
func (d *Decay) Dims() dynamo.Dims { return dynamo.Dims{NX: 1, NU: 1} }

func (d *Decay) Derive(out, x, u, p []float64) {
	out[0] = -d.Rate*x[0] + u[0]
}

func (d *Decay) Implicit(out, xdot, x, u, z, p []float64) {
	ExplicitResidual(d, out, xdot, x, u, p)
}

func (d *Decay) ImplicitJacobian(jac *mat.Dense, xdot, x, u, z, p []float64) {
	jac.Set(0, 0, 1)
	jac.Set(0, 1, d.Rate)
	jac.Set(0, 2, -1)
}
