package model

import (
	"fmt"
	"math"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Pendulum is a damped torque-driven pendulum with state [theta, omega].
type Pendulum struct {
	Mass    float64
	Length  float64
	Damping float64
	Gravity float64
}

func NewPendulum() *Pendulum {
	return &Pendulum{
		Mass:    1.0,
		Length:  1.0,
		Damping: 0.1,
		Gravity: 9.81,
	}
}

func (p *Pendulum) Name() string      { return "pendulum" }
func (p *Pendulum) Dims() dynamo.Dims { return dynamo.Dims{NX: 2, NU: 1} }

func (p *Pendulum) Derive(out, x, u, _ []float64) {
	theta := x[0]
	omega := x[1]
	torque := u[0]

	out[0] = omega
	out[1] = (-p.Damping*omega - p.Mass*p.Gravity*p.Length*math.Sin(theta) + torque) / (p.Mass * p.Length * p.Length)
}

func (p *Pendulum) Implicit(out, xdot, x, u, z, par []float64) {
	ExplicitResidual(p, out, xdot, x, u, par)
}

func (p *Pendulum) Energy(x []float64) float64 {
	// KE = 0.5 * m * (L*omega)^2
	// PE = m * g * L * (1 - cos(theta))
	v := p.Length * x[1]
	ke := 0.5 * p.Mass * v * v
	pe := p.Mass * p.Gravity * p.Length * (1.0 - math.Cos(x[0]))
	return ke + pe
}

func (p *Pendulum) GetParams() map[string]float64 {
	return map[string]float64{
		"mass":    p.Mass,
		"length":  p.Length,
		"damping": p.Damping,
		"gravity": p.Gravity,
	}
}

func (p *Pendulum) SetParam(name string, value float64) error {
	switch name {
	case "mass":
		p.Mass = value
	case "length":
		p.Length = value
	case "damping":
		p.Damping = value
	case "gravity":
		p.Gravity = value
	default:
		return fmt.Errorf("unknown param: %s", name)
	}
	return nil
}
