package model

import (
	"math"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// CartPole has state [pos, vel, theta, omega] and a horizontal force input.
// Theta is measured from the upright position.
type CartPole struct {
	CartMass   float64
	PoleMass   float64
	PoleLength float64
	Gravity    float64
}

func NewCartPole() *CartPole {
	return &CartPole{
		CartMass:   1.0,
		PoleMass:   0.1,
		PoleLength: 1.0,
		Gravity:    9.81,
	}
}

func (c *CartPole) Name() string      { return "cartpole" }
func (c *CartPole) Dims() dynamo.Dims { return dynamo.Dims{NX: 4, NU: 1} }

func (c *CartPole) Derive(out, x, u, _ []float64) {
	vel := x[1]
	theta := x[2]
	omega := x[3]
	force := u[0]

	mc := c.CartMass
	mp := c.PoleMass
	l := c.PoleLength
	g := c.Gravity

	sint := math.Sin(theta)
	cost := math.Cos(theta)

	temp := (force + mp*l*omega*omega*sint) / (mc + mp)
	thetaacc := (g*sint - cost*temp) / (l * (4.0/3.0 - mp*cost*cost/(mc+mp)))
	xacc := temp - mp*l*thetaacc*cost/(mc+mp)

	out[0] = vel
	out[1] = xacc
	out[2] = omega
	out[3] = thetaacc
}

func (c *CartPole) Implicit(out, xdot, x, u, z, p []float64) {
	ExplicitResidual(c, out, xdot, x, u, p)
}
