// Package model defines the DAE contract shared by the integrators and
// the OCP solver, plus the built-in models registered as kernels.
//
// A model is an implicit residual f(xdot, x, u, z, p) = 0 of length
// nx+nz. Derivatives come from [Jacobian] when a model implements it and
// from central finite differences otherwise.
package model

import (
	"fmt"
	"time"

	"github.com/curioloop/optimizer/numdiff"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

type Model interface {
	Name() string
	Dims() dynamo.Dims
	// Implicit writes f(xdot, x, u, z, p) to out.
	Implicit(out, xdot, x, u, z, p []float64)
}

// Explicit models are ODEs xdot = f(x, u, p) without algebraic states.
type Explicit interface {
	Model
	Derive(out, x, u, p []float64)
}

// Jacobian writes df/dw for w = [xdot; x; u; z] into jac, which has
// nx+nz rows and 2nx+nu+nz columns.
type Jacobian interface {
	ImplicitJacobian(jac *mat.Dense, xdot, x, u, z, p []float64)
}

// Split views w = [xdot; x; u; z] as its parts.
func Split(d dynamo.Dims, w []float64) (xdot, x, u, z []float64) {
	nx, nu := d.NX, d.NU
	return w[:nx], w[nx : 2*nx], w[2*nx : 2*nx+nu], w[2*nx+nu:]
}

// Pack copies the parts into w.
func Pack(d dynamo.Dims, w, xdot, x, u, z []float64) {
	wxd, wx, wu, wz := Split(d, w)
	copy(wxd, xdot)
	copy(wx, x)
	copy(wu, u)
	copy(wz, z)
}

// ExplicitResidual evaluates out = xdot - f(x, u, p) for an explicit model.
func ExplicitResidual(m Explicit, out, xdot, x, u, p []float64) {
	m.Derive(out, x, u, p)
	for i := range out {
		out[i] = xdot[i] - out[i]
	}
}

// Evaluator evaluates a model and its Jacobian with reusable buffers. It
// accumulates the time spent in model code. Not safe for concurrent use.
type Evaluator struct {
	m    Model
	d    dynamo.Dims
	jac  Jacobian
	diff numdiff.ApproxSpec

	w     []float64
	p     []float64
	jbuf  []float64
	evals int

	ADTime time.Duration
}

func NewEvaluator(m Model) *Evaluator {
	d := m.Dims()
	e := &Evaluator{
		m:    m,
		d:    d,
		w:    make([]float64, d.NW()),
		jbuf: make([]float64, (d.NX+d.NZ)*d.NW()),
	}
	if j, ok := m.(Jacobian); ok {
		e.jac = j
	}
	e.diff = numdiff.ApproxSpec{
		N:      d.NW(),
		M:      d.NX + d.NZ,
		Method: numdiff.Central,
		Object: func(w, y []float64) {
			xdot, x, u, z := Split(e.d, w)
			e.m.Implicit(y, xdot, x, u, z, e.p)
			e.evals++
		},
	}
	return e
}

func (e *Evaluator) Model() Model      { return e.m }
func (e *Evaluator) Dims() dynamo.Dims { return e.d }

// Evals is the number of residual evaluations so far.
func (e *Evaluator) Evals() int { return e.evals }

func (e *Evaluator) Residual(out, xdot, x, u, z, p []float64) {
	start := time.Now()
	e.m.Implicit(out, xdot, x, u, z, p)
	e.evals++
	e.ADTime += time.Since(start)
}

// Jacobian writes df/d[xdot; x; u; z] into jac.
func (e *Evaluator) Jacobian(jac *mat.Dense, xdot, x, u, z, p []float64) error {
	start := time.Now()
	defer func() { e.ADTime += time.Since(start) }()

	r, c := jac.Dims()
	if r != e.d.NX+e.d.NZ || c != e.d.NW() {
		return fmt.Errorf("model %s: jacobian is %dx%d, want %dx%d", e.m.Name(), r, c, e.d.NX+e.d.NZ, e.d.NW())
	}
	if e.jac != nil {
		e.jac.ImplicitJacobian(jac, xdot, x, u, z, p)
		return nil
	}
	Pack(e.d, e.w, xdot, x, u, z)
	e.p = p
	if err := e.diff.Diff(e.w, e.jbuf); err != nil {
		return fmt.Errorf("model %s: %w", e.m.Name(), err)
	}
	jac.Copy(mat.NewDense(r, c, e.jbuf))
	return nil
}
