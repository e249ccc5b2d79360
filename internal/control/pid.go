package control

import "github.com/san-kum/nmpc/internal/dynamo"

// PID drives x[0] towards Target through u[0]. The other controls are
// zero.
type PID struct {
	Kp     float64
	Ki     float64
	Kd     float64
	Target float64

	dim      int
	integral float64
	prevErr  float64
	prevT    float64
	first    bool
}

func NewPID(kp, ki, kd, target float64, dim int) *PID {
	return &PID{
		Kp:     kp,
		Ki:     ki,
		Kd:     kd,
		Target: target,
		dim:    max(dim, 1),
		first:  true,
	}
}

func (p *PID) Compute(x dynamo.State, t float64) (dynamo.Control, error) {
	if len(x) == 0 {
		return nil, &dynamo.DimensionMismatchError{Field: "x", Expected: dynamo.VectorShape(1), Got: dynamo.VectorShape(0)}
	}
	u := make(dynamo.Control, p.dim)
	err := p.Target - x[0]

	if p.first {
		p.prevErr = err
		p.prevT = t
		p.first = false
		u[0] = p.Kp * err
		return u, nil
	}

	dt := t - p.prevT
	if dt <= 0 {
		u[0] = p.Kp * err
		return u, nil
	}
	p.integral += err * dt
	derivative := (err - p.prevErr) / dt
	u[0] = p.Kp*err + p.Ki*p.integral + p.Kd*derivative

	p.prevErr = err
	p.prevT = t
	return u, nil
}

// Reset clears integral and derivative state
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.first = true
}
