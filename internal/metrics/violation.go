package metrics

import (
	"math"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Violation records the largest positive value of g over a run. g returns
// the amount by which (x, u) violates a constraint, or a non-positive
// value when it holds.
type Violation struct {
	name  string
	g     func(x dynamo.State, u dynamo.Control) float64
	worst float64
	count int
}

func NewViolation(name string, g func(x dynamo.State, u dynamo.Control) float64) *Violation {
	return &Violation{name: name, g: g}
}

// NewControlNormBound measures ‖u‖₂ against limit.
func NewControlNormBound(limit float64) *Violation {
	return NewViolation("control_norm_violation", func(_ dynamo.State, u dynamo.Control) float64 {
		sq := 0.0
		for _, v := range u {
			sq += v * v
		}
		return math.Sqrt(sq) - limit
	})
}

func (v *Violation) Name() string { return v.name }

func (v *Violation) Observe(x dynamo.State, u dynamo.Control, t float64) {
	if len(u) == 0 {
		return
	}
	if g := v.g(x, u); g > 0 {
		v.worst = math.Max(v.worst, g)
		v.count++
	}
}

func (v *Violation) Value() float64 { return v.worst }

// Count is the number of violating samples.
func (v *Violation) Count() int { return v.count }

func (v *Violation) Reset() {
	v.worst = 0
	v.count = 0
}
