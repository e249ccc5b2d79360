package metrics

import (
	"math"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// ControlEffort is the root mean square over samples of the weighted
// control norm sqrt(sum_i w_i u_i^2). Missing weights count as one.
type ControlEffort struct {
	weights []float64
	sumSq   float64
	peak    float64
	samples int
}

func NewControlEffort(weights ...float64) *ControlEffort {
	return &ControlEffort{weights: weights}
}

func (c *ControlEffort) Name() string { return "control_effort" }

func (c *ControlEffort) normSq(u dynamo.Control) float64 {
	var s float64
	for i, v := range u {
		w := 1.0
		if i < len(c.weights) {
			w = c.weights[i]
		}
		s += w * v * v
	}
	return s
}

func (c *ControlEffort) Observe(_ dynamo.State, u dynamo.Control, _ float64) {
	if len(u) == 0 {
		return
	}
	sq := c.normSq(u)
	c.sumSq += sq
	c.peak = math.Max(c.peak, math.Sqrt(sq))
	c.samples++
}

func (c *ControlEffort) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return math.Sqrt(c.sumSq / float64(c.samples))
}

// Peak is the largest weighted norm seen since the last Reset.
func (c *ControlEffort) Peak() float64 { return c.peak }

func (c *ControlEffort) Reset() {
	c.sumSq, c.peak = 0, 0
	c.samples = 0
}
