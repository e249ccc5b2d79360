package metrics

import (
	"math"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// EnergyModel is implemented by plants with a mechanical energy.
type EnergyModel interface {
	Energy(x []float64) float64
}

// Energy is the relative drift between the first and the last observed
// energy.
type Energy struct {
	name    string
	model   EnergyModel
	first   float64
	last    float64
	samples int
}

func NewEnergy(m EnergyModel) *Energy {
	return &Energy{
		name:  "energy_drift",
		model: m,
	}
}

func (e *Energy) Name() string { return e.name }

func (e *Energy) Observe(x dynamo.State, u dynamo.Control, t float64) {
	en := e.model.Energy(x)
	if e.samples == 0 {
		e.first = en
	}
	e.last = en
	e.samples++
}

func (e *Energy) Value() float64 {
	if e.samples == 0 || e.first == 0 {
		return 0
	}
	return math.Abs(e.last-e.first) / math.Abs(e.first)
}

func (e *Energy) Reset() {
	e.first, e.last = 0, 0
	e.samples = 0
}
