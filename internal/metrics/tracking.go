package metrics

import (
	"math"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Tracking is the RMS distance between the selected states and a
// reference that may change during the run.
type Tracking struct {
	name    string
	idx     []int
	ref     []float64
	sum     float64
	samples int
}

// NewTracking tracks x[idx[i]] against ref[i]. A nil idx selects the
// leading len(ref) states.
func NewTracking(idx []int, ref []float64) *Tracking {
	if idx == nil {
		idx = make([]int, len(ref))
		for i := range idx {
			idx[i] = i
		}
	}
	return &Tracking{
		name: "tracking_rms",
		idx:  idx,
		ref:  append([]float64(nil), ref...),
	}
}

func (tr *Tracking) Name() string { return tr.name }

// SetReference replaces the reference for the following samples.
func (tr *Tracking) SetReference(ref []float64) {
	copy(tr.ref, ref)
}

// Reference returns a copy of the current reference.
func (tr *Tracking) Reference() []float64 {
	return append([]float64(nil), tr.ref...)
}

func (tr *Tracking) Observe(x dynamo.State, u dynamo.Control, t float64) {
	sq := 0.0
	for i, j := range tr.idx {
		if j >= len(x) {
			continue
		}
		e := x[j] - tr.ref[i]
		sq += e * e
	}
	tr.sum += sq
	tr.samples++
}

func (tr *Tracking) Value() float64 {
	if tr.samples == 0 {
		return 0
	}
	return math.Sqrt(tr.sum / float64(tr.samples))
}

func (tr *Tracking) Reset() {
	tr.sum = 0
	tr.samples = 0
}
