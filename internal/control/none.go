package control

import "github.com/san-kum/nmpc/internal/dynamo"

// None applies a constant control, zero unless U is set.
type None struct {
	U dynamo.Control
}

func NewNone(dim int) *None {
	return &None{
		U: make(dynamo.Control, dim),
	}
}

func (n *None) Compute(x dynamo.State, t float64) (dynamo.Control, error) {
	return n.U.Clone(), nil
}
