package integrators

import (
	"github.com/curioloop/optimizer/numdiff"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// hessianFD approximates the Hessian of seed^T x_next by central
// differences of the adjoint map over (x0, u). The result is symmetrized.
type hessianFD struct {
	n    int
	spec numdiff.ApproxSpec
	xu   []float64
	buf  []float64
}

func newHessianFD(d dynamo.Dims, adj func(xu, g []float64)) *hessianFD {
	n := d.NX + d.NU
	return &hessianFD{
		n: n,
		spec: numdiff.ApproxSpec{
			N:       n,
			M:       n,
			Method:  numdiff.Central,
			AbsStep: 1e-4,
			Object:  adj,
		},
		xu:  make([]float64, n),
		buf: make([]float64, n*n),
	}
}

func (h *hessianFD) compute(x, u []float64, dst *mat.Dense) error {
	copy(h.xu, x)
	copy(h.xu[len(x):], u)
	if err := h.spec.Diff(h.xu, h.buf); err != nil {
		return err
	}
	for i := 0; i < h.n; i++ {
		for j := i; j < h.n; j++ {
			v := 0.5 * (h.buf[i*h.n+j] + h.buf[j*h.n+i])
			dst.Set(i, j, v)
			dst.Set(j, i, v)
		}
	}
	return nil
}
