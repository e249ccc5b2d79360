package gnsf

import (
	"fmt"

	"github.com/curioloop/optimizer/numdiff"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/model"
)

// Nonlinearity evaluates phi(y, p) = f_rows(w_y, p) - JLin_rows,cols · y,
// where w_y holds y on Cols and zeros elsewhere.
type Nonlinearity struct {
	desc *Descriptor
	ev   *model.Evaluator
	an   bool

	w    []float64
	f    []float64
	p    []float64
	jac  *mat.Dense
	spec numdiff.ApproxSpec
	buf  []float64
}

func NewNonlinearity(desc *Descriptor, m model.Model) *Nonlinearity {
	d := desc.Dims
	nf := d.NX + d.NZ
	n := &Nonlinearity{
		desc: desc,
		ev:   model.NewEvaluator(m),
		w:    make([]float64, d.NW()),
		f:    make([]float64, nf),
		jac:  mat.NewDense(nf, d.NW(), nil),
		buf:  make([]float64, max(1, desc.NPhi()*desc.NY())),
	}
	_, n.an = m.(model.Jacobian)
	n.spec = numdiff.ApproxSpec{
		N:      desc.NY(),
		M:      desc.NPhi(),
		Method: numdiff.Central,
		Object: func(y, out []float64) { n.eval(out, y, n.p) },
	}
	return n
}

func (n *Nonlinearity) Evaluator() *model.Evaluator { return n.ev }

func (n *Nonlinearity) scatter(y []float64) {
	for i := range n.w {
		n.w[i] = 0
	}
	for k, j := range n.desc.Cols {
		n.w[j] = y[k]
	}
}

func (n *Nonlinearity) eval(out, y, p []float64) {
	n.scatter(y)
	xdot, x, u, z := model.Split(n.desc.Dims, n.w)
	n.ev.Residual(n.f, xdot, x, u, z, p)
	for k, row := range n.desc.Rows {
		v := n.f[row]
		for m, col := range n.desc.Cols {
			v -= n.desc.JLin.At(row, col) * y[m]
		}
		out[k] = v
	}
}

// Eval writes phi(y, p) into out (length NPhi).
func (n *Nonlinearity) Eval(out, y, p []float64) {
	n.eval(out, y, p)
}

// Jacobian writes dphi/dy into jac (NPhi x NY).
func (n *Nonlinearity) Jacobian(jac *mat.Dense, y, p []float64) error {
	if n.desc.NPhi() == 0 || n.desc.NY() == 0 {
		jac.Zero()
		return nil
	}
	if n.an {
		n.scatter(y)
		xdot, x, u, z := model.Split(n.desc.Dims, n.w)
		if err := n.ev.Jacobian(n.jac, xdot, x, u, z, p); err != nil {
			return err
		}
		for k, row := range n.desc.Rows {
			for m, col := range n.desc.Cols {
				jac.Set(k, m, n.jac.At(row, col)-n.desc.JLin.At(row, col))
			}
		}
		return nil
	}
	n.p = p
	yc := append([]float64(nil), y...)
	if err := n.spec.Diff(yc, n.buf); err != nil {
		return fmt.Errorf("gnsf phi: %w", err)
	}
	jac.Copy(mat.NewDense(n.desc.NPhi(), n.desc.NY(), n.buf))
	return nil
}
