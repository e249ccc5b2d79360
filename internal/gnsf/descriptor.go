// Package gnsf splits an implicit model into a constant linear part and a
// low-dimensional nonlinearity:
//
//	f(w, p) = JLin·w + c + C·phi(y, p),   y = w[Cols],   w = [xdot; x; u; z]
//
// C scatters phi into the residual rows listed in Rows. The integrator
// uses the split to eliminate all stage values linearly and run Newton on
// the stacked phi values only.
package gnsf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Descriptor is immutable once attached to an integrator.
type Descriptor struct {
	Dims dynamo.Dims
	// Rows are the residual rows that carry a nonlinearity.
	Rows []int
	// Cols index w = [xdot; x; u; z] and select y.
	Cols []int
	// JLin is the constant Jacobian, (nx+nz) x nw. On nonlinear rows the
	// entries of nonlinear columns hold the reference linearization that
	// phi is measured against.
	JLin *mat.Dense
	// C0 is the constant residual offset; zero on nonlinear rows.
	C0 []float64
}

// Provider is implemented by models that ship a precomputed descriptor.
type Provider interface {
	GNSF() (*Descriptor, error)
}

func (d *Descriptor) NPhi() int { return len(d.Rows) }
func (d *Descriptor) NY() int   { return len(d.Cols) }

// Reduction is the ratio of the reduced Newton system to the full one.
func (d *Descriptor) Reduction() float64 {
	nf := d.Dims.NX + d.Dims.NZ
	if nf == 0 {
		return 0
	}
	return float64(d.NPhi()) / float64(nf)
}

func (d *Descriptor) Validate() error {
	nf := d.Dims.NX + d.Dims.NZ
	nw := d.Dims.NW()
	if d.JLin == nil {
		return &dynamo.ConfigError{Field: "gnsf.jlin", Reason: "missing linear part"}
	}
	if r, c := d.JLin.Dims(); r != nf || c != nw {
		return &dynamo.ConfigError{Field: "gnsf.jlin", Reason: fmt.Sprintf("is %dx%d, want %dx%d", r, c, nf, nw)}
	}
	if len(d.C0) != nf {
		return &dynamo.ConfigError{Field: "gnsf.c", Reason: fmt.Sprintf("has length %d, want %d", len(d.C0), nf)}
	}
	if err := checkIndices("gnsf.rows", d.Rows, nf); err != nil {
		return err
	}
	return checkIndices("gnsf.cols", d.Cols, nw)
}

func checkIndices(name string, idx []int, n int) error {
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= n {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("index %d out of range [0, %d)", i, n)}
		}
		if seen[i] {
			return &dynamo.ConfigError{Field: name, Reason: fmt.Sprintf("duplicate index %d", i)}
		}
		seen[i] = true
	}
	return nil
}

// Blocks splits JLin by variable group, with column order [xdot | x | u | z].
func (d *Descriptor) Blocks() (exd, ex, eu, ez mat.Matrix) {
	nf := d.Dims.NX + d.Dims.NZ
	nx, nu, nz := d.Dims.NX, d.Dims.NU, d.Dims.NZ
	exd = d.JLin.Slice(0, nf, 0, nx)
	ex = d.JLin.Slice(0, nf, nx, 2*nx)
	if nu > 0 {
		eu = d.JLin.Slice(0, nf, 2*nx, 2*nx+nu)
	}
	if nz > 0 {
		ez = d.JLin.Slice(0, nf, 2*nx+nu, 2*nx+nu+nz)
	}
	return exd, ex, eu, ez
}

// Serialized is the JSON form of a descriptor.
type Serialized struct {
	Dims dynamo.Dims `json:"dims" yaml:"dims"`
	Rows []int       `json:"rows" yaml:"rows"`
	Cols []int       `json:"cols" yaml:"cols"`
	JLin [][]float64 `json:"jlin" yaml:"jlin"`
	C    []float64   `json:"c" yaml:"c"`
}

func (d *Descriptor) Serialize() Serialized {
	r, c := d.JLin.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		mat.Row(rows[i], i, d.JLin)
	}
	return Serialized{
		Dims: d.Dims,
		Rows: append([]int(nil), d.Rows...),
		Cols: append([]int(nil), d.Cols...),
		JLin: rows,
		C:    append([]float64(nil), d.C0...),
	}
}

func (s Serialized) Descriptor() (*Descriptor, error) {
	nf := s.Dims.NX + s.Dims.NZ
	if len(s.JLin) != nf {
		return nil, &dynamo.ConfigError{Field: "gnsf.jlin", Reason: fmt.Sprintf("has %d rows, want %d", len(s.JLin), nf)}
	}
	nw := s.Dims.NW()
	data := make([]float64, 0, nf*nw)
	for i, row := range s.JLin {
		if len(row) != nw {
			return nil, &dynamo.ConfigError{Field: "gnsf.jlin", Reason: fmt.Sprintf("row %d has %d entries, want %d", i, len(row), nw)}
		}
		data = append(data, row...)
	}
	d := &Descriptor{
		Dims: s.Dims,
		Rows: append([]int(nil), s.Rows...),
		Cols: append([]int(nil), s.Cols...),
		JLin: mat.NewDense(nf, nw, data),
		C0:   append([]float64(nil), s.C...),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
