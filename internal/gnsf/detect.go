package gnsf

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

type DetectOptions struct {
	// Samples is the number of random points besides the reference point.
	Samples int
	// Scale bounds the sampled variables to [-Scale, Scale].
	Scale float64
	// Tol is the relative tolerance for calling a Jacobian entry constant.
	Tol float64
	// P is the reference parameter vector; samples perturb around it.
	P    []float64
	Seed uint64
}

func DefaultDetectOptions() DetectOptions {
	return DetectOptions{Samples: 4, Scale: 1, Tol: 1e-6, Seed: 1}
}

// Detect finds the linear/nonlinear split of m by comparing Jacobians at a
// reference point (w = 0, p = P) against random samples. Entries that move
// mark their row and column nonlinear; rows whose offset depends on p are
// nonlinear as well.
func Detect(m model.Model, opts DetectOptions) (*Descriptor, error) {
	d := m.Dims()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if opts.Samples <= 0 {
		opts.Samples = DefaultDetectOptions().Samples
	}
	if opts.Scale <= 0 {
		opts.Scale = 1
	}
	if opts.Tol <= 0 {
		opts.Tol = DefaultDetectOptions().Tol
	}
	pRef := make([]float64, d.NP)
	copy(pRef, opts.P)

	nf, nw := d.NX+d.NZ, d.NW()
	ev := model.NewEvaluator(m)
	rng := rand.New(rand.NewPCG(opts.Seed, 0x9e3779b97f4a7c15))

	w0 := make([]float64, nw)
	j0 := mat.NewDense(nf, nw, nil)
	f0 := make([]float64, nf)
	if err := evalAt(ev, j0, f0, w0, pRef); err != nil {
		return nil, err
	}

	nonlinRow := make([]bool, nf)
	nonlinCol := make([]bool, nw)

	wk := make([]float64, nw)
	pk := make([]float64, d.NP)
	jk := mat.NewDense(nf, nw, nil)
	fk := make([]float64, nf)
	for s := 0; s < opts.Samples; s++ {
		for i := range wk {
			wk[i] = opts.Scale * (2*rng.Float64() - 1)
		}
		for i := range pk {
			pk[i] = pRef[i] + math.Max(1, math.Abs(pRef[i]))*(2*rng.Float64()-1)
		}
		if err := evalAt(ev, jk, fk, wk, pk); err != nil {
			return nil, err
		}
		for i := 0; i < nf; i++ {
			offset := fk[i]
			for j := 0; j < nw; j++ {
				a, b := j0.At(i, j), jk.At(i, j)
				if math.Abs(a-b) > opts.Tol*(1+math.Abs(a)) {
					nonlinRow[i] = true
					nonlinCol[j] = true
				}
				offset -= a * wk[j]
			}
			if math.Abs(offset-f0[i]) > opts.Tol*(1+math.Abs(f0[i])) {
				nonlinRow[i] = true
			}
		}
	}

	desc := &Descriptor{Dims: d, JLin: j0, C0: make([]float64, nf)}
	for i := 0; i < nf; i++ {
		if nonlinRow[i] {
			desc.Rows = append(desc.Rows, i)
		} else {
			desc.C0[i] = f0[i]
		}
	}
	for j := 0; j < nw; j++ {
		if nonlinCol[j] {
			desc.Cols = append(desc.Cols, j)
		}
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("gnsf detect %s: %w", m.Name(), err)
	}
	return desc, nil
}

func evalAt(ev *model.Evaluator, jac *mat.Dense, f, w, p []float64) error {
	xdot, x, u, z := model.Split(ev.Dims(), w)
	ev.Residual(f, xdot, x, u, z, p)
	return ev.Jacobian(jac, xdot, x, u, z, p)
}

// ForModel returns the model's own descriptor when it provides one and a
// detected one otherwise.
func ForModel(m model.Model, p []float64) (*Descriptor, error) {
	if prov, ok := m.(Provider); ok {
		d, err := prov.GNSF()
		if err != nil {
			return nil, err
		}
		if d.Dims != m.Dims() {
			return nil, &dynamo.ConfigError{Field: "gnsf.dims",
				Reason: fmt.Sprintf("descriptor dims %+v disagree with model %+v", d.Dims, m.Dims())}
		}
		return d, d.Validate()
	}
	opts := DefaultDetectOptions()
	opts.P = p
	return Detect(m, opts)
}
