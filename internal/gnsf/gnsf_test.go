package gnsf

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

func TestDetectLinearModel(t *testing.T) {
	d, err := Detect(model.NewDecay(), DefaultDetectOptions())
	require.NoError(t, err)
	assert.Empty(t, d.Rows)
	assert.Empty(t, d.Cols)
	assert.Equal(t, 0.0, d.Reduction())
}

func TestDetectCartPole(t *testing.T) {
	d, err := Detect(model.NewCartPole(), DefaultDetectOptions())
	require.NoError(t, err)

	// accelerations are nonlinear in theta, omega and the force
	assert.Equal(t, []int{1, 3}, d.Rows)
	assert.Equal(t, []int{6, 7, 8}, d.Cols)
	assert.InDelta(t, 0.5, d.Reduction(), 1e-12)
}

func TestDetectRSMTreatsParametersAsNonlinear(t *testing.T) {
	opts := DefaultDetectOptions()
	opts.P = []float64{300, 0, 0}
	d, err := Detect(model.NewRSM(), opts)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, d.Rows)
	// psi_d, psi_q, i_d, i_q
	assert.Equal(t, []int{2, 3, 6, 7}, d.Cols)
}

func TestDecompositionReproducesResidual(t *testing.T) {
	models := []struct {
		m model.Model
		p []float64
	}{
		{model.NewCartPole(), nil},
		{model.NewPendulum(), nil},
		{model.NewRSM(), []float64{300, 1, -2}},
	}
	rng := rand.New(rand.NewPCG(7, 7))
	for _, tc := range models {
		t.Run(tc.m.Name(), func(t *testing.T) {
			desc, err := ForModel(tc.m, tc.p)
			require.NoError(t, err)
			nl := NewNonlinearity(desc, tc.m)

			dims := tc.m.Dims()
			nf := dims.NX + dims.NZ
			w := make([]float64, dims.NW())
			for i := range w {
				w[i] = 2*rng.Float64() - 1
			}
			xdot, x, u, z := model.Split(dims, w)
			want := make([]float64, nf)
			tc.m.Implicit(want, xdot, x, u, z, tc.p)

			got := make([]float64, nf)
			mat.NewVecDense(nf, got).MulVec(desc.JLin, mat.NewVecDense(len(w), w))
			for i := range got {
				got[i] += desc.C0[i]
			}
			y := make([]float64, desc.NY())
			for k, c := range desc.Cols {
				y[k] = w[c]
			}
			phi := make([]float64, desc.NPhi())
			nl.Eval(phi, y, tc.p)
			for k, row := range desc.Rows {
				got[row] += phi[k]
			}

			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-9, "row %d", i)
			}
		})
	}
}

func TestNonlinearityJacobianMatchesFiniteDifferences(t *testing.T) {
	m := model.NewCartPole()
	desc, err := ForModel(m, nil)
	require.NoError(t, err)
	nl := NewNonlinearity(desc, m)

	y := []float64{0.3, -0.2, 1.5}
	jac := mat.NewDense(desc.NPhi(), desc.NY(), nil)
	require.NoError(t, nl.Jacobian(jac, y, nil))

	h := 1e-6
	f1 := make([]float64, desc.NPhi())
	f2 := make([]float64, desc.NPhi())
	for j := range y {
		yp := append([]float64(nil), y...)
		ym := append([]float64(nil), y...)
		yp[j] += h
		ym[j] -= h
		nl.Eval(f1, yp, nil)
		nl.Eval(f2, ym, nil)
		for i := range f1 {
			assert.InDelta(t, (f1[i]-f2[i])/(2*h), jac.At(i, j), 1e-6)
		}
	}
}

type providedDecay struct {
	*model.Decay
	desc *Descriptor
}

func (p providedDecay) GNSF() (*Descriptor, error) { return p.desc, nil }

func TestForModelPrefersProvider(t *testing.T) {
	detected, err := Detect(model.NewDecay(), DefaultDetectOptions())
	require.NoError(t, err)

	got, err := ForModel(providedDecay{model.NewDecay(), detected}, nil)
	require.NoError(t, err)
	assert.Same(t, detected, got)

	bad := *detected
	bad.Dims = dynamo.Dims{NX: 2, NU: 1}
	_, err = ForModel(providedDecay{model.NewDecay(), &bad}, nil)
	assert.ErrorIs(t, err, dynamo.ErrConfig)
}

func TestSerializeRoundTrip(t *testing.T) {
	desc, err := Detect(model.NewCartPole(), DefaultDetectOptions())
	require.NoError(t, err)

	back, err := desc.Serialize().Descriptor()
	require.NoError(t, err)
	assert.Equal(t, desc.Rows, back.Rows)
	assert.Equal(t, desc.Cols, back.Cols)
	assert.True(t, mat.Equal(desc.JLin, back.JLin))

	s := desc.Serialize()
	s.Rows = []int{1, 1}
	_, err = s.Descriptor()
	assert.ErrorIs(t, err, dynamo.ErrConfig)

	s = desc.Serialize()
	s.JLin = s.JLin[:2]
	_, err = s.Descriptor()
	assert.ErrorIs(t, err, dynamo.ErrConfig)
}
