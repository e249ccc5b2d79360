package integrators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/model"
)

func compareWithIRK(t *testing.T, m model.Model, opts Options, in *Input, tol float64) {
	t.Helper()
	desc, err := gnsf.ForModel(m, in.P)
	require.NoError(t, err)

	gopts := opts
	gopts.Method = MethodGNSF
	g, err := NewGNSFIRK(m, desc, gopts)
	require.NoError(t, err)
	irk, err := NewIRK(m, opts)
	require.NoError(t, err)

	og, oi := NewOutput(m.Dims()), NewOutput(m.Dims())
	sg, err := g.Simulate(in, og)
	require.NoError(t, err)
	si, err := irk.Simulate(in, oi)
	require.NoError(t, err)
	require.Equal(t, dynamo.StatusSuccess, sg)
	require.Equal(t, dynamo.StatusSuccess, si)

	for i := range oi.X {
		assert.InDelta(t, oi.X[i], og.X[i], tol, "x[%d]", i)
	}
	if in.Sens.Forw {
		assert.True(t, mat.EqualApprox(oi.SForw, og.SForw, tol), "S_forw\nirk  %v\ngnsf %v",
			mat.Formatted(oi.SForw), mat.Formatted(og.SForw))
	}
	if in.Sens.Adj {
		for i := range oi.SAdj {
			assert.InDelta(t, oi.SAdj[i], og.SAdj[i], tol, "S_adj[%d]", i)
		}
	}
	for i := range oi.Z {
		assert.InDelta(t, oi.Z[i], og.Z[i], 1e-6, "z[%d]", i)
	}
}

func TestGNSFMatchesIRKOnCartPole(t *testing.T) {
	opts := DefaultOptions()
	opts.NumStages = 3
	opts.NumSteps = 2
	opts.NewtonIter = 30
	opts.NewtonTol = 1e-12
	opts.SensAdj = true

	in := &Input{
		X:       []float64{0.1, 0.2, 0.3, -0.4},
		U:       []float64{2},
		SeedAdj: []float64{1, 0, -1, 0.5},
		T:       0.05,
		Sens:    Sens{Forw: true, Adj: true},
	}
	compareWithIRK(t, model.NewCartPole(), opts, in, 1e-7)
}

func TestGNSFMatchesIRKOnRSM(t *testing.T) {
	in := rsmInput()
	in.U[0] += 10
	compareWithIRK(t, model.NewRSM(), rsmOptions(), in, 1e-7)
}

func TestGNSFLinearModelSkipsNewton(t *testing.T) {
	m := model.NewDecay()
	desc, err := gnsf.ForModel(m, nil)
	require.NoError(t, err)
	require.Zero(t, desc.NPhi())

	opts := DefaultOptions()
	opts.Method = MethodGNSF
	g, err := NewGNSFIRK(m, desc, opts)
	require.NoError(t, err)

	out := NewOutput(m.Dims())
	st, err := g.Simulate(&Input{X: []float64{2}, U: []float64{1}, T: 0.1, Sens: Sens{Forw: true}}, out)
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusSuccess, st)
	assert.Zero(t, out.NewtonIters)
	assert.InDelta(t, 1+math.Exp(-0.1), out.X[0], 1e-10)
}

func TestGNSFRebuildsOnStepChange(t *testing.T) {
	m := model.NewPendulum()
	desc, err := gnsf.ForModel(m, nil)
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Method = MethodGNSF
	opts.NewtonTol = 1e-12
	opts.NewtonIter = 20
	g, err := NewGNSFIRK(m, desc, opts)
	require.NoError(t, err)
	require.True(t, g.precomputed)
	assert.InDelta(t, 0.1, g.h, 1e-15)
	built := g.VX

	out := NewOutput(m.Dims())
	_, err = g.Simulate(&Input{X: []float64{0.3, 0}, U: []float64{0}, T: 0.1}, out)
	require.NoError(t, err)
	assert.Same(t, built, g.VX)

	_, err = g.Simulate(&Input{X: []float64{0.3, 0}, U: []float64{0}, T: 0.05}, out)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, g.h, 1e-15)
	assert.NotSame(t, built, g.VX)
}

func TestGNSFRejectsHessian(t *testing.T) {
	m := model.NewPendulum()
	desc, err := gnsf.ForModel(m, nil)
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Method = MethodGNSF
	g, err := NewGNSFIRK(m, desc, opts)
	require.NoError(t, err)

	_, err = g.Simulate(&Input{X: []float64{0, 0}, U: []float64{0}, SeedAdj: []float64{1, 0}, T: 0.1, Sens: Sens{Hess: true}}, NewOutput(m.Dims()))
	assert.ErrorIs(t, err, dynamo.ErrConfig)
}
