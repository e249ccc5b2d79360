package ocp

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/kernel"
)

// decayDescription regulates xdot = -x + u to zero from x0 = 1.
func decayDescription(N int) Description {
	return Description{
		Model: "decay",
		Dims:  Dims{Dims: dynamo.Dims{NX: 1, NU: 1}, N: N},
		Cost: Cost{
			W:     [][]float64{{1, 0}, {0, 0.1}},
			Vx:    [][]float64{{1}, {0}},
			Vu:    [][]float64{{0}, {1}},
			YRef:  []float64{0, 0},
			WE:    [][]float64{{1}},
			VxE:   [][]float64{{1}},
			YRefE: []float64{0},
		},
		Constraints: Constraints{
			X0:    []float64{1},
			IdxBU: []int{0},
			LBU:   []float64{-2},
			UBU:   []float64{2},
		},
		Solver: Options{Tf: 1},
	}
}

func newSolver(t *testing.T, desc Description) *Solver {
	t.Helper()
	s, err := New(desc)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRTIStepRespectsInitialState(t *testing.T) {
	s := newSolver(t, decayDescription(10))
	st, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, dynamo.StatusSuccess, st)

	x0, err := s.Vector(0, "x")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, x0[0], 1e-10)

	u0, err := s.Vector(0, "u")
	require.NoError(t, err)
	assert.Less(t, u0[0], 0.0, "control pushes the state towards zero")
	assert.GreaterOrEqual(t, u0[0], -2-1e-9)

	assert.Equal(t, 1, s.Stats().SQPIter)

	// cost is reported at the iterate after the step, not at the
	// all-zero linearization point
	want := 0.0
	for k := 0; k <= 10; k++ {
		x, err := s.Vector(k, "x")
		require.NoError(t, err)
		if k == 10 {
			want += 0.5 * x[0] * x[0]
			continue
		}
		u, err := s.Vector(k, "u")
		require.NoError(t, err)
		want += 0.5 * (x[0]*x[0] + 0.1*u[0]*u[0])
	}
	assert.Greater(t, s.Stats().Cost, 0.0)
	assert.InDelta(t, want, s.Stats().Cost, 1e-12)
}

func TestStageFieldDimensions(t *testing.T) {
	desc := decayDescription(4)
	desc.Cost.W0 = [][]float64{{1}}
	desc.Cost.Vx0 = [][]float64{{1}}
	desc.Cost.Vu0 = [][]float64{{0}}
	desc.Cost.YRef0 = []float64{0}
	s := newSolver(t, desc)

	assert.NoError(t, s.Set(0, "yref", []float64{0.5}))
	assert.ErrorIs(t, s.Set(0, "yref", []float64{0.5, 0}), dynamo.ErrDimensionMismatch)
	assert.NoError(t, s.Set(1, "yref", []float64{0.5, 0}))
	assert.NoError(t, s.Set(4, "yref", 0.5))

	u, err := s.Vector(4, "u")
	require.NoError(t, err)
	assert.Empty(t, u)
	assert.ErrorIs(t, s.Set(4, "u", []float64{1}), dynamo.ErrDimensionMismatch)

	assert.ErrorIs(t, s.Set(5, "x", []float64{1}), dynamo.ErrDimensionMismatch)
	assert.ErrorIs(t, s.Set(-1, "x", []float64{1}), dynamo.ErrDimensionMismatch)
	assert.ErrorIs(t, s.Set(0, "S_forw", []float64{1}), dynamo.ErrUnknownField)
	assert.ErrorIs(t, s.Set(0, "lam", []float64{1}), dynamo.ErrUnknownField)
	_, err = s.Get(0, "yref")
	assert.ErrorIs(t, err, dynamo.ErrUnknownField)

	lam, err := s.Vector(0, "lam")
	require.NoError(t, err)
	assert.Len(t, lam, 2, "x0 row and the control bound")
}

func TestSetFlat(t *testing.T) {
	s := newSolver(t, decayDescription(3))
	require.NoError(t, s.SetFlat("x", []float64{1, 0.5, 0.25, 0.125}))
	x2, err := s.Vector(2, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25}, x2)

	assert.ErrorIs(t, s.SetFlat("u", []float64{1, 2, 3, 4}), dynamo.ErrDimensionMismatch)
	assert.ErrorIs(t, s.UpdateParams([]float64{1}), dynamo.ErrDimensionMismatch)
}

func TestGetDoesNotAlias(t *testing.T) {
	s := newSolver(t, decayDescription(3))
	require.NoError(t, s.Set(1, "x", []float64{0.7}))
	v, err := s.Vector(1, "x")
	require.NoError(t, err)
	v[0] = 42
	again, err := s.Vector(1, "x")
	require.NoError(t, err)
	assert.Equal(t, 0.7, again[0])
}

func TestPhaseOrder(t *testing.T) {
	s := newSolver(t, decayDescription(5))
	require.NoError(t, s.OptionsSet("rti_phase", PhaseFeedback))
	_, err := s.Solve()
	assert.ErrorIs(t, err, dynamo.ErrPhaseOrder)

	require.NoError(t, s.OptionsSet("rti_phase", PhasePreparation))
	_, err = s.Solve()
	require.NoError(t, err)
	require.NoError(t, s.OptionsSet("rti_phase", PhaseFeedback))
	st, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusSuccess, st)

	// one feedback per preparation
	_, err = s.Solve()
	assert.ErrorIs(t, err, dynamo.ErrPhaseOrder)

	assert.ErrorIs(t, s.OptionsSet("rti_phase", 3), dynamo.ErrConfig)
}

// For a linear model the split RTI step with new initial-state bounds
// injected between the phases equals a full step at that state.
func TestFeedbackUsesLatestInitialState(t *testing.T) {
	split := newSolver(t, decayDescription(8))
	require.NoError(t, split.OptionsSet("rti_phase", PhasePreparation))
	_, err := split.Solve()
	require.NoError(t, err)
	require.NoError(t, split.Set(0, "lbx", 0.4))
	require.NoError(t, split.Set(0, "ubx", 0.4))
	require.NoError(t, split.OptionsSet("rti_phase", PhaseFeedback))
	_, err = split.Solve()
	require.NoError(t, err)

	desc := decayDescription(8)
	desc.Constraints.X0 = []float64{0.4}
	full := newSolver(t, desc)
	_, err = full.Solve()
	require.NoError(t, err)

	for k := 0; k < 8; k++ {
		a, _ := split.Vector(k, "u")
		b, _ := full.Vector(k, "u")
		assert.InDelta(t, b[0], a[0], 1e-8, "stage %d", k)
	}
	assert.Positive(t, split.Stats().TimeFeedback)
}

func TestOptionsSet(t *testing.T) {
	s := newSolver(t, decayDescription(3))
	assert.NoError(t, s.OptionsSet("max_iter", 5))
	assert.NoError(t, s.OptionsSet("tol", 1e-8))
	assert.NoError(t, s.OptionsSet("shift_init", true))
	assert.NoError(t, s.OptionsSet("phi_relaxation", 1e-3))
	assert.Equal(t, 5, s.Options().MaxIter)
	assert.True(t, s.Options().ShiftInit)

	assert.ErrorIs(t, s.OptionsSet("tol", -1), dynamo.ErrConfig)
	assert.ErrorIs(t, s.OptionsSet("step_length", 1.5), dynamo.ErrConfig)
	assert.ErrorIs(t, s.OptionsSet("tol", []float64{1, 2}), dynamo.ErrDimensionMismatch)
	assert.ErrorIs(t, s.OptionsSet("qp_solver", 1), dynamo.ErrUnknownField)
}

func TestGetStats(t *testing.T) {
	s := newSolver(t, decayDescription(4))
	_, err := s.Solve()
	require.NoError(t, err)

	for _, name := range []string{"time_tot", "time_lin", "time_sim", "time_qp", "time_qp_xcond", "time_reg", "time_preparation", "time_feedback"} {
		v, err := s.GetStats(name)
		require.NoError(t, err, name)
		assert.GreaterOrEqual(t, v, 0.0, name)
	}
	tot, _ := s.GetStats("time_tot")
	prep, _ := s.GetStats("time_preparation")
	assert.GreaterOrEqual(t, tot, prep)

	it, err := s.GetStats("sqp_iter")
	require.NoError(t, err)
	assert.Equal(t, 1.0, it)
	_, err = s.GetStats("residuals")
	assert.ErrorIs(t, err, dynamo.ErrUnknownField)

	var buf bytes.Buffer
	require.NoError(t, s.PrintStatistics(&buf))
	assert.Contains(t, buf.String(), "res_eq")
	assert.Contains(t, buf.String(), "status success")
}

func TestResetClearsIterate(t *testing.T) {
	s := newSolver(t, decayDescription(4))
	_, err := s.Solve()
	require.NoError(t, err)
	require.NoError(t, s.Reset())

	for k := 0; k <= 4; k++ {
		x, _ := s.Vector(k, "x")
		assert.Equal(t, []float64{0}, x)
	}
	assert.Zero(t, s.Stats().SQPIter)

	// bounds survive the reset
	_, err = s.Solve()
	require.NoError(t, err)
	x0, _ := s.Vector(0, "x")
	assert.InDelta(t, 1.0, x0[0], 1e-10)
}

func TestShiftInit(t *testing.T) {
	s := newSolver(t, decayDescription(4))
	_, err := s.Solve()
	require.NoError(t, err)
	x2, _ := s.Vector(2, "x")
	u2, _ := s.Vector(2, "u")

	s.shift()
	x1, _ := s.Vector(1, "x")
	u1, _ := s.Vector(1, "u")
	assert.Equal(t, x2, x1)
	assert.Equal(t, u2, u1)
}

func TestCloseIsIdempotent(t *testing.T) {
	before := kernel.Live()
	s, err := New(decayDescription(2))
	require.NoError(t, err)
	assert.Equal(t, before+1, kernel.Live())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, before, kernel.Live())

	_, err = s.Solve()
	assert.ErrorIs(t, err, dynamo.ErrClosed)
	assert.ErrorIs(t, s.Set(0, "x", 1), dynamo.ErrClosed)
	_, err = s.Get(0, "x")
	assert.ErrorIs(t, err, dynamo.ErrClosed)
	assert.ErrorIs(t, s.Reset(), dynamo.ErrClosed)
	_, err = s.GetStats("cost")
	assert.ErrorIs(t, err, dynamo.ErrClosed)
}

func TestDescriptionErrors(t *testing.T) {
	before := kernel.Live()
	cases := map[string]func(*Description){
		"unknown model":   func(d *Description) { d.Model = "nope" },
		"state dimension": func(d *Description) { d.Dims.NX = 2 },
		"horizon":         func(d *Description) { d.Dims.N = 0 },
		"weight rows":     func(d *Description) { d.Cost.Vx = [][]float64{{1}} },
		"yref length":     func(d *Description) { d.Cost.YRef = []float64{0} },
		"x0 length":       func(d *Description) { d.Constraints.X0 = []float64{1, 2} },
		"control index":   func(d *Description) { d.Constraints.IdxBU = []int{1} },
		"bound length":    func(d *Description) { d.Constraints.UBU = nil },
		"phi kernel":      func(d *Description) { d.Constraints.Phi = "ellipse"; d.Constraints.CrU = [][]float64{{1}} },
		"phi without Cr":  func(d *Description) { d.Constraints.Phi = "sum_squares" },
		"solver type":     func(d *Description) { d.Solver.NLPSolver = "IPOPT" },
		"globalization":   func(d *Description) { d.Solver.Globalization = "FUNNEL" },
		"negative tf":     func(d *Description) { d.Solver.Tf = -1 },
		"rti phase":       func(d *Description) { d.Solver.RTIPhase = 4 },
		"parameters":      func(d *Description) { d.Parameters = []float64{1} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			desc := decayDescription(3)
			mutate(&desc)
			_, err := New(desc)
			assert.ErrorIs(t, err, dynamo.ErrConfig)
		})
	}
	assert.Equal(t, before, kernel.Live())
}

func TestSQPMatchesRTIOnLinearModel(t *testing.T) {
	rti := newSolver(t, decayDescription(6))
	_, err := rti.Solve()
	require.NoError(t, err)

	desc := decayDescription(6)
	desc.Solver.NLPSolver = SQP
	sqp := newSolver(t, desc)
	st, err := sqp.Solve()
	require.NoError(t, err)
	require.Equal(t, dynamo.StatusSuccess, st)
	assert.LessOrEqual(t, sqp.Stats().SQPIter, 2)

	for k := 0; k < 6; k++ {
		a, _ := rti.Vector(k, "u")
		b, _ := sqp.Vector(k, "u")
		assert.InDelta(t, b[0], a[0], 1e-8, "stage %d", k)
	}
	assert.Len(t, sqp.Stats().Iterations, sqp.Stats().SQPIter)
}

func TestPhiConstraintBindsControl(t *testing.T) {
	desc := decayDescription(5)
	desc.Constraints.X0 = []float64{4}
	desc.Constraints.IdxBU, desc.Constraints.LBU, desc.Constraints.UBU = nil, nil, nil
	desc.Constraints.Phi = "sum_squares"
	desc.Constraints.CrU = [][]float64{{1}}
	desc.Constraints.LPhi = []float64{-1e8}
	desc.Constraints.UPhi = []float64{0.25}
	desc.Solver.NLPSolver = SQP
	desc.Solver.MaxIter = 50
	s := newSolver(t, desc)

	st, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusSuccess, st)
	for k := 0; k < 5; k++ {
		u, _ := s.Vector(k, "u")
		assert.LessOrEqual(t, u[0]*u[0], 0.25+1e-6, "stage %d", k)
	}
	u0, _ := s.Vector(0, "u")
	assert.InDelta(t, -0.5, u0[0], 1e-4, "the bound is active at the start")

	lam, _ := s.Vector(0, "lam")
	assert.Positive(t, lam[len(lam)-1])
}

func TestMeritBacktrackingOnPendulum(t *testing.T) {
	desc := Description{
		Model: "pendulum",
		Dims:  Dims{Dims: dynamo.Dims{NX: 2, NU: 1}, N: 10},
		Cost: Cost{
			W:     [][]float64{{10, 0, 0}, {0, 1, 0}, {0, 0, 0.01}},
			Vx:    [][]float64{{1, 0}, {0, 1}, {0, 0}},
			Vu:    [][]float64{{0}, {0}, {1}},
			YRef:  []float64{0, 0, 0},
			WE:    [][]float64{{10, 0}, {0, 1}},
			VxE:   [][]float64{{1, 0}, {0, 1}},
			YRefE: []float64{0, 0},
		},
		Constraints: Constraints{X0: []float64{1, 0}},
		Solver: Options{
			Tf:            1,
			NLPSolver:     SQP,
			Globalization: MeritBacktracking,
			MaxIter:       100,
			Tol:           1e-6,
		},
	}
	s := newSolver(t, desc)
	st, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusSuccess, st)

	stats := s.Stats()
	assert.Less(t, stats.ResEq, 1e-6)
	for _, it := range stats.Iterations {
		assert.Greater(t, it.Alpha, 0.0)
		assert.LessOrEqual(t, it.Alpha, 1.0)
	}
	assert.False(t, math.IsNaN(stats.Cost))
}
