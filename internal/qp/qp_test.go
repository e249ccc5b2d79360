package qp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

func diag(v ...float64) *mat.Dense {
	m := mat.NewDense(len(v), len(v), nil)
	for i, x := range v {
		m.Set(i, i, x)
	}
	return m
}

// scalarProblem is x+ = x + u + d with cost ½x0² + ½u0² + ½x1² - xr·x1
// and dx0 fixed to a.
func scalarProblem(a, xr, d float64) []Stage {
	return []Stage{
		{
			A:      mat.NewDense(1, 1, []float64{1}),
			B:      mat.NewDense(1, 1, []float64{1}),
			Defect: []float64{d},
			H:      diag(1, 1),
			Grad:   []float64{0, 0},
			C:      mat.NewDense(1, 2, []float64{1, 0}),
			Val:    []float64{0},
			Lo:     []float64{a},
			Hi:     []float64{a},
		},
		{
			H:    diag(1),
			Grad: []float64{-xr},
		},
	}
}

func newScalar(t *testing.T, opts Options) *Solver {
	t.Helper()
	s, err := New(Dims{NX: 1, NU: 1, N: 1}, opts, nil)
	require.NoError(t, err)
	return s
}

func TestCondensedMatrices(t *testing.T) {
	s := newScalar(t, DefaultOptions())
	st, err := s.Prepare(scalarProblem(1, 5, 0.5))
	require.NoError(t, err)
	require.Equal(t, dynamo.StatusSuccess, st)

	want := mat.NewSymDense(2, []float64{2, 1, 1, 2})
	assert.True(t, mat.EqualApprox(want, s.Hessian(), 1e-14))
	assert.InDeltaSlice(t, []float64{-4.5, -4.5}, s.Gradient(), 1e-14)
	assert.Zero(t, s.Shift())
}

func TestEqualityConstrainedSolve(t *testing.T) {
	s := newScalar(t, DefaultOptions())
	stages := scalarProblem(1, 5, 0)
	_, err := s.Prepare(stages)
	require.NoError(t, err)

	st, err := s.Solve(stages)
	require.NoError(t, err)
	require.Equal(t, dynamo.StatusSuccess, st)

	eq, ineq := s.Rows()
	assert.Equal(t, 1, eq)
	assert.Equal(t, 0, ineq)

	dx, du := make([]float64, 1), make([]float64, 1)
	s.Step(0, dx, du)
	assert.InDelta(t, 1.0, dx[0], 1e-10)
	assert.InDelta(t, 2.0, du[0], 1e-10)
	s.Step(1, dx, nil)
	assert.InDelta(t, 3.0, dx[0], 1e-10)

	// x0 + x1 - xr = -1 balances the equality multiplier
	assert.InDelta(t, 1.0, s.Lam(0)[0], 1e-9)
}

func TestActiveUpperBound(t *testing.T) {
	s := newScalar(t, DefaultOptions())
	stages := scalarProblem(1, 5, 0)
	stages[0].C = mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	stages[0].Val = []float64{0, 0}
	stages[0].Lo = []float64{1, math.Inf(-1)}
	stages[0].Hi = []float64{1, 0.5}
	_, err := s.Prepare(stages)
	require.NoError(t, err)

	st, err := s.Solve(stages)
	require.NoError(t, err)
	require.Equal(t, dynamo.StatusSuccess, st)

	dx, du := make([]float64, 1), make([]float64, 1)
	s.Step(0, dx, du)
	assert.InDelta(t, 0.5, du[0], 1e-10)
	s.Step(1, dx, nil)
	assert.InDelta(t, 1.5, dx[0], 1e-10)

	lam := s.Lam(0)
	assert.InDelta(t, 3.0, lam[1], 1e-9, "upper bound multiplier is positive")
}

func TestFeedbackReusesFactorization(t *testing.T) {
	s := newScalar(t, DefaultOptions())
	stages := scalarProblem(1, 5, 0)
	_, err := s.Prepare(stages)
	require.NoError(t, err)

	for _, a := range []float64{-1, 0, 2} {
		stages[0].Lo[0], stages[0].Hi[0] = a, a
		st, err := s.Solve(stages)
		require.NoError(t, err)
		require.Equal(t, dynamo.StatusSuccess, st)

		dx, du := make([]float64, 1), make([]float64, 1)
		s.Step(0, dx, du)
		assert.InDelta(t, a, dx[0], 1e-10)
		assert.InDelta(t, (5-a)/2, du[0], 1e-10)
	}
}

func TestSolveBeforePrepare(t *testing.T) {
	s := newScalar(t, DefaultOptions())
	_, err := s.Solve(scalarProblem(0, 0, 0))
	assert.ErrorIs(t, err, dynamo.ErrPhaseOrder)
}

func TestCholeskyShift(t *testing.T) {
	stages := scalarProblem(0, 0, 0)
	stages[0].H = diag(0, 0)
	stages[1].H = diag(0)

	s := newScalar(t, DefaultOptions())
	st, err := s.Prepare(stages)
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusSuccess, st)
	assert.InDelta(t, 1e-8, s.Shift(), 1e-20)

	s = newScalar(t, Options{})
	st, err = s.Prepare(stages)
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusQPFailure, st)
	assert.False(t, s.Prepared())
}

func TestLevenbergMarquardtMakesPositiveDefinite(t *testing.T) {
	stages := scalarProblem(0, 0, 0)
	stages[0].H = diag(0, 0)
	stages[1].H = diag(0)

	s := newScalar(t, Options{LevenbergMarquardt: 1e-3})
	st, err := s.Prepare(stages)
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusSuccess, st)
	assert.Zero(t, s.Shift())
}

func TestIndefiniteHessianFails(t *testing.T) {
	stages := scalarProblem(0, 0, 0)
	stages[0].H = diag(-1, -1)

	s := newScalar(t, DefaultOptions())
	st, err := s.Prepare(stages)
	require.NoError(t, err)
	assert.Equal(t, dynamo.StatusQPFailure, st)
}

func TestExpansionSatisfiesDynamics(t *testing.T) {
	const nx, nu, N = 2, 1, 3
	A := mat.NewDense(nx, nx, []float64{1, 0.1, -0.2, 0.9})
	B := mat.NewDense(nx, nu, []float64{0, 0.1})
	stages := make([]Stage, N+1)
	for k := 0; k < N; k++ {
		stages[k] = Stage{
			A:      A,
			B:      B,
			Defect: []float64{0.01 * float64(k+1), -0.02},
			H:      diag(1, 2, 0.1),
			Grad:   []float64{0.3, -0.1, 0.05},
		}
	}
	stages[0].C = mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	stages[0].Val = []float64{0, 0, 0}
	stages[0].Lo = []float64{0.5, -0.5, -0.2}
	stages[0].Hi = []float64{0.5, -0.5, 0.2}
	stages[N] = Stage{H: diag(10, 10), Grad: []float64{1, 1}}

	s, err := New(Dims{NX: nx, NU: nu, N: N}, DefaultOptions(), nil)
	require.NoError(t, err)
	_, err = s.Prepare(stages)
	require.NoError(t, err)
	st, err := s.Solve(stages)
	require.NoError(t, err)
	require.Equal(t, dynamo.StatusSuccess, st)

	eq, ineq := s.Rows()
	assert.Equal(t, 2, eq)
	assert.Equal(t, 2, ineq)

	dx := make([][]float64, N+1)
	du := make([][]float64, N)
	for k := 0; k <= N; k++ {
		dx[k] = make([]float64, nx)
		var u []float64
		if k < N {
			du[k] = make([]float64, nu)
			u = du[k]
		}
		s.Step(k, dx[k], u)
	}
	assert.InDeltaSlice(t, []float64{0.5, -0.5}, dx[0], 1e-10)
	assert.LessOrEqual(t, math.Abs(du[0][0]), 0.2+1e-10)

	for k := 0; k < N; k++ {
		var next mat.VecDense
		next.MulVec(A, mat.NewVecDense(nx, dx[k]))
		for i := 0; i < nx; i++ {
			want := next.AtVec(i) + B.At(i, 0)*du[k][0] + stages[k].Defect[i]
			assert.InDelta(t, want, dx[k+1][i], 1e-12, "stage %d row %d", k+1, i)
		}
	}
}

func TestInvalidInput(t *testing.T) {
	_, err := New(Dims{NX: 0, NU: 1, N: 1}, DefaultOptions(), nil)
	assert.ErrorIs(t, err, dynamo.ErrConfig)

	_, err = New(Dims{NX: 1, NU: 1, N: 1}, Options{LevenbergMarquardt: -1}, nil)
	assert.ErrorIs(t, err, dynamo.ErrConfig)

	s := newScalar(t, DefaultOptions())
	_, err = s.Prepare(scalarProblem(0, 0, 0)[:1])
	assert.Error(t, err)

	stages := scalarProblem(0, 0, 0)
	stages[0].Grad = []float64{0}
	_, err = s.Prepare(stages)
	assert.Error(t, err)
}
