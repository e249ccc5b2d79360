package control

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/model"
	"github.com/san-kum/nmpc/internal/ocp"
)

func TestNone(t *testing.T) {
	ctrl := NewNone(2)
	u, err := ctrl.Compute(dynamo.State{1.0, 2.0}, 0.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(u) != 2 {
		t.Errorf("expected 2 controls, got %d", len(u))
	}
	for i, v := range u {
		if v != 0 {
			t.Errorf("control[%d] should be 0, got %f", i, v)
		}
	}
}

func TestPID(t *testing.T) {
	ctrl := NewPID(10.0, 0.1, 5.0, 0.0, 2)
	u, err := ctrl.Compute(dynamo.State{1.0, 0.0}, 0.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(u) != 2 {
		t.Fatalf("expected 2 controls, got %d", len(u))
	}
	if u[0] >= 0 {
		t.Error("PID should output negative control for positive error")
	}
	if u[1] != 0 {
		t.Errorf("second channel should be idle, got %f", u[1])
	}
	if _, err := ctrl.Compute(nil, 0.1); !errors.Is(err, dynamo.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestLQR(t *testing.T) {
	ctrl := NewLQR(mat.NewDense(1, 2, []float64{1.0, 2.0}), dynamo.State{0.0, 0.0}, dynamo.Control{0.5})

	u, err := ctrl.Compute(dynamo.State{0.0, 0.0}, 0.0)
	if err != nil {
		t.Fatal(err)
	}
	if u[0] != 0.5 {
		t.Errorf("expected feedforward control at target, got %f", u[0])
	}

	u, _ = ctrl.Compute(dynamo.State{1.0, 1.0}, 0.0)
	if u[0] != 0.5-3 {
		t.Errorf("expected -2.5, got %f", u[0])
	}

	if _, err := ctrl.Compute(dynamo.State{1}, 0); !errors.Is(err, dynamo.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestDesignLQRMatchesScalarRiccati(t *testing.T) {
	const ts = 0.1
	opts := integrators.DefaultOptions()
	opts.T = ts
	integ, err := integrators.New(model.NewDecay(), opts, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctrl, err := DesignLQR(integ, []float64{0}, []float64{0}, nil, ts,
		mat.NewSymDense(1, []float64{1}), mat.NewSymDense(1, []float64{0.1}))
	if err != nil {
		t.Fatal(err)
	}

	a := math.Exp(-ts)
	b := 1 - a
	k := ctrl.K.At(0, 0)
	// the closed-form gain solves p = q + a²p - (abp)²/(r + b²p)
	p := 1.0
	for i := 0; i < 10000; i++ {
		p = 1 + a*a*p - (a*b*p)*(a*b*p)/(0.1+b*b*p)
	}
	want := a * b * p / (0.1 + b*b*p)
	if math.Abs(k-want) > 1e-6 {
		t.Errorf("K = %v, want %v", k, want)
	}
	if math.Abs(a-b*k) >= 1 {
		t.Errorf("closed loop |a - bK| = %v is not stable", math.Abs(a-b*k))
	}
}

func TestDesignLQRNeedsForwardSensitivities(t *testing.T) {
	opts := integrators.DefaultOptions()
	opts.SensForw = false
	integ, err := integrators.New(model.NewDecay(), opts, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = DesignLQR(integ, []float64{0}, []float64{0}, nil, 0.1,
		mat.NewSymDense(1, []float64{1}), mat.NewSymDense(1, []float64{1}))
	if !errors.Is(err, dynamo.ErrPermission) {
		t.Errorf("expected permission error, got %v", err)
	}
}

func decayMPC(t *testing.T, solver ocp.NLPSolver) *MPC {
	t.Helper()
	desc := ocp.Description{
		Model: "decay",
		Dims:  ocp.Dims{Dims: dynamo.Dims{NX: 1, NU: 1}, N: 10},
		Cost: ocp.Cost{
			W:     [][]float64{{1, 0}, {0, 0.01}},
			Vx:    [][]float64{{1}, {0}},
			Vu:    [][]float64{{0}, {1}},
			YRef:  []float64{0.5, 0},
			WE:    [][]float64{{1}},
			VxE:   [][]float64{{1}},
			YRefE: []float64{0.5},
		},
		Constraints: ocp.Constraints{
			X0:    []float64{0},
			IdxBU: []int{0},
			LBU:   []float64{-1},
			UBU:   []float64{1},
		},
		Solver: ocp.Options{Tf: 1, NLPSolver: solver},
	}
	s, err := ocp.New(desc)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMPC(s, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMPCTracksReference(t *testing.T) {
	for _, solver := range []ocp.NLPSolver{ocp.SQPRTI, ocp.SQP} {
		t.Run(string(solver), func(t *testing.T) {
			m := decayMPC(t, solver)
			u, err := m.Compute(dynamo.State{0}, 0)
			if err != nil {
				t.Fatal(err)
			}
			if u[0] <= 0 || u[0] > 1+1e-9 {
				t.Errorf("u0 = %v, want in (0, 1]", u[0])
			}
			if m.LastStatus() != dynamo.StatusSuccess {
				t.Errorf("status = %v", m.LastStatus())
			}
			if tm := m.LastTiming(); tm.Preparation <= 0 || tm.Feedback <= 0 {
				t.Errorf("timing not recorded: %+v", tm)
			}

			if err := m.SetReference([]float64{-0.5, 0}, []float64{-0.5}); err != nil {
				t.Fatal(err)
			}
			u, err = m.Compute(dynamo.State{0}, 0.1)
			if err != nil {
				t.Fatal(err)
			}
			if u[0] >= 0 {
				t.Errorf("u0 = %v after a negative reference", u[0])
			}
		})
	}
}

func TestMPCRejectsWrongStateLength(t *testing.T) {
	m := decayMPC(t, ocp.SQPRTI)
	if _, err := m.Compute(dynamo.State{0, 1}, 0); !errors.Is(err, dynamo.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
	if err := m.SetReference([]float64{1}, nil); !errors.Is(err, dynamo.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}
