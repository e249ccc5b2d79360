package control

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
)

// LQR is the state feedback u = URef - K (x - XRef).
type LQR struct {
	K    *mat.Dense
	XRef dynamo.State
	URef dynamo.Control
}

func NewLQR(k *mat.Dense, xRef dynamo.State, uRef dynamo.Control) *LQR {
	return &LQR{K: k, XRef: xRef, URef: uRef}
}

func (l *LQR) Compute(x dynamo.State, t float64) (dynamo.Control, error) {
	nu, nx := l.K.Dims()
	if len(x) != nx {
		return nil, &dynamo.DimensionMismatchError{Field: "x", Expected: dynamo.VectorShape(nx), Got: dynamo.VectorShape(len(x))}
	}
	dx := mat.NewVecDense(nx, x.Sub(l.XRef))
	var ku mat.VecDense
	ku.MulVec(l.K, dx)
	u := make(dynamo.Control, nu)
	for i := range u {
		if i < len(l.URef) {
			u[i] = l.URef[i]
		}
		u[i] -= ku.AtVec(i)
	}
	return u, nil
}

const (
	riccatiMaxIter = 10000
	riccatiTol     = 1e-10
)

// DesignLQR linearizes integ over one sample of length ts around
// (xRef, uRef) and solves the discrete Riccati equation by fixed-point
// iteration. integ must have forward sensitivities enabled.
func DesignLQR(integ integrators.Integrator, xRef, uRef, p []float64, ts float64, Q, R mat.Symmetric) (*LQR, error) {
	d := integ.Dims()
	if !integ.Options().SensForw {
		return nil, &dynamo.PermissionError{Option: "sens_forw"}
	}
	if Q.SymmetricDim() != d.NX {
		return nil, &dynamo.DimensionMismatchError{Field: "Q", Expected: dynamo.MatrixShape(d.NX, d.NX), Got: dynamo.MatrixShape(Q.SymmetricDim(), Q.SymmetricDim())}
	}
	if R.SymmetricDim() != d.NU {
		return nil, &dynamo.DimensionMismatchError{Field: "R", Expected: dynamo.MatrixShape(d.NU, d.NU), Got: dynamo.MatrixShape(R.SymmetricDim(), R.SymmetricDim())}
	}

	out := integrators.NewOutput(d)
	in := &integrators.Input{
		X: xRef, U: uRef, P: p, T: ts,
		Sens: integrators.Sens{Forw: true, OutputZ: d.NZ > 0},
	}
	st, err := integ.Simulate(in, out)
	if err != nil {
		return nil, err
	}
	if !st.OK() {
		return nil, fmt.Errorf("lqr linearization: %v", st)
	}
	A := mat.DenseCopyOf(out.SForw.Slice(0, d.NX, 0, d.NX))
	B := mat.DenseCopyOf(out.SForw.Slice(0, d.NX, d.NX, d.NX+d.NU))

	K, err := dare(A, B, Q, R)
	if err != nil {
		return nil, err
	}
	return NewLQR(K, dynamo.State(xRef).Clone(), dynamo.Control(uRef).Clone()), nil
}

// dare returns the gain of the discrete algebraic Riccati equation
// P = Q + AᵀPA - AᵀPB (R + BᵀPB)⁻¹ BᵀPA.
func dare(A, B *mat.Dense, Q, R mat.Symmetric) (*mat.Dense, error) {
	nx, nu := Q.SymmetricDim(), R.SymmetricDim()
	P := mat.DenseCopyOf(Q)
	K := mat.NewDense(nu, nx, nil)
	var btp, s, btpa, next, atpa mat.Dense
	for it := 0; it < riccatiMaxIter; it++ {
		btp.Mul(B.T(), P)
		s.Mul(&btp, B)
		s.Add(&s, R)
		btpa.Mul(&btp, A)
		if err := K.Solve(&s, &btpa); err != nil {
			return nil, &dynamo.ConfigError{Field: "R", Reason: fmt.Sprintf("R + BᵀPB is singular: %v", err)}
		}

		atpa.Mul(A.T(), P)
		atpa.Mul(&atpa, A)
		next.Mul(btpa.T(), K)
		next.Sub(&atpa, &next)
		next.Add(&next, Q)

		diff, scale := 0.0, 1.0
		for i := 0; i < nx; i++ {
			for j := 0; j < nx; j++ {
				diff = math.Max(diff, math.Abs(next.At(i, j)-P.At(i, j)))
				scale = math.Max(scale, math.Abs(next.At(i, j)))
			}
		}
		P.Copy(&next)
		if diff < riccatiTol*scale {
			return K, nil
		}
	}
	return nil, &dynamo.ConfigError{Field: "Q", Reason: "Riccati iteration did not converge; the linearization may not be stabilizable"}
}
