package integrators

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/mat"
)

type Collocation string

const (
	GaussLegendre Collocation = "GAUSS_LEGENDRE"
	GaussRadauIIA Collocation = "GAUSS_RADAU_IIA"
)

const maxStages = 9

// Tableau is the Butcher tableau of a collocation method.
type Tableau struct {
	Kind Collocation
	A    *mat.Dense
	B    []float64
	C    []float64
}

func (t *Tableau) Stages() int { return len(t.C) }

// NewTableau builds the s-stage collocation tableau. Nodes are roots of
// shifted Legendre polynomials; A and b follow from the simplifying
// conditions sum_j a_ij c_j^(k-1) = c_i^k / k and sum_j b_j c_j^(k-1) = 1/k.
func NewTableau(kind Collocation, s int) (*Tableau, error) {
	if s < 1 || s > maxStages {
		return nil, fmt.Errorf("num_stages must be in [1, %d], got %d", maxStages, s)
	}

	var poly []float64
	switch kind {
	case GaussLegendre:
		poly = shiftedLegendre(s)
	case GaussRadauIIA:
		poly = shiftedLegendre(s)
		prev := shiftedLegendre(s - 1)
		for k := range prev {
			poly[k] -= prev[k]
		}
	default:
		return nil, fmt.Errorf("unknown collocation type %q", kind)
	}

	c, err := realRoots(poly)
	if err != nil {
		return nil, err
	}
	if kind == GaussRadauIIA {
		c[s-1] = 1
	}

	v := mat.NewDense(s, s, nil)
	for k := 0; k < s; k++ {
		for j := 0; j < s; j++ {
			v.Set(k, j, math.Pow(c[j], float64(k)))
		}
	}
	var lu mat.LU
	lu.Factorize(v)

	rhs := mat.NewDense(s, s+1, nil)
	for k := 0; k < s; k++ {
		for i := 0; i < s; i++ {
			rhs.Set(k, i, math.Pow(c[i], float64(k+1))/float64(k+1))
		}
		rhs.Set(k, s, 1/float64(k+1))
	}
	var sol mat.Dense
	if err := lu.SolveTo(&sol, false, rhs); err != nil {
		return nil, fmt.Errorf("collocation nodes for %s(%d): %w", kind, s, err)
	}

	t := &Tableau{Kind: kind, A: mat.NewDense(s, s, nil), B: make([]float64, s), C: c}
	for i := 0; i < s; i++ {
		for j := 0; j < s; j++ {
			t.A.Set(i, j, sol.At(j, i))
		}
		t.B[i] = sol.At(i, s)
	}
	return t, nil
}

// shiftedLegendre returns the coefficients (ascending powers) of P_n(2x-1).
func shiftedLegendre(n int) []float64 {
	coef := make([]float64, n+1)
	for k := 0; k <= n; k++ {
		sign := 1.0
		if (n+k)%2 == 1 {
			sign = -1
		}
		coef[k] = sign * binomial(n, k) * binomial(n+k, k)
	}
	return coef
}

func binomial(n, k int) float64 {
	r := 1.0
	for i := 1; i <= k; i++ {
		r = r * float64(n-k+i) / float64(i)
	}
	return r
}

// realRoots finds the roots of a polynomial with real, simple roots in
// [0, 1] from its companion matrix, polishes them with Newton steps and
// returns them sorted.
func realRoots(coef []float64) ([]float64, error) {
	n := len(coef) - 1
	for n > 0 && coef[n] == 0 {
		n--
	}
	if n == 0 {
		return nil, fmt.Errorf("constant polynomial has no roots")
	}
	if n == 1 {
		return []float64{-coef[0] / coef[1]}, nil
	}

	comp := mat.NewDense(n, n, nil)
	for i := 1; i < n; i++ {
		comp.Set(i, i-1, 1)
	}
	for i := 0; i < n; i++ {
		comp.Set(i, n-1, -coef[i]/coef[n])
	}
	var eig mat.Eigen
	if ok := eig.Factorize(comp, mat.EigenNone); !ok {
		return nil, fmt.Errorf("companion eigen decomposition failed")
	}
	vals := eig.Values(nil)

	roots := make([]float64, n)
	for i, v := range vals {
		if math.Abs(imag(v)) > 1e-6*math.Max(1, cmplx.Abs(v)) {
			return nil, fmt.Errorf("complex root %v", v)
		}
		roots[i] = polish(coef[:n+1], real(v))
	}
	sort.Float64s(roots)
	return roots, nil
}

func polish(coef []float64, x float64) float64 {
	for it := 0; it < 8; it++ {
		p, dp := 0.0, 0.0
		for k := len(coef) - 1; k >= 0; k-- {
			dp = dp*x + p
			p = p*x + coef[k]
		}
		if dp == 0 {
			break
		}
		step := p / dp
		x -= step
		if math.Abs(step) < 1e-16 {
			break
		}
	}
	return x
}
