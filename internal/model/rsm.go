package model

import (
	"math"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// RSM is a reluctance synchronous machine in dq coordinates. The fluxes
// are differential states, the currents algebraic states tied to the
// fluxes through fitted flux maps.
//
//	x = [psi_d, psi_q]  u = [u_d, u_q]  z = [i_d, i_q]  p = [w, dist_d, dist_q]
type RSM struct {
	Rs float64
}

func NewRSM() *RSM {
	return &RSM{Rs: 0.4}
}

func (r *RSM) Name() string      { return "rsm" }
func (r *RSM) Dims() dynamo.Dims { return dynamo.Dims{NX: 2, NU: 2, NZ: 2, NP: 3} }

// FluxD is the fitted d-axis flux map psi_d(i_d, i_q).
func FluxD(id, iq float64) float64 {
	return -4.215858085639979e-3*id +
		math.Exp(-8.413493151721978e-5*iq*iq)*math.Atan(1.416834085282644e-1*id)*8.834738694115108e-1
}

// FluxQ is the fitted q-axis flux map psi_q(i_d, i_q).
func FluxQ(id, iq float64) float64 {
	return 1.04488335702649e-2*iq +
		math.Exp(-id*id/72.0)*math.Atan(iq)*6.649036351062812e-2
}

func (r *RSM) Implicit(out, xdot, x, u, z, p []float64) {
	psiD, psiQ := x[0], x[1]
	iD, iQ := z[0], z[1]
	w, distD, distQ := p[0], p[1], p[2]

	out[0] = xdot[0] - u[0] + r.Rs*iD - w*psiQ - distD
	out[1] = xdot[1] - u[1] + r.Rs*iQ + w*psiD - distQ
	out[2] = psiD - FluxD(iD, iQ)
	out[3] = psiQ - FluxQ(iD, iQ)
}

// SteadyState returns the flux and voltage that hold the currents
// (id, iq) at electrical speed w.
func (r *RSM) SteadyState(id, iq, w float64) (x, u []float64) {
	psiD := FluxD(id, iq)
	psiQ := FluxQ(id, iq)
	x = []float64{psiD, psiQ}
	u = []float64{r.Rs*id - w*psiQ, r.Rs*iq + w*psiD}
	return x, u
}
