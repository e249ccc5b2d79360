package experiment

import (
	"fmt"
	"math"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
	"github.com/san-kum/nmpc/internal/ocp"
)

// rsmSteady holds the reference currents at the speed p[0].
func rsmSteady(cfg *config.Config, p []float64) ([]float64, []float64) {
	return model.NewRSM().SteadyState(cfg.Reference[0], cfg.Reference[1], p[0])
}

// rsmOCP tracks the steady-state fluxes and voltages under the inverter
// limits: the voltage hexagon as two polytopic rows, the q-voltage box
// and the inscribed circle as a sum-of-squares phi constraint. The circle
// touches the hexagon; mpc.phi_relaxation pulls it inside.
func rsmOCP(cfg *config.Config) (ocp.Description, error) {
	if len(cfg.Reference) != 2 {
		return ocp.Description{}, &dynamo.ConfigError{Field: "reference", Reason: fmt.Sprintf("rsm needs (i_d, i_q), got %d entries", len(cfg.Reference))}
	}
	if len(cfg.Params) != 3 {
		return ocp.Description{}, &dynamo.ConfigError{Field: "params", Reason: fmt.Sprintf("rsm needs (w, dist_d, dist_q), got %d entries", len(cfg.Params))}
	}
	uMax := cfg.ULimit
	sqrt3 := math.Sqrt(3)
	q2 := uMax * math.Sin(math.Pi/3)
	radius := uMax * sqrt3 / 2

	return ocp.Description{
		Model: "rsm",
		Dims:  ocp.Dims{Dims: dynamo.Dims{NX: 2, NU: 2, NZ: 2, NP: 3}, N: cfg.MPC.Horizon},
		Cost: ocp.Cost{
			W: [][]float64{
				{5e2, 0, 0, 0},
				{0, 5e2, 0, 0},
				{0, 0, 1e-4, 0},
				{0, 0, 0, 1e-4},
			},
			Vx:    [][]float64{{1, 0}, {0, 1}, {0, 0}, {0, 0}},
			Vu:    [][]float64{{0, 0}, {0, 0}, {1, 0}, {0, 1}},
			Vz:    [][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}},
			YRef:  make([]float64, 4),
			WE:    [][]float64{{1e-3, 0}, {0, 1e-3}},
			VxE:   [][]float64{{1, 0}, {0, 1}},
			YRefE: make([]float64, 2),
		},
		Constraints: ocp.Constraints{
			X0:    padded(cfg.X0, 2),
			IdxBU: []int{1},
			LBU:   []float64{-q2},
			UBU:   []float64{q2},

			C:  [][]float64{{0, 0}, {0, 0}},
			D:  [][]float64{{sqrt3, 1}, {-sqrt3, 1}},
			LG: []float64{-uMax * sqrt3, -uMax * sqrt3},
			UG: []float64{uMax * sqrt3, uMax * sqrt3},

			Phi:   "sum_squares",
			CrU:   [][]float64{{1, 0}, {0, 1}},
			LPhi:  []float64{-1e8},
			UPhi:  []float64{radius * radius},
			LPhi0: []float64{-1e8},
			UPhi0: []float64{radius * radius},
		},
		Solver:     solverOptions(cfg),
		Parameters: append([]float64(nil), cfg.Params...),
	}, nil
}
