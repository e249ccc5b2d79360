package config

import (
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/ocp"
)

// RSM drive: DC link voltage and the resulting phase voltage limit.
const (
	RSMUdc  = 580.0
	RSMUMax = 2.0 / 3.0 * RSMUdc
)

type Preset struct {
	Summary string
	Config  *Config
}

var Presets = map[string]Preset{
	"decay": {
		Summary: "first-order lag xdot = -x + u tracking a set point",
		Config:  DefaultConfig(),
	},
	"pendulum": {
		Summary: "torque-limited pendulum held upright",
		Config: &Config{
			Preset:     "pendulum",
			Model:      "pendulum",
			Controller: ControllerMPC,
			Ts:         0.05,
			Duration:   5,
			Runs:       1,
			X0:         []float64{math.Pi - 0.4, 0},
			Reference:  []float64{math.Pi, 0},
			ULimit:     8,
			Plant: PlantConfig{
				Integrator: integrators.Options{NumStages: 4, NewtonIter: 10, NewtonTol: 1e-10},
			},
			MPC: MPCConfig{
				Horizon:    20,
				NLPSolver:  ocp.SQPRTI,
				Integrator: integrators.Options{Method: integrators.MethodERK, NumSteps: 2},
			},
			LQR:      LQRConfig{Q: []float64{10, 1}, R: []float64{0.1}},
			PID:      PIDConfig{Kp: 40, Ki: 1, Kd: 8, Target: math.Pi},
			LogLevel: DefaultLogLevel,
		},
	},
	"cartpole": {
		Summary: "cart-pole balancing from a tilted start",
		Config: &Config{
			Preset:     "cartpole",
			Model:      "cartpole",
			Controller: ControllerMPC,
			Ts:         0.05,
			Duration:   5,
			Runs:       1,
			X0:         []float64{0, 0, 0.2, 0},
			Reference:  []float64{0, 0, 0, 0},
			ULimit:     10,
			Plant: PlantConfig{
				Integrator: integrators.Options{NumStages: 4, NewtonIter: 10, NewtonTol: 1e-10},
			},
			MPC: MPCConfig{
				Horizon:    20,
				NLPSolver:  ocp.SQPRTI,
				Integrator: integrators.Options{Method: integrators.MethodERK, NumSteps: 2},
			},
			LQR:      LQRConfig{Q: []float64{1, 1, 10, 1}, R: []float64{0.1}},
			LogLevel: DefaultLogLevel,
		},
	},
	"rsm": {
		Summary: "reluctance synchronous machine current control with a speed drop",
		Config: &Config{
			Preset:     "rsm",
			Model:      "rsm",
			Controller: ControllerMPC,
			Ts:         0.0008,
			Duration:   100 * 0.0008,
			Runs:       1,
			X0:         []float64{0, 0},
			Reference:  []float64{-20, 20},
			Params:     []float64{300, 0, 0},
			// the speed halves for samples 34..49
			Schedule: []Segment{{From: 34, To: 50, Params: []float64{150, 0, 0}}},
			ULimit:   RSMUMax,
			Plant: PlantConfig{
				Integrator: integrators.Options{
					Method:     integrators.MethodIRK,
					NumStages:  6,
					NumSteps:   3,
					NewtonIter: 50,
					NewtonTol:  1e-10,
				},
			},
			MPC: MPCConfig{
				Horizon:   2,
				NLPSolver: ocp.SQPRTI,
				Tol:       1e-3,
				// keeps the circle strictly inside the hexagon
				PhiRelaxation: 1e-3,
				Integrator: integrators.Options{
					Method:     integrators.MethodIRK,
					NumStages:  2,
					NewtonIter: 20,
					NewtonTol:  1e-6,
				},
			},
			LogLevel: DefaultLogLevel,
		},
	},
}

// GetPreset returns a copy of the named preset.
func GetPreset(name string) (*Config, error) {
	p, ok := Presets[name]
	if !ok {
		return nil, &dynamo.ConfigError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q (have %v)", name, ListPresets())}
	}
	return p.Config.Clone(), nil
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
