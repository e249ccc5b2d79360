package experiment

import (
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
	"github.com/san-kum/nmpc/internal/ocp"
)

// Problem builds the optimal control problem of one model kernel.
type Problem struct {
	Model string
	Dims  dynamo.Dims
	// Steady returns the state and control the loop should settle at
	// under the parameters p.
	Steady func(cfg *config.Config, p []float64) (x, u []float64)
	// OCP returns the description for cfg; references are set later
	// from Steady.
	OCP func(cfg *config.Config) (ocp.Description, error)
}

// Reference returns the stage and terminal references for [x; u] outputs.
func (p Problem) Reference(cfg *config.Config, par []float64) (yref, yrefE []float64) {
	xs, us := p.Steady(cfg, par)
	yref = append(append(make([]float64, 0, len(xs)+len(us)), xs...), us...)
	return yref, append([]float64(nil), xs...)
}

type Registry struct {
	problems map[string]Problem
}

func NewRegistry() *Registry {
	r := &Registry{problems: make(map[string]Problem)}

	r.problems["decay"] = Problem{
		Model: "decay",
		Dims:  dynamo.Dims{NX: 1, NU: 1},
		Steady: func(cfg *config.Config, _ []float64) ([]float64, []float64) {
			return []float64{cfg.Reference[0]}, []float64{cfg.Reference[0]}
		},
		OCP: func(cfg *config.Config) (ocp.Description, error) {
			return tracking(cfg, "decay", []float64{10}, []float64{0.01})
		},
	}

	pendulum := model.NewPendulum()
	r.problems["pendulum"] = Problem{
		Model: "pendulum",
		Dims:  pendulum.Dims(),
		Steady: func(cfg *config.Config, _ []float64) ([]float64, []float64) {
			x := []float64{cfg.Reference[0], 0}
			return x, []float64{pendulum.Mass * pendulum.Gravity * pendulum.Length * math.Sin(x[0])}
		},
		OCP: func(cfg *config.Config) (ocp.Description, error) {
			return tracking(cfg, "pendulum", []float64{10, 1}, []float64{0.01})
		},
	}

	r.problems["cartpole"] = Problem{
		Model: "cartpole",
		Dims:  dynamo.Dims{NX: 4, NU: 1},
		Steady: func(cfg *config.Config, _ []float64) ([]float64, []float64) {
			return []float64{cfg.Reference[0], 0, 0, 0}, []float64{0}
		},
		OCP: func(cfg *config.Config) (ocp.Description, error) {
			return tracking(cfg, "cartpole", []float64{1, 0.1, 10, 0.1}, []float64{0.01})
		},
	}

	r.problems["rsm"] = Problem{
		Model:  "rsm",
		Dims:   model.NewRSM().Dims(),
		Steady: rsmSteady,
		OCP:    rsmOCP,
	}

	return r
}

func (r *Registry) Problem(name string) (Problem, error) {
	p, ok := r.problems[name]
	if !ok {
		return Problem{}, &dynamo.ConfigError{Field: "model", Reason: fmt.Sprintf("no problem for model %q", name)}
	}
	return p, nil
}

func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.problems))
	for name := range r.problems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// tracking is a state tracking problem with diagonal weights q on the
// states, r on the controls and |u| <= cfg.ULimit.
func tracking(cfg *config.Config, name string, q, r []float64) (ocp.Description, error) {
	nx, nu := len(q), len(r)
	if len(cfg.Reference) == 0 {
		return ocp.Description{}, &dynamo.ConfigError{Field: "reference", Reason: "is empty"}
	}
	ny := nx + nu
	w := make([][]float64, ny)
	vx := make([][]float64, ny)
	vu := make([][]float64, ny)
	for i := range w {
		w[i] = make([]float64, ny)
		vx[i] = make([]float64, nx)
		vu[i] = make([]float64, nu)
		if i < nx {
			w[i][i] = q[i]
			vx[i][i] = 1
		} else {
			w[i][i] = r[i-nx]
			vu[i][i-nx] = 1
		}
	}
	we := make([][]float64, nx)
	vxe := make([][]float64, nx)
	for i := range we {
		we[i] = make([]float64, nx)
		vxe[i] = make([]float64, nx)
		we[i][i] = q[i]
		vxe[i][i] = 1
	}

	idxbu := make([]int, nu)
	lbu := make([]float64, nu)
	ubu := make([]float64, nu)
	for i := range idxbu {
		idxbu[i] = i
		lbu[i], ubu[i] = -cfg.ULimit, cfg.ULimit
	}

	return ocp.Description{
		Model: name,
		Dims:  ocp.Dims{Dims: dynamo.Dims{NX: nx, NU: nu}, N: cfg.MPC.Horizon},
		Cost: ocp.Cost{
			W:     w,
			Vx:    vx,
			Vu:    vu,
			YRef:  make([]float64, ny),
			WE:    we,
			VxE:   vxe,
			YRefE: make([]float64, nx),
		},
		Constraints: ocp.Constraints{
			X0:    padded(cfg.X0, nx),
			IdxBU: idxbu,
			LBU:   lbu,
			UBU:   ubu,
		},
		Solver: solverOptions(cfg),
	}, nil
}

func solverOptions(cfg *config.Config) ocp.Options {
	return ocp.Options{
		Tf:            cfg.Horizon(),
		Integrator:    cfg.MPC.Integrator,
		NLPSolver:     cfg.MPC.NLPSolver,
		Globalization: cfg.MPC.Globalization,
		MaxIter:       cfg.MPC.MaxIter,
		Tol:           cfg.MPC.Tol,
		PhiRelaxation: cfg.MPC.PhiRelaxation,
		ShiftInit:     cfg.MPC.ShiftInit,
	}
}

func padded(v []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, v)
	return out
}
