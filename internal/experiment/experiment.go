// Package experiment turns a config.Config into a ready closed loop: the
// MPC or baseline controller, the emulated plant, the reference and
// parameter schedule and the default metrics.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/artifact"
	"github.com/san-kum/nmpc/internal/closedloop"
	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/control"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/kernel"
	"github.com/san-kum/nmpc/internal/metrics"
	"github.com/san-kum/nmpc/internal/ocp"
	"github.com/san-kum/nmpc/internal/sim"
)

var defaultRegistry = NewRegistry()

type options struct {
	log *zap.Logger
	obs ocp.Observer
	reg *Registry
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithObserver passes o to every OCP solver the experiment creates.
func WithObserver(obs ocp.Observer) Option {
	return func(o *options) { o.obs = obs }
}

func WithRegistry(r *Registry) Option {
	return func(o *options) { o.reg = r }
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop(), reg: defaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Experiment struct {
	cfg     *config.Config
	desc    ocp.Description
	problem *Problem
	log     *zap.Logger

	runner   *closedloop.Runner
	plant    *closedloop.SimPlant
	mpc      *control.MPC
	tracking *metrics.Tracking
	x0       dynamo.State
	params   []float64
}

// Describe returns the OCP and plant descriptions cfg selects.
func Describe(cfg *config.Config, opts ...Option) (ocp.Description, sim.Description, error) {
	o := newOptions(opts)
	desc, _, err := describe(cfg, o.reg)
	if err != nil {
		return ocp.Description{}, sim.Description{}, err
	}
	return desc, plantDescription(cfg, desc), nil
}

func describe(cfg *config.Config, reg *Registry) (ocp.Description, *Problem, error) {
	if cfg.Artifact != "" {
		a, err := artifact.Open(cfg.Artifact)
		if err != nil {
			return ocp.Description{}, nil, err
		}
		var desc ocp.Description
		if err := a.Decode(artifact.OCPFile, &desc); err != nil {
			return ocp.Description{}, nil, err
		}
		if desc.Model == "" {
			desc.Model = a.Kernel
		}
		// artifacts carry their own references
		return desc, nil, nil
	}
	p, err := reg.Problem(cfg.Model)
	if err != nil {
		return ocp.Description{}, nil, err
	}
	desc, err := p.OCP(cfg)
	if err != nil {
		return ocp.Description{}, nil, err
	}
	desc.Cost.YRef, desc.Cost.YRefE = p.Reference(cfg, padded(cfg.ParamsAt(0), desc.Dims.NP))
	return desc, &p, nil
}

func plantDescription(cfg *config.Config, desc ocp.Description) sim.Description {
	opts := cfg.Plant.Integrator
	opts.T = cfg.Ts
	opts.SensForw, opts.SensAdj, opts.SensHess, opts.SensAlgebraic = false, false, false, false
	params := cfg.ParamsAt(0)
	if len(params) == 0 {
		params = desc.Parameters
	}
	return sim.Description{
		Model:      desc.Model,
		Dims:       desc.Dims.Dims,
		Solver:     opts,
		Parameters: append([]float64(nil), params...),
	}
}

func New(cfg *config.Config, opts ...Option) (_ *Experiment, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	cfg = cfg.Clone()

	desc, problem, err := describe(cfg, o.reg)
	if err != nil {
		return nil, err
	}
	e := &Experiment{
		cfg:     cfg,
		desc:    desc,
		problem: problem,
		log:     o.log.With(zap.String("model", desc.Model)),
		x0:      dynamo.State(padded(cfg.X0, desc.Dims.NX)),
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, e.Close())
		}
	}()

	ps, err := sim.New(plantDescription(cfg, desc), sim.WithLogger(o.log))
	if err != nil {
		return nil, fmt.Errorf("plant: %w", err)
	}
	e.plant = closedloop.NewSimPlant(ps)

	ctrl, err := e.newController(o)
	if err != nil {
		return nil, fmt.Errorf("%s controller: %w", cfg.Controller, err)
	}

	e.runner = closedloop.New(e.plant, ctrl, e.log)
	e.runner.AddHook(e.schedule)
	e.addMetrics()
	return e, nil
}

func (e *Experiment) newController(o options) (dynamo.Controller, error) {
	nu := e.desc.Dims.NU
	switch e.cfg.Controller {
	case config.ControllerMPC:
		solverOpts := []ocp.Option{ocp.WithLogger(o.log)}
		if o.obs != nil {
			solverOpts = append(solverOpts, ocp.WithObserver(o.obs))
		}
		var s *ocp.Solver
		var err error
		if e.cfg.Artifact != "" {
			s, err = ocp.FromArtifact(e.cfg.Artifact, solverOpts...)
		} else {
			s, err = ocp.New(e.desc, solverOpts...)
		}
		if err != nil {
			return nil, err
		}
		e.mpc = control.NewMPC(s, o.log)
		return e.mpc, nil
	case config.ControllerLQR:
		return e.designLQR()
	case config.ControllerPID:
		pid := e.cfg.PID
		return control.NewPID(pid.Kp, pid.Ki, pid.Kd, pid.Target, nu), nil
	default:
		return control.NewNone(nu), nil
	}
}

// designLQR linearizes the plant model around the steady state of the
// initial parameters.
func (e *Experiment) designLQR() (*control.LQR, error) {
	if e.problem == nil {
		return nil, &dynamo.ConfigError{Field: "controller", Reason: "lqr needs a steady state, artifacts do not provide one"}
	}
	d := e.desc.Dims.Dims
	params := padded(e.cfg.ParamsAt(0), d.NP)
	xs, us := e.problem.Steady(e.cfg, params)

	m, err := kernel.Acquire(e.desc.Model)
	if err != nil {
		return nil, err
	}
	defer kernel.Release()

	opts := e.cfg.Plant.Integrator.WithDefaults()
	opts.T = e.cfg.Ts
	opts.SensForw = true
	opts.SensAdj, opts.SensHess = false, false
	integ, err := integrators.New(m, opts, nil, params)
	if err != nil {
		return nil, err
	}
	q := weights(e.cfg.LQR.Q, d.NX)
	r := weights(e.cfg.LQR.R, d.NU)
	return control.DesignLQR(integ, xs, us, params, e.cfg.Ts, q, r)
}

// weights is diag(w), or the identity when w is empty.
func weights(w []float64, n int) *mat.DiagDense {
	diag := make([]float64, n)
	for i := range diag {
		diag[i] = 1
		if i < len(w) {
			diag[i] = w[i]
		}
	}
	return mat.NewDiagDense(n, diag)
}

func (e *Experiment) addMetrics() {
	e.runner.AddMetric(metrics.NewControlEffort())
	if e.problem != nil {
		xs, _ := e.problem.Steady(e.cfg, padded(e.cfg.ParamsAt(0), e.desc.Dims.NP))
		e.tracking = metrics.NewTracking(nil, xs)
		e.runner.AddMetric(e.tracking)
	}
	if e.desc.Constraints.Phi != "" && e.cfg.ULimit > 0 {
		e.runner.AddMetric(metrics.NewControlNormBound(e.cfg.ULimit * math.Sqrt(3) / 2))
	}
	if m, err := kernel.Acquire(e.desc.Model); err == nil {
		if em, ok := m.(metrics.EnergyModel); ok && e.cfg.Controller == config.ControllerNone {
			e.runner.AddMetric(metrics.NewEnergy(em))
		}
		kernel.Release()
	}
}

// schedule moves parameters and references whenever the schedule changes
// the parameters in force.
func (e *Experiment) schedule(step int, t float64) error {
	p := e.cfg.ParamsAt(step)
	if step > 0 && slices.Equal(p, e.params) {
		return nil
	}
	e.params = slices.Clone(p)
	if len(p) > 0 {
		if err := e.plant.UpdateParams(p); err != nil {
			return err
		}
		if e.mpc != nil {
			if err := e.mpc.UpdateParams(p); err != nil {
				return err
			}
		}
	}
	if e.problem == nil {
		return nil
	}
	yref, yrefE := e.problem.Reference(e.cfg, padded(p, e.desc.Dims.NP))
	if e.mpc != nil {
		if err := e.mpc.SetReference(yref, yrefE); err != nil {
			return err
		}
	}
	if e.tracking != nil {
		e.tracking.SetReference(yrefE)
	}
	if step > 0 {
		e.log.Debug("schedule changed parameters",
			zap.Int("step", step),
			zap.Float64("t", t),
			zap.Float64s("params", p))
	}
	return nil
}

func (e *Experiment) Config() *config.Config       { return e.cfg }
func (e *Experiment) Description() ocp.Description { return e.desc }
func (e *Experiment) Runner() *closedloop.Runner   { return e.runner }
func (e *Experiment) MPC() *control.MPC            { return e.mpc }
func (e *Experiment) Plant() *closedloop.SimPlant  { return e.plant }
func (e *Experiment) X0() dynamo.State             { return e.x0.Clone() }

// Run resets the MPC iterate and simulates the loop from x0.
func (e *Experiment) Run(ctx context.Context) (*dynamo.Result, error) {
	if e.mpc != nil {
		if err := e.mpc.Solver().Reset(); err != nil {
			return nil, err
		}
	}
	return e.runner.Run(ctx, e.x0, e.cfg.Loop())
}

// Close releases the capsules. It is safe to call more than once.
func (e *Experiment) Close() error {
	var errs []error
	if e.mpc != nil {
		errs = append(errs, e.mpc.Close())
	}
	if e.plant != nil {
		errs = append(errs, e.plant.Close())
	}
	return errors.Join(errs...)
}

// RunEnsemble runs cfg.Runs independent experiments, at most cfg.Workers
// at once. Run i > 0 starts from x0 perturbed by normal noise of standard
// deviation cfg.Spread drawn from the seed cfg.Seed + i.
func RunEnsemble(ctx context.Context, cfg *config.Config, opts ...Option) ([]*dynamo.Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory := func(i int) (*closedloop.Job, error) {
		c := cfg.Clone()
		if i > 0 && c.Spread > 0 {
			rng := rand.New(rand.NewSource(c.Seed + int64(i)))
			for j := range c.X0 {
				c.X0[j] += c.Spread * rng.NormFloat64()
			}
		}
		e, err := New(c, opts...)
		if err != nil {
			return nil, err
		}
		return &closedloop.Job{
			Runner: e.runner,
			X0:     e.x0,
			Config: c.Loop(),
			Close:  e.Close,
		}, nil
	}
	return closedloop.NewEnsemble(factory, cfg.Runs, cfg.Workers).Run(ctx)
}
