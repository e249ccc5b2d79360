// Package closedloop runs a controller against an emulated plant: the
// controller sees the sampled state, its control is held over one
// sampling interval and the plant integrator advances the true state.
package closedloop

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/sim"
)

// Plant advances the true system over one sampling interval.
type Plant interface {
	Step(x dynamo.State, u dynamo.Control, ts float64) (dynamo.State, dynamo.Status, error)
}

// SimPlant emulates the plant with an integrator capsule.
type SimPlant struct {
	s *sim.Solver
}

func NewSimPlant(s *sim.Solver) *SimPlant { return &SimPlant{s: s} }

func (p *SimPlant) Solver() *sim.Solver              { return p.s }
func (p *SimPlant) Close() error                     { return p.s.Close() }
func (p *SimPlant) UpdateParams(par []float64) error { return p.s.UpdateParams(par) }

func (p *SimPlant) Step(x dynamo.State, u dynamo.Control, ts float64) (dynamo.State, dynamo.Status, error) {
	if err := p.s.Set("x", []float64(x)); err != nil {
		return nil, dynamo.StatusSuccess, err
	}
	if len(u) > 0 {
		if err := p.s.Set("u", []float64(u)); err != nil {
			return nil, dynamo.StatusSuccess, err
		}
	}
	if err := p.s.Set("T", ts); err != nil {
		return nil, dynamo.StatusSuccess, err
	}
	st, err := p.s.Solve()
	if err != nil {
		return nil, st, err
	}
	next, err := p.s.Vector("x")
	if err != nil {
		return nil, st, err
	}
	return dynamo.State(next), st, nil
}

// Hook runs at the start of every sample, before the controller. It is
// the place to move references and parameters.
type Hook func(step int, t float64) error

type Runner struct {
	plant      Plant
	controller dynamo.Controller
	metrics    []dynamo.Metric
	observers  []dynamo.Observer
	hooks      []Hook
	log        *zap.Logger
}

func New(plant Plant, controller dynamo.Controller, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		plant:      plant,
		controller: controller,
		metrics:    make([]dynamo.Metric, 0),
		observers:  make([]dynamo.Observer, 0),
		log:        log,
	}
}

func (r *Runner) AddMetric(m dynamo.Metric)     { r.metrics = append(r.metrics, m) }
func (r *Runner) AddObserver(o dynamo.Observer) { r.observers = append(r.observers, o) }
func (r *Runner) AddHook(h Hook)                { r.hooks = append(r.hooks, h) }

// Run simulates Duration/Ts samples from x0. Non-converged solves are
// recorded in the result; only misuse and cancellation end a run early.
func (r *Runner) Run(ctx context.Context, x0 dynamo.State, cfg dynamo.Config) (*dynamo.Result, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	steps := int(math.Round(cfg.Duration / cfg.Ts))
	result := &dynamo.Result{
		States:   make([]dynamo.State, 0, steps+1),
		Controls: make([]dynamo.Control, 0, steps),
		Times:    make([]float64, 0, steps+1),
		Metrics:  make(map[string]float64),
		Errors:   make([]error, 0),
	}
	_, reports := r.controller.(dynamo.Reporter)
	if reports {
		result.Status = make([]dynamo.Status, 0, steps)
		result.Timings = make([]dynamo.Timing, 0, steps)
	}

	for _, m := range r.metrics {
		m.Reset()
	}

	x := x0.Clone()
	t := 0.0
	result.States = append(result.States, x.Clone())
	result.Times = append(result.Times, t)

	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return result, fmt.Errorf("%w: %w", dynamo.ErrContextCanceled, ctx.Err())
		default:
		}

		for _, h := range r.hooks {
			if err := h(i, t); err != nil {
				return result, fmt.Errorf("step %d hook: %w", i, err)
			}
		}

		u, err := r.controller.Compute(x, t)
		if err != nil {
			return result, fmt.Errorf("step %d controller: %w", i, err)
		}
		if rep, ok := r.controller.(dynamo.Reporter); ok {
			st := rep.LastStatus()
			result.Status = append(result.Status, st)
			result.Timings = append(result.Timings, rep.LastTiming())
			if !st.OK() {
				result.Errors = append(result.Errors, dynamo.SimError{Time: t, Step: i, Message: "controller: " + st.String()})
			}
		}

		for _, m := range r.metrics {
			m.Observe(x, u, t)
		}
		for _, obs := range r.observers {
			obs.OnStep(x, u, t)
		}

		next, st, err := r.plant.Step(x, u, cfg.Ts)
		if err != nil {
			return result, fmt.Errorf("step %d plant: %w", i, err)
		}
		if !st.OK() {
			r.log.Debug("plant integrator", zap.Int("step", i), zap.Stringer("status", st))
			result.Errors = append(result.Errors, dynamo.SimError{Time: t, Step: i, Message: "plant: " + st.String()})
		}

		if cfg.ValidateState && !next.IsValid() {
			result.Errors = append(result.Errors, dynamo.SimError{Time: t, Step: i, Message: "invalid state (NaN/Inf)"})
			break
		}

		x = next
		t = float64(i+1) * cfg.Ts
		result.StepsTaken++

		result.States = append(result.States, x.Clone())
		result.Controls = append(result.Controls, u)
		result.Times = append(result.Times, t)
	}

	for _, m := range r.metrics {
		result.Metrics[m.Name()] = m.Value()
	}
	if len(result.Errors) > 0 {
		r.log.Info("closed loop finished with warnings",
			zap.Int("steps", result.StepsTaken),
			zap.Int("warnings", len(result.Errors)))
	}
	return result, nil
}

func validateConfig(cfg dynamo.Config) error {
	if cfg.Ts <= 0 {
		return &dynamo.ConfigError{Field: "ts", Reason: fmt.Sprintf("must be positive, got %g", cfg.Ts)}
	}
	if cfg.Duration <= 0 {
		return &dynamo.ConfigError{Field: "duration", Reason: fmt.Sprintf("must be positive, got %g", cfg.Duration)}
	}
	if cfg.Duration < cfg.Ts {
		return &dynamo.ConfigError{Field: "duration", Reason: fmt.Sprintf("%g is shorter than one sample", cfg.Duration)}
	}
	return nil
}
