// Package optim tunes closed-loop experiments by exhaustive search over a
// grid of configuration knobs.
package optim

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/experiment"
)

// Knobs maps the names accepted by a grid to the config entry they set.
var Knobs = map[string]func(c *config.Config, v float64){
	"horizon":        func(c *config.Config, v float64) { c.MPC.Horizon = int(v) },
	"tf":             func(c *config.Config, v float64) { c.MPC.Tf = v },
	"tol":            func(c *config.Config, v float64) { c.MPC.Tol = v },
	"max_iter":       func(c *config.Config, v float64) { c.MPC.MaxIter = int(v) },
	"phi_relaxation": func(c *config.Config, v float64) { c.MPC.PhiRelaxation = v },
	"num_stages":     func(c *config.Config, v float64) { c.MPC.Integrator.NumStages = int(v) },
	"num_steps":      func(c *config.Config, v float64) { c.MPC.Integrator.NumSteps = int(v) },
	"newton_iter":    func(c *config.Config, v float64) { c.MPC.Integrator.NewtonIter = int(v) },
}

// KnobNames lists Knobs in sorted order.
func KnobNames() []string {
	names := make([]string, 0, len(Knobs))
	for n := range Knobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Point is one grid point and the metric it scored.
type Point struct {
	Values map[string]float64
	Metric float64
	// Failed counts the samples whose solve reported a status.
	Failed int
	Err    error
}

type GridSearch struct {
	paramNames []string
	ranges     [][]float64
	opts       []experiment.Option
}

func NewGridSearch(params []string, ranges [][]float64, opts ...experiment.Option) (*GridSearch, error) {
	if len(params) != len(ranges) {
		return nil, &dynamo.ConfigError{Field: "grid", Reason: fmt.Sprintf("%d names for %d ranges", len(params), len(ranges))}
	}
	for i, name := range params {
		if _, ok := Knobs[name]; !ok {
			return nil, &dynamo.ConfigError{Field: "grid", Reason: fmt.Sprintf("unknown knob %q (known: %v)", name, KnobNames())}
		}
		if len(ranges[i]) == 0 {
			return nil, &dynamo.ConfigError{Field: "grid", Reason: fmt.Sprintf("knob %q has no values", name)}
		}
	}
	return &GridSearch{paramNames: params, ranges: ranges, opts: opts}, nil
}

// Size is the number of grid points.
func (g *GridSearch) Size() int {
	n := 1
	for _, r := range g.ranges {
		n *= len(r)
	}
	return n
}

// Search runs base at every grid point and returns the point with the
// smallest metric together with all evaluated points in grid order.
// Points whose experiment fails to build or run keep their error and never
// win. Cancelling ctx stops the search with ctx's error.
func (g *GridSearch) Search(ctx context.Context, base *config.Config, metricName string) (Point, []Point, error) {
	best := Point{Metric: math.Inf(1)}
	points := make([]Point, 0, g.Size())

	err := g.searchRecursive(ctx, 0, make(map[string]float64), func(current map[string]float64) error {
		p := g.evaluate(ctx, base, current, metricName)
		if p.Err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		points = append(points, p)
		if p.Err == nil && p.Metric < best.Metric {
			best = p
		}
		return nil
	})
	if err != nil {
		return Point{}, points, err
	}
	if best.Values == nil {
		return Point{}, points, fmt.Errorf("optim: no grid point produced %q", metricName)
	}
	return best, points, nil
}

func (g *GridSearch) searchRecursive(
	ctx context.Context,
	depth int,
	current map[string]float64,
	visit func(map[string]float64) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth == len(g.paramNames) {
		return visit(current)
	}

	paramName := g.paramNames[depth]
	for _, val := range g.ranges[depth] {
		newParams := make(map[string]float64, len(current)+1)
		for k, v := range current {
			newParams[k] = v
		}
		newParams[paramName] = val

		if err := g.searchRecursive(ctx, depth+1, newParams, visit); err != nil {
			return err
		}
	}
	return nil
}

func (g *GridSearch) evaluate(ctx context.Context, base *config.Config, values map[string]float64, metricName string) (p Point) {
	p = Point{Values: values, Metric: math.Inf(1)}
	cfg := base.Clone()
	for name, v := range values {
		Knobs[name](cfg, v)
	}
	if err := cfg.Validate(); err != nil {
		p.Err = err
		return p
	}

	e, err := experiment.New(cfg, g.opts...)
	if err != nil {
		p.Err = err
		return p
	}
	defer func() {
		if cerr := e.Close(); p.Err == nil {
			p.Err = cerr
		}
	}()

	result, err := e.Run(ctx)
	if err != nil {
		p.Err = err
		return p
	}
	val, ok := result.Metrics[metricName]
	if !ok {
		p.Err = fmt.Errorf("optim: experiment has no metric %q", metricName)
		return p
	}
	p.Metric = val
	for _, st := range result.Status {
		if !st.OK() {
			p.Failed++
		}
	}
	return p
}
