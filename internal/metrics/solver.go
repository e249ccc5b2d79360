package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/san-kum/nmpc/internal/ocp"
)

var timeBuckets = []float64{1e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 1e-1, 1}

// SolverCollector records OCP solver statistics on its own registry. It
// implements ocp.Observer and may be shared by solvers running in
// different goroutines.
type SolverCollector struct {
	reg *prometheus.Registry

	solves      *prometheus.CounterVec
	preparation prometheus.Histogram
	feedback    prometheus.Histogram
	total       *prometheus.HistogramVec
	iterations  prometheus.Histogram
	resEq       prometheus.Gauge
	resIneq     prometheus.Gauge

	mu   sync.Mutex
	seen map[string]int
}

func NewSolverCollector(namespace string) *SolverCollector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &SolverCollector{
		reg: reg,
		solves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocp_solves_total",
			Help:      "OCP solves by phase and status",
		}, []string{"phase", "status"}),
		preparation: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocp_preparation_seconds",
			Help:      "Wall time of the preparation phase",
			Buckets:   timeBuckets,
		}),
		feedback: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocp_feedback_seconds",
			Help:      "Wall time of the feedback phase",
			Buckets:   timeBuckets,
		}),
		total: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocp_solve_seconds",
			Help:      "Wall time of one Solve call",
			Buckets:   timeBuckets,
		}, []string{"phase"}),
		iterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocp_sqp_iterations",
			Help:      "SQP iterations per solve",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		resEq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ocp_res_eq",
			Help:      "Equality residual of the last solve",
		}),
		resIneq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ocp_res_ineq",
			Help:      "Inequality residual of the last solve",
		}),
		seen: make(map[string]int),
	}
}

func (c *SolverCollector) Registry() *prometheus.Registry { return c.reg }

func (c *SolverCollector) ObserveSolve(phase string, st *ocp.Stats) {
	c.solves.WithLabelValues(phase, st.Status.String()).Inc()
	c.total.WithLabelValues(phase).Observe(st.TimeTot.Seconds())
	switch phase {
	case "preparation":
		c.preparation.Observe(st.TimePreparation.Seconds())
	case "feedback":
		c.feedback.Observe(st.TimeFeedback.Seconds())
		c.resEq.Set(st.ResEq)
		c.resIneq.Set(st.ResIneq)
	default:
		c.preparation.Observe(st.TimePreparation.Seconds())
		c.feedback.Observe(st.TimeFeedback.Seconds())
		c.iterations.Observe(float64(st.SQPIter))
		c.resEq.Set(st.ResEq)
		c.resIneq.Set(st.ResIneq)
	}
	c.mu.Lock()
	c.seen[phase]++
	c.mu.Unlock()
}

// Solves returns how many solves of each phase were observed.
func (c *SolverCollector) Solves() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.seen))
	for k, v := range c.seen {
		out[k] = v
	}
	return out
}

// WriteSummary prints one line per series: counters and gauges with their
// value, histograms with count and mean.
func (c *SolverCollector) WriteSummary(w io.Writer) error {
	families, err := c.reg.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf(" %s=%q", lp.GetName(), lp.GetValue())
			}
			var line string
			switch {
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				mean := 0.0
				if n := h.GetSampleCount(); n > 0 {
					mean = h.GetSampleSum() / float64(n)
				}
				line = fmt.Sprintf("%s count=%d mean=%.6g\n", name, h.GetSampleCount(), mean)
			case m.GetCounter() != nil:
				line = fmt.Sprintf("%s %g\n", name, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				line = fmt.Sprintf("%s %g\n", name, m.GetGauge().GetValue())
			default:
				continue
			}
			if _, err := io.WriteString(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}
