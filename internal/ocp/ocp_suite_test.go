package ocp_test

import (
	"context"
	"math"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/experiment"
	"github.com/san-kum/nmpc/internal/metrics"
	"github.com/san-kum/nmpc/internal/model"
	"github.com/san-kum/nmpc/internal/ocp"
)

func TestOCP(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "OCP Suite")
}

func pendulumDescription(x0 float64) ocp.Description {
	return ocp.Description{
		Model: "pendulum",
		Dims:  ocp.Dims{Dims: dynamo.Dims{NX: 2, NU: 1}, N: 10},
		Cost: ocp.Cost{
			W:     [][]float64{{10, 0, 0}, {0, 1, 0}, {0, 0, 0.01}},
			Vx:    [][]float64{{1, 0}, {0, 1}, {0, 0}},
			Vu:    [][]float64{{0}, {0}, {1}},
			YRef:  []float64{0, 0, 0},
			WE:    [][]float64{{10, 0}, {0, 1}},
			VxE:   [][]float64{{1, 0}, {0, 1}},
			YRefE: []float64{0, 0},
		},
		Constraints: ocp.Constraints{
			X0:    []float64{x0, 0},
			IdxBU: []int{0},
			LBU:   []float64{-20},
			UBU:   []float64{20},
		},
		Solver: ocp.Options{Tf: 1, Tol: 1e-8},
	}
}

func controls(s *ocp.Solver) []float64 {
	out := make([]float64, s.Dims().N)
	for k := range out {
		u, err := s.Vector(k, "u")
		Expect(err).NotTo(HaveOccurred())
		out[k] = u[0]
	}
	return out
}

var _ = Describe("real-time iterations", func() {
	var rti, sqp *ocp.Solver

	BeforeEach(func() {
		var err error
		rti, err = ocp.New(pendulumDescription(0.5))
		Expect(err).NotTo(HaveOccurred())

		desc := pendulumDescription(0.5)
		desc.Solver.NLPSolver = ocp.SQP
		desc.Solver.Globalization = ocp.MeritBacktracking
		sqp, err = ocp.New(desc)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(rti.Close()).To(Succeed())
		Expect(sqp.Close()).To(Succeed())
	})

	It("converge to the SQP solution when the initial state is held", func() {
		st, err := sqp.Solve()
		Expect(err).NotTo(HaveOccurred())
		Expect(st).To(Equal(dynamo.StatusSuccess))
		want := controls(sqp)

		for i := 0; i < 40; i++ {
			st, err := rti.Solve()
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(dynamo.StatusSuccess))
			Expect(rti.Stats().SQPIter).To(Equal(1))
		}
		Expect(rti.Stats().ResStep).To(BeNumerically("<", 1e-6))
		got := controls(rti)
		for k := range want {
			Expect(got[k]).To(BeNumerically("~", want[k], 1e-5), "stage %d", k)
		}
	})

	It("take the same step whether the phases are split or not", func() {
		split, err := ocp.New(pendulumDescription(0.5))
		Expect(err).NotTo(HaveOccurred())
		defer split.Close()

		for i := 0; i < 3; i++ {
			_, err := rti.Solve()
			Expect(err).NotTo(HaveOccurred())

			Expect(split.OptionsSet("rti_phase", ocp.PhasePreparation)).To(Succeed())
			_, err = split.Solve()
			Expect(err).NotTo(HaveOccurred())
			Expect(split.Prepared()).To(BeTrue())
			Expect(split.OptionsSet("rti_phase", ocp.PhaseFeedback)).To(Succeed())
			_, err = split.Solve()
			Expect(err).NotTo(HaveOccurred())
			Expect(split.Prepared()).To(BeFalse())
		}
		got, want := controls(split), controls(rti)
		for k := range want {
			Expect(got[k]).To(BeNumerically("~", want[k], 1e-12), "stage %d", k)
		}
	})

	It("report the direct QP solve as a single QP iteration", func() {
		_, err := sqp.Solve()
		Expect(err).NotTo(HaveOccurred())
		stats := sqp.Stats()
		Expect(stats.QPIter).To(Equal(1))
		Expect(stats.Iterations).To(HaveLen(stats.SQPIter))
		v, err := sqp.GetStats("sqp_iter")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeNumerically("==", stats.SQPIter))
	})
})

var _ = Describe("the RSM closed loop", Ordered, func() {
	var (
		cfg       *config.Config
		collector *metrics.SolverCollector
		result    *dynamo.Result
	)

	BeforeAll(func() {
		var err error
		cfg, err = config.GetPreset("rsm")
		Expect(err).NotTo(HaveOccurred())
		collector = metrics.NewSolverCollector("nmpc")

		e, err := experiment.New(cfg, experiment.WithObserver(collector))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(e.Close)

		result, err = e.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
	})

	It("takes every sample with split timing", func() {
		Expect(result.StepsTaken).To(Equal(100))
		Expect(result.Timings).To(HaveLen(100))
		for _, tm := range result.Timings {
			Expect(tm.Preparation).To(BeNumerically(">", 0))
			Expect(tm.Feedback).To(BeNumerically(">", 0))
		}
		Expect(collector.Solves()).To(Equal(map[string]int{"preparation": 100, "feedback": 100}))
	})

	It("keeps the voltages inside the hexagon", func() {
		q2 := config.RSMUMax * math.Sin(math.Pi/3)
		edge := config.RSMUMax * math.Sqrt(3)
		for i, u := range result.Controls {
			Expect(math.Abs(u[1])).To(BeNumerically("<=", q2+1e-6), "sample %d", i)
			Expect(math.Abs(math.Sqrt(3)*u[0]+u[1])).To(BeNumerically("<=", edge+1e-6), "sample %d", i)
			Expect(math.Abs(-math.Sqrt(3)*u[0]+u[1])).To(BeNumerically("<=", edge+1e-6), "sample %d", i)
		}
	})

	It("settles on the reference fluxes after the speed recovers", func() {
		xs, _ := model.NewRSM().SteadyState(cfg.Reference[0], cfg.Reference[1], cfg.Params[0])
		final := result.States[len(result.States)-1]
		Expect(final[0]).To(BeNumerically("~", xs[0], 5e-2))
		Expect(final[1]).To(BeNumerically("~", xs[1], 5e-2))
	})

	It("follows the slow-speed reference during the drop", func() {
		xs, _ := model.NewRSM().SteadyState(cfg.Reference[0], cfg.Reference[1], 150)
		during := result.States[49]
		Expect(during[0]).To(BeNumerically("~", xs[0], 5e-2))
		Expect(during[1]).To(BeNumerically("~", xs[1], 5e-2))
	})
})
