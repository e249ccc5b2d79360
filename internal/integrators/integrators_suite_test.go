package integrators

import (
	"math"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

func TestIntegrators(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Integrators Suite")
}

var _ = Describe("collocation integrators", func() {
	DescribeTable("integrate the harmonic oscillator to high order",
		func(kind Collocation, stages int, tol float64) {
			opts := DefaultOptions()
			opts.Collocation = kind
			opts.NumStages = stages
			opts.NewtonIter = 5
			opts.NewtonTol = 1e-13
			opts.NumSteps = 4

			irk, err := NewIRK(oscillator{}, opts)
			Expect(err).NotTo(HaveOccurred())

			out := NewOutput(irk.Dims())
			st, err := irk.Simulate(&Input{X: []float64{1, 0}, U: []float64{0}, T: 1}, out)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(Equal(dynamo.StatusSuccess))
			Expect(out.X[0]).To(BeNumerically("~", math.Cos(1), tol))
			Expect(out.X[1]).To(BeNumerically("~", -math.Sin(1), tol))
		},
		Entry("Gauss-Legendre 2", GaussLegendre, 2, 1e-4),
		Entry("Gauss-Legendre 4", GaussLegendre, 4, 1e-10),
		Entry("Radau IIA 3", GaussRadauIIA, 3, 1e-6),
	)

	Context("with a DAE", func() {
		var (
			irk *IRK
			out *Output
		)

		BeforeEach(func() {
			var err error
			irk, err = NewIRK(model.NewRSM(), rsmOptions())
			Expect(err).NotTo(HaveOccurred())
			out = NewOutput(irk.Dims())
		})

		It("reports the algebraic state at the start of the interval", func() {
			in := rsmInput()
			in.U[0] += 40
			_, err := irk.Simulate(in, out)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Z[0]).To(BeNumerically("~", -20, 1e-8))
			Expect(out.Z[1]).To(BeNumerically("~", 20, 1e-8))
		})

		It("accumulates timing", func() {
			_, err := irk.Simulate(rsmInput(), out)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.TotTime).To(BeNumerically(">=", out.ADTime))
		})
	})
})
