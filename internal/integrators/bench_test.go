package integrators

import (
	"testing"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/model"
)

func BenchmarkRK4(b *testing.B) {
	integrator := NewRK4(oscillator{}, DefaultOptions())
	x := dynamo.State{1.0, 0.0}
	u := dynamo.Control{0}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		x = integrator.Step(x, u, nil, 0.01)
	}
}

func BenchmarkIRKRSM(b *testing.B) {
	integrator, err := NewIRK(model.NewRSM(), rsmOptions())
	if err != nil {
		b.Fatal(err)
	}
	in := rsmInput()
	out := NewOutput(integrator.Dims())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := integrator.Simulate(in, out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGNSFRSM(b *testing.B) {
	m := model.NewRSM()
	in := rsmInput()
	desc, err := gnsf.ForModel(m, in.P)
	if err != nil {
		b.Fatal(err)
	}
	opts := rsmOptions()
	opts.Method = MethodGNSF
	integrator, err := NewGNSFIRK(m, desc, opts)
	if err != nil {
		b.Fatal(err)
	}
	out := NewOutput(integrator.Dims())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := integrator.Simulate(in, out); err != nil {
			b.Fatal(err)
		}
	}
}
