package dynamo

import (
	"fmt"
	"math"
	"strconv"
)

type State []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (s State) Norm() float64 {
	sum := 0.0
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// NormInf returns the largest absolute entry.
func (s State) NormInf() float64 {
	m := 0.0
	for _, v := range s {
		if a := math.Abs(v); a > m || math.IsNaN(a) {
			m = a
		}
	}
	return m
}

func (s State) Sub(other State) State {
	result := make(State, len(s))
	for i := range s {
		if i < len(other) {
			result[i] = s[i] - other[i]
		} else {
			result[i] = s[i]
		}
	}
	return result
}

type Control []float64

func (u Control) Clone() Control {
	c := make(Control, len(u))
	copy(c, u)
	return c
}

// Dims are the stage dimensions of a model. They are fixed when a solver
// is constructed.
type Dims struct {
	NX int `json:"nx" yaml:"nx"`
	NU int `json:"nu" yaml:"nu"`
	NZ int `json:"nz" yaml:"nz"`
	NP int `json:"np" yaml:"np"`
}

// NW is the length of the stacked vector [xdot; x; u; z].
func (d Dims) NW() int { return 2*d.NX + d.NU + d.NZ }

func (d Dims) Validate() error {
	if d.NX <= 0 {
		return &ConfigError{Field: "nx", Reason: fmt.Sprintf("must be positive, got %d", d.NX)}
	}
	if d.NU < 0 || d.NZ < 0 || d.NP < 0 {
		return &ConfigError{Field: "dims", Reason: fmt.Sprintf("negative dimension in %+v", d)}
	}
	return nil
}

// Shape is the row/column extent of an exchanged array. Cols == 0 marks a
// vector, Rows == 0 && Cols == 0 a scalar.
type Shape struct {
	Rows, Cols int
	Scalar     bool
}

func VectorShape(n int) Shape  { return Shape{Rows: n} }
func MatrixShape(r, c int) Shape { return Shape{Rows: r, Cols: c} }
func ScalarShape() Shape        { return Shape{Scalar: true} }

func (s Shape) Len() int {
	switch {
	case s.Scalar:
		return 1
	case s.Cols == 0:
		return s.Rows
	default:
		return s.Rows * s.Cols
	}
}

// String formats the shape as a tuple: (), (n,) or (r, c).
func (s Shape) String() string {
	switch {
	case s.Scalar:
		return "()"
	case s.Cols == 0:
		return "(" + strconv.Itoa(s.Rows) + ",)"
	default:
		return "(" + strconv.Itoa(s.Rows) + ", " + strconv.Itoa(s.Cols) + ")"
	}
}

// Controller computes the control applied over the next sampling interval.
type Controller interface {
	Compute(x State, t float64) (Control, error)
}

// Reporter is implemented by controllers that solve an optimization
// problem every sample.
type Reporter interface {
	LastStatus() Status
	LastTiming() Timing
}

type Metric interface {
	Name() string
	Observe(x State, u Control, t float64)
	Value() float64
	Reset()
}

type Observer interface {
	OnStep(x State, u Control, t float64)
}

// Config drives a closed-loop run: the plant is advanced every Ts seconds
// for Duration seconds.
type Config struct {
	Ts            float64
	Duration      float64
	Seed          int64
	ValidateState bool
}

func DefaultConfig() Config {
	return Config{
		Ts:            0.01,
		Duration:      1.0,
		ValidateState: true,
	}
}

type Result struct {
	States     []State
	Controls   []Control
	Times      []float64
	Status     []Status
	Timings    []Timing
	Metrics    map[string]float64
	StepsTaken int
	Errors     []error
}

// Timing is the wall time spent in one sampling step of a controller.
type Timing struct {
	Preparation float64
	Feedback    float64
}

type SimError struct {
	Time    float64
	Step    int
	Message string
}

func (e SimError) Error() string {
	return fmt.Sprintf("step %d (t=%.4f): %s", e.Step, e.Time, e.Message)
}
