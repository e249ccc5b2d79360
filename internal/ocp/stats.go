package ocp

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Stats describes the last Solve. Times cover the last call; for SQP the
// preparation time accumulates over iterations.
type Stats struct {
	TimeTot         time.Duration
	TimeLin         time.Duration
	TimeSim         time.Duration
	TimeQP          time.Duration
	TimeQPXCond     time.Duration
	TimeReg         time.Duration
	TimePreparation time.Duration
	TimeFeedback    time.Duration

	SQPIter  int
	QPIter   int
	Status   dynamo.Status
	QPStatus dynamo.Status

	ResEq   float64
	ResIneq float64
	ResStep float64
	Cost    float64

	Iterations []Iteration
}

// Iteration is one row of the SQP iteration log.
type Iteration struct {
	Iter     int
	ResEq    float64
	ResIneq  float64
	ResStep  float64
	Cost     float64
	Alpha    float64
	QPStatus dynamo.Status
	QPEq     int
	QPIneq   int
}

// GetStats reads one statistic by name. Times are in seconds.
func (s *Solver) GetStats(name string) (float64, error) {
	if !s.created {
		return 0, dynamo.ErrClosed
	}
	st := &s.stats
	switch name {
	case "time_tot":
		return st.TimeTot.Seconds(), nil
	case "time_lin":
		return st.TimeLin.Seconds(), nil
	case "time_sim":
		return st.TimeSim.Seconds(), nil
	case "time_qp":
		return st.TimeQP.Seconds(), nil
	case "time_qp_xcond":
		return st.TimeQPXCond.Seconds(), nil
	case "time_reg":
		return st.TimeReg.Seconds(), nil
	case "time_preparation":
		return st.TimePreparation.Seconds(), nil
	case "time_feedback":
		return st.TimeFeedback.Seconds(), nil
	case "sqp_iter":
		return float64(st.SQPIter), nil
	case "qp_iter":
		return float64(st.QPIter), nil
	case "status":
		return float64(st.Status), nil
	case "qp_status":
		return float64(st.QPStatus), nil
	case "res_eq":
		return st.ResEq, nil
	case "res_ineq":
		return st.ResIneq, nil
	case "res_step":
		return st.ResStep, nil
	case "cost":
		return st.Cost, nil
	}
	return 0, &dynamo.UnknownFieldError{Name: name, Scope: "statistic"}
}

// PrintStatistics writes the iteration log as a table.
func (s *Solver) PrintStatistics(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "iter\tres_eq\tres_ineq\tres_step\tcost\talpha\tqp_status\tqp_eq\tqp_ineq\t")
	for _, it := range s.stats.Iterations {
		fmt.Fprintf(tw, "%d\t%.3e\t%.3e\t%.3e\t%.6e\t%.3f\t%s\t%d\t%d\t\n",
			it.Iter, it.ResEq, it.ResIneq, it.ResStep, it.Cost, it.Alpha, it.QPStatus, it.QPEq, it.QPIneq)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "status %s after %d iteration(s), %v total\n", s.stats.Status, s.stats.SQPIter, s.stats.TimeTot)
	return err
}
