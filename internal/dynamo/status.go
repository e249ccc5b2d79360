package dynamo

import "fmt"

// Status is the integer outcome of a solve. Non-zero values are non-fatal:
// outputs still hold the best available iterate.
type Status int

const (
	StatusSuccess Status = iota
	StatusNaNDetected
	StatusMaxIter
	StatusMinStep
	StatusQPFailure
	StatusIntegratorNotConverged
)

var statusText = map[Status]string{
	StatusSuccess:                "success",
	StatusNaNDetected:            "NaN detected in iterate",
	StatusMaxIter:                "maximum number of iterations reached",
	StatusMinStep:                "line search failed: step below minimum",
	StatusQPFailure:              "QP subproblem infeasible or failed",
	StatusIntegratorNotConverged: "integrator Newton iteration did not converge",
}

func (s Status) String() string {
	if txt, ok := statusText[s]; ok {
		return txt
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) OK() bool { return s == StatusSuccess }

// Worse returns the status that should be reported when two phases of one
// call disagree. Any failure outranks success; otherwise the first wins.
func (s Status) Worse(other Status) Status {
	if s == StatusSuccess {
		return other
	}
	return s
}
