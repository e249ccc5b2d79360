package control

import (
	"go.uber.org/zap"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/ocp"
)

// MPC runs the preparation phase on the predicted iterate and then the
// feedback phase with the measured state fixed on stage 0. In SQP mode
// both happen in one solve.
type MPC struct {
	solver *ocp.Solver
	log    *zap.Logger
	nx, N  int

	status dynamo.Status
	timing dynamo.Timing
	u0     dynamo.Control
}

func NewMPC(s *ocp.Solver, log *zap.Logger) *MPC {
	if log == nil {
		log = zap.NewNop()
	}
	d := s.Dims()
	return &MPC{
		solver: s,
		log:    log,
		nx:     d.NX,
		N:      d.N,
		u0:     make(dynamo.Control, d.NU),
	}
}

func (m *MPC) Solver() *ocp.Solver            { return m.solver }
func (m *MPC) LastStatus() dynamo.Status      { return m.status }
func (m *MPC) LastTiming() dynamo.Timing      { return m.timing }
func (m *MPC) Close() error                   { return m.solver.Close() }
func (m *MPC) Horizon() int                   { return m.N }
func (m *MPC) Stats() ocp.Stats               { return m.solver.Stats() }
func (m *MPC) UpdateParams(p []float64) error { return m.solver.UpdateParams(p) }

// SetReference sets yref on stages 0..N-1 and yref_e on the terminal
// stage. A nil slice leaves the stages untouched.
func (m *MPC) SetReference(yref, yrefE []float64) error {
	if yref != nil {
		for k := 0; k < m.N; k++ {
			if err := m.solver.Set(k, "yref", yref); err != nil {
				return err
			}
		}
	}
	if yrefE != nil {
		return m.solver.Set(m.N, "yref", yrefE)
	}
	return nil
}

func (m *MPC) Compute(x dynamo.State, t float64) (dynamo.Control, error) {
	if len(x) != m.nx {
		return nil, &dynamo.DimensionMismatchError{Field: "x0", Expected: dynamo.VectorShape(m.nx), Got: dynamo.VectorShape(len(x))}
	}
	if m.solver.Options().NLPSolver == ocp.SQP {
		return m.computeSQP(x)
	}

	if err := m.solver.OptionsSet("rti_phase", ocp.PhasePreparation); err != nil {
		return nil, err
	}
	prep, err := m.solver.Solve()
	if err != nil {
		return nil, err
	}
	m.timing.Preparation = m.solver.Stats().TimePreparation.Seconds()
	if !m.solver.Prepared() {
		// keep the last applied control
		m.status = prep
		m.timing.Feedback = 0
		m.log.Warn("mpc preparation failed",
			zap.Float64("t", t),
			zap.Stringer("status", prep))
		return m.u0.Clone(), nil
	}

	if err := m.setInitialState(x); err != nil {
		return nil, err
	}
	if err := m.solver.OptionsSet("rti_phase", ocp.PhaseFeedback); err != nil {
		return nil, err
	}
	st, err := m.solver.Solve()
	if err != nil {
		return nil, err
	}
	m.timing.Feedback = m.solver.Stats().TimeFeedback.Seconds()
	m.status = prep.Worse(st)
	return m.readControl()
}

func (m *MPC) computeSQP(x dynamo.State) (dynamo.Control, error) {
	if err := m.setInitialState(x); err != nil {
		return nil, err
	}
	st, err := m.solver.Solve()
	if err != nil {
		return nil, err
	}
	stats := m.solver.Stats()
	m.status = st
	m.timing = dynamo.Timing{
		Preparation: stats.TimePreparation.Seconds(),
		Feedback:    stats.TimeFeedback.Seconds(),
	}
	return m.readControl()
}

func (m *MPC) setInitialState(x dynamo.State) error {
	if err := m.solver.Set(0, "lbx", []float64(x)); err != nil {
		return err
	}
	return m.solver.Set(0, "ubx", []float64(x))
}

func (m *MPC) readControl() (dynamo.Control, error) {
	u, err := m.solver.Vector(0, "u")
	if err != nil {
		return nil, err
	}
	copy(m.u0, u)
	return m.u0.Clone(), nil
}
