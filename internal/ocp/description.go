package ocp

import (
	"fmt"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/qp"
)

type NLPSolver string

const (
	SQPRTI NLPSolver = "SQP_RTI"
	SQP    NLPSolver = "SQP"
)

type Globalization string

const (
	FixedStep         Globalization = "FIXED_STEP"
	MeritBacktracking Globalization = "MERIT_BACKTRACKING"
)

// RTI phases selected with the rti_phase option.
const (
	PhaseBoth        = 0
	PhasePreparation = 1
	PhaseFeedback    = 2
)

// Dims extends the model dimensions with the horizon length.
type Dims struct {
	dynamo.Dims `json:",inline" yaml:",inline"`
	N           int `json:"N" yaml:"N"`
}

// Cost is the Gauss-Newton least-squares cost ½‖Vx x + Vu u + Vz z - yref‖²_W.
// The _0 entries, when present, replace the path entries on stage 0.
type Cost struct {
	W    [][]float64 `json:"W" yaml:"W"`
	Vx   [][]float64 `json:"Vx" yaml:"Vx"`
	Vu   [][]float64 `json:"Vu" yaml:"Vu"`
	Vz   [][]float64 `json:"Vz,omitempty" yaml:"Vz"`
	YRef []float64   `json:"yref" yaml:"yref"`

	W0    [][]float64 `json:"W_0,omitempty" yaml:"W_0"`
	Vx0   [][]float64 `json:"Vx_0,omitempty" yaml:"Vx_0"`
	Vu0   [][]float64 `json:"Vu_0,omitempty" yaml:"Vu_0"`
	Vz0   [][]float64 `json:"Vz_0,omitempty" yaml:"Vz_0"`
	YRef0 []float64   `json:"yref_0,omitempty" yaml:"yref_0"`

	WE    [][]float64 `json:"W_e" yaml:"W_e"`
	VxE   [][]float64 `json:"Vx_e" yaml:"Vx_e"`
	YRefE []float64   `json:"yref_e" yaml:"yref_e"`
}

// Constraints lists box, polytopic and phi constraints. X0 is shorthand
// for idxbx_0 covering all states with lbx_0 = ubx_0 = X0.
type Constraints struct {
	X0 []float64 `json:"x0,omitempty" yaml:"x0"`

	IdxBX0 []int     `json:"idxbx_0,omitempty" yaml:"idxbx_0"`
	LBX0   []float64 `json:"lbx_0,omitempty" yaml:"lbx_0"`
	UBX0   []float64 `json:"ubx_0,omitempty" yaml:"ubx_0"`

	IdxBX []int     `json:"idxbx,omitempty" yaml:"idxbx"`
	LBX   []float64 `json:"lbx,omitempty" yaml:"lbx"`
	UBX   []float64 `json:"ubx,omitempty" yaml:"ubx"`

	IdxBU []int     `json:"idxbu,omitempty" yaml:"idxbu"`
	LBU   []float64 `json:"lbu,omitempty" yaml:"lbu"`
	UBU   []float64 `json:"ubu,omitempty" yaml:"ubu"`

	C   [][]float64 `json:"C,omitempty" yaml:"C"`
	D   [][]float64 `json:"D,omitempty" yaml:"D"`
	LG  []float64   `json:"lg,omitempty" yaml:"lg"`
	UG  []float64   `json:"ug,omitempty" yaml:"ug"`
	LG0 []float64   `json:"lg_0,omitempty" yaml:"lg_0"`
	UG0 []float64   `json:"ug_0,omitempty" yaml:"ug_0"`

	// Phi names a registered phi function evaluated on r = CrX x + CrU u.
	Phi   string      `json:"phi,omitempty" yaml:"phi"`
	CrX   [][]float64 `json:"Cr_x,omitempty" yaml:"Cr_x"`
	CrU   [][]float64 `json:"Cr_u,omitempty" yaml:"Cr_u"`
	LPhi  []float64   `json:"lphi,omitempty" yaml:"lphi"`
	UPhi  []float64   `json:"uphi,omitempty" yaml:"uphi"`
	LPhi0 []float64   `json:"lphi_0,omitempty" yaml:"lphi_0"`
	UPhi0 []float64   `json:"uphi_0,omitempty" yaml:"uphi_0"`

	IdxBXE []int       `json:"idxbx_e,omitempty" yaml:"idxbx_e"`
	LBXE   []float64   `json:"lbx_e,omitempty" yaml:"lbx_e"`
	UBXE   []float64   `json:"ubx_e,omitempty" yaml:"ubx_e"`
	CE     [][]float64 `json:"C_e,omitempty" yaml:"C_e"`
	LGE    []float64   `json:"lg_e,omitempty" yaml:"lg_e"`
	UGE    []float64   `json:"ug_e,omitempty" yaml:"ug_e"`
	PhiE   string      `json:"phi_e,omitempty" yaml:"phi_e"`
	CrE    [][]float64 `json:"Cr_e,omitempty" yaml:"Cr_e"`
	LPhiE  []float64   `json:"lphi_e,omitempty" yaml:"lphi_e"`
	UPhiE  []float64   `json:"uphi_e,omitempty" yaml:"uphi_e"`
}

type Options struct {
	Tf         float64             `json:"tf" yaml:"tf"`
	Integrator integrators.Options `json:"integrator" yaml:"integrator"`

	NLPSolver     NLPSolver     `json:"nlp_solver_type" yaml:"nlp_solver_type"`
	Globalization Globalization `json:"globalization" yaml:"globalization"`
	MaxIter       int           `json:"max_iter" yaml:"max_iter"`
	Tol           float64       `json:"tol" yaml:"tol"`
	// StepLength is the fixed step used with FIXED_STEP globalization.
	StepLength     float64 `json:"step_length" yaml:"step_length"`
	AlphaMin       float64 `json:"alpha_min" yaml:"alpha_min"`
	AlphaReduction float64 `json:"alpha_reduction" yaml:"alpha_reduction"`

	// PhiRelaxation tightens phi bounds: uphi - eps|uphi|, lphi + eps|lphi|.
	PhiRelaxation      float64 `json:"phi_relaxation" yaml:"phi_relaxation"`
	LevenbergMarquardt float64 `json:"levenberg_marquardt" yaml:"levenberg_marquardt"`
	MaxShifts          int     `json:"qp_max_shifts" yaml:"qp_max_shifts"`
	ShiftInit          bool    `json:"shift_init" yaml:"shift_init"`
	RTIPhase           int     `json:"rti_phase" yaml:"rti_phase"`
}

func DefaultOptions() Options {
	integ := integrators.DefaultOptions()
	integ.SensForw = true
	integ.SensAdj = false
	return Options{
		Tf:             1,
		Integrator:     integ,
		NLPSolver:      SQPRTI,
		Globalization:  FixedStep,
		MaxIter:        100,
		Tol:            1e-6,
		StepLength:     1,
		AlphaMin:       0.05,
		AlphaReduction: 0.7,
		MaxShifts:      8,
	}
}

// withDefaults fills zero entries from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Tf == 0 {
		o.Tf = def.Tf
	}
	if o.NLPSolver == "" {
		o.NLPSolver = def.NLPSolver
	}
	if o.Globalization == "" {
		o.Globalization = def.Globalization
	}
	if o.MaxIter == 0 {
		o.MaxIter = def.MaxIter
	}
	if o.Tol == 0 {
		o.Tol = def.Tol
	}
	if o.StepLength == 0 {
		o.StepLength = def.StepLength
	}
	if o.AlphaMin == 0 {
		o.AlphaMin = def.AlphaMin
	}
	if o.AlphaReduction == 0 {
		o.AlphaReduction = def.AlphaReduction
	}
	if o.MaxShifts == 0 {
		o.MaxShifts = def.MaxShifts
	}
	o.Integrator = o.Integrator.WithDefaults()
	// the assembler always needs forward sensitivities
	o.Integrator.SensForw = true
	return o
}

func (o Options) qp() qp.Options {
	return qp.Options{LevenbergMarquardt: o.LevenbergMarquardt, MaxShifts: o.MaxShifts}
}

func (o Options) validate() error {
	if o.Tf <= 0 {
		return &dynamo.ConfigError{Field: "tf", Reason: fmt.Sprintf("must be positive, got %g", o.Tf)}
	}
	switch o.NLPSolver {
	case SQPRTI, SQP:
	default:
		return &dynamo.ConfigError{Field: "nlp_solver_type", Reason: fmt.Sprintf("unknown solver %q", o.NLPSolver)}
	}
	switch o.Globalization {
	case FixedStep, MeritBacktracking:
	default:
		return &dynamo.ConfigError{Field: "globalization", Reason: fmt.Sprintf("unknown globalization %q", o.Globalization)}
	}
	if o.MaxIter < 1 {
		return &dynamo.ConfigError{Field: "max_iter", Reason: fmt.Sprintf("must be positive, got %d", o.MaxIter)}
	}
	if o.Tol <= 0 {
		return &dynamo.ConfigError{Field: "tol", Reason: fmt.Sprintf("must be positive, got %g", o.Tol)}
	}
	if o.StepLength <= 0 || o.StepLength > 1 {
		return &dynamo.ConfigError{Field: "step_length", Reason: fmt.Sprintf("must be in (0, 1], got %g", o.StepLength)}
	}
	if o.AlphaMin <= 0 || o.AlphaMin >= 1 {
		return &dynamo.ConfigError{Field: "alpha_min", Reason: fmt.Sprintf("must be in (0, 1), got %g", o.AlphaMin)}
	}
	if o.AlphaReduction <= 0 || o.AlphaReduction >= 1 {
		return &dynamo.ConfigError{Field: "alpha_reduction", Reason: fmt.Sprintf("must be in (0, 1), got %g", o.AlphaReduction)}
	}
	if o.PhiRelaxation < 0 || o.PhiRelaxation >= 1 {
		return &dynamo.ConfigError{Field: "phi_relaxation", Reason: fmt.Sprintf("must be in [0, 1), got %g", o.PhiRelaxation)}
	}
	if err := validPhase(o.RTIPhase); err != nil {
		return err
	}
	return nil
}

func validPhase(phase int) error {
	switch phase {
	case PhaseBoth, PhasePreparation, PhaseFeedback:
		return nil
	}
	return &dynamo.ConfigError{Field: "rti_phase", Reason: fmt.Sprintf("must be 0, 1 or 2, got %d", phase)}
}

// Description is the content of ocp.json.
type Description struct {
	Model       string      `json:"model" yaml:"model"`
	Dims        Dims        `json:"dims" yaml:"dims"`
	Cost        Cost        `json:"cost" yaml:"cost"`
	Constraints Constraints `json:"constraints" yaml:"constraints"`
	Solver      Options     `json:"solver_options" yaml:"solver_options"`
	Parameters  []float64   `json:"parameter_values,omitempty" yaml:"parameter_values"`
}
