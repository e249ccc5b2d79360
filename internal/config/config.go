// Package config holds the yaml description of a closed-loop experiment:
// which problem to solve, how the plant is emulated and how the MPC is
// configured.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/ocp"
)

const (
	DefaultTs       = 0.05
	DefaultDuration = 5.0
	DefaultHorizon  = 20
	DefaultRuns     = 1
	DefaultLogLevel = "info"
)

// Controllers selectable with the controller entry.
const (
	ControllerMPC  = "mpc"
	ControllerLQR  = "lqr"
	ControllerPID  = "pid"
	ControllerNone = "none"
)

type Config struct {
	Preset string `yaml:"preset"`
	Model  string `yaml:"model"`
	// Artifact, when set, is a directory whose ocp.json replaces the
	// problem built from the preset.
	Artifact   string `yaml:"artifact,omitempty"`
	Controller string `yaml:"controller"`

	Ts            float64 `yaml:"ts"`
	Duration      float64 `yaml:"duration"`
	ValidateState bool    `yaml:"validate_state"`
	Seed          int64   `yaml:"seed"`
	Runs          int     `yaml:"runs"`
	Workers       int     `yaml:"workers"`
	// Spread is the standard deviation of the x0 perturbation applied to
	// every ensemble run but the first.
	Spread float64 `yaml:"spread"`

	X0 []float64 `yaml:"x0"`
	// Reference is the state reference for the tracking problems and the
	// (i_d, i_q) current reference for rsm.
	Reference []float64   `yaml:"reference"`
	Params    []float64   `yaml:"params,omitempty"`
	Schedule  []Segment   `yaml:"schedule,omitempty"`
	ULimit    float64     `yaml:"u_limit"`
	Plant     PlantConfig `yaml:"plant"`
	MPC       MPCConfig   `yaml:"mpc"`
	LQR       LQRConfig   `yaml:"lqr"`
	PID       PIDConfig   `yaml:"pid"`
	LogLevel  string      `yaml:"log_level"`
}

// Segment overrides the parameters for samples From <= i < To.
type Segment struct {
	From   int       `yaml:"from"`
	To     int       `yaml:"to"`
	Params []float64 `yaml:"params"`
}

type PlantConfig struct {
	Integrator integrators.Options `yaml:"integrator"`
}

type MPCConfig struct {
	Horizon int `yaml:"horizon"`
	// Tf of zero uses Horizon * Ts.
	Tf            float64             `yaml:"tf"`
	NLPSolver     ocp.NLPSolver       `yaml:"nlp_solver_type"`
	Globalization ocp.Globalization   `yaml:"globalization"`
	MaxIter       int                 `yaml:"max_iter"`
	Tol           float64             `yaml:"tol"`
	PhiRelaxation float64             `yaml:"phi_relaxation"`
	ShiftInit     bool                `yaml:"shift_init"`
	Integrator    integrators.Options `yaml:"integrator"`
}

// LQRConfig holds the diagonals of the state and input weights.
type LQRConfig struct {
	Q []float64 `yaml:"q"`
	R []float64 `yaml:"r"`
}

type PIDConfig struct {
	Kp     float64 `yaml:"kp"`
	Ki     float64 `yaml:"ki"`
	Kd     float64 `yaml:"kd"`
	Target float64 `yaml:"target"`
}

func DefaultConfig() *Config {
	return &Config{
		Preset:     "decay",
		Model:      "decay",
		Controller: ControllerMPC,
		Ts:         DefaultTs,
		Duration:   DefaultDuration,
		Runs:       DefaultRuns,
		X0:         []float64{0},
		Reference:  []float64{0.5},
		ULimit:     2,
		Plant: PlantConfig{
			Integrator: integrators.Options{NumStages: 4, NewtonIter: 3},
		},
		MPC: MPCConfig{
			Horizon:   DefaultHorizon,
			NLPSolver: ocp.SQPRTI,
		},
		LogLevel: DefaultLogLevel,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	var head struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// file entries refine the preset they name
	if head.Preset != "" {
		p, err := GetPreset(head.Preset)
		if err != nil {
			return nil, err
		}
		cfg = p
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Steps is the number of samples a run takes.
func (c *Config) Steps() int {
	return int(math.Round(c.Duration / c.Ts))
}

// Loop returns the runner configuration.
func (c *Config) Loop() dynamo.Config {
	return dynamo.Config{
		Ts:            c.Ts,
		Duration:      c.Duration,
		Seed:          c.Seed,
		ValidateState: c.ValidateState,
	}
}

// ParamsAt returns the parameters in force at sample i.
func (c *Config) ParamsAt(i int) []float64 {
	for _, s := range c.Schedule {
		if i >= s.From && i < s.To {
			return s.Params
		}
	}
	return c.Params
}

// Horizon returns the MPC prediction length in seconds.
func (c *Config) Horizon() float64 {
	if c.MPC.Tf > 0 {
		return c.MPC.Tf
	}
	return float64(c.MPC.Horizon) * c.Ts
}

func (c *Config) Validate() error {
	if c.Model == "" && c.Artifact == "" {
		return &dynamo.ConfigError{Field: "model", Reason: "neither model nor artifact is set"}
	}
	if c.Ts <= 0 {
		return &dynamo.ConfigError{Field: "ts", Reason: fmt.Sprintf("must be positive, got %g", c.Ts)}
	}
	if c.Duration < c.Ts {
		return &dynamo.ConfigError{Field: "duration", Reason: fmt.Sprintf("%g is shorter than one sample", c.Duration)}
	}
	switch c.Controller {
	case ControllerMPC, ControllerLQR, ControllerPID, ControllerNone:
	default:
		return &dynamo.ConfigError{Field: "controller", Reason: fmt.Sprintf("unknown controller %q", c.Controller)}
	}
	if c.Controller == ControllerMPC && c.MPC.Horizon < 1 && c.Artifact == "" {
		return &dynamo.ConfigError{Field: "mpc.horizon", Reason: fmt.Sprintf("must be positive, got %d", c.MPC.Horizon)}
	}
	if c.Runs < 1 {
		return &dynamo.ConfigError{Field: "runs", Reason: fmt.Sprintf("must be positive, got %d", c.Runs)}
	}
	if c.Spread < 0 {
		return &dynamo.ConfigError{Field: "spread", Reason: fmt.Sprintf("must not be negative, got %g", c.Spread)}
	}
	for i, s := range c.Schedule {
		if s.From >= s.To {
			return &dynamo.ConfigError{Field: "schedule", Reason: fmt.Sprintf("segment %d is empty: [%d, %d)", i, s.From, s.To)}
		}
		if len(s.Params) != len(c.Params) {
			return &dynamo.ConfigError{Field: "schedule", Reason: fmt.Sprintf("segment %d has %d params, want %d", i, len(s.Params), len(c.Params))}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.X0 = append([]float64(nil), c.X0...)
	out.Reference = append([]float64(nil), c.Reference...)
	out.Params = append([]float64(nil), c.Params...)
	out.Schedule = make([]Segment, len(c.Schedule))
	for i, s := range c.Schedule {
		out.Schedule[i] = Segment{From: s.From, To: s.To, Params: append([]float64(nil), s.Params...)}
	}
	out.LQR.Q = append([]float64(nil), c.LQR.Q...)
	out.LQR.R = append([]float64(nil), c.LQR.R...)
	return &out
}
