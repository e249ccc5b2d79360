package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/ocp"
)

func newTestCommand(t *testing.T) *cobra.Command {
	t.Helper()
	configFile = ""
	cmd := &cobra.Command{Use: "test"}
	addConfigFlags(cmd)
	return cmd
}

func TestLoadConfigKeepsPresetWithoutFlags(t *testing.T) {
	cmd := newTestCommand(t)
	cfg, err := loadConfig(cmd, []string{"rsm"})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MPC.Horizon)
	assert.Equal(t, 0.0008, cfg.Ts)
	assert.Equal(t, integrators.MethodIRK, cfg.Plant.Integrator.Method)
}

func TestLoadConfigChangedFlagsOverride(t *testing.T) {
	cmd := newTestCommand(t)
	require.NoError(t, cmd.Flags().Set("horizon", "5"))
	require.NoError(t, cmd.Flags().Set("nlp-solver", "sqp"))
	require.NoError(t, cmd.Flags().Set("mpc-integrator", "gnsf"))

	cfg, err := loadConfig(cmd, []string{"rsm"})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MPC.Horizon)
	assert.Equal(t, ocp.SQP, cfg.MPC.NLPSolver)
	assert.Equal(t, integrators.MethodGNSF, cfg.MPC.Integrator.Method)
	assert.Equal(t, 0.0008, cfg.Ts)
}

func TestLoadConfigUnknownPreset(t *testing.T) {
	_, err := loadConfig(newTestCommand(t), []string{"tokamak"})
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	cmd := newTestCommand(t)
	require.NoError(t, cmd.Flags().Set("controller", "bang-bang"))
	_, err := loadConfig(cmd, nil)
	var ce *dynamo.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "controller", ce.Field)
}

func TestWLabel(t *testing.T) {
	d := dynamo.Dims{NX: 2, NU: 2, NZ: 2}
	want := []string{"xdot0", "xdot1", "x0", "x1", "u0", "u1", "z0", "z1"}
	for j, w := range want {
		assert.Equal(t, w, wLabel(d, j))
	}
}

func TestSummarizeTimings(t *testing.T) {
	prep, fb := summarizeTimings([]dynamo.Timing{
		{Preparation: 1e-3, Feedback: 1e-5},
		{Preparation: 3e-3, Feedback: 3e-5},
	})
	assert.InDelta(t, float64(seconds(2e-3)), float64(prep.mean), 2)
	assert.Equal(t, seconds(3e-3), prep.max)
	assert.InDelta(t, float64(seconds(2e-5)), float64(fb.mean), 2)
	assert.Equal(t, seconds(3e-5), fb.max)
}

func TestParseGrid(t *testing.T) {
	names, ranges, err := parseGrid([]string{"horizon=2,4, 8", "tol=1e-3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"horizon", "tol"}, names)
	assert.Equal(t, [][]float64{{2, 4, 8}, {1e-3}}, ranges)

	_, _, err = parseGrid([]string{"horizon"})
	assert.Error(t, err)
	_, _, err = parseGrid([]string{"horizon=two"})
	assert.Error(t, err)
	_, _, err = parseGrid(nil)
	assert.Error(t, err)
}
