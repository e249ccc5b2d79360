package experiment

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/san-kum/nmpc/internal/artifact"
	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/integrators"
	"github.com/san-kum/nmpc/internal/kernel"
	"github.com/san-kum/nmpc/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func preset(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg, err := config.GetPreset(name)
	require.NoError(t, err)
	return cfg
}

func newExperiment(t *testing.T, cfg *config.Config) *Experiment {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestDescribeRSM(t *testing.T) {
	cfg := preset(t, "rsm")
	desc, plant, err := Describe(cfg)
	require.NoError(t, err)

	assert.Equal(t, "rsm", desc.Model)
	assert.Equal(t, 2, desc.Dims.N)
	assert.InDelta(t, 2*cfg.Ts, desc.Solver.Tf, 1e-15)
	assert.Equal(t, []int{1}, desc.Constraints.IdxBU)
	assert.InDelta(t, config.RSMUMax*math.Sqrt(3)/2, desc.Constraints.UBU[0], 1e-9)
	assert.InDelta(t, math.Sqrt(3), desc.Constraints.D[0][0], 1e-15)
	radius := config.RSMUMax * math.Sqrt(3) / 2
	assert.InDelta(t, radius*radius, desc.Constraints.UPhi[0], 1e-6)
	assert.Equal(t, 1e-3, desc.Solver.PhiRelaxation)
	assert.Equal(t, desc.Constraints.UPhi, desc.Constraints.UPhi0)
	assert.Equal(t, []float64{300, 0, 0}, desc.Parameters)

	xs, us := model.NewRSM().SteadyState(-20, 20, 300)
	assert.Equal(t, append(append([]float64{}, xs...), us...), desc.Cost.YRef)
	assert.Equal(t, xs, desc.Cost.YRefE)

	assert.Equal(t, integrators.MethodIRK, plant.Solver.Method)
	assert.Equal(t, 6, plant.Solver.NumStages)
	assert.Equal(t, 3, plant.Solver.NumSteps)
	assert.Equal(t, cfg.Ts, plant.Solver.T)
	assert.False(t, plant.Solver.SensForw)
}

func TestUnknownModel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model = "tokamak"
	_, err := New(cfg)
	assert.True(t, errors.Is(err, dynamo.ErrConfig), "got %v", err)
}

func TestDecayMPC(t *testing.T) {
	before := kernel.Live()
	e := newExperiment(t, config.DefaultConfig())
	assert.Equal(t, before+2, kernel.Live())

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.States, 101)

	final := result.States[100][0]
	assert.InDelta(t, 0.5, final, 0.02)
	assert.Contains(t, result.Metrics, "tracking_rms")
	assert.Contains(t, result.Metrics, "control_effort")
	for i, st := range result.Status {
		assert.Equal(t, dynamo.StatusSuccess, st, "sample %d", i)
	}

	// a second run starts from a reset iterate and repeats the first
	again, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, final, again.States[100][0], 1e-9)

	require.NoError(t, e.Close())
	assert.Equal(t, before, kernel.Live())
	assert.NoError(t, e.Close())
}

func TestPendulumLQR(t *testing.T) {
	cfg := preset(t, "pendulum")
	cfg.Controller = config.ControllerLQR
	e := newExperiment(t, cfg)
	assert.Nil(t, e.MPC())

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Status)
	final := result.States[len(result.States)-1]
	assert.InDelta(t, math.Pi, final[0], 1e-2)
	assert.InDelta(t, 0, final[1], 1e-2)
}

func TestScheduleMovesPlantParameters(t *testing.T) {
	cfg := preset(t, "rsm")
	cfg.Controller = config.ControllerNone
	cfg.Duration = 40 * cfg.Ts
	e := newExperiment(t, cfg)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, result.StepsTaken)
	assert.Contains(t, result.Metrics, "control_norm_violation")

	p, err := e.Plant().Solver().Input("p")
	require.NoError(t, err)
	assert.Equal(t, []float64{150, 0, 0}, p)

	xs, _ := model.NewRSM().SteadyState(-20, 20, 150)
	assert.Equal(t, xs, e.tracking.Reference())
}

func TestArtifactExperiment(t *testing.T) {
	cfg := config.DefaultConfig()
	desc, _, err := Describe(cfg)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, artifact.Save(dir, "decay", map[string]any{artifact.OCPFile: desc}))

	cfg.Artifact = dir
	cfg.Model = ""
	e := newExperiment(t, cfg)
	require.NotNil(t, e.MPC())
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, result.States[len(result.States)-1][0], 0.02)

	cfg.Controller = config.ControllerLQR
	_, err = New(cfg)
	assert.True(t, errors.Is(err, dynamo.ErrConfig), "got %v", err)
}

func TestRunEnsemble(t *testing.T) {
	before := kernel.Live()
	cfg := config.DefaultConfig()
	cfg.Runs = 3
	cfg.Workers = 2
	cfg.Spread = 0.1
	cfg.Seed = 7

	results, err := RunEnsemble(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 0.0, results[0].States[0][0])
	assert.NotEqual(t, 0.0, results[1].States[0][0])
	assert.NotEqual(t, results[1].States[0][0], results[2].States[0][0])
	for i, r := range results {
		assert.InDelta(t, 0.5, r.States[len(r.States)-1][0], 0.02, "run %d", i)
	}
	assert.Equal(t, before, kernel.Live())

	// the perturbation depends only on the seed and the run index
	again, err := RunEnsemble(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, results[2].States[0], again[2].States[0])
}
