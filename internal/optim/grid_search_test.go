package optim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/nmpc/internal/config"
	"github.com/san-kum/nmpc/internal/dynamo"
)

func shortDecay() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Duration = 1
	return cfg
}

func TestGridSearchVisitsEveryPoint(t *testing.T) {
	g, err := NewGridSearch([]string{"horizon", "num_stages"}, [][]float64{{5, 10}, {1, 2}})
	require.NoError(t, err)
	assert.Equal(t, 4, g.Size())

	best, points, err := g.Search(context.Background(), shortDecay(), "tracking_rms")
	require.NoError(t, err)
	require.Len(t, points, 4)

	assert.Equal(t, map[string]float64{"horizon": 5, "num_stages": 1}, points[0].Values)
	assert.Equal(t, map[string]float64{"horizon": 10, "num_stages": 2}, points[3].Values)
	for _, p := range points {
		require.NoError(t, p.Err)
		assert.False(t, math.IsInf(p.Metric, 0))
		assert.GreaterOrEqual(t, p.Metric, best.Metric)
	}
}

func TestGridSearchLeavesBaseUntouched(t *testing.T) {
	base := shortDecay()
	g, err := NewGridSearch([]string{"horizon"}, [][]float64{{3}})
	require.NoError(t, err)
	_, _, err = g.Search(context.Background(), base, "tracking_rms")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHorizon, base.MPC.Horizon)
}

func TestGridSearchSkipsInvalidPoints(t *testing.T) {
	g, err := NewGridSearch([]string{"horizon"}, [][]float64{{0, 10}})
	require.NoError(t, err)

	best, points, err := g.Search(context.Background(), shortDecay(), "tracking_rms")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, errors.Is(points[0].Err, dynamo.ErrConfig), "got %v", points[0].Err)
	assert.Equal(t, 10.0, best.Values["horizon"])
}

func TestGridSearchUnknownMetric(t *testing.T) {
	g, err := NewGridSearch([]string{"horizon"}, [][]float64{{10}})
	require.NoError(t, err)
	_, points, err := g.Search(context.Background(), shortDecay(), "overshoot")
	assert.Error(t, err)
	require.Len(t, points, 1)
	assert.Error(t, points[0].Err)
}

func TestNewGridSearchErrors(t *testing.T) {
	_, err := NewGridSearch([]string{"gain"}, [][]float64{{1}})
	assert.True(t, errors.Is(err, dynamo.ErrConfig), "got %v", err)

	_, err = NewGridSearch([]string{"horizon"}, [][]float64{{}})
	assert.True(t, errors.Is(err, dynamo.ErrConfig), "got %v", err)

	_, err = NewGridSearch([]string{"horizon", "tol"}, [][]float64{{1}})
	assert.True(t, errors.Is(err, dynamo.ErrConfig), "got %v", err)
}

func TestGridSearchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, err := NewGridSearch([]string{"horizon"}, [][]float64{{5, 10}})
	require.NoError(t, err)
	_, _, err = g.Search(ctx, shortDecay(), "tracking_rms")
	assert.ErrorIs(t, err, context.Canceled)
}
