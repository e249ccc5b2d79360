package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

func TestBuiltinsRegistered(t *testing.T) {
	assert.Equal(t, []string{"cartpole", "decay", "pendulum", "rsm"}, Names())
	assert.True(t, Has("rsm"))
	assert.False(t, Has("RSM"))
}

func TestAcquireRelease(t *testing.T) {
	before := Live()
	m, err := Acquire("decay")
	require.NoError(t, err)
	assert.Equal(t, "decay", m.Name())
	assert.Equal(t, before+1, Live())

	Release()
	assert.Equal(t, before, Live())
}

func TestAcquireReturnsFreshInstances(t *testing.T) {
	a, err := Acquire("pendulum")
	require.NoError(t, err)
	b, err := Acquire("pendulum")
	require.NoError(t, err)
	defer Release()
	defer Release()

	a.(*model.Pendulum).Mass = 3
	assert.Equal(t, 1.0, b.(*model.Pendulum).Mass)
}

func TestAcquireUnknown(t *testing.T) {
	before := Live()
	_, err := Acquire("missing")
	assert.ErrorIs(t, err, dynamo.ErrConfig)
	assert.Equal(t, before, Live())
}

func TestLoadOnceAndParallelFlag(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Load(zap.NewNop())
		}()
	}
	wg.Wait()

	first := Parallel()
	Load(zap.NewNop())
	assert.Equal(t, first, Parallel())
}

func TestPhiKernels(t *testing.T) {
	phi, err := Phi("sum_squares", 2)
	require.NoError(t, err)
	out := make([]float64, 1)
	phi.Eval(out, []float64{3, 4})
	assert.InDelta(t, 25, out[0], 1e-12)

	_, err = Phi("ellipse", 2)
	assert.ErrorIs(t, err, dynamo.ErrConfig)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register("decay", func() model.Model { return model.NewDecay() })
	})
	assert.Panics(t, func() { Register("nil", nil) })
}
