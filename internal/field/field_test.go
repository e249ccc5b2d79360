package field

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

func TestLookupDirections(t *testing.T) {
	tests := []struct {
		name    string
		access  Access
		wantErr bool
	}{
		{"x", Set, false},
		{"x", Get, false},
		{"seed_adj", Set, false},
		{"seed_adj", Get, true},
		{"S_forw", Get, false},
		{"S_forw", Set, true},
		{"time_tot", Get, false},
		{"X", Get, true},
		{"nonexistent", Set, true},
	}
	for _, tt := range tests {
		_, err := Sim.Lookup(tt.name, tt.access)
		if !tt.wantErr {
			assert.NoError(t, err, tt.name)
			continue
		}
		var ufe *dynamo.UnknownFieldError
		require.ErrorAs(t, err, &ufe, tt.name)
		assert.True(t, errors.Is(err, dynamo.ErrUnknownField))
	}
}

func TestStageRegistryRejectsSimOnlyFields(t *testing.T) {
	_, err := Stage.Lookup("S_adj", Get)
	assert.ErrorIs(t, err, dynamo.ErrUnknownField)

	id, err := Stage.Lookup("yref", Set)
	require.NoError(t, err)
	assert.Equal(t, YRef, id)
	assert.Equal(t, Vector, id.Kind())
}

func TestConformReportsBothShapes(t *testing.T) {
	_, err := Conform(X, dynamo.VectorShape(1), []float64{1.0, 2.0})
	require.Error(t, err)

	var dme *dynamo.DimensionMismatchError
	require.ErrorAs(t, err, &dme)
	assert.Contains(t, err.Error(), "(1,)")
	assert.Contains(t, err.Error(), "(2,)")
}

func TestConformScalarConvenience(t *testing.T) {
	data, err := Conform(X, dynamo.VectorShape(1), 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, data)

	data, err = Conform(T, dynamo.ScalarShape(), []float64{0.1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1}, data)

	_, err = Conform(T, dynamo.ScalarShape(), []float64{0.1, 0.2})
	assert.ErrorIs(t, err, dynamo.ErrDimensionMismatch)
}

func TestCoerceCopies(t *testing.T) {
	src := []float64{1, 2, 3}
	v, err := Coerce(src)
	require.NoError(t, err)
	src[0] = 42
	assert.Equal(t, 1.0, v.Data[0])
}

func TestCoerceMatrices(t *testing.T) {
	v, err := Coerce([][]float64{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, dynamo.MatrixShape(3, 2), v.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, v.Data)

	v, err = Coerce(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))
	require.NoError(t, err)
	assert.Equal(t, "(2, 2)", v.Shape.String())

	_, err = Coerce([][]float64{{1, 2}, {3}})
	assert.ErrorIs(t, err, dynamo.ErrDimensionMismatch)

	_, err = Coerce("abc")
	assert.Error(t, err)
}

func TestCoerceIntegers(t *testing.T) {
	v, err := Coerce([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, v.Data)
	assert.Equal(t, "(2,)", v.Shape.String())
}

func TestNamesAreStable(t *testing.T) {
	names := Sim.Names()
	assert.Equal(t, "x", names[0])
	assert.Contains(t, names, "S_algebraic")
	assert.NotContains(t, names, "yref")
}
