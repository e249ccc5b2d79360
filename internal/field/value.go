package field

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/nmpc/internal/dynamo"
)

// Value is a caller-supplied array converted to float64, row-major.
type Value struct {
	Shape dynamo.Shape
	Data  []float64
}

// Coerce converts numbers, slices, nested slices and gonum matrices to a
// float64 Value. The returned data never aliases v.
func Coerce(v any) (Value, error) {
	switch x := v.(type) {
	case float64:
		return Value{Shape: dynamo.ScalarShape(), Data: []float64{x}}, nil
	case float32:
		return Value{Shape: dynamo.ScalarShape(), Data: []float64{float64(x)}}, nil
	case int:
		return Value{Shape: dynamo.ScalarShape(), Data: []float64{float64(x)}}, nil
	case []float64:
		return vector(x), nil
	case dynamo.State:
		return vector(x), nil
	case dynamo.Control:
		return vector(x), nil
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return Value{Shape: dynamo.VectorShape(len(x)), Data: out}, nil
	case []int:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return Value{Shape: dynamo.VectorShape(len(x)), Data: out}, nil
	case [][]float64:
		return nested(x)
	case mat.Matrix:
		r, c := x.Dims()
		out := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out = append(out, x.At(i, j))
			}
		}
		return Value{Shape: dynamo.MatrixShape(r, c), Data: out}, nil
	case nil:
		return Value{}, fmt.Errorf("%w: nil value", dynamo.ErrDimensionMismatch)
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func vector(x []float64) Value {
	out := make([]float64, len(x))
	copy(out, x)
	return Value{Shape: dynamo.VectorShape(len(x)), Data: out}
}

func nested(x [][]float64) (Value, error) {
	rows := len(x)
	cols := 0
	if rows > 0 {
		cols = len(x[0])
	}
	out := make([]float64, 0, rows*cols)
	for i, row := range x {
		if len(row) != cols {
			return Value{}, fmt.Errorf("%w: ragged matrix, row %d has %d columns, want %d",
				dynamo.ErrDimensionMismatch, i, len(row), cols)
		}
		out = append(out, row...)
	}
	return Value{Shape: dynamo.MatrixShape(rows, cols), Data: out}, nil
}

// Conform checks v against the expected shape of id and returns its data.
// A bare number is accepted for a vector of length one and a length-one
// vector for a scalar.
func Conform(id ID, expected dynamo.Shape, v any) ([]float64, error) {
	val, err := Coerce(v)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", id, err)
	}
	if shapesMatch(expected, val.Shape) {
		return val.Data, nil
	}
	return nil, &dynamo.DimensionMismatchError{Field: id.String(), Expected: expected, Got: val.Shape}
}

func shapesMatch(want, got dynamo.Shape) bool {
	if want == got {
		return true
	}
	if want.Scalar && got.Len() == 1 && got.Cols == 0 {
		return true
	}
	if got.Scalar && want.Cols == 0 && want.Rows == 1 {
		return true
	}
	// empty vectors and empty matrices are interchangeable
	return want.Len() == 0 && got.Len() == 0 && !want.Scalar && !got.Scalar
}

// Dense copies row-major data of shape r x c into a new gonum matrix.
// An empty shape yields nil.
func Dense(r, c int, data []float64) *mat.Dense {
	if r == 0 || c == 0 {
		return nil
	}
	out := make([]float64, r*c)
	copy(out, data)
	return mat.NewDense(r, c, out)
}

// Float returns the first element of a scalar or length-one value.
func (v Value) Float() float64 {
	if len(v.Data) == 0 {
		return 0
	}
	return v.Data[0]
}

// Dense returns the value as a matrix, or nil if it is empty. Vectors
// become columns.
func (v Value) Dense() *mat.Dense {
	switch {
	case v.Shape.Scalar:
		return mat.NewDense(1, 1, []float64{v.Float()})
	case v.Shape.Cols == 0:
		return Dense(v.Shape.Rows, 1, v.Data)
	default:
		return Dense(v.Shape.Rows, v.Shape.Cols, v.Data)
	}
}

// MatrixValue copies m into a Value.
func MatrixValue(m mat.Matrix) Value {
	val, _ := Coerce(m)
	return val
}

// VectorValue copies x into a Value.
func VectorValue(x []float64) Value { return vector(x) }

// ScalarValue wraps f.
func ScalarValue(f float64) Value {
	return Value{Shape: dynamo.ScalarShape(), Data: []float64{f}}
}
