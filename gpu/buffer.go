package gpu

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

// Element is a Go type that maps onto a DType
type Element interface {
	constraints.Float | constraints.Signed
}

func dtypeOf[T Element]() (DType, bool) {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32, true
	case int32:
		return Int32, true
	}
	return 0, false
}

func asBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
}

func checkTransfer[T Element](b Buffer, n int) error {
	dt, ok := dtypeOf[T]()
	if !ok {
		var zero T
		return fmt.Errorf("buffer %s: unsupported element type %T", b.Name(), zero)
	}
	if dt != b.DType() {
		return fmt.Errorf("buffer %s holds %s, not %s", b.Name(), b.DType(), dt)
	}
	if n != b.Len() {
		return fmt.Errorf("buffer %s has %d elements, got %d", b.Name(), b.Len(), n)
	}
	return nil
}

// Write copies host data into the whole buffer
func Write[T Element](ctx context.Context, b Buffer, data []T) error {
	if err := checkTransfer[T](b, len(data)); err != nil {
		return err
	}
	return b.WriteBytes(ctx, asBytes(data))
}

// Read copies the whole buffer into a new host slice
func Read[T Element](ctx context.Context, b Buffer) ([]T, error) {
	out := make([]T, b.Len())
	if err := checkTransfer[T](b, len(out)); err != nil {
		return nil, err
	}
	if err := b.ReadBytes(ctx, asBytes(out)); err != nil {
		return nil, err
	}
	return out, nil
}

// Dense reads a two dimensional Float32 buffer into a matrix, one row per
// leading index. Useful for host-side checks of state and deriv rows.
func Dense(ctx context.Context, b Buffer) (*mat.Dense, error) {
	shape := b.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("buffer %s: Dense needs 2 dimensions, have %d", b.Name(), len(shape))
	}
	data, err := Read[float32](ctx, b)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &mat.Dense{}, nil
	}
	strides := b.Strides()
	m := mat.NewDense(shape[0], shape[1], nil)
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			m.Set(i, j, float64(data[i*strides[0]+j*strides[1]]))
		}
	}
	return m, nil
}
