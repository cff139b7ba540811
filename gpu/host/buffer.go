package host

import (
	"context"
	"fmt"
	"unsafe"

	"odecl/gpu"
)

// buffer is backed by 32-bit words so float32 and int32 views stay aligned
type buffer struct {
	name    string
	shape   []int
	strides []int
	dtype   gpu.DType
	words   []uint32
	freed   bool
}

// Alloc allocates zeroed host memory
func (b *Backend) Alloc(ctx context.Context, name string, shape []int, dtype gpu.DType) (gpu.Buffer, error) {
	if dtype.Size() != 4 {
		err := gpu.NewAllocationError(backendName, "Alloc", fmt.Sprintf("buffer %s: unsupported dtype %s", name, dtype), nil)
		gpu.RecordAlloc(backendName, 0, err)
		return nil, err
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			err := gpu.NewAllocationError(backendName, "Alloc", fmt.Sprintf("buffer %s: negative extent in %v", name, shape), nil)
			gpu.RecordAlloc(backendName, 0, err)
			return nil, err
		}
		n *= d
	}
	buf := &buffer{
		name:    name,
		shape:   append([]int(nil), shape...),
		strides: gpu.RowMajorStrides(shape),
		dtype:   dtype,
		words:   make([]uint32, n),
	}
	gpu.RecordAlloc(backendName, n*4, nil)
	return buf, nil
}

func (h *buffer) Name() string       { return h.name }
func (h *buffer) Shape() []int       { return append([]int(nil), h.shape...) }
func (h *buffer) Strides() []int     { return append([]int(nil), h.strides...) }
func (h *buffer) DType() gpu.DType   { return h.dtype }
func (h *buffer) Len() int           { return len(h.words) }
func (h *buffer) byteLen() int       { return len(h.words) * 4 }
func (h *buffer) released() bool     { return h.freed }
func (h *buffer) String() string     { return fmt.Sprintf("%s%v %s", h.name, h.shape, h.dtype) }
func (h *buffer) bytes() []byte {
	if len(h.words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&h.words[0])), h.byteLen())
}

func (h *buffer) floats() ([]float32, error) {
	if h.released() {
		return nil, gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("buffer %s released", h.name), nil)
	}
	if h.dtype != gpu.Float32 {
		return nil, gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("buffer %s holds %s, kernel wants float32", h.name, h.dtype), nil)
	}
	if len(h.words) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&h.words[0])), len(h.words)), nil
}

func (h *buffer) WriteBytes(ctx context.Context, src []byte) error {
	if h.released() {
		return gpu.NewExecutionError(backendName, "WriteBytes", fmt.Sprintf("buffer %s released", h.name), nil)
	}
	if len(src) != h.byteLen() {
		return gpu.NewExecutionError(backendName, "WriteBytes", fmt.Sprintf("buffer %s is %d bytes, got %d", h.name, h.byteLen(), len(src)), nil)
	}
	copy(h.bytes(), src)
	return nil
}

func (h *buffer) ReadBytes(ctx context.Context, dst []byte) error {
	if h.released() {
		return gpu.NewExecutionError(backendName, "ReadBytes", fmt.Sprintf("buffer %s released", h.name), nil)
	}
	if len(dst) != h.byteLen() {
		return gpu.NewExecutionError(backendName, "ReadBytes", fmt.Sprintf("buffer %s is %d bytes, got %d", h.name, h.byteLen(), len(dst)), nil)
	}
	copy(dst, h.bytes())
	return nil
}

func (h *buffer) Release() {
	if h.released() {
		return
	}
	gpu.RecordAlloc(backendName, -h.byteLen(), nil)
	h.words = nil
	h.freed = true
}
