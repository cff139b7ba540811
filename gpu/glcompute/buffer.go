//go:build glcompute

package glcompute

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/go-gl/gl/v4.3-core/gl"

	"odecl/gpu"
)

var errReleased = errors.New("already released")

// buffer is a shader storage buffer object
type buffer struct {
	backend *Backend
	name    string
	shape   []int
	strides []int
	dtype   gpu.DType
	size    int
	id      uint32
}

func allocBytes(n int, dtype gpu.DType) int {
	return max(n*dtype.Size(), dtype.Size())
}

// Alloc creates a zero-filled storage buffer
func (b *Backend) Alloc(ctx context.Context, name string, shape []int, dtype gpu.DType) (gpu.Buffer, error) {
	fail := func(msg string, err error) (gpu.Buffer, error) {
		e := gpu.NewAllocationError(backendName, "Alloc", fmt.Sprintf("buffer %s: %s", name, msg), err)
		gpu.RecordAlloc(backendName, 0, e)
		return nil, e
	}
	if dtype.Size() == 0 {
		return fail(fmt.Sprintf("unsupported dtype %s", dtype), nil)
	}
	for _, d := range shape {
		if d < 0 {
			return fail(fmt.Sprintf("negative extent in %v", shape), nil)
		}
	}

	n := gpu.NumElements(shape)
	buf := &buffer{
		backend: b,
		name:    name,
		shape:   append([]int(nil), shape...),
		strides: gpu.RowMajorStrides(shape),
		dtype:   dtype,
		size:    n,
	}
	bytes := allocBytes(n, dtype)
	zero := make([]byte, bytes)

	err := b.do("Alloc", func() error {
		gl.GenBuffers(1, &buf.id)
		gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, buf.id)
		gl.BufferData(gl.SHADER_STORAGE_BUFFER, bytes, unsafe.Pointer(&zero[0]), gl.DYNAMIC_DRAW)
		gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
		if code := gl.GetError(); code != gl.NO_ERROR {
			gl.DeleteBuffers(1, &buf.id)
			buf.id = 0
			return fmt.Errorf("GL error 0x%x", code)
		}
		return nil
	})
	if err != nil {
		return fail(fmt.Sprintf("%d bytes", bytes), err)
	}
	gpu.RecordAlloc(backendName, bytes, nil)
	return buf, nil
}

func (c *buffer) Name() string     { return c.name }
func (c *buffer) Shape() []int     { return append([]int(nil), c.shape...) }
func (c *buffer) Strides() []int   { return append([]int(nil), c.strides...) }
func (c *buffer) DType() gpu.DType { return c.dtype }
func (c *buffer) Len() int         { return c.size }

func (c *buffer) transfer(op string, p []byte, write bool) error {
	if c.id == 0 {
		return gpu.NewExecutionError(backendName, op, fmt.Sprintf("buffer %s released", c.name), nil)
	}
	want := c.size * c.dtype.Size()
	if len(p) != want {
		return gpu.NewExecutionError(backendName, op, fmt.Sprintf("buffer %s is %d bytes, got %d", c.name, want, len(p)), nil)
	}
	if want == 0 {
		return nil
	}
	return c.backend.do(op, func() error {
		gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, c.id)
		if write {
			gl.BufferSubData(gl.SHADER_STORAGE_BUFFER, 0, want, unsafe.Pointer(&p[0]))
		} else {
			gl.GetBufferSubData(gl.SHADER_STORAGE_BUFFER, 0, want, unsafe.Pointer(&p[0]))
		}
		gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
		if code := gl.GetError(); code != gl.NO_ERROR {
			return gpu.NewExecutionError(backendName, op, c.name, fmt.Errorf("GL error 0x%x", code))
		}
		return nil
	})
}

func (c *buffer) WriteBytes(ctx context.Context, src []byte) error {
	return c.transfer("WriteBytes", src, true)
}

func (c *buffer) ReadBytes(ctx context.Context, dst []byte) error {
	return c.transfer("ReadBytes", dst, false)
}

func (c *buffer) Release() {
	err := c.backend.do("Release", func() error {
		if c.id == 0 {
			return errReleased
		}
		gl.DeleteBuffers(1, &c.id)
		c.id = 0
		return nil
	})
	if err == nil {
		gpu.RecordAlloc(backendName, -allocBytes(c.size, c.dtype), nil)
	}
}
