// Package gpu binds generated kernel source to a compute backend: it builds
// programs, hands out kernels by entry point name and allocates strided
// buffers from explicit declarations.
package gpu

import (
	"context"

	"odecl/core"
)

// Source is what a backend compiles. Text is kernel language source in the
// Target dialect; Portable is the target-neutral listing for backends that
// cannot consume text (the host backend).
type Source struct {
	Target      string
	Text        string
	EntryPoints []string
	Portable    *core.Program
}

// SourceOf packages a generated kernel for Build
func SourceOf(k *core.GeneratedKernel) Source {
	return Source{Target: k.Target, Text: k.Source, EntryPoints: k.EntryPoints, Portable: k.Program}
}

// Backend is a compute device that can build kernels and hold buffers
type Backend interface {
	Name() string
	Device() DeviceInfo
	// Target is the kernel language Build expects in Source.Text
	Target() string
	Build(ctx context.Context, src Source) (Module, error)
	Alloc(ctx context.Context, name string, shape []int, dtype DType) (Buffer, error)
	Cleanup()
}

// Module is a built program
type Module interface {
	Kernel(name string) (Kernel, error)
	Release()
}

// Kernel is a callable entry point. Arguments are int32 or float32 scalars
// and Buffers allocated by the same backend, in signature order.
type Kernel interface {
	Name() string
	Launch(ctx context.Context, global int, args ...any) error
}

// Buffer is a strided N-dimensional device array
type Buffer interface {
	Name() string
	Shape() []int
	// Strides are in elements, row-major
	Strides() []int
	DType() DType
	Len() int
	WriteBytes(ctx context.Context, src []byte) error
	ReadBytes(ctx context.Context, dst []byte) error
	Release()
}
