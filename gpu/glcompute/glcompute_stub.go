//go:build !glcompute

// Package glcompute runs generated GLSL kernels as OpenGL 4.3 compute
// shaders. Build with -tags glcompute to enable it; it needs cgo and the
// glfw system libraries.
package glcompute

import (
	"log/slog"

	"odecl/gpu"
)

// Backend is unavailable in this build
type Backend struct{ gpu.Backend }

type Option func()

func WithLogger(*slog.Logger) Option { return func() {} }

func New(...Option) (*Backend, error) {
	return nil, gpu.NewDeviceError("gl", "New", "built without the glcompute tag", gpu.ErrUnavailable)
}
