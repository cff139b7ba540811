//go:build !linux && !darwin

package opencl

import (
	"log/slog"

	"odecl/gpu"
)

// Backend is unavailable on this platform
type Backend struct{ gpu.Backend }

type Option func()

func WithDevice(string) Option { return func() {} }
func WithBuildOptions(string) Option { return func() {} }
func WithLogger(*slog.Logger) Option { return func() {} }

func New(...Option) (*Backend, error) {
	return nil, gpu.NewDeviceError("opencl", "New", "not supported on this platform", gpu.ErrUnavailable)
}

func Platforms() ([]gpu.PlatformInfo, error) {
	return nil, gpu.NewDeviceError("opencl", "Platforms", "not supported on this platform", gpu.ErrUnavailable)
}
