package main

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"odecl/config"
	"odecl/gpu"
	"odecl/gpu/glcompute"
	"odecl/gpu/host"
	"odecl/gpu/opencl"
)

// initComputeBackend opens the backend named in settings. "auto" tries
// OpenCL first and falls back to the host backend when no driver or device
// is present.
func initComputeBackend(s config.GPUSettings, log *slog.Logger) (gpu.Backend, error) {
	hostBackend := func() gpu.Backend {
		return host.New(host.WithWorkers(s.Workers), host.WithLogger(log))
	}

	switch strings.ToLower(s.Backend) {
	case "host":
		return hostBackend(), nil
	case "opencl":
		b, err := opencl.New(opencl.WithDevice(s.DeviceType), opencl.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return b, nil
	case "gl":
		b, err := glcompute.New(glcompute.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return b, nil
	case "auto", "":
		b, err := opencl.New(opencl.WithDevice(s.DeviceType), opencl.WithLogger(log))
		if err == nil {
			return b, nil
		}
		log.Info("OpenCL unavailable, using host backend",
			"os", runtime.GOOS,
			"arch", runtime.GOARCH,
			"reason", err)
		return hostBackend(), nil
	default:
		return nil, fmt.Errorf("unknown compute backend %q", s.Backend)
	}
}
