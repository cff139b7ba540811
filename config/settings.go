package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"odecl/core"
)

type Settings struct {
	Generator GeneratorSettings `json:"generator"`
	GPU       GPUSettings       `json:"gpu"`
	Server    ServerSettings    `json:"server"`
	Log       LogSettings       `json:"log"`
}

type GeneratorSettings struct {
	Target    string `json:"target"`
	InputRows int    `json:"inputRows"`
}

type GPUSettings struct {
	// Backend is "auto", "opencl", "gl" or "host"
	Backend    string `json:"backend"`
	DeviceType string `json:"deviceType"`
	Workers    int    `json:"workers"`
}

type ServerSettings struct {
	Addr           string `json:"addr"`
	MaxConnections int    `json:"maxConnections"`
	ReadLimit      int64  `json:"readLimit"`
	MaxInstances   int    `json:"maxInstances"`
}

type LogSettings struct {
	Level string `json:"level"`
}

// Defaults returns the settings used when no file is present
func Defaults() Settings {
	return Settings{
		Generator: GeneratorSettings{
			Target:    core.DefaultTarget,
			InputRows: 1,
		},
		GPU: GPUSettings{
			Backend:    "auto",
			DeviceType: "gpu",
		},
		Server: ServerSettings{
			Addr:           ":8080",
			MaxConnections: 64,
			ReadLimit:      1 << 20,
			MaxInstances:   1 << 16,
		},
		Log: LogSettings{Level: "info"},
	}
}

// Load applies the JSON file at path over Defaults. A missing file is not
// an error.
func Load(path string) (Settings, error) {
	s := Defaults()

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("no settings file found, using defaults", "path", path)
			return s, nil
		}
		return s, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&s); err != nil {
		return s, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}

	slog.Info("loaded settings",
		"path", path,
		"target", s.Generator.Target,
		"backend", s.GPU.Backend,
		"addr", s.Server.Addr)
	return s, nil
}

// Validate checks values the rest of the program relies on
func (s Settings) Validate() error {
	var errs []error
	if _, err := core.LookupDialect(s.Generator.Target); err != nil {
		errs = append(errs, err)
	}
	if s.Generator.InputRows < 0 {
		errs = append(errs, fmt.Errorf("generator.inputRows must be >= 0, got %d", s.Generator.InputRows))
	}
	switch strings.ToLower(s.GPU.Backend) {
	case "auto", "opencl", "gl", "host":
	default:
		errs = append(errs, fmt.Errorf("gpu.backend must be auto, opencl, gl or host, got %q", s.GPU.Backend))
	}
	switch strings.ToLower(s.GPU.DeviceType) {
	case "gpu", "cpu", "any":
	default:
		errs = append(errs, fmt.Errorf("gpu.deviceType must be gpu, cpu or any, got %q", s.GPU.DeviceType))
	}
	if s.GPU.Workers < 0 {
		errs = append(errs, fmt.Errorf("gpu.workers must be >= 0, got %d", s.GPU.Workers))
	}
	if s.Server.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("server.maxConnections must be positive, got %d", s.Server.MaxConnections))
	}
	if s.Server.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("server.readLimit must be positive, got %d", s.Server.ReadLimit))
	}
	if s.Server.MaxInstances <= 0 {
		errs = append(errs, fmt.Errorf("server.maxInstances must be positive, got %d", s.Server.MaxInstances))
	}
	if _, err := ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps log.level onto a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
