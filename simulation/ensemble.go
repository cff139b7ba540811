// Package simulation drives a generated dfun kernel over an ensemble of model
// instances. It owns the state, param, input and deriv buffers and evaluates
// derivatives on demand; stepping time is left to the caller.
package simulation

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"odecl/core"
	"odecl/gpu"
)

// Options sizes an ensemble
type Options struct {
	// Instances is the number of model copies, the dfun stride
	Instances int
	// InputRows is the height of the input buffer. Values below 1 mean 1.
	InputRows int
	Logger    *slog.Logger
}

// Ensemble is N instances of one model bound to a backend
type Ensemble struct {
	kernel  *core.GeneratedKernel
	binding *gpu.Binding
	dfun    gpu.Kernel
	n       int
	log     *slog.Logger

	state, param, input, deriv gpu.Buffer
}

// New binds k on backend with one lane per instance
func New(ctx context.Context, backend gpu.Backend, k *core.GeneratedKernel, opts Options) (*Ensemble, error) {
	if opts.Instances <= 0 {
		return nil, fmt.Errorf("ensemble needs at least one instance, got %d", opts.Instances)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	binding, err := gpu.Bind(ctx, backend, gpu.DfunConfig(k, opts.InputRows), map[string]int{
		gpu.InstancesDim: opts.Instances,
	})
	if err != nil {
		return nil, fmt.Errorf("bind %s kernel: %w", k.Target, err)
	}

	e := &Ensemble{kernel: k, binding: binding, n: opts.Instances, log: log}
	if e.dfun, err = binding.Kernel(core.EntryPoint); err != nil {
		binding.Release()
		return nil, err
	}
	for name, dst := range map[string]*gpu.Buffer{
		"state": &e.state, "param": &e.param, "input": &e.input, "deriv": &e.deriv,
	} {
		if *dst, err = binding.Buffer(name); err != nil {
			binding.Release()
			return nil, err
		}
	}

	log.Debug("ensemble ready",
		"backend", backend.Name(),
		"instances", e.n,
		"states", k.Program.NumStates(),
		"params", k.Program.NumRuntimeParams())
	return e, nil
}

// Instances returns the ensemble size
func (e *Ensemble) Instances() int { return e.n }

// Kernel returns the generated kernel the ensemble runs
func (e *Ensemble) Kernel() *core.GeneratedKernel { return e.kernel }

// Backend returns the backend holding the buffers
func (e *Ensemble) Backend() gpu.Backend { return e.binding.Backend() }

// Close releases every device resource
func (e *Ensemble) Close() { e.binding.Release() }

func (e *Ensemble) write(ctx context.Context, buf gpu.Buffer, what string, rows int, data []float32) error {
	if len(data) != rows*e.n {
		return fmt.Errorf("%s: want %d values (%d rows x %d instances), got %d", what, rows*e.n, rows, e.n, len(data))
	}
	if rows == 0 {
		return nil
	}
	if err := gpu.Write(ctx, buf, data); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// SetState uploads row-major state values, one row per state variable
func (e *Ensemble) SetState(ctx context.Context, data []float32) error {
	return e.write(ctx, e.state, "state", e.kernel.Program.NumStates(), data)
}

// SetParams uploads row-major runtime parameter values in offset order.
// Models without runtime parameters take an empty slice.
func (e *Ensemble) SetParams(ctx context.Context, data []float32) error {
	return e.write(ctx, e.param, "param", e.kernel.Program.NumRuntimeParams(), data)
}

// SetInput uploads the input buffer. Generated kernels do not read it yet.
func (e *Ensemble) SetInput(ctx context.Context, data []float32) error {
	return e.write(ctx, e.input, "input", e.input.Shape()[0], data)
}

// Evaluate runs dfun once over every instance
func (e *Ensemble) Evaluate(ctx context.Context) error {
	err := e.dfun.Launch(ctx, e.n, int32(e.n), e.state, e.param, e.input, e.deriv)
	if err != nil {
		return fmt.Errorf("dfun over %d instances: %w", e.n, err)
	}
	return nil
}

// Derivatives evaluates dfun and returns deriv, row-major [states x instances]
func (e *Ensemble) Derivatives(ctx context.Context) ([]float32, error) {
	if err := e.Evaluate(ctx); err != nil {
		return nil, err
	}
	return gpu.Read[float32](ctx, e.deriv)
}

// DerivativeMatrix is Derivatives as a states x instances matrix
func (e *Ensemble) DerivativeMatrix(ctx context.Context) (*mat.Dense, error) {
	if err := e.Evaluate(ctx); err != nil {
		return nil, err
	}
	return gpu.Dense(ctx, e.deriv)
}
