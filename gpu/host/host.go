// Package host runs generated dfun kernels on the CPU. It executes the
// portable statement listing rather than kernel language text, one goroutine
// per slice of lanes.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"odecl/core"
	"odecl/gpu"
)

const backendName = "host"

// Backend is the CPU fallback backend. It is always available.
type Backend struct {
	workers int
	log     *slog.Logger
	device  gpu.DeviceInfo
}

// Option configures a Backend
type Option func(*Backend)

// WithWorkers caps the number of goroutines a launch uses. n <= 0 means
// runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithLogger sets the logger used for build and launch diagnostics
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = l
		}
	}
}

// New creates a host backend
func New(opts ...Option) *Backend {
	b := &Backend{
		workers: runtime.NumCPU(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.device = gpu.DeviceInfo{
		Name:            "host",
		Vendor:          runtime.GOARCH,
		Version:         runtime.Version(),
		Type:            gpu.DeviceTypeCPU,
		MaxComputeUnits: uint32(runtime.NumCPU()),
		Features:        cpuFeatures(),
	}
	return b
}

func cpuFeatures() []string {
	var f []string
	add := func(ok bool, name string) {
		if ok {
			f = append(f, name)
		}
	}
	add(cpu.X86.HasSSE41, "sse4.1")
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasFPHP, "fphp")
	add(cpu.ARM64.HasSVE, "sve")
	return f
}

func (b *Backend) Name() string           { return backendName }
func (b *Backend) Device() gpu.DeviceInfo { return b.device }
func (b *Backend) Target() string         { return core.DefaultTarget }
func (b *Backend) Cleanup()               {}

// Build compiles every expression of the portable listing. The text of the
// source is not used.
func (b *Backend) Build(ctx context.Context, src gpu.Source) (gpu.Module, error) {
	if src.Portable == nil {
		err := gpu.NewCompileError(backendName, "Build", "source has no portable program", "", nil)
		gpu.RecordBuild(backendName, err)
		return nil, err
	}
	for _, name := range src.EntryPoints {
		if name != src.Portable.EntryPoint {
			err := gpu.NewCompileError(backendName, "Build", fmt.Sprintf("entry point %q not in program", name), "", nil)
			gpu.RecordBuild(backendName, err)
			return nil, err
		}
	}

	c, err := compile(src.Portable)
	gpu.RecordBuild(backendName, err)
	if err != nil {
		return nil, err
	}
	b.log.Debug("host module built",
		"entry", src.Portable.EntryPoint,
		"states", src.Portable.NumStates(),
		"params", src.Portable.NumRuntimeParams(),
		"auxiliaries", len(c.aux))
	return &module{backend: b, compiled: c}, nil
}

type module struct {
	backend  *Backend
	compiled *compiled
}

func (m *module) Kernel(name string) (gpu.Kernel, error) {
	if m.compiled == nil {
		return nil, gpu.NewCompileError(backendName, "Kernel", "module released", "", nil)
	}
	if name != m.compiled.program.EntryPoint {
		return nil, gpu.NewCompileError(backendName, "Kernel", fmt.Sprintf("no kernel named %q", name), "", nil)
	}
	return &kernel{backend: m.backend, compiled: m.compiled}, nil
}

func (m *module) Release() { m.compiled = nil }

type kernel struct {
	backend  *Backend
	compiled *compiled
}

func (k *kernel) Name() string { return k.compiled.program.EntryPoint }

func execErr(msg string, args ...any) error {
	return gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf(msg, args...), nil)
}

// Launch runs lanes [0, global) of dfun. Arguments follow the kernel
// signature: stride, state, param, input, deriv.
func (k *kernel) Launch(ctx context.Context, global int, args ...any) (err error) {
	start := time.Now()
	defer func() { gpu.RecordLaunch(backendName, k.Name(), start, err) }()

	if len(args) != 1+len(core.KernelArgs) {
		return execErr("dfun takes %d arguments, got %d", 1+len(core.KernelArgs), len(args))
	}
	var stride int
	switch s := args[0].(type) {
	case int32:
		stride = int(s)
	case int:
		stride = s
	default:
		return execErr("stride must be int32, got %T", args[0])
	}
	bufs := make([][]float32, len(core.KernelArgs))
	for i, name := range core.KernelArgs {
		hb, ok := args[i+1].(*buffer)
		if !ok {
			return execErr("%s must be a host buffer, got %T", name, args[i+1])
		}
		view, err := hb.floats()
		if err != nil {
			return err
		}
		bufs[i] = view
	}
	state, param, deriv := bufs[0], bufs[1], bufs[3]

	p := k.compiled.program
	switch {
	case global < 0:
		return execErr("negative global size %d", global)
	case global > stride:
		return execErr("global size %d exceeds stride %d", global, stride)
	case len(state) < p.NumStates()*stride:
		return execErr("state holds %d values, need %d", len(state), p.NumStates()*stride)
	case len(param) < p.NumRuntimeParams()*stride:
		return execErr("param holds %d values, need %d", len(param), p.NumRuntimeParams()*stride)
	case len(deriv) < p.NumStates()*stride:
		return execErr("deriv holds %d values, need %d", len(deriv), p.NumStates()*stride)
	}
	if global == 0 {
		return nil
	}

	workers := min(k.backend.workers, global)
	chunk := (global + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < global; lo += chunk {
		lo, hi := lo, min(lo+chunk, global)
		g.Go(func() error {
			return k.compiled.run(gctx, lo, hi, stride, state, param, deriv)
		})
	}
	if werr := g.Wait(); werr != nil {
		return gpu.NewExecutionError(backendName, "Launch", "lane evaluation failed", werr)
	}
	return nil
}
