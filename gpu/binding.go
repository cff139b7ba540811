package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"odecl/core"
)

// InstancesDim names the runtime dimension holding the number of simulated
// instances, i.e. the dfun stride.
const InstancesDim = "instances"

// Config is the explicit description of what a Binding owns: the source to
// build, the entry points to extract and the arrays to allocate.
type Config struct {
	Source  Source
	Buffers []BufferDecl
}

// DfunConfig declares the four dfun buffers for a generated kernel, each
// [rows, instances] float32. A model without runtime parameters still gets a
// one row param buffer so every backend can allocate it.
func DfunConfig(k *core.GeneratedKernel, inputRows int) Config {
	states := k.Program.NumStates()
	params := max(k.Program.NumRuntimeParams(), 1)
	inputRows = max(inputRows, 1)
	n := RuntimeRef(InstancesDim)
	return Config{
		Source: SourceOf(k),
		Buffers: []BufferDecl{
			{Name: "state", Shape: Shape{Literal(states), n}, DType: Float32},
			{Name: "param", Shape: Shape{Literal(params), n}, DType: Float32},
			{Name: "input", Shape: Shape{Literal(inputRows), n}, DType: Float32},
			{Name: "deriv", Shape: Shape{Literal(states), n}, DType: Float32},
		},
	}
}

// Binding holds a built module, its kernels and its buffers
type Binding struct {
	backend Backend
	module  Module
	kernels map[string]Kernel
	buffers map[string]Buffer
	order   []string
}

// Bind builds cfg.Source on backend, extracts every entry point and
// allocates every declared buffer with dims substituted. Build failures are
// KindCompile errors; shape and allocation failures are KindAllocation.
// On error everything already acquired is released.
func Bind(ctx context.Context, backend Backend, cfg Config, dims map[string]int) (*Binding, error) {
	b := &Binding{
		backend: backend,
		kernels: make(map[string]Kernel),
		buffers: make(map[string]Buffer),
	}

	module, err := backend.Build(ctx, cfg.Source)
	if err != nil {
		return nil, err
	}
	b.module = module

	for _, name := range cfg.Source.EntryPoints {
		k, err := module.Kernel(name)
		if err != nil {
			b.Release()
			return nil, err
		}
		b.kernels[name] = k
	}

	for _, decl := range cfg.Buffers {
		if _, dup := b.buffers[decl.Name]; dup {
			b.Release()
			return nil, NewAllocationError(backend.Name(), "Bind", fmt.Sprintf("buffer %s declared twice", decl.Name), nil)
		}
		shape, err := decl.Shape.Resolve(dims)
		if err != nil {
			b.Release()
			return nil, NewAllocationError(backend.Name(), "Bind", fmt.Sprintf("buffer %s shape %s", decl.Name, decl.Shape), err)
		}
		buf, err := backend.Alloc(ctx, decl.Name, shape, decl.DType)
		if err != nil {
			b.Release()
			return nil, err
		}
		b.buffers[decl.Name] = buf
		b.order = append(b.order, decl.Name)
	}

	slog.Debug("binding ready",
		"backend", backend.Name(),
		"kernels", len(b.kernels),
		"buffers", len(b.buffers))
	return b, nil
}

// Backend returns the backend the binding was built on
func (b *Binding) Backend() Backend { return b.backend }

// Kernel returns the handle for an entry point
func (b *Binding) Kernel(name string) (Kernel, error) {
	k, ok := b.kernels[name]
	if !ok {
		return nil, fmt.Errorf("no kernel %q in binding", name)
	}
	return k, nil
}

// Buffer returns a declared buffer
func (b *Binding) Buffer(name string) (Buffer, error) {
	buf, ok := b.buffers[name]
	if !ok {
		return nil, fmt.Errorf("no buffer %q in binding", name)
	}
	return buf, nil
}

// Kernels lists the extracted entry points, sorted
func (b *Binding) Kernels() []string {
	names := make([]string, 0, len(b.kernels))
	for name := range b.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Buffers lists buffer names in declaration order
func (b *Binding) Buffers() []string {
	return append([]string(nil), b.order...)
}

// Release frees buffers and the module. Safe to call more than once.
func (b *Binding) Release() {
	for _, name := range b.order {
		b.buffers[name].Release()
	}
	b.order = nil
	b.buffers = map[string]Buffer{}
	b.kernels = map[string]Kernel{}
	if b.module != nil {
		b.module.Release()
		b.module = nil
	}
}
