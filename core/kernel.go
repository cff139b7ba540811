package core

import (
	"fmt"
	"strings"
)

// GeneratedKernel is the immutable output of generation: kernel source plus
// the entry points it exposes. Program is the target-neutral listing the
// source was rendered from.
type GeneratedKernel struct {
	Target      string
	Source      string
	EntryPoints []string
	Program     *Program
}

type genOptions struct {
	target string
}

// Option configures Generate
type Option func(*genOptions)

// WithTarget selects the kernel language ("opencl", "cuda" or "glsl")
func WithTarget(target string) Option {
	return func(o *genOptions) { o.target = target }
}

// Generate validates spec and emits the dfun kernel for it. Identical input
// always yields byte-identical source. Nothing is emitted for an invalid spec.
func Generate(spec ModelSpec, opts ...Option) (*GeneratedKernel, error) {
	o := genOptions{target: DefaultTarget}
	for _, opt := range opts {
		opt(&o)
	}
	dialect, err := LookupDialect(o.target)
	if err != nil {
		return nil, err
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	if err := checkReserved(&spec, dialect); err != nil {
		return nil, err
	}

	program := BuildProgram(&spec)
	src, err := Render(program, dialect)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(src, " "+program.EntryPoint+"(") {
		return nil, &GenerationError{Op: "assemble", Detail: fmt.Sprintf("entry point %s missing from source", program.EntryPoint)}
	}

	return &GeneratedKernel{
		Target:      dialect.Name(),
		Source:      src,
		EntryPoints: []string{program.EntryPoint},
		Program:     program,
	}, nil
}
