package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const indent = "    "

// Dialect formats statements for one kernel language
type Dialect interface {
	Name() string
	Signature(entry string) string
	// Statement returns the source lines for s, without indentation.
	Statement(s Statement) ([]string, error)
}

// Framer is implemented by dialects that need text around the entry point,
// such as a shader header or a main function.
type Framer interface {
	Prelude() string
	Epilogue(entry string) string
}

// Reserver is implemented by dialects with identifiers of their own that
// model names must not shadow.
type Reserver interface {
	Reserves(name string) bool
}

// KernelArgs is the fixed dfun argument order after the int stride
var KernelArgs = []string{"state", "param", "input", "deriv"}

var dialects = map[string]Dialect{
	TargetOpenCL: OpenCL{},
	TargetCUDA:   CUDA{},
	TargetGLSL:   GLSL{},
}

// Registered target names
const (
	TargetOpenCL = "opencl"
	TargetCUDA   = "cuda"
	TargetGLSL   = "glsl"
)

// DefaultTarget is used when no target is requested
const DefaultTarget = TargetOpenCL

// LookupDialect returns the formatter registered for target
func LookupDialect(target string) (Dialect, error) {
	if target == "" {
		target = DefaultTarget
	}
	d, ok := dialects[strings.ToLower(target)]
	if !ok {
		return nil, configErr("target", target, ErrUnknownTarget, "known targets: %s", strings.Join(Targets(), ", "))
	}
	return d, nil
}

// Targets lists the registered dialect names
func Targets() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FormatFloat renders v as a single precision C literal that keeps its
// shortest round-trip digits. Negative values are parenthesised so that a
// macro expansion such as x-c stays well formed.
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	s += "f"
	if strings.HasPrefix(s, "-") {
		s = "(" + s + ")"
	}
	return s
}

// commonStatement covers the statements whose syntax is shared by C-family
// dialects; everything except the lane index.
func commonStatement(s Statement) ([]string, error) {
	switch s.Op {
	case OpDefine:
		return []string{fmt.Sprintf("#define %s %s", s.Name, FormatFloat(s.Value))}, nil
	case OpLoadParam:
		return []string{fmt.Sprintf("float %s = param[%d * stride + id];", s.Name, s.Offset)}, nil
	case OpLoadState:
		return []string{fmt.Sprintf("float %s = state[%d * stride + id];", s.Name, s.Offset)}, nil
	case OpAux:
		return []string{fmt.Sprintf("float %s = %s;", s.Name, s.Expr)}, nil
	case OpStoreDeriv:
		return []string{fmt.Sprintf("deriv[%d * stride + id] = %s;", s.Offset, s.Expr)}, nil
	}
	return nil, &GenerationError{Op: "render", Detail: fmt.Sprintf("no syntax for statement %s", s.Op)}
}

// OpenCL renders OpenCL C
type OpenCL struct{}

func (OpenCL) Name() string { return TargetOpenCL }

func (OpenCL) Signature(entry string) string {
	args := []string{"int stride"}
	for _, name := range KernelArgs {
		args = append(args, "__global float *"+name)
	}
	return fmt.Sprintf("__kernel void %s(%s)", entry, strings.Join(args, ", "))
}

func (OpenCL) Statement(s Statement) ([]string, error) {
	if s.Op == OpLaneID {
		return []string{fmt.Sprintf("int %s = get_global_id(0);", s.Name)}, nil
	}
	return commonStatement(s)
}

// CUDA renders CUDA C. The lane guard lets callers round the grid up to a
// whole number of blocks.
type CUDA struct{}

func (CUDA) Name() string { return TargetCUDA }

func (CUDA) Signature(entry string) string {
	args := []string{"int stride"}
	for _, name := range KernelArgs {
		args = append(args, "float *"+name)
	}
	return fmt.Sprintf(`extern "C" __global__ void %s(%s)`, entry, strings.Join(args, ", "))
}

func (CUDA) Statement(s Statement) ([]string, error) {
	if s.Op == OpLaneID {
		return []string{
			fmt.Sprintf("int %s = blockIdx.x * blockDim.x + threadIdx.x;", s.Name),
			fmt.Sprintf("if (%s >= stride) return;", s.Name),
		}, nil
	}
	return commonStatement(s)
}

// Render assembles the full kernel source: signature, lane statement and the
// four body blocks separated by blank lines.
func Render(p *Program, d Dialect) (string, error) {
	var b strings.Builder
	framer, framed := d.(Framer)
	if framed {
		b.WriteString(framer.Prelude())
	}
	b.WriteString(d.Signature(p.EntryPoint))
	b.WriteString("\n{\n")

	lane, err := d.Statement(p.Lane)
	if err != nil {
		return "", err
	}
	writeLines(&b, lane)

	for _, block := range p.Blocks() {
		b.WriteString("\n")
		for _, s := range block {
			lines, err := d.Statement(s)
			if err != nil {
				return "", err
			}
			writeLines(&b, lines)
		}
	}
	b.WriteString("}\n")
	if framed {
		b.WriteString(framer.Epilogue(p.EntryPoint))
	}
	return b.String(), nil
}

func writeLines(b *strings.Builder, lines []string) {
	for _, line := range lines {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
