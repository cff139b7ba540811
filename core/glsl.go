package core

import (
	"fmt"
	"strings"
)

// GLSLLocalSize is the compute work group width declared by GLSL kernels.
// Dispatch ceil(lanes / GLSLLocalSize) groups.
const GLSLLocalSize = 64

// GLSLBindings maps each kernel argument to its shader storage binding.
// The input buffer is declared as "inputs" since input is reserved in GLSL.
var GLSLBindings = map[string]int{"state": 0, "param": 1, "input": 2, "deriv": 3}

var glslMembers = map[string]string{"state": "state", "param": "param", "input": "inputs", "deriv": "deriv"}

// glslMath maps the C math names and named constants used in expressions
// onto GLSL.
const glslMath = `#define fabs abs
#define fmax max
#define fmin min
#define atan2 atan
float fmod(float x, float y) { return x - y * trunc(x / y); }
float log10(float x) { return log(x) * 0.4342944819f; }
#define M_PI 3.141592653589793
#define M_PI_F 3.1415927f
#define M_E 2.718281828459045
#define M_E_F 2.7182817f
#define MAXFLOAT 3.4028235e+38f
#define INFINITY uintBitsToFloat(0x7F800000u)
#define NAN uintBitsToFloat(0x7FC00000u)
`

// GLSL renders an OpenGL 4.3 compute shader. The kernel arguments become
// std430 storage buffers and the stride a uniform; lanes bounds the last
// partial work group.
type GLSL struct{}

func (GLSL) Name() string { return TargetGLSL }

func (GLSL) Prelude() string {
	var b strings.Builder
	b.WriteString("#version 430 core\n\n")
	fmt.Fprintf(&b, "layout(local_size_x = %d) in;\n\n", GLSLLocalSize)
	for _, name := range KernelArgs {
		block := strings.ToUpper(name[:1]) + name[1:] + "Buffer"
		fmt.Fprintf(&b, "layout(std430, binding = %d) buffer %s { float %s[]; };\n", GLSLBindings[name], block, glslMembers[name])
	}
	b.WriteString("\nuniform int stride;\nuniform int lanes;\n\n")
	b.WriteString(glslMath)
	b.WriteString("\n")
	return b.String()
}

func (GLSL) Epilogue(entry string) string {
	return fmt.Sprintf("\nvoid main()\n{\n    %s();\n}\n", entry)
}

func (GLSL) Signature(entry string) string {
	return fmt.Sprintf("void %s()", entry)
}

func (GLSL) Statement(s Statement) ([]string, error) {
	if s.Op == OpLaneID {
		return []string{
			fmt.Sprintf("int %s = int(gl_GlobalInvocationID.x);", s.Name),
			fmt.Sprintf("if (%s >= lanes) return;", s.Name),
		}, nil
	}
	return commonStatement(s)
}

// glslReserved holds GLSL 4.30 keywords, words reserved for future use,
// built-in type names and the shader's own globals.
var glslReserved = func() map[string]bool {
	words := strings.Fields(`
		main lanes inputs dfun
		attribute const uniform varying buffer shared coherent volatile restrict
		readonly writeonly atomic_uint layout centroid flat smooth noperspective
		patch sample break continue do for while switch case default if else
		subroutine in out inout float double int void bool true false invariant
		precise discard return struct precision lowp mediump highp
		common partition active asm class union enum typedef template this
		resource goto inline noinline public static extern external interface
		long short half fixed unsigned superp input output filter sizeof cast
		namespace using
		uint abs min max mod atan trunc
		vec2 vec3 vec4 ivec2 ivec3 ivec4 uvec2 uvec3 uvec4 bvec2 bvec3 bvec4
		dvec2 dvec3 dvec4 hvec2 hvec3 hvec4 fvec2 fvec3 fvec4
		mat2 mat3 mat4 mat2x2 mat2x3 mat2x4 mat3x2 mat3x3 mat3x4 mat4x2 mat4x3 mat4x4
		dmat2 dmat3 dmat4 dmat2x2 dmat2x3 dmat2x4 dmat3x2 dmat3x3 dmat3x4
		dmat4x2 dmat4x3 dmat4x4
		sampler1D sampler2D sampler3D samplerCube sampler2DRect sampler1DArray
		sampler2DArray samplerCubeArray samplerBuffer sampler2DMS sampler2DMSArray
		sampler1DShadow sampler2DShadow samplerCubeShadow sampler2DRectShadow
		sampler1DArrayShadow sampler2DArrayShadow samplerCubeArrayShadow
		isampler1D isampler2D isampler3D isamplerCube usampler1D usampler2D
		usampler3D usamplerCube image1D image2D image3D imageCube imageBuffer
		iimage2D uimage2D sampler3DRect
	`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

// Reserves reports whether name is a GLSL keyword, a global of the shader
// or in the gl_ namespace. Identifiers containing "__" are reserved too.
func (GLSL) Reserves(name string) bool {
	return glslReserved[name] || strings.HasPrefix(name, "gl_") || strings.Contains(name, "__")
}

// checkReserved rejects names the dialect claims for itself. Validate has
// already accepted spec, so declaration order is parameters, states and
// then auxiliaries.
func checkReserved(spec *ModelSpec, d Dialect) error {
	r, ok := d.(Reserver)
	if !ok {
		return nil
	}
	for _, name := range spec.Parameters {
		if r.Reserves(name) {
			return configErr("parameters", name, ErrReservedName, "reserved in %s", d.Name())
		}
	}
	for _, dv := range spec.StateDerivatives {
		if r.Reserves(dv.State) {
			return configErr("derivatives", dv.State, ErrReservedName, "reserved in %s", d.Name())
		}
	}
	for _, a := range spec.Auxiliaries {
		if r.Reserves(a.Name) {
			return configErr("auxiliaries", a.Name, ErrReservedName, "reserved in %s", d.Name())
		}
	}
	return nil
}
