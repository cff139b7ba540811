//go:build linux || darwin

package opencl

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odecl/core"
	"odecl/gpu"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(WithDevice("any"))
	if errors.Is(err, gpu.ErrUnavailable) {
		t.Skipf("OpenCL not available: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(b.Cleanup)
	return b
}

func lorenz() core.ModelSpec {
	return core.ModelSpec{
		Name:       "lorenz",
		Parameters: []string{"sigma", "rho", "beta"},
		Constants:  map[string]float64{"sigma": 10, "beta": 8.0 / 3.0},
		StateDerivatives: []core.Derivative{
			{State: "x", Expr: "sigma * (y - x)"},
			{State: "y", Expr: "x * (rho - z) - y"},
			{State: "z", Expr: "x * y - beta * z"},
		},
	}
}

func TestOpenCL_Lorenz(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	const n = 32

	k, err := core.Generate(lorenz())
	require.NoError(t, err)
	bnd, err := gpu.Bind(ctx, b, gpu.DfunConfig(k, 0), map[string]int{gpu.InstancesDim: n})
	require.NoError(t, err)
	defer bnd.Release()

	state := make([]float32, 3*n)
	param := make([]float32, n)
	for i := 0; i < n; i++ {
		state[i], state[n+i], state[2*n+i] = float32(i), 1, 2
		param[i] = 28
	}
	st, _ := bnd.Buffer("state")
	pa, _ := bnd.Buffer("param")
	in, _ := bnd.Buffer("input")
	de, _ := bnd.Buffer("deriv")
	require.NoError(t, gpu.Write(ctx, st, state))
	require.NoError(t, gpu.Write(ctx, pa, param))

	kern, err := bnd.Kernel(core.EntryPoint)
	require.NoError(t, err)
	require.NoError(t, kern.Launch(ctx, n, int32(n), st, pa, in, de))

	got, err := gpu.Read[float32](ctx, de)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		x, y, z := float64(i), 1.0, 2.0
		assert.InDelta(t, 10*(y-x), got[i], 1e-3)
		assert.InDelta(t, x*(28-z)-y, got[n+i], 1e-3)
		assert.InDelta(t, x*y-8.0/3.0*z, got[2*n+i], 1e-3)
	}
}

func hindmarshRose() core.ModelSpec {
	return core.ModelSpec{
		Name:       "hmr",
		Parameters: []string{"a", "b", "I", "c", "d", "e", "s", "x0"},
		Constants:  map[string]float64{"a": 1.0, "b": 3.0, "c": -3.0, "d": 5.0, "s": 4.0},
		Auxiliaries: []core.Auxiliary{
			{Name: "x2", Expr: "x * x"},
		},
		StateDerivatives: []core.Derivative{
			{State: "x", Expr: "y - a * x * x2 + b * x2 + I - z"},
			{State: "y", Expr: "c - d * x2 - y"},
			{State: "z", Expr: "e * (s * (x - x0) - z)"},
		},
	}
}

func TestOpenCL_HindmarshRose(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	const n = 16

	k, err := core.Generate(hindmarshRose())
	require.NoError(t, err)
	bnd, err := gpu.Bind(ctx, b, gpu.DfunConfig(k, 1), map[string]int{gpu.InstancesDim: n})
	require.NoError(t, err)
	defer bnd.Release()

	rng := rand.New(rand.NewSource(42))
	state := make([]float32, 3*n)
	param := make([]float32, 3*n)
	for i := range state {
		state[i] = rng.Float32()
	}
	for i := range param {
		param[i] = rng.Float32()
	}
	st, _ := bnd.Buffer("state")
	pa, _ := bnd.Buffer("param")
	in, _ := bnd.Buffer("input")
	de, _ := bnd.Buffer("deriv")
	require.NoError(t, gpu.Write(ctx, st, state))
	require.NoError(t, gpu.Write(ctx, pa, param))

	kern, err := bnd.Kernel(core.EntryPoint)
	require.NoError(t, err)
	require.NoError(t, kern.Launch(ctx, n, int32(n), st, pa, in, de))

	got, err := gpu.Read[float32](ctx, de)
	require.NoError(t, err)

	const a, bb, c, d, s = 1.0, 3.0, -3.0, 5.0, 4.0
	want := make([]float64, 3*n)
	for id := 0; id < n; id++ {
		x, y, z := float64(state[id]), float64(state[n+id]), float64(state[2*n+id])
		I, e, x0 := float64(param[id]), float64(param[n+id]), float64(param[2*n+id])
		x2 := x * x
		want[id] = y - a*x*x2 + bb*x2 + I - z
		want[n+id] = c - d*x2 - y
		want[2*n+id] = e * (s*(x-x0) - z)
	}
	gotf := make([]float64, len(got))
	for i, v := range got {
		gotf[i] = float64(v)
	}
	assert.InDeltaSlice(t, want, gotf, 1e-5)
}

func TestOpenCL_CompileErrorCarriesLog(t *testing.T) {
	b := newBackend(t)
	_, err := b.Build(context.Background(), gpu.Source{
		Target:      core.TargetOpenCL,
		Text:        "__kernel void dfun(int stride) { undefined_call(); }",
		EntryPoints: []string{"dfun"},
	})
	require.Error(t, err)
	assert.True(t, gpu.IsCompileError(err))
	var ge *gpu.Error
	require.ErrorAs(t, err, &ge)
	assert.NotEmpty(t, ge.Log)
}

func TestOpenCL_RejectsOtherDialects(t *testing.T) {
	b := newBackend(t)
	k, err := core.Generate(lorenz(), core.WithTarget(core.TargetCUDA))
	require.NoError(t, err)
	_, err = b.Build(context.Background(), gpu.SourceOf(k))
	assert.True(t, gpu.IsCompileError(err))
}

func TestPlatforms(t *testing.T) {
	ps, err := Platforms()
	if errors.Is(err, gpu.ErrUnavailable) {
		t.Skipf("OpenCL not available: %v", err)
	}
	require.NoError(t, err)
	assert.NotEmpty(t, ps)
}

func TestStatusError(t *testing.T) {
	assert.Equal(t, "CL_BUILD_PROGRAM_FAILURE (-11)", clBuildProgramFailure.Error())
	assert.Equal(t, "CL_ERROR(-9999)", clStatus(-9999).Error())
	assert.NoError(t, clSuccess.err())
}
