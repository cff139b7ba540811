package glcompute

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odecl/core"
	"odecl/gpu"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New()
	if errors.Is(err, gpu.ErrUnavailable) {
		t.Skipf("GL compute not available: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(b.Cleanup)
	return b
}

func TestNew_UnavailableIsDeviceError(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Skip("GL compute available")
	}
	assert.True(t, gpu.IsDeviceError(err))
	assert.ErrorIs(t, err, gpu.ErrUnavailable)
}

func TestGL_FitzHughNagumo(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	// not a multiple of the work group width, so the lane guard matters
	const n = 100

	spec := core.ModelSpec{
		Parameters: []string{"a", "b", "tau", "I"},
		Constants:  map[string]float64{"tau": 12.5},
		StateDerivatives: []core.Derivative{
			{State: "v", Expr: "v - v * v * v / 3 - w + I"},
			{State: "w", Expr: "(v + a - b * w) / tau"},
		},
	}
	k, err := core.Generate(spec, core.WithTarget(b.Target()))
	require.NoError(t, err)

	bnd, err := gpu.Bind(ctx, b, gpu.DfunConfig(k, 0), map[string]int{gpu.InstancesDim: n})
	require.NoError(t, err)
	defer bnd.Release()

	state := make([]float32, 2*n)
	param := make([]float32, 3*n)
	for i := 0; i < n; i++ {
		state[i], state[n+i] = float32(i)/50-1, 0.5
		param[i], param[n+i], param[2*n+i] = 0.7, 0.8, 0.3
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
		v, w := float64(state[i]), 0.5
		assert.InDelta(t, v-v*v*v/3-w+0.3, got[i], 1e-4)
		assert.InDelta(t, (v+0.7-0.8*w)/12.5, got[n+i], 1e-4)
	}
}

func TestGL_RejectsOtherDialects(t *testing.T) {
	b := newBackend(t)
	k, err := core.Generate(core.ModelSpec{StateDerivatives: []core.Derivative{{State: "x", Expr: "-x"}}})
	require.NoError(t, err)

	_, err = b.Build(context.Background(), gpu.SourceOf(k))
	assert.True(t, gpu.IsCompileError(err))
}

func TestGL_CompileErrorCarriesLog(t *testing.T) {
	b := newBackend(t)
	src := gpu.Source{
		Target:      core.TargetGLSL,
		Text:        "#version 430 core\nlayout(local_size_x = 64) in;\nvoid main() { undeclared = 1; }\n",
		EntryPoints: []string{"dfun"},
	}
	_, err := b.Build(context.Background(), src)
	require.Error(t, err)
	var ge *gpu.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gpu.KindCompile, ge.Kind)
	assert.NotEmpty(t, ge.Log)
}
