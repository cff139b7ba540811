package host

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odecl/core"
	"odecl/gpu"
)

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

// hmrReference evaluates the model in float64 for one lane
func hmrReference(x, y, z, I, e, x0 float64) [3]float64 {
	const a, b, c, d, s = 1.0, 3.0, -3.0, 5.0, 4.0
	x2 := x * x
	return [3]float64{
		y - a*x*x2 + b*x2 + I - z,
		c - d*x2 - y,
		e * (s*(x-x0) - z),
	}
}

type fixture struct {
	binding *gpu.Binding
	kernel  gpu.Kernel
	n       int
	state   []float32
	param   []float32
}

func newFixture(t *testing.T, b *Backend, spec core.ModelSpec, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	k, err := core.Generate(spec)
	require.NoError(t, err)

	bnd, err := gpu.Bind(ctx, b, gpu.DfunConfig(k, 0), map[string]int{gpu.InstancesDim: n})
	require.NoError(t, err)
	t.Cleanup(bnd.Release)

	kern, err := bnd.Kernel(core.EntryPoint)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	f := &fixture{binding: bnd, kernel: kern, n: n}
	f.state = make([]float32, k.Program.NumStates()*n)
	for i := range f.state {
		f.state[i] = float32(rng.Float64()*4 - 2)
	}
	f.param = make([]float32, max(k.Program.NumRuntimeParams(), 1)*n)
	for i := range f.param {
		f.param[i] = float32(rng.Float64())
	}
	require.NoError(t, gpu.Write(ctx, f.buffer(t, "state"), f.state))
	require.NoError(t, gpu.Write(ctx, f.buffer(t, "param"), f.param))
	return f
}

func (f *fixture) buffer(t *testing.T, name string) gpu.Buffer {
	t.Helper()
	buf, err := f.binding.Buffer(name)
	require.NoError(t, err)
	return buf
}

func (f *fixture) args(t *testing.T) []any {
	return []any{
		int32(f.n),
		f.buffer(t, "state"), f.buffer(t, "param"), f.buffer(t, "input"), f.buffer(t, "deriv"),
	}
}

func (f *fixture) derivs(t *testing.T) []float32 {
	t.Helper()
	out, err := gpu.Read[float32](context.Background(), f.buffer(t, "deriv"))
	require.NoError(t, err)
	return out
}

func TestLaunch_HindmarshRose(t *testing.T) {
	const n = 16
	f := newFixture(t, New(WithWorkers(4)), hindmarshRose(), n)
	require.NoError(t, f.kernel.Launch(context.Background(), n, f.args(t)...))

	got := f.derivs(t)
	want := make([]float64, 3*n)
	for id := 0; id < n; id++ {
		s := func(i int) float64 { return float64(f.state[i*n+id]) }
		p := func(i int) float64 { return float64(f.param[i*n+id]) }
		r := hmrReference(s(0), s(1), s(2), p(0), p(1), p(2))
		for i := range r {
			want[i*n+id] = r[i]
		}
	}
	gotF64 := make([]float64, len(got))
	for i, v := range got {
		gotF64[i] = float64(v)
	}
	assert.InDeltaSlice(t, want, gotF64, 1e-4)
}

func TestLaunch_WorkerCountDoesNotChangeResults(t *testing.T) {
	const n = 64
	one := newFixture(t, New(WithWorkers(1)), hindmarshRose(), n)
	many := newFixture(t, New(WithWorkers(7)), hindmarshRose(), n)

	require.NoError(t, one.kernel.Launch(context.Background(), n, one.args(t)...))
	require.NoError(t, many.kernel.Launch(context.Background(), n, many.args(t)...))
	assert.Equal(t, one.derivs(t), many.derivs(t))
}

func TestLaunch_PartialGlobalLeavesTailUntouched(t *testing.T) {
	const n = 16
	f := newFixture(t, New(), hindmarshRose(), n)
	require.NoError(t, f.kernel.Launch(context.Background(), 8, f.args(t)...))

	got := f.derivs(t)
	for row := 0; row < 3; row++ {
		for id := 8; id < n; id++ {
			assert.Zerof(t, got[row*n+id], "row %d lane %d", row, id)
		}
		for id := 0; id < 8; id++ {
			assert.NotZerof(t, got[row*n+id], "row %d lane %d", row, id)
		}
	}
}

func TestLaunch_ArgumentErrors(t *testing.T) {
	const n = 8
	f := newFixture(t, New(), hindmarshRose(), n)
	ctx := context.Background()
	args := f.args(t)

	tests := []struct {
		name   string
		global int
		args   []any
	}{
		{"too few arguments", n, args[:3]},
		{"stride not an int", n, append([]any{"8"}, args[1:]...)},
		{"buffer not from host", n, []any{int32(n), args[1], []float32{}, args[3], args[4]}},
		{"global exceeds stride", n + 1, args},
		{"negative global", -1, args},
		{"stride larger than buffers", n, append([]any{int32(2 * n)}, args[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.kernel.Launch(ctx, tt.global, tt.args...)
			require.Error(t, err)
			assert.True(t, gpu.IsExecutionError(err), "got %v", err)
		})
	}
}

func TestLaunch_Cancelled(t *testing.T) {
	const n = 8
	f := newFixture(t, New(), hindmarshRose(), n)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.kernel.Launch(ctx, n, f.args(t)...)
	require.Error(t, err)
	assert.True(t, gpu.IsExecutionError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLaunch_MathBuiltins(t *testing.T) {
	spec := core.ModelSpec{
		Parameters: []string{"k"},
		Auxiliaries: []core.Auxiliary{
			{Name: "r", Expr: "sqrt(fabs(u)) + pow(2.0f, k)"},
		},
		StateDerivatives: []core.Derivative{
			{State: "u", Expr: "fmax(r, 0.5f) - exp(0.0f) * fmod(7.0f, 4.0f)"},
		},
	}
	const n = 4
	f := newFixture(t, New(), spec, n)
	ctx := context.Background()
	require.NoError(t, gpu.Write(ctx, f.buffer(t, "state"), []float32{4, -9, 0, 1}))
	require.NoError(t, gpu.Write(ctx, f.buffer(t, "param"), []float32{0, 1, 2, 3}))
	require.NoError(t, f.kernel.Launch(ctx, n, f.args(t)...))

	// r = sqrt|u| + 2^k, du = max(r, 0.5) - 3
	assert.InDeltaSlice(t, []float32{0, 2, 1, 6}, f.derivs(t), 1e-6)
}

func TestLaunch_NamedConstants(t *testing.T) {
	spec := core.ModelSpec{
		StateDerivatives: []core.Derivative{
			{State: "u", Expr: "M_PI_F * u + M_E - fmin(u, MAXFLOAT)"},
		},
	}
	const n = 4
	f := newFixture(t, New(), spec, n)
	ctx := context.Background()
	state := []float32{0, 1, 2, 3}
	require.NoError(t, gpu.Write(ctx, f.buffer(t, "state"), state))
	require.NoError(t, f.kernel.Launch(ctx, n, f.args(t)...))

	want := make([]float32, n)
	for i, u := range state {
		want[i] = float32(float64(float32(math.Pi))*float64(u) + math.E - float64(u))
	}
	assert.InDeltaSlice(t, want, f.derivs(t), 1e-5)
}

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()
	b := New()

	t.Run("no portable program", func(t *testing.T) {
		_, err := b.Build(ctx, gpu.Source{Text: "__kernel void dfun() {}", EntryPoints: []string{"dfun"}})
		assert.True(t, gpu.IsCompileError(err), "got %v", err)
	})

	t.Run("unknown entry point", func(t *testing.T) {
		k, err := core.Generate(hindmarshRose())
		require.NoError(t, err)
		src := gpu.SourceOf(k)
		src.EntryPoints = []string{"coupling"}
		_, err = b.Build(ctx, src)
		assert.True(t, gpu.IsCompileError(err), "got %v", err)
	})

	t.Run("undefined name", func(t *testing.T) {
		p := &core.Program{
			EntryPoint:  core.EntryPoint,
			States:      []core.Statement{{Op: core.OpLoadState, Name: "x"}},
			Derivatives: []core.Statement{{Op: core.OpStoreDeriv, Name: "x", Expr: "x * missing"}},
		}
		_, err := b.Build(ctx, gpu.Source{EntryPoints: []string{core.EntryPoint}, Portable: p})
		require.Error(t, err)
		assert.True(t, gpu.IsCompileError(err), "got %v", err)
	})
}

func TestModule_Kernel(t *testing.T) {
	k, err := core.Generate(hindmarshRose())
	require.NoError(t, err)
	m, err := New().Build(context.Background(), gpu.SourceOf(k))
	require.NoError(t, err)

	kern, err := m.Kernel("dfun")
	require.NoError(t, err)
	assert.Equal(t, "dfun", kern.Name())

	_, err = m.Kernel("nope")
	assert.True(t, gpu.IsCompileError(err))

	m.Release()
	_, err = m.Kernel("dfun")
	assert.Error(t, err)
}

func TestBuffer_Transfers(t *testing.T) {
	ctx := context.Background()
	buf, err := New().Alloc(ctx, "grid", []int{2, 3}, gpu.Float32)
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, []int{2, 3}, buf.Shape())
	assert.Equal(t, []int{3, 1}, buf.Strides())
	assert.Equal(t, 6, buf.Len())

	data := []float32{1, 2, 3, 4, 5, 6}
	require.NoError(t, gpu.Write(ctx, buf, data))
	back, err := gpu.Read[float32](ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, data, back)

	m, err := gpu.Dense(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 6.0, m.At(1, 2))

	assert.Error(t, gpu.Write(ctx, buf, []float32{1, 2}))
	assert.Error(t, gpu.Write(ctx, buf, []int32{1, 2, 3, 4, 5, 6}))

	buf.Release()
	assert.Error(t, buf.WriteBytes(ctx, make([]byte, 24)))
	buf.Release()
}

func TestAlloc_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := New().Alloc(ctx, "bad", []int{-1, 4}, gpu.Float32)
	assert.True(t, gpu.IsAllocationError(err))
}

func TestDevice(t *testing.T) {
	d := New().Device()
	assert.Equal(t, gpu.DeviceTypeCPU, d.Type)
	assert.Positive(t, d.MaxComputeUnits)
}
