package gpu_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odecl/core"
	"odecl/gpu"
	"odecl/gpu/host"
)

func fitzHughNagumo() core.ModelSpec {
	return core.ModelSpec{
		Name:       "fhn",
		Parameters: []string{"a", "b", "tau", "I"},
		Constants:  map[string]float64{"tau": 12.5},
		StateDerivatives: []core.Derivative{
			{State: "v", Expr: "v - v * v * v / 3.0f - w + I"},
			{State: "w", Expr: "(v + a - b * w) / tau"},
		},
	}
}

func generate(t *testing.T) *core.GeneratedKernel {
	t.Helper()
	k, err := core.Generate(fitzHughNagumo())
	require.NoError(t, err)
	return k
}

func TestDfunConfig_Shapes(t *testing.T) {
	cfg := gpu.DfunConfig(generate(t), 0)

	require.Len(t, cfg.Buffers, 4)
	want := map[string]string{
		"state": "(2, instances)",
		"param": "(3, instances)",
		"input": "(1, instances)",
		"deriv": "(2, instances)",
	}
	for _, decl := range cfg.Buffers {
		assert.Equal(t, want[decl.Name], decl.Shape.String(), decl.Name)
		assert.Equal(t, gpu.Float32, decl.DType)
	}
	assert.Equal(t, []string{"dfun"}, cfg.Source.EntryPoints)
	assert.Equal(t, core.TargetOpenCL, cfg.Source.Target)
}

func TestBind_Host(t *testing.T) {
	ctx := context.Background()
	b, err := gpu.Bind(ctx, host.New(), gpu.DfunConfig(generate(t), 2), map[string]int{gpu.InstancesDim: 5})
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, []string{"dfun"}, b.Kernels())
	assert.Equal(t, []string{"state", "param", "input", "deriv"}, b.Buffers())

	in, err := b.Buffer("input")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, in.Shape())
	assert.Equal(t, []int{5, 1}, in.Strides())

	_, err = b.Buffer("coupling")
	assert.Error(t, err)
	_, err = b.Kernel("coupling")
	assert.Error(t, err)

	b.Release()
	b.Release()
	assert.Empty(t, b.Buffers())
}

func TestBind_MissingRuntimeDim(t *testing.T) {
	_, err := gpu.Bind(context.Background(), host.New(), gpu.DfunConfig(generate(t), 0), nil)
	require.Error(t, err)
	assert.True(t, gpu.IsAllocationError(err))
	assert.ErrorIs(t, err, gpu.ErrUnresolvedDim)
}

func TestBind_DuplicateBuffer(t *testing.T) {
	cfg := gpu.DfunConfig(generate(t), 0)
	cfg.Buffers = append(cfg.Buffers, cfg.Buffers[0])
	_, err := gpu.Bind(context.Background(), host.New(), cfg, map[string]int{gpu.InstancesDim: 1})
	assert.True(t, gpu.IsAllocationError(err))
}

func TestBind_MissingEntryPoint(t *testing.T) {
	cfg := gpu.DfunConfig(generate(t), 0)
	cfg.Source.EntryPoints = []string{"dfun", "coupling"}
	_, err := gpu.Bind(context.Background(), host.New(), cfg, map[string]int{gpu.InstancesDim: 1})
	assert.True(t, gpu.IsCompileError(err))
}

// countingBackend wraps the host backend, fails the nth allocation and
// tracks live buffers.
type countingBackend struct {
	*host.Backend
	failAt int
	allocs int
	live   int
}

type countedBuffer struct {
	gpu.Buffer
	owner *countingBackend
}

func (c *countedBuffer) Release() {
	c.owner.live--
	c.Buffer.Release()
}

func (c *countingBackend) Alloc(ctx context.Context, name string, shape []int, dtype gpu.DType) (gpu.Buffer, error) {
	c.allocs++
	if c.allocs == c.failAt {
		return nil, gpu.NewAllocationError("counting", "Alloc", "out of memory", nil)
	}
	buf, err := c.Backend.Alloc(ctx, name, shape, dtype)
	if err != nil {
		return nil, err
	}
	c.live++
	return &countedBuffer{Buffer: buf, owner: c}, nil
}

func TestBind_ReleasesOnAllocationFailure(t *testing.T) {
	backend := &countingBackend{Backend: host.New(), failAt: 3}
	_, err := gpu.Bind(context.Background(), backend, gpu.DfunConfig(generate(t), 0), map[string]int{gpu.InstancesDim: 4})
	require.Error(t, err)
	assert.True(t, gpu.IsAllocationError(err))
	assert.Equal(t, 0, backend.live)
}

func TestDim_Resolve(t *testing.T) {
	dims := map[string]int{"n": 7, "bad": -1}

	n, err := gpu.Literal(3).Resolve(dims)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = gpu.RuntimeRef("n").Resolve(dims)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = gpu.RuntimeRef("missing").Resolve(dims)
	assert.ErrorIs(t, err, gpu.ErrUnresolvedDim)
	_, err = gpu.RuntimeRef("bad").Resolve(dims)
	assert.ErrorIs(t, err, gpu.ErrUnresolvedDim)
	_, err = gpu.Literal(-2).Resolve(dims)
	assert.ErrorIs(t, err, gpu.ErrUnresolvedDim)

	shape, err := gpu.Shape{gpu.Literal(2), gpu.RuntimeRef("n")}.Resolve(dims)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 7}, shape)
	assert.Equal(t, []int{7, 1}, gpu.RowMajorStrides(shape))
	assert.Equal(t, 14, gpu.NumElements(shape))
}

func TestParseDType(t *testing.T) {
	for _, s := range []string{"f", "float32", "F4"} {
		dt, err := gpu.ParseDType(s)
		require.NoError(t, err)
		assert.Equal(t, gpu.Float32, dt)
	}
	dt, err := gpu.ParseDType("i")
	require.NoError(t, err)
	assert.Equal(t, gpu.Int32, dt)
	_, err = gpu.ParseDType("complex64")
	assert.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	err := gpu.NewCompileError("host", "Build", "bad", "line 1: error", cause)
	assert.True(t, gpu.IsCompileError(err))
	assert.False(t, gpu.IsExecutionError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "line 1: error")

	kind, ok := gpu.KindOf(gpu.NewDeviceError("opencl", "New", "none", gpu.ErrUnavailable))
	assert.True(t, ok)
	assert.Equal(t, gpu.KindDevice, kind)

	_, ok = gpu.KindOf(cause)
	assert.False(t, ok)
}
