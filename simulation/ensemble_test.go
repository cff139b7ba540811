package simulation

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"odecl/core"
	"odecl/gpu/host"
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

func newEnsemble(t *testing.T, spec core.ModelSpec, n int) *Ensemble {
	t.Helper()
	k, err := core.Generate(spec)
	require.NoError(t, err)
	e, err := New(context.Background(), host.New(), k, Options{Instances: n})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func random(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()
	}
	return out
}

func row(data []float32, i, n int) *mat.VecDense {
	v := mat.NewVecDense(n, nil)
	for j := 0; j < n; j++ {
		v.SetVec(j, float64(data[i*n+j]))
	}
	return v
}

// hmrReference evaluates Hindmarsh-Rose for every instance with gonum
// vector arithmetic.
func hmrReference(state, param []float32, n int) *mat.Dense {
	const a, b, c, d, s = 1.0, 3.0, -3.0, 5.0, 4.0
	x, y, z := row(state, 0, n), row(state, 1, n), row(state, 2, n)
	I, e, x0 := row(param, 0, n), row(param, 1, n), row(param, 2, n)

	var x2, x3, dx, dy, dz, tmp mat.VecDense
	x2.MulElemVec(x, x)
	x3.MulElemVec(x, &x2)

	// dx = y - a*x3 + b*x2 + I - z
	dx.AddScaledVec(y, -a, &x3)
	dx.AddScaledVec(&dx, b, &x2)
	dx.AddVec(&dx, I)
	dx.SubVec(&dx, z)

	// dy = c - d*x2 - y
	dy.ScaleVec(-d, &x2)
	dy.SubVec(&dy, y)
	for i := 0; i < n; i++ {
		dy.SetVec(i, dy.AtVec(i)+c)
	}

	// dz = e * (s*(x - x0) - z)
	tmp.SubVec(x, x0)
	tmp.ScaleVec(s, &tmp)
	tmp.SubVec(&tmp, z)
	dz.MulElemVec(e, &tmp)

	out := mat.NewDense(3, n, nil)
	out.SetRow(0, dx.RawVector().Data)
	out.SetRow(1, dy.RawVector().Data)
	out.SetRow(2, dz.RawVector().Data)
	return out
}

func TestEnsemble_HindmarshRoseMatchesReference(t *testing.T) {
	const n = 16
	ctx := context.Background()
	ens := newEnsemble(t, hindmarshRose(), n)

	rng := rand.New(rand.NewSource(42))
	state, param := random(rng, 3*n), random(rng, 3*n)
	require.NoError(t, ens.SetState(ctx, state))
	require.NoError(t, ens.SetParams(ctx, param))

	got, err := ens.DerivativeMatrix(ctx)
	require.NoError(t, err)
	want := hmrReference(state, param, n)

	r, c := got.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, n, c)
	for i := 0; i < 3; i++ {
		assert.InDeltaSlicef(t, want.RawRowView(i), got.RawRowView(i), 1e-5, "state row %d", i)
	}
}

func TestEnsemble_LaneIndependence(t *testing.T) {
	const n = 16
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	state, param := random(rng, 3*n), random(rng, 3*n)
	perm := rng.Perm(n)

	permute := func(data []float32) []float32 {
		out := make([]float32, len(data))
		for r := 0; r < len(data)/n; r++ {
			for j, src := range perm {
				out[r*n+j] = data[r*n+src]
			}
		}
		return out
	}

	plain := newEnsemble(t, hindmarshRose(), n)
	require.NoError(t, plain.SetState(ctx, state))
	require.NoError(t, plain.SetParams(ctx, param))
	base, err := plain.Derivatives(ctx)
	require.NoError(t, err)

	shuffled := newEnsemble(t, hindmarshRose(), n)
	require.NoError(t, shuffled.SetState(ctx, permute(state)))
	require.NoError(t, shuffled.SetParams(ctx, permute(param)))
	got, err := shuffled.Derivatives(ctx)
	require.NoError(t, err)

	assert.Equal(t, permute(base), got)
}

func TestEnsemble_Idempotent(t *testing.T) {
	const n = 16
	ctx := context.Background()
	ens := newEnsemble(t, hindmarshRose(), n)
	rng := rand.New(rand.NewSource(9))
	require.NoError(t, ens.SetState(ctx, random(rng, 3*n)))
	require.NoError(t, ens.SetParams(ctx, random(rng, 3*n)))

	first, err := ens.Derivatives(ctx)
	require.NoError(t, err)
	second, err := ens.Derivatives(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnsemble_NoAuxiliariesNoParams(t *testing.T) {
	spec := core.ModelSpec{
		Parameters: []string{"k"},
		Constants:  map[string]float64{"k": 0.5},
		StateDerivatives: []core.Derivative{
			{State: "u", Expr: "-k * u"},
		},
	}
	ctx := context.Background()
	ens := newEnsemble(t, spec, 4)
	require.NoError(t, ens.SetParams(ctx, nil))
	require.NoError(t, ens.SetState(ctx, []float32{2, 4, -8, 0}))

	got, err := ens.Derivatives(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -2, 4, 0}, got)
}

func TestEnsemble_SizeErrors(t *testing.T) {
	ctx := context.Background()
	ens := newEnsemble(t, hindmarshRose(), 4)

	assert.Error(t, ens.SetState(ctx, make([]float32, 11)))
	assert.Error(t, ens.SetParams(ctx, make([]float32, 4)))
	assert.Error(t, ens.SetInput(ctx, make([]float32, 3)))
	assert.NoError(t, ens.SetInput(ctx, make([]float32, 4)))

	k, err := core.Generate(hindmarshRose())
	require.NoError(t, err)
	_, err = New(ctx, host.New(), k, Options{Instances: 0})
	assert.Error(t, err)
}
