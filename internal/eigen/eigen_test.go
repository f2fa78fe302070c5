package eigen

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type denseOperator struct {
	a     *mat.Dense
	calls int
}

func (d *denseOperator) Dims() int { r, _ := d.a.Dims(); return r }

func (d *denseOperator) ApplyTo(_ context.Context, x mat.Matrix) (*mat.Dense, error) {
	d.calls++
	var out mat.Dense
	out.Mul(d.a, x)
	return &out, nil
}

// plantedOperator builds Q·diag(values)·Qᵀ for a random orthonormal Q.
func plantedOperator(t *testing.T, n int, values []float64) (*denseOperator, *mat.Dense) {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	g := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			g.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(g)
	var q mat.Dense
	qr.QTo(&q)

	basis := q.Slice(0, n, 0, len(values))
	var scaled mat.Dense
	scaled.Apply(func(_, j int, v float64) float64 { return v * values[j] }, basis)
	var a mat.Dense
	a.Mul(&scaled, basis.T())
	return &denseOperator{a: &a}, mat.DenseCopyOf(basis)
}

func checkDecomposition(t *testing.T, op *denseOperator, d *Decomposition, want []float64) {
	t.Helper()
	require.Equal(t, len(want), d.Rank())
	assert.InDeltaSlice(t, want, d.Values, 1e-8)

	for j := 0; j < d.Rank(); j++ {
		col := mat.Col(nil, j, d.Vectors)
		assert.InDelta(t, 1.0, floats.Norm(col, 2), 1e-10)

		var av mat.VecDense
		av.MulVec(op.a, mat.NewVecDense(len(col), col))
		floats.Scale(d.Values[j], col)
		assert.InDeltaSlice(t, col, mat.Col(nil, 0, &av), 1e-8)
	}
}

func TestRandomizedRecoversLowRankSpectrum(t *testing.T) {
	values := []float64{9, 5, 2.5, 1}
	op, _ := plantedOperator(t, 40, values)

	d, err := Randomized(context.Background(), op, 4, Options{PowerIters: 2, Oversample: 6, Seed: 3})
	require.NoError(t, err)
	checkDecomposition(t, op, d, values)
	assert.InDelta(t, 1.0, d.Smallest(), 1e-8)
	// q sketch passes plus the Rayleigh quotient
	assert.Equal(t, 3, op.calls)
}

// With no power iterations the sketch must span the whole space to be exact.
func TestRandomizedWithoutPowerIterations(t *testing.T) {
	values := []float64{4, 3}
	op, _ := plantedOperator(t, 12, values)

	d, err := Randomized(context.Background(), op, 2, Options{PowerIters: 0, Oversample: 10, Seed: 9})
	require.NoError(t, err)
	checkDecomposition(t, op, d, values)
}

func TestExactMatchesPlantedSpectrum(t *testing.T) {
	values := []float64{6, 4, 3}
	op, basis := plantedOperator(t, 15, values)

	d, err := Exact(context.Background(), op, 3)
	require.NoError(t, err)
	checkDecomposition(t, op, d, values)

	for j := 0; j < 3; j++ {
		overlap := mat.Dot(d.Vectors.ColView(j), basis.ColView(j))
		assert.InDelta(t, 1.0, math.Abs(overlap), 1e-8)
	}
}

func TestRandomizedIsDeterministicForSeed(t *testing.T) {
	op, _ := plantedOperator(t, 20, []float64{3, 2, 1})
	opts := Options{PowerIters: 1, Oversample: 4, Seed: 77}

	a, err := Randomized(context.Background(), op, 3, opts)
	require.NoError(t, err)
	b, err := Randomized(context.Background(), op, 3, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Values, b.Values)
	assert.True(t, mat.Equal(a.Vectors, b.Vectors))
}

func TestSmallestExposesRankDeficiency(t *testing.T) {
	op, _ := plantedOperator(t, 10, []float64{5, 2})

	d, err := Exact(context.Background(), op, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d.Smallest(), 1e-10)
}

func TestInvalidRank(t *testing.T) {
	op, _ := plantedOperator(t, 5, []float64{1})
	for _, k := range []int{0, -1, 6} {
		_, err := Randomized(context.Background(), op, k, Options{})
		assert.ErrorIs(t, err, ErrInvalidRank)
		_, err = Exact(context.Background(), op, k)
		assert.ErrorIs(t, err, ErrInvalidRank)
	}
}
