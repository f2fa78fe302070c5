// Package eigen computes the top eigenpairs of a symmetric operator that is
// only available through matrix products.
package eigen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrInvalidRank   = errors.New("eigen: rank must be in [1, dim]")
	ErrNoConvergence = errors.New("eigen: factorization failed")
)

// Operator is a symmetric matrix of order Dims() that can only be applied.
type Operator interface {
	Dims() int
	ApplyTo(ctx context.Context, x mat.Matrix) (*mat.Dense, error)
}

// Options tunes the randomized solver.
type Options struct {
	// PowerIters is the number q of operator applications used to build the
	// range sketch. Larger values sharpen the subspace when the gap between
	// the k-th and (k+1)-th eigenvalue is small.
	PowerIters int
	// Oversample adds extra sketch columns beyond k.
	Oversample int
	Seed       uint64
}

// Decomposition holds eigenpairs in descending eigenvalue order. Column i of
// Vectors is the unit eigenvector for Values[i].
type Decomposition struct {
	Values  []float64
	Vectors *mat.Dense
}

// Rank is the number of retained eigenpairs.
func (d *Decomposition) Rank() int { return len(d.Values) }

// Smallest returns the smallest retained eigenvalue. Values near zero mean
// the operator has numerical rank below Rank().
func (d *Decomposition) Smallest() float64 {
	if len(d.Values) == 0 {
		return math.NaN()
	}
	return d.Values[len(d.Values)-1]
}

// Randomized approximates the top-k eigenpairs of op: a Gaussian sketch is
// pushed through op PowerIters times, orthonormalised, and the small
// Rayleigh quotient QᵀAQ is diagonalised exactly.
func Randomized(ctx context.Context, op Operator, k int, opts Options) (*Decomposition, error) {
	n := op.Dims()
	if k < 1 || k > n {
		return nil, fmt.Errorf("%w: k=%d dim=%d", ErrInvalidRank, k, n)
	}
	l := min(k+max(opts.Oversample, 0), n)

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)}
	y := mat.NewDense(n, l, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			y.Set(i, j, norm.Rand())
		}
	}

	for i := 0; i < opts.PowerIters; i++ {
		q, err := orthonormalize(y)
		if err != nil {
			return nil, err
		}
		if y, err = op.ApplyTo(ctx, q); err != nil {
			return nil, err
		}
	}
	q, err := orthonormalize(y)
	if err != nil {
		return nil, err
	}

	aq, err := op.ApplyTo(ctx, q)
	if err != nil {
		return nil, err
	}
	var b mat.Dense
	b.Mul(q.T(), aq)

	vals, z, err := symmetricEigen(&b, k)
	if err != nil {
		return nil, err
	}
	var vecs mat.Dense
	vecs.Mul(q, z)
	fixSigns(&vecs)
	return &Decomposition{Values: vals, Vectors: &vecs}, nil
}

// Exact materialises op with one application to the identity and
// diagonalises it densely.
func Exact(ctx context.Context, op Operator, k int) (*Decomposition, error) {
	n := op.Dims()
	if k < 1 || k > n {
		return nil, fmt.Errorf("%w: k=%d dim=%d", ErrInvalidRank, k, n)
	}
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	a, err := op.ApplyTo(ctx, mat.NewDiagDense(n, ones))
	if err != nil {
		return nil, err
	}
	vals, vecs, err := symmetricEigen(a, k)
	if err != nil {
		return nil, err
	}
	fixSigns(vecs)
	return &Decomposition{Values: vals, Vectors: vecs}, nil
}

// orthonormalize returns an orthonormal basis for the columns of y. Gonum
// has no thin QR, so the thin SVD's U factor is used instead.
func orthonormalize(y *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(y, mat.SVDThinU) {
		return nil, fmt.Errorf("%w: thin svd of sketch", ErrNoConvergence)
	}
	var u mat.Dense
	svd.UTo(&u)
	return &u, nil
}

// symmetricEigen symmetrises a, diagonalises it and returns its top-k
// eigenpairs in descending order.
func symmetricEigen(a *mat.Dense, k int) ([]float64, *mat.Dense, error) {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, nil, fmt.Errorf("%w: symmetric eigendecomposition", ErrNoConvergence)
	}
	all := es.Values(nil)
	var z mat.Dense
	es.VectorsTo(&z)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return all[order[i]] > all[order[j]] })

	vals := make([]float64, k)
	vecs := mat.NewDense(n, k, nil)
	for c := 0; c < k; c++ {
		vals[c] = all[order[c]]
		vecs.SetCol(c, mat.Col(nil, order[c], &z))
	}
	return vals, vecs, nil
}

// fixSigns flips each column so that its largest-magnitude entry is
// positive.
func fixSigns(v *mat.Dense) {
	r, c := v.Dims()
	for j := 0; j < c; j++ {
		best, bi := 0.0, 0
		for i := 0; i < r; i++ {
			if a := math.Abs(v.At(i, j)); a > best {
				best, bi = a, i
			}
		}
		if v.At(bi, j) < 0 {
			for i := 0; i < r; i++ {
				v.Set(i, j, -v.At(i, j))
			}
		}
	}
}
