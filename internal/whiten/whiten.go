// Package whiten maps the dominant eigenspace of M2 onto an orthonormal
// k-dimensional frame and back.
package whiten

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/knirvcorp/spectrallda/internal/eigen"
	"github.com/knirvcorp/spectrallda/internal/tensor"
)

// NonPositiveEigenvalueError reports a retained eigenvalue of M2 that is not
// strictly positive; whitening with it is undefined.
type NonPositiveEigenvalueError struct {
	Index int
	Value float64
}

func (e *NonPositiveEigenvalueError) Error() string {
	return fmt.Sprintf("whiten: eigenvalue %d is %g, must be positive; reduce k or regularise M2", e.Index, e.Value)
}

// Contractor is the M3 capability the whitener needs: contraction of the
// third moment with a V×k matrix along all three modes.
type Contractor interface {
	Contract(ctx context.Context, w mat.Matrix) (*mat.Dense, error)
}

// Whitener holds W = U·Λ^{-1/2} and its left inverse U·Λ^{1/2}.
type Whitener struct {
	w      *mat.Dense
	unwhit *mat.Dense
	values []float64
}

func New(d *eigen.Decomposition) (*Whitener, error) {
	v, k := d.Vectors.Dims()
	for i, l := range d.Values {
		if !(l > 0) {
			return nil, &NonPositiveEigenvalueError{Index: i, Value: l}
		}
	}

	w := mat.NewDense(v, k, nil)
	unwhit := mat.NewDense(v, k, nil)
	for j := 0; j < k; j++ {
		s := math.Sqrt(d.Values[j])
		for i := 0; i < v; i++ {
			u := d.Vectors.At(i, j)
			w.Set(i, j, u/s)
			unwhit.Set(i, j, u*s)
		}
	}
	return &Whitener{w: w, unwhit: unwhit, values: append([]float64(nil), d.Values...)}, nil
}

// Dims returns the vocabulary size and the whitened dimension.
func (wh *Whitener) Dims() (v, k int) { return wh.w.Dims() }

// Matrix returns W. Callers must not modify it.
func (wh *Whitener) Matrix() *mat.Dense { return wh.w }

// Whiten3 returns M3(W, W, W) as a symmetric k×k×k tensor. Sampling noise
// leaves the estimate slightly asymmetric, so it is symmetrised.
func (wh *Whitener) Whiten3(ctx context.Context, m3 Contractor) (*tensor.Symmetric, error) {
	u, err := m3.Contract(ctx, wh.w)
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromUnfolded(u)
	if err != nil {
		return nil, err
	}
	t.Symmetrize()
	return t, nil
}

// Project returns Wᵀx.
func (wh *Whitener) Project(x []float64) []float64 {
	var out mat.VecDense
	out.MulVec(wh.w.T(), mat.NewVecDense(len(x), x))
	return mat.Col(nil, 0, &out)
}

// Unwhiten returns U·Λ^{1/2}·v, the inverse of Project on span(U).
func (wh *Whitener) Unwhiten(v []float64) []float64 {
	var out mat.VecDense
	out.MulVec(wh.unwhit, mat.NewVecDense(len(v), v))
	return mat.Col(nil, 0, &out)
}
