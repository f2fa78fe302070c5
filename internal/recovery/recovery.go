// Package recovery maps a decomposed whitened tensor back to LDA parameters.
package recovery

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/knirvcorp/spectrallda/internal/tensor"
)

var ErrZeroWeight = errors.New("recovery: tensor weight must be positive")

// Unwhitener lifts a whitened direction back into vocabulary space.
type Unwhitener interface {
	Unwhiten(v []float64) []float64
}

// Result holds the topic-word matrix and the Dirichlet prior.
type Result struct {
	// Beta is V×k; every column lies on the probability simplex.
	Beta  *mat.Dense
	Alpha []float64
	// Degenerate lists topics whose lifted column had no positive mass
	// and were replaced with the uniform distribution.
	Degenerate []int
}

// Recover computes βᵢ = normalize(clip₊((α0+2)/2·λᵢ·U·Λ^{1/2}·vᵢ)) and
// αᵢ ∝ 1/λᵢ², the latter rescaled so that Σα = alpha0.
func Recover(dec *tensor.Decomposition, wh Unwhitener, alpha0 float64) (*Result, error) {
	k := len(dec.Weights)
	for i, l := range dec.Weights {
		if !(l > 0) {
			return nil, fmt.Errorf("%w: component %d has weight %g", ErrZeroWeight, i, l)
		}
	}

	var (
		beta  *mat.Dense
		alpha = make([]float64, k)
		res   = &Result{Alpha: alpha}
		v     = make([]float64, k)
	)
	scale := 4 * alpha0 * (alpha0 + 1) / ((alpha0 + 2) * (alpha0 + 2))
	for i, l := range dec.Weights {
		mat.Col(v, i, dec.Vectors)
		col := wh.Unwhiten(v)
		if beta == nil {
			beta = mat.NewDense(len(col), k, nil)
		}
		floats.Scale((alpha0+2)/2*l, col)
		for j, x := range col {
			if x < 0 || math.IsNaN(x) {
				col[j] = 0
			}
		}
		sum := floats.Sum(col)
		if sum > 0 {
			floats.Scale(1/sum, col)
		} else {
			for j := range col {
				col[j] = 1 / float64(len(col))
			}
			res.Degenerate = append(res.Degenerate, i)
		}
		beta.SetCol(i, col)
		alpha[i] = scale / (l * l)
	}
	if s := floats.Sum(alpha); s > 0 {
		floats.Scale(alpha0/s, alpha)
	}
	res.Beta = beta
	return res, nil
}
