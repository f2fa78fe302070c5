package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrShape = errors.New("tensor: unfolded matrix must be k×k²")

// Symmetric is a k×k×k tensor stored unfolded as a k×k² matrix: T[a,b,c]
// lives at row a, column b+c·k, so column block c is the slab T[:,:,c].
type Symmetric struct {
	k    int
	data *mat.Dense
}

func NewSymmetric(k int) *Symmetric {
	return &Symmetric{k: k, data: mat.NewDense(k, k*k, nil)}
}

// FromUnfolded wraps a copy of a k×k² matrix.
func FromUnfolded(u mat.Matrix) (*Symmetric, error) {
	r, c := u.Dims()
	if c != r*r {
		return nil, fmt.Errorf("%w: got %d×%d", ErrShape, r, c)
	}
	return &Symmetric{k: r, data: mat.DenseCopyOf(u)}, nil
}

// FromRankOne returns Σ weights[i]·vᵢ⊗vᵢ⊗vᵢ where vᵢ is column i of vectors.
func FromRankOne(weights []float64, vectors mat.Matrix) *Symmetric {
	k, _ := vectors.Dims()
	t := NewSymmetric(k)
	for i, w := range weights {
		t.AddRankOne(w, mat.Col(nil, i, vectors))
	}
	return t
}

func (t *Symmetric) Dim() int { return t.k }

func (t *Symmetric) At(a, b, c int) float64 {
	return t.data.At(a, b+c*t.k)
}

// Set assigns v to every permutation of (a, b, c).
func (t *Symmetric) Set(a, b, c int, v float64) {
	for _, p := range [][3]int{{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a}} {
		t.data.Set(p[0], p[1]+p[2]*t.k, v)
	}
}

// Unfolded returns the underlying k×k² matrix. Callers must not modify it.
func (t *Symmetric) Unfolded() *mat.Dense { return t.data }

func (t *Symmetric) Clone() *Symmetric {
	return &Symmetric{k: t.k, data: mat.DenseCopyOf(t.data)}
}

// Symmetrize replaces every entry by the mean over its index permutations.
func (t *Symmetric) Symmetrize() {
	k := t.k
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			for c := b; c < k; c++ {
				s := t.At(a, b, c) + t.At(a, c, b) + t.At(b, a, c) + t.At(b, c, a) + t.At(c, a, b) + t.At(c, b, a)
				t.Set(a, b, c, s/6)
			}
		}
	}
}

// IsSymmetric reports whether all permutations agree within tol.
func (t *Symmetric) IsSymmetric(tol float64) bool {
	k := t.k
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			for c := 0; c < k; c++ {
				v := t.At(a, b, c)
				if math.Abs(v-t.At(b, a, c)) > tol || math.Abs(v-t.At(a, c, b)) > tol || math.Abs(v-t.At(c, b, a)) > tol {
					return false
				}
			}
		}
	}
	return true
}

// Contract returns T(I, v, v).
func (t *Symmetric) Contract(v []float64) []float64 {
	k := t.k
	out := make([]float64, k)
	for c := 0; c < k; c++ {
		for b := 0; b < k; b++ {
			f := v[b] * v[c]
			if f == 0 {
				continue
			}
			col := b + c*k
			for a := 0; a < k; a++ {
				out[a] += t.data.At(a, col) * f
			}
		}
	}
	return out
}

// Value returns T(v, v, v).
func (t *Symmetric) Value(v []float64) float64 {
	return floats.Dot(v, t.Contract(v))
}

// AddRankOne adds w·v⊗v⊗v.
func (t *Symmetric) AddRankOne(w float64, v []float64) {
	k := t.k
	for c := 0; c < k; c++ {
		for b := 0; b < k; b++ {
			f := w * v[b] * v[c]
			col := b + c*k
			for a := 0; a < k; a++ {
				t.data.Set(a, col, t.data.At(a, col)+f*v[a])
			}
		}
	}
}

// Frobenius returns the Frobenius norm.
func (t *Symmetric) Frobenius() float64 {
	return mat.Norm(t.data, 2)
}
