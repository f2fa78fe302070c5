package moments

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/knirvcorp/spectrallda/internal/collection"
	"github.com/knirvcorp/spectrallda/internal/types"
)

// ThirdMoment is the operator for
//
//	M3 = E[x1⊗x2⊗x3] - alpha0/(alpha0+2)·(E[x1⊗x2⊗M1] + E[x1⊗M1⊗x2] + E[M1⊗x1⊗x2])
//	     + 2·alpha0²/((alpha0+1)(alpha0+2))·M1⊗M1⊗M1
//
// It is only ever evaluated after contraction with a V×k matrix. Unfolded
// results place T[a,b,c] at row a, column b+c·k.
type ThirdMoment struct {
	coll       collection.Collection
	opts       collection.Options
	vocab      int
	tripleDocs int
	m1         []float64
	alpha0     float64
	m2         *SecondMoment
}

func (t *ThirdMoment) Dims() int { return t.vocab }

func (t *ThirdMoment) coefficients() (pair, cube float64) {
	a0 := t.alpha0
	return a0 / (a0 + 2), 2 * a0 * a0 / ((a0 + 1) * (a0 + 2))
}

// Contract returns M3(W, W, W) unfolded as k×k².
func (t *ThirdMoment) Contract(ctx context.Context, w mat.Matrix) (*mat.Dense, error) {
	wd, k, err := t.operand(w)
	if err != nil {
		return nil, err
	}
	kk := k * k

	acc, err := collection.Aggregate(ctx, t.coll, t.opts,
		func() []float64 { return make([]float64, k*kk) },
		func(acc []float64, doc *types.Document) ([]float64, error) {
			n := doc.Len()
			if n < 3 {
				return acc, nil
			}
			scale := 1 / (n * (n - 1) * (n - 2))
			terms := doc.Terms()

			y := make([]float64, k)
			p := make([]float64, kk)
			for _, tm := range terms {
				row := wd.RawRowView(tm.Word)
				floats.AddScaled(y, tm.Count, row)
				for a := 0; a < k; a++ {
					floats.AddScaled(p[a*k:(a+1)*k], tm.Count*row[a], row)
				}
			}

			for c := 0; c < k; c++ {
				for b := 0; b < k; b++ {
					col := b + c*k
					for a := 0; a < k; a++ {
						v := y[a]*y[b]*y[c] - p[a*k+b]*y[c] - p[a*k+c]*y[b] - y[a]*p[b*k+c]
						acc[a*kk+col] += v * scale
					}
				}
			}
			for _, tm := range terms {
				row := wd.RawRowView(tm.Word)
				f := 2 * tm.Count * scale
				for c := 0; c < k; c++ {
					for b := 0; b < k; b++ {
						fbc := f * row[b] * row[c]
						col := b + c*k
						for a := 0; a < k; a++ {
							acc[a*kk+col] += fbc * row[a]
						}
					}
				}
			}
			return acc, nil
		},
		func(a, b []float64) []float64 {
			floats.Add(a, b)
			return a
		},
	)
	if err != nil {
		return nil, err
	}
	floats.Scale(1/float64(t.tripleDocs), acc)

	e2w, m, err := t.whitenedPair(ctx, wd)
	if err != nil {
		return nil, err
	}
	pair, cube := t.coefficients()
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			for c := 0; c < k; c++ {
				bias := e2w.At(a, b)*m[c] + e2w.At(a, c)*m[b] + m[a]*e2w.At(b, c)
				acc[a*kk+b+c*k] += -pair*bias + cube*m[a]*m[b]*m[c]
			}
		}
	}
	return mat.NewDense(k, kk, acc), nil
}

// ContractPartial returns M3(I, W, W) unfolded as V×k². It needs V·k² memory
// per partition and is intended for moderate vocabularies.
func (t *ThirdMoment) ContractPartial(ctx context.Context, w mat.Matrix) (*mat.Dense, error) {
	wd, k, err := t.operand(w)
	if err != nil {
		return nil, err
	}
	kk := k * k

	acc, err := collection.Aggregate(ctx, t.coll, t.opts,
		func() []float64 { return make([]float64, t.vocab*kk) },
		func(acc []float64, doc *types.Document) ([]float64, error) {
			n := doc.Len()
			if n < 3 {
				return acc, nil
			}
			scale := 1 / (n * (n - 1) * (n - 2))
			terms := doc.Terms()

			y := make([]float64, k)
			p := make([]float64, kk)
			for _, tm := range terms {
				row := wd.RawRowView(tm.Word)
				floats.AddScaled(y, tm.Count, row)
				for a := 0; a < k; a++ {
					floats.AddScaled(p[a*k:(a+1)*k], tm.Count*row[a], row)
				}
			}

			for _, tm := range terms {
				wi := wd.RawRowView(tm.Word)
				out := acc[tm.Word*kk : (tm.Word+1)*kk]
				f := tm.Count * scale
				for c := 0; c < k; c++ {
					for b := 0; b < k; b++ {
						v := y[b]*y[c] - wi[b]*y[c] - y[b]*wi[c] - p[b*k+c] + 2*wi[b]*wi[c]
						out[b+c*k] += f * v
					}
				}
			}
			return acc, nil
		},
		func(a, b []float64) []float64 {
			floats.Add(a, b)
			return a
		},
	)
	if err != nil {
		return nil, err
	}
	floats.Scale(1/float64(t.tripleDocs), acc)

	e2W, err := t.m2.rawApplyTo(ctx, wd)
	if err != nil {
		return nil, err
	}
	var e2w mat.Dense
	e2w.Mul(wd.T(), e2W)
	m := t.project(wd)

	pair, cube := t.coefficients()
	for i := 0; i < t.vocab; i++ {
		out := acc[i*kk : (i+1)*kk]
		for c := 0; c < k; c++ {
			for b := 0; b < k; b++ {
				bias := e2W.At(i, b)*m[c] + e2W.At(i, c)*m[b] + t.m1[i]*e2w.At(b, c)
				out[b+c*k] += -pair*bias + cube*t.m1[i]*m[b]*m[c]
			}
		}
	}
	return mat.NewDense(t.vocab, kk, acc), nil
}

func (t *ThirdMoment) operand(w mat.Matrix) (*mat.Dense, int, error) {
	r, k := w.Dims()
	if r != t.vocab {
		return nil, 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, r, t.vocab)
	}
	return mat.DenseCopyOf(w), k, nil
}

// whitenedPair returns Wᵀ·E[x1⊗x2]·W and Wᵀ·M1.
func (t *ThirdMoment) whitenedPair(ctx context.Context, wd *mat.Dense) (*mat.Dense, []float64, error) {
	e2W, err := t.m2.rawApplyTo(ctx, wd)
	if err != nil {
		return nil, nil, err
	}
	var e2w mat.Dense
	e2w.Mul(wd.T(), e2W)
	return &e2w, t.project(wd), nil
}

func (t *ThirdMoment) project(wd *mat.Dense) []float64 {
	var m mat.VecDense
	m.MulVec(wd.T(), mat.NewVecDense(t.vocab, t.m1))
	return mat.Col(nil, 0, &m)
}
