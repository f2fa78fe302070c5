package moments

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/knirvcorp/spectrallda/internal/collection"
	"github.com/knirvcorp/spectrallda/internal/types"
)

// SecondMoment is the operator M2 = E[x1⊗x2] - alpha0/(alpha0+1)·M1⊗M1.
// Every application is one pass over the collection.
type SecondMoment struct {
	coll     collection.Collection
	opts     collection.Options
	vocab    int
	pairDocs int
	m1       []float64
	bias     float64
}

func (s *SecondMoment) Dims() int { return s.vocab }

// Apply returns M2·v.
func (s *SecondMoment) Apply(ctx context.Context, v []float64) ([]float64, error) {
	out, err := s.ApplyTo(ctx, mat.NewDense(len(v), 1, v))
	if err != nil {
		return nil, err
	}
	return mat.Col(nil, 0, out), nil
}

// ApplyTo returns M2·X for a V×p matrix X using a single pass.
func (s *SecondMoment) ApplyTo(ctx context.Context, x mat.Matrix) (*mat.Dense, error) {
	r, _ := x.Dims()
	if r != s.vocab {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, r, s.vocab)
	}
	xd := mat.DenseCopyOf(x)
	out, err := s.rawApplyTo(ctx, xd)
	if err != nil {
		return nil, err
	}

	// subtract bias·M1·(M1ᵀX)
	var proj mat.VecDense
	proj.MulVec(xd.T(), mat.NewVecDense(s.vocab, s.m1))
	for i := 0; i < s.vocab; i++ {
		floats.AddScaled(out.RawRowView(i), -s.bias*s.m1[i], proj.RawVector().Data)
	}
	return out, nil
}

// rawApplyTo returns E[x1⊗x2]·X, the uncorrected pair moment applied to X.
func (s *SecondMoment) rawApplyTo(ctx context.Context, xd *mat.Dense) (*mat.Dense, error) {
	_, p := xd.Dims()

	acc, err := collection.Aggregate(ctx, s.coll, s.opts,
		func() []float64 { return make([]float64, s.vocab*p) },
		func(acc []float64, doc *types.Document) ([]float64, error) {
			n := doc.Len()
			if n < 2 {
				return acc, nil
			}
			terms := doc.Terms()
			scale := 1 / (n * (n - 1))

			// sum_j c_j X[j,:]
			y := make([]float64, p)
			for _, t := range terms {
				floats.AddScaled(y, t.Count, xd.RawRowView(t.Word))
			}
			for _, t := range terms {
				row := acc[t.Word*p : (t.Word+1)*p]
				floats.AddScaled(row, t.Count*scale, y)
				floats.AddScaled(row, -t.Count*scale, xd.RawRowView(t.Word))
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

	floats.Scale(1/float64(s.pairDocs), acc)
	return mat.NewDense(s.vocab, p, acc), nil
}

// Dense materialises M2 as a V×V symmetric matrix. Only use this when the
// vocabulary is small enough for V² storage.
func (s *SecondMoment) Dense(ctx context.Context) (*mat.SymDense, error) {
	v := s.vocab
	acc, err := collection.Aggregate(ctx, s.coll, s.opts,
		func() []float64 { return make([]float64, v*v) },
		func(acc []float64, doc *types.Document) ([]float64, error) {
			n := doc.Len()
			if n < 2 {
				return acc, nil
			}
			terms := doc.Terms()
			scale := 1 / (n * (n - 1))
			for _, a := range terms {
				for _, b := range terms {
					acc[a.Word*v+b.Word] += a.Count * b.Count * scale
				}
				acc[a.Word*v+a.Word] -= a.Count * scale
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

	m2 := mat.NewSymDense(v, nil)
	for i := 0; i < v; i++ {
		for j := i; j < v; j++ {
			m2.SetSym(i, j, acc[i*v+j]/float64(s.pairDocs)-s.bias*s.m1[i]*s.m1[j])
		}
	}
	return m2, nil
}
