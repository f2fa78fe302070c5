// Package synth draws documents from a known LDA model.
package synth

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/knirvcorp/spectrallda/internal/types"
)

var ErrInvalidModel = errors.New("synth: invalid model")

// Corpus describes the generative process. Beta is V×k with columns on the
// simplex; Alpha has length k.
type Corpus struct {
	Beta  *mat.Dense
	Alpha []float64
	Docs  int
	// Length is the number of tokens per document. With Poisson set it is
	// the mean of a Poisson length distribution instead.
	Length  int
	Poisson bool
	Seed    uint64
}

var idSpace = uuid.MustParse("6f1c4a52-3b1e-4d8a-9c57-2a4e0f5b7d10")

func (c Corpus) validate() error {
	if c.Beta == nil {
		return fmt.Errorf("%w: missing beta", ErrInvalidModel)
	}
	_, k := c.Beta.Dims()
	if len(c.Alpha) != k {
		return fmt.Errorf("%w: %d topics but %d alpha entries", ErrInvalidModel, k, len(c.Alpha))
	}
	for i, a := range c.Alpha {
		if !(a > 0) {
			return fmt.Errorf("%w: alpha[%d] = %g", ErrInvalidModel, i, a)
		}
	}
	for j := 0; j < k; j++ {
		col := mat.Col(nil, j, c.Beta)
		if floats.Min(col) < 0 || !scalar.EqualWithinAbs(floats.Sum(col), 1, 1e-9) {
			return fmt.Errorf("%w: topic %d is not a distribution", ErrInvalidModel, j)
		}
	}
	if c.Docs <= 0 || c.Length <= 0 {
		return fmt.Errorf("%w: need positive document count and length", ErrInvalidModel)
	}
	return nil
}

// Generate samples c.Docs documents. Output, ids included, depends only on
// the corpus description and seed.
func Generate(c Corpus) ([]*types.Document, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	v, k := c.Beta.Dims()
	src := rand.NewPCG(c.Seed, c.Seed^0x5851f42d4c957f2d)

	topics := make([]distuv.Categorical, k)
	for j := range topics {
		topics[j] = distuv.NewCategorical(mat.Col(nil, j, c.Beta), src)
	}
	mixture := distmv.NewDirichlet(c.Alpha, src)
	length := distuv.Poisson{Lambda: float64(c.Length), Src: src}

	theta := make([]float64, k)
	docs := make([]*types.Document, 0, c.Docs)
	for d := 0; d < c.Docs; d++ {
		mixture.Rand(theta)
		pick := distuv.NewCategorical(theta, src)

		n := c.Length
		if c.Poisson {
			n = int(length.Rand())
		}
		counts := make(map[int]float64)
		for i := 0; i < n; i++ {
			z := int(pick.Rand())
			counts[int(topics[z].Rand())]++
		}

		terms := make([]types.Term, 0, len(counts))
		for w, cnt := range counts {
			terms = append(terms, types.Term{Word: w, Count: cnt})
		}
		id := uuid.NewSHA1(idSpace, fmt.Appendf(nil, "%d/%d", c.Seed, d)).String()
		doc, err := types.NewDocument(id, v, terms)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DisjointTopics returns a V×k topic matrix whose topic j is uniform over
// its own contiguous block of words. Leftover words belong to no topic.
func DisjointTopics(v, k int) *mat.Dense {
	block := v / k
	beta := mat.NewDense(v, k, nil)
	for j := 0; j < k; j++ {
		for w := j * block; w < (j+1)*block; w++ {
			beta.Set(w, j, 1/float64(block))
		}
	}
	return beta
}

// RandomTopics draws each topic from a symmetric Dirichlet with
// concentration eta.
func RandomTopics(v, k int, eta float64, seed uint64) *mat.Dense {
	prior := make([]float64, v)
	for i := range prior {
		prior[i] = eta
	}
	dir := distmv.NewDirichlet(prior, rand.NewPCG(seed, ^seed))
	beta := mat.NewDense(v, k, nil)
	col := make([]float64, v)
	for j := 0; j < k; j++ {
		beta.SetCol(j, dir.Rand(col))
	}
	return beta
}
