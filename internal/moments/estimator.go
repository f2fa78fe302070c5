// Package moments estimates the bias-corrected low-order moments of an LDA
// corpus. M1 is returned densely; M2 and M3 are exposed only as operators that
// issue passes over the collection, so neither is ever held at full
// vocabulary size unless explicitly requested.
package moments

import (
	"context"
	"errors"
	"fmt"

	"github.com/knirvcorp/spectrallda/internal/collection"
	"github.com/knirvcorp/spectrallda/internal/types"
)

var (
	ErrInvalidAlpha0         = errors.New("moments: alpha0 must be positive")
	ErrInvalidVocab          = errors.New("moments: vocabulary size must be positive")
	ErrEmptyCorpus           = errors.New("moments: corpus has no non-empty documents")
	ErrInsufficientDocuments = errors.New("moments: no document has at least three words")
	ErrVocabMismatch         = errors.New("moments: document vocabulary size mismatch")
	ErrDimension             = errors.New("moments: operand has wrong number of rows")
)

// Estimator computes the moments of a document collection.
type Estimator struct {
	coll   collection.Collection
	vocab  int
	alpha0 float64
	opts   collection.Options
}

func NewEstimator(coll collection.Collection, vocabSize int, alpha0 float64, opts collection.Options) (*Estimator, error) {
	if !(alpha0 > 0) {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidAlpha0, alpha0)
	}
	if vocabSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidVocab, vocabSize)
	}
	return &Estimator{coll: coll, vocab: vocabSize, alpha0: alpha0, opts: opts}, nil
}

// Moments holds M1 and the operators for M2 and M3.
type Moments struct {
	Alpha0 float64
	// M1 is the average of x/n over documents with n >= 1.
	M1 []float64
	// Docs, PairDocs and TripleDocs count documents with at least one,
	// two and three words.
	Docs       int
	PairDocs   int
	TripleDocs int

	M2 *SecondMoment
	M3 *ThirdMoment
}

type firstPass struct {
	m1      []float64
	docs    int
	pairs   int
	triples int
}

// Estimate runs the first pass over the corpus and binds the M2 and M3
// operators to it.
func (e *Estimator) Estimate(ctx context.Context) (*Moments, error) {
	acc, err := collection.Aggregate(ctx, e.coll, e.opts,
		func() *firstPass { return &firstPass{m1: make([]float64, e.vocab)} },
		func(acc *firstPass, doc *types.Document) (*firstPass, error) {
			if doc.VocabSize() != e.vocab {
				return acc, fmt.Errorf("%w: document %s has %d, want %d", ErrVocabMismatch, doc.ID, doc.VocabSize(), e.vocab)
			}
			n := doc.Len()
			if n == 0 {
				return acc, nil
			}
			for _, t := range doc.Terms() {
				acc.m1[t.Word] += t.Count / n
			}
			acc.docs++
			if n >= 2 {
				acc.pairs++
			}
			if n >= 3 {
				acc.triples++
			}
			return acc, nil
		},
		func(a, b *firstPass) *firstPass {
			for i, v := range b.m1 {
				a.m1[i] += v
			}
			a.docs += b.docs
			a.pairs += b.pairs
			a.triples += b.triples
			return a
		},
	)
	if err != nil {
		return nil, err
	}
	if acc.docs == 0 {
		return nil, ErrEmptyCorpus
	}
	if acc.triples == 0 {
		return nil, ErrInsufficientDocuments
	}

	for i := range acc.m1 {
		acc.m1[i] /= float64(acc.docs)
	}

	m2 := &SecondMoment{
		coll:     e.coll,
		opts:     e.opts,
		vocab:    e.vocab,
		pairDocs: acc.pairs,
		m1:       acc.m1,
		bias:     e.alpha0 / (e.alpha0 + 1),
	}
	m3 := &ThirdMoment{
		coll:       e.coll,
		opts:       e.opts,
		vocab:      e.vocab,
		tripleDocs: acc.triples,
		m1:         acc.m1,
		alpha0:     e.alpha0,
		m2:         m2,
	}
	return &Moments{
		Alpha0:     e.alpha0,
		M1:         acc.m1,
		Docs:       acc.docs,
		PairDocs:   acc.pairs,
		TripleDocs: acc.triples,
		M2:         m2,
		M3:         m3,
	}, nil
}
