package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/james-bowman/sparse"
)

var (
	ErrNegativeCount  = errors.New("types: negative word count")
	ErrWordOutOfRange = errors.New("types: word id out of vocabulary range")
)

// Term is a single (word, count) entry of a bag-of-words document.
type Term struct {
	Word  int     `json:"w"`
	Count float64 `json:"c"`
}

// Document is a bag-of-words document over a fixed vocabulary. The count
// vector is sparse and is never mutated after construction.
type Document struct {
	ID     string
	Counts *sparse.Vector
}

// NewDocument builds a document from its terms. Repeated word ids are summed
// and zero counts dropped.
func NewDocument(id string, vocabSize int, terms []Term) (*Document, error) {
	merged := make(map[int]float64, len(terms))
	for _, t := range terms {
		if t.Word < 0 || t.Word >= vocabSize {
			return nil, fmt.Errorf("%w: document %s word %d (vocabulary %d)", ErrWordOutOfRange, id, t.Word, vocabSize)
		}
		if t.Count < 0 {
			return nil, fmt.Errorf("%w: document %s word %d count %g", ErrNegativeCount, id, t.Word, t.Count)
		}
		merged[t.Word] += t.Count
	}

	ind := make([]int, 0, len(merged))
	for w, c := range merged {
		if c > 0 {
			ind = append(ind, w)
		}
	}
	sort.Ints(ind)
	data := make([]float64, len(ind))
	for i, w := range ind {
		data[i] = merged[w]
	}

	return &Document{ID: id, Counts: sparse.NewVector(vocabSize, ind, data)}, nil
}

// VocabSize is the length of the count vector.
func (d *Document) VocabSize() int {
	return d.Counts.Len()
}

// Len returns the total word count n of the document.
func (d *Document) Len() float64 {
	n := 0.0
	d.Counts.DoNonZero(func(i, _ int, v float64) {
		n += v
	})
	return n
}

// Terms returns the non-zero entries of the document in ascending word order.
func (d *Document) Terms() []Term {
	terms := make([]Term, 0, d.Counts.NNZ())
	d.Counts.DoNonZero(func(i, _ int, v float64) {
		terms = append(terms, Term{Word: i, Count: v})
	})
	return terms
}
