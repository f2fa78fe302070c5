package lda

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"

	"github.com/knirvcorp/spectrallda/internal/tensor"
)

// Model is the result of a fit.
type Model struct {
	RunID     string
	K         int
	VocabSize int
	Alpha0    float64
	Documents int

	// Beta is V×K; column i is the word distribution of topic i.
	Beta  *mat.Dense
	Alpha []float64
	// Degenerate lists topics replaced by the uniform distribution.
	Degenerate []int
	// Weights are the whitened tensor weights λᵢ, descending.
	Weights []float64

	Eigenvalues        []float64
	Eigenvectors       *mat.Dense
	SmallestEigenvalue float64
	M1                 []float64

	Status   tensor.Status
	Residual float64
	Sweeps   int
}

// Topic returns a copy of the word distribution of topic i.
func (m *Model) Topic(i int) []float64 {
	return mat.Col(nil, i, m.Beta)
}

// TopWords returns the ids of the n most probable words of topic i, most
// probable first. Ties go to the lower id.
func (m *Model) TopWords(i, n int) []int {
	col := m.Topic(i)
	ids := make([]int, len(col))
	for w := range ids {
		ids[w] = w
	}
	sort.SliceStable(ids, func(a, b int) bool { return col[ids[a]] > col[ids[b]] })
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}

// Fingerprint is a BLAKE2b-256 digest of the learned parameters. Two fits
// with the same data and configuration have the same fingerprint.
func (m *Model) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	put := func(x float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		h.Write(buf[:])
	}

	put(float64(m.K))
	put(float64(m.VocabSize))
	put(m.Alpha0)
	for _, a := range m.Alpha {
		put(a)
	}
	for _, w := range m.Weights {
		put(w)
	}
	if m.Beta != nil {
		r, c := m.Beta.Dims()
		for j := 0; j < c; j++ {
			for i := 0; i < r; i++ {
				put(m.Beta.At(i, j))
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
