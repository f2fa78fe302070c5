package lda

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/knirvcorp/spectrallda/internal/collection"
	"github.com/knirvcorp/spectrallda/internal/config"
	"github.com/knirvcorp/spectrallda/internal/logging"
	"github.com/knirvcorp/spectrallda/internal/moments"
	"github.com/knirvcorp/spectrallda/internal/monitoring"
	"github.com/knirvcorp/spectrallda/internal/synth"
	"github.com/knirvcorp/spectrallda/internal/tensor"
	"github.com/knirvcorp/spectrallda/internal/types"
)

func corpus(t *testing.T, v, k int, alpha []float64, docs, length int, seed uint64) collection.Collection {
	t.Helper()
	generated, err := synth.Generate(synth.Corpus{
		Beta:   synth.DisjointTopics(v, k),
		Alpha:  alpha,
		Docs:   docs,
		Length: length,
		Seed:   seed,
	})
	require.NoError(t, err)
	coll, err := collection.FromDocuments(4, generated)
	require.NoError(t, err)
	return coll
}

func fitterFor(t *testing.T, k int, alpha0 float64) *Fitter {
	t.Helper()
	cfg := config.Default()
	cfg.K = k
	cfg.Alpha0 = alpha0
	f, err := NewFitter(cfg, nil, nil)
	require.NoError(t, err)
	return f
}

// blockMass returns, for each true topic, the largest mass any recovered
// topic puts on that topic's block of words, and which topic it was.
func blockMass(m *Model, k int) (mass []float64, owner []int) {
	block := m.VocabSize / k
	mass = make([]float64, k)
	owner = make([]int, k)
	for b := 0; b < k; b++ {
		for j := 0; j < m.K; j++ {
			s := floats.Sum(m.Topic(j)[b*block : (b+1)*block])
			if s > mass[b] {
				mass[b], owner[b] = s, j
			}
		}
	}
	return mass, owner
}

func checkSimplex(t *testing.T, m *Model) {
	t.Helper()
	for j := 0; j < m.K; j++ {
		col := m.Topic(j)
		assert.GreaterOrEqual(t, floats.Min(col), 0.0)
		assert.InDelta(t, 1.0, floats.Sum(col), 1e-9)
	}
	assert.InDelta(t, m.Alpha0, floats.Sum(m.Alpha), 1e-9)
}

func TestFitTwoDisjointTopics(t *testing.T) {
	coll := corpus(t, 10, 2, []float64{1, 1}, 500, 50, 3)

	m, err := fitterFor(t, 2, 2).Fit(context.Background(), coll, 10)
	require.NoError(t, err)
	checkSimplex(t, m)
	assert.Equal(t, 500, m.Documents)
	assert.Empty(t, m.Degenerate)
	assert.Equal(t, tensor.StatusConverged, m.Status)
	assert.NotEmpty(t, m.RunID)

	mass, owner := blockMass(m, 2)
	assert.NotEqual(t, owner[0], owner[1])
	for b, s := range mass {
		assert.Greater(t, s, 0.8, "topic block %d", b)
	}
	for _, a := range m.Alpha {
		assert.InDelta(t, 1.0, a, 0.7)
	}
	assert.Greater(t, m.SmallestEigenvalue, 0.0)
}

func TestFitThreeTopics(t *testing.T) {
	coll := corpus(t, 30, 3, []float64{0.5, 0.5, 0.5}, 2000, 40, 8)

	m, err := fitterFor(t, 3, 1.5).Fit(context.Background(), coll, 30)
	require.NoError(t, err)
	checkSimplex(t, m)

	mass, owner := blockMass(m, 3)
	seen := map[int]bool{}
	for b, s := range mass {
		assert.Greater(t, s, 0.8, "topic block %d", b)
		seen[owner[b]] = true
	}
	assert.Len(t, seen, 3)

	// Top words of each recovered topic come from its own block.
	for b := 0; b < 3; b++ {
		for _, w := range m.TopWords(owner[b], 5) {
			assert.Equal(t, b, w/10)
		}
	}
}

func TestFitIsDeterministic(t *testing.T) {
	coll := corpus(t, 12, 3, []float64{0.4, 0.4, 0.4}, 300, 30, 5)
	f := fitterFor(t, 3, 1.2)

	a, err := f.Fit(context.Background(), coll, 12)
	require.NoError(t, err)
	b, err := f.Fit(context.Background(), coll, 12)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.True(t, mat.Equal(a.Beta, b.Beta))
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestExactAndRandomizedAgree(t *testing.T) {
	coll := corpus(t, 10, 2, []float64{1, 1}, 400, 40, 9)

	cfg := config.Default()
	cfg.K, cfg.Alpha0 = 2, 2
	randomized, err := NewFitter(cfg, nil, nil)
	require.NoError(t, err)
	cfg.Randomized = false
	exact, err := NewFitter(cfg, nil, nil)
	require.NoError(t, err)

	a, err := randomized.Fit(context.Background(), coll, 10)
	require.NoError(t, err)
	b, err := exact.Fit(context.Background(), coll, 10)
	require.NoError(t, err)

	assert.InDeltaSlice(t, b.Eigenvalues, a.Eigenvalues, 1e-9)
	assert.True(t, mat.EqualApprox(a.Beta, b.Beta, 1e-6))
}

func TestFitValidation(t *testing.T) {
	coll := corpus(t, 10, 2, []float64{1, 1}, 20, 10, 1)

	_, err := fitterFor(t, 10, 1).Fit(context.Background(), coll, 10)
	assert.ErrorIs(t, err, ErrInvalidK)
	_, err = fitterFor(t, 12, 1).Fit(context.Background(), coll, 10)
	assert.ErrorIs(t, err, ErrInvalidK)
	_, err = fitterFor(t, 2, 1).Fit(context.Background(), coll, 0)
	assert.ErrorIs(t, err, ErrInvalidVocab)

	for _, mutate := range []func(*config.Config){
		func(c *config.Config) { c.K = 0 },
		func(c *config.Config) { c.Alpha0 = 0 },
		func(c *config.Config) { c.Alpha0 = -1 },
	} {
		cfg := config.Default()
		mutate(&cfg)
		_, err := NewFitter(cfg, nil, nil)
		assert.ErrorIs(t, err, config.ErrInvalid)
	}

	_, err = fitterFor(t, 2, 1).Fit(context.Background(), collection.NewLocalCollection(2), 10)
	assert.ErrorIs(t, err, moments.ErrEmptyCorpus)
}

func TestFitShortDocumentsOnly(t *testing.T) {
	var docs []*types.Document
	for i, w := range []int{0, 1, 2, 3} {
		d, err := types.NewDocument(string(rune('a'+i)), 5, []types.Term{{Word: w, Count: 2}})
		require.NoError(t, err)
		docs = append(docs, d)
	}
	coll, err := collection.FromDocuments(2, docs)
	require.NoError(t, err)

	_, err = fitterFor(t, 2, 1).Fit(context.Background(), coll, 5)
	assert.ErrorIs(t, err, moments.ErrInsufficientDocuments)
}

func TestFitCancelled(t *testing.T) {
	coll := corpus(t, 10, 2, []float64{1, 1}, 50, 10, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fitterFor(t, 2, 1).Fit(ctx, coll, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitReportsStages(t *testing.T) {
	coll := corpus(t, 10, 2, []float64{1, 1}, 200, 30, 4)
	core, logs := observer.New(zapcore.InfoLevel)
	reg := prometheus.NewRegistry()

	cfg := config.Default()
	cfg.K, cfg.Alpha0 = 2, 2
	f, err := NewFitter(cfg, logging.New(zap.New(core)), monitoring.NewMetrics(reg))
	require.NoError(t, err)

	m, err := f.Fit(context.Background(), coll, 10)
	require.NoError(t, err)

	var stages []string
	for _, e := range logs.FilterMessage("stage complete").All() {
		fields := e.ContextMap()
		assert.Equal(t, m.RunID, fields["run_id"])
		stages = append(stages, fields["stage"].(string))
	}
	assert.Equal(t, []string{stageMoments, stageEigen, stageWhiten, stageALS, stageRecover}, stages)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[fam.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["spectrallda_fits_completed_total"])
	assert.Equal(t, float64(m.Sweeps), values["spectrallda_als_sweeps_total"])
	// At least the first-moment pass and one pass per M2/M3 product.
	assert.GreaterOrEqual(t, values["spectrallda_operator_passes_total"], 3.0)
	assert.GreaterOrEqual(t, values["spectrallda_documents_processed_total"], 600.0)
}

func TestTopWordsAndFingerprint(t *testing.T) {
	m := &Model{
		K:         2,
		VocabSize: 4,
		Alpha0:    1,
		Alpha:     []float64{0.5, 0.5},
		Beta: mat.NewDense(4, 2, []float64{
			0.1, 0.4,
			0.4, 0.1,
			0.4, 0.4,
			0.1, 0.1,
		}),
	}
	assert.Equal(t, []int{1, 2}, m.TopWords(0, 2))
	assert.Equal(t, []int{0, 2, 1, 3}, m.TopWords(1, 10))

	fp := m.Fingerprint()
	assert.Len(t, fp, 64)
	m.RunID = "other"
	assert.Equal(t, fp, m.Fingerprint())
	m.Alpha[0] = 0.6
	assert.NotEqual(t, fp, m.Fingerprint())
}

func TestFitAsymmetricPrior(t *testing.T) {
	if testing.Short() {
		t.Skip("large corpus")
	}
	trueAlpha := []float64{0.2, 0.5, 0.8}
	beta := synth.RandomTopics(30, 3, 0.5, 17)
	generated, err := synth.Generate(synth.Corpus{
		Beta:   beta,
		Alpha:  trueAlpha,
		Docs:   30000,
		Length: 100,
		Seed:   23,
	})
	require.NoError(t, err)
	coll, err := collection.FromDocuments(4, generated)
	require.NoError(t, err)

	m, err := fitterFor(t, 3, 1.5).Fit(context.Background(), coll, 30)
	require.NoError(t, err)
	checkSimplex(t, m)
	assert.Empty(t, m.Degenerate)

	// Pair recovered topics with true topics by the cheapest total L1.
	l1 := func(truth, got int) float64 {
		return floats.Distance(mat.Col(nil, truth, beta), m.Topic(got), 1)
	}
	var best []int
	bestCost := -1.0
	for _, p := range [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}} {
		cost := l1(0, p[0]) + l1(1, p[1]) + l1(2, p[2])
		if bestCost < 0 || cost < bestCost {
			best, bestCost = p, cost
		}
	}
	for i, j := range best {
		assert.Less(t, l1(i, j), 0.05, "topic %d", i)
		assert.InDelta(t, trueAlpha[i], m.Alpha[j], 0.06, "alpha %d", i)
	}
}
