package spectrallda

import (
	"context"
	"fmt"
	"io"

	"github.com/knirvcorp/spectrallda/internal/config"
	"github.com/knirvcorp/spectrallda/internal/lda"
	"github.com/knirvcorp/spectrallda/internal/logging"
	"github.com/knirvcorp/spectrallda/internal/monitoring"
	"github.com/knirvcorp/spectrallda/internal/storage"
	"github.com/knirvcorp/spectrallda/internal/types"
)

// Options contains configuration for the library
type Options struct {
	DataDir string
	// Partitions is the number of partition files per imported corpus.
	// Defaults to 8.
	Partitions int
	// Config defaults to config.Default().
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Engine stores corpora on disk and fits topic models over them.
type Engine struct {
	store      *storage.FileStorage
	fitter     *lda.Fitter
	partitions int
}

// Model is a fitted topic model.
type Model = lda.Model

// New constructs an Engine rooted at opts.DataDir
func New(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 8
	}

	store, err := storage.NewFileStorage(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	fitter, err := lda.NewFitter(cfg, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, fitter: fitter, partitions: opts.Partitions}, nil
}

// ImportUCI reads a UCI docword stream into a new corpus.
func (e *Engine) ImportUCI(name string, r io.Reader) (storage.Manifest, error) {
	if name == "" {
		return storage.Manifest{}, fmt.Errorf("corpus name cannot be empty")
	}
	vocab, docs, err := storage.ReadDocword(r)
	if err != nil {
		return storage.Manifest{}, err
	}
	if err := e.store.Create(name, vocab, e.partitions); err != nil {
		return storage.Manifest{}, err
	}
	if err := e.store.Insert(name, docs...); err != nil {
		return storage.Manifest{}, err
	}
	return e.store.Manifest(name)
}

// AddDocument appends one document, given as word id to count, to an
// existing corpus.
func (e *Engine) AddDocument(name, id string, counts map[int]float64) error {
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	m, err := e.store.Manifest(name)
	if err != nil {
		return err
	}
	terms := make([]types.Term, 0, len(counts))
	for w, c := range counts {
		terms = append(terms, types.Term{Word: w, Count: c})
	}
	doc, err := types.NewDocument(id, m.VocabSize, terms)
	if err != nil {
		return err
	}
	return e.store.Insert(name, doc)
}

// CreateCorpus registers an empty corpus over a vocabulary of vocabSize words.
func (e *Engine) CreateCorpus(name string, vocabSize int) error {
	if name == "" {
		return fmt.Errorf("corpus name cannot be empty")
	}
	return e.store.Create(name, vocabSize, e.partitions)
}

func (e *Engine) Corpora() ([]string, error) { return e.store.List() }

func (e *Engine) DropCorpus(name string) error { return e.store.Delete(name) }

// Fit learns a topic model from a stored corpus.
func (e *Engine) Fit(ctx context.Context, name string) (*Model, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	coll, err := e.store.Open(name)
	if err != nil {
		return nil, err
	}
	return e.fitter.Fit(ctx, coll, coll.Manifest().VocabSize)
}
