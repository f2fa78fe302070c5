package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/knirvcorp/spectrallda/internal/collection"
	"github.com/knirvcorp/spectrallda/internal/config"
	"github.com/knirvcorp/spectrallda/internal/lda"
	"github.com/knirvcorp/spectrallda/internal/logging"
	"github.com/knirvcorp/spectrallda/internal/monitoring"
	"github.com/knirvcorp/spectrallda/internal/storage"
	"github.com/knirvcorp/spectrallda/internal/synth"
	"github.com/knirvcorp/spectrallda/internal/tracing"
	"github.com/knirvcorp/spectrallda/internal/types"
)

func main() {
	var (
		configPath  = flag.String("config", "", "YAML configuration file")
		docword     = flag.String("docword", "", "UCI bag-of-words file")
		vocabPath   = flag.String("vocab", "", "vocabulary file, one word per line")
		k           = flag.Int("k", 0, "number of topics")
		alpha0      = flag.Float64("alpha0", 0, "Dirichlet concentration")
		maxIter     = flag.Int("max-iter", 0, "maximum ALS sweeps")
		tol         = flag.Float64("tol", 0, "ALS relative tolerance")
		q           = flag.Int("q", 0, "power iterations of the eigensolver")
		randomized  = flag.Bool("randomized", true, "use the randomized eigensolver")
		seed        = flag.Uint64("seed", 0, "random seed")
		synthetic   = flag.Int("synthetic", 0, "fit a generated corpus with this many documents")
		partitions  = flag.Int("partitions", 8, "number of corpus partitions")
		dataDir     = flag.String("data-dir", "", "persist the corpus here and fit from disk")
		corpusName  = flag.String("corpus", "default", "corpus name inside data-dir")
		topN        = flag.Int("top", 10, "words printed per topic")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "k":
			cfg.K = *k
		case "alpha0":
			cfg.Alpha0 = *alpha0
		case "max-iter":
			cfg.MaxIter = *maxIter
		case "tol":
			cfg.Tol = *tol
		case "q":
			cfg.PowerIters = *q
		case "randomized":
			cfg.Randomized = *randomized
		case "seed":
			cfg.Seed = *seed
		}
	})

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracer(cfg.Tracing.Service, cfg.Tracing.Endpoint)
	if err != nil {
		logger.WithError(err).Fatal("tracing setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(sctx)
	}()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	vocabSize, docs, err := loadCorpus(*docword, *synthetic, cfg)
	if err != nil {
		logger.WithError(err).Fatal("loading corpus failed")
	}
	logger.Info("corpus loaded", zap.Int("documents", len(docs)), zap.Int("vocab_size", vocabSize))

	var coll collection.Collection
	if *dataDir != "" {
		coll, err = persist(logger, *dataDir, *corpusName, vocabSize, *partitions, docs)
	} else {
		coll, err = collection.FromDocuments(*partitions, docs)
	}
	if err != nil {
		logger.WithError(err).Fatal("building collection failed")
	}

	fitter, err := lda.NewFitter(cfg, logger, metrics)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	model, err := fitter.Fit(ctx, coll, vocabSize)
	if err != nil {
		logger.WithError(err).Fatal("fit failed")
	}

	var vocab []string
	if *vocabPath != "" {
		f, err := os.Open(*vocabPath)
		if err != nil {
			logger.WithError(err).Fatal("opening vocabulary failed")
		}
		vocab, err = storage.ReadVocabulary(f)
		f.Close()
		if err != nil {
			logger.WithError(err).Fatal("reading vocabulary failed")
		}
	}

	logger.Info("fit complete",
		zap.String("run_id", model.RunID),
		zap.String("fingerprint", model.Fingerprint()),
		zap.Stringer("status", model.Status),
		zap.Float64("residual", model.Residual))
	for i := 0; i < model.K; i++ {
		words := make([]string, 0, *topN)
		for _, w := range model.TopWords(i, *topN) {
			if w < len(vocab) {
				words = append(words, vocab[w])
			} else {
				words = append(words, fmt.Sprintf("#%d", w))
			}
		}
		fmt.Printf("topic %d (alpha %.4f): %s\n", i, model.Alpha[i], strings.Join(words, " "))
	}
}

func loadCorpus(docword string, synthetic int, cfg config.Config) (int, []*types.Document, error) {
	switch {
	case docword != "":
		f, err := os.Open(docword)
		if err != nil {
			return 0, nil, err
		}
		defer f.Close()
		return storage.ReadDocword(f)
	case synthetic > 0:
		v := 20 * cfg.K
		alpha := make([]float64, cfg.K)
		for i := range alpha {
			alpha[i] = cfg.Alpha0 / float64(cfg.K)
		}
		docs, err := synth.Generate(synth.Corpus{
			Beta:   synth.DisjointTopics(v, cfg.K),
			Alpha:  alpha,
			Docs:   synthetic,
			Length: 50,
			Seed:   cfg.Seed,
		})
		return v, docs, err
	}
	return 0, nil, errors.New("one of -docword or -synthetic is required")
}

// persist stores docs as a new corpus. An existing corpus of the same name is
// fitted as stored and the loaded documents are not added to it.
func persist(logger *logging.Logger, dir, name string, vocabSize, partitions int, docs []*types.Document) (collection.Collection, error) {
	fs, err := storage.NewFileStorage(dir)
	if err != nil {
		return nil, err
	}
	if err := fs.Create(name, vocabSize, partitions); err != nil {
		if !errors.Is(err, storage.ErrCorpusExists) {
			return nil, err
		}
		coll, err := fs.Open(name)
		if err != nil {
			return nil, err
		}
		logger.Warn("corpus already exists; fitting the stored documents and ignoring the loaded ones",
			zap.String("corpus", name),
			zap.Int("stored_documents", coll.Manifest().Documents),
			zap.Int("ignored_documents", len(docs)))
		return coll, nil
	}
	if err := fs.Insert(name, docs...); err != nil {
		return nil, err
	}
	return fs.Open(name)
}
