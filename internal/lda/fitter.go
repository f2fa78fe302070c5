// Package lda fits a latent Dirichlet allocation model by the method of
// moments: moment estimation, randomized eigendecomposition of M2,
// whitening, symmetric tensor ALS and parameter recovery.
package lda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/knirvcorp/spectrallda/internal/collection"
	"github.com/knirvcorp/spectrallda/internal/config"
	"github.com/knirvcorp/spectrallda/internal/eigen"
	"github.com/knirvcorp/spectrallda/internal/logging"
	"github.com/knirvcorp/spectrallda/internal/moments"
	"github.com/knirvcorp/spectrallda/internal/monitoring"
	"github.com/knirvcorp/spectrallda/internal/recovery"
	"github.com/knirvcorp/spectrallda/internal/tensor"
	"github.com/knirvcorp/spectrallda/internal/tracing"
	"github.com/knirvcorp/spectrallda/internal/whiten"
)

var (
	ErrInvalidK     = errors.New("lda: number of topics must be smaller than the vocabulary")
	ErrInvalidVocab = errors.New("lda: vocabulary size must be positive")
)

const (
	stageMoments = "moments"
	stageEigen   = "eigen"
	stageWhiten  = "whiten"
	stageALS     = "als"
	stageRecover = "recover"
)

// Fitter runs the spectral pipeline with a fixed configuration. It holds no
// per-fit state and may be reused.
type Fitter struct {
	cfg     config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewFitter validates cfg. A nil logger discards output and nil metrics are
// kept unregistered.
func NewFitter(cfg config.Config, logger *logging.Logger, metrics *monitoring.Metrics) (*Fitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	return &Fitter{cfg: cfg, log: logger, metrics: metrics}, nil
}

func (f *Fitter) alsConfig() tensor.ALSConfig {
	als := tensor.DefaultALSConfig()
	als.MaxIter = f.cfg.MaxIter
	als.Tol = f.cfg.Tol
	als.Restarts = f.cfg.Restarts
	als.Seed = f.cfg.Seed
	if f.cfg.Init == "random" {
		als.Init = tensor.InitRandom
	}
	return als
}

// Fit learns k topics from coll, whose documents are count vectors over a
// vocabulary of vocabSize words.
func (f *Fitter) Fit(ctx context.Context, coll collection.Collection, vocabSize int) (*Model, error) {
	k, alpha0 := f.cfg.K, f.cfg.Alpha0
	if vocabSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidVocab, vocabSize)
	}
	if k >= vocabSize {
		return nil, fmt.Errorf("%w: k=%d, vocabulary=%d", ErrInvalidK, k, vocabSize)
	}

	runID := uuid.NewString()
	log := f.log.WithRunID(runID)
	ctx, span := tracing.StartSpan(ctx, "lda.Fit",
		attribute.String("run_id", runID),
		attribute.Int("k", k),
		attribute.Int("vocab_size", vocabSize),
		attribute.Float64("alpha0", alpha0))
	defer span.End()

	var current string
	opts := collection.Options{
		Workers: f.cfg.Workers,
		Observer: func(s collection.PassStats) {
			f.metrics.ObservePass(current, s.Documents, s.Duration)
			log.Debug("corpus pass",
				zap.String("stage", current),
				zap.Int("partitions", s.Partitions),
				zap.Int("documents", s.Documents),
				zap.Duration("duration", s.Duration))
		},
	}

	stage := func(name string, fn func(ctx context.Context) ([]zap.Field, error)) error {
		current = name
		start := time.Now()
		sctx, sspan := tracing.StartSpan(ctx, "lda."+name)
		defer sspan.End()

		fields, err := fn(sctx)
		f.metrics.ObserveStage(name, start)
		if err != nil {
			f.metrics.FitErrors.WithLabelValues(name).Inc()
			sspan.RecordError(err)
			sspan.SetStatus(codes.Error, err.Error())
			span.SetStatus(codes.Error, name)
			log.WithStage(name).WithError(err).Error("stage failed")
			return fmt.Errorf("lda: %s: %w", name, err)
		}
		log.StageDone(name, start, fields...)
		return nil
	}

	var (
		m   *moments.Moments
		eig *eigen.Decomposition
		wh  *whiten.Whitener
		tw  *tensor.Symmetric
		dec *tensor.Decomposition
		rec *recovery.Result
	)

	if err := stage(stageMoments, func(ctx context.Context) ([]zap.Field, error) {
		est, err := moments.NewEstimator(coll, vocabSize, alpha0, opts)
		if err != nil {
			return nil, err
		}
		m, err = est.Estimate(ctx)
		if err != nil {
			return nil, err
		}
		return []zap.Field{
			zap.Int("documents", m.Docs),
			zap.Int("pair_documents", m.PairDocs),
			zap.Int("triple_documents", m.TripleDocs),
		}, nil
	}); err != nil {
		return nil, err
	}

	if err := stage(stageEigen, func(ctx context.Context) ([]zap.Field, error) {
		var err error
		if f.cfg.Randomized {
			eig, err = eigen.Randomized(ctx, m.M2, k, eigen.Options{
				PowerIters: f.cfg.PowerIters,
				Oversample: f.cfg.Oversample,
				Seed:       f.cfg.Seed,
			})
		} else {
			eig, err = eigen.Exact(ctx, m.M2, k)
		}
		if err != nil {
			return nil, err
		}
		f.metrics.SmallestEigenvalue.Set(eig.Smallest())
		if eig.Smallest() < 1e-10*eig.Values[0] {
			log.Warn("M2 is nearly rank deficient; k may exceed the number of identifiable topics",
				zap.Float64("smallest", eig.Smallest()),
				zap.Float64("largest", eig.Values[0]))
		}
		return []zap.Field{
			zap.Bool("randomized", f.cfg.Randomized),
			zap.Float64s("eigenvalues", eig.Values),
		}, nil
	}); err != nil {
		return nil, err
	}

	if err := stage(stageWhiten, func(ctx context.Context) ([]zap.Field, error) {
		var err error
		if wh, err = whiten.New(eig); err != nil {
			return nil, err
		}
		tw, err = wh.Whiten3(ctx, m.M3)
		if err != nil {
			return nil, err
		}
		return []zap.Field{zap.Float64("tensor_norm", tw.Frobenius())}, nil
	}); err != nil {
		return nil, err
	}

	if err := stage(stageALS, func(ctx context.Context) ([]zap.Field, error) {
		var err error
		if dec, err = tensor.Decompose(ctx, tw, f.alsConfig()); err != nil {
			return nil, err
		}
		f.metrics.ALSSweeps.Add(float64(dec.Sweeps))
		f.metrics.ALSResidual.Set(dec.Residual)
		if dec.Status == tensor.StatusMaxIterReached {
			log.Warn("ALS stopped before converging", zap.Int("max_iter", f.cfg.MaxIter))
		}
		return []zap.Field{
			zap.Stringer("status", dec.Status),
			zap.Int("sweeps", dec.Sweeps),
			zap.Float64("residual", dec.Residual),
		}, nil
	}); err != nil {
		return nil, err
	}

	if err := stage(stageRecover, func(context.Context) ([]zap.Field, error) {
		var err error
		if rec, err = recovery.Recover(dec, wh, alpha0); err != nil {
			return nil, err
		}
		if len(rec.Degenerate) > 0 {
			log.Warn("topics without positive mass replaced by uniform", zap.Ints("topics", rec.Degenerate))
		}
		return []zap.Field{zap.Float64s("alpha", rec.Alpha)}, nil
	}); err != nil {
		return nil, err
	}

	f.metrics.FitsCompleted.Inc()
	return &Model{
		RunID:              runID,
		K:                  k,
		VocabSize:          vocabSize,
		Alpha0:             alpha0,
		Documents:          m.Docs,
		Beta:               rec.Beta,
		Alpha:              rec.Alpha,
		Degenerate:         rec.Degenerate,
		Weights:            dec.Weights,
		Eigenvalues:        eig.Values,
		Eigenvectors:       eig.Vectors,
		SmallestEigenvalue: eig.Smallest(),
		M1:                 m.M1,
		Status:             dec.Status,
		Residual:           dec.Residual,
		Sweeps:             dec.Sweeps,
	}, nil
}
