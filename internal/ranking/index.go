package ranking

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/store"
)

// Indexer stores posting embeddings used by the shortlist filter.
type Indexer struct {
	embedder    ai.Embedder
	jobs        store.Jobs
	maxParallel int
	logger      *zap.Logger
}

func NewIndexer(embedder ai.Embedder, jobs store.Jobs, maxParallel int, log *zap.Logger) *Indexer {
	if maxParallel <= 0 {
		maxParallel = ai.DefaultMaxParallel
	}
	return &Indexer{
		embedder:    embedder,
		jobs:        jobs,
		maxParallel: maxParallel,
		logger:      logger.Named(log, "indexer"),
	}
}

// Index embeds every posting with text and returns how many were stored.
// A posting that fails to embed is logged and skipped.
func (x *Indexer) Index(ctx context.Context, postings []*domain.JobPosting) (int, error) {
	var stored atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.maxParallel)
	for _, job := range postings {
		text := job.Text()
		if text == "" {
			continue
		}
		g.Go(func() error {
			vec, err := x.embedder.Embed(gctx, text)
			if err != nil {
				x.logger.Warn("embedding posting failed", zap.String(logger.FieldJob, job.ID), zap.Error(err))
				return nil
			}
			if err := x.jobs.SetEmbedding(gctx, job.ID, vec); err != nil {
				return err
			}
			stored.Add(1)
			return nil
		})
	}

	err := g.Wait()
	x.logger.Info("postings indexed", zap.Int("postings", len(postings)), zap.Int64("stored", stored.Load()))
	return int(stored.Load()), err
}
