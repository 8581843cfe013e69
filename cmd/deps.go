package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/ai/gemini"
	"github.com/spigell/cv-matcher/internal/ai/openrouter"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/lifecycle"
	"github.com/spigell/cv-matcher/internal/matching"
	"github.com/spigell/cv-matcher/internal/notify"
	"github.com/spigell/cv-matcher/internal/ranking"
	"github.com/spigell/cv-matcher/internal/resume"
	"github.com/spigell/cv-matcher/internal/secrets"
	"github.com/spigell/cv-matcher/internal/storage"
	"github.com/spigell/cv-matcher/internal/store"
	"github.com/spigell/cv-matcher/internal/store/memory"
	"github.com/spigell/cv-matcher/internal/store/postgres"
)

// components is everything a command may need, built once from Config.
type components struct {
	store     store.Store
	storage   storage.Storage
	extractor *resume.Extractor
	engine    *ranking.Engine
	embedder  ai.Embedder
	indexer   *ranking.Indexer
	matching  *matching.Service
	hub       *notify.Hub
	machine   *lifecycle.Machine
}

func (c *components) Close() {
	if c.hub != nil {
		c.hub.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

func build(ctx context.Context, config *Config, logger *zap.Logger) (*components, error) {
	c := &components{}

	st, err := openStore(ctx, config.Store, logger)
	if err != nil {
		return nil, err
	}
	c.store = st

	if c.storage, err = newStorage(ctx, config.Storage); err != nil {
		c.Close()
		return nil, err
	}

	if c.extractor, err = resume.New(config.Resume.Config, logger); err != nil {
		c.Close()
		return nil, err
	}

	scorer, embedder, err := newOracle(ctx, config.Oracle, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.embedder = embedder
	c.engine = ranking.New(scorer, config.Ranking, logger)
	if embedder != nil {
		c.indexer = ranking.NewIndexer(embedder, st.Jobs(), config.Oracle.MaxParallel, logger)
	}
	c.matching = matching.New(st, c.engine, embedder, config.Matching, logger)

	c.hub = notify.New(st, logger)
	c.machine = lifecycle.New(st,
		lifecycle.NewMessageNotifier(st.Messages(), c.hub.OnMessageCreated),
		logger,
		lifecycle.WithScorer(c.engine),
	)

	return c, nil
}

func openStore(ctx context.Context, cfg *StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		dsn, err := secrets.Load(secrets.Source{
			Name:  "database dsn",
			Value: cfg.Postgres.DSN,
			File:  cfg.DSNFile,
			Env:   "DATABASE_URL",
		})
		if err != nil {
			return nil, err
		}
		pgCfg := cfg.Postgres
		pgCfg.DSN = dsn

		st, err := postgres.Open(ctx, pgCfg, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, err
			}
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func newStorage(ctx context.Context, cfg *StorageConfig) (storage.Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return storage.NewMemory(cfg.BaseURL), nil
	case "s3":
		access, err := secrets.Optional(secrets.Source{
			Name: "s3 access key", Value: cfg.AccessKey, File: cfg.AccessKeyFile, Env: "AWS_ACCESS_KEY_ID",
		})
		if err != nil {
			return nil, err
		}
		secret, err := secrets.Optional(secrets.Source{
			Name: "s3 secret key", Value: cfg.SecretKey, File: cfg.SecretKeyFile, Env: "AWS_SECRET_ACCESS_KEY",
		})
		if err != nil {
			return nil, err
		}
		s3cfg := cfg.S3
		s3cfg.AccessKey = access
		s3cfg.SecretKey = secret
		return storage.NewS3(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// newOracle builds the scoring client. The embedder is nil unless the
// provider supports embeddings and they are enabled.
func newOracle(ctx context.Context, cfg *OracleConfig, logger *zap.Logger) (ai.Scorer, ai.Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))

	var (
		generator ai.Generator
		embedder  ai.Embedder
	)
	switch provider {
	case "gemini":
		apiKey, err := secrets.Load(secrets.Source{
			Name: "gemini api key", Value: cfg.APIKey, File: cfg.APIKeyFile, Env: "GEMINI_API_KEY",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w (set oracle.api-key-file or GEMINI_API_KEY)", err)
		}
		g, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini, logger)
		if err != nil {
			return nil, nil, err
		}
		generator = g
		if cfg.Embeddings {
			embedder = g
		}
	case "openrouter":
		apiKey, err := secrets.Load(secrets.Source{
			Name: "openrouter api key", Value: cfg.APIKey, File: cfg.APIKeyFile, Env: "OPENROUTER_API_KEY",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w (set oracle.api-key-file or OPENROUTER_API_KEY)", err)
		}
		g, err := openrouter.NewGenerator(apiKey, cfg.OpenRouter, logger)
		if err != nil {
			return nil, nil, err
		}
		generator = g
		if cfg.Embeddings {
			logger.Warn("embeddings are not supported by the provider, shortlist disabled", zap.String("provider", provider))
		}
	default:
		return nil, nil, fmt.Errorf("unsupported oracle provider: %s", cfg.Provider)
	}

	opts := []ai.Option{
		ai.WithGate(ai.NewGate(cfg.MaxParallel, cfg.Spacing)),
		ai.WithMaxLogLength(cfg.MaxLogLength),
	}
	if cfg.CacheSize > 0 {
		opts = append(opts, ai.WithCache(ai.NewCache(cfg.CacheSize)))
	}
	return ai.NewClient(generator, logger, opts...), embedder, nil
}

// seed is the document referenced by seed-file.
type seed struct {
	Jobs       []*domain.JobPosting `json:"jobs"`
	Candidates []*domain.Candidate  `json:"candidates"`
}

// loadSeed upserts jobs and candidates from path and embeds the jobs when
// an indexer is available.
func loadSeed(ctx context.Context, c *components, path string, logger *zap.Logger) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var doc seed
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode seed file %q: %w", path, err)
	}

	now, err := c.store.Now(ctx)
	if err != nil {
		return err
	}
	for _, job := range doc.Jobs {
		if job.PostedAt.IsZero() {
			job.PostedAt = now
		}
		if err := c.store.Jobs().Upsert(ctx, job); err != nil {
			return fmt.Errorf("seed job %q: %w", job.ID, err)
		}
	}
	for _, cand := range doc.Candidates {
		if cand.UpdatedAt.IsZero() {
			cand.UpdatedAt = now
		}
		if err := c.store.Candidates().Upsert(ctx, cand); err != nil {
			return fmt.Errorf("seed candidate %q: %w", cand.ID, err)
		}
	}

	indexed := 0
	if c.indexer != nil && len(doc.Jobs) > 0 {
		if indexed, err = c.indexer.Index(ctx, doc.Jobs); err != nil {
			return fmt.Errorf("index seeded jobs: %w", err)
		}
	}

	logger.Info("seed loaded",
		zap.String("file", path),
		zap.Int("jobs", len(doc.Jobs)),
		zap.Int("candidates", len(doc.Candidates)),
		zap.Int("indexed", indexed),
	)
	return nil
}
