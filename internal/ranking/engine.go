// Package ranking scores candidate/job pairs through the oracle and orders
// the results.
package ranking

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/utils"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Config controls batch concurrency and the retry policy.
type Config struct {
	MaxParallel int           `mapstructure:"max-parallel"`
	MaxRetries  int           `mapstructure:"max-retries"`
	BaseDelay   time.Duration `mapstructure:"base-delay"`
	MaxDelay    time.Duration `mapstructure:"max-delay"`
}

// Options trims a sorted batch.
type Options struct {
	// MinScore drops ranked items scoring below it.
	MinScore int
	// Limit keeps at most Limit ranked items when positive.
	Limit int
}

// Ranked is a scored item.
type Ranked[T any] struct {
	Item   T
	Result *domain.MatchResult
}

// Failure is an item whose scoring failed after retries.
type Failure[T any] struct {
	Item T
	Err  error
}

// Batch is the outcome of ranking a list. Ranked is sorted best first.
// Skipped holds items never scheduled because the context was cancelled.
type Batch[T any] struct {
	Ranked  []Ranked[T]
	Failed  []Failure[T]
	Skipped []T
}

// Engine ranks lists of jobs or candidates.
type Engine struct {
	scorer ai.Scorer
	cfg    Config
	logger *zap.Logger
}

func New(scorer ai.Scorer, cfg Config, log *zap.Logger) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = ai.DefaultMaxParallel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Engine{
		scorer: scorer,
		cfg:    cfg,
		logger: logger.Named(log, "ranking"),
	}
}

// RankJobsForCandidate scores every job against the candidate text.
// Ties are broken by newer postings first, then by ID.
func (e *Engine) RankJobsForCandidate(ctx context.Context, candidateText string, jobs []*domain.JobPosting, opts Options) (*Batch[*domain.JobPosting], error) {
	return rank(ctx, e, jobs, opts, pairing[*domain.JobPosting]{
		texts: func(j *domain.JobPosting) (string, string) { return candidateText, j.Text() },
		tie: func(a, b *domain.JobPosting) int {
			if c := b.PostedAt.Compare(a.PostedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		},
		field: func(j *domain.JobPosting) zap.Field { return zap.String(logger.FieldJob, j.ID) },
	})
}

// RankCandidatesForJob scores every candidate against the job text.
// Ties are broken by candidate ID.
func (e *Engine) RankCandidatesForJob(ctx context.Context, jobText string, candidates []*domain.Candidate, opts Options) (*Batch[*domain.Candidate], error) {
	return rank(ctx, e, candidates, opts, pairing[*domain.Candidate]{
		texts: func(c *domain.Candidate) (string, string) { return c.Text(), jobText },
		tie:   func(a, b *domain.Candidate) int { return strings.Compare(a.ID, b.ID) },
		field: func(c *domain.Candidate) zap.Field { return zap.String(logger.FieldCandidate, c.ID) },
	})
}

// ScorePair scores a single pair with the batch retry policy.
func (e *Engine) ScorePair(ctx context.Context, candidateText, jobText string) (*domain.MatchResult, error) {
	return e.score(ctx, candidateText, jobText)
}

type pairing[T any] struct {
	texts func(T) (candidateText, jobText string)
	tie   func(a, b T) int
	field func(T) zap.Field
}

type outcome struct {
	result    *domain.MatchResult
	err       error
	scheduled bool
}

func rank[T any](ctx context.Context, e *Engine, items []T, opts Options, p pairing[T]) (*Batch[T], error) {
	batch := &Batch[T]{
		Ranked:  make([]Ranked[T], 0, len(items)),
		Failed:  make([]Failure[T], 0),
		Skipped: make([]T, 0),
	}
	if len(items) == 0 {
		return batch, nil
	}

	outcomes := make([]outcome, len(items))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxParallel)

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i].scheduled = true
			candidateText, jobText := p.texts(item)
			outcomes[i].result, outcomes[i].err = e.score(ctx, candidateText, jobText)
			return nil
		})
	}
	_ = g.Wait()

	for i, item := range items {
		o := outcomes[i]
		switch {
		case !o.scheduled:
			batch.Skipped = append(batch.Skipped, item)
		case o.err != nil:
			e.logger.Warn("pair scoring failed", p.field(item), zap.Error(o.err))
			batch.Failed = append(batch.Failed, Failure[T]{Item: item, Err: o.err})
		default:
			batch.Ranked = append(batch.Ranked, Ranked[T]{Item: item, Result: o.result})
		}
	}

	slices.SortStableFunc(batch.Ranked, func(a, b Ranked[T]) int {
		if c := cmp.Compare(b.Result.Score, a.Result.Score); c != 0 {
			return c
		}
		return p.tie(a.Item, b.Item)
	})
	batch.Ranked = trim(batch.Ranked, opts)

	e.logger.Info("batch ranked",
		zap.Int("items", len(items)),
		zap.Int("ranked", len(batch.Ranked)),
		zap.Int("failed", len(batch.Failed)),
		zap.Int("skipped", len(batch.Skipped)),
	)

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

func trim[T any](ranked []Ranked[T], opts Options) []Ranked[T] {
	if opts.MinScore > 0 {
		cut := len(ranked)
		for i, r := range ranked {
			if r.Result.Score < opts.MinScore {
				cut = i
				break
			}
		}
		ranked = ranked[:cut]
	}
	if opts.Limit > 0 && len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}
	return ranked
}

// score runs one pair. The oracle call itself is detached from ctx so an
// in-flight request completes; ctx only interrupts back-off waits.
func (e *Engine) score(ctx context.Context, candidateText, jobText string) (*domain.MatchResult, error) {
	if strings.TrimSpace(candidateText) == "" || strings.TrimSpace(jobText) == "" {
		return domain.EmptyMatch(), nil
	}
	if e.scorer == nil {
		return nil, apperr.E("ranking.score", apperr.ErrOracleUnavailable, errors.New("scorer is not configured"))
	}

	callCtx := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := utils.Backoff(attempt, e.cfg.BaseDelay, e.cfg.MaxDelay)
			e.logger.Debug("retrying pair", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			if err := utils.WaitFor(ctx, delay); err != nil {
				return nil, lastErr
			}
		}

		result, err := e.scorer.Score(callCtx, candidateText, jobText)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !apperr.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
