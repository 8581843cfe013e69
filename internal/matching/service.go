// Package matching loads profiles from the store, narrows postings with the
// filter steps and hands the rest to the ranking engine.
package matching

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/filtering"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/ranking"
	"github.com/spigell/cv-matcher/internal/store"
)

// Config holds the defaults applied to every query.
type Config struct {
	ExcludedEmployers []string `mapstructure:"excluded-employers"`
	ExcludeFile       string   `mapstructure:"exclude-file"`
	// ShortlistSize is the number of nearest postings kept before scoring.
	// Zero disables the vector shortlist.
	ShortlistSize int `mapstructure:"shortlist-size"`
}

// JobQuery narrows the postings ranked for one candidate.
type JobQuery struct {
	Posting           filtering.PostingConfig `json:"posting"`
	ExcludedEmployers []string                `json:"excluded_employers"`
	// IncludeApplied keeps postings the candidate already applied to.
	IncludeApplied bool `json:"include_applied"`
	MinScore       int  `json:"min_score"`
	Limit          int  `json:"limit"`
}

// CandidateQuery narrows the candidates ranked for one posting.
type CandidateQuery struct {
	// AppliedOnly ranks only candidates with an application for the posting.
	AppliedOnly bool `json:"applied_only"`
	MinScore    int  `json:"min_score"`
	Limit       int  `json:"limit"`
}

// JobMatches is the outcome of ranking postings for a candidate.
type JobMatches struct {
	Batch   *ranking.Batch[*domain.JobPosting] `json:"batch"`
	Filters []filtering.Status                 `json:"filters"`
}

type Service struct {
	store    store.Store
	engine   *ranking.Engine
	embedder ai.Embedder
	cfg      Config
	logger   *zap.Logger
}

// New builds a service. embedder may be nil, which disables the shortlist.
func New(st store.Store, engine *ranking.Engine, embedder ai.Embedder, cfg Config, log *zap.Logger) *Service {
	return &Service{
		store:    st,
		engine:   engine,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named(log, "matching"),
	}
}

// Steps returns the filter steps for candidate in the order they run.
func (s *Service) Steps(candidate *domain.Candidate, q JobQuery) []filtering.Filter {
	employers := append(append([]string{}, s.cfg.ExcludedEmployers...), q.ExcludedEmployers...)

	steps := []filtering.Filter{
		filtering.NewPosting(q.Posting, s.logger),
		filtering.NewExcludedEmployers(employers, s.logger),
		filtering.NewAppliedHistory(
			&filtering.AppliedHistoryConfig{CandidateID: candidate.ID, Ignore: q.IncludeApplied},
			&filtering.AppliedHistoryDeps{Applications: s.store.Applications(), Logger: s.logger},
		),
	}
	if s.cfg.ExcludeFile != "" {
		steps = append(steps, filtering.NewExcludeFile(s.cfg.ExcludeFile, s.logger))
	}

	shortlist := filtering.NewShortlist(
		filtering.ShortlistConfig{CandidateText: candidate.Text(), Size: s.cfg.ShortlistSize},
		&filtering.ShortlistDeps{Embedder: s.embedder, Jobs: s.store.Jobs(), Logger: s.logger},
	)
	if s.cfg.ShortlistSize <= 0 {
		shortlist.Disable("shortlist size is not set")
	}
	return append(steps, shortlist)
}

// FilterJobs returns the stored postings that pass every step for candidate.
func (s *Service) FilterJobs(ctx context.Context, candidateID string, q JobQuery) (*domain.Candidate, []*domain.JobPosting, []filtering.Status, error) {
	candidate, err := s.store.Candidates().Get(ctx, candidateID)
	if err != nil {
		return nil, nil, nil, err
	}
	jobs, err := s.store.Jobs().List(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	steps := s.Steps(candidate, q)
	jobs, err = filtering.Run(ctx, s.logger, steps, jobs)
	switch {
	case err == nil:
	case ctx.Err() != nil, apperr.KindOf(err) != apperr.KindInternal:
		return nil, nil, nil, err
	default:
		return nil, nil, nil, apperr.E("matching.FilterJobs", apperr.ErrInvalidInput, err)
	}
	return candidate, jobs, filtering.Describe(steps), nil
}

// MatchJobs ranks stored postings for a candidate. A cancelled ranking
// still returns the partial batch alongside the context error.
func (s *Service) MatchJobs(ctx context.Context, candidateID string, q JobQuery) (*JobMatches, error) {
	candidate, jobs, statuses, err := s.FilterJobs(ctx, candidateID, q)
	if err != nil {
		return nil, err
	}

	batch, err := s.engine.RankJobsForCandidate(ctx, candidate.Text(), jobs, ranking.Options{MinScore: q.MinScore, Limit: q.Limit})
	if batch == nil {
		return nil, err
	}
	return &JobMatches{Batch: batch, Filters: statuses}, err
}

// MatchCandidates ranks candidates for a stored posting.
func (s *Service) MatchCandidates(ctx context.Context, jobID string, q CandidateQuery) (*ranking.Batch[*domain.Candidate], error) {
	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var candidates []*domain.Candidate
	if q.AppliedOnly {
		candidates, err = s.applicants(ctx, jobID)
	} else {
		candidates, err = s.store.Candidates().List(ctx)
	}
	if err != nil {
		return nil, err
	}

	return s.engine.RankCandidatesForJob(ctx, job.Text(), candidates, ranking.Options{MinScore: q.MinScore, Limit: q.Limit})
}

func (s *Service) applicants(ctx context.Context, jobID string) ([]*domain.Candidate, error) {
	apps, err := s.store.Applications().ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Candidate, 0, len(apps))
	for _, app := range apps {
		c, err := s.store.Candidates().Get(ctx, app.CandidateID)
		if errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("application references a missing candidate",
				zap.String(logger.FieldApplication, app.ID), zap.String(logger.FieldCandidate, app.CandidateID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load applicant %q: %w", app.CandidateID, err)
		}
		out = append(out, c)
	}
	return out, nil
}
