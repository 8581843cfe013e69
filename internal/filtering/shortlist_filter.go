package filtering

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/store"
)

// overfetch widens the nearest-neighbour query because earlier steps may
// already have removed some of the closest postings.
const overfetch = 4

type ShortlistDeps struct {
	Embedder ai.Embedder
	Jobs     store.Jobs
	Logger   *zap.Logger
}

type ShortlistConfig struct {
	CandidateText string
	Size          int
}

type shortlistFilter struct {
	toggle
	cfg  ShortlistConfig
	deps *ShortlistDeps
}

// NewShortlist keeps only the postings whose embeddings are nearest to the
// candidate text.
func NewShortlist(cfg ShortlistConfig, deps *ShortlistDeps) Filter {
	f := &shortlistFilter{cfg: cfg, deps: deps}
	if deps == nil || deps.Embedder == nil {
		f.Disable("embedder is not configured")
	}
	return f
}

func (f *shortlistFilter) Name() string { return "shortlist" }

func (f *shortlistFilter) Validate() error {
	if f.deps == nil || f.deps.Jobs == nil {
		return fmt.Errorf("jobs repository is required")
	}
	if f.deps.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if f.cfg.Size <= 0 {
		return fmt.Errorf("shortlist size must be positive")
	}
	return nil
}

func (f *shortlistFilter) Apply(ctx context.Context, jobs []*domain.JobPosting) ([]*domain.JobPosting, Step, error) {
	initial := len(jobs)
	if initial <= f.cfg.Size || strings.TrimSpace(f.cfg.CandidateText) == "" {
		return jobs, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	vec, err := f.deps.Embedder.Embed(ctx, f.cfg.CandidateText)
	if err != nil {
		f.deps.Logger.Warn("embedding candidate failed. Shortlist is skipped.", zap.Error(err))
		return jobs, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	nearest, err := f.deps.Jobs.Nearest(ctx, vec, f.cfg.Size*overfetch)
	if err != nil {
		return jobs, Step{}, fmt.Errorf("nearest postings: %w", err)
	}

	present := make(map[string]*domain.JobPosting, len(jobs))
	for _, job := range jobs {
		present[job.ID] = job
	}
	kept := make([]*domain.JobPosting, 0, f.cfg.Size)
	for _, hit := range nearest {
		if job, ok := present[hit.ID]; ok {
			kept = append(kept, job)
			delete(present, hit.ID)
			if len(kept) == f.cfg.Size {
				break
			}
		}
	}

	f.deps.Logger.Info("shortlisted postings by embedding distance",
		zap.Int("initial", initial),
		zap.Int("kept", len(kept)),
	)
	return kept, Step{Initial: initial, Dropped: initial - len(kept), Left: len(kept)}, nil
}

func (f *shortlistFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{"size": strconv.Itoa(f.cfg.Size)},
	}
}
