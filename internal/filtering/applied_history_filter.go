package filtering

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/store"
)

const forceFlagSetMsg = "force flag is set"

type appliedHistoryFilter struct {
	toggle
	deps        *AppliedHistoryDeps
	candidateID string
	ignore      bool
}

type AppliedHistoryDeps struct {
	Applications store.Applications
	Logger       *zap.Logger
}

type AppliedHistoryConfig struct {
	CandidateID string
	Ignore      bool
}

// NewAppliedHistory creates a filter that removes postings the candidate already applied to.
func NewAppliedHistory(cfg *AppliedHistoryConfig, deps *AppliedHistoryDeps) Filter {
	f := &appliedHistoryFilter{deps: deps}
	if cfg != nil {
		f.candidateID = cfg.CandidateID
		f.ignore = cfg.Ignore
	}
	return f
}

func (f *appliedHistoryFilter) Name() string { return "applied_history" }

func (f *appliedHistoryFilter) Validate() error {
	if f.deps == nil || f.deps.Applications == nil {
		return fmt.Errorf("applications repository is required")
	}
	if f.deps.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if f.candidateID == "" {
		return fmt.Errorf("candidate id is required")
	}
	return nil
}

func (f *appliedHistoryFilter) Apply(ctx context.Context, jobs []*domain.JobPosting) ([]*domain.JobPosting, Step, error) {
	initial := len(jobs)
	if f.ignore {
		f.deps.Logger.Info("ignoring already applied postings", zap.String("reason", forceFlagSetMsg))
		return jobs, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	apps, err := f.deps.Applications.ListByCandidate(ctx, f.candidateID)
	if err != nil {
		return jobs, Step{}, fmt.Errorf("list applications of %q: %w", f.candidateID, err)
	}
	applied := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		applied[app.JobID] = struct{}{}
	}

	kept, excluded := keep(jobs, func(job *domain.JobPosting) bool {
		_, ok := applied[job.ID]
		return !ok
	})
	if len(excluded) > 0 {
		f.deps.Logger.Info("excluding postings based on existing applications",
			zap.Strings("excluded_jobs", excluded),
			zap.Int("jobs_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(excluded), Left: len(kept)}, nil
}

func (f *appliedHistoryFilter) Status() Status {
	details := map[string]string{
		"exclude_applied": strconv.FormatBool(!f.ignore),
	}
	reason := f.reason
	if f.ignore && reason == "" {
		reason = "skip requested via flag"
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: reason, Details: details}
}
