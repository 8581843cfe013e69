package filtering

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/domain"
)

type employersFilter struct {
	toggle
	employers []string
	logger    *zap.Logger
}

// NewExcludedEmployers creates a filter that removes postings by the listed employers.
func NewExcludedEmployers(employers []string, logger *zap.Logger) Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &employersFilter{
		employers: employers,
		logger:    logger,
	}
}

func (f *employersFilter) Name() string { return "employers" }

func (f *employersFilter) Validate() error { return nil }

func (f *employersFilter) Apply(_ context.Context, jobs []*domain.JobPosting) ([]*domain.JobPosting, Step, error) {
	initial := len(jobs)
	if len(f.employers) == 0 {
		return jobs, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	kept, excluded := keep(jobs, func(job *domain.JobPosting) bool {
		return !slices.Contains(f.employers, job.EmployerID)
	})
	if len(excluded) > 0 {
		f.logger.Info("excluding postings by employers",
			zap.Strings("excluded_employers", f.employers),
			zap.Strings("excluded_jobs", excluded),
			zap.Int("jobs_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(excluded), Left: len(kept)}, nil
}

func (f *employersFilter) Status() Status {
	details := map[string]string{}
	if len(f.employers) > 0 {
		details["employers"] = strings.Join(f.employers, ",")
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
