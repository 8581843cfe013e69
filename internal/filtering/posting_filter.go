package filtering

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/domain"
)

// PostingConfig restricts postings by their own attributes.
type PostingConfig struct {
	RemoteOnly bool     `mapstructure:"remote-only" json:"remote_only"`
	Categories []string `mapstructure:"categories" json:"categories"`
	// MinSalary drops postings whose upper bound is known and below it.
	MinSalary int `mapstructure:"min-salary" json:"min_salary"`
}

type postingFilter struct {
	toggle
	cfg    PostingConfig
	logger *zap.Logger
}

// NewPosting creates a filter on remote flag, category and salary.
func NewPosting(cfg PostingConfig, logger *zap.Logger) Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &postingFilter{cfg: cfg, logger: logger}
}

func (f *postingFilter) Name() string { return "posting" }

func (f *postingFilter) Validate() error {
	if f.cfg.MinSalary < 0 {
		return fmt.Errorf("min salary must not be negative")
	}
	return nil
}

func (f *postingFilter) Apply(_ context.Context, jobs []*domain.JobPosting) ([]*domain.JobPosting, Step, error) {
	initial := len(jobs)
	kept, excluded := keep(jobs, f.accepts)
	if len(excluded) > 0 {
		f.logger.Info("excluding postings by attributes",
			zap.Strings("excluded_jobs", excluded),
			zap.Int("jobs_left", len(kept)),
		)
	}
	return kept, Step{Initial: initial, Dropped: len(excluded), Left: len(kept)}, nil
}

func (f *postingFilter) accepts(job *domain.JobPosting) bool {
	if f.cfg.RemoteOnly && !job.Remote {
		return false
	}
	if len(f.cfg.Categories) > 0 {
		found := false
		for _, c := range f.cfg.Categories {
			if strings.EqualFold(strings.TrimSpace(c), job.Category) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.cfg.MinSalary > 0 && job.Salary != nil {
		top := job.Salary.To
		if top == 0 {
			top = job.Salary.From
		}
		if top > 0 && top < f.cfg.MinSalary {
			return false
		}
	}
	return true
}

func (f *postingFilter) Status() Status {
	details := map[string]string{
		"remote_only": strconv.FormatBool(f.cfg.RemoteOnly),
	}
	if len(f.cfg.Categories) > 0 {
		details["categories"] = strings.Join(f.cfg.Categories, ",")
	}
	if f.cfg.MinSalary > 0 {
		details["min_salary"] = strconv.Itoa(f.cfg.MinSalary)
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
