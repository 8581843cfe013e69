package filtering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/domain"
)

// Exclusions is the on-disk list of postings a user chose to skip.
type Exclusions struct {
	Items []*Excluded `json:"items"`
}

type Excluded struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	EmployerID string    `json:"employer_id,omitempty"`
	ExcludedAt time.Time `json:"excluded_at"`
}

// LoadExclusions reads path. A missing or empty file yields an empty list.
func LoadExclusions(path string) (*Exclusions, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Exclusions{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &Exclusions{}, nil
	}

	var excluded Exclusions
	if err := json.Unmarshal(data, &excluded); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &excluded, nil
}

// Add records jobs that are not in the list yet.
func (e *Exclusions) Add(now time.Time, jobs ...*domain.JobPosting) {
	seen := make(map[string]struct{}, len(e.Items))
	for _, item := range e.Items {
		seen[item.ID] = struct{}{}
	}
	for _, job := range jobs {
		if _, ok := seen[job.ID]; ok {
			continue
		}
		seen[job.ID] = struct{}{}
		e.Items = append(e.Items, &Excluded{
			ID:         job.ID,
			Title:      job.Title,
			EmployerID: job.EmployerID,
			ExcludedAt: now.UTC(),
		})
	}
}

func (e *Exclusions) IDs() []string {
	ids := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// Save overwrites path with the list.
func (e *Exclusions) Save(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

type excludeFileFilter struct {
	toggle
	path   string
	logger *zap.Logger
}

// NewExcludeFile creates a filter that removes postings listed in the exclusions file.
func NewExcludeFile(path string, logger *zap.Logger) Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &excludeFileFilter{
		path:   path,
		logger: logger,
	}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Validate() error { return nil }

func (f *excludeFileFilter) Apply(_ context.Context, jobs []*domain.JobPosting) ([]*domain.JobPosting, Step, error) {
	initial := len(jobs)
	if f.path == "" {
		return jobs, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	excluded, err := LoadExclusions(f.path)
	if err != nil {
		return jobs, Step{}, fmt.Errorf("getting excluded postings from file: %w", err)
	}

	ids := make(map[string]struct{}, len(excluded.Items))
	for _, id := range excluded.IDs() {
		ids[id] = struct{}{}
	}
	kept, removed := keep(jobs, func(job *domain.JobPosting) bool {
		_, ok := ids[job.ID]
		return !ok
	})
	if len(removed) > 0 {
		f.logger.Info("excluding postings based on exclude file",
			zap.String("path", f.path),
			zap.Strings("excluded_jobs", removed),
			zap.Int("jobs_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(removed), Left: len(kept)}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
