package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/filtering"
	"github.com/spigell/cv-matcher/internal/lifecycle"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/matching"
	"github.com/spigell/cv-matcher/internal/ranking"
	"github.com/spigell/cv-matcher/internal/resume"
	"github.com/spigell/cv-matcher/internal/storage"
)

const (
	PromptBack                = "back"
	PromptAppendToExcludeFile = "Append all listed jobs to exclude file"
	defaultFallbackMessage    = "Hello! I would like to apply for this position."
)

var errExit = errors.New("exit requested")

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank stored jobs for a candidate",
	Run: func(cmd *cobra.Command, _ []string) {
		rank(cmd)
	},
}

func init() {
	rootCmd.AddCommand(rankCmd)

	rankCmd.Flags().StringP("candidate", "c", "", "candidate id to rank jobs for")
	rankCmd.Flags().StringP("resume", "r", "", "resume file (pdf or text) to extract and store for the candidate first")
	rankCmd.Flags().Bool("remote-only", false, "keep remote jobs only")
	rankCmd.Flags().StringSlice("category", nil, "keep jobs of these categories")
	rankCmd.Flags().Int("min-salary", 0, "drop jobs paying less than this")
	rankCmd.Flags().Int("min-score", 0, "drop matches scoring below this")
	rankCmd.Flags().Int("limit", 0, "show at most this many matches")
	rankCmd.Flags().BoolP("do-not-exclude-applied", "f", false, "do not exclude jobs already applied to")
	rankCmd.Flags().BoolP("interactive", "i", false, "pick jobs to apply to after ranking")
	rankCmd.Flags().StringP("exclude-file", "e", "", "file with jobs to exclude. Default is unset.")

	viper.BindPFlag("matching.exclude-file", rankCmd.Flags().Lookup("exclude-file"))
}

func rank(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	candidateID, _ := cmd.Flags().GetString("candidate")
	if strings.TrimSpace(candidateID) == "" {
		logger.Fatal("candidate id is required", zap.String("hint", "pass --candidate"))
	}

	c, err := build(ctx, config, logger)
	if err != nil {
		logger.Fatal("building components", zap.Error(err))
	}
	defer c.Close()

	if err := loadSeed(ctx, c, config.SeedFile, logger); err != nil {
		logger.Fatal("loading seed", zap.Error(err))
	}

	if path, _ := cmd.Flags().GetString("resume"); path != "" {
		if err := storeResume(ctx, c, config, candidateID, path, logger); err != nil {
			logger.Fatal("processing resume", zap.Error(err))
		}
	}

	query := jobQuery(cmd)
	res, err := c.matching.MatchJobs(ctx, candidateID, query)
	if err != nil && res == nil {
		logger.Fatal("ranking failed", zap.Error(err))
	}
	if err != nil {
		logger.Warn("ranking interrupted", zap.Error(err), zap.Int("skipped", len(res.Batch.Skipped)))
	}

	for _, st := range res.Filters {
		logger.Debug("filter", zap.String("name", st.Name), zap.Bool("enabled", st.Enabled), zap.String("reason", st.Reason))
	}
	report(res.Batch, logger)

	if len(res.Batch.Ranked) == 0 {
		logger.Info("exiting", zap.String("reason", "no matching jobs"))
		return
	}

	if interactive, _ := cmd.Flags().GetBool("interactive"); !interactive {
		return
	}

	actor := domain.Actor{ID: candidateID, Role: domain.RoleApplicant}
	if err := manualApply(ctx, c, config, actor, res.Batch.Ranked, logger); err != nil && !errors.Is(err, errExit) {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func jobQuery(cmd *cobra.Command) matching.JobQuery {
	flags := cmd.Flags()
	remote, _ := flags.GetBool("remote-only")
	categories, _ := flags.GetStringSlice("category")
	minSalary, _ := flags.GetInt("min-salary")
	minScore, _ := flags.GetInt("min-score")
	limit, _ := flags.GetInt("limit")
	includeApplied, _ := flags.GetBool("do-not-exclude-applied")

	return matching.JobQuery{
		Posting:        filtering.PostingConfig{RemoteOnly: remote, Categories: categories, MinSalary: minSalary},
		IncludeApplied: includeApplied,
		MinScore:       minScore,
		Limit:          limit,
	}
}

func storeResume(ctx context.Context, c *components, config *Config, candidateID, path string, log *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read resume: %w", err)
	}
	name := filepath.Base(path)
	text, err := c.extractor.Extract(ctx, resume.Document{Name: name, Data: data})
	if err != nil {
		return err
	}

	now, err := c.store.Now(ctx)
	if err != nil {
		return err
	}
	uri, err := c.storage.Upload(ctx, data, storage.ObjectKey(candidateID, name, now))
	if err != nil {
		return fmt.Errorf("upload resume: %w", err)
	}

	candidate, err := c.store.Candidates().Get(ctx, candidateID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		candidate = &domain.Candidate{ID: candidateID}
	case err != nil:
		return err
	}
	candidate.ResumeURI = uri
	candidate.ResumeText = text
	candidate.Skills = resume.ExtractSkills(text, config.Resume.Skills)
	candidate.UpdatedAt = now
	if err := c.store.Candidates().Upsert(ctx, candidate); err != nil {
		return err
	}

	log.Info("resume stored", zap.String(logger.FieldCandidate, candidateID), zap.Strings("skills", candidate.Skills))
	return nil
}

func report(batch *ranking.Batch[*domain.JobPosting], log *zap.Logger) {
	for i, r := range batch.Ranked {
		log.Info("match",
			zap.Int("rank", i+1),
			zap.String(logger.FieldJob, r.Item.ID),
			zap.String("title", r.Item.Title),
			zap.String("employer", r.Item.EmployerID),
			zap.Int("score", r.Result.Score),
			zap.String("rationale", r.Result.Rationale),
		)
	}
	for _, f := range batch.Failed {
		log.Warn("scoring failed", zap.String(logger.FieldJob, f.Item.ID), zap.Error(f.Err))
	}
	log.Info("ranking finished",
		zap.Int("ranked", len(batch.Ranked)),
		zap.Int("failed", len(batch.Failed)),
		zap.Int("skipped", len(batch.Skipped)),
	)
}

func manualApply(ctx context.Context, c *components, config *Config, actor domain.Actor, ranked []ranking.Ranked[*domain.JobPosting], log *zap.Logger) error {
	jobs := make([]*domain.JobPosting, 0, len(ranked))
	scores := make(map[string]int, len(ranked))
	for _, r := range ranked {
		jobs = append(jobs, r.Item)
		scores[r.Item.ID] = r.Result.Score
	}

	for {
		items := make([]string, 0, len(jobs)+2)
		for _, job := range jobs {
			items = append(items, fmt.Sprintf("%s [%d] %s / %s", job.ID, scores[job.ID], job.Title, job.EmployerID))
		}

		excludeFile := config.Matching.ExcludeFile
		if excludeFile != "" && len(jobs) != 0 {
			items = append(items, PromptAppendToExcludeFile)
		}

		jobPrompt := promptui.Select{
			Label: "Choose a job and press ENTER",
			Items: append(items, PromptBack),
		}

		_, selected, err := jobPrompt.Run()
		if err != nil {
			return err
		}

		switch selected {
		case PromptBack:
			return errExit
		case PromptAppendToExcludeFile:
			excluded, err := filtering.LoadExclusions(excludeFile)
			if err != nil {
				return err
			}
			now, err := c.store.Now(ctx)
			if err != nil {
				return err
			}
			excluded.Add(now, jobs...)
			if err := excluded.Save(excludeFile); err != nil {
				return err
			}
			log.Info("appended to exclude file", zap.String("filename", excludeFile), zap.Int("count", len(jobs)))
			jobs = jobs[:0]
		default:
			jobID := strings.Split(selected, " ")[0]
			if err := apply(ctx, c, config, actor, jobID, log); err != nil {
				return err
			}
			jobs = dropJob(jobs, jobID)
		}

		if len(jobs) == 0 {
			return errExit
		}
	}
}

func apply(ctx context.Context, c *components, config *Config, actor domain.Actor, jobID string, log *zap.Logger) error {
	message := config.Apply.CoverLetter
	if message == "" {
		message = defaultFallbackMessage
		log.Warn("falling back to default built-in cover letter",
			zap.String(logger.FieldJob, jobID),
			zap.String("hint", "specify apply.cover-letter"),
		)
	}

	letter := promptui.Prompt{Label: "Cover letter", Default: message, AllowEdit: true}
	text, err := letter.Run()
	if err != nil {
		return err
	}

	app, err := c.machine.Submit(ctx, lifecycle.SubmitRequest{
		CandidateID: actor.ID,
		JobID:       jobID,
		CoverLetter: text,
		Score:       config.Apply.Score,
	}, actor)
	if err != nil {
		return err
	}

	log.Info("successfully applied to job",
		zap.String(logger.FieldJob, jobID),
		zap.String(logger.FieldApplication, app.ID),
	)
	return nil
}

func dropJob(jobs []*domain.JobPosting, id string) []*domain.JobPosting {
	out := jobs[:0]
	for _, j := range jobs {
		if j.ID != id {
			out = append(out, j)
		}
	}
	return out
}
