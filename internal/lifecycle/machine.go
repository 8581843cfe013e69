// Package lifecycle moves applications through their status workflow.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/store"
)

const DefaultMaxAttempts = 3

// PairScorer computes the match score stored on submission.
type PairScorer interface {
	ScorePair(ctx context.Context, candidateText, jobText string) (*domain.MatchResult, error)
}

// Machine validates and persists application changes.
type Machine struct {
	store       store.Store
	notifier    Notifier
	scorer      PairScorer
	newID       func() string
	maxAttempts int
	logger      *zap.Logger
}

type Option func(*Machine)

// WithScorer enables match scores on submission.
func WithScorer(s PairScorer) Option { return func(m *Machine) { m.scorer = s } }

// WithIDGenerator replaces the application ID generator.
func WithIDGenerator(fn func() string) Option { return func(m *Machine) { m.newID = fn } }

// WithMaxAttempts bounds retries after version conflicts.
func WithMaxAttempts(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func New(st store.Store, notifier Notifier, log *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:       st,
		notifier:    notifier,
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.Named(log, "lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition moves an application to status on behalf of actor. The
// history entry is stamped by the store clock. Concurrent writers are
// resolved with a version check; the loser reloads and revalidates.
func (m *Machine) Transition(ctx context.Context, applicationID string, to domain.Status, actor domain.Actor) (*domain.Application, error) {
	const op = "lifecycle.Transition"

	if !to.Valid() {
		return nil, apperr.E(op, apperr.ErrInvalidInput, fmt.Errorf("unknown status %q", to))
	}

	app, err := m.store.Applications().Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	job, err := m.store.Jobs().Get(ctx, app.JobID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if err := canManage(actor, job); err != nil {
		return nil, apperr.E(op, apperr.ErrForbidden, err)
	}

	var updated *domain.Application
	for attempt := 1; ; attempt++ {
		if !domain.CanTransition(app.Status, to) {
			return nil, apperr.E(op, apperr.ErrInvalidTransition,
				fmt.Errorf("application %q cannot move from %s to %s", app.ID, app.Status, to))
		}

		updated, err = m.store.Applications().AppendStatus(ctx, app.ID, app.Version, to)
		if err == nil {
			break
		}
		if !errors.Is(err, apperr.ErrVersionConflict) || attempt >= m.maxAttempts {
			return nil, err
		}

		m.logger.Debug("version conflict, reloading",
			zap.String(logger.FieldApplication, app.ID),
			zap.Int("attempt", attempt),
		)
		if app, err = m.store.Applications().Get(ctx, applicationID); err != nil {
			return nil, err
		}
	}

	from := updated.History[len(updated.History)-2].Status
	m.logger.Info("application status changed",
		zap.String(logger.FieldApplication, updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String(logger.FieldActor, actor.ID),
	)

	m.dispatch(ctx, Event{
		Kind:        EventStatusChanged,
		Application: updated.Clone(),
		From:        from,
		To:          to,
		Actor:       actor,
		RecipientID: updated.CandidateID,
		SenderID:    senderFor(actor, job),
		JobTitle:    titleOf(job),
	})
	return updated, nil
}

// SubmitRequest describes a new application.
type SubmitRequest struct {
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id"`
	ResumeURI   string `json:"resume_uri"`
	CoverLetter string `json:"cover_letter"`
	// Score computes the match score before the application is stored.
	Score bool `json:"score"`
}

// Submit creates an application in the initial state and notifies the employer.
func (m *Machine) Submit(ctx context.Context, req SubmitRequest, actor domain.Actor) (*domain.Application, error) {
	const op = "lifecycle.Submit"

	req.CandidateID = strings.TrimSpace(req.CandidateID)
	req.JobID = strings.TrimSpace(req.JobID)
	if req.CandidateID == "" || req.JobID == "" {
		return nil, apperr.E(op, apperr.ErrInvalidInput, errors.New("candidate and job are required"))
	}
	if !actor.Privileged() && (actor.Role != domain.RoleApplicant || actor.ID != req.CandidateID) {
		return nil, apperr.E(op, apperr.ErrForbidden, fmt.Errorf("%s %q cannot apply for candidate %q", actor.Role, actor.ID, req.CandidateID))
	}

	job, err := m.store.Jobs().Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	candidate, err := m.store.Candidates().Get(ctx, req.CandidateID)
	if err != nil {
		return nil, err
	}

	now, err := m.store.Now(ctx)
	if err != nil {
		return nil, err
	}
	app := domain.NewApplication(m.newID(), candidate.ID, job.ID, now)
	app.ResumeURI = req.ResumeURI
	if app.ResumeURI == "" {
		app.ResumeURI = candidate.ResumeURI
	}
	app.CoverLetter = strings.TrimSpace(req.CoverLetter)

	if req.Score {
		app.MatchScore = m.matchScore(ctx, candidate, job)
	}

	if err := m.store.Applications().Create(ctx, app); err != nil {
		return nil, err
	}
	m.logger.Info("application submitted",
		append(logger.PairFields(candidate.ID, job.ID), zap.String(logger.FieldApplication, app.ID))...)

	m.dispatch(ctx, Event{
		Kind:        EventSubmitted,
		Application: app.Clone(),
		To:          domain.StatusNew,
		Actor:       actor,
		RecipientID: job.EmployerID,
		SenderID:    candidate.ID,
		JobTitle:    job.Title,
	})
	return app, nil
}

// Rescore recomputes and stores the match score of an application.
func (m *Machine) Rescore(ctx context.Context, applicationID string, actor domain.Actor) (*domain.Application, error) {
	const op = "lifecycle.Rescore"

	if m.scorer == nil {
		return nil, apperr.E(op, apperr.ErrOracleUnavailable, errors.New("scorer is not configured"))
	}
	app, err := m.store.Applications().Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	job, err := m.store.Jobs().Get(ctx, app.JobID)
	if err != nil {
		return nil, err
	}
	if err := canManage(actor, job); err != nil {
		return nil, apperr.E(op, apperr.ErrForbidden, err)
	}
	candidate, err := m.store.Candidates().Get(ctx, app.CandidateID)
	if err != nil {
		return nil, err
	}

	res, err := m.scorer.ScorePair(ctx, candidate.Text(), job.Text())
	if err != nil {
		return nil, err
	}
	if err := m.store.Applications().SetMatchScore(ctx, app.ID, res.Score); err != nil {
		return nil, err
	}
	return m.store.Applications().Get(ctx, app.ID)
}

// Delete removes an application. Terminal applications can only be removed
// by an admin with override. Messages tied to the application are kept and
// detached in the same transaction.
func (m *Machine) Delete(ctx context.Context, applicationID string, actor domain.Actor, override bool) error {
	const op = "lifecycle.Delete"

	app, err := m.store.Applications().Get(ctx, applicationID)
	if err != nil {
		return err
	}

	owner := actor.Role == domain.RoleApplicant && actor.ID == app.CandidateID
	if !owner {
		job, err := m.store.Jobs().Get(ctx, app.JobID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if err := canManage(actor, job); err != nil {
			return apperr.E(op, apperr.ErrForbidden, err)
		}
	}
	if app.Status.IsTerminal() && !(override && actor.Role == domain.RoleAdmin) {
		return apperr.E(op, apperr.ErrDeleteForbidden,
			fmt.Errorf("application %q is %s; only an admin override can delete it", app.ID, app.Status))
	}

	detached := 0
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		n, err := tx.Messages().DetachApplication(ctx, app.ID)
		if err != nil {
			return err
		}
		detached = n
		return tx.Applications().Delete(ctx, app.ID)
	})
	if err != nil {
		return err
	}

	m.logger.Info("application deleted",
		zap.String(logger.FieldApplication, app.ID),
		zap.String(logger.FieldActor, actor.ID),
		zap.Int("detached_messages", detached),
		zap.Bool("override", override),
	)
	return nil
}

func (m *Machine) Get(ctx context.Context, applicationID string) (*domain.Application, error) {
	return m.store.Applications().Get(ctx, applicationID)
}

func (m *Machine) ListForCandidate(ctx context.Context, candidateID string) ([]*domain.Application, error) {
	return m.store.Applications().ListByCandidate(ctx, candidateID)
}

func (m *Machine) ListForJob(ctx context.Context, jobID string) ([]*domain.Application, error) {
	return m.store.Applications().ListByJob(ctx, jobID)
}

func (m *Machine) matchScore(ctx context.Context, candidate *domain.Candidate, job *domain.JobPosting) *int {
	if m.scorer == nil {
		return nil
	}
	res, err := m.scorer.ScorePair(ctx, candidate.Text(), job.Text())
	if err != nil {
		m.logger.Warn("scoring on submission failed", append(logger.PairFields(candidate.ID, job.ID), zap.Error(err))...)
		return nil
	}
	score := res.Score
	return &score
}

// dispatch runs after commit. A failure cannot undo the change, so it is
// only reported.
func (m *Machine) dispatch(ctx context.Context, ev Event) {
	if m.notifier == nil || ev.RecipientID == "" {
		return
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		logger.ConsistencyWarning(m.logger, "notification dispatch failed",
			zap.String(logger.FieldApplication, ev.Application.ID),
			zap.String(logger.FieldRecipient, ev.RecipientID),
			zap.String("event", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

// canManage allows admins, the system and the employer owning job.
func canManage(actor domain.Actor, job *domain.JobPosting) error {
	if actor.Privileged() {
		return nil
	}
	if actor.Role == domain.RoleEmployer && job != nil && job.EmployerID == actor.ID {
		return nil
	}
	return fmt.Errorf("%s %q does not manage this application", actor.Role, actor.ID)
}

func senderFor(actor domain.Actor, job *domain.JobPosting) string {
	if actor.Role == domain.RoleEmployer {
		return actor.ID
	}
	if job != nil && job.EmployerID != "" {
		return job.EmployerID
	}
	return domain.SystemActor.ID
}

func titleOf(job *domain.JobPosting) string {
	if job == nil {
		return ""
	}
	return job.Title
}
