package api

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/lifecycle"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/matching"
	"github.com/spigell/cv-matcher/internal/ranking"
	"github.com/spigell/cv-matcher/internal/resume"
	"github.com/spigell/cv-matcher/internal/storage"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	actorKey = "actor"
)

// requireActor reads the acting user from headers. The system role is
// reserved for in-process callers.
func requireActor(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(HeaderActorID))
	if id == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing "+HeaderActorID+" header")
	}
	role, err := domain.ParseRole(c.Get(HeaderActorRole))
	if err != nil {
		return err
	}
	if role == domain.RoleSystem {
		return apperr.E("api.requireActor", apperr.ErrForbidden, errors.New("system role cannot be used over http"))
	}
	c.Locals(actorKey, domain.Actor{ID: id, Role: role})
	return c.Next()
}

func actorOf(c *fiber.Ctx) domain.Actor {
	actor, _ := c.Locals(actorKey).(domain.Actor)
	return actor
}

func parseBody(c *fiber.Ctx, op string, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperr.E(op, apperr.ErrInvalidInput, err)
	}
	return nil
}

// actsFor reports whether actor may act on behalf of candidateID.
func actsFor(actor domain.Actor, candidateID string) bool {
	return actor.Privileged() || (actor.Role == domain.RoleApplicant && actor.ID == candidateID)
}

func (s *Server) uploadResume(c *fiber.Ctx) error {
	const op = "api.uploadResume"
	ctx := c.UserContext()
	actor := actorOf(c)

	candidateID := strings.TrimSpace(c.FormValue("candidate_id"))
	if candidateID == "" {
		candidateID = actor.ID
	}
	if !actsFor(actor, candidateID) {
		return apperr.E(op, apperr.ErrForbidden, fmt.Errorf("%s %q cannot upload for %q", actor.Role, actor.ID, candidateID))
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return apperr.E(op, apperr.ErrInvalidInput, fmt.Errorf("file is required: %w", err))
	}
	limit := s.deps.Extractor.MaxBytes()
	if fh.Size > limit {
		return apperr.E(op, apperr.ErrTooLarge, fmt.Errorf("%d bytes exceeds limit of %d", fh.Size, limit))
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}

	doc := resume.Document{Name: fh.Filename, ContentType: fh.Header.Get(fiber.HeaderContentType), Data: data}
	text, err := s.deps.Extractor.Extract(ctx, doc)
	if err != nil {
		return err
	}

	now, err := s.deps.Store.Now(ctx)
	if err != nil {
		return err
	}
	key := storage.ObjectKey(candidateID, fh.Filename, now)
	uri, err := s.deps.Storage.Upload(ctx, data, key)
	if err != nil {
		return apperr.E(op, apperr.ErrStoreUnavailable, err)
	}

	candidate, err := s.deps.Store.Candidates().Get(ctx, candidateID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		candidate = &domain.Candidate{ID: candidateID}
	case err != nil:
		return err
	}
	if name := strings.TrimSpace(c.FormValue("name")); name != "" {
		candidate.Name = name
	}
	candidate.ResumeURI = uri
	candidate.ResumeText = text
	candidate.Skills = resume.ExtractSkills(text, s.deps.Skills)
	candidate.UpdatedAt = now
	if err := s.deps.Store.Candidates().Upsert(ctx, candidate); err != nil {
		return err
	}

	s.logger.Info("resume uploaded",
		zap.String(logger.FieldCandidate, candidateID),
		zap.String("uri", uri),
		zap.Int("skills", len(candidate.Skills)),
	)
	return respond(c, fiber.StatusCreated, "resume processed", fiber.Map{
		"candidate":  candidate,
		"public_url": s.deps.Storage.PublicURL(key),
	})
}

func (s *Server) putJob(c *fiber.Ctx) error {
	const op = "api.putJob"
	ctx := c.UserContext()
	actor := actorOf(c)

	var job domain.JobPosting
	if err := parseBody(c, op, &job); err != nil {
		return err
	}
	job.ID = c.Params("id")
	if job.EmployerID == "" {
		job.EmployerID = actor.ID
	}
	if !actor.Privileged() && (actor.Role != domain.RoleEmployer || actor.ID != job.EmployerID) {
		return apperr.E(op, apperr.ErrForbidden, fmt.Errorf("%s %q cannot publish for %q", actor.Role, actor.ID, job.EmployerID))
	}
	if existing, err := s.deps.Store.Jobs().Get(ctx, job.ID); err == nil && !actor.Privileged() && existing.EmployerID != actor.ID {
		return apperr.E(op, apperr.ErrForbidden, fmt.Errorf("job %q belongs to another employer", job.ID))
	}
	if strings.TrimSpace(job.Title) == "" {
		return apperr.E(op, apperr.ErrInvalidInput, errors.New("title is required"))
	}
	if job.PostedAt.IsZero() {
		now, err := s.deps.Store.Now(ctx)
		if err != nil {
			return err
		}
		job.PostedAt = now
	}
	if err := s.deps.Store.Jobs().Upsert(ctx, &job); err != nil {
		return err
	}

	if s.deps.Indexer != nil {
		if _, err := s.deps.Indexer.Index(ctx, []*domain.JobPosting{&job}); err != nil {
			s.logger.Warn("indexing job failed", zap.String(logger.FieldJob, job.ID), zap.Error(err))
		}
	}
	return respond(c, fiber.StatusOK, "job saved", &job)
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, err := s.deps.Store.Jobs().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "job", job)
}

func (s *Server) getCandidate(c *fiber.Ctx) error {
	actor := actorOf(c)
	id := c.Params("id")
	if actor.Role == domain.RoleApplicant && actor.ID != id {
		return apperr.E("api.getCandidate", apperr.ErrForbidden, fmt.Errorf("applicant %q cannot read %q", actor.ID, id))
	}
	candidate, err := s.deps.Store.Candidates().Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "candidate", candidate)
}

type rankedView struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Score        int      `json:"score"`
	Rationale    string   `json:"rationale"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	Cached       bool     `json:"cached,omitempty"`
}

type failureView struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type batchView struct {
	Ranked  []rankedView  `json:"ranked"`
	Failed  []failureView `json:"failed"`
	Skipped []string      `json:"skipped"`
}

func viewBatch[T any](b *ranking.Batch[T], id func(T) string, title func(T) string) batchView {
	out := batchView{
		Ranked:  make([]rankedView, 0, len(b.Ranked)),
		Failed:  make([]failureView, 0, len(b.Failed)),
		Skipped: make([]string, 0, len(b.Skipped)),
	}
	for _, r := range b.Ranked {
		out.Ranked = append(out.Ranked, rankedView{
			ID:           id(r.Item),
			Title:        title(r.Item),
			Score:        r.Result.Score,
			Rationale:    r.Result.Rationale,
			Strengths:    r.Result.Strengths,
			Improvements: r.Result.Improvements,
			Cached:       r.Result.Cached,
		})
	}
	for _, f := range b.Failed {
		out.Failed = append(out.Failed, failureView{ID: id(f.Item), Error: f.Err.Error(), Kind: apperr.KindOf(f.Err).String()})
	}
	for _, item := range b.Skipped {
		out.Skipped = append(out.Skipped, id(item))
	}
	return out
}

func (s *Server) matchJobs(c *fiber.Ctx) error {
	const op = "api.matchJobs"
	actor := actorOf(c)
	candidateID := c.Params("id")
	if actor.Role == domain.RoleApplicant && actor.ID != candidateID {
		return apperr.E(op, apperr.ErrForbidden, fmt.Errorf("applicant %q cannot match for %q", actor.ID, candidateID))
	}

	var q matching.JobQuery
	if len(c.Body()) > 0 {
		if err := parseBody(c, op, &q); err != nil {
			return err
		}
	}

	res, err := s.deps.Matching.MatchJobs(c.UserContext(), candidateID, q)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "jobs ranked", fiber.Map{
		"matches": viewBatch(res.Batch,
			func(j *domain.JobPosting) string { return j.ID },
			func(j *domain.JobPosting) string { return j.Title }),
		"filters": res.Filters,
	})
}

func (s *Server) matchCandidates(c *fiber.Ctx) error {
	const op = "api.matchCandidates"
	ctx := c.UserContext()
	actor := actorOf(c)

	job, err := s.deps.Store.Jobs().Get(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	if !actor.Privileged() && (actor.Role != domain.RoleEmployer || actor.ID != job.EmployerID) {
		return apperr.E(op, apperr.ErrForbidden, fmt.Errorf("%s %q does not own job %q", actor.Role, actor.ID, job.ID))
	}

	var q matching.CandidateQuery
	if len(c.Body()) > 0 {
		if err := parseBody(c, op, &q); err != nil {
			return err
		}
	}

	batch, err := s.deps.Matching.MatchCandidates(ctx, job.ID, q)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "candidates ranked", viewBatch(batch,
		func(cd *domain.Candidate) string { return cd.ID },
		func(cd *domain.Candidate) string { return cd.Name }))
}

func (s *Server) submitApplication(c *fiber.Ctx) error {
	var req lifecycle.SubmitRequest
	if err := parseBody(c, "api.submitApplication", &req); err != nil {
		return err
	}
	app, err := s.deps.Lifecycle.Submit(c.UserContext(), req, actorOf(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusCreated, "application submitted", app)
}

func (s *Server) getApplication(c *fiber.Ctx) error {
	ctx := c.UserContext()
	actor := actorOf(c)

	app, err := s.deps.Lifecycle.Get(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	if err := s.canRead(c, actor, app); err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "application", app)
}

// canRead allows the applicant, the employer owning the job and privileged actors.
func (s *Server) canRead(c *fiber.Ctx, actor domain.Actor, app *domain.Application) error {
	const op = "api.canRead"
	switch {
	case actor.Privileged():
		return nil
	case actor.Role == domain.RoleApplicant:
		if actor.ID == app.CandidateID {
			return nil
		}
	case actor.Role == domain.RoleEmployer:
		job, err := s.deps.Store.Jobs().Get(c.UserContext(), app.JobID)
		if err != nil {
			return err
		}
		if job.EmployerID == actor.ID {
			return nil
		}
	}
	return apperr.E(op, apperr.ErrForbidden, fmt.Errorf("%s %q cannot read application %q", actor.Role, actor.ID, app.ID))
}

func (s *Server) listCandidateApplications(c *fiber.Ctx) error {
	actor := actorOf(c)
	id := c.Params("id")
	if actor.Role == domain.RoleApplicant && actor.ID != id {
		return apperr.E("api.listCandidateApplications", apperr.ErrForbidden, fmt.Errorf("applicant %q cannot list %q", actor.ID, id))
	}
	apps, err := s.deps.Lifecycle.ListForCandidate(c.UserContext(), id)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "applications", apps)
}

func (s *Server) listJobApplications(c *fiber.Ctx) error {
	ctx := c.UserContext()
	actor := actorOf(c)
	job, err := s.deps.Store.Jobs().Get(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	if !actor.Privileged() && (actor.Role != domain.RoleEmployer || actor.ID != job.EmployerID) {
		return apperr.E("api.listJobApplications", apperr.ErrForbidden, fmt.Errorf("%s %q does not own job %q", actor.Role, actor.ID, job.ID))
	}
	apps, err := s.deps.Lifecycle.ListForJob(ctx, job.ID)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "applications", apps)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (s *Server) transitionApplication(c *fiber.Ctx) error {
	var req transitionRequest
	if err := parseBody(c, "api.transitionApplication", &req); err != nil {
		return err
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		return err
	}
	app, err := s.deps.Lifecycle.Transition(c.UserContext(), c.Params("id"), status, actorOf(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "status changed", app)
}

func (s *Server) rescoreApplication(c *fiber.Ctx) error {
	app, err := s.deps.Lifecycle.Rescore(c.UserContext(), c.Params("id"), actorOf(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "application rescored", app)
}

func (s *Server) deleteApplication(c *fiber.Ctx) error {
	override := c.QueryBool("override", false)
	if err := s.deps.Lifecycle.Delete(c.UserContext(), c.Params("id"), actorOf(c), override); err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "application deleted", nil)
}

type messageRequest struct {
	RecipientID   string  `json:"recipient_id"`
	ApplicationID *string `json:"application_id"`
	Content       string  `json:"content"`
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	const op = "api.sendMessage"
	ctx := c.UserContext()

	var req messageRequest
	if err := parseBody(c, op, &req); err != nil {
		return err
	}
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.Content = strings.TrimSpace(req.Content)
	if req.RecipientID == "" || req.Content == "" {
		return apperr.E(op, apperr.ErrInvalidInput, errors.New("recipient_id and content are required"))
	}
	if req.ApplicationID != nil && *req.ApplicationID == "" {
		req.ApplicationID = nil
	}

	msg := &domain.Message{
		SenderID:      actorOf(c).ID,
		RecipientID:   req.RecipientID,
		ApplicationID: req.ApplicationID,
		Content:       req.Content,
	}
	if err := s.deps.Store.Messages().Create(ctx, msg); err != nil {
		return err
	}
	s.deps.Hub.OnMessageCreated(ctx, msg)
	return respond(c, fiber.StatusCreated, "message sent", msg)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	msgs, err := s.deps.Store.Messages().ListForRecipient(c.UserContext(), actorOf(c).ID, c.QueryBool("unread", false))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "messages", msgs)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	if err := s.deps.Hub.MarkRead(c.UserContext(), c.Params("id"), actorOf(c).ID); err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "message read", nil)
}

func (s *Server) unread(c *fiber.Ctx) error {
	snap, err := s.deps.Hub.Snapshot(c.UserContext(), actorOf(c).ID)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, "unread messages", snap)
}
