package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
)

const applicationColumns = `id, candidate_id, job_id, status, history, resume_uri, cover_letter,
	match_score, version, created_at, updated_at`

type applications struct{ db dbtx }

func scanApplication(row rowScanner) (*domain.Application, error) {
	var (
		app     domain.Application
		status  string
		history []byte
		score   *int32
	)
	if err := row.Scan(&app.ID, &app.CandidateID, &app.JobID, &status, &history, &app.ResumeURI,
		&app.CoverLetter, &score, &app.Version, &app.CreatedAt, &app.UpdatedAt); err != nil {
		return nil, err
	}
	app.Status = domain.Status(status)
	if err := json.Unmarshal(history, &app.History); err != nil {
		return nil, fmt.Errorf("decode history of %q: %w", app.ID, err)
	}
	if score != nil {
		v := int(*score)
		app.MatchScore = &v
	}
	app.CreatedAt = app.CreatedAt.UTC()
	app.UpdatedAt = app.UpdatedAt.UTC()
	for i := range app.History {
		app.History[i].At = app.History[i].At.UTC()
	}
	return &app, nil
}

func (r applications) Create(ctx context.Context, app *domain.Application) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	history, err := json.Marshal(app.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO applications (id, candidate_id, job_id, status, history, resume_uri, cover_letter,
			match_score, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		app.ID, app.CandidateID, app.JobID, string(app.Status), history, app.ResumeURI, app.CoverLetter,
		app.MatchScore, app.Version, app.CreatedAt, app.UpdatedAt)
	return wrap("postgres.Applications.Create", err)
}

func (r applications) Get(ctx context.Context, id string) (*domain.Application, error) {
	app, err := scanApplication(r.db.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("postgres.Applications.Get", "application", id)
	}
	if err != nil {
		return nil, wrap("postgres.Applications.Get", err)
	}
	return app, nil
}

func (r applications) ListByCandidate(ctx context.Context, candidateID string) ([]*domain.Application, error) {
	return r.list(ctx, "postgres.Applications.ListByCandidate",
		`SELECT `+applicationColumns+` FROM applications WHERE candidate_id = $1 ORDER BY created_at, id`, candidateID)
}

func (r applications) ListByJob(ctx context.Context, jobID string) ([]*domain.Application, error) {
	return r.list(ctx, "postgres.Applications.ListByJob",
		`SELECT `+applicationColumns+` FROM applications WHERE job_id = $1 ORDER BY created_at, id`, jobID)
}

func (r applications) list(ctx context.Context, op, query string, args ...any) ([]*domain.Application, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]*domain.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, app)
	}
	return out, wrap(op, rows.Err())
}

// AppendStatus stamps the history entry with the database clock. The entry
// is never dated before the previous one.
func (r applications) AppendStatus(ctx context.Context, id string, expectedVersion int64, status domain.Status) (*domain.Application, error) {
	const op = "postgres.Applications.AppendStatus"

	app, err := scanApplication(r.db.QueryRow(ctx, `
		UPDATE applications
		SET status = $3,
		    history = history || jsonb_build_array(jsonb_build_object(
		        'status', $3::text,
		        'at', greatest(now(), (history->-1->>'at')::timestamptz))),
		    version = version + 1,
		    updated_at = greatest(now(), (history->-1->>'at')::timestamptz)
		WHERE id = $1 AND version = $2
		RETURNING `+applicationColumns, id, expectedVersion, string(status)))
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap(op, err)
	}

	var current int64
	if err := r.db.QueryRow(ctx, `SELECT version FROM applications WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(op, "application", id)
		}
		return nil, wrap(op, err)
	}
	return nil, apperr.E(op, apperr.ErrVersionConflict,
		fmt.Errorf("application %q is at version %d, expected %d", id, current, expectedVersion))
}

func (r applications) SetMatchScore(ctx context.Context, id string, score int) error {
	tag, err := r.db.Exec(ctx, `UPDATE applications SET match_score = $2 WHERE id = $1`, id, score)
	if err != nil {
		return wrap("postgres.Applications.SetMatchScore", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("postgres.Applications.SetMatchScore", "application", id)
	}
	return nil
}

func (r applications) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return wrap("postgres.Applications.Delete", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("postgres.Applications.Delete", "application", id)
	}
	return nil
}

// messages

const messageColumns = `id, sender_id, recipient_id, application_id, content, is_read, read_at, created_at`

type messages struct{ db dbtx }

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.ApplicationID, &msg.Content,
		&msg.IsRead, &msg.ReadAt, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if msg.ReadAt != nil {
		at := msg.ReadAt.UTC()
		msg.ReadAt = &at
	}
	return &msg, nil
}

func (r messages) Create(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, application_id, content, is_read, read_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, coalesce($8, now()))
		RETURNING created_at`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.ApplicationID, msg.Content, msg.IsRead, msg.ReadAt,
		nullTime(msg.CreatedAt)).Scan(&msg.CreatedAt)
	if err != nil {
		return wrap("postgres.Messages.Create", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return nil
}

func (r messages) Get(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := scanMessage(r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("postgres.Messages.Get", "message", id)
	}
	if err != nil {
		return nil, wrap("postgres.Messages.Get", err)
	}
	return msg, nil
}

// MarkRead relies on the conditional update so concurrent readers flip the
// flag exactly once.
func (r messages) MarkRead(ctx context.Context, id, recipientID string) (bool, error) {
	const op = "postgres.Messages.MarkRead"

	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET is_read = true, read_at = now()
		WHERE id = $1 AND recipient_id = $2 AND NOT is_read`, id, recipientID)
	if err != nil {
		return false, wrap(op, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var owner string
	if err := r.db.QueryRow(ctx, `SELECT recipient_id FROM messages WHERE id = $1`, id).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, notFound(op, "message", id)
		}
		return false, wrap(op, err)
	}
	if owner != recipientID {
		return false, apperr.E(op, apperr.ErrForbidden, fmt.Errorf("message %q is not addressed to %q", id, recipientID))
	}
	return false, nil
}

func (r messages) DetachApplication(ctx context.Context, applicationID string) (int, error) {
	tag, err := r.db.Exec(ctx, `UPDATE messages SET application_id = NULL WHERE application_id = $1`, applicationID)
	if err != nil {
		return 0, wrap("postgres.Messages.DetachApplication", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r messages) CountUnread(ctx context.Context, recipientID string) (domain.UnreadSnapshot, error) {
	const op = "postgres.Messages.CountUnread"

	snap := domain.UnreadSnapshot{RecipientID: recipientID, ByApplication: make(map[string]int)}
	rows, err := r.db.Query(ctx, `
		SELECT application_id, count(*)
		FROM messages
		WHERE recipient_id = $1 AND NOT is_read
		GROUP BY application_id`, recipientID)
	if err != nil {
		return snap, wrap(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			appID *string
			n     int64
		)
		if err := rows.Scan(&appID, &n); err != nil {
			return snap, wrap(op, err)
		}
		snap.Total += int(n)
		if appID != nil {
			snap.ByApplication[*appID] = int(n)
		}
	}
	return snap, wrap(op, rows.Err())
}

func (r messages) ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]*domain.Message, error) {
	const op = "postgres.Messages.ListForRecipient"

	rows, err := r.db.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE recipient_id = $1 AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC, id`, recipientID, unreadOnly)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]*domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, msg)
	}
	return out, wrap(op, rows.Err())
}

// jobs

const jobColumns = `id, employer_id, title, description, tags, category, remote, salary, posted_at`

type jobs struct{ db dbtx }

func scanJob(row rowScanner) (*domain.JobPosting, error) {
	var (
		job    domain.JobPosting
		salary []byte
	)
	if err := row.Scan(&job.ID, &job.EmployerID, &job.Title, &job.Description, &job.Tags, &job.Category,
		&job.Remote, &salary, &job.PostedAt); err != nil {
		return nil, err
	}
	if len(salary) > 0 {
		job.Salary = &domain.Salary{}
		if err := json.Unmarshal(salary, job.Salary); err != nil {
			return nil, fmt.Errorf("decode salary of %q: %w", job.ID, err)
		}
	}
	job.PostedAt = job.PostedAt.UTC()
	return &job, nil
}

func (r jobs) Upsert(ctx context.Context, job *domain.JobPosting) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	var salary []byte
	if job.Salary != nil {
		var err error
		if salary, err = json.Marshal(job.Salary); err != nil {
			return fmt.Errorf("encode salary: %w", err)
		}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO jobs (id, employer_id, title, description, tags, category, remote, salary, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, coalesce($9, now()))
		ON CONFLICT (id) DO UPDATE SET
			employer_id = EXCLUDED.employer_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			tags = EXCLUDED.tags,
			category = EXCLUDED.category,
			remote = EXCLUDED.remote,
			salary = EXCLUDED.salary,
			posted_at = EXCLUDED.posted_at
		RETURNING posted_at`,
		job.ID, job.EmployerID, job.Title, job.Description, nonNil(job.Tags), job.Category, job.Remote,
		salary, nullTime(job.PostedAt)).Scan(&job.PostedAt)
	if err != nil {
		return wrap("postgres.Jobs.Upsert", err)
	}
	job.PostedAt = job.PostedAt.UTC()
	return nil
}

func (r jobs) Get(ctx context.Context, id string) (*domain.JobPosting, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("postgres.Jobs.Get", "job", id)
	}
	if err != nil {
		return nil, wrap("postgres.Jobs.Get", err)
	}
	return job, nil
}

func (r jobs) List(ctx context.Context) ([]*domain.JobPosting, error) {
	return r.query(ctx, "postgres.Jobs.List", `SELECT `+jobColumns+` FROM jobs ORDER BY posted_at DESC, id`)
}

func (r jobs) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	tag, err := r.db.Exec(ctx, `UPDATE jobs SET embedding = $2::vector WHERE id = $1`, id, pgvector.NewVector(embedding))
	if err != nil {
		return wrap("postgres.Jobs.SetEmbedding", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("postgres.Jobs.SetEmbedding", "job", id)
	}
	return nil
}

func (r jobs) Nearest(ctx context.Context, embedding []float32, k int) ([]*domain.JobPosting, error) {
	if k <= 0 {
		k = 50
	}
	return r.query(ctx, "postgres.Jobs.Nearest", `SELECT `+jobColumns+` FROM jobs
		WHERE embedding IS NOT NULL
		ORDER BY embedding <-> $1::vector, id
		LIMIT $2`, pgvector.NewVector(embedding), k)
}

func (r jobs) query(ctx context.Context, op, query string, args ...any) ([]*domain.JobPosting, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]*domain.JobPosting, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, job)
	}
	return out, wrap(op, rows.Err())
}

// candidates

const candidateColumns = `id, name, resume_uri, resume_text, skills, experience_summary, education_summary, updated_at`

type candidates struct{ db dbtx }

func scanCandidate(row rowScanner) (*domain.Candidate, error) {
	var c domain.Candidate
	if err := row.Scan(&c.ID, &c.Name, &c.ResumeURI, &c.ResumeText, &c.Skills, &c.ExperienceSummary,
		&c.EducationSummary, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (r candidates) Upsert(ctx context.Context, c *domain.Candidate) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO candidates (id, name, resume_uri, resume_text, skills, experience_summary, education_summary, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			resume_uri = EXCLUDED.resume_uri,
			resume_text = EXCLUDED.resume_text,
			skills = EXCLUDED.skills,
			experience_summary = EXCLUDED.experience_summary,
			education_summary = EXCLUDED.education_summary,
			updated_at = now()
		RETURNING updated_at`,
		c.ID, c.Name, c.ResumeURI, c.ResumeText, nonNil(c.Skills), c.ExperienceSummary, c.EducationSummary).
		Scan(&c.UpdatedAt)
	if err != nil {
		return wrap("postgres.Candidates.Upsert", err)
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return nil
}

func (r candidates) Get(ctx context.Context, id string) (*domain.Candidate, error) {
	c, err := scanCandidate(r.db.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("postgres.Candidates.Get", "candidate", id)
	}
	if err != nil {
		return nil, wrap("postgres.Candidates.Get", err)
	}
	return c, nil
}

func (r candidates) List(ctx context.Context) ([]*domain.Candidate, error) {
	const op = "postgres.Candidates.List"

	rows, err := r.db.Query(ctx, `SELECT `+candidateColumns+` FROM candidates ORDER BY id`)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]*domain.Candidate, 0)
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, c)
	}
	return out, wrap(op, rows.Err())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
