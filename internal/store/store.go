// Package store declares the persistence collaborators used by the core.
//
// Implementations live in subpackages: memory for tests and single-process
// runs, postgres for production.
package store

import (
	"context"
	"time"

	"github.com/spigell/cv-matcher/internal/domain"
)

// Applications persists applications.
type Applications interface {
	// Create stores a new application. A second application for the same
	// candidate and job fails with apperr.ErrAlreadyExists.
	Create(ctx context.Context, app *domain.Application) error
	Get(ctx context.Context, id string) (*domain.Application, error)
	ListByCandidate(ctx context.Context, candidateID string) ([]*domain.Application, error)
	ListByJob(ctx context.Context, jobID string) ([]*domain.Application, error)
	// AppendStatus moves the application to status and appends a history
	// entry stamped with the store clock. It fails with
	// apperr.ErrVersionConflict when the stored version differs from expected.
	AppendStatus(ctx context.Context, id string, expectedVersion int64, status domain.Status) (*domain.Application, error)
	// SetMatchScore records the score computed at submission.
	SetMatchScore(ctx context.Context, id string, score int) error
	Delete(ctx context.Context, id string) error
}

// Messages persists messages.
type Messages interface {
	// Create stores msg, assigning ID and CreatedAt when empty.
	Create(ctx context.Context, msg *domain.Message) error
	Get(ctx context.Context, id string) (*domain.Message, error)
	// MarkRead flips is_read only when it is still false and the message is
	// addressed to recipientID. changed reports whether this call flipped it.
	MarkRead(ctx context.Context, id, recipientID string) (changed bool, err error)
	// DetachApplication clears the application reference of every message
	// tied to applicationID and returns how many were updated.
	DetachApplication(ctx context.Context, applicationID string) (int, error)
	// CountUnread aggregates unread messages of recipientID.
	CountUnread(ctx context.Context, recipientID string) (domain.UnreadSnapshot, error)
	ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]*domain.Message, error)
}

// Jobs persists job postings and their embeddings.
type Jobs interface {
	Upsert(ctx context.Context, job *domain.JobPosting) error
	Get(ctx context.Context, id string) (*domain.JobPosting, error)
	List(ctx context.Context) ([]*domain.JobPosting, error)
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
	// Nearest returns up to k postings closest to embedding, nearest first.
	Nearest(ctx context.Context, embedding []float32, k int) ([]*domain.JobPosting, error)
}

// Candidates persists candidate profiles.
type Candidates interface {
	Upsert(ctx context.Context, c *domain.Candidate) error
	Get(ctx context.Context, id string) (*domain.Candidate, error)
	List(ctx context.Context) ([]*domain.Candidate, error)
}

// Store bundles the repositories with the server clock and the change feed.
type Store interface {
	Applications() Applications
	Messages() Messages
	Jobs() Jobs
	Candidates() Candidates
	Feed() Feed

	// Now is the server clock used for history timestamps.
	Now(ctx context.Context) (time.Time, error)
	// WithinTx runs fn against a transactional view of the store.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Close()
}
