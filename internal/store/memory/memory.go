// Package memory is an in-process implementation of the store collaborators.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/store"
)

type state struct {
	mu         sync.RWMutex
	apps       map[string]*domain.Application
	msgs       map[string]*domain.Message
	jobs       map[string]*domain.JobPosting
	embeddings map[string][]float32
	candidates map[string]*domain.Candidate
}

// Store keeps everything in maps guarded by one lock. A transaction holds
// the write lock for its whole duration; fn must only use the tx handle.
type Store struct {
	st     *state
	broker *Broker
	clock  func() time.Time

	inTx    bool
	pending *[]store.ChangeEvent
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the server clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

func New(opts ...Option) *Store {
	s := &Store{
		st: &state{
			apps:       make(map[string]*domain.Application),
			msgs:       make(map[string]*domain.Message),
			jobs:       make(map[string]*domain.JobPosting),
			embeddings: make(map[string][]float32),
			candidates: make(map[string]*domain.Candidate),
		},
		broker: NewBroker(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Applications() store.Applications { return applications{s} }
func (s *Store) Messages() store.Messages         { return messages{s} }
func (s *Store) Jobs() store.Jobs                 { return jobs{s} }
func (s *Store) Candidates() store.Candidates     { return candidates{s} }
func (s *Store) Feed() store.Feed                 { return s.broker }

// Broker exposes the feed for tests that publish synthetic events.
func (s *Store) Broker() *Broker { return s.broker }

func (s *Store) Now(context.Context) (time.Time, error) {
	return s.clock().UTC(), nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	s.st.mu.Lock()
	snap := s.st.snapshot()
	pending := make([]store.ChangeEvent, 0)
	tx := &Store{st: s.st, broker: s.broker, clock: s.clock, inTx: true, pending: &pending}

	err := fn(ctx, tx)
	if err != nil {
		s.st.restore(snap)
	}
	s.st.mu.Unlock()

	if err != nil {
		return err
	}
	for _, ev := range pending {
		s.broker.Publish(ev)
	}
	return nil
}

func (s *Store) Close() {}

func (s *Store) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.st.mu.RLock()
	return s.st.mu.RUnlock
}

// write runs fn under the write lock and publishes its events afterwards.
func (s *Store) write(fn func() ([]store.ChangeEvent, error)) error {
	if s.inTx {
		events, err := fn()
		if err == nil {
			*s.pending = append(*s.pending, events...)
		}
		return err
	}

	s.st.mu.Lock()
	events, err := fn()
	s.st.mu.Unlock()

	if err != nil {
		return err
	}
	for _, ev := range events {
		s.broker.Publish(ev)
	}
	return nil
}

type snapshot struct {
	apps       map[string]*domain.Application
	msgs       map[string]*domain.Message
	jobs       map[string]*domain.JobPosting
	embeddings map[string][]float32
	candidates map[string]*domain.Candidate
}

func (st *state) snapshot() snapshot {
	snap := snapshot{
		apps:       make(map[string]*domain.Application, len(st.apps)),
		msgs:       make(map[string]*domain.Message, len(st.msgs)),
		jobs:       make(map[string]*domain.JobPosting, len(st.jobs)),
		embeddings: make(map[string][]float32, len(st.embeddings)),
		candidates: make(map[string]*domain.Candidate, len(st.candidates)),
	}
	for k, v := range st.apps {
		snap.apps[k] = v.Clone()
	}
	for k, v := range st.msgs {
		snap.msgs[k] = v.Clone()
	}
	for k, v := range st.jobs {
		snap.jobs[k] = cloneJob(v)
	}
	for k, v := range st.embeddings {
		snap.embeddings[k] = v
	}
	for k, v := range st.candidates {
		snap.candidates[k] = cloneCandidate(v)
	}
	return snap
}

func (st *state) restore(snap snapshot) {
	st.apps = snap.apps
	st.msgs = snap.msgs
	st.jobs = snap.jobs
	st.embeddings = snap.embeddings
	st.candidates = snap.candidates
}

func notFound(op, kind, id string) error {
	return apperr.E(op, apperr.ErrNotFound, fmt.Errorf("%s %q", kind, id))
}

// applications

type applications struct{ s *Store }

func (r applications) Create(_ context.Context, app *domain.Application) error {
	return r.s.write(func() ([]store.ChangeEvent, error) {
		if app.ID == "" {
			app.ID = uuid.NewString()
		}
		if _, ok := r.s.st.apps[app.ID]; ok {
			return nil, apperr.E("memory.Applications.Create", apperr.ErrAlreadyExists, fmt.Errorf("application %q", app.ID))
		}
		for _, existing := range r.s.st.apps {
			if existing.CandidateID == app.CandidateID && existing.JobID == app.JobID {
				return nil, apperr.E("memory.Applications.Create", apperr.ErrAlreadyExists,
					fmt.Errorf("candidate %q already applied to job %q", app.CandidateID, app.JobID))
			}
		}
		r.s.st.apps[app.ID] = app.Clone()
		return []store.ChangeEvent{{Table: store.TableApplications, Op: store.OpInsert, ID: app.ID, ApplicationID: app.ID}}, nil
	})
}

func (r applications) Get(_ context.Context, id string) (*domain.Application, error) {
	defer r.s.rlock()()
	app, ok := r.s.st.apps[id]
	if !ok {
		return nil, notFound("memory.Applications.Get", "application", id)
	}
	return app.Clone(), nil
}

func (r applications) ListByCandidate(_ context.Context, candidateID string) ([]*domain.Application, error) {
	return r.list(func(a *domain.Application) bool { return a.CandidateID == candidateID }), nil
}

func (r applications) ListByJob(_ context.Context, jobID string) ([]*domain.Application, error) {
	return r.list(func(a *domain.Application) bool { return a.JobID == jobID }), nil
}

func (r applications) list(keep func(*domain.Application) bool) []*domain.Application {
	defer r.s.rlock()()
	out := make([]*domain.Application, 0)
	for _, app := range r.s.st.apps {
		if keep(app) {
			out = append(out, app.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r applications) AppendStatus(_ context.Context, id string, expectedVersion int64, status domain.Status) (*domain.Application, error) {
	var updated *domain.Application
	err := r.s.write(func() ([]store.ChangeEvent, error) {
		app, ok := r.s.st.apps[id]
		if !ok {
			return nil, notFound("memory.Applications.AppendStatus", "application", id)
		}
		if app.Version != expectedVersion {
			return nil, apperr.E("memory.Applications.AppendStatus", apperr.ErrVersionConflict,
				fmt.Errorf("application %q is at version %d, expected %d", id, app.Version, expectedVersion))
		}

		now := r.s.clock().UTC()
		if last := app.History[len(app.History)-1].At; now.Before(last) {
			now = last
		}
		app.Status = status
		app.History = append(app.History, domain.HistoryEntry{Status: status, At: now})
		app.Version++
		app.UpdatedAt = now
		updated = app.Clone()

		return []store.ChangeEvent{{Table: store.TableApplications, Op: store.OpUpdate, ID: id, ApplicationID: id}}, nil
	})
	return updated, err
}

func (r applications) SetMatchScore(_ context.Context, id string, score int) error {
	return r.s.write(func() ([]store.ChangeEvent, error) {
		app, ok := r.s.st.apps[id]
		if !ok {
			return nil, notFound("memory.Applications.SetMatchScore", "application", id)
		}
		app.MatchScore = &score
		return []store.ChangeEvent{{Table: store.TableApplications, Op: store.OpUpdate, ID: id, ApplicationID: id}}, nil
	})
}

func (r applications) Delete(_ context.Context, id string) error {
	return r.s.write(func() ([]store.ChangeEvent, error) {
		if _, ok := r.s.st.apps[id]; !ok {
			return nil, notFound("memory.Applications.Delete", "application", id)
		}
		delete(r.s.st.apps, id)
		return []store.ChangeEvent{{Table: store.TableApplications, Op: store.OpDelete, ID: id, ApplicationID: id}}, nil
	})
}

// messages

type messages struct{ s *Store }

func messageEvent(op store.Op, msg *domain.Message) store.ChangeEvent {
	ev := store.ChangeEvent{Table: store.TableMessages, Op: op, ID: msg.ID, RecipientID: msg.RecipientID}
	if msg.ApplicationID != nil {
		ev.ApplicationID = *msg.ApplicationID
	}
	return ev
}

func (r messages) Create(_ context.Context, msg *domain.Message) error {
	return r.s.write(func() ([]store.ChangeEvent, error) {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if _, ok := r.s.st.msgs[msg.ID]; ok {
			return nil, apperr.E("memory.Messages.Create", apperr.ErrAlreadyExists, fmt.Errorf("message %q", msg.ID))
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = r.s.clock().UTC()
		}
		r.s.st.msgs[msg.ID] = msg.Clone()
		return []store.ChangeEvent{messageEvent(store.OpInsert, msg)}, nil
	})
}

func (r messages) Get(_ context.Context, id string) (*domain.Message, error) {
	defer r.s.rlock()()
	msg, ok := r.s.st.msgs[id]
	if !ok {
		return nil, notFound("memory.Messages.Get", "message", id)
	}
	return msg.Clone(), nil
}

func (r messages) MarkRead(_ context.Context, id, recipientID string) (bool, error) {
	changed := false
	err := r.s.write(func() ([]store.ChangeEvent, error) {
		msg, ok := r.s.st.msgs[id]
		if !ok {
			return nil, notFound("memory.Messages.MarkRead", "message", id)
		}
		if msg.RecipientID != recipientID {
			return nil, apperr.E("memory.Messages.MarkRead", apperr.ErrForbidden,
				fmt.Errorf("message %q is not addressed to %q", id, recipientID))
		}
		if msg.IsRead {
			return nil, nil
		}
		now := r.s.clock().UTC()
		msg.IsRead = true
		msg.ReadAt = &now
		changed = true
		return []store.ChangeEvent{messageEvent(store.OpUpdate, msg)}, nil
	})
	return changed, err
}

func (r messages) DetachApplication(_ context.Context, applicationID string) (int, error) {
	n := 0
	err := r.s.write(func() ([]store.ChangeEvent, error) {
		events := make([]store.ChangeEvent, 0)
		for _, msg := range r.s.st.msgs {
			if msg.ApplicationID == nil || *msg.ApplicationID != applicationID {
				continue
			}
			msg.ApplicationID = nil
			n++
			ev := messageEvent(store.OpUpdate, msg)
			ev.ApplicationID = applicationID
			events = append(events, ev)
		}
		return events, nil
	})
	return n, err
}

func (r messages) CountUnread(_ context.Context, recipientID string) (domain.UnreadSnapshot, error) {
	defer r.s.rlock()()
	snap := domain.UnreadSnapshot{RecipientID: recipientID, ByApplication: make(map[string]int)}
	for _, msg := range r.s.st.msgs {
		if msg.RecipientID != recipientID || msg.IsRead {
			continue
		}
		snap.Total++
		if msg.ApplicationID != nil {
			snap.ByApplication[*msg.ApplicationID]++
		}
	}
	return snap, nil
}

func (r messages) ListForRecipient(_ context.Context, recipientID string, unreadOnly bool) ([]*domain.Message, error) {
	defer r.s.rlock()()
	out := make([]*domain.Message, 0)
	for _, msg := range r.s.st.msgs {
		if msg.RecipientID != recipientID || (unreadOnly && msg.IsRead) {
			continue
		}
		out = append(out, msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// jobs

type jobs struct{ s *Store }

func cloneJob(j *domain.JobPosting) *domain.JobPosting {
	out := *j
	out.Tags = append([]string(nil), j.Tags...)
	if j.Salary != nil {
		salary := *j.Salary
		out.Salary = &salary
	}
	return &out
}

func (r jobs) Upsert(_ context.Context, job *domain.JobPosting) error {
	return r.s.write(func() ([]store.ChangeEvent, error) {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if job.PostedAt.IsZero() {
			job.PostedAt = r.s.clock().UTC()
		}
		op := store.OpInsert
		if _, ok := r.s.st.jobs[job.ID]; ok {
			op = store.OpUpdate
		}
		r.s.st.jobs[job.ID] = cloneJob(job)
		return []store.ChangeEvent{{Table: store.TableJobs, Op: op, ID: job.ID}}, nil
	})
}

func (r jobs) Get(_ context.Context, id string) (*domain.JobPosting, error) {
	defer r.s.rlock()()
	job, ok := r.s.st.jobs[id]
	if !ok {
		return nil, notFound("memory.Jobs.Get", "job", id)
	}
	return cloneJob(job), nil
}

func (r jobs) List(_ context.Context) ([]*domain.JobPosting, error) {
	defer r.s.rlock()()
	out := make([]*domain.JobPosting, 0, len(r.s.st.jobs))
	for _, job := range r.s.st.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.After(out[j].PostedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r jobs) SetEmbedding(_ context.Context, id string, embedding []float32) error {
	return r.s.write(func() ([]store.ChangeEvent, error) {
		if _, ok := r.s.st.jobs[id]; !ok {
			return nil, notFound("memory.Jobs.SetEmbedding", "job", id)
		}
		r.s.st.embeddings[id] = append([]float32(nil), embedding...)
		return nil, nil
	})
}

func (r jobs) Nearest(_ context.Context, embedding []float32, k int) ([]*domain.JobPosting, error) {
	defer r.s.rlock()()

	type scored struct {
		job  *domain.JobPosting
		dist float64
	}
	hits := make([]scored, 0)
	for id, vec := range r.s.st.embeddings {
		if len(vec) != len(embedding) {
			continue
		}
		job, ok := r.s.st.jobs[id]
		if !ok {
			continue
		}
		var dist float64
		for i := range vec {
			d := float64(vec[i] - embedding[i])
			dist += d * d
		}
		hits = append(hits, scored{job: job, dist: dist})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].job.ID < hits[j].job.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	out := make([]*domain.JobPosting, 0, len(hits))
	for _, h := range hits {
		out = append(out, cloneJob(h.job))
	}
	return out, nil
}

// candidates

type candidates struct{ s *Store }

func cloneCandidate(c *domain.Candidate) *domain.Candidate {
	out := *c
	out.Skills = append([]string(nil), c.Skills...)
	return &out
}

func (r candidates) Upsert(_ context.Context, c *domain.Candidate) error {
	return r.s.write(func() ([]store.ChangeEvent, error) {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		op := store.OpInsert
		if _, ok := r.s.st.candidates[c.ID]; ok {
			op = store.OpUpdate
		}
		c.UpdatedAt = r.s.clock().UTC()
		r.s.st.candidates[c.ID] = cloneCandidate(c)
		return []store.ChangeEvent{{Table: store.TableCandidates, Op: op, ID: c.ID}}, nil
	})
}

func (r candidates) Get(_ context.Context, id string) (*domain.Candidate, error) {
	defer r.s.rlock()()
	c, ok := r.s.st.candidates[id]
	if !ok {
		return nil, notFound("memory.Candidates.Get", "candidate", id)
	}
	return cloneCandidate(c), nil
}

func (r candidates) List(_ context.Context) ([]*domain.Candidate, error) {
	defer r.s.rlock()()
	out := make([]*domain.Candidate, 0, len(r.s.st.candidates))
	for _, c := range r.s.st.candidates {
		out = append(out, cloneCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
