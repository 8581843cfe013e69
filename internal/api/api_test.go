package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/lifecycle"
	"github.com/spigell/cv-matcher/internal/matching"
	"github.com/spigell/cv-matcher/internal/notify"
	"github.com/spigell/cv-matcher/internal/ranking"
	"github.com/spigell/cv-matcher/internal/resume"
	"github.com/spigell/cv-matcher/internal/storage"
	"github.com/spigell/cv-matcher/internal/store/memory"
)

type fixedScorer struct{ score int }

func (f fixedScorer) Score(context.Context, string, string) (*domain.MatchResult, error) {
	return &domain.MatchResult{Score: f.score, Rationale: "fits", Strengths: []string{"go"}, Improvements: []string{}}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	server *Server
	store  *memory.Store
	files  *storage.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	files := storage.NewMemory("https://files.test")
	hub := notify.New(st, zap.NewNop())
	t.Cleanup(hub.Close)

	engine := ranking.New(fixedScorer{score: 77}, ranking.Config{}, zap.NewNop())
	machine := lifecycle.New(st, lifecycle.NewMessageNotifier(st.Messages(), hub.OnMessageCreated), zap.NewNop(),
		lifecycle.WithScorer(engine))

	srv := New(Config{}, Deps{
		Store:     st,
		Extractor: resume.NewWithReader(256, nil, zap.NewNop()),
		Storage:   files,
		Matching:  matching.New(st, engine, nil, matching.Config{}, zap.NewNop()),
		Lifecycle: machine,
		Hub:       hub,
		Skills:    []string{"Go", "Kubernetes", "Rust"},
		Logger:    zap.NewNop(),
	})
	return &fixture{server: srv, store: st, files: files}
}

func (f *fixture) do(t *testing.T, req *http.Request, actor *domain.Actor) (int, envelope) {
	t.Helper()
	if actor != nil {
		req.Header.Set(HeaderActorID, actor.ID)
		req.Header.Set(HeaderActorRole, string(actor.Role))
	}
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func (f *fixture) json(t *testing.T, method, path string, body any, actor *domain.Actor) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return f.do(t, req, actor)
}

func upload(t *testing.T, filename string, content []byte, candidateID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("candidate_id", candidateID))
	require.NoError(t, w.WriteField("name", "Ana"))
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/resumes", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

var (
	ana      = &domain.Actor{ID: "c1", Role: domain.RoleApplicant}
	boris    = &domain.Actor{ID: "c2", Role: domain.RoleApplicant}
	acme     = &domain.Actor{ID: "acme", Role: domain.RoleEmployer}
	initech  = &domain.Actor{ID: "initech", Role: domain.RoleEmployer}
	operator = &domain.Actor{ID: "root", Role: domain.RoleAdmin}
)

func TestHealthzNeedsNoActor(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), nil)
	require.Equal(t, http.StatusOK, code)
}

func TestActorHeaders(t *testing.T) {
	f := newFixture(t)

	code, env := f.json(t, http.MethodGet, "/notifications/unread", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.False(t, env.Success)

	code, _ = f.json(t, http.MethodGet, "/notifications/unread", nil, &domain.Actor{ID: "x", Role: "wizard"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.json(t, http.MethodGet, "/notifications/unread", nil, &domain.Actor{ID: "x", Role: domain.RoleSystem})
	require.Equal(t, http.StatusForbidden, code)
}

func TestUploadResume(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, upload(t, "cv.txt", []byte("Senior Go engineer, Kubernetes operator"), "c1"), ana)
	require.Equal(t, http.StatusCreated, code, env.Message)

	var data struct {
		Candidate domain.Candidate `json:"candidate"`
		PublicURL string           `json:"public_url"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, []string{"Go", "Kubernetes"}, data.Candidate.Skills)
	require.Equal(t, "Ana", data.Candidate.Name)
	require.True(t, strings.HasPrefix(data.PublicURL, "https://files.test/resumes/c1/"))

	key := strings.TrimPrefix(data.Candidate.ResumeURI, "https://files.test/")
	stored, ok := f.files.Object(key)
	require.True(t, ok)
	require.Contains(t, string(stored), "Kubernetes")

	stored2, err := f.store.Candidates().Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "Senior Go engineer, Kubernetes operator", stored2.ResumeText)
}

func TestUploadResumeRejections(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, upload(t, "cv.txt", bytes.Repeat([]byte("a"), 300), "c1"), ana)
	require.Equal(t, http.StatusRequestEntityTooLarge, code)
	require.Equal(t, "validation", env.Kind)

	code, _ = f.do(t, upload(t, "cv.exe", []byte("MZ binary"), "c1"), ana)
	require.Equal(t, http.StatusUnsupportedMediaType, code)

	code, _ = f.do(t, upload(t, "cv.txt", []byte("Go"), "c1"), boris)
	require.Equal(t, http.StatusForbidden, code)
}

func TestApplicationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Candidates().Upsert(ctx, &domain.Candidate{ID: "c1", ResumeText: "Go"}))

	code, env := f.json(t, http.MethodPut, "/jobs/j1", map[string]any{"title": "Go developer", "description": "services"}, acme)
	require.Equal(t, http.StatusOK, code, env.Message)

	code, _ = f.json(t, http.MethodPut, "/jobs/j1", map[string]any{"title": "stolen"}, initech)
	require.Equal(t, http.StatusForbidden, code)

	code, env = f.json(t, http.MethodPost, "/applications",
		lifecycle.SubmitRequest{CandidateID: "c1", JobID: "j1", CoverLetter: " hi ", Score: true}, ana)
	require.Equal(t, http.StatusCreated, code, env.Message)
	var app domain.Application
	require.NoError(t, json.Unmarshal(env.Data, &app))
	require.Equal(t, domain.StatusNew, app.Status)
	require.NotNil(t, app.MatchScore)
	require.Equal(t, 77, *app.MatchScore)

	code, _ = f.json(t, http.MethodPost, "/applications", lifecycle.SubmitRequest{CandidateID: "c1", JobID: "j1"}, ana)
	require.Equal(t, http.StatusConflict, code)

	code, env = f.json(t, http.MethodGet, "/notifications/unread", nil, acme)
	require.Equal(t, http.StatusOK, code)
	var snap domain.UnreadSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Equal(t, 1, snap.Total)
	require.Equal(t, 1, snap.ByApplication[app.ID])

	code, _ = f.json(t, http.MethodPatch, "/applications/"+app.ID+"/status", map[string]string{"status": "shortlisted"}, ana)
	require.Equal(t, http.StatusForbidden, code)

	code, env = f.json(t, http.MethodPatch, "/applications/"+app.ID+"/status", map[string]string{"status": "shortlisted"}, acme)
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = f.json(t, http.MethodPatch, "/applications/"+app.ID+"/status", map[string]string{"status": "hired"}, acme)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "invalid_transition", env.Kind)

	code, env = f.json(t, http.MethodGet, "/messages?unread=true", nil, ana)
	require.Equal(t, http.StatusOK, code)
	var inbox []domain.Message
	require.NoError(t, json.Unmarshal(env.Data, &inbox))
	require.Len(t, inbox, 1)

	code, _ = f.json(t, http.MethodPost, "/messages/"+inbox[0].ID+"/read", nil, acme)
	require.Equal(t, http.StatusForbidden, code)
	for i := 0; i < 2; i++ {
		code, _ = f.json(t, http.MethodPost, "/messages/"+inbox[0].ID+"/read", nil, ana)
		require.Equal(t, http.StatusOK, code)
	}

	code, env = f.json(t, http.MethodGet, "/notifications/unread", nil, ana)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Equal(t, 0, snap.Total)

	code, _ = f.json(t, http.MethodGet, "/applications/"+app.ID, nil, initech)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = f.json(t, http.MethodGet, "/applications/"+app.ID, nil, acme)
	require.Equal(t, http.StatusOK, code)
}

func TestDeleteTerminalApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Jobs().Upsert(ctx, &domain.JobPosting{ID: "j1", EmployerID: "acme", Title: "Go"}))
	now, _ := f.store.Now(ctx)
	app := domain.NewApplication("a1", "c1", "j1", now)
	app.Status = domain.StatusRejected
	app.History = append(app.History, domain.HistoryEntry{Status: domain.StatusRejected, At: now})
	require.NoError(t, f.store.Applications().Create(ctx, app))

	code, env := f.json(t, http.MethodDelete, "/applications/a1", nil, acme)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "forbidden", env.Kind)

	code, _ = f.json(t, http.MethodDelete, "/applications/a1?override=true", nil, operator)
	require.Equal(t, http.StatusOK, code)

	code, _ = f.json(t, http.MethodGet, "/applications/a1", nil, operator)
	require.Equal(t, http.StatusNotFound, code)
}

func TestMatchRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Candidates().Upsert(ctx, &domain.Candidate{ID: "c1", Name: "Ana", ResumeText: "Go"}))
	require.NoError(t, f.store.Candidates().Upsert(ctx, &domain.Candidate{ID: "c2", Name: "Boris", ResumeText: "Rust"}))
	require.NoError(t, f.store.Jobs().Upsert(ctx, &domain.JobPosting{ID: "j1", EmployerID: "acme", Title: "Go", Remote: true}))
	require.NoError(t, f.store.Jobs().Upsert(ctx, &domain.JobPosting{ID: "j2", EmployerID: "initech", Title: "Go", Remote: false}))

	code, env := f.json(t, http.MethodPost, "/candidates/c1/matches",
		map[string]any{"posting": map[string]any{"remote_only": true}}, ana)
	require.Equal(t, http.StatusOK, code, env.Message)
	var jobs struct {
		Matches batchView `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &jobs))
	require.Len(t, jobs.Matches.Ranked, 1)
	require.Equal(t, "j1", jobs.Matches.Ranked[0].ID)
	require.Equal(t, 77, jobs.Matches.Ranked[0].Score)

	code, _ = f.json(t, http.MethodPost, "/candidates/c1/matches", nil, boris)
	require.Equal(t, http.StatusForbidden, code)

	code, env = f.json(t, http.MethodPost, "/jobs/j1/matches", nil, acme)
	require.Equal(t, http.StatusOK, code, env.Message)
	var candidates batchView
	require.NoError(t, json.Unmarshal(env.Data, &candidates))
	require.Len(t, candidates.Ranked, 2)
	require.Equal(t, "c1", candidates.Ranked[0].ID)

	code, _ = f.json(t, http.MethodPost, "/jobs/j1/matches", nil, initech)
	require.Equal(t, http.StatusForbidden, code)

	code, _ = f.json(t, http.MethodPost, "/jobs/missing/matches", nil, acme)
	require.Equal(t, http.StatusNotFound, code)
}
