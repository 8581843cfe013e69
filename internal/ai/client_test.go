package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
)

type stubGenerator struct {
	mu         sync.Mutex
	response   string
	err        error
	calls      int
	lastPrompt string
}

func (s *stubGenerator) GenerateContent(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastPrompt = prompt
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func (s *stubGenerator) Provider() string { return "stub" }
func (s *stubGenerator) Model() string    { return "stub-model" }

func TestClientScore(t *testing.T) {
	stub := &stubGenerator{response: "```json\n{\"score\": 82, \"rationale\": \"Strong Go background\", \"strengths\": [\"Go\", \"go\", \" PostgreSQL \"], \"improvements\": [\"Kubernetes\"]}\n```"}
	client := NewClient(stub, zap.NewNop())

	res, err := client.Score(context.Background(), "Go developer, 6 years", "Senior Go Engineer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Score != 82 || res.Rationale != "Strong Go background" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Join(res.Strengths, "|") != "Go|PostgreSQL" {
		t.Fatalf("expected deduplicated strengths, got %v", res.Strengths)
	}
	if !strings.Contains(stub.lastPrompt, "Go developer, 6 years") || !strings.Contains(stub.lastPrompt, "Senior Go Engineer") {
		t.Fatalf("prompt does not carry both texts: %s", stub.lastPrompt)
	}
	if strings.Contains(stub.lastPrompt, "{{") {
		t.Fatalf("prompt has unresolved placeholders: %s", stub.lastPrompt)
	}
}

func TestClientEmptyTextSkipsOracle(t *testing.T) {
	stub := &stubGenerator{err: errors.New("must not be called")}
	client := NewClient(stub, zap.NewNop())

	for _, pair := range [][2]string{{"", "job"}, {"cv", "   "}} {
		res, err := client.Score(context.Background(), pair[0], pair[1])
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Score != 0 || res.Rationale != domain.InsufficientData {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if stub.calls != 0 {
		t.Fatalf("oracle was called %d times", stub.calls)
	}
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unclassified becomes unavailable", err: errors.New("connection reset"), want: apperr.ErrOracleUnavailable},
		{name: "deadline becomes unavailable", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: apperr.ErrOracleUnavailable},
		{name: "rate limit kept", err: apperr.E("gemini", apperr.ErrRateLimited, nil), want: apperr.ErrRateLimited},
		{name: "cancel kept", err: context.Canceled, want: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(&stubGenerator{err: tt.err}, zap.NewNop())
			_, err := client.Score(context.Background(), "cv", "job")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClientMalformedIsLogged(t *testing.T) {
	core, observed := observer.New(zapcore.WarnLevel)
	client := NewClient(&stubGenerator{response: `{"score": "high", "rationale": "x"}`}, zap.New(core))

	_, err := client.Score(context.Background(), "cv", "job")
	if !errors.Is(err, apperr.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if apperr.Retryable(err) {
		t.Fatalf("malformed response must not be retryable")
	}

	entries := observed.FilterMessage("oracle answer rejected").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["response_preview"] == "" {
		t.Fatalf("expected response preview in log")
	}
}

func TestClientCache(t *testing.T) {
	stub := &stubGenerator{response: `{"score": 50, "rationale": "ok"}`}
	client := NewClient(stub, zap.NewNop(), WithCache(NewCache(4)))

	first, err := client.Score(context.Background(), "cv", "job")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := client.Score(context.Background(), "cv", "job")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stub.calls != 1 {
		t.Fatalf("expected a single oracle call, got %d", stub.calls)
	}
	if first.Cached || !second.Cached || second.Score != 50 {
		t.Fatalf("unexpected cache flags: first=%+v second=%+v", first, second)
	}
}

func TestClientWithoutGenerator(t *testing.T) {
	client := NewClient(nil, nil)
	if _, err := client.Score(context.Background(), "cv", "job"); !errors.Is(err, apperr.ErrOracleUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
