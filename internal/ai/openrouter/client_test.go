package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
)

func newTestGenerator(t *testing.T, handler http.HandlerFunc) *Generator {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGenerator("test-key", Config{BaseURL: srv.URL, Model: "test/model"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	return g
}

func TestGenerateContent(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"score\": 70, \"rationale\": \"ok\"}"},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`))
	})

	out, err := g.GenerateContent(context.Background(), "score this")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out != `{"score": 70, "rationale": "ok"}` {
		t.Fatalf("unexpected output: %q", out)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if gotBody["model"] != "test/model" {
		t.Fatalf("unexpected model: %v", gotBody["model"])
	}
}

func TestGenerateContentErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, want: apperr.ErrRateLimited},
		{name: "bad gateway", status: http.StatusBadGateway, body: `upstream`, want: apperr.ErrOracleUnavailable},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, want: apperr.ErrOracleRejected},
		{name: "error in body", status: http.StatusOK, body: `{"error":{"message":"provider overloaded","code":502}}`, want: apperr.ErrOracleUnavailable},
		{name: "rate limit in body", status: http.StatusOK, body: `{"error":{"message":"slow down","code":429}}`, want: apperr.ErrRateLimited},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, want: apperr.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := g.GenerateContent(context.Background(), "prompt")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGenerateContentNetworkError(t *testing.T) {
	g, err := NewGenerator("key", Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	if _, err := g.GenerateContent(context.Background(), "prompt"); !errors.Is(err, apperr.ErrOracleUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestNewGeneratorDefaults(t *testing.T) {
	if _, err := NewGenerator("", Config{}, nil); err == nil {
		t.Fatalf("expected error for missing key")
	}

	g, err := NewGenerator("key", Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Model() != defaultModel || g.Provider() != providerName {
		t.Fatalf("unexpected defaults: %s %s", g.Provider(), g.Model())
	}
}
