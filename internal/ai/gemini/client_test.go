package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/cv-matcher/internal/apperr"
)

type fakeModels struct {
	resp      *genai.GenerateContentResponse
	embedResp *genai.EmbedContentResponse
	err       error

	lastModel  string
	lastConfig *genai.GenerateContentConfig
	lastEmbed  *genai.EmbedContentConfig
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, _ []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.lastModel = model
	f.lastConfig = config
	return f.resp, f.err
}

func (f *fakeModels) EmbedContent(_ context.Context, model string, _ []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.lastModel = model
	f.lastEmbed = config
	return f.embedResp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

func TestGenerateContent(t *testing.T) {
	models := &fakeModels{resp: textResponse(" {\"score\": 1, ", "", "\"rationale\": \"x\"} ")}
	g := newGenerator(models, Config{}, zap.NewNop())

	out, err := g.GenerateContent(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out != "{\"score\": 1,\n\"rationale\": \"x\"}" {
		t.Fatalf("unexpected output: %q", out)
	}
	if models.lastModel != defaultModel {
		t.Fatalf("expected default model, got %q", models.lastModel)
	}
	if models.lastConfig == nil || models.lastConfig.ResponseMIMEType != "application/json" {
		t.Fatalf("expected json response type, got %+v", models.lastConfig)
	}
	if models.lastConfig.Temperature == nil || *models.lastConfig.Temperature != 0.1 {
		t.Fatalf("expected default temperature")
	}
}

func TestGenerateContentEmptyAnswer(t *testing.T) {
	g := newGenerator(&fakeModels{resp: textResponse("  ")}, Config{Model: "m"}, zap.NewNop())

	_, err := g.GenerateContent(context.Background(), "prompt")
	if !errors.Is(err, apperr.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}

	if _, err := g.GenerateContent(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}

func TestGenerateContentClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "rate limited", err: genai.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED"}, want: apperr.ErrRateLimited},
		{name: "server error", err: genai.APIError{Code: http.StatusServiceUnavailable, Status: "UNAVAILABLE"}, want: apperr.ErrOracleUnavailable},
		{name: "pointer error", err: &genai.APIError{Code: http.StatusInternalServerError}, want: apperr.ErrOracleUnavailable},
		{name: "bad request", err: genai.APIError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT"}, want: apperr.ErrOracleRejected},
		{name: "network", err: errors.New("dial tcp: i/o timeout"), want: apperr.ErrOracleUnavailable},
		{name: "cancelled", err: context.Canceled, want: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGenerator(&fakeModels{err: tt.err}, Config{}, zap.NewNop())
			_, err := g.GenerateContent(context.Background(), "prompt")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEmbed(t *testing.T) {
	models := &fakeModels{embedResp: &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{0.1, 0.2}}},
	}}
	g := newGenerator(models, Config{EmbeddingModel: "custom-embed"}, zap.NewNop())

	vec, err := g.Embed(context.Background(), "Go engineer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("unexpected vector: %v", vec)
	}
	if models.lastModel != "custom-embed" {
		t.Fatalf("expected custom model, got %q", models.lastModel)
	}
	if models.lastEmbed == nil || models.lastEmbed.OutputDimensionality == nil || *models.lastEmbed.OutputDimensionality != EmbeddingDimensions {
		t.Fatalf("expected output dimensionality to be set")
	}

	if _, err := g.Embed(context.Background(), ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	empty := newGenerator(&fakeModels{embedResp: &genai.EmbedContentResponse{}}, Config{}, zap.NewNop())
	if _, err := empty.Embed(context.Background(), "x"); !errors.Is(err, apperr.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestNewGeneratorRequiresKey(t *testing.T) {
	if _, err := NewGenerator(context.Background(), " ", Config{}, nil); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
