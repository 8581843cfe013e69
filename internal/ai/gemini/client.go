package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/logger"
)

const (
	providerName          = "gemini"
	defaultModel          = "gemini-2.5-flash"
	defaultEmbeddingModel = "gemini-embedding-001"
	// EmbeddingDimensions matches the vector column of the jobs table.
	EmbeddingDimensions = 768
)

type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Config selects models for the Gemini backend.
type Config struct {
	Model          string  `mapstructure:"model"`
	EmbeddingModel string  `mapstructure:"embedding-model"`
	Temperature    float32 `mapstructure:"temperature"`
}

// Generator wraps the Google GenAI client for scoring prompts and embeddings.
type Generator struct {
	models         modelsAPI
	model          string
	embeddingModel string
	temperature    float32
	logger         *zap.Logger
}

// NewGenerator creates a Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey string, cfg Config, log *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGenerator(client.Models, cfg, log), nil
}

func newGenerator(models modelsAPI, cfg Config, log *zap.Logger) *Generator {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.1
	}

	return &Generator{
		models:         models,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		logger:         logger.WithFields(logger.Named(log, "gemini"), logger.OracleFields(providerName, model)...),
	}
}

// GenerateContent sends the prompt and returns the textual answer.
func (g *Generator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	if g == nil || g.models == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(g.temperature),
		ResponseMIMEType: "application/json",
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", classify("gemini.GenerateContent", err)
	}

	var builder strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				text := strings.TrimSpace(part.Text)
				if text == "" {
					continue
				}
				if builder.Len() > 0 {
					builder.WriteString("\n")
				}
				builder.WriteString(text)
			}
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", apperr.E("gemini.GenerateContent", apperr.ErrMalformedResponse, errors.New("empty response"))
	}

	return output, nil
}

// Embed returns the embedding of text.
func (g *Generator) Embed(ctx context.Context, text string) ([]float32, error) {
	if g == nil || g.models == nil {
		return nil, errors.New("gemini generator is not initialized")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.E("gemini.Embed", apperr.ErrInvalidInput, errors.New("text must not be empty"))
	}

	dims := int32(EmbeddingDimensions)
	resp, err := g.models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, classify("gemini.Embed", err)
	}

	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, apperr.E("gemini.Embed", apperr.ErrMalformedResponse, errors.New("no embedding returned"))
	}

	g.logger.Debug("embedding created", zap.Int("dimensions", len(resp.Embeddings[0].Values)))

	return resp.Embeddings[0].Values, nil
}

func (g *Generator) Provider() string { return providerName }

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

// classify maps API status codes onto the oracle error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	switch {
	case code == http.StatusTooManyRequests:
		return apperr.E(op, apperr.ErrRateLimited, err)
	case code == 0, code == http.StatusRequestTimeout, code >= http.StatusInternalServerError:
		return apperr.E(op, apperr.ErrOracleUnavailable, err)
	default:
		return apperr.E(op, apperr.ErrOracleRejected, err)
	}
}
