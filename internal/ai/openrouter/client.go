// Package openrouter is an OpenAI-compatible chat completions backend.
package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/logger"
)

const (
	providerName   = "openrouter"
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "openai/gpt-4o-mini"
	systemPrompt   = "You evaluate how well job candidates fit job postings. Answer with JSON only."
)

// Config for the chat completions endpoint.
type Config struct {
	BaseURL string        `mapstructure:"base-url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Generator struct {
	client *resty.Client
	model  string
	logger *zap.Logger
}

func NewGenerator(apiKey string, cfg Config, log *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openrouter api key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Generator{
		client: client,
		model:  model,
		logger: logger.WithFields(logger.Named(log, "openrouter"), logger.OracleFields(providerName, model)...),
	}, nil
}

// GenerateContent posts a chat completion and returns the first choice text.
func (g *Generator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	const op = "openrouter.GenerateContent"

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"model":           g.model,
			"temperature":     0.1,
			"response_format": map[string]string{"type": "json_object"},
			"messages": []map[string]string{
				{"role": "system", "content": systemPrompt},
				{"role": "user", "content": prompt},
			},
		}).
		Post("/chat/completions")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", apperr.E(op, apperr.ErrOracleUnavailable, err)
	}

	body := resp.String()
	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests:
		return "", apperr.E(op, apperr.ErrRateLimited, statusError(status, body))
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return "", apperr.E(op, apperr.ErrOracleUnavailable, statusError(status, body))
	case status >= http.StatusBadRequest:
		return "", apperr.E(op, apperr.ErrOracleRejected, statusError(status, body))
	}

	// Errors can also arrive with a 200 status inside the body.
	if msg := gjson.Get(body, "error.message"); msg.Exists() {
		code := gjson.Get(body, "error.code").Int()
		if code == http.StatusTooManyRequests {
			return "", apperr.E(op, apperr.ErrRateLimited, errors.New(msg.String()))
		}
		return "", apperr.E(op, apperr.ErrOracleUnavailable, errors.New(msg.String()))
	}

	text := strings.TrimSpace(gjson.Get(body, "choices.0.message.content").String())
	if text == "" {
		return "", apperr.E(op, apperr.ErrMalformedResponse, errors.New("no content in response"))
	}

	g.logger.Debug("chat completion received",
		zap.String("finish_reason", gjson.Get(body, "choices.0.finish_reason").String()),
		zap.Int64("total_tokens", gjson.Get(body, "usage.total_tokens").Int()),
	)

	return text, nil
}

func (g *Generator) Provider() string { return providerName }
func (g *Generator) Model() string    { return g.model }

func statusError(status int, body string) error {
	return fmt.Errorf("status %d: %s", status, logger.TruncateForLog(body, 200))
}
