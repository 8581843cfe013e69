// Package ai talks to the external scoring oracle: it renders the scoring
// prompt, throttles calls through a process-wide gate and enforces the answer
// schema. Provider transports live in subpackages.
package ai

import (
	"context"

	"github.com/spigell/cv-matcher/internal/domain"
)

// Scorer rates how well a candidate fits a job.
type Scorer interface {
	Score(ctx context.Context, candidateText, jobText string) (*domain.MatchResult, error)
}

// Generator sends a prompt to a model and returns its raw text answer.
// Implementations classify failures with apperr sentinels.
type Generator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
	Provider() string
	Model() string
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
