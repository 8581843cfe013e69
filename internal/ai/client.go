package ai

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/logger"
)

//go:embed prompt.md
var promptTemplate string

const defaultMaxLogLength = 200

// Client scores candidate/job pairs through a Generator.
type Client struct {
	generator Generator
	gate      *Gate
	cache     *Cache
	logger    *zap.Logger
	maxLogLen int
}

// Option configures a Client.
type Option func(*Client)

// WithGate shares a process-wide gate. Without it the client gets its own.
func WithGate(g *Gate) Option { return func(c *Client) { c.gate = g } }

// WithCache enables result caching.
func WithCache(cache *Cache) Option { return func(c *Client) { c.cache = cache } }

// WithMaxLogLength limits prompt and answer previews in debug logs.
func WithMaxLogLength(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxLogLen = n
		}
	}
}

func NewClient(generator Generator, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		generator: generator,
		maxLogLen: defaultMaxLogLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gate == nil {
		c.gate = NewGate(DefaultMaxParallel, 0)
	}

	log = logger.Named(log, "oracle")
	if generator != nil {
		log = logger.WithFields(log, logger.OracleFields(generator.Provider(), generator.Model())...)
	}
	c.logger = log

	return c
}

// Score implements Scorer. Pairs with an empty side short-circuit to an
// insufficient-data result without calling the oracle.
func (c *Client) Score(ctx context.Context, candidateText, jobText string) (*domain.MatchResult, error) {
	candidateText = strings.TrimSpace(candidateText)
	jobText = strings.TrimSpace(jobText)
	if candidateText == "" || jobText == "" {
		return domain.EmptyMatch(), nil
	}

	key := Key(candidateText, jobText)
	if c.cache != nil {
		if res, ok := c.cache.Get(key); ok {
			c.logger.Debug("oracle cache hit", zap.String("key", key[:12]))
			return res, nil
		}
	}

	if c.generator == nil {
		return nil, apperr.E("ai.Score", apperr.ErrOracleUnavailable, errors.New("no oracle provider configured"))
	}

	prompt := BuildPrompt(candidateText, jobText)

	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("oracle request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", logger.TruncateForLog(prompt, c.maxLogLen)),
	)

	raw, err := c.generator.GenerateContent(ctx, prompt)
	release()
	if err != nil {
		return nil, classify(err)
	}

	c.logger.Debug("oracle response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", logger.TruncateForLog(raw, c.maxLogLen)),
	)

	res, err := ParseResult(raw)
	if err != nil {
		c.logger.Warn("oracle answer rejected",
			zap.Error(err),
			zap.String("response_preview", logger.TruncateForLog(raw, c.maxLogLen)),
		)
		return nil, err
	}

	if c.cache != nil {
		c.cache.Put(key, res)
	}

	return res, nil
}

// BuildPrompt renders the scoring prompt.
func BuildPrompt(candidateText, jobText string) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Candidate:\n{{CANDIDATE}}\n\nJob:\n{{JOB}}\n\nJSON Response:"
	}
	return strings.NewReplacer("{{CANDIDATE}}", candidateText, "{{JOB}}", jobText).Replace(template)
}

// classify keeps provider classification and treats anything else as an outage.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return err
	}
	return apperr.E("ai.Score", apperr.ErrOracleUnavailable, err)
}
