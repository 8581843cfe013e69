// Package api exposes matching, applications and notifications over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/lifecycle"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/matching"
	"github.com/spigell/cv-matcher/internal/notify"
	"github.com/spigell/cv-matcher/internal/ranking"
	"github.com/spigell/cv-matcher/internal/resume"
	"github.com/spigell/cv-matcher/internal/storage"
	"github.com/spigell/cv-matcher/internal/store"
)

const (
	defaultListen       = ":8080"
	defaultRateLimit    = 120
	defaultRateWindow   = time.Minute
	defaultShutdownWait = 10 * time.Second
	// multipartOverhead is added to the resume limit for form fields and boundaries.
	multipartOverhead = 1 << 20
)

type Config struct {
	Listen     string        `mapstructure:"listen"`
	RateLimit  int           `mapstructure:"rate-limit"`
	RateWindow time.Duration `mapstructure:"rate-window"`
	// ExposeErrors adds the full error chain to error responses.
	ExposeErrors bool `mapstructure:"expose-errors"`
}

// Deps are the collaborators behind the routes. Indexer is optional.
type Deps struct {
	Store     store.Store
	Extractor *resume.Extractor
	Storage   storage.Storage
	Matching  *matching.Service
	Lifecycle *lifecycle.Machine
	Hub       *notify.Hub
	Indexer   *ranking.Indexer
	// Skills is the vocabulary matched against uploaded resumes.
	Skills []string
	Logger *zap.Logger
}

type Server struct {
	app    *fiber.App
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}

	log := logger.Named(deps.Logger, "api")
	s := &Server{cfg: cfg, deps: deps, logger: log}

	bodyLimit := int(resume.DefaultMaxBytes) + multipartOverhead
	if deps.Extractor != nil {
		bodyLimit = int(deps.Extractor.MaxBytes()) + multipartOverhead
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "cv-matcher",
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log, cfg.ExposeErrors),
	})

	s.app.Use(recover.New(recover.Config{EnableStackTrace: cfg.ExposeErrors}))
	s.app.Use(requestLogger(log))
	s.app.Use(healthcheck.New(healthcheck.Config{
		LivenessEndpoint:  "/healthz",
		ReadinessEndpoint: "/readyz",
		ReadinessProbe: func(c *fiber.Ctx) bool {
			_, err := deps.Store.Now(c.UserContext())
			return err == nil
		},
	}))
	s.app.Use(limiter.New(limiter.Config{
		Max:               cfg.RateLimit,
		Expiration:        cfg.RateWindow,
		LimiterMiddleware: limiter.SlidingWindow{},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(errorResponse{Message: "too many requests"})
		},
	}))

	s.routes()
	return s
}

// App exposes the fiber app, mostly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	r := s.app.Group("/", requireActor)

	r.Post("/resumes", s.uploadResume)

	r.Put("/jobs/:id", s.putJob)
	r.Get("/jobs/:id", s.getJob)
	r.Post("/jobs/:id/matches", s.matchCandidates)
	r.Get("/jobs/:id/applications", s.listJobApplications)

	r.Get("/candidates/:id", s.getCandidate)
	r.Post("/candidates/:id/matches", s.matchJobs)
	r.Get("/candidates/:id/applications", s.listCandidateApplications)

	r.Post("/applications", s.submitApplication)
	r.Get("/applications/:id", s.getApplication)
	r.Patch("/applications/:id/status", s.transitionApplication)
	r.Post("/applications/:id/rescore", s.rescoreApplication)
	r.Delete("/applications/:id", s.deleteApplication)

	r.Post("/messages", s.sendMessage)
	r.Get("/messages", s.listMessages)
	r.Post("/messages/:id/read", s.markRead)
	r.Get("/notifications/unread", s.unread)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("listen", s.cfg.Listen))
		errCh <- s.app.Listen(s.cfg.Listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	if err := s.app.ShutdownWithTimeout(defaultShutdownWait); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("took", time.Since(start)),
			zap.String("ip", c.IP()),
			zap.Error(err),
		)
		return err
	}
}
