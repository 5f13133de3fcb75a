// Package status serves a small read-only HTTP view of the engine plus a
// manual cycle trigger.
package status

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/filtering"
	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/orchestrator"
	"github.com/spigell/job-responder/internal/weights"
)

const (
	defaultRecordsLimit = 20
	maxRecordsLimit     = 500
	topWeights          = 50
)

// Engine is the part of the orchestrator the server reads from.
type Engine interface {
	State() orchestrator.State
	LastReport() *orchestrator.CycleReport
	QuotaUsage(ctx context.Context, date string) (model.DailyQuotaCounter, error)
	QuotaLimit() int
	RecentRecords(ctx context.Context, n int) ([]model.ApplicationRecord, error)
	SkillWeights(ctx context.Context) (model.SkillWeights, error)
	Filters() []filtering.Status
	Trigger() error
}

var _ Engine = (*orchestrator.Orchestrator)(nil)

type Server struct {
	app    *fiber.App
	engine Engine
	logger *zap.Logger
}

func New(engine Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		app:    fiber.New(fiber.Config{AppName: "job-responder"}),
		engine: engine,
		logger: logger,
	}
	s.app.Use(s.accessLog)
	s.routes()
	return s
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)
	s.app.Get("/quota", s.quota)
	s.app.Get("/records", s.records)
	s.app.Get("/weights", s.weights)
	s.app.Get("/filters", s.filters)
	s.app.Get("/cycle", s.cycle)
	s.app.Post("/cycle", s.trigger)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	s.logger.Info("status server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("status server stopped")
		return nil
	}
}

func (s *Server) accessLog(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("http request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("latency", time.Since(start)),
	)
	return err
}

func (s *Server) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "state": s.engine.State().String()})
}

func (s *Server) quota(c fiber.Ctx) error {
	usage, err := s.engine.QuotaUsage(c.Context(), c.Query("date"))
	if err != nil {
		return s.fail(c, err)
	}
	limit := s.engine.QuotaLimit()
	remaining := limit - usage.Count
	if remaining < 0 {
		remaining = 0
	}
	return c.JSON(fiber.Map{
		"date":      usage.Date,
		"count":     usage.Count,
		"limit":     limit,
		"remaining": remaining,
	})
}

func (s *Server) records(c fiber.Ctx) error {
	limit := defaultRecordsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
		}
		limit = min(n, maxRecordsLimit)
	}

	recs, err := s.engine.RecentRecords(c.Context(), limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"records": recs, "count": len(recs)})
}

func (s *Server) weights(c fiber.Ctx) error {
	w, err := s.engine.SkillWeights(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"update_count":  w.UpdateCount,
		"last_decay_at": w.LastDecayAt,
		"top":           weights.Top(w, topWeights),
		"companies":     weights.TopCompanies(w, topWeights),
	})
}

func (s *Server) filters(c fiber.Ctx) error {
	return c.JSON(s.engine.Filters())
}

func (s *Server) cycle(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"state": s.engine.State().String(),
		"last":  s.engine.LastReport(),
	})
}

func (s *Server) trigger(c fiber.Ctx) error {
	if err := s.engine.Trigger(); err != nil {
		if errors.Is(err, orchestrator.ErrCycleInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "triggered"})
}

func (s *Server) fail(c fiber.Ctx, err error) error {
	s.logger.Warn("status request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
