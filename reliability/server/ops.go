package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
)

var (
	ErrEmptyAddress  = errors.New("server: listen address is required")
	ErrNilCheck      = errors.New("server: health check is nil")
	ErrNilDiagnostic = errors.New("server: diagnostic is nil")
)

const (
	defaultCheckTimeout    = 2 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Diagnostic returns a JSON-encodable snapshot served on GET /debug/:name.
type Diagnostic func(ctx context.Context) (any, error)

type namedCheck struct {
	name  string
	check Check
}

// OpsServer serves /livez, /readyz, /debug/:name and optionally /metrics.
type OpsServer struct {
	app             *fiber.App
	address         string
	logger          log.Logger
	checkTimeout    time.Duration
	shutdownTimeout time.Duration
	metrics         http.Handler

	mu          sync.RWMutex
	checks      []namedCheck
	diagnostics map[string]Diagnostic
}

// Option customizes an OpsServer.
type Option func(*OpsServer)

func WithLogger(logger log.Logger) Option {
	return func(s *OpsServer) { s.logger = log.OrNop(logger) }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *OpsServer) { s.metrics = h }
}

// WithCheckTimeout bounds each readiness check.
func WithCheckTimeout(d time.Duration) Option {
	return func(s *OpsServer) {
		if d > 0 {
			s.checkTimeout = d
		}
	}
}

// WithShutdownTimeout bounds Shutdown when the caller's ctx has no deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *OpsServer) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewOpsServer builds the routes. Nothing listens until Run.
func NewOpsServer(address string, opts ...Option) (*OpsServer, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrEmptyAddress
	}

	s := &OpsServer{
		address:         address,
		logger:          log.NewNop(),
		checkTimeout:    defaultCheckTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		diagnostics:     map[string]Diagnostic{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "reliability-ops",
	})

	s.app.Get("/livez", s.handleLive)
	s.app.Get("/readyz", s.handleReady)
	s.app.Get("/debug/:name", s.handleDiagnostic)

	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics))
	}

	return s, nil
}

// AddCheck registers a readiness check. Checks run in registration order.
func (s *OpsServer) AddCheck(name string, check Check) error {
	if check == nil {
		return fmt.Errorf("%w: %s", ErrNilCheck, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checks = append(s.checks, namedCheck{name: name, check: check})

	return nil
}

// AddDiagnostic registers fn under name. A later registration replaces an
// earlier one.
func (s *OpsServer) AddDiagnostic(name string, fn Diagnostic) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilDiagnostic, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.diagnostics[name] = fn

	return nil
}

// App returns the underlying fiber app.
func (s *OpsServer) App() *fiber.App { return s.app }

// Run listens until Shutdown is called.
func (s *OpsServer) Run(launcher *reliability.Launcher) error {
	s.logger.Log(context.Background(), log.LevelInfo, "ops server listening", log.String("address", s.address))

	if err := s.app.Listen(s.address); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}

	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}

	return nil
}

func (s *OpsServer) handleLive(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *OpsServer) handleReady(c *fiber.Ctx) error {
	s.mu.RLock()
	checks := append([]namedCheck(nil), s.checks...)
	s.mu.RUnlock()

	results := make(map[string]string, len(checks))
	ready := true

	for _, nc := range checks {
		ctx, cancel := context.WithTimeout(c.UserContext(), s.checkTimeout)
		err := nc.check(ctx)
		cancel()

		if err != nil {
			ready = false
			results[nc.name] = errclass.Redact(err)

			s.logger.Log(c.UserContext(), log.LevelWarn, "readiness check failed",
				log.String("check", nc.name), log.String("error", results[nc.name]))

			continue
		}

		results[nc.name] = "ok"
	}

	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "checks": results})
	}

	return c.JSON(fiber.Map{"status": "ready", "checks": results})
}

func (s *OpsServer) handleDiagnostic(c *fiber.Ctx) error {
	name := c.Params("name")

	s.mu.RLock()
	fn, ok := s.diagnostics[name]
	s.mu.RUnlock()

	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown diagnostic"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.checkTimeout)
	defer cancel()

	out, err := fn(ctx)
	if err != nil {
		msg := errclass.Redact(err)

		s.logger.Log(c.UserContext(), log.LevelWarn, "diagnostic failed",
			log.String("diagnostic", name), log.String("error", msg))

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": msg})
	}

	return c.JSON(out)
}

var _ reliability.App = (*OpsServer)(nil)
