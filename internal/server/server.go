package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/corpus/internal/cache"
	"github.com/mohammad-safakhou/corpus/internal/progress"
	"github.com/mohammad-safakhou/corpus/internal/resilience"
	"github.com/mohammad-safakhou/corpus/internal/service"
	"github.com/mohammad-safakhou/corpus/internal/telemetry"
)

// Options toggles the streaming surfaces.
type Options struct {
	ProgressStreamEnabled bool
	WebsocketEnabled      bool
	PingInterval          time.Duration
}

// Deps are the components the HTTP surface serves.
type Deps struct {
	Topics   *service.Topics
	Cache    *cache.Manager
	Breakers *resilience.Registry
	Progress *progress.Broadcaster
	Metrics  *telemetry.Metrics
	Logger   *log.Logger
}

// Server is the echo application for corpus aggregation.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	opts   Options
	logger *log.Logger
}

func New(deps Deps, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	s := &Server{echo: e, deps: deps, opts: opts, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	api := e.Group("/api")
	th := &topicsHandler{topics: s.deps.Topics, progress: s.deps.Progress}
	th.register(api.Group("/topics"))
	ph := &progressHandler{progress: s.deps.Progress, opts: s.opts, logger: s.logger}
	ph.register(api.Group("/topics"))
	oh := &opsHandler{cache: s.deps.Cache, breakers: s.deps.Breakers}
	oh.register(api)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks serving addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Printf("listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
