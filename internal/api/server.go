// Package api is the HTTP control plane of the daemon.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"openwhen/internal/delivery"
	"openwhen/internal/observability/pprof"
	"openwhen/internal/reconcile"
	"openwhen/internal/rule"
	"openwhen/internal/timer"
	logx "openwhen/pkg/logx"
)

// Engine is the subset of *reconcile.Engine the API drives.
type Engine interface {
	List(ctx context.Context, order reconcile.Order) ([]reconcile.View, error)
	Add(ctx context.Context, drafts ...rule.Draft) ([]rule.Rule, error)
	Replace(ctx context.Context, id string, drafts ...rule.Draft) ([]rule.Rule, error)
	Cancel(ctx context.Context, id string) ([]string, error)
	OpenNow(ctx context.Context, id string) (delivery.Result, error)
	Rebuild(ctx context.Context, opt reconcile.RebuildOptions) (reconcile.Report, error)
	Timers() []timer.Entry
}

type Config struct {
	Addr  string
	Token string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	Pprof   bool
	Version string
	// Health adds details to /healthz, e.g. a supervisor snapshot.
	Health func() any
}

type Server struct {
	cfg     Config
	engine  Engine
	log     logx.Logger
	echo    *echo.Echo
	http    *http.Server
	started time.Time
}

const pprofPrefix = "/debug/pprof/"

func New(cfg Config, engine Engine, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetOutput(io.Discard)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("path", v.URIPath),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, logx.Err(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	}))

	s := &Server{cfg: cfg, engine: engine, log: log, echo: e, started: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)

	protected := s.echo.Group("")
	if tok := strings.TrimSpace(s.cfg.Token); tok != "" {
		protected.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:" + echo.HeaderAuthorization + ",query:token",
			Validator: func(key string, c echo.Context) (bool, error) {
				key = strings.TrimSpace(strings.TrimPrefix(key, "Bearer "))
				return subtle.ConstantTimeCompare([]byte(key), []byte(tok)) == 1, nil
			},
			ErrorHandler: func(err error, c echo.Context) error {
				c.Response().Header().Set("WWW-Authenticate", "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			},
		}))
	}

	v1 := protected.Group("/v1")
	v1.GET("/rules", s.listRules)
	v1.POST("/rules", s.addRules)
	v1.PUT("/rules/:id", s.replaceRules)
	v1.DELETE("/rules/:id", s.cancelRule)
	v1.POST("/rules/:id/open", s.openRule)
	v1.POST("/rebuild", s.rebuild)
	v1.GET("/timers", s.timers)

	if s.cfg.Metrics != nil {
		protected.GET("/metrics", echo.WrapHandler(s.cfg.Metrics))
	}
	if s.cfg.Pprof {
		h := echo.WrapHandler(pprof.Handler(pprofPrefix))
		protected.Any(strings.TrimSuffix(pprofPrefix, "/"), h)
		protected.Any(pprofPrefix+"*", h)
	}
}

// Handler exposes the router (tests, embedding).
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.cfg.Addr), logx.Bool("auth", s.cfg.Token != ""))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(sctx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
