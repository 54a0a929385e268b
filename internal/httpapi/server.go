// Package httpapi exposes similarity checks, generation and pool inspection
// over a JSend JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/similarity/internal/auth"
	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/globaltime"
	"horse.fit/similarity/internal/jobs"
	"horse.fit/similarity/internal/similarity"
)

// Engine is the part of *similarity.Service the API drives.
type Engine interface {
	Check(ctx context.Context, req similarity.CheckRequest) ([]similarity.CheckResult, error)
	Regenerate(ctx context.Context, itemID int64) (similarity.ItemResult, error)
}

type GraphStore interface {
	Links(ctx context.Context, itemID int64) (db.PoolRecord, []db.Link, error)
	DeletePair(ctx context.Context, linkID int64) (db.BatchDeleteResult, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, name string, args json.RawMessage) (string, error)
	Status(id string) (jobs.Status, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Engine Engine
	Graph  GraphStore
	Jobs   JobQueue
	DB     Pinger
	// APIKeys is optional; without it the API is open.
	APIKeys *auth.Verifier
}

type Options struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
}

type Server struct {
	engine  Engine
	graph   GraphStore
	jobs    JobQueue
	db      Pinger
	apiKeys *auth.Verifier
	logger  zerolog.Logger
	opts    Options
}

func NewServer(deps Deps, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Minute
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	origins := opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &Server{
		engine:  deps.Engine,
		graph:   deps.Graph,
		jobs:    deps.Jobs,
		db:      deps.DB,
		apiKeys: deps.APIKeys,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		opts: Options{
			Host:               host,
			Port:               port,
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			ShutdownTimeout:    shutdownTimeout,
			CORSAllowedOrigins: origins,
			MaxBodyBytes:       maxBody,
		},
	}
}

// Handler builds the echo router without starting a listener.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.opts.CORSAllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", apiKeyHeader},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	protected := api.Group("", s.requireAPIKey())
	protected.POST("/check", s.handleCheck)
	protected.POST("/generate", s.handleGenerate)
	protected.GET("/jobs/:job_id", s.handleJobStatus)
	protected.POST("/items/:item_id/regenerate", s.handleRegenerate)
	protected.GET("/items/:item_id/pool", s.handleItemPool)
	protected.DELETE("/links/:link_id", s.handleDeleteLink)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.engine == nil || s.graph == nil || s.jobs == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Bool("api_key_required", s.apiKeys != nil).Msg("similarity api started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("similarity api stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	data := map[string]any{
		"service": "similarity",
		"time":    globaltime.UTC(),
	}
	if s.db != nil {
		if err := s.db.Ping(c.Request().Context()); err != nil {
			s.logger.Error().Err(err).Msg("health database ping failed")
			return unavailable(c, "Database unavailable")
		}
		data["database"] = "ok"
	}
	return success(c, data)
}
