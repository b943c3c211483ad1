// Package server exposes the engine over HTTP: the read-only query
// surface, the resume/cancel/invoke endpoints and the inbound webhook
// mount.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Config holds HTTP listener settings.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wraps the gin engine and its lifecycle.
type Server struct {
	config *Config
	router *gin.Engine
	http   *http.Server
}

// New builds the server and mounts all routes. The webhook handler is
// optional; pass nil to run without an inbound hook surface.
func New(config *Config, api *API, hooks HookMounter) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	api.Register(router.Group("/api/v1"))
	if hooks != nil {
		hooks.Register(router.Group("/hooks"))
	}
	router.GET("/healthz", api.Health)
	return &Server{config: config, router: router}
}

// HookMounter mounts routes on the inbound hook group. Satisfied by
// trigger.WebhookHandler.
type HookMounter interface {
	Register(group *gin.RouterGroup)
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, then drains connections within
// the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	log.Info("http server shutting down")
	return s.http.Shutdown(shutdownCtx)
}

// requestLogger logs each request with method, path, status and
// latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.FromContext(c.Request.Context()).Debug(
			"http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
