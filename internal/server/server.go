// Package server exposes the nearby handler over HTTP with gin.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bbernstein/nearby/internal/config"
	"github.com/bbernstein/nearby/internal/handler"
	"github.com/bbernstein/nearby/internal/metrics"
)

const (
	NearbyPath = "/nearby"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	metrics *metrics.Metrics
}

func New(cfg *config.Config, nearby *handler.NearbyHandler, m *metrics.Metrics) *Server {
	if cfg.Environment != "local" && cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(RequestTracing(m))
	engine.GET(NearbyPath, nearby.HandleGin)

	return &Server{
		cfg:     cfg,
		engine:  engine,
		metrics: m,
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr.String())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	servers := []*http.Server{{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}}
	listeners := []net.Listener{ln}

	if s.cfg.MetricsAddr != "" && s.metrics != nil {
		mln, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listening for metrics on %s: %w", s.cfg.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		servers = append(servers, &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout})
		listeners = append(listeners, mln)
		log.Info().Str("addr", mln.Addr().String()).Msg("Serving metrics")
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		srv, l := srv, listeners[i]
		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Listening")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("Server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			serveErr = errors.Join(serveErr, err)
		}
	}
	return serveErr
}

// RequestTracing logs every request and records it in m. A panicking handler
// is answered with 500.
func RequestTracing(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				if r == http.ErrAbortHandler {
					panic(r)
				}
				log.Error().
					Interface("panic", r).
					Str("path", c.Request.URL.Path).
					Msg("Recovered from panic")
				c.AbortWithStatus(http.StatusInternalServerError)
			}
			trace(c, m, time.Since(start))
		}()
		c.Next()
	}
}

func trace(c *gin.Context, m *metrics.Metrics, elapsed time.Duration) {
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	code := c.Writer.Status()
	m.ObserveRequest(c.Request.Method, route, code, elapsed)

	var event *zerolog.Event
	switch {
	case code >= http.StatusInternalServerError:
		event = log.Error()
	case code >= http.StatusBadRequest:
		event = log.Warn()
	default:
		event = log.Info()
	}
	event.
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Str("query", c.Request.URL.RawQuery).
		Int("status", code).
		Dur("latency", elapsed).
		Str("client_ip", c.ClientIP()).
		Msg("Request")
}
