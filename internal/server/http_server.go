// Package server constructs, starts and stops the WhisperLink HTTP service
// with helpers that apply sensible production defaults.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tyrowin/whisperlink/internal/protocol"
	"github.com/Tyrowin/whisperlink/internal/registry"
)

// Server bundles the session registry, the protocol handler and the HTTP
// surface around them. Each Server owns an independent Registry.
type Server struct {
	cfg      *Config
	log      *zap.Logger
	registry *registry.Registry
	protocol *protocol.Handler
	metrics  *Metrics
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	handler  http.Handler
	http     *http.Server
}

// New builds a Server from cfg. A nil logger disables logging.
func New(cfg *Config, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.Sanitize()
	if log == nil {
		log = zap.NewNop()
	}

	reg := registry.New(
		registry.WithLogger(log.Named("registry")),
		registry.WithTranscriptLimit(cfg.TranscriptLimit),
	)
	metrics := NewMetrics(reg)

	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  metrics,
		hub:      NewHub(log.Named("hub")),
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		protocol: protocol.NewHandler(reg,
			protocol.WithLogger(log.Named("protocol")),
			protocol.WithObserver(metrics),
		),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.handler = s.routes()
	s.http = CreateServer(cfg.Port, s.handler)
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Handler returns the routed HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry exposes the session registry backing this server.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// ListenAndServe listens on the configured port and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("server listening", zap.String("addr", l.Addr().String()))
	return s.http.Serve(l)
}

// Shutdown stops accepting requests, then closes every WebSocket session and
// waits for their teardown, all bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	err := s.http.Shutdown(ctx)
	err = multierr.Append(err, s.hub.Shutdown(ctx))
	if err != nil {
		s.log.Warn("shutdown incomplete", zap.Error(err))
		return err
	}
	s.log.Info("shutdown completed")
	return nil
}
