// Package httpserver wraps http.Server with a Start/Shutdown pair so both
// cmd/gateway and cmd/worker can share it instead of each hand-rolling its
// own ListenAndServe/Shutdown logic.
package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Config builds a Server.
type Config struct {
	Port    int
	Handler http.Handler
	Log     zerolog.Logger
}

// Server is a minimal graceful-shutdown HTTP server.
type Server struct {
	server *http.Server
	log    zerolog.Logger
	port   int
}

// New builds a Server bound to cfg.Port, serving cfg.Handler.
func New(cfg Config) *Server {
	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: cfg.Handler,
		},
		log:  cfg.Log,
		port: cfg.Port,
	}
}

// Start blocks serving until the server is shut down or fails to bind.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
