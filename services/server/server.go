// Package server runs one teststation process: a broker client supervisor, the
// consuming services that depend on it and an HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Service is a pipeline stage with a start/stop lifecycle, such as a
// consumers.ProcessingService or an ingestion.MQTTBridge.
type Service interface {
	Start() error
	Stop()
}

// Supervisor is a long-running loop bound to a context, such as *broker.Client.
type Supervisor interface {
	Run(ctx context.Context) error
	Done() <-chan struct{}
}

// Server holds all the components of one process.
type Server struct {
	logger     zerolog.Logger
	supervisor Supervisor
	services   []Service
	httpServer *http.Server

	mu       sync.Mutex
	started  []Service
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a Server. supervisor and handler may be nil.
func New(addr string, handler http.Handler, supervisor Supervisor, services []Service, logger zerolog.Logger) *Server {
	s := &Server{
		logger:     logger.With().Str("component", "Server").Logger(),
		supervisor: supervisor,
		services:   services,
	}
	if handler != nil {
		s.httpServer = &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// Start launches the supervisor and the services, then serves HTTP until
// Shutdown is called. Without a handler it returns once everything is started.
func (s *Server) Start() error {
	s.logger.Info().Msg("Starting server...")

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.supervisor != nil {
		go func() {
			if err := s.supervisor.Run(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Broker supervisor exited with error.")
			}
		}()
	}

	for _, svc := range s.services {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		s.mu.Lock()
		s.started = append(s.started, svc)
		s.mu.Unlock()
	}
	s.logger.Info().Int("services", len(s.services)).Msg("Services started.")

	if s.httpServer == nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting HTTP server.")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Addr is the bound HTTP address, or "" before the listener is up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the services in reverse start order so consumers stop before
// the stages they feed, then the HTTP server, then the broker supervisor.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Shutting down server...")

	s.mu.Lock()
	started := s.started
	s.started = nil
	cancel := s.cancel
	s.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		started[i].Stop()
	}
	s.logger.Info().Msg("Services stopped.")

	if s.httpServer != nil {
		ctx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelHTTP()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		} else {
			s.logger.Info().Msg("HTTP server stopped.")
		}
	}

	if cancel != nil {
		cancel()
	}
	if s.supervisor != nil {
		select {
		case <-s.supervisor.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn().Msg("Broker supervisor did not stop in time.")
		}
	}
}
