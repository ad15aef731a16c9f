package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aridhom/nuxgate/internal/config"
)

// Server owns the HTTP lifecycle and orchestrates graceful shutdown. The
// webhook acknowledges updates before processing them, so shutdown must also
// wait for that background work, not just the listener.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	drain      func()
	once       sync.Once
}

// New binds the HTTP listener settings from configuration around the handler.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}

	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With(slog.String("agent", "lifecycle")),
		httpServer: httpSrv,
	}, nil
}

// DrainWith registers a hook Run invokes after the listener stops, before
// returning. The webhook passes its in-flight update wait here so dispatched
// commands finish before the process exits.
func (s *Server) DrainWith(fn func()) {
	s.drain = fn
}

// Run keeps the listener active until shutdown signals arrive, ensuring graceful exits over abrupt restarts.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http listener starting", slog.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		s.runDrain()
		return ctx.Err()
	case err := <-errCh:
		s.runDrain()
		if err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) runDrain() {
	if s.drain == nil {
		return
	}
	s.logger.Info("draining in-flight updates")
	s.drain()
}

// shutdown collapses the listener once to stop duplicate shutdown work during cascading cancellations.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}
