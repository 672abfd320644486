// Package server owns the HTTP surface: request-meta middleware, the demo
// routes exercising the interceptor chain, the admin credential endpoint, and
// the listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/l0p7/proxykit/internal/config"
)

// shutdownGrace bounds both the in-flight request drain and the hook teardown.
const shutdownGrace = 10 * time.Second

// ShutdownHook releases a process-owned resource after the listener has
// drained. Hooks run newest-first so dependents stop before the stores and
// caches they lean on.
type ShutdownHook struct {
	Name string
	Stop func(context.Context) error
}

// Server binds the router to the configured endpoint and owns the teardown of
// everything registered against it.
type Server struct {
	logger     *slog.Logger
	http       *http.Server
	listenAddr string
	boundAddr  atomic.Value
	hooks      []ShutdownHook
}

// New prepares the server without binding the port. Binding happens in Run so
// construction never holds a socket the caller may decide not to use.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:     logger.With(slog.String("component", "lifecycle")),
		listenAddr: net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// OnShutdown registers a teardown hook. Register resources in the order they
// were built; Run stops them in reverse.
func (s *Server) OnShutdown(name string, stop func(context.Context) error) {
	s.hooks = append(s.hooks, ShutdownHook{Name: name, Stop: stop})
}

// Addr reports the bound listener address once Run is serving, which is how
// callers discover the port when the config asks for :0. Before binding it
// echoes the configured endpoint.
func (s *Server) Addr() string {
	if v := s.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return s.listenAddr
}

// Run binds the listener and serves until the context is cancelled or the
// listener fails, then drains in-flight requests and runs the shutdown hooks.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.listenAddr, err)
	}
	s.boundAddr.Store(ln.Addr().String())
	s.logger.Info("http listener started", slog.String("address", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.http.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server: serve: %w", err)
		}
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.logger.Info("http listener draining")
	if err := s.http.Shutdown(graceCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server: shutdown: %w", err)
	}
	s.runHooks(graceCtx)
	return runErr
}

// runHooks tears resources down newest-first. A failing hook is logged and
// skipped so one broken resource cannot strand the rest.
func (s *Server) runHooks(ctx context.Context) {
	for i := len(s.hooks) - 1; i >= 0; i-- {
		hook := s.hooks[i]
		if err := hook.Stop(ctx); err != nil {
			s.logger.Warn("shutdown hook failed",
				slog.String("hook", hook.Name),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.Debug("shutdown hook done", slog.String("hook", hook.Name))
	}
}
