// Package helper implements the privileged firewall helper: it owns the
// firewall state, applies it to the kernel and serves commands from
// unprivileged clients over a Unix socket.
package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// Server serves the helper API over a Unix socket and, optionally, the
// Prometheus metrics over TCP.
type Server struct {
	cfg     Config
	exec    Executor
	metrics *Metrics
	logger  *slog.Logger
}

// NewServer creates a new Server. Config defaults are applied automatically.
// metrics may be nil when MetricsListen is empty.
func NewServer(cfg Config, exec Executor, metrics *Metrics, logger *slog.Logger) *Server {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		exec:    exec,
		metrics: metrics,
		logger:  logger.With("component", "helper"),
	}
}

// Start runs the server. It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.cfg.MetricsListen != "" && s.metrics == nil {
		return errors.New("helper: metrics listen address set without metrics")
	}

	handler := NewHandler(s.exec, newAuthorizer(s.cfg.AdminGroup, s.logger), s.logger)

	// Remove stale socket.
	os.Remove(s.cfg.SocketPath)

	if dir := filepath.Dir(s.cfg.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("helper: create socket dir: %w", err)
		}
	}

	unixLn, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("helper: listen unix %s: %w", s.cfg.SocketPath, err)
	}
	applySocketPermissions(s.cfg.SocketPath, s.cfg.AdminGroup, s.logger)

	unixServer := &http.Server{
		Handler:     handler.Mux(),
		ConnContext: connContextWithPeerCred(s.logger),
	}

	var metricsServer *http.Server
	var metricsLn net.Listener
	if s.cfg.MetricsListen != "" {
		metricsLn, err = net.Listen("tcp", s.cfg.MetricsListen)
		if err != nil {
			unixLn.Close()
			os.Remove(s.cfg.SocketPath)
			return fmt.Errorf("helper: listen tcp %s: %w", s.cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", s.metrics.Handler())
		metricsServer = &http.Server{Handler: mux}
	}

	s.logger.Info("server started",
		"socket", s.cfg.SocketPath,
		"admin_group", s.cfg.AdminGroup,
		"metrics_listen", s.cfg.MetricsListen,
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := unixServer.Serve(unixLn); err != http.ErrServerClosed {
			s.logger.Error("unix server error", "error", err)
		}
	}()

	if metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.Serve(metricsLn); err != http.ErrServerClosed {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	s.logger.Info("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer shutdownCancel()

	unixServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	os.Remove(s.cfg.SocketPath)

	wg.Wait()

	s.logger.Info("server stopped")

	return ctx.Err()
}
