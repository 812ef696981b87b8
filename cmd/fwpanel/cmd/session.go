package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/plexsphere/fwpanel/internal/channel"
	"github.com/plexsphere/fwpanel/internal/profilestore"
	"github.com/plexsphere/fwpanel/internal/reconcile"
)

// interactiveLogLevel is used by the client commands unless --log-level is
// given.
const interactiveLogLevel = "warn"

// session is a reconciliation engine connected to the helper for the
// duration of one CLI invocation.
type session struct {
	engine *reconcile.Engine
	socket *channel.Socket
	obs    *cliObserver
	logger *slog.Logger
}

// openSession connects to the helper, fetches the full firewall state and
// the system profiles, and registers the local profile files.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(interactiveLogLevel)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel)

	socket, err := channel.NewSocket(cfg.Channel, logger)
	if err != nil {
		return nil, err
	}
	store, err := profilestore.New(cfg.Profiles, logger)
	if err != nil {
		socket.Close()
		return nil, err
	}

	obs := &cliObserver{}
	s := &session{
		engine: reconcile.NewEngine(socket, store, obs, logger),
		socket: socket,
		obs:    obs,
		logger: logger,
	}
	if err := s.run(cmd.Context(), func() error { return s.engine.Query(true, true) }); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.engine.LoadLocalProfiles(); err != nil {
		logger.Warn("some local profiles were skipped", "dir", store.Dir(), "error", err)
	}
	return s, nil
}

// run issues one intent and waits until the engine is idle again. Failures
// reported by the engine while the intent was processed are returned.
func (s *session) run(ctx context.Context, intent func() error) error {
	s.obs.reset()
	if err := intent(); err != nil {
		return err
	}
	if err := s.engine.WaitIdle(ctx); err != nil {
		return fmt.Errorf("waiting for the helper: %w", err)
	}
	return s.obs.err()
}

// Close releases the helper connection.
func (s *session) Close() {
	s.socket.Close()
}

// cliObserver collects the engine's error reports for the current intent.
type cliObserver struct {
	reconcile.NopObserver

	mu     sync.Mutex
	errs   []string
	status string
}

func (o *cliObserver) OnError(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, text)
}

func (o *cliObserver) OnStatusText(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = text
}

func (o *cliObserver) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = nil
}

func (o *cliObserver) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(o.errs, "\n"))
}

func (o *cliObserver) statusText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}
