// Package channel carries commands from unprivileged clients to the
// firewall helper over its Unix socket.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/plexsphere/fwpanel/internal/command"
)

// ErrClosed is reported for commands dispatched after Close.
var ErrClosed = errors.New("channel: closed")

// maxReplyBytes bounds the size of a reply body.
const maxReplyBytes = 16 << 20

// Socket implements command.Channel over HTTP on the helper's Unix socket.
// Each Dispatch performs its round trip on its own goroutine.
type Socket struct {
	cfg       Config
	client    *http.Client
	transport *http.Transport
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ command.Channel = (*Socket)(nil)

// NewSocket creates a Socket. Config defaults are applied automatically.
func NewSocket(cfg Config, logger *slog.Logger) (*Socket, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	socketPath := cfg.SocketPath
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Socket{
		cfg:       cfg,
		client:    &http.Client{Transport: transport},
		transport: transport,
		logger:    logger.With("component", "channel"),
	}, nil
}

// Dispatch sends cmd to the helper and delivers exactly one reply through
// deliver from a separate goroutine. Transport errors become failed replies.
func (s *Socket) Dispatch(cmd command.Command, deliver command.ReplyFunc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		deliver(command.Failure(cmd, ErrClosed.Error()))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()

		reply, err := s.roundTrip(ctx, cmd)
		if err != nil {
			s.logger.Warn("command failed in transit", "cmd", cmd.Kind, "id", cmd.ID, "error", err)
			reply = command.Failure(cmd, err.Error())
		}
		deliver(reply)
	}()
}

// Health checks that the helper is reachable.
func (s *Socket) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, socketURL("/v1/health"), nil)
	if err != nil {
		return fmt.Errorf("channel: health: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return s.unavailable(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("channel: health: helper returned status %d", resp.StatusCode)
	}
	return nil
}

// Close rejects further commands and waits for outstanding deliveries.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	s.transport.CloseIdleConnections()
	return nil
}

func (s *Socket) roundTrip(ctx context.Context, cmd command.Command) (command.Reply, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return command.Reply{}, fmt.Errorf("channel: encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, socketURL("/v1/command"), bytes.NewReader(body))
	if err != nil {
		return command.Reply{}, fmt.Errorf("channel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return command.Reply{}, s.unavailable(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return command.Reply{}, fmt.Errorf("channel: read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return command.Reply{}, fmt.Errorf("channel: helper refused command: %s", apiErr.Error)
		}
		return command.Reply{}, fmt.Errorf("channel: helper returned status %d", resp.StatusCode)
	}

	var reply command.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return command.Reply{}, fmt.Errorf("channel: decode reply: %w", err)
	}
	if reply.Data == nil {
		reply.Data = command.Args{}
	}
	return reply, nil
}

func (s *Socket) unavailable(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("channel: helper did not answer within %s: %w", s.cfg.Timeout, err)
	}
	return fmt.Errorf("channel: helper not running or socket unavailable at %s: %w", s.cfg.SocketPath, err)
}

// socketURL returns a URL for the given path using the Unix socket.
func socketURL(path string) string {
	return "http://localhost" + path
}
