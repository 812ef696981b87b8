package channel

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/plexsphere/fwpanel/internal/command"
	"github.com/plexsphere/fwpanel/internal/helper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoExecutor answers queries successfully and fails everything else.
// When block is set it waits for the request context to end.
type echoExecutor struct {
	block bool

	mu   sync.Mutex
	seen []command.Command
}

func (e *echoExecutor) Execute(ctx context.Context, cmd command.Command) command.Reply {
	e.mu.Lock()
	e.seen = append(e.seen, cmd)
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return command.Failure(cmd, ctx.Err().Error())
	}
	if cmd.Kind.IsQuery() {
		return command.Success(cmd, command.Args{command.DataResponse: "<profile/>"})
	}
	return command.Failure(cmd, "rejected by test executor")
}

type allowQueries struct{}

func (allowQueries) Authorize(_ *http.Request, kind command.Kind) error {
	if kind == command.KindReset {
		return helper.ErrForbidden
	}
	return nil
}

// serveHelper runs the helper handler on a temporary Unix socket.
func serveHelper(t *testing.T, exec helper.Executor) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "helper.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: helper.NewHandler(exec, allowQueries{}, discardLogger()).Mux()}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		srv.Close()
		<-done
	})
	return socketPath
}

func newTestSocket(t *testing.T, cfg Config) *Socket {
	t.Helper()
	s, err := NewSocket(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// dispatch sends cmd and waits for its reply.
func dispatch(t *testing.T, s *Socket, cmd command.Command) command.Reply {
	t.Helper()
	replies := make(chan command.Reply, 2)
	s.Dispatch(cmd, func(r command.Reply) { replies <- r })
	select {
	case r := <-replies:
		select {
		case extra := <-replies:
			t.Fatalf("second reply delivered: %+v", extra)
		case <-time.After(20 * time.Millisecond):
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
		return command.Reply{}
	}
}

func TestSocket_Dispatch(t *testing.T) {
	exec := &echoExecutor{}
	s := newTestSocket(t, Config{SocketPath: serveHelper(t, exec)})

	cmd := command.Query(true, true)
	reply := dispatch(t, s, cmd)
	if !reply.Succeeded || reply.ID != cmd.ID || reply.Kind != command.KindQuery {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Message() != "<profile/>" {
		t.Errorf("Message() = %q", reply.Message())
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.seen) != 1 {
		t.Fatalf("helper saw %d commands, want 1", len(exec.seen))
	}
	if b, _ := exec.seen[0].Args.Bool(command.ArgProfiles); !b {
		t.Errorf("args lost in transit: %v", exec.seen[0].Args)
	}
}

func TestSocket_FailedReplyPassesThrough(t *testing.T) {
	s := newTestSocket(t, Config{SocketPath: serveHelper(t, &echoExecutor{})})

	cmd := command.SetStatus(true)
	reply := dispatch(t, s, cmd)
	if reply.Succeeded || reply.ID != cmd.ID || reply.Kind != command.KindSetStatus {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Message() != "rejected by test executor" {
		t.Errorf("Message() = %q", reply.Message())
	}
}

func TestSocket_TransportFailures(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) Config
		cmd  command.Command
		want string
	}{
		{
			name: "helper not running",
			cfg: func(t *testing.T) Config {
				return Config{SocketPath: filepath.Join(t.TempDir(), "missing.sock")}
			},
			cmd:  command.Query(false, false),
			want: "helper not running",
		},
		{
			name: "refused",
			cfg: func(t *testing.T) Config {
				return Config{SocketPath: serveHelper(t, &echoExecutor{})}
			},
			cmd:  command.Reset(),
			want: "insufficient privileges",
		},
		{
			name: "timeout",
			cfg: func(t *testing.T) Config {
				return Config{SocketPath: serveHelper(t, &echoExecutor{block: true}), Timeout: 50 * time.Millisecond}
			},
			cmd:  command.Interfaces(),
			want: "did not answer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSocket(t, tt.cfg(t))
			reply := dispatch(t, s, tt.cmd)
			if reply.Succeeded {
				t.Fatalf("reply succeeded, want failure")
			}
			if reply.ID != tt.cmd.ID || reply.Kind != tt.cmd.Kind {
				t.Errorf("reply %s/%s does not echo %s/%s", reply.ID, reply.Kind, tt.cmd.ID, tt.cmd.Kind)
			}
			if !strings.Contains(reply.Message(), tt.want) {
				t.Errorf("Message() = %q, want it to contain %q", reply.Message(), tt.want)
			}
		})
	}
}

func TestSocket_CloseWaitsForDeliveries(t *testing.T) {
	s, err := NewSocket(Config{SocketPath: serveHelper(t, &echoExecutor{})}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	delivered := 0
	for i := 0; i < 5; i++ {
		s.Dispatch(command.Query(false, false), func(command.Reply) {
			mu.Lock()
			delivered++
			mu.Unlock()
		})
	}
	s.Close()

	mu.Lock()
	got := delivered
	mu.Unlock()
	if got != 5 {
		t.Errorf("delivered %d replies before Close returned, want 5", got)
	}

	var late command.Reply
	s.Dispatch(command.Query(false, false), func(r command.Reply) { late = r })
	if late.Succeeded || late.Message() != ErrClosed.Error() {
		t.Errorf("dispatch after close = %+v", late)
	}
}

func TestSocket_Health(t *testing.T) {
	s := newTestSocket(t, Config{SocketPath: serveHelper(t, &echoExecutor{})})
	if err := s.Health(context.Background()); err != nil {
		t.Errorf("Health() = %v", err)
	}

	missing := newTestSocket(t, Config{SocketPath: filepath.Join(t.TempDir(), "none.sock")})
	if err := missing.Health(context.Background()); err == nil {
		t.Error("Health() = nil for missing helper")
	}
}

func TestConfig(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.SocketPath != DefaultSocketPath || cfg.Timeout != 30*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}

	if _, err := NewSocket(Config{Timeout: -time.Second}, nil); err == nil {
		t.Error("NewSocket accepted a negative timeout")
	}
	if err := (&Config{}).Validate(); err == nil {
		t.Error("Validate() = nil for empty config")
	}
}
