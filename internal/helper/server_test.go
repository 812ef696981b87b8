package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plexsphere/fwpanel/internal/command"
)

func startTestServer(t *testing.T, cfg Config) (context.CancelFunc, chan error) {
	t.Helper()
	b, _ := newTestBackendWithConfig(t, cfg)
	srv := NewServer(cfg, b, b.metrics, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	if !waitForSocket(t, cfg.SocketPath, 2*time.Second) {
		cancel()
		<-errCh
		t.Fatal("socket did not appear")
	}
	return cancel, errCh
}

func stopTestServer(t *testing.T, cancel context.CancelFunc, errCh chan error) {
	t.Helper()
	cancel()
	if err := <-errCh; err != nil && err != context.Canceled {
		t.Fatalf("Start returned: %v", err)
	}
}

func sendCommand(t *testing.T, client *http.Client, cmd command.Command) (int, command.Reply) {
	t.Helper()
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post("http://unix/v1/command", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/command: %v", err)
	}
	defer resp.Body.Close()
	var reply command.Reply
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
	}
	return resp.StatusCode, reply
}

func TestServer_UnixSocket(t *testing.T) {
	cfg := testConfig(t)
	cancel, errCh := startTestServer(t, cfg)

	client := unixSocketClient(cfg.SocketPath)
	defer client.CloseIdleConnections()

	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /v1/health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	code, reply := sendCommand(t, client, command.Query(true, false))
	if code != http.StatusOK || !reply.Succeeded {
		cancel()
		t.Fatalf("query = %d %+v", code, reply)
	}
	if xml, _ := reply.Data.String(command.DataResponse); !strings.Contains(xml, "<status") {
		t.Errorf("query response = %q, want a status section", xml)
	}

	// Mutations need root or the admin group; an unprivileged test run is refused.
	code, _ = sendCommand(t, client, command.SetStatus(true))
	if os.Getuid() == 0 {
		if code != http.StatusOK {
			t.Errorf("set status as root = %d, want 200", code)
		}
	} else if code != http.StatusOK && code != http.StatusForbidden {
		t.Errorf("set status = %d, want 200 or 403", code)
	}

	client.CloseIdleConnections()
	stopTestServer(t, cancel, errCh)

	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket file not removed after shutdown")
	}
}

func TestServer_StaleSocketRemoved(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.SocketPath, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	cancel, errCh := startTestServer(t, cfg)
	stopTestServer(t, cancel, errCh)
}

func TestServer_CreatesSocketDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.SocketPath = filepath.Join(t.TempDir(), "nested", "dir", "helper.sock")
	cancel, errCh := startTestServer(t, cfg)
	stopTestServer(t, cancel, errCh)
}

func TestServer_Metrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t)
	cfg.MetricsListen = addr
	cancel, errCh := startTestServer(t, cfg)

	client := unixSocketClient(cfg.SocketPath)
	defer client.CloseIdleConnections()
	sendCommand(t, client, command.Interfaces())

	if !waitForTCP(t, addr, 2*time.Second) {
		cancel()
		<-errCh
		t.Fatal("metrics listener not ready")
	}
	tcp := &http.Client{Transport: &http.Transport{}}
	defer tcp.CloseIdleConnections()
	resp, err := tcp.Get("http://" + addr + "/metrics")
	if err != nil {
		cancel()
		<-errCh
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, want := range []string{
		`fwpanel_helper_commands_total{cmd="interfaces",result="success"} 1`,
		"fwpanel_helper_firewall_enabled 0",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	client.CloseIdleConnections()
	tcp.CloseIdleConnections()
	stopTestServer(t, cancel, errCh)
}

func TestServer_MetricsWithoutRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsListen = "127.0.0.1:0"
	srv := NewServer(cfg, &recordingExecutor{}, nil, discardLogger())
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil, want error for metrics listen without metrics")
	}
}

func TestServer_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = "relative"
	srv := NewServer(cfg, &recordingExecutor{}, nil, discardLogger())
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil, want validation error")
	}
}

func waitForSocket(t *testing.T, path string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func waitForTCP(t *testing.T, addr string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
			conn.Close()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func unixSocketClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
}
