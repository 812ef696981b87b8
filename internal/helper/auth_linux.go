//go:build linux

package helper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials extracts peer credentials from a Unix socket connection
// using the SO_PEERCRED socket option.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("helper: auth: not a Unix socket connection")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("helper: auth: get syscall conn: %w", err)
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("helper: auth: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("helper: auth: getsockopt SO_PEERCRED: %w", credErr)
	}
	return &PeerCredentials{
		PID: uint32(cred.Pid),
		UID: cred.Uid,
		GID: cred.Gid,
	}, nil
}

// peerCredKey is the context key for storing PeerCredentials.
type peerCredKey struct{}

// connContextWithPeerCred returns a ConnContext function for http.Server
// that extracts Unix socket peer credentials and stores them in the context.
func connContextWithPeerCred(logger *slog.Logger) func(ctx context.Context, c net.Conn) context.Context {
	return func(ctx context.Context, c net.Conn) context.Context {
		cred, err := GetPeerCredentials(c)
		if err != nil {
			logger.Debug("failed to get peer credentials", "error", err)
			return ctx
		}
		return context.WithValue(ctx, peerCredKey{}, cred)
	}
}

// contextPeerCredGetter extracts peer credentials from the request context.
type contextPeerCredGetter struct{}

func (contextPeerCredGetter) GetPeerCredentials(r *http.Request) (*PeerCredentials, error) {
	cred, ok := r.Context().Value(peerCredKey{}).(*PeerCredentials)
	if !ok || cred == nil {
		return nil, fmt.Errorf("helper: peer credentials not available")
	}
	return cred, nil
}

// newAuthorizer returns the SO_PEERCRED based authorizer.
func newAuthorizer(group string, logger *slog.Logger) Authorizer {
	return PeerCredAuthorizer{
		Checker: OSGroupChecker{},
		Getter:  contextPeerCredGetter{},
		Group:   group,
		Logger:  logger,
	}
}

// SetSocketPermissions sets ownership and permissions on the Unix socket file.
// Every local user may connect; commands are authorized per request. If the
// group exists the socket is owned by root:group.
func SetSocketPermissions(socketPath, group string, logger *slog.Logger) error {
	if grp, err := user.LookupGroup(group); err != nil {
		logger.Warn("admin group not found, only root may change the firewall",
			"group", group,
			"error", err,
		)
	} else {
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil {
			return fmt.Errorf("helper: auth: parse gid: %w", err)
		}
		if err := os.Chown(socketPath, 0, gid); err != nil {
			return fmt.Errorf("helper: auth: chown socket: %w", err)
		}
	}
	if err := os.Chmod(socketPath, 0o666); err != nil {
		return fmt.Errorf("helper: auth: chmod socket: %w", err)
	}
	return nil
}

// applySocketPermissions sets socket ownership and permissions on Linux.
func applySocketPermissions(socketPath, group string, logger *slog.Logger) {
	if err := SetSocketPermissions(socketPath, group, logger); err != nil {
		logger.Warn("failed to set socket permissions", "error", err)
	}
}
