package helper

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/user"
	"strconv"

	"github.com/plexsphere/fwpanel/internal/command"
)

// ErrForbidden is returned when a caller may not run a command.
var ErrForbidden = errors.New("helper: auth: insufficient privileges")

// PeerCredentials holds the peer credentials extracted from a Unix socket
// connection.
type PeerCredentials struct {
	PID uint32
	UID uint32
	GID uint32
}

// PeerCredGetter extracts peer credentials from an HTTP request's underlying
// connection.
type PeerCredGetter interface {
	GetPeerCredentials(r *http.Request) (*PeerCredentials, error)
}

// GroupChecker checks group membership for a given user.
type GroupChecker interface {
	// IsInGroup reports whether the user identified by uid belongs to the
	// named group, or if the user's primary group (gid) matches the group.
	IsInGroup(uid, gid uint32, groupName string) bool
}

// OSGroupChecker checks group membership using the OS user/group database.
type OSGroupChecker struct{}

func (OSGroupChecker) IsInGroup(uid, gid uint32, groupName string) bool {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		return false
	}
	groupGID, err := strconv.ParseUint(grp.Gid, 10, 32)
	if err != nil {
		return false
	}
	if gid == uint32(groupGID) {
		return true
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return false
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return false
	}
	for _, g := range groupIDs {
		if g == grp.Gid {
			return true
		}
	}
	return false
}

// Authorizer decides whether the caller of r may run a command of kind.
type Authorizer interface {
	Authorize(r *http.Request, kind command.Kind) error
}

// PeerCredAuthorizer lets any local user run queries and restricts every
// other command to root and members of Group.
type PeerCredAuthorizer struct {
	Checker GroupChecker
	Getter  PeerCredGetter
	Group   string
	Logger  *slog.Logger
}

// Authorize implements Authorizer.
func (a PeerCredAuthorizer) Authorize(r *http.Request, kind command.Kind) error {
	if kind.IsQuery() {
		return nil
	}
	cred, err := a.Getter.GetPeerCredentials(r)
	if err != nil {
		a.Logger.Error("failed to get peer credentials", "error", err)
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if cred.UID == 0 {
		return nil
	}
	if a.Group != "" && a.Checker.IsInGroup(cred.UID, cred.GID, a.Group) {
		return nil
	}
	a.Logger.Warn("command denied",
		"cmd", kind,
		"uid", cred.UID,
		"gid", cred.GID,
		"pid", cred.PID,
	)
	return fmt.Errorf("%w: %s requires root or membership in group %q", ErrForbidden, kind, a.Group)
}

// allowAll authorizes every command. It is used where peer credentials are
// not available.
type allowAll struct{}

func (allowAll) Authorize(*http.Request, command.Kind) error { return nil }
