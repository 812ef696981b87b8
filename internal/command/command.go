// Package command defines the privileged commands exchanged between the
// control panel and the helper, and the channel contract that carries them.
package command

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Kind identifies a privileged command.
type Kind int

const (
	KindQuery Kind = iota + 1
	KindAddRules
	KindEditRule
	KindEditRuleDescr
	KindRemoveRule
	KindMoveRule
	KindSetStatus
	KindSetDefaults
	KindSetModules
	KindSetProfile
	KindReset
	KindSaveProfile
	KindDeleteProfile
	KindInterfaces
)

var kindNames = map[Kind]string{
	KindQuery:         "query",
	KindAddRules:      "addRules",
	KindEditRule:      "editRule",
	KindEditRuleDescr: "editRuleDescr",
	KindRemoveRule:    "removeRule",
	KindMoveRule:      "moveRule",
	KindSetStatus:     "setStatus",
	KindSetDefaults:   "setDefaults",
	KindSetModules:    "setModules",
	KindSetProfile:    "setProfile",
	KindReset:         "reset",
	KindSaveProfile:   "saveProfile",
	KindDeleteProfile: "deleteProfile",
	KindInterfaces:    "interfaces",
}

// String returns the wire name of k.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind maps a wire name to a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("command: unknown command %q", name)
}

// IsQuery reports whether k only reads backend state. Failed queries are not
// followed by a resynchronizing query.
func (k Kind) IsQuery() bool {
	return k == KindQuery || k == KindInterfaces
}

// MarshalJSON encodes k by its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Command is one privileged operation with flat arguments.
type Command struct {
	ID   string `json:"id"`
	Kind Kind   `json:"cmd"`
	Args Args   `json:"args,omitempty"`
}

// New creates a Command with a fresh ID.
func New(kind Kind, args Args) Command {
	if args == nil {
		args = Args{}
	}
	return Command{ID: uuid.NewString(), Kind: kind, Args: args}
}

// Reply is the single response to a Command.
type Reply struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"cmd"`
	Succeeded bool   `json:"succeeded"`
	Data      Args   `json:"data,omitempty"`
}

// Reply data keys.
const (
	DataResponse   = "response"   // serialized profile, or error text on failure
	DataProfiles   = "profiles"   // map of system profile name to serialized profile
	DataName       = "name"       // profile name echoed by save/delete
	DataInterfaces = "interfaces" // list of interface names
)

// Success builds a successful reply to c.
func Success(c Command, data Args) Reply {
	return Reply{ID: c.ID, Kind: c.Kind, Succeeded: true, Data: data}
}

// Failure builds a failed reply to c carrying msg as its response.
func Failure(c Command, msg string) Reply {
	data := Args{DataResponse: msg}
	if name, ok := c.Args.String(ArgName); ok {
		data[DataName] = name
	}
	return Reply{ID: c.ID, Kind: c.Kind, Succeeded: false, Data: data}
}

// Message returns the reply's response text.
func (r Reply) Message() string {
	s, _ := r.Data.String(DataResponse)
	return s
}

// Profiles returns the system profile listing carried by r, if any.
func (r Reply) Profiles() (map[string]string, bool) {
	return r.Data.StringMap(DataProfiles)
}

// ReplyFunc receives the reply to a dispatched command.
type ReplyFunc func(Reply)

// Channel dispatches commands to the privileged helper. Dispatch must not
// block on the helper; it delivers exactly one Reply per Command through
// deliver, possibly from another goroutine, possibly before it returns.
type Channel interface {
	Dispatch(cmd Command, deliver ReplyFunc)
}
