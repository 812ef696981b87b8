package reconcile

import "errors"

// Validation rejections. None of them reaches the command channel.
var (
	ErrBusy               = errors.New("reconcile: a command is already in flight")
	ErrDuplicateRule      = errors.New("reconcile: rule already exists")
	ErrStaleRule          = errors.New("reconcile: rule does not match the current rule list")
	ErrNoChange           = errors.New("reconcile: nothing to change")
	ErrInvalidMove        = errors.New("reconcile: invalid move")
	ErrNoRules            = errors.New("reconcile: no rules given")
	ErrInvalidProfileName = errors.New("reconcile: invalid profile name")
	ErrProfileExists      = errors.New("reconcile: profile already exists")
	ErrUnknownProfile     = errors.New("reconcile: unknown profile")
	ErrEmptyProfile       = errors.New("reconcile: profile has nothing to apply")
	ErrInvalidProfile     = errors.New("reconcile: not a valid firewall settings file")
)
