package packaging

// SystemdController manages systemd units. Mutating methods are idempotent.
type SystemdController interface {
	IsAvailable() bool
	DaemonReload() error
	// EnableNow enables the service and starts it.
	EnableNow(service string) error
	Disable(service string) error
	// Stop returns nil when the service is not running.
	Stop(service string) error
	IsActive(service string) bool
}

// RootChecker reports whether the process runs as root.
type RootChecker interface {
	IsRoot() bool
}
