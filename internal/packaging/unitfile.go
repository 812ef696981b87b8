package packaging

import (
	"fmt"
	"strings"
)

// GenerateUnitFile renders the systemd unit running `fwpanel helper`.
func GenerateUnitFile(cfg InstallConfig) string {
	cfg.ApplyDefaults()

	exec := []string{cfg.BinaryPath, "helper", "--config", cfg.ConfigPath()}
	if cfg.FlushOnExit {
		exec = append(exec, "--flush-on-exit")
	}

	return fmt.Sprintf(`[Unit]
Description=fwpanel privileged firewall helper
After=network-pre.target
Wants=network-pre.target
Before=network.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=2s
AmbientCapabilities=CAP_NET_ADMIN
CapabilityBoundingSet=CAP_NET_ADMIN CAP_CHOWN CAP_FOWNER
ProtectSystem=strict
ProtectHome=true
PrivateTmp=true
ReadWritePaths=%s %s

[Install]
WantedBy=multi-user.target
`, strings.Join(exec, " "), cfg.DataDir, cfg.RunDir)
}
