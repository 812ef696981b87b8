package packaging

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/plexsphere/fwpanel/internal/config"
)

const defaultConfigHeader = "# fwpanel configuration written by `fwpanel install`.\n" +
	"# Unset keys take their built-in defaults. profiles.dir is left unset so\n" +
	"# each user keeps local profiles in their own data directory.\n\n"

// installedConfig is the subset of config.Config that install pins down.
type installedConfig struct {
	LogLevel string `yaml:"log_level"`
	Helper   struct {
		SocketPath string `yaml:"socket_path"`
		DataDir    string `yaml:"data_dir"`
		AdminGroup string `yaml:"admin_group,omitempty"`
	} `yaml:"helper"`
	Channel struct {
		SocketPath string `yaml:"socket_path"`
	} `yaml:"channel"`
}

// GenerateDefaultConfig renders a config.yaml pointing the helper and the
// CLI at the installed directories.
func GenerateDefaultConfig(cfg InstallConfig) ([]byte, error) {
	cfg.ApplyDefaults()
	var out installedConfig
	out.LogLevel = config.DefaultLogLevel
	out.Helper.SocketPath = cfg.SocketPath()
	out.Helper.DataDir = cfg.DataDir
	out.Helper.AdminGroup = cfg.AdminGroup
	out.Channel.SocketPath = cfg.SocketPath()

	body, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("packaging: render config: %w", err)
	}
	return append([]byte(defaultConfigHeader), body...), nil
}
