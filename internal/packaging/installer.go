package packaging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plexsphere/fwpanel/internal/fsutil"
)

// Installer installs and removes the helper service.
type Installer struct {
	cfg     InstallConfig
	systemd SystemdController
	root    RootChecker
	logger  *slog.Logger

	// executable resolves the binary to copy; os.Executable by default.
	executable func() (string, error)
}

// NewInstaller creates an Installer with defaults applied to cfg.
func NewInstaller(cfg InstallConfig, systemd SystemdController, root RootChecker, logger *slog.Logger) *Installer {
	cfg.ApplyDefaults()
	return &Installer{
		cfg:        cfg,
		systemd:    systemd,
		root:       root,
		logger:     logger.With("component", "packaging"),
		executable: os.Executable,
	}
}

// Config returns the effective install configuration.
func (ins *Installer) Config() InstallConfig { return ins.cfg }

// Install lays out the directories, binary, config and unit file, then
// reloads systemd. With cfg.Enable the service is enabled and started.
func (ins *Installer) Install() error {
	if !ins.root.IsRoot() {
		return errors.New("packaging: install requires root privileges")
	}
	if err := ins.cfg.Validate(); err != nil {
		return err
	}
	if !ins.systemd.IsAvailable() {
		return errors.New("packaging: systemd is not available")
	}

	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{ins.cfg.ConfigDir, 0o755},
		{ins.cfg.DataDir, 0o700},
		{ins.cfg.RunDir, 0o755},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("packaging: create directory %s: %w", d.path, err)
		}
		if err := os.Chmod(d.path, d.perm); err != nil {
			return fmt.Errorf("packaging: chmod %s: %w", d.path, err)
		}
	}

	if err := ins.copyBinary(); err != nil {
		return err
	}
	if err := ins.writeConfig(); err != nil {
		return err
	}

	unit := GenerateUnitFile(ins.cfg)
	if err := writeFile(ins.cfg.UnitFilePath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("packaging: write unit file: %w", err)
	}
	ins.logger.Info("unit file written", "path", ins.cfg.UnitFilePath)

	if err := ins.systemd.DaemonReload(); err != nil {
		return fmt.Errorf("packaging: daemon-reload: %w", err)
	}

	if ins.cfg.Enable {
		if err := ins.systemd.EnableNow(ins.cfg.ServiceName); err != nil {
			return fmt.Errorf("packaging: enable %s: %w", ins.cfg.ServiceName, err)
		}
		ins.logger.Info("service enabled", "service", ins.cfg.ServiceName)
	}
	return nil
}

// Uninstall stops and removes the helper service. With purge the data and
// config directories are removed too. A host without the unit file is left
// untouched.
func (ins *Installer) Uninstall(purge bool) error {
	if !ins.root.IsRoot() {
		return errors.New("packaging: uninstall requires root privileges")
	}
	if _, err := os.Stat(ins.cfg.UnitFilePath); errors.Is(err, fs.ErrNotExist) {
		ins.logger.Info("service not installed", "unit", ins.cfg.UnitFilePath)
		return nil
	}

	if err := ins.systemd.Stop(ins.cfg.ServiceName); err != nil {
		ins.logger.Warn("stop service", "error", err)
	}
	if err := ins.systemd.Disable(ins.cfg.ServiceName); err != nil {
		ins.logger.Warn("disable service", "error", err)
	}

	if _, err := removeFile(ins.cfg.UnitFilePath); err != nil {
		return fmt.Errorf("packaging: remove unit file: %w", err)
	}
	if err := ins.systemd.DaemonReload(); err != nil {
		return fmt.Errorf("packaging: daemon-reload: %w", err)
	}
	if _, err := removeFile(ins.cfg.BinaryPath); err != nil {
		return fmt.Errorf("packaging: remove binary: %w", err)
	}
	ins.logger.Info("service removed", "service", ins.cfg.ServiceName)

	if !purge {
		return nil
	}
	for _, dir := range []string{ins.cfg.DataDir, ins.cfg.ConfigDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("packaging: remove directory %s: %w", dir, err)
		}
		ins.logger.Info("directory removed", "path", dir)
	}
	return nil
}

func (ins *Installer) writeConfig() error {
	path := ins.cfg.ConfigPath()
	_, err := os.Stat(path)
	switch {
	case err == nil:
		ins.logger.Info("existing config preserved", "path", path)
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("packaging: stat config: %w", err)
	}
	data, err := GenerateDefaultConfig(ins.cfg)
	if err != nil {
		return err
	}
	if err := writeFile(path, data, 0o644); err != nil {
		return fmt.Errorf("packaging: write config: %w", err)
	}
	ins.logger.Info("default config written", "path", path)
	return nil
}

func (ins *Installer) copyBinary() error {
	src, err := ins.executable()
	if err != nil {
		return fmt.Errorf("packaging: resolve executable: %w", err)
	}
	if src, err = filepath.EvalSymlinks(src); err != nil {
		return fmt.Errorf("packaging: resolve executable: %w", err)
	}
	dst := ins.cfg.BinaryPath
	if src == dst {
		ins.logger.Info("binary already installed", "path", dst)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("packaging: create binary directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("packaging: open %s: %w", src, err)
	}
	defer in.Close()

	// Write beside the target and rename so a running copy is not truncated.
	tmp := dst + ".new"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("packaging: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("packaging: copy binary: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("packaging: copy binary: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("packaging: install binary: %w", err)
	}
	ins.logger.Info("binary installed", "src", src, "dst", dst)
	return nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	return fsutil.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), data, perm)
}

func removeFile(path string) (bool, error) {
	return fsutil.RemoveFile(filepath.Dir(path), filepath.Base(path))
}
