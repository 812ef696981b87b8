package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plexsphere/fwpanel/internal/helper"
	"github.com/plexsphere/fwpanel/internal/policy"
)

var flushOnExit bool

var helperCmd = &cobra.Command{
	Use:   "helper",
	Short: "Run the privileged firewall helper",
	Long: "Run the privileged firewall helper. It restores the persisted firewall\n" +
		"state, applies it to the kernel and serves commands on its Unix socket\n" +
		"until it receives SIGTERM or SIGINT. Must run as root.",
	Args: cobra.NoArgs,
	RunE: runHelper,
}

func init() {
	helperCmd.Flags().BoolVar(&flushOnExit, "flush-on-exit", false, "remove the kernel rules when the helper stops")
	rootCmd.AddCommand(helperCmd)
}

func runHelper(cmd *cobra.Command, _ []string) error {
	// 1. Parse config.
	cfg, err := loadConfig("")
	if err != nil {
		return fmt.Errorf("fwpanel helper: %w", err)
	}

	// 2. Set up structured logger.
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting fwpanel helper",
		"version", buildVersion,
		"socket", cfg.Helper.SocketPath,
		"data_dir", cfg.Helper.DataDir,
	)
	if os.Geteuid() != 0 {
		logger.Warn("helper is not running as root, kernel rules and socket ownership will likely fail")
	}

	// 3. Create the kernel applier.
	enforcer := policy.NewEnforcer(policy.NewFirewallController(logger), cfg.Helper.Policy, logger)

	// 4. Create the backend and restore the persisted state.
	metrics := helper.NewMetrics()
	backend, err := helper.NewBackend(cfg.Helper, enforcer, helper.NewInterfaceLister(), metrics, logger)
	if err != nil {
		return fmt.Errorf("fwpanel helper: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := backend.Load(ctx); err != nil {
		return fmt.Errorf("fwpanel helper: %w", err)
	}

	// 5. Serve until signalled.
	srv := helper.NewServer(cfg.Helper, backend, metrics, logger)
	err = srv.Start(ctx)

	if flushOnExit {
		if terr := enforcer.Teardown(); terr != nil {
			logger.Error("failed to remove kernel rules", "error", terr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("fwpanel helper: %w", err)
	}
	logger.Info("fwpanel helper stopped")
	return nil
}
