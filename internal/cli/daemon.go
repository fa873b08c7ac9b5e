package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infraknit/icinga2/internal/daemon"
)

var daemonRunDir string

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonRunCmd)

	daemonRunCmd.Flags().StringVar(&daemonRunDir, "run-dir", "", "runtime directory for the control socket")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long: `Control the icinga2 background daemon.

The daemon serves the local management endpoint used by the status,
metrics and logs commands.`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground until interrupted.

This is the entry point used by service managers (systemd, launchd).`,
	RunE: runDaemonRun,
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonRunDir != "" {
		cfg.Daemon.RunDir = daemonRunDir
	}

	d, err := daemon.New(daemon.Options{Config: cfg})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
