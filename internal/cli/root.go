// Package cli implements the icinga2 command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/infraknit/icinga2/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "icinga2",
	Short: "Icinga monitoring daemon",
	Long: `icinga2 - monitoring daemon with a local management endpoint

The daemon exposes operational introspection and control over a
Unix-domain socket restricted to the owning user. The status, metrics
and logs commands talk to a running daemon through that socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/icinga2/config.toml)")
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}
