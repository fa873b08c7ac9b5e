package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var metricsSocketPath string

func init() {
	rootCmd.AddCommand(metricsCmd)

	metricsCmd.Flags().StringVar(&metricsSocketPath, "socket", "", "control socket path (default: platform runtime directory)")
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show a metrics snapshot from the running daemon",
	RunE:  runMetrics,
}

func runMetrics(cmd *cobra.Command, args []string) error {
	c, err := connectClient(metricsSocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	snapshot, err := c.Metrics()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}

	pretty, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
