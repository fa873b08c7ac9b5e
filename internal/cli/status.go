package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/infraknit/icinga2/internal/client"
)

var statusSocketPath string

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusSocketPath, "socket", "", "control socket path (default: platform runtime directory)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := connectClient(statusSocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}

	fmt.Printf("Daemon:    running (pid %d)\n", status.PID)
	fmt.Printf("Version:   %s\n", status.Version)
	fmt.Printf("Uptime:    %s\n", status.Uptime)
	fmt.Printf("Socket:    %s\n", status.SocketPath)
	fmt.Printf("Requests:  %d\n", status.Requests)
	return nil
}

func connectClient(socketPath string) (*client.Client, error) {
	if socketPath != "" {
		return client.ConnectTo(socketPath), nil
	}
	return client.Connect()
}
