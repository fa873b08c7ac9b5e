package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/infraknit/icinga2/internal/daemon"
)

var (
	logsSocketPath string
	logsLevel      string
	logsLimit      int
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsSocketPath, "socket", "", "control socket path (default: platform runtime directory)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug, info, warn, error)")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 100, "maximum number of entries")
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent log entries from the running daemon",
	RunE:  runLogs,
}

func runLogs(cmd *cobra.Command, args []string) error {
	c, err := connectClient(logsSocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.Logs(strings.ToUpper(logsLevel), logsLimit)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}

	for _, entry := range entries {
		fmt.Println(formatEntry(entry))
	}
	return nil
}

// formatEntry renders one log entry with its fields in sorted order so
// output is stable between runs.
func formatEntry(entry daemon.LogEntry) string {
	line := fmt.Sprintf("%s %-5s %s",
		entry.Timestamp.Format("2006-01-02 15:04:05"),
		entry.Level,
		entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for key := range entry.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += fmt.Sprintf(" %s=%v", key, entry.Fields[key])
	}
	return line
}
