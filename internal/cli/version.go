package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/infraknit/icinga2/internal/version"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s (%s, %s/%s)\n",
			version.Product,
			version.Version,
			runtime.Version(),
			runtime.GOOS,
			runtime.GOARCH)
	},
}
