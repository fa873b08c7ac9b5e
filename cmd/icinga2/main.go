// Package main provides the entrypoint for the icinga2 CLI.
package main

import (
	"fmt"
	"os"

	"github.com/infraknit/icinga2/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
