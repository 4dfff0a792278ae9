// Command tiltctl is the offline companion to the tiltguard service: it
// validates weight tables and policies and scores assessment requests
// without a running server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the tiltctl CLI
var rootCmd = &cobra.Command{
	Use:   "tiltctl",
	Short: "Offline tools for tiltguard risk assessments",
	Long: `tiltctl validates weight tables and trading policies and scores
assessment requests locally with the same engine the service runs.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
