// Package main is the sessiond entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soulseer/sessiond/internal/api"
)

var version = "0.1.0"

func main() {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Metered real-time session coordinator",
		Long: `sessiond coordinates paid client/reader sessions: it owns the session
lifecycle, relays WebRTC signaling between the two peers and bills the
client's balance while the session runs.

Use 'sessiond serve' to run the API and websocket server.
Use 'sessiond reconcile' to repair sessions left behind by a crash.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(
		serveCmd(&configPath, &debug),
		reconcileCmd(&configPath, &debug),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sessiond", version)
		},
	}
}

func init() {
	api.Version = version
}
