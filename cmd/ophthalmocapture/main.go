// Command ophthalmocapture runs fundus image labeling sessions, exports their
// datasets and serves their audit trail.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
)

// Version is set at build time.
var Version = "dev"

func main() {
	observability.Version = Version
	if err := newRootCmd().Execute(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ophthalmocapture",
		Short:         "Cataract labeling sessions with an audit trail",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getEnv("CONFIG_FILE", ""),
		"path to the YAML configuration file (default: built-in defaults)")

	root.AddCommand(
		newServeCmd(&configPath),
		newConsoleCmd(&configPath),
		newAuditCmd(&configPath),
		newHashPasswordCmd(),
	)
	return root
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
