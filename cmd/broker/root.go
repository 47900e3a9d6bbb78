// Command broker is the CLI entrypoint: a thin cobra wrapper over
// internal/server, the way mercierj-homeport's internal/cli wraps its
// own business logic rather than building it inline in main.go.
package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "nimbusmq broker",
	Long:  "nimbusmq broker is an MQTT 3.1.1/5 message broker (C1-C10, auth, metadata sync, bridges).",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to broker.toml (default: ./broker.toml or /etc/nimbusmq/broker.toml)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}
