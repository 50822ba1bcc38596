package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/intelstream.yaml"

func newRootCommand(version, commit, date string) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "intelstream",
		Short: "Resilient real-time intelligence stream client",
		Long: `intelstream subscribes to server-sent event feeds and keeps them alive:
failed connections are retried with exponential backoff behind a circuit
breaker, and feeds fall back to periodic snapshot polling while the push
stream is unavailable.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")

	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newValidateCommand(&configPath))

	return rootCmd
}
