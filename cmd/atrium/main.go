package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	pgDSN      string
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atrium",
		Short: "Atrium - virtual workstation reservation coordinator",
		Long:  "Coordinates virtual workstation reservations: admission, provisioning workers against engine daemons, and one-shot noVNC proxy mappings",
	}

	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "PostgreSQL DSN (overrides ATRIUM_PG_DSN)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(
		daemonCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
