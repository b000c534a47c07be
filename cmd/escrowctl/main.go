package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "escrowctl",
		Short:        "Operator tooling for the escrowflow service",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("env", "", "config environment (defaults to CONFIG_ENV or local)")
	rootCmd.PersistentFlags().String("config-dir", "", "config directory (defaults to CONFIG_DIR or ./config)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(feeCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
