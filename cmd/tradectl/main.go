package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tradectl",
		Short: "Operator tooling for the tradeflow settlement ledger",
		Long: `tradectl applies ledger migrations, runs the stale offer sweep on demand,
mints bearer tokens for actors and prints a lot's audit trail.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to tradeflow.toml")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
