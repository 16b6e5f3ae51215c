package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rl1809/retail-stock/internal/config"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "retail-stock",
		Short:   "Stock ledger and sales services with saga compensation",
		Version: config.ServiceVersion,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(salesCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
