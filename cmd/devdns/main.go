package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "undefined"

var (
	logLevel string
	logJSON  bool
	dbPath   string
)

var rootCmd = &cobra.Command{
	Use:   "devdns",
	Short: "Local override DNS resolver",
	Long: `devdns answers A queries for operator-defined domains (with
wildcard-suffix matching) and forwards everything else to an upstream
resolver. Mappings live in memory or in a SQLite database.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON instead of console format")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SQLite mapping database (empty: in-memory table)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
