package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/tillscan/internal/config"
	"github.com/dukerupert/tillscan/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "tillscan",
	Short:         "Pair a phone camera with a till as a remote barcode scanner",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd(), pairCmd(), productsCmd(), keyhashCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tillscan:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and sets up the default logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}
