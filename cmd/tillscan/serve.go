package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dukerupert/tillscan/internal/database"
	"github.com/dukerupert/tillscan/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, dbPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pairing server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			keys, err := cfg.Keyring()
			if err != nil {
				return err
			}
			if keys.Len() == 0 {
				return errors.New("no terminal keys configured; set TILLSCAN_TERMINAL_KEYS (see `tillscan keyhash`)")
			}

			db, err := database.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := slog.Default()
			logger.Info("terminals configured", "ids", keys.IDs())
			return server.New(cfg, db, keys, logger).Run(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides TILLSCAN_ADDR)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite catalog path (overrides TILLSCAN_DB_PATH)")
	return cmd
}
