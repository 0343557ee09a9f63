package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/tillscan/internal/database"
	"github.com/dukerupert/tillscan/internal/store"
)

func productsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "products",
		Short: "Manage the product catalog",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite catalog path (overrides TILLSCAN_DB_PATH)")

	importCmd := &cobra.Command{
		Use:   "import FILE.csv",
		Short: "Import or update products from a CSV of barcode,name,price,stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			db, err := database.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ps := store.NewProductStore(db)
			n, err := ps.ImportCSV(f)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			total, err := ps.Count()
			if err != nil {
				return err
			}
			slog.Info("products imported", "file", args[0], "rows", n, "catalog_size", total)
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d products (%d in catalog)\n", n, total)
			return nil
		},
	}

	cmd.AddCommand(importCmd)
	return cmd
}
