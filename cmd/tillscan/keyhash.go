package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/tillscan/internal/auth"
)

func keyhashCmd() *cobra.Command {
	var id string
	var cost int

	cmd := &cobra.Command{
		Use:   "keyhash",
		Short: "Generate a terminal key and the hash the server stores for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = "till-" + uuid.NewString()[:8]
			}
			key, hash, err := auth.GenerateKey(id, cost)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Terminal:  %s\n", id)
			fmt.Fprintf(out, "Key:       %s\n", key)
			fmt.Fprintf(out, "Server:    add %s:%s to TILLSCAN_TERMINAL_KEYS\n", id, hash)
			fmt.Fprintln(out, "Till:      set TILLSCAN_TERMINAL_KEY to the key above. It is not shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "terminal id (random if empty)")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
