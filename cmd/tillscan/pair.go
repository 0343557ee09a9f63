package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/dukerupert/tillscan/internal/desktop"
	"github.com/dukerupert/tillscan/internal/model"
)

const lookupTimeout = 3 * time.Second

func pairCmd() *cobra.Command {
	var serverURL string
	var resolve bool

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Start a pairing session and print scans as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.ServerURL = serverURL
			}
			if cfg.TerminalKey == "" {
				return errors.New("TILLSCAN_TERMINAL_KEY must be set")
			}

			tr, err := desktop.NewHTTPTransport(cfg.ServerURL, cfg.TerminalKey, nil)
			if err != nil {
				return err
			}

			logger := slog.Default().With("component", "desktop")
			client := desktop.NewClient(tr, desktop.Config{Heartbeat: cfg.HeartbeatInterval}, func(s desktop.Status) {
				logger.Debug("pairing state", "state", s.State, "scanned", s.ScannedCount, "error", s.Err)
			}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := client.Start(ctx)
			if err != nil {
				return fmt.Errorf("start pairing: %w", err)
			}
			defer client.Stop()

			out := cmd.OutOrStdout()
			if err := printQR(out, p.ScannerURL); err != nil {
				return err
			}
			fmt.Fprintf(out, "Scan the code above or open %s\n", p.ScannerURL)
			fmt.Fprintf(out, "Waiting for a phone until %s. Press Ctrl+C to stop.\n", p.ExpiresAt.Local().Format(time.Kitchen))

			for {
				select {
				case <-ctx.Done():
					return nil
				case sc, ok := <-p.Scans:
					if !ok {
						return sessionEnded(out, client.Status())
					}
					printScan(ctx, out, tr, sc, resolve)
				}
			}
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "pairing server URL (overrides TILLSCAN_SERVER_URL)")
	cmd.Flags().BoolVar(&resolve, "resolve", false, "look up each scanned barcode in the product catalog")
	return cmd
}

func printQR(w io.Writer, url string) error {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("render qr code: %w", err)
	}
	_, err = io.WriteString(w, qr.ToSmallString(false))
	return err
}

func printScan(ctx context.Context, w io.Writer, tr *desktop.HTTPTransport, sc desktop.Scan, resolve bool) {
	if !resolve {
		fmt.Fprintf(w, "%4d  %s\n", sc.Seq, sc.Code)
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	p, err := tr.Product(lookupCtx, sc.Code)
	switch {
	case err != nil:
		fmt.Fprintf(w, "%4d  %s  (lookup failed: %v)\n", sc.Seq, sc.Code, err)
	case p == nil:
		fmt.Fprintf(w, "%4d  %s  (unknown product)\n", sc.Seq, sc.Code)
	default:
		fmt.Fprintf(w, "%4d  %s  %s  %s\n", sc.Seq, sc.Code, p.Name, formatPrice(p))
	}
}

func formatPrice(p *model.Product) string {
	return fmt.Sprintf("%d.%02d", p.PriceCents/100, p.PriceCents%100)
}

func sessionEnded(w io.Writer, s desktop.Status) error {
	if s.State == desktop.StateError {
		return fmt.Errorf("pairing ended: %s", s.Err)
	}
	fmt.Fprintf(w, "Pairing closed after %d scans.\n", s.ScannedCount)
	return nil
}
