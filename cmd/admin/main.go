// Command admin manages the lead radar database: seed import, subscription
// toggles and read-only listings.
//
//	admin import seed.yaml
//	admin channels
//	admin enable acme -1001234567890
//	admin leads acme --limit 5
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"leadradar/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:           "admin",
		Short:         "Manage channels, tenants and subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "./data/leadradar.db"),
		"path to sqlite database")

	open := func() (*storage.SQLite, error) {
		store, err := storage.NewSQLite(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", dbPath, err)
		}
		return store, nil
	}

	root.AddCommand(
		buildImportCmd(open),
		buildChannelsCmd(open),
		buildTenantsCmd(open),
		buildLeadsCmd(open),
		buildToggleCmd(open, true),
		buildToggleCmd(open, false),
		buildDeactivateCmd(open),
	)
	return root
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
