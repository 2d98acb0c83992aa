package main

import (
	"os"

	"github.com/spf13/cobra"

	"leadradar/internal/storage"
)

type opener func() (*storage.SQLite, error)

// withStore opens the database for the duration of fn.
func withStore(open opener, fn func(store *storage.SQLite) error) error {
	store, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func buildImportCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "import <seed.yaml>",
		Short: "Import channels, tenants and rule groups from a YAML seed",
		Long: `Import upserts channels first, so every new tenant is subscribed to all
active channels and every new channel is enabled for all active tenants.
Existing tenants keep their subscriptions; rule groups are upserted by name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			return withStore(open, func(store *storage.SQLite) error {
				return runImport(cmd, store, f)
			})
		},
	}
}

func buildChannelsCmd(open opener) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List active channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(open, func(store *storage.SQLite) error {
				return runChannels(cmd, store, tenant)
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "show subscription state for this tenant (name or id)")
	return cmd
}

func buildTenantsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List active tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(open, func(store *storage.SQLite) error {
				return runTenants(cmd, store)
			})
		},
	}
}

func buildLeadsCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leads <tenant>",
		Short: "List a tenant's most recent leads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(open, func(store *storage.SQLite) error {
				return runLeads(cmd, store, args[0], limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of leads to show")
	return cmd
}

func buildToggleCmd(open opener, enable bool) *cobra.Command {
	use, short := "disable", "Stop delivering a channel's leads to a tenant"
	if enable {
		use, short = "enable", "Deliver a channel's leads to a tenant"
	}
	return &cobra.Command{
		Use:   use + " <tenant> <channel_id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(open, func(store *storage.SQLite) error {
				return runToggle(cmd, store, args[0], args[1], enable)
			})
		},
	}
}

func buildDeactivateCmd(open opener) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deactivate <channel_id>",
		Short: "Stop listening to a channel for every tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(open, func(store *storage.SQLite) error {
				return runDeactivate(cmd, store, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded on the channel")
	return cmd
}
