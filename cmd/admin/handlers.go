package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"leadradar/internal/model"
	"leadradar/internal/registry"
	"leadradar/internal/storage"
)

func runImport(cmd *cobra.Command, store *storage.SQLite, r io.Reader) error {
	seed, err := registry.ParseSeed(r)
	if err != nil {
		return err
	}
	res, err := registry.Import(cmd.Context(), store, seed)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Channels: %d created, %d updated\nTenants: %d created\nRule groups: %d upserted\n",
		res.ChannelsCreated, res.ChannelsUpdated, res.TenantsCreated, res.RuleGroups)
	return nil
}

func runChannels(cmd *cobra.Command, store *storage.SQLite, tenantArg string) error {
	ctx := cmd.Context()
	channels, err := store.ListActiveChannels(ctx)
	if err != nil {
		return err
	}

	var enabled map[int64]bool
	if tenantArg != "" {
		t, err := resolveTenant(cmd, store, tenantArg)
		if err != nil {
			return err
		}
		subs, err := store.ListSubscriptions(ctx, t.ID)
		if err != nil {
			return err
		}
		enabled = make(map[int64]bool, len(subs))
		for _, s := range subs {
			enabled[s.ChannelID] = s.IsEnabled
		}
	}

	out := cmd.OutOrStdout()
	if len(channels) == 0 {
		fmt.Fprintln(out, "No active channels.")
		return nil
	}
	for _, ch := range channels {
		line := fmt.Sprintf("%d\t%s", ch.ID, ch.Name)
		if enabled != nil {
			state := "off"
			if enabled[ch.ID] {
				state = "on"
			}
			line += "\t" + state
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runTenants(cmd *cobra.Command, store *storage.SQLite) error {
	tenants, err := store.ListActiveTenants(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(tenants) == 0 {
		fmt.Fprintln(out, "No active tenants.")
		return nil
	}
	for _, t := range tenants {
		fmt.Fprintf(out, "%d\t%s\tchat %d\n", t.ID, t.Name, t.NotifyChatID)
	}
	return nil
}

func runLeads(cmd *cobra.Command, store *storage.SQLite, tenantArg string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("limit must be positive")
	}
	t, err := resolveTenant(cmd, store, tenantArg)
	if err != nil {
		return err
	}
	leads, err := store.ListRecentLeads(cmd.Context(), t.ID, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(leads) == 0 {
		fmt.Fprintln(out, "No leads yet.")
		return nil
	}
	for _, l := range leads {
		quality := string(l.Quality)
		if quality == "" {
			quality = "new"
		}
		fmt.Fprintf(out, "#%d\t%s\t%s\t%s\t%s\n", l.ID, l.CreatedAt.UTC().Format("2006-01-02 15:04"),
			l.ChannelTitle, strings.Join(l.Keywords, ","), quality)
	}
	return nil
}

func runToggle(cmd *cobra.Command, store *storage.SQLite, tenantArg, channelArg string, enable bool) error {
	ctx := cmd.Context()
	t, err := resolveTenant(cmd, store, tenantArg)
	if err != nil {
		return err
	}
	channelID, err := parseChannelID(channelArg)
	if err != nil {
		return err
	}
	ch, err := store.GetChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("channel %d: %w", channelID, err)
	}
	if err := store.SetSubscription(ctx, t.ID, ch.ID, enable); err != nil {
		return err
	}

	state := "disabled"
	if enable {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Channel %s %s for %s.\n", ch.Name, state, t.Name)
	return nil
}

func runDeactivate(cmd *cobra.Command, store *storage.SQLite, channelArg, reason string) error {
	channelID, err := parseChannelID(channelArg)
	if err != nil {
		return err
	}
	reg := registry.New(store, slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
	if err := reg.Deactivate(cmd.Context(), channelID, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Channel %d deactivated.\n", channelID)
	return nil
}

// resolveTenant accepts a tenant name or numeric id.
func resolveTenant(cmd *cobra.Command, store *storage.SQLite, arg string) (*model.Tenant, error) {
	var (
		t   *model.Tenant
		err error
	)
	if id, perr := strconv.ParseInt(arg, 10, 64); perr == nil {
		t, err = store.GetTenant(cmd.Context(), id)
	} else {
		t, err = store.GetTenantByName(cmd.Context(), arg)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("tenant %q not found", arg)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func parseChannelID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid channel id %q", arg)
	}
	return id, nil
}
