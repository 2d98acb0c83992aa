// Package registry manages the set of channels the pipeline listens to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"leadradar/internal/listener"
	"leadradar/internal/model"
)

// Reasons recorded on deactivated channels.
const (
	ReasonAccessRevoked = "access revoked"
	ReasonTransient     = "transient"
)

// Store is the persistence the registry needs.
type Store interface {
	ListActiveChannels(ctx context.Context) ([]model.Channel, error)
	DeactivateChannels(ctx context.Context, ids []int64, reason string) (int64, error)
}

// Unreachable is a channel that failed its probe.
type Unreachable struct {
	ChannelID int64
	Reason    string
	Err       error
}

// Registry is the channel registry.
type Registry struct {
	store Store
	log   *slog.Logger
}

// New creates a Registry.
func New(store Store, log *slog.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// ListActiveChannels returns the sorted IDs of all active channels.
func (r *Registry) ListActiveChannels(ctx context.Context) ([]int64, error) {
	chs, err := r.store.ListActiveChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	ids := make([]int64, 0, len(chs))
	for _, ch := range chs {
		ids = append(ids, ch.ID)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// ActiveChannels returns all active channels with their metadata.
func (r *Registry) ActiveChannels(ctx context.Context) ([]model.Channel, error) {
	chs, err := r.store.ListActiveChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	return chs, nil
}

// Deactivate marks one channel inactive.
func (r *Registry) Deactivate(ctx context.Context, channelID int64, reason string) error {
	if _, err := r.store.DeactivateChannels(ctx, []int64{channelID}, reason); err != nil {
		return fmt.Errorf("deactivate channel %d: %w", channelID, err)
	}
	r.log.Info("channel deactivated", "channel_id", channelID, "reason", reason)
	return nil
}

// DeactivateBatch marks the given channels inactive, one statement per
// distinct reason.
func (r *Registry) DeactivateBatch(ctx context.Context, items []Unreachable) (int64, error) {
	byReason := make(map[string][]int64)
	var reasons []string
	for _, u := range items {
		if _, ok := byReason[u.Reason]; !ok {
			reasons = append(reasons, u.Reason)
		}
		byReason[u.Reason] = append(byReason[u.Reason], u.ChannelID)
	}

	var total int64
	for _, reason := range reasons {
		n, err := r.store.DeactivateChannels(ctx, byReason[reason], reason)
		if err != nil {
			return total, fmt.Errorf("deactivate channels: %w", err)
		}
		total += n
	}
	return total, nil
}

// Prune probes every active channel and deactivates those that fail. It
// returns the IDs that remain reachable.
func (r *Registry) Prune(ctx context.Context, prober listener.Prober) ([]int64, error) {
	chs, err := r.store.ListActiveChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}

	var reachable []int64
	var failed []Unreachable
	for _, ch := range chs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err := prober.Probe(ctx, ch)
		if err == nil {
			reachable = append(reachable, ch.ID)
			continue
		}
		reason := ReasonTransient
		if errors.Is(err, listener.ErrAccessRevoked) {
			reason = ReasonAccessRevoked
		}
		r.log.Warn("channel unreachable", "channel_id", ch.ID, "name", ch.Name, "reason", reason, "error", err)
		failed = append(failed, Unreachable{ChannelID: ch.ID, Reason: reason, Err: err})
	}

	if len(failed) > 0 {
		n, err := r.DeactivateBatch(ctx, failed)
		if err != nil {
			return nil, err
		}
		r.log.Info("pruned unreachable channels", "deactivated", n, "reachable", len(reachable))
	}
	slices.Sort(reachable)
	return reachable, nil
}
