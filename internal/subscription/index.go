// Package subscription resolves which tenants care about a channel.
package subscription

import (
	"context"
	"fmt"

	"leadradar/internal/model"
)

// Store is the persistence the index reads from.
type Store interface {
	ListInterestedTenants(ctx context.Context, channelID int64) ([]model.Tenant, error)
}

// Interest pairs a tenant with the channel title as the event carried it.
type Interest struct {
	Tenant       model.Tenant
	ChannelTitle string
}

// Index answers fan-out queries.
type Index struct {
	store Store
}

// New creates an Index.
func New(store Store) *Index {
	return &Index{store: store}
}

// FindInterestedTenants returns active tenants with an enabled subscription
// to the active channel. An empty result means the event can be dropped.
func (ix *Index) FindInterestedTenants(ctx context.Context, channelID int64, channelTitle string) ([]Interest, error) {
	tenants, err := ix.store.ListInterestedTenants(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("find interested tenants for %d: %w", channelID, err)
	}
	if len(tenants) == 0 {
		return nil, nil
	}
	out := make([]Interest, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, Interest{Tenant: t, ChannelTitle: channelTitle})
	}
	return out, nil
}
