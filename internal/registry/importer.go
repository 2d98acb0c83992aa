package registry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"leadradar/internal/filter"
	"leadradar/internal/model"
	"leadradar/internal/storage"
)

// Seed is the YAML document used to bootstrap channels, tenants and rules.
type Seed struct {
	Channels []SeedChannel `yaml:"channels"`
	Tenants  []SeedTenant  `yaml:"tenants"`
}

// SeedChannel describes one channel.
type SeedChannel struct {
	ID      int64  `yaml:"id"`
	Name    string `yaml:"name"`
	JoinRef string `yaml:"join_ref"`
}

// SeedTenant describes one tenant and its rule groups.
type SeedTenant struct {
	Name         string          `yaml:"name"`
	BotToken     string          `yaml:"bot_token"`
	NotifyChatID int64           `yaml:"notify_chat_id"`
	Disabled     []int64         `yaml:"disabled_channels"`
	RuleGroups   []SeedRuleGroup `yaml:"rule_groups"`
}

// SeedRuleGroup describes one rule group.
type SeedRuleGroup struct {
	Name             string   `yaml:"name"`
	Keywords         []string `yaml:"keywords"`
	StopWords        []string `yaml:"stop_words"`
	Inactive         bool     `yaml:"inactive"`
	UseClassifier    bool     `yaml:"use_classifier"`
	ClassifierPrompt string   `yaml:"classifier_prompt"`
	NotifyChatID     int64    `yaml:"notify_chat_id"`
}

// ImportResult summarises what Import changed.
type ImportResult struct {
	ChannelsCreated int
	ChannelsUpdated int
	TenantsCreated  int
	RuleGroups      int
}

// SeedStore is the persistence Import needs.
type SeedStore interface {
	UpsertChannel(ctx context.Context, ch *model.Channel) (bool, error)
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenantByName(ctx context.Context, name string) (*model.Tenant, error)
	SetSubscription(ctx context.Context, tenantID, channelID int64, enabled bool) error
	UpsertRuleGroup(ctx context.Context, g *model.RuleGroup) error
}

// ParseSeed decodes a seed document.
func ParseSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &seed, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

// Import applies a seed. Channels are upserted first so that new tenants get
// subscriptions to all of them; existing tenants keep their settings apart
// from rule groups, which are upserted by name.
func Import(ctx context.Context, store SeedStore, seed *Seed) (ImportResult, error) {
	var res ImportResult

	for _, sc := range seed.Channels {
		if sc.ID == 0 {
			return res, fmt.Errorf("channel %q: id is required", sc.Name)
		}
		created, err := store.UpsertChannel(ctx, &model.Channel{ID: sc.ID, Name: sc.Name, JoinRef: sc.JoinRef})
		if err != nil {
			return res, fmt.Errorf("upsert channel %d: %w", sc.ID, err)
		}
		if created {
			res.ChannelsCreated++
		} else {
			res.ChannelsUpdated++
		}
	}

	for _, st := range seed.Tenants {
		if st.Name == "" {
			return res, fmt.Errorf("tenant name is required")
		}
		tenant, err := store.GetTenantByName(ctx, st.Name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			tenant = &model.Tenant{Name: st.Name, BotToken: st.BotToken, NotifyChatID: st.NotifyChatID, IsActive: true}
			if err := store.CreateTenant(ctx, tenant); err != nil {
				return res, fmt.Errorf("create tenant %q: %w", st.Name, err)
			}
			res.TenantsCreated++
		case err != nil:
			return res, fmt.Errorf("get tenant %q: %w", st.Name, err)
		}

		for _, chID := range st.Disabled {
			if err := store.SetSubscription(ctx, tenant.ID, chID, false); err != nil {
				return res, fmt.Errorf("disable channel %d for %q: %w", chID, st.Name, err)
			}
		}

		for _, sg := range st.RuleGroups {
			g := model.RuleGroup{
				TenantID:         tenant.ID,
				Name:             sg.Name,
				Keywords:         sg.Keywords,
				StopWords:        sg.StopWords,
				IsActive:         !sg.Inactive,
				UseClassifier:    sg.UseClassifier,
				ClassifierPrompt: sg.ClassifierPrompt,
				NotifyChatID:     sg.NotifyChatID,
			}
			if err := filter.Validate(g); err != nil {
				return res, fmt.Errorf("tenant %q: %w", st.Name, err)
			}
			if err := store.UpsertRuleGroup(ctx, &g); err != nil {
				return res, fmt.Errorf("upsert rule group %q: %w", sg.Name, err)
			}
			res.RuleGroups++
		}
	}
	return res, nil
}
