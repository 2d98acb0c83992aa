// Package model defines the domain types used across the application.
package model

import "time"

// Channel is an external chat, group or broadcast stream the listener follows.
type Channel struct {
	ID               int64
	Name             string
	IsActive         bool
	JoinRef          string
	DeactivateReason string
	DeactivatedAt    *time.Time
	CreatedAt        time.Time
}

// Tenant is an independent customer account with its own notification bot.
type Tenant struct {
	ID           int64
	Name         string
	BotToken     string
	NotifyChatID int64
	IsActive     bool
	CreatedAt    time.Time
}

// Subscription links a tenant to a channel it wants to monitor.
type Subscription struct {
	TenantID   int64
	ChannelID  int64
	IsEnabled  bool
	EnabledAt  time.Time
	DisabledAt *time.Time
}

// RuleGroup is a tenant-owned keyword set with an optional classifier check.
type RuleGroup struct {
	ID               int64
	TenantID         int64
	Name             string
	Keywords         []string
	StopWords        []string
	IsActive         bool
	UseClassifier    bool
	ClassifierPrompt string
	NotifyChatID     int64
	CreatedAt        time.Time
}

// Envelope is the canonical form of one inbound chat message.
type Envelope struct {
	ChannelID      int64
	ChannelTitle   string
	MessageID      int64
	SenderID       int64
	SenderName     string
	SenderUsername string
	Text           string
	Date           time.Time
	IsChannelPost  bool
}

// Rejection records a keyword match that the classifier turned down.
type Rejection struct {
	ID          int64
	TenantID    int64
	RuleGroupID int64
	ChannelID   int64
	MessageID   int64
	SenderID    int64
	Text        string
	Keywords    []string
	Verdict     string
	CreatedAt   time.Time
}

// Fingerprint tracks a (tenant, sender, normalized text) combination for dedup.
type Fingerprint struct {
	Key       string
	TenantID  int64
	SenderKey string
	ChannelID int64
	MessageID int64
	FirstSeen time.Time
	LastSeen  time.Time
	Count     int
}

// Health is the process-wide pipeline health record.
type Health struct {
	Running       bool
	StartedAt     time.Time
	LastHeartbeat time.Time
	Channels      int
	Tenants       int
	MessagesToday int64
	MessagesTotal int64
	Errors        int64
	LastError     string
	LastErrorAt   *time.Time
}
