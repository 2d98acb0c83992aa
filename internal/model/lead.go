package model

import "time"

// Quality is the mutually exclusive qualification status of a lead.
type Quality string

// Supported quality values. QualityUnset is stored as an empty string.
const (
	QualityUnset       Quality = ""
	QualityUnqualified Quality = "unqualified"
	QualityQualified   Quality = "qualified"
	QualitySpam        Quality = "spam"
)

// Lead is a persisted match of one message for one tenant.
// (TenantID, MessageID, ChannelID) is the natural key.
type Lead struct {
	ID               int64
	TenantID         int64
	RuleGroupID      int64
	ChannelID        int64
	ChannelTitle     string
	MessageID        int64
	SenderID         int64
	SenderName       string
	SenderUsername   string
	Text             string
	Link             string
	Keywords         []string
	Verdict          string
	ClassifierPassed bool
	Quality          Quality
	DialogStarted    bool
	SaleMade         bool
	NotifyChatID     int64
	NotifyMessageID  int
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Delivered reports whether a notification handle was recorded for the lead.
// NotifyChatID and NotifyMessageID hold the first delivery.
func (l *Lead) Delivered() bool {
	return l.NotifyChatID != 0 && l.NotifyMessageID != 0
}

// Delivery is one posted notification of a lead.
type Delivery struct {
	ChatID    int64
	MessageID int
}

// ControlButton is one button of a notification's interactive control surface.
type ControlButton struct {
	Label string
	Data  string
}

// Controls is the control surface rendered below a lead notification, row by row.
type Controls [][]ControlButton
