// Package leadstate applies control-surface actions to leads.
package leadstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"leadradar/internal/model"
	"leadradar/internal/sink"
	"leadradar/internal/storage"
)

// Action is a control-surface action.
type Action string

// Supported actions. The three quality actions are mutually exclusive.
const (
	ActionUnqualified Action = "unqualified"
	ActionQualified   Action = "qualified"
	ActionSpam        Action = "spam"
	ActionDialog      Action = "dialog"
	ActionSale        Action = "sale"
)

const callbackPrefix = "lead"

// ErrMalformed is returned for callback data that cannot be parsed.
var ErrMalformed = errors.New("malformed callback data")

// Apply mutates l according to action. Selecting the active quality clears
// it back to unset.
func Apply(l *model.Lead, action Action) error {
	switch action {
	case ActionUnqualified, ActionQualified, ActionSpam:
		q := model.Quality(action)
		if l.Quality == q {
			l.Quality = model.QualityUnset
		} else {
			l.Quality = q
		}
	case ActionDialog:
		l.DialogStarted = !l.DialogStarted
	case ActionSale:
		l.SaleMade = !l.SaleMade
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, action)
	}
	return nil
}

// CallbackData encodes an action on a lead as lead:<action>:<id>.
func CallbackData(leadID int64, action Action) string {
	return callbackPrefix + ":" + string(action) + ":" + strconv.FormatInt(leadID, 10)
}

// IsCallback reports whether data belongs to lead controls.
func IsCallback(data string) bool {
	return strings.HasPrefix(data, callbackPrefix+":")
}

// ParseCallback decodes data produced by CallbackData.
func ParseCallback(data string) (int64, Action, error) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformed, data)
	}
	action := Action(parts[1])
	switch action {
	case ActionUnqualified, ActionQualified, ActionSpam, ActionDialog, ActionSale:
	default:
		return 0, "", fmt.Errorf("%w: unknown action %q", ErrMalformed, parts[1])
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("%w: bad lead id %q", ErrMalformed, parts[2])
	}
	return id, action, nil
}

func label(text string, active bool) string {
	if active {
		return text + " ✅"
	}
	return text
}

// Controls renders the control surface for l.
func Controls(l *model.Lead) model.Controls {
	btn := func(text string, active bool, a Action) model.ControlButton {
		return model.ControlButton{Label: label(text, active), Data: CallbackData(l.ID, a)}
	}
	return model.Controls{
		{
			btn("Unqualified", l.Quality == model.QualityUnqualified, ActionUnqualified),
			btn("Qualified", l.Quality == model.QualityQualified, ActionQualified),
			btn("Spam", l.Quality == model.QualitySpam, ActionSpam),
		},
		{btn("Dialog started", l.DialogStarted, ActionDialog)},
		{btn("Sale made", l.SaleMade, ActionSale)},
	}
}

// Store is the persistence used by Machine.
type Store interface {
	GetLead(ctx context.Context, id int64) (*model.Lead, error)
	UpdateLeadState(ctx context.Context, l *model.Lead) error
	SetSpamSender(ctx context.Context, tenantID, senderID int64, spam bool) error
	ListLeadDeliveries(ctx context.Context, id int64) ([]model.Delivery, error)
}

// Editor replaces the controls of a delivered notification.
type Editor interface {
	EditControls(ctx context.Context, chatID int64, messageID int, controls model.Controls) error
}

// Exporter receives a row for every state change.
type Exporter interface {
	Add(r sink.Row)
}

// Ack texts shown to the actor.
const (
	AckUpdated     = "✅ Status updated"
	AckFormatError = "Invalid action format"
	AckNotFound    = "Lead not found"
	AckFailed      = "❌ Update failed"
)

// Ack is the acknowledgement returned to the actor.
type Ack struct {
	Text string
	OK   bool
}

// Machine handles control-surface callbacks.
type Machine struct {
	store    Store
	exporter Exporter
	now      func() time.Time
	log      *slog.Logger
}

// NewMachine creates a Machine. exporter may be nil.
func NewMachine(store Store, exporter Exporter, log *slog.Logger) *Machine {
	return &Machine{store: store, exporter: exporter, now: time.Now, log: log}
}

// Handle applies the callback to a lead owned by tenantID. Controls are
// edited only after the new state is stored; an edit failure is logged but
// still acknowledged as success.
func (m *Machine) Handle(ctx context.Context, tenantID int64, ed Editor, data, actor string) Ack {
	id, action, err := ParseCallback(data)
	if err != nil {
		m.log.Warn("malformed callback", "tenant_id", tenantID, "data", data, "error", err)
		return Ack{Text: AckFormatError}
	}

	l, err := m.store.GetLead(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && l.TenantID != tenantID) {
		m.log.Warn("callback for unknown lead", "tenant_id", tenantID, "lead_id", id)
		return Ack{Text: AckNotFound}
	}
	if err != nil {
		m.log.Error("load lead", "tenant_id", tenantID, "lead_id", id, "error", err)
		return Ack{Text: AckFailed}
	}

	wasSpam := l.Quality == model.QualitySpam
	if err := Apply(l, action); err != nil {
		return Ack{Text: AckFormatError}
	}
	if err := m.store.UpdateLeadState(ctx, l); err != nil {
		m.log.Error("update lead state", "tenant_id", tenantID, "lead_id", id, "error", err)
		return Ack{Text: AckFailed}
	}

	if isSpam := l.Quality == model.QualitySpam; isSpam != wasSpam && l.SenderID != 0 {
		if err := m.store.SetSpamSender(ctx, tenantID, l.SenderID, isSpam); err != nil {
			m.log.Error("update spam senders", "tenant_id", tenantID, "sender_id", l.SenderID, "error", err)
		}
	}

	if m.exporter != nil {
		m.exporter.Add(sink.LeadRow(sink.EventUpdated, l, actor, m.now()))
	}

	m.log.Info("lead updated",
		"tenant_id", tenantID,
		"lead_id", id,
		"action", action,
		"actor", actor,
		"quality", l.Quality,
		"dialog_started", l.DialogStarted,
		"sale_made", l.SaleMade,
	)

	if ed != nil {
		controls := Controls(l)
		for _, d := range m.deliveries(ctx, l) {
			if err := ed.EditControls(ctx, d.ChatID, d.MessageID, controls); err != nil {
				m.log.Warn("edit controls", "tenant_id", tenantID, "lead_id", id, "chat_id", d.ChatID, "error", err)
			}
		}
	}
	return Ack{Text: AckUpdated, OK: true}
}

// deliveries lists the notifications of l, falling back to its primary handle.
func (m *Machine) deliveries(ctx context.Context, l *model.Lead) []model.Delivery {
	ds, err := m.store.ListLeadDeliveries(ctx, l.ID)
	if err != nil {
		m.log.Error("list lead deliveries", "lead_id", l.ID, "error", err)
	}
	if len(ds) == 0 && l.Delivered() {
		ds = []model.Delivery{{ChatID: l.NotifyChatID, MessageID: l.NotifyMessageID}}
	}
	return ds
}
