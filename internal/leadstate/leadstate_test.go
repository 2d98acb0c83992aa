package leadstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"leadradar/internal/model"
	"leadradar/internal/sink"
	"leadradar/internal/storage"
)

func TestApplyQualityMutuallyExclusive(t *testing.T) {
	type state struct {
		Quality model.Quality
		Dialog  bool
		Sale    bool
	}
	tests := []struct {
		name    string
		actions []Action
		want    state
	}{
		{name: "select", actions: []Action{ActionQualified}, want: state{Quality: model.QualityQualified}},
		{name: "switch", actions: []Action{ActionQualified, ActionSpam}, want: state{Quality: model.QualitySpam}},
		{name: "reselect clears", actions: []Action{ActionUnqualified, ActionUnqualified}, want: state{}},
		{name: "toggles independent", actions: []Action{ActionDialog, ActionSale, ActionQualified}, want: state{Quality: model.QualityQualified, Dialog: true, Sale: true}},
		{name: "toggle twice", actions: []Action{ActionDialog, ActionDialog}, want: state{}},
		{name: "quality keeps toggles", actions: []Action{ActionSale, ActionSpam, ActionSpam}, want: state{Sale: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l model.Lead
			for _, a := range tt.actions {
				if err := Apply(&l, a); err != nil {
					t.Fatalf("apply %s: %v", a, err)
				}
			}
			got := state{Quality: l.Quality, Dialog: l.DialogStarted, Sale: l.SaleMade}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("state mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyUnknownAction(t *testing.T) {
	if err := Apply(&model.Lead{}, "archive"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Apply() error = %v, want ErrMalformed", err)
	}
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data       string
		wantID     int64
		wantAction Action
		wantErr    bool
	}{
		{data: "lead:qualified:12", wantID: 12, wantAction: ActionQualified},
		{data: "lead:sale:1", wantID: 1, wantAction: ActionSale},
		{data: CallbackData(99, ActionDialog), wantID: 99, wantAction: ActionDialog},
		{data: "lead:qualified", wantErr: true},
		{data: "lead:qualified:abc", wantErr: true},
		{data: "lead:qualified:-3", wantErr: true},
		{data: "lead:promote:3", wantErr: true},
		{data: "feed:qualified:3", wantErr: true},
		{data: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			id, action, err := ParseCallback(tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.wantID || action != tt.wantAction {
				t.Errorf("got (%d, %s), want (%d, %s)", id, action, tt.wantID, tt.wantAction)
			}
		})
	}
}

func TestControls(t *testing.T) {
	l := &model.Lead{ID: 5, Quality: model.QualitySpam, SaleMade: true}
	want := model.Controls{
		{
			{Label: "Unqualified", Data: "lead:unqualified:5"},
			{Label: "Qualified", Data: "lead:qualified:5"},
			{Label: "Spam ✅", Data: "lead:spam:5"},
		},
		{{Label: "Dialog started", Data: "lead:dialog:5"}},
		{{Label: "Sale made ✅", Data: "lead:sale:5"}},
	}
	if diff := cmp.Diff(want, Controls(l)); diff != "" {
		t.Errorf("Controls() mismatch (-want +got):\n%s", diff)
	}
}

type mockEditor struct {
	mu    sync.Mutex
	edits []model.Controls
	chats []int64
	err   error
}

func (m *mockEditor) EditControls(_ context.Context, chatID int64, _ int, c model.Controls) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, c)
	m.chats = append(m.chats, chatID)
	return m.err
}

type mockExporter struct {
	mu   sync.Mutex
	rows []sink.Row
}

func (m *mockExporter) Add(r sink.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r)
}

func newTestMachine(t *testing.T) (*Machine, *storage.SQLite, *mockExporter) {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exp := &mockExporter{}
	return NewMachine(s, exp, slog.New(slog.NewTextHandler(io.Discard, nil))), s, exp
}

func seedLead(t *testing.T, s *storage.SQLite, tenantID int64, delivered bool) *model.Lead {
	t.Helper()
	ctx := context.Background()
	l := &model.Lead{TenantID: tenantID, ChannelID: -1001, MessageID: 10, SenderID: 77, Text: "сниму квартиру", Keywords: []string{"сниму"}}
	if _, err := s.UpsertLead(ctx, l); err != nil {
		t.Fatalf("upsert lead: %v", err)
	}
	if delivered {
		if err := s.SetLeadDelivery(ctx, l.ID, 500, 9); err != nil {
			t.Fatalf("set delivery: %v", err)
		}
	}
	return l
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	m, s, exp := newTestMachine(t)
	l := seedLead(t, s, 1, true)
	ed := &mockEditor{}

	ack := m.Handle(ctx, 1, ed, CallbackData(l.ID, ActionSpam), "operator")
	if diff := cmp.Diff(Ack{Text: AckUpdated, OK: true}, ack); diff != "" {
		t.Errorf("ack mismatch (-want +got):\n%s", diff)
	}

	got, err := s.GetLead(ctx, l.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if got.Quality != model.QualitySpam {
		t.Errorf("quality = %q, want spam", got.Quality)
	}
	spam, err := s.IsSpamSender(ctx, 1, 77)
	if err != nil || !spam {
		t.Errorf("IsSpamSender = %v, %v; want true", spam, err)
	}
	if len(ed.edits) != 1 || ed.edits[0][0][2].Label != "Spam ✅" {
		t.Errorf("unexpected edits: %+v", ed.edits)
	}
	if len(exp.rows) != 1 || exp.rows[0].Quality != "spam" || exp.rows[0].Actor != "operator" {
		t.Errorf("unexpected export rows: %+v", exp.rows)
	}

	m.Handle(ctx, 1, ed, CallbackData(l.ID, ActionSpam), "operator")
	spam, err = s.IsSpamSender(ctx, 1, 77)
	if err != nil || spam {
		t.Errorf("IsSpamSender after unset = %v, %v; want false", spam, err)
	}
}

func TestHandleErrors(t *testing.T) {
	ctx := context.Background()
	m, s, exp := newTestMachine(t)
	l := seedLead(t, s, 1, true)

	tests := []struct {
		name     string
		tenantID int64
		data     string
		want     Ack
	}{
		{name: "malformed", tenantID: 1, data: "lead:oops", want: Ack{Text: AckFormatError}},
		{name: "unknown lead", tenantID: 1, data: CallbackData(9999, ActionQualified), want: Ack{Text: AckNotFound}},
		{name: "other tenant", tenantID: 2, data: CallbackData(l.ID, ActionQualified), want: Ack{Text: AckNotFound}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ed := &mockEditor{}
			got := m.Handle(ctx, tt.tenantID, ed, tt.data, "x")
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ack mismatch (-want +got):\n%s", diff)
			}
			if len(ed.edits) != 0 {
				t.Errorf("controls edited on error: %+v", ed.edits)
			}
		})
	}

	stored, err := s.GetLead(ctx, l.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if stored.Quality != model.QualityUnset {
		t.Errorf("lead modified: quality = %q", stored.Quality)
	}
	if len(exp.rows) != 0 {
		t.Errorf("rows exported on error: %+v", exp.rows)
	}
}

func TestHandleEditFailureStillAcks(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMachine(t)
	l := seedLead(t, s, 1, true)

	ack := m.Handle(ctx, 1, &mockEditor{err: errors.New("message is not modified")}, CallbackData(l.ID, ActionDialog), "x")
	if !ack.OK {
		t.Errorf("ack = %+v, want success", ack)
	}
	got, err := s.GetLead(ctx, l.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if !got.DialogStarted {
		t.Error("dialog_started not persisted")
	}
}

func TestHandleEditsEveryDelivery(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMachine(t)
	l := seedLead(t, s, 1, true)
	if err := s.SetLeadDelivery(ctx, l.ID, 555, 3); err != nil {
		t.Fatalf("set second delivery: %v", err)
	}
	ed := &mockEditor{}

	if ack := m.Handle(ctx, 1, ed, CallbackData(l.ID, ActionQualified), "x"); !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}
	if diff := cmp.Diff([]int64{500, 555}, ed.chats); diff != "" {
		t.Errorf("edited chats mismatch (-want +got):\n%s", diff)
	}
	for _, c := range ed.edits {
		if c[0][1].Label != "Qualified ✅" {
			t.Errorf("stale controls edited: %+v", c)
		}
	}
}

func TestHandleUndeliveredSkipsEdit(t *testing.T) {
	m, s, _ := newTestMachine(t)
	l := seedLead(t, s, 1, false)
	ed := &mockEditor{}

	if ack := m.Handle(context.Background(), 1, ed, CallbackData(l.ID, ActionSale), "x"); !ack.OK {
		t.Errorf("ack = %+v", ack)
	}
	if len(ed.edits) != 0 {
		t.Errorf("edited undelivered lead: %+v", ed.edits)
	}
}
