package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

type fakeSession struct {
	mu        sync.Mutex
	openErrs  []error
	opens     int
	closed    bool
	handlers  int
	sends     []*discordgo.MessageSend
	edits     []*discordgo.MessageEdit
	responses int
	sendErr   error
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) AddHandler(interface{}) func() {
	f.handlers++
	return func() { f.handlers-- }
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, data)
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.edits = append(f.edits, m)
	return &discordgo.Message{ID: m.ID}, nil
}

func (f *fakeSession) InteractionRespond(*discordgo.Interaction, *discordgo.InteractionResponse, ...discordgo.RequestOption) error {
	f.responses++
	return nil
}

type sinkRecorder struct {
	events []*models.InboundEvent
}

func (s *sinkRecorder) Submit(_ context.Context, e *models.InboundEvent) error {
	s.events = append(s.events, e)
	return nil
}

func fastReconnect() channels.ReconnectConfig {
	return channels.ReconnectConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func startAdapter(t *testing.T, session *fakeSession) (*Adapter, *sinkRecorder) {
	t.Helper()
	a, err := NewAdapter(Config{Session: session, Logger: observability.DiscardLogger(), Reconnect: fastReconnect()})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	sink := &sinkRecorder{}
	if err := a.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return a, sink
}

func TestAdapter_StartRetriesOpen(t *testing.T) {
	session := &fakeSession{openErrs: []error{errors.New("gateway 502")}}
	a, _ := startAdapter(t, session)
	if session.opens != 2 {
		t.Errorf("opens = %d, want 2", session.opens)
	}
	if session.handlers != 2 {
		t.Errorf("handlers = %d, want 2", session.handlers)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !session.closed || session.handlers != 0 {
		t.Errorf("closed = %v handlers = %d after Stop", session.closed, session.handlers)
	}
}

func TestAdapter_StartGivesUp(t *testing.T) {
	down := errors.New("down")
	session := &fakeSession{openErrs: []error{down, down, down}}
	a, _ := NewAdapter(Config{Session: session, Logger: observability.DiscardLogger(), Reconnect: fastReconnect()})
	if err := a.Start(context.Background(), &sinkRecorder{}); !errors.Is(err, down) {
		t.Errorf("Start() error = %v, want %v", err, down)
	}
}

func TestAdapter_MessageCreate(t *testing.T) {
	a, sink := startAdapter(t, &fakeSession{})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:               "200",
		ChannelID:        "C1",
		Content:          "see file",
		Timestamp:        ts,
		Author:           &discordgo.User{ID: "U1", Username: "alice"},
		MessageReference: &discordgo.MessageReference{MessageID: "150"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "A1", URL: "https://cdn.test/a.png", Filename: "a.png", ContentType: "image/png", Size: 42},
		},
	}})
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "201", ChannelID: "C1", Content: "bot echo", Author: &discordgo.User{ID: "B", Bot: true},
	}})

	if len(sink.events) != 1 {
		t.Fatalf("got %d events, want 1", len(sink.events))
	}
	e := sink.events[0]
	if e.ConversationID != "discord:C1" || e.ChannelMessageID != "200" || e.ReplyTo != "150" || e.Sender != "alice" {
		t.Errorf("unexpected event %+v", e)
	}
	if !e.ReceivedAt.Equal(ts) {
		t.Errorf("ReceivedAt = %v", e.ReceivedAt)
	}
	if len(e.Attachments) != 1 || e.Attachments[0].Type != "image" || e.Attachments[0].Size != 42 {
		t.Errorf("attachments = %+v", e.Attachments)
	}
}

func TestAdapter_ButtonInteraction(t *testing.T) {
	session := &fakeSession{}
	a, sink := startAdapter(t, session)

	a.handleInteractionCreate(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "C1",
		Member:    &discordgo.Member{User: &discordgo.User{Username: "alice"}},
		Data:      discordgo.MessageComponentInteractionData{CustomID: channels.ConfirmActionData("req-3", true)},
	}})

	if session.responses != 1 {
		t.Errorf("responses = %d, want 1", session.responses)
	}
	if len(sink.events) != 1 {
		t.Fatalf("got %d events, want 1", len(sink.events))
	}
	c := sink.events[0].Confirmation
	if sink.events[0].ConversationID != "discord:C1" || c == nil || c.RequestID != "req-3" || !c.Approved || c.By != "alice" {
		t.Errorf("event = %+v confirmation = %+v", sink.events[0], c)
	}
}

func TestAdapter_SendAndEdit(t *testing.T) {
	session := &fakeSession{}
	a, _ := startAdapter(t, session)
	ctx := context.Background()

	id, err := a.Send(ctx, channels.OutboundMessage{
		ConversationID: "discord:C1",
		Content:        "Approve?",
		ReplyTo:        "150",
		Actions:        channels.ConfirmActions("req-1"),
	})
	if err != nil || id != "m1" {
		t.Fatalf("Send() = %q, %v", id, err)
	}
	sent := session.sends[0]
	if sent.Reference == nil || sent.Reference.MessageID != "150" {
		t.Errorf("Reference = %+v", sent.Reference)
	}
	row, ok := sent.Components[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 2 {
		t.Fatalf("components = %#v", sent.Components)
	}
	if b := row.Components[1].(discordgo.Button); b.Style != discordgo.DangerButton || b.CustomID != "confirm:req-1:no" {
		t.Errorf("deny button = %+v", b)
	}

	if err := a.Edit(ctx, "discord:C1", "m1", "Denied."); err != nil {
		t.Fatal(err)
	}
	edit := session.edits[0]
	if edit.ID != "m1" || edit.Channel != "C1" || *edit.Content != "Denied." || edit.Components == nil || len(*edit.Components) != 0 {
		t.Errorf("edit = %+v", edit)
	}

	session.sendErr = errors.New("missing access")
	if _, err := a.Send(ctx, channels.OutboundMessage{ConversationID: "discord:C2", Content: "x"}); err == nil {
		t.Error("expected send error")
	}
}
