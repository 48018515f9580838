package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

type fakeAPI struct {
	mu       sync.Mutex
	posts    []string
	updates  []string
	postErr  error
	authErr  error
	optCount []int
}

func (f *fakeAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slack.AuthTestResponse{UserID: "UBOT"}, nil
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posts = append(f.posts, channelID)
	f.optCount = append(f.optCount, len(options))
	return channelID, "1700000000.000100", nil
}

func (f *fakeAPI) UpdateMessageContext(_ context.Context, channelID, ts string, _ ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, channelID+"/"+ts)
	return channelID, ts, "", nil
}

type fakeSocket struct {
	mu   sync.Mutex
	acks int
}

func (f *fakeSocket) RunContext(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSocket) Ack(socketmode.Request, ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
}

func (f *fakeSocket) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []*models.InboundEvent
}

func (s *sinkRecorder) Submit(_ context.Context, e *models.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sinkRecorder) snapshot() []*models.InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.InboundEvent(nil), s.events...)
}

func startAdapter(t *testing.T) (*Adapter, *fakeAPI, *fakeSocket, chan socketmode.Event, *sinkRecorder) {
	t.Helper()
	api, socket := &fakeAPI{}, &fakeSocket{}
	events := make(chan socketmode.Event, 8)
	a, err := NewAdapter(Config{API: api, Socket: socket, Events: events, Logger: observability.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	sink := &sinkRecorder{}
	if err := a.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a, api, socket, events, sink
}

func waitEvents(t *testing.T, sink *sinkRecorder, n int) []*models.InboundEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := sink.snapshot(); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func messageEvent(inner interface{}) socketmode.Event {
	return socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &socketmode.Request{EnvelopeID: "env"},
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	if _, err := NewAdapter(Config{BotToken: "xoxb"}); err == nil {
		t.Error("expected error without app token")
	}
	if _, err := NewAdapter(Config{BotToken: "xoxb", AppToken: "xapp"}); err != nil {
		t.Errorf("NewAdapter() error = %v", err)
	}
}

func TestAdapter_StartFailsOnAuth(t *testing.T) {
	a, err := NewAdapter(Config{API: &fakeAPI{authErr: errors.New("invalid_auth")}, Socket: &fakeSocket{}, Logger: observability.DiscardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background(), &sinkRecorder{}); err == nil {
		t.Error("expected auth failure")
	}
}

func TestAdapter_DirectMessage(t *testing.T) {
	_, _, socket, events, sink := startAdapter(t)

	events <- messageEvent(&slackevents.MessageEvent{
		Channel:         "D123",
		User:            "U1",
		Text:            "hello there",
		TimeStamp:       "1700000000.000200",
		ThreadTimeStamp: "1700000000.000100",
	})

	got := waitEvents(t, sink, 1)[0]
	if got.ConversationID != "slack:D123" || got.Content != "hello there" || got.Sender != "U1" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.ChannelMessageID != "1700000000.000200" || got.ReplyTo != "1700000000.000100" {
		t.Errorf("ids = %q reply_to = %q", got.ChannelMessageID, got.ReplyTo)
	}
	if got.ReceivedAt.Unix() != 1700000000 {
		t.Errorf("ReceivedAt = %v", got.ReceivedAt)
	}
	if socket.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", socket.ackCount())
	}
}

func TestAdapter_ChannelFiltering(t *testing.T) {
	_, _, _, events, sink := startAdapter(t)

	// Plain channel chatter and bot messages are ignored.
	events <- messageEvent(&slackevents.MessageEvent{Channel: "C1", User: "U1", Text: "lunch?", TimeStamp: "1.000001"})
	events <- messageEvent(&slackevents.MessageEvent{Channel: "D1", BotID: "B1", Text: "echo", TimeStamp: "1.000002"})
	events <- messageEvent(&slackevents.AppMentionEvent{Channel: "C1", User: "U2", Text: "<@UBOT> summarize", TimeStamp: "1.000003"})

	got := waitEvents(t, sink, 1)
	time.Sleep(20 * time.Millisecond)
	got = sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d events, want only the mention", len(got))
	}
	if got[0].ConversationID != "slack:C1" || got[0].Content != "summarize" {
		t.Errorf("mention event = %+v", got[0])
	}
}

func TestAdapter_ButtonPress(t *testing.T) {
	_, _, socket, events, sink := startAdapter(t)

	callback := slack.InteractionCallback{
		Type: slack.InteractionTypeBlockActions,
		User: slack.User{ID: "U1", Name: "alice"},
		ActionCallback: slack.ActionCallbacks{BlockActions: []*slack.BlockAction{
			{ActionID: "parley_1", Value: channels.ConfirmActionData("req-7", false)},
		}},
	}
	callback.Channel.ID = "C9"
	events <- socketmode.Event{Type: socketmode.EventTypeInteractive, Request: &socketmode.Request{}, Data: callback}

	got := waitEvents(t, sink, 1)[0]
	if got.ConversationID != "slack:C9" || got.Confirmation == nil {
		t.Fatalf("unexpected event %+v", got)
	}
	if c := got.Confirmation; c.RequestID != "req-7" || c.Approved || c.By != "alice" {
		t.Errorf("confirmation = %+v", c)
	}
	if socket.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", socket.ackCount())
	}
}

func TestAdapter_SendAndEdit(t *testing.T) {
	a, api, _, _, _ := startAdapter(t)
	ctx := context.Background()

	ts, err := a.Send(ctx, channels.OutboundMessage{ConversationID: "slack:C1", Content: "plain"})
	if err != nil || ts != "1700000000.000100" {
		t.Fatalf("Send() = %q, %v", ts, err)
	}
	if _, err := a.Send(ctx, channels.OutboundMessage{
		ConversationID: "slack:C1",
		Content:        "Approve?",
		ReplyTo:        "1.000001",
		Actions:        channels.ConfirmActions("req-1"),
	}); err != nil {
		t.Fatal(err)
	}
	if api.posts[0] != "C1" || api.optCount[0] != 1 || api.optCount[1] != 3 {
		t.Errorf("posts = %v options = %v", api.posts, api.optCount)
	}

	if err := a.Edit(ctx, "slack:C1", ts, "Approved."); err != nil {
		t.Fatal(err)
	}
	if api.updates[0] != "C1/"+ts {
		t.Errorf("updates = %v", api.updates)
	}

	api.postErr = errors.New("channel_not_found")
	if _, err := a.Send(ctx, channels.OutboundMessage{ConversationID: "slack:C404", Content: "x"}); err == nil {
		t.Error("expected post error")
	}
}

func TestBuildBlocks(t *testing.T) {
	blocks := buildBlocks("Approve?", channels.ConfirmActions("req-1"))
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	actions, ok := blocks[1].(*slack.ActionBlock)
	if !ok {
		t.Fatalf("second block is %T", blocks[1])
	}
	if len(actions.Elements.ElementSet) != 2 {
		t.Fatalf("got %d buttons", len(actions.Elements.ElementSet))
	}
	approve := actions.Elements.ElementSet[0].(*slack.ButtonBlockElement)
	if approve.Value != "confirm:req-1:yes" || approve.Style != slack.StylePrimary {
		t.Errorf("approve button = %+v", approve)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("1700000000.000250")
	if err != nil {
		t.Fatal(err)
	}
	if ts.Unix() != 1700000000 || ts.Nanosecond() != 250_000 {
		t.Errorf("parsed %v", ts)
	}
	for _, bad := range []string{"", "123", "abc.def"} {
		if _, err := parseTimestamp(bad); err == nil {
			t.Errorf("parseTimestamp(%q) should fail", bad)
		}
	}
}

func TestStripMentions(t *testing.T) {
	if got := stripMentions("<@UBOT>  what time is it <@U2>?"); got != "what time is it ?" {
		t.Errorf("stripMentions() = %q", got)
	}
}
