package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/parley/internal/confirm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

type fakeAdapter struct {
	mu       sync.Mutex
	typ      models.ChannelType
	maxLen   int
	sent     []OutboundMessage
	edits    map[string]string
	sendErr  error
	startErr error
	started  bool
	stopped  bool
	sink     Sink
}

func newFakeAdapter(typ models.ChannelType) *fakeAdapter {
	return &fakeAdapter{typ: typ, edits: make(map[string]string)}
}

func (f *fakeAdapter) Type() models.ChannelType { return f.typ }
func (f *fakeAdapter) MaxMessageLength() int    { return f.maxLen }

func (f *fakeAdapter) Start(_ context.Context, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.sink = sink
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, msg OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("m%d", len(f.sent)), nil
}

func (f *fakeAdapter) Edit(_ context.Context, _ models.ConversationID, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[id] = text
	return nil
}

func TestRegistry_RoutesByChannelPrefix(t *testing.T) {
	web := newFakeAdapter(models.ChannelWeb)
	tg := newFakeAdapter(models.ChannelTelegram)
	reg := NewRegistry(WithLogger(observability.DiscardLogger()))
	reg.Register(web)
	reg.Register(tg)

	id, err := reg.Send(context.Background(), OutboundMessage{ConversationID: "telegram:42", Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "m1" {
		t.Errorf("id = %q, want m1", id)
	}
	if len(tg.sent) != 1 || len(web.sent) != 0 {
		t.Errorf("sent telegram=%d web=%d, want 1/0", len(tg.sent), len(web.sent))
	}

	_, err = reg.Send(context.Background(), OutboundMessage{ConversationID: "sms:1", Content: "hi"})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Send() to unknown channel error = %v", err)
	}

	if got := reg.Types(); len(got) != 2 || got[0] != models.ChannelTelegram || got[1] != models.ChannelWeb {
		t.Errorf("Types() = %v", got)
	}
}

func TestRegistry_SendSplitsLongMessages(t *testing.T) {
	web := newFakeAdapter(models.ChannelWeb)
	web.maxLen = 20
	reg := NewRegistry(WithLogger(observability.DiscardLogger()))
	reg.Register(web)

	msg := OutboundMessage{
		ConversationID: "web:s1",
		Content:        "one two three four five six seven eight nine ten",
		ReplyTo:        "in-1",
		Actions:        ConfirmActions("req-1"),
		Attachments:    []models.Attachment{{ID: "a1", URL: "artifact://a1"}},
	}
	id, err := reg.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(web.sent) < 3 {
		t.Fatalf("expected the message to be split, got %d parts", len(web.sent))
	}
	if id != fmt.Sprintf("m%d", len(web.sent)) {
		t.Errorf("id = %q, want the last part's id", id)
	}
	var rebuilt []string
	for i, part := range web.sent {
		rebuilt = append(rebuilt, part.Content)
		first, last := i == 0, i == len(web.sent)-1
		if (part.ReplyTo != "") != first {
			t.Errorf("part %d ReplyTo = %q", i, part.ReplyTo)
		}
		if (len(part.Actions) > 0) != last || (len(part.Attachments) > 0) != last {
			t.Errorf("part %d actions=%d attachments=%d", i, len(part.Actions), len(part.Attachments))
		}
	}
	if strings.Join(rebuilt, " ") != msg.Content {
		t.Errorf("parts %q do not rebuild the message", rebuilt)
	}
}

func TestRegistry_DeliveryFailureMetric(t *testing.T) {
	web := newFakeAdapter(models.ChannelWeb)
	web.sendErr = errors.New("socket closed")
	metrics := observability.NewTestMetrics()
	reg := NewRegistry(WithLogger(observability.DiscardLogger()), WithMetrics(metrics))
	reg.Register(web)

	if _, err := reg.Send(context.Background(), OutboundMessage{ConversationID: "web:s1", Content: "hi"}); err == nil {
		t.Fatal("expected send error")
	}
	if got := testutil.ToFloat64(metrics.DeliveryFailures.WithLabelValues("web")); got != 1 {
		t.Errorf("delivery failures = %v, want 1", got)
	}
}

func TestRegistry_Notifier(t *testing.T) {
	tg := newFakeAdapter(models.ChannelTelegram)
	reg := NewRegistry(WithLogger(observability.DiscardLogger()))
	reg.Register(tg)
	ctx := context.Background()

	id, err := reg.SendPrompt(ctx, confirm.Prompt{
		ConversationID: "telegram:42",
		RequestID:      "req-9",
		ToolName:       "delete_all_notes",
		Text:           "Run delete_all_notes?",
		Deadline:       time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}
	actions := tg.sent[0].Actions
	if len(actions) != 2 {
		t.Fatalf("prompt has %d actions, want 2", len(actions))
	}
	if reqID, approved, ok := ParseConfirmAction(actions[0].Data); !ok || reqID != "req-9" || !approved {
		t.Errorf("approve action = %q", actions[0].Data)
	}

	if err := reg.EditPrompt(ctx, "telegram:42", id, "Approved."); err != nil {
		t.Fatalf("EditPrompt() error = %v", err)
	}
	if tg.edits[id] != "Approved." {
		t.Errorf("edit = %q", tg.edits[id])
	}
	if err := reg.EditPrompt(ctx, "telegram:42", "", "ignored"); err != nil {
		t.Errorf("EditPrompt() without message id = %v", err)
	}
}

func TestRegistry_StartAllRollsBack(t *testing.T) {
	a := newFakeAdapter(models.ChannelDiscord)
	b := newFakeAdapter(models.ChannelWeb)
	b.startErr = errors.New("bind failed")
	reg := NewRegistry(WithLogger(observability.DiscardLogger()))
	reg.Register(a)
	reg.Register(b)

	err := reg.StartAll(context.Background(), SinkFunc(func(context.Context, *models.InboundEvent) error { return nil }))
	if err == nil {
		t.Fatal("expected start error")
	}
	if !a.started || !a.stopped {
		t.Errorf("discord adapter started=%v stopped=%v, want both", a.started, a.stopped)
	}
}

func TestConfirmActionData(t *testing.T) {
	tests := []struct {
		data     string
		id       string
		approved bool
		ok       bool
	}{
		{data: ConfirmActionData("abc", true), id: "abc", approved: true, ok: true},
		{data: ConfirmActionData("abc", false), id: "abc", approved: false, ok: true},
		{data: "confirm:a:b:yes", id: "a:b", approved: true, ok: true},
		{data: "confirm::yes"},
		{data: "confirm:abc:maybe"},
		{data: "other:abc:yes"},
	}
	for _, tt := range tests {
		id, approved, ok := ParseConfirmAction(tt.data)
		if id != tt.id || approved != tt.approved || ok != tt.ok {
			t.Errorf("ParseConfirmAction(%q) = %q, %v, %v", tt.data, id, approved, ok)
		}
	}
}
