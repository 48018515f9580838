package confirm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

const conv models.ConversationID = "telegram:7"

type edit struct {
	messageID string
	text      string
}

type fakeNotifier struct {
	prompts chan Prompt
	sendErr error

	mu    sync.Mutex
	edits []edit
	seq   int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{prompts: make(chan Prompt, 8)}
}

func (f *fakeNotifier) SendPrompt(ctx context.Context, p Prompt) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	f.seq++
	id := "msg-" + string(rune('0'+f.seq))
	f.mu.Unlock()
	f.prompts <- p
	return id, nil
}

func (f *fakeNotifier) EditPrompt(ctx context.Context, conversationID models.ConversationID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edit{messageID: messageID, text: text})
	return nil
}

func (f *fakeNotifier) lastEdit() (edit, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return edit{}, 0
	}
	return f.edits[len(f.edits)-1], len(f.edits)
}

type result struct {
	d   Decision
	err error
}

func startRequest(ctx context.Context, g *Gate) <-chan result {
	out := make(chan result, 1)
	go func() {
		d, err := g.Request(ctx, Request{
			ConversationID: conv,
			TurnID:         "turn-1",
			ToolCallID:     "call-1",
			ToolName:       "delete_all_notes",
			Arguments:      []byte(`{}`),
			Summary:        "Delete all notes",
		})
		out <- result{d, err}
	}()
	return out
}

func waitPrompt(t *testing.T, n *fakeNotifier) Prompt {
	t.Helper()
	select {
	case p := <-n.prompts:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("prompt was not sent")
		return Prompt{}
	}
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request did not return")
		return result{}
	}
}

func newGate(store storage.ConfirmationStore, n Notifier, cfg Config, opts ...Option) *Gate {
	opts = append([]Option{WithLogger(observability.DiscardLogger())}, opts...)
	return New(store, n, cfg, opts...)
}

func TestRequest_ResolvedByReply(t *testing.T) {
	tests := []struct {
		name       string
		byID       bool
		approved   bool
		wantStatus models.ConfirmationStatus
		wantEdit   string
	}{
		{name: "approve open confirmation", approved: true, wantStatus: models.ConfirmationApproved, wantEdit: "Approved by alice"},
		{name: "deny by request id", byID: true, wantStatus: models.ConfirmationDenied, wantEdit: "Denied by alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			n := newFakeNotifier()
			metrics := observability.NewTestMetrics()
			g := newGate(store, n, Config{TTL: time.Minute}, WithMetrics(metrics))

			done := startRequest(context.Background(), g)
			p := waitPrompt(t, n)
			if !strings.Contains(p.Text, "delete_all_notes") || !strings.Contains(p.Text, "Delete all notes") {
				t.Errorf("prompt text = %q", p.Text)
			}

			requestID := ""
			if tt.byID {
				requestID = p.RequestID
			}
			won, err := g.Resolve(context.Background(), conv, requestID, tt.approved, "alice")
			if err != nil || !won {
				t.Fatalf("Resolve = %v, %v", won, err)
			}

			r := waitResult(t, done)
			if r.err != nil {
				t.Fatalf("Request error: %v", r.err)
			}
			if r.d.Status != tt.wantStatus || r.d.Approved() != tt.approved || r.d.By != "alice" {
				t.Errorf("decision = %+v", r.d)
			}
			e, _ := n.lastEdit()
			if e.messageID != "msg-1" || !strings.Contains(e.text, tt.wantEdit) {
				t.Errorf("edit = %+v", e)
			}
			if got := testutil.ToFloat64(metrics.Confirmations.WithLabelValues(string(tt.wantStatus))); got != 1 {
				t.Errorf("confirmations metric = %v", got)
			}

			// A duplicate answer is a no-op.
			won, err = g.Resolve(context.Background(), conv, p.RequestID, !tt.approved, "bob")
			if err != nil || won {
				t.Errorf("duplicate Resolve = %v, %v", won, err)
			}
			if _, count := n.lastEdit(); count != 1 {
				t.Errorf("edits = %d, want 1", count)
			}
		})
	}
}

func TestRequest_TimesOut(t *testing.T) {
	store := storage.NewMemoryStore()
	n := newFakeNotifier()
	g := newGate(store, n, Config{TTL: 50 * time.Millisecond})

	done := startRequest(context.Background(), g)
	p := waitPrompt(t, n)
	r := waitResult(t, done)
	if r.err != nil || r.d.Status != models.ConfirmationTimedOut || r.d.Approved() {
		t.Fatalf("result = %+v", r)
	}
	e, _ := n.lastEdit()
	if !strings.Contains(e.text, "Expired") {
		t.Errorf("edit = %q", e.text)
	}
	stored, err := store.GetConfirmation(context.Background(), p.RequestID)
	if err != nil || stored.Status != models.ConfirmationTimedOut || stored.ResolvedBy != ResolvedByTimeout {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestResolve_AfterDeadlineLosesToTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	n := newFakeNotifier()
	var offset atomic.Int64
	base := time.Now()
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }
	g := newGate(store, n, Config{TTL: time.Hour}, WithClock(clock))

	done := startRequest(context.Background(), g)
	waitPrompt(t, n)

	offset.Store(int64(2 * time.Hour))
	won, err := g.Resolve(context.Background(), conv, "", true, "alice")
	if err != nil || won {
		t.Fatalf("late Resolve = %v, %v; want lost", won, err)
	}
	r := waitResult(t, done)
	if r.d.Status != models.ConfirmationTimedOut {
		t.Errorf("decision = %+v, want timed out", r.d)
	}
}

func TestRequest_SecondOpenIsRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	n := newFakeNotifier()
	g := newGate(store, n, Config{TTL: time.Minute})

	done := startRequest(context.Background(), g)
	waitPrompt(t, n)

	_, err := g.Request(context.Background(), Request{ConversationID: conv, ToolName: "cancel_reminder"})
	if !errors.Is(err, storage.ErrConfirmationOpen) {
		t.Fatalf("second Request error = %v, want ErrConfirmationOpen", err)
	}

	if _, err := g.Resolve(context.Background(), conv, "", false, "alice"); err != nil {
		t.Fatal(err)
	}
	waitResult(t, done)
}

func TestRequest_PromptFailureDenies(t *testing.T) {
	store := storage.NewMemoryStore()
	n := newFakeNotifier()
	n.sendErr = errors.New("chat not found")
	metrics := observability.NewTestMetrics()
	g := newGate(store, n, Config{TTL: time.Minute}, WithMetrics(metrics))

	d, err := g.Request(context.Background(), Request{ConversationID: conv, ToolName: "delete_all_notes"})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if d.Status != models.ConfirmationDenied || d.By != ResolvedByPrompt {
		t.Errorf("decision = %+v", d)
	}
	if open, _ := g.HasOpen(context.Background(), conv); open {
		t.Error("failed prompt should not leave a pending confirmation")
	}
	if got := testutil.ToFloat64(metrics.Confirmations.WithLabelValues(ResolvedByPrompt)); got != 1 {
		t.Errorf("prompt_failed metric = %v", got)
	}
}

func TestRequest_ContextEndTimesOutAndFreesConversation(t *testing.T) {
	store := storage.NewMemoryStore()
	n := newFakeNotifier()
	g := newGate(store, n, Config{TTL: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := startRequest(ctx, g)
	p := waitPrompt(t, n)

	r := waitResult(t, done)
	if !errors.Is(r.err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", r.err)
	}
	if r.d.Status != models.ConfirmationTimedOut {
		t.Errorf("decision = %+v, want timed out", r.d)
	}
	stored, err := store.GetConfirmation(context.Background(), p.RequestID)
	if err != nil || stored.Status != models.ConfirmationTimedOut {
		t.Errorf("stored = %+v, %v", stored, err)
	}
	if e, _ := n.lastEdit(); e.messageID != "msg-1" || !strings.Contains(e.text, "Expired") {
		t.Errorf("edit = %+v, want the prompt retired", e)
	}

	// The next gated call in the conversation is not blocked.
	next := startRequest(context.Background(), g)
	waitPrompt(t, n)
	if _, err := g.Resolve(context.Background(), conv, "", true, "alice"); err != nil {
		t.Fatal(err)
	}
	if r := waitResult(t, next); r.err != nil || !r.d.Approved() {
		t.Errorf("second request = %+v", r)
	}
}

// earlyAnswerStore answers the confirmation just before the prompt's message
// id is stored.
type earlyAnswerStore struct {
	*storage.MemoryStore
	gate *Gate
}

func (s *earlyAnswerStore) SetConfirmationPrompt(ctx context.Context, id, promptMessageID string) error {
	if _, err := s.gate.Resolve(ctx, conv, id, false, "alice"); err != nil {
		return err
	}
	return s.MemoryStore.SetConfirmationPrompt(ctx, id, promptMessageID)
}

func TestRequest_AnswerBeforePromptIDStillEditsPrompt(t *testing.T) {
	store := &earlyAnswerStore{MemoryStore: storage.NewMemoryStore()}
	n := newFakeNotifier()
	g := newGate(store, n, Config{TTL: time.Minute})
	store.gate = g

	done := startRequest(context.Background(), g)
	waitPrompt(t, n)
	r := waitResult(t, done)
	if r.err != nil || r.d.Status != models.ConfirmationDenied {
		t.Fatalf("result = %+v", r)
	}
	e, count := n.lastEdit()
	if count != 1 || e.messageID != "msg-1" || !strings.Contains(e.text, "Denied by alice") {
		t.Errorf("edits = %d, last %+v; want one edit of the prompt", count, e)
	}
}

func TestResolve_WithoutWaiterGoesToOrphanHandler(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_ = store.CreateConfirmation(ctx, &models.PendingConfirmation{
		ID:              "pc-1",
		ConversationID:  conv,
		ToolName:        "cancel_reminder",
		PromptMessageID: "m-9",
		Deadline:        time.Now().Add(time.Hour),
	})

	n := newFakeNotifier()
	var orphans []*models.PendingConfirmation
	g := newGate(store, n, Config{}, WithOrphanHandler(func(_ context.Context, pc *models.PendingConfirmation) {
		orphans = append(orphans, pc)
	}))

	won, err := g.Resolve(ctx, conv, "", true, "alice")
	if err != nil || !won {
		t.Fatalf("Resolve = %v, %v", won, err)
	}
	if len(orphans) != 1 || orphans[0].Status != models.ConfirmationApproved || orphans[0].ResolvedBy != "alice" {
		t.Fatalf("orphans = %+v", orphans)
	}
	if e, _ := n.lastEdit(); e.messageID != "m-9" {
		t.Errorf("edit = %+v", e)
	}

	if won, _ := g.Resolve(ctx, "slack:other", "pc-1", false, "mallory"); won {
		t.Error("resolution from another conversation must not win")
	}
}

func TestSweep(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	_ = store.CreateConfirmation(ctx, &models.PendingConfirmation{ID: "old", ConversationID: conv, ToolName: "x", Deadline: past, PromptMessageID: "m1"})
	_ = store.CreateConfirmation(ctx, &models.PendingConfirmation{ID: "fresh", ConversationID: "web:s", ToolName: "y", Deadline: time.Now().Add(time.Hour)})

	n := newFakeNotifier()
	var orphaned atomic.Int32
	g := newGate(store, n, Config{}, WithOrphanHandler(func(_ context.Context, pc *models.PendingConfirmation) {
		if pc.Status == models.ConfirmationTimedOut {
			orphaned.Add(1)
		}
	}))

	count, err := g.Sweep(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Sweep = %d, %v", count, err)
	}
	if orphaned.Load() != 1 {
		t.Errorf("orphaned = %d", orphaned.Load())
	}
	if e, _ := n.lastEdit(); !strings.Contains(e.text, "Expired") {
		t.Errorf("edit = %+v", e)
	}
	if count, _ := g.Sweep(ctx); count != 0 {
		t.Errorf("second Sweep = %d", count)
	}
	if open, _ := g.HasOpen(ctx, "web:s"); !open {
		t.Error("unexpired confirmation should remain open")
	}
}

func TestMatchReply(t *testing.T) {
	g := newGate(storage.NewMemoryStore(), newFakeNotifier(), Config{
		ApproveWords: []string{"yes", "approve"},
		DenyWords:    []string{"no"},
	})
	tests := []struct {
		text         string
		wantApproved bool
		wantOK       bool
	}{
		{text: "yes", wantApproved: true, wantOK: true},
		{text: "  YES! ", wantApproved: true, wantOK: true},
		{text: "Approve.", wantApproved: true, wantOK: true},
		{text: "no", wantOK: true},
		{text: "yes please delete them", wantOK: false},
		{text: "", wantOK: false},
		{text: "maybe", wantOK: false},
	}
	for _, tt := range tests {
		approved, ok := g.MatchReply(tt.text)
		if approved != tt.wantApproved || ok != tt.wantOK {
			t.Errorf("MatchReply(%q) = %v, %v", tt.text, approved, ok)
		}
	}
}
