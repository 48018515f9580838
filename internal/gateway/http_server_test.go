package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/batcher"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

type fakeSink struct {
	mu      sync.Mutex
	events  []*models.InboundEvent
	wakes   []string
	flushed []models.ConversationID
	err     error
}

func (f *fakeSink) Submit(_ context.Context, e *models.InboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSink) DeliverWakeEvent(_ context.Context, conv models.ConversationID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.wakes = append(f.wakes, string(conv)+"|"+content)
	return nil
}

func (f *fakeSink) Flush(conv models.ConversationID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, conv)
}

type fakeResolver struct {
	won   bool
	err   error
	calls []string
}

func (f *fakeResolver) Resolve(_ context.Context, conv models.ConversationID, id string, approved bool, by string) (bool, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s|%s|%v|%s", conv, id, approved, by))
	return f.won, f.err
}

type fakeSocket struct{ conv models.ConversationID }

func (f *fakeSocket) ServeConversation(w http.ResponseWriter, _ *http.Request, conv models.ConversationID) {
	f.conv = conv
	w.WriteHeader(http.StatusTeapot)
}

func newTestServer(t *testing.T, sink EventSink, reader Reader, opts ...ServerOption) *httptest.Server {
	t.Helper()
	opts = append([]ServerOption{WithServerLogger(observability.DiscardLogger())}, opts...)
	s := NewServer(config.ServerConfig{}, sink, reader, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("response %q is not JSON: %v", data, err)
		}
	}
	return resp, out
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t, &fakeSink{}, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestServer_PostEvent(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/api:c1/events",
		`{"content":"hello","sender":"cli","message_id":"m-1","reply_to":"m-0","flush":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["conversation_id"] != "api:c1" {
		t.Errorf("body = %v", body)
	}
	if len(sink.events) != 1 {
		t.Fatalf("got %d events", len(sink.events))
	}
	e := sink.events[0]
	if e.ConversationID != "api:c1" || e.Content != "hello" || e.ChannelMessageID != "m-1" ||
		e.ReplyTo != "m-0" || e.Sender != "cli" || e.Origin != models.OriginUser {
		t.Errorf("event = %+v", e)
	}
	if len(sink.flushed) != 1 || sink.flushed[0] != "api:c1" {
		t.Errorf("flushed = %v", sink.flushed)
	}
}

func TestServer_PostEventErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		sinkErr    error
		wantStatus int
	}{
		{name: "bad conversation", path: "/v1/conversations/nocolon/events", body: `{"content":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", path: "/v1/conversations/api:c1/events", body: `{"content":`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", path: "/v1/conversations/api:c1/events", body: `{"text":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "invalid event", path: "/v1/conversations/api:c1/events", body: `{}`, sinkErr: fmt.Errorf("%w: empty", batcher.ErrInvalidEvent), wantStatus: http.StatusBadRequest},
		{name: "stopped", path: "/v1/conversations/api:c1/events", body: `{"content":"x"}`, sinkErr: batcher.ErrStopped, wantStatus: http.StatusServiceUnavailable},
		{name: "internal", path: "/v1/conversations/api:c1/events", body: `{"content":"x"}`, sinkErr: errors.New("boom"), wantStatus: http.StatusInternalServerError},
		{name: "wrong method", path: "/v1/conversations/api:c1/events", wantStatus: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeSink{err: tt.sinkErr}, nil)
			method := http.MethodPost
			if tt.body == "" {
				method = http.MethodGet
			}
			resp, _ := doJSON(t, method, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestServer_Wake(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, nil)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/telegram:42/wake", `{"content":"Reminder: stand-up"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(sink.wakes) != 1 || sink.wakes[0] != "telegram:42|Reminder: stand-up" {
		t.Errorf("wakes = %v", sink.wakes)
	}
}

func TestServer_Confirmation(t *testing.T) {
	resolver := &fakeResolver{won: true}
	srv := newTestServer(t, &fakeSink{}, nil, WithConfirmations(resolver))

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/confirmations/req-1", `{"approved":true,"by":"ops"}`)
	if resp.StatusCode != http.StatusOK || body["resolved"] != true {
		t.Errorf("resolve = %d %v", resp.StatusCode, body)
	}
	if len(resolver.calls) != 1 || resolver.calls[0] != "|req-1|true|ops" {
		t.Errorf("calls = %v", resolver.calls)
	}

	resolver.won = false
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/confirmations/req-1", `{"approved":false}`)
	if resp.StatusCode != http.StatusConflict || body["resolved"] != false {
		t.Errorf("duplicate resolve = %d %v", resp.StatusCode, body)
	}
}

func seedTurn(t *testing.T, store *storage.MemoryStore, conv models.ConversationID, id string, state models.TurnState, contents ...string) {
	t.Helper()
	ctx := context.Background()
	turn := &models.Turn{ID: id, ConversationID: conv, State: models.TurnRunning, StartedAt: time.Now()}
	var inbound []*models.Message
	for i, c := range contents {
		inbound = append(inbound, &models.Message{
			ID:             fmt.Sprintf("%s-m%d", id, i),
			ConversationID: conv,
			Direction:      models.DirectionInbound,
			Role:           models.RoleUser,
			Content:        c,
		})
	}
	if err := store.CreateTurn(ctx, turn, inbound); err != nil {
		t.Fatal(err)
	}
	turn.State = state
	turn.FinishedAt = time.Now()
	if err := store.FinalizeTurn(ctx, turn, nil); err != nil {
		t.Fatal(err)
	}
}

func TestServer_Messages(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTurn(t, store, "api:c1", "t1", models.TurnCompleted, "one", "two")
	seedTurn(t, store, "api:c1", "t2", models.TurnErrored, "three")
	srv := newTestServer(t, &fakeSink{}, store)

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{query: "", wantStatus: http.StatusOK, wantCount: 2},
		{query: "?include_failed=true", wantStatus: http.StatusOK, wantCount: 3},
		{query: "?limit=1", wantStatus: http.StatusOK, wantCount: 1},
		{query: "?limit=0", wantStatus: http.StatusBadRequest},
		{query: "?include_failed=maybe", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/api:c1/messages"+tt.query, "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			msgs, _ := body["messages"].([]any)
			if len(msgs) != tt.wantCount {
				t.Errorf("got %d messages, want %d", len(msgs), tt.wantCount)
			}
		})
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/api:empty/messages", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("empty conversation messages = %v", body["messages"])
	}
}

func TestServer_Turn(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTurn(t, store, "api:c1", "t1", models.TurnCompleted, "one")
	srv := newTestServer(t, &fakeSink{}, store)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/turns/t1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	turn, _ := body["turn"].(map[string]any)
	if turn["id"] != "t1" || turn["state"] != "completed" {
		t.Errorf("turn = %v", turn)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v", body["messages"])
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/turns/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing turn status = %d", resp.StatusCode)
	}
}

func TestServer_OptionalRoutes(t *testing.T) {
	socket := &fakeSocket{}
	email := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "# metrics\n") })

	bare := newTestServer(t, &fakeSink{}, nil)
	full := newTestServer(t, &fakeSink{}, nil, WithWebSocket(socket), WithEmailWebhook(email), WithMetricsHandler(metrics))

	resp, err := http.Get(bare.URL + "/v1/conversations/web:s1/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ws without socket = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(full.URL + "/v1/conversations/web:s1/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot || socket.conv != "web:s1" {
		t.Errorf("ws = %d conv %q", resp.StatusCode, socket.conv)
	}

	resp, err = http.Post(full.URL+"/v1/email/inbound", "message/rfc822", bytes.NewReader([]byte("From: a@b\r\n\r\nhi")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("email inbound = %d", resp.StatusCode)
	}

	resp, err = http.Get(full.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), "# metrics") {
		t.Errorf("metrics body = %q", data)
	}
}

func TestMiddleware_RecoverAndLog(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := loggingMiddleware(logger, recoverMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get(RequestIDHeader) != "req-123" {
		t.Errorf("request id = %q", rec.Header().Get(RequestIDHeader))
	}
	logs := logBuf.String()
	for _, want := range []string{"http handler panic", "kaboom", "http request failed", "req-123"} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %q:\n%s", want, logs)
		}
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", HTTPPort: 0}, &fakeSink{}, nil,
		WithServerLogger(observability.DiscardLogger()))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if s.Addr() != "" {
		t.Error("Addr() should be empty after shutdown")
	}
}

func TestServer_Auth(t *testing.T) {
	sink := &fakeSink{}
	resolver := &fakeResolver{won: true}
	svc := auth.NewService(auth.Config{APIKeys: []auth.APIKeyConfig{{Key: "k-ops", Name: "ops"}}})
	srv := newTestServer(t, sink, nil, WithAuth(svc), WithConfirmations(resolver))

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz with auth = %d, want 200", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/api:c1/events", `{"content":"hi"}`)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("unauthenticated post = %d %v", resp.StatusCode, body)
	}
	if len(sink.events) != 0 {
		t.Fatal("unauthenticated event reached the sink")
	}

	send := func(url, payload string) int {
		req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(payload))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-API-Key", "k-ops")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := send(srv.URL+"/v1/conversations/api:c1/events", `{"content":"hi"}`); code != http.StatusAccepted {
		t.Fatalf("authenticated post = %d", code)
	}
	if sink.events[0].Sender != "ops" {
		t.Errorf("Sender = %q, want the caller name", sink.events[0].Sender)
	}

	if code := send(srv.URL+"/v1/confirmations/c-1", `{"approved":true}`); code != http.StatusOK {
		t.Fatalf("confirmation = %d", code)
	}
	if resolver.calls[0] != "|c-1|true|ops" {
		t.Errorf("resolve call = %q", resolver.calls[0])
	}
}
