package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/haasonsaas/parley/internal/artifacts"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

type sentMail struct {
	from       string
	recipients []string
	raw        []byte
}

type recorder struct {
	mu     sync.Mutex
	mails  []sentMail
	err    error
	events []*models.InboundEvent
}

func (r *recorder) send(_ context.Context, _ config.SMTPConfig, from string, recipients []string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.mails = append(r.mails, sentMail{from: from, recipients: recipients, raw: msg})
	return nil
}

func (r *recorder) Submit(_ context.Context, e *models.InboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func newTestAdapter(t *testing.T, store artifacts.Store) (*Adapter, *recorder) {
	t.Helper()
	rec := &recorder{}
	a, err := NewAdapter(Config{
		From:      "Parley <bot@example.com>",
		Artifacts: store,
		Logger:    observability.DiscardLogger(),
		Send:      rec.send,
		Now:       func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if err := a.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return a, rec
}

func newStore(t *testing.T) artifacts.Store {
	t.Helper()
	store, err := artifacts.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	return store
}

type parsedMail struct {
	header mail.Header
	text   string
	html   string
	files  map[string]string
}

func parseMail(t *testing.T, raw []byte) parsedMail {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader() error = %v", err)
	}
	out := parsedMail{header: mr.Header, files: make(map[string]string)}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		body, _ := io.ReadAll(part.Body)
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct == "text/plain" {
				out.text = string(body)
			} else if ct == "text/html" {
				out.html = string(body)
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			out.files[name] = string(body)
		}
	}
	return out
}

func rawMessage(headers map[string]string, body string) string {
	var b strings.Builder
	for k, v := range headers {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "missing from", cfg: Config{SMTP: config.SMTPConfig{Host: "smtp.example.com"}}, wantErr: true},
		{name: "missing host", cfg: Config{From: "bot@example.com"}, wantErr: true},
		{name: "host", cfg: Config{From: "bot@example.com", SMTP: config.SMTPConfig{Host: "smtp.example.com"}}},
		{name: "send override", cfg: Config{From: "bot@example.com", Send: SendMail}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAdapter_SendComposesMultipart(t *testing.T) {
	a, rec := newTestAdapter(t, nil)

	id, err := a.Send(context.Background(), channels.OutboundMessage{
		ConversationID: "email:alice@example.com",
		Content:        "Here is **the plan**.",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(rec.mails) != 1 {
		t.Fatalf("sent %d mails, want 1", len(rec.mails))
	}
	sent := rec.mails[0]
	if len(sent.recipients) != 1 || sent.recipients[0] != "alice@example.com" {
		t.Errorf("recipients = %v", sent.recipients)
	}

	m := parseMail(t, sent.raw)
	if got, _ := m.header.MessageID(); got != id {
		t.Errorf("Message-ID = %q, returned id %q", got, id)
	}
	if subject, _ := m.header.Subject(); subject != defaultSubject {
		t.Errorf("Subject = %q", subject)
	}
	if strings.TrimSpace(m.text) != "Here is the plan." {
		t.Errorf("text part = %q", m.text)
	}
	if !strings.Contains(m.html, "<strong>the plan</strong>") {
		t.Errorf("html part = %q", m.html)
	}
}

func TestAdapter_ReceiveAndReplyInThread(t *testing.T) {
	a, rec := newTestAdapter(t, nil)
	raw := rawMessage(map[string]string{
		"From":         "Alice <Alice@Example.com>",
		"To":           "bot@example.com",
		"Subject":      "Weekend plans",
		"Message-ID":   "<m1@example.com>",
		"In-Reply-To":  "<m0@example.com>",
		"References":   "<m0@example.com>",
		"Content-Type": "text/plain; charset=utf-8",
	}, "Can you book the cabin?\n\nOn Fri, Bob wrote:\n> earlier text\n")

	if err := a.Receive(context.Background(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("got %d events, want 1", len(rec.events))
	}
	e := rec.events[0]
	if e.ConversationID != "email:alice@example.com" {
		t.Errorf("ConversationID = %q", e.ConversationID)
	}
	if e.Content != "Can you book the cabin?" {
		t.Errorf("Content = %q", e.Content)
	}
	if e.Sender != "Alice" || e.ChannelMessageID != "m1@example.com" || e.ReplyTo != "m0@example.com" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}

	if _, err := a.Send(context.Background(), channels.OutboundMessage{
		ConversationID: e.ConversationID,
		Content:        "Booked.",
		ReplyTo:        e.ChannelMessageID,
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	m := parseMail(t, rec.mails[0].raw)
	if subject, _ := m.header.Subject(); subject != "Re: Weekend plans" {
		t.Errorf("Subject = %q", subject)
	}
	if ids, _ := m.header.MsgIDList("In-Reply-To"); len(ids) != 1 || ids[0] != "m1@example.com" {
		t.Errorf("In-Reply-To = %v", ids)
	}
	if refs, _ := m.header.MsgIDList("References"); len(refs) != 2 || refs[1] != "m1@example.com" {
		t.Errorf("References = %v", refs)
	}
}

func TestAdapter_ReceiveConfirmation(t *testing.T) {
	a, rec := newTestAdapter(t, nil)
	raw := rawMessage(map[string]string{
		"From":         "bob@example.com",
		"Subject":      "Re: confirm",
		"Content-Type": "text/plain",
	}, channels.ConfirmActionData("req-7", false)+"\n")

	if err := a.Receive(context.Background(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	c := rec.events[0].Confirmation
	if c == nil || c.RequestID != "req-7" || c.Approved || c.By != "bob@example.com" {
		t.Errorf("confirmation = %+v", c)
	}
}

func TestAdapter_ReceiveStoresAttachments(t *testing.T) {
	store := newStore(t)
	a, rec := newTestAdapter(t, store)
	raw := strings.ReplaceAll(`From: carol@example.com
Subject: receipt
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=XYZ

--XYZ
Content-Type: text/plain; charset=utf-8

Receipt attached.
--XYZ
Content-Type: text/csv
Content-Disposition: attachment; filename="receipt.csv"

item,price
--XYZ--
`, "\n", "\r\n")

	if err := a.Receive(context.Background(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	e := rec.events[0]
	if e.Content != "Receipt attached." {
		t.Errorf("Content = %q", e.Content)
	}
	if len(e.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(e.Attachments))
	}
	att := e.Attachments[0]
	if att.Filename != "receipt.csv" || att.MimeType != "text/csv" || att.Type != "document" || att.Size == 0 {
		t.Errorf("attachment = %+v", att)
	}
	id, ok := artifacts.ParseRef(att.URL)
	if !ok {
		t.Fatalf("URL %q is not an artifact reference", att.URL)
	}
	rc, _, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !strings.HasPrefix(string(data), "item,price") {
		t.Errorf("stored data = %q", data)
	}
}

func TestAdapter_SendActionsAndFiles(t *testing.T) {
	store := newStore(t)
	ref, err := store.Put(context.Background(), "report-1", strings.NewReader("quarterly"), artifacts.PutOptions{
		MimeType: "text/plain",
		Filename: "report.txt",
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	a, rec := newTestAdapter(t, store)

	_, err = a.Send(context.Background(), channels.OutboundMessage{
		ConversationID: "email:dan@example.com",
		Content:        "Delete the report?",
		Actions:        channels.ConfirmActions("req-1"),
		Attachments: []models.Attachment{
			{ID: "report-1", URL: ref},
			{ID: "ext", Filename: "site", URL: "https://example.com/x"},
		},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	m := parseMail(t, rec.mails[0].raw)
	if m.files["report.txt"] != "quarterly" {
		t.Errorf("files = %v", m.files)
	}
	for _, want := range []string{"[Attachment site: https://example.com/x]", "yes  (Approve)", "no  (Deny)"} {
		if !strings.Contains(m.text, want) {
			t.Errorf("text part missing %q:\n%s", want, m.text)
		}
	}
}

func TestAdapter_EditSendsFollowUp(t *testing.T) {
	a, rec := newTestAdapter(t, nil)
	id, err := a.Send(context.Background(), channels.OutboundMessage{ConversationID: "email:erin@example.com", Content: "Run it?"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Edit(context.Background(), "email:erin@example.com", id, "Approved."); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if len(rec.mails) != 2 {
		t.Fatalf("sent %d mails, want 2", len(rec.mails))
	}
	m := parseMail(t, rec.mails[1].raw)
	if ids, _ := m.header.MsgIDList("In-Reply-To"); len(ids) != 1 || ids[0] != id {
		t.Errorf("In-Reply-To = %v, want %s", ids, id)
	}
}

func TestAdapter_SendErrors(t *testing.T) {
	a, rec := newTestAdapter(t, nil)
	if _, err := a.Send(context.Background(), channels.OutboundMessage{ConversationID: "web:s1", Content: "x"}); err == nil {
		t.Error("expected error for a non-email conversation")
	}
	rec.err = errors.New("connection refused")
	if _, err := a.Send(context.Background(), channels.OutboundMessage{ConversationID: "email:f@example.com", Content: "x"}); err == nil {
		t.Error("expected smtp error")
	}
}

func TestAdapter_ServeHTTP(t *testing.T) {
	valid := rawMessage(map[string]string{"From": "gina@example.com", "Content-Type": "text/plain"}, "hello")
	tests := []struct {
		name    string
		method  string
		body    string
		started bool
		want    int
	}{
		{name: "accepted", method: http.MethodPost, body: valid, started: true, want: http.StatusAccepted},
		{name: "no sender", method: http.MethodPost, body: "Subject: x\r\n\r\nhi", started: true, want: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, started: true, want: http.StatusMethodNotAllowed},
		{name: "stopped", method: http.MethodPost, body: valid, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, nil)
			if !tt.started {
				_ = a.Stop(context.Background())
			}
			rr := httptest.NewRecorder()
			a.ServeHTTP(rr, httptest.NewRequest(tt.method, "/v1/email/inbound", strings.NewReader(tt.body)))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestStripQuoted(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "plain"},
		{in: "reply\n> quoted\n>> more", want: "reply"},
		{in: "reply\n\nOn Mon, 1 Mar 2026, Bot wrote:\nold text", want: "reply"},
	}
	for _, tt := range tests {
		if got := stripQuoted(tt.in); got != tt.want {
			t.Errorf("stripQuoted(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTMLToText(t *testing.T) {
	got := htmlToText("<p>Hello &amp; welcome</p><p>Line<br>two</p>")
	if got != "Hello & welcome\n\nLine\ntwo" {
		t.Errorf("htmlToText() = %q", got)
	}
}
