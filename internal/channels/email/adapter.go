// Package email connects mailboxes over SMTP. Outbound replies are sent as
// multipart text and HTML mail; inbound mail arrives as raw RFC 5322
// messages posted by a mail relay webhook.
//
// Conversations are keyed "email:<address>".
package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/artifacts"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	// MaxMessageLength keeps a long reply in a single mail.
	MaxMessageLength = 100_000

	// maxInboundBytes caps a posted raw message.
	maxInboundBytes = 25 << 20

	defaultSubject = "Message from parley"
	maxReferences  = 10
)

// Config holds configuration for the email adapter.
type Config struct {
	From string
	SMTP config.SMTPConfig

	// Artifacts stores inbound attachments and serves outbound ones. Without
	// it, inbound attachments are dropped and outbound ones become links.
	Artifacts artifacts.Store
	Logger    *slog.Logger

	// Send replaces SMTP delivery, mainly for tests.
	Send SendFunc
	Now  func() time.Time
}

// Validate checks that the adapter can be constructed.
func (c *Config) Validate() error {
	if c.From == "" {
		return errors.New("email: from address is required")
	}
	if c.SMTP.Host == "" && c.Send == nil {
		return errors.New("email: smtp host is required")
	}
	return nil
}

// thread remembers the headers needed to keep replies in one mail thread.
type thread struct {
	subject    string
	lastID     string
	references []string
}

// Adapter implements channels.Adapter for email.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	send   SendFunc
	now    func() time.Time

	mu      sync.RWMutex
	sink    channels.Sink
	threads map[models.ConversationID]*thread
}

var (
	_ channels.Adapter        = (*Adapter)(nil)
	_ channels.MessageLimiter = (*Adapter)(nil)
	_ http.Handler            = (*Adapter)(nil)
)

// NewAdapter creates an email adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		logger:  logger.With("adapter", "email"),
		send:    cfg.Send,
		now:     cfg.Now,
		threads: make(map[models.ConversationID]*thread),
	}
	if a.send == nil {
		a.send = SendMail
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelEmail }

func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// Start accepts inbound mail from then on.
func (a *Adapter) Start(_ context.Context, sink channels.Sink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
	a.logger.Info("email adapter started", "from", a.cfg.From, "smtp_host", a.cfg.SMTP.Host)
	return nil
}

// Stop rejects further inbound mail.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	a.sink = nil
	a.mu.Unlock()
	return nil
}

// ServeHTTP accepts a raw RFC 5322 message in the request body.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := a.Receive(r.Context(), http.MaxBytesReader(w, r.Body, maxInboundBytes))
	switch {
	case errors.Is(err, channels.ErrNotStarted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, errNoSender):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		a.logger.Warn("inbound mail rejected", "error", err)
		http.Error(w, "invalid message", http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// Receive parses a raw message and submits it to the sink. Messages with no
// text and no attachments are dropped.
func (a *Adapter) Receive(ctx context.Context, r io.Reader) error {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return channels.ErrNotStarted
	}

	in, err := a.parse(ctx, r)
	if err != nil {
		return err
	}
	a.remember(in)

	event := in.event()
	if event.IsEmpty() {
		a.logger.Debug("dropping empty mail", "message_id", in.messageID)
		return nil
	}
	event.ReceivedAt = a.now()
	if err := sink.Submit(ctx, event); err != nil {
		return fmt.Errorf("failed to submit mail %s: %w", in.messageID, err)
	}
	return nil
}

func (a *Adapter) remember(in *inbound) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.threads[in.conversationID]
	if t == nil {
		t = &thread{}
		a.threads[in.conversationID] = t
	}
	if in.subject != "" {
		t.subject = in.subject
	}
	if len(in.references) > 0 {
		t.references = append([]string(nil), in.references...)
	}
	if in.messageID != "" {
		t.lastID = in.messageID
		t.references = appendReference(t.references, in.messageID)
	}
}

// Send mails msg to the conversation's address. The returned id is the
// Message-ID of the sent mail.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) (string, error) {
	body := msg.Content
	var files []filePart
	var links []models.Attachment
	for _, att := range msg.Attachments {
		f, ok, err := a.openAttachment(ctx, att)
		if err != nil {
			return "", err
		}
		if !ok {
			links = append(links, att)
			continue
		}
		defer f.close()
		files = append(files, f.part)
	}
	if lines := channels.AttachmentLines(links); lines != "" {
		body = strings.TrimSpace(body + "\n\n" + lines)
	}
	if hint := replyHint(msg.Actions); hint != "" {
		body = strings.TrimSpace(body + "\n\n" + hint)
	}
	return a.deliver(ctx, msg.ConversationID, msg.ReplyTo, body, files)
}

// Edit sends the new text as a follow-up in the same thread; sent mail
// cannot be changed.
func (a *Adapter) Edit(ctx context.Context, conversationID models.ConversationID, channelMessageID, text string) error {
	_, err := a.deliver(ctx, conversationID, channelMessageID, text, nil)
	return err
}

func (a *Adapter) deliver(ctx context.Context, conversationID models.ConversationID, replyTo, body string, files []filePart) (string, error) {
	if conversationID.Channel() != models.ChannelEmail {
		return "", fmt.Errorf("email: conversation %q is not an email conversation", conversationID)
	}
	to := conversationID.Target()
	if to == "" {
		return "", fmt.Errorf("email: conversation %q has no address", conversationID)
	}

	a.mu.RLock()
	t := a.threads[conversationID]
	opts := composeOptions{From: a.cfg.From, To: to, Body: body, Files: files, Subject: defaultSubject}
	if t != nil {
		opts.Subject = replySubject(t.subject)
		opts.InReplyTo = t.lastID
		opts.References = append([]string(nil), t.references...)
	}
	a.mu.RUnlock()
	if strings.Contains(replyTo, "@") {
		opts.InReplyTo = strings.Trim(replyTo, "<>")
	}

	raw, messageID, err := composeMessage(a.now(), opts)
	if err != nil {
		return "", err
	}
	if err := a.send(ctx, a.cfg.SMTP, a.cfg.From, []string{to}, raw); err != nil {
		return "", fmt.Errorf("failed to send mail to %s: %w", to, err)
	}

	a.mu.Lock()
	if t := a.threads[conversationID]; t != nil {
		t.lastID = messageID
		t.references = appendReference(t.references, messageID)
	} else {
		a.threads[conversationID] = &thread{
			subject:    opts.Subject,
			lastID:     messageID,
			references: []string{messageID},
		}
	}
	a.mu.Unlock()

	a.logger.Debug("mail sent", "conversation_id", conversationID, "message_id", messageID)
	return messageID, nil
}

type openFile struct {
	part  filePart
	close func()
}

// openAttachment fetches an artifact:// attachment for inclusion in a mail.
// ok is false for attachments that are sent as links instead.
func (a *Adapter) openAttachment(ctx context.Context, att models.Attachment) (openFile, bool, error) {
	id, isRef := artifacts.ParseRef(att.URL)
	if !isRef || a.cfg.Artifacts == nil {
		return openFile{}, false, nil
	}
	rc, info, err := a.cfg.Artifacts.Get(ctx, id)
	if err != nil {
		return openFile{}, false, fmt.Errorf("failed to open attachment %s: %w", att.URL, err)
	}
	name := att.Filename
	mimeType := att.MimeType
	if info != nil {
		if name == "" {
			name = info.Filename
		}
		if mimeType == "" {
			mimeType = info.MimeType
		}
	}
	if name == "" {
		name = id
	}
	return openFile{
		part:  filePart{Filename: name, MimeType: mimeType, Data: rc},
		close: func() { rc.Close() },
	}, true, nil
}

// replyHint tells the reader how to answer action prompts by mail.
func replyHint(actions []channels.Action) string {
	if len(actions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reply with one of:")
	for _, act := range actions {
		word := act.Data
		if _, approved, ok := channels.ParseConfirmAction(act.Data); ok {
			word = "no"
			if approved {
				word = "yes"
			}
		}
		fmt.Fprintf(&b, "\n  %s  (%s)", word, act.Label)
	}
	return b.String()
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return defaultSubject
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func appendReference(refs []string, id string) []string {
	refs = append(refs, id)
	if len(refs) > maxReferences {
		refs = refs[len(refs)-maxReferences:]
	}
	return refs
}
