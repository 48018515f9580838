// Package slack connects Slack channels and DMs over Socket Mode.
//
// Conversations are keyed "slack:<channel id>". Thread timestamps map to
// reply references; confirmation prompts use Block Kit buttons.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/pkg/models"
)

// MaxMessageLength keeps messages within a single section block.
const MaxMessageLength = 3000

const actionIDPrefix = "parley_"

// Config holds the configuration for the Slack adapter.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode
	Logger   *slog.Logger

	// Reconnect controls Socket Mode reconnection.
	Reconnect channels.ReconnectConfig

	// API, Socket and Events replace the real clients in tests.
	API    APIClient
	Socket SocketClient
	Events <-chan socketmode.Event
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.API != nil {
		return nil
	}
	if c.BotToken == "" || c.AppToken == "" {
		return errors.New("slack: bot_token and app_token are required")
	}
	return nil
}

// Adapter implements channels.Adapter for Slack.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	api    APIClient
	socket SocketClient
	events <-chan socketmode.Event

	mu        sync.RWMutex
	sink      channels.Sink
	botUserID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var (
	_ channels.Adapter        = (*Adapter)(nil)
	_ channels.MessageLimiter = (*Adapter)(nil)
)

// NewAdapter creates a Slack adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:    cfg,
		logger: logger.With("adapter", "slack"),
		api:    cfg.API,
		socket: cfg.Socket,
		events: cfg.Events,
	}
	if a.api == nil {
		client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
		sm := socketmode.New(client)
		a.api, a.socket, a.events = client, sm, sm.Events
	}
	return a, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelSlack }

func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// TableStyle implements channels.TableStyler.
func (a *Adapter) TableStyle() channels.TableStyle { return channels.TablesAsCode }

// Start authenticates and opens the Socket Mode connection.
func (a *Adapter) Start(ctx context.Context, sink channels.Sink) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate with slack: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	a.sink = sink
	a.botUserID = auth.UserID
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.handleEvents(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		reconnector := &channels.Reconnector{Config: a.cfg.Reconnect, Logger: a.logger}
		if err := reconnector.Run(runCtx, a.socket.RunContext); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()

	a.logger.Info("slack adapter started", "bot_user_id", auth.UserID)
	return nil
}

// Stop closes the connection and waits for the event loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.events:
			if !ok {
				return
			}
			a.handleEvent(ctx, event)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, event socketmode.Event) {
	switch event.Type {
	case socketmode.EventTypeConnectionError:
		a.logger.Warn("socket mode connection error", "data", event.Data)
	case socketmode.EventTypeEventsAPI:
		a.ack(event)
		if apiEvent, ok := event.Data.(slackevents.EventsAPIEvent); ok {
			a.handleEventsAPI(ctx, apiEvent)
		}
	case socketmode.EventTypeInteractive:
		a.ack(event)
		if callback, ok := event.Data.(slack.InteractionCallback); ok {
			a.handleInteraction(ctx, callback)
		}
	case socketmode.EventTypeSlashCommand:
		a.ack(event)
	}
}

func (a *Adapter) ack(event socketmode.Event) {
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.handleMessage(ctx, &slackevents.MessageEvent{
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		}, true)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
			return
		}
		a.handleMessage(ctx, ev, false)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent, mentioned bool) {
	a.mu.RLock()
	sink, botUserID := a.sink, a.botUserID
	a.mu.RUnlock()

	isDM := strings.HasPrefix(ev.Channel, "D")
	// Channel mentions also arrive as app_mention events; take them from there.
	if !isDM && !mentioned && ev.ThreadTimeStamp == "" {
		return
	}
	if !isDM && !mentioned && strings.Contains(ev.Text, "<@"+botUserID+">") {
		return
	}

	event := convertMessage(ev)
	if event.IsEmpty() {
		return
	}
	if err := sink.Submit(ctx, event); err != nil {
		a.logger.Warn("failed to submit slack event",
			"conversation_id", event.ConversationID,
			"error", err)
	}
}

func (a *Adapter) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()

	conversationID := models.NewConversationID(models.ChannelSlack, callback.Channel.ID)
	by := callback.User.Name
	if by == "" {
		by = callback.User.ID
	}
	for _, action := range callback.ActionCallback.BlockActions {
		requestID, approved, ok := channels.ParseConfirmAction(action.Value)
		if !ok {
			continue
		}
		if err := sink.Submit(ctx, channels.ConfirmationEvent(conversationID, requestID, approved, by)); err != nil {
			a.logger.Warn("failed to submit slack confirmation",
				"conversation_id", conversationID,
				"error", err)
		}
	}
}

// convertMessage maps a Slack message event to an inbound event. Thread
// replies reference the thread's parent timestamp.
func convertMessage(ev *slackevents.MessageEvent) *models.InboundEvent {
	event := &models.InboundEvent{
		ConversationID:   models.NewConversationID(models.ChannelSlack, ev.Channel),
		Content:          stripMentions(ev.Text),
		ChannelMessageID: ev.TimeStamp,
		Sender:           ev.User,
		Origin:           models.OriginUser,
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		event.ReplyTo = ev.ThreadTimeStamp
	}
	if ts, err := parseTimestamp(ev.TimeStamp); err == nil {
		event.ReceivedAt = ts
	}
	if ev.Message != nil {
		for _, file := range ev.Message.Files {
			event.Attachments = append(event.Attachments, models.Attachment{
				ID:       file.ID,
				Type:     attachmentType(file.Mimetype),
				URL:      file.URLPrivateDownload,
				Filename: file.Name,
				MimeType: file.Mimetype,
				Size:     int64(file.Size),
			})
		}
	}
	return event
}

func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

func attachmentType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}

// parseTimestamp converts a "seconds.micros" Slack timestamp.
func parseTimestamp(ts string) (time.Time, error) {
	secStr, microStr, ok := strings.Cut(ts, ".")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q", ts)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}
	micros, err := strconv.ParseInt(microStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}
	return time.Unix(sec, micros*int64(time.Microsecond)), nil
}

// Send posts a message. A ReplyTo timestamp posts into that thread.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) (string, error) {
	text := msg.Content
	if lines := channels.AttachmentLines(msg.Attachments); lines != "" {
		text = strings.TrimSpace(text + "\n\n" + lines)
	}
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(msg.Actions) > 0 {
		options = append(options, slack.MsgOptionBlocks(buildBlocks(text, msg.Actions)...))
	}
	if msg.ReplyTo != "" {
		options = append(options, slack.MsgOptionTS(msg.ReplyTo))
	}

	_, ts, err := a.api.PostMessageContext(ctx, msg.ConversationID.Target(), options...)
	if err != nil {
		return "", fmt.Errorf("failed to post slack message: %w", err)
	}
	return ts, nil
}

// Edit replaces a message with plain text, dropping its buttons.
func (a *Adapter) Edit(ctx context.Context, conversationID models.ConversationID, channelMessageID, text string) error {
	_, _, _, err := a.api.UpdateMessageContext(ctx, conversationID.Target(), channelMessageID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(buildBlocks(text, nil)...),
	)
	if err != nil {
		return fmt.Errorf("failed to update slack message: %w", err)
	}
	return nil
}

func buildBlocks(text string, actions []channels.Action) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	if len(actions) == 0 {
		return blocks
	}
	elements := make([]slack.BlockElement, 0, len(actions))
	for i, action := range actions {
		button := slack.NewButtonBlockElement(
			fmt.Sprintf("%s%d", actionIDPrefix, i),
			action.Data,
			slack.NewTextBlockObject(slack.PlainTextType, action.Label, false, false),
		)
		switch action.Style {
		case channels.StylePrimary:
			button = button.WithStyle(slack.StylePrimary)
		case channels.StyleDanger:
			button = button.WithStyle(slack.StyleDanger)
		}
		elements = append(elements, button)
	}
	return append(blocks, slack.NewActionBlock("", elements...))
}
