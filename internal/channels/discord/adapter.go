// Package discord connects Discord channels through the gateway API.
//
// Conversations are keyed "discord:<channel id>". Confirmation prompts use
// message component buttons; presses arrive as component interactions.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/pkg/models"
)

// MaxMessageLength is Discord's content limit.
const MaxMessageLength = 2000

// Session is the subset of *discordgo.Session the adapter uses.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

var _ Session = (*discordgo.Session)(nil)

// Config holds configuration for the Discord adapter.
type Config struct {
	Token     string
	Logger    *slog.Logger
	Reconnect channels.ReconnectConfig

	// Session replaces the gateway session, mainly for tests.
	Session Session
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Token == "" && c.Session == nil {
		return errors.New("discord: token is required")
	}
	return nil
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	session  Session
	sink     channels.Sink
	removers []func()
}

var (
	_ channels.Adapter        = (*Adapter)(nil)
	_ channels.MessageLimiter = (*Adapter)(nil)
)

// NewAdapter creates a Discord adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger.With("adapter", "discord"), session: cfg.Session}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }

func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// TableStyle implements channels.TableStyler.
func (a *Adapter) TableStyle() channels.TableStyle { return channels.TablesAsCode }

// Start opens the gateway connection, retrying with backoff.
func (a *Adapter) Start(ctx context.Context, sink channels.Sink) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			return fmt.Errorf("failed to create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}
	a.sink = sink
	a.removers = append(a.removers,
		a.session.AddHandler(a.handleMessageCreate),
		a.session.AddHandler(a.handleInteractionCreate),
	)

	reconnect := a.cfg.Reconnect
	if reconnect.MaxAttempts == 0 {
		reconnect.MaxAttempts = 5
	}
	reconnector := &channels.Reconnector{Config: reconnect, Logger: a.logger}
	if err := reconnector.Run(ctx, func(context.Context) error { return a.session.Open() }); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func (a *Adapter) state() (Session, channels.Sink) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session, a.sink
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	_, sink := a.state()
	if sink == nil {
		return
	}
	event := convertMessage(m.Message)
	if event.IsEmpty() {
		return
	}
	if err := sink.Submit(context.Background(), event); err != nil {
		a.logger.Warn("failed to submit discord event",
			"conversation_id", event.ConversationID,
			"error", err)
	}
}

func (a *Adapter) handleInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	session, sink := a.state()
	if sink == nil {
		return
	}
	if err := session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		a.logger.Debug("failed to acknowledge interaction", "error", err)
	}

	requestID, approved, ok := channels.ParseConfirmAction(i.MessageComponentData().CustomID)
	if !ok {
		return
	}
	var by string
	switch {
	case i.Member != nil && i.Member.User != nil:
		by = i.Member.User.Username
	case i.User != nil:
		by = i.User.Username
	}
	conversationID := models.NewConversationID(models.ChannelDiscord, i.ChannelID)
	if err := sink.Submit(context.Background(), channels.ConfirmationEvent(conversationID, requestID, approved, by)); err != nil {
		a.logger.Warn("failed to submit discord confirmation",
			"conversation_id", conversationID,
			"error", err)
	}
}

func convertMessage(m *discordgo.Message) *models.InboundEvent {
	event := &models.InboundEvent{
		ConversationID:   models.NewConversationID(models.ChannelDiscord, m.ChannelID),
		Content:          m.Content,
		ChannelMessageID: m.ID,
		Sender:           m.Author.Username,
		Origin:           models.OriginUser,
		ReceivedAt:       m.Timestamp,
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		event.ReplyTo = ref.MessageID
	}
	for _, att := range m.Attachments {
		event.Attachments = append(event.Attachments, models.Attachment{
			ID:       att.ID,
			Type:     attachmentType(att.ContentType),
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}
	return event
}

func attachmentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "document"
	}
}

// Send posts a message, replying to ReplyTo when set.
func (a *Adapter) Send(_ context.Context, msg channels.OutboundMessage) (string, error) {
	session, _ := a.state()
	if session == nil {
		return "", channels.ErrNotStarted
	}
	channelID := msg.ConversationID.Target()

	content := msg.Content
	if lines := channels.AttachmentLines(msg.Attachments); lines != "" {
		content = strings.TrimSpace(content + "\n\n" + lines)
	}
	send := &discordgo.MessageSend{Content: content, Components: components(msg.Actions)}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
	}

	sent, err := session.ChannelMessageSendComplex(channelID, send)
	if err != nil {
		return "", fmt.Errorf("failed to send discord message: %w", err)
	}
	return sent.ID, nil
}

// Edit replaces a message's content and clears its buttons.
func (a *Adapter) Edit(_ context.Context, conversationID models.ConversationID, channelMessageID, text string) error {
	session, _ := a.state()
	if session == nil {
		return channels.ErrNotStarted
	}
	empty := []discordgo.MessageComponent{}
	_, err := session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         channelMessageID,
		Channel:    conversationID.Target(),
		Content:    &text,
		Components: &empty,
	})
	if err != nil {
		return fmt.Errorf("failed to edit discord message: %w", err)
	}
	return nil
}

func components(actions []channels.Action) []discordgo.MessageComponent {
	if len(actions) == 0 {
		return nil
	}
	buttons := make([]discordgo.MessageComponent, 0, len(actions))
	for _, action := range actions {
		style := discordgo.SecondaryButton
		switch action.Style {
		case channels.StylePrimary:
			style = discordgo.SuccessButton
		case channels.StyleDanger:
			style = discordgo.DangerButton
		}
		buttons = append(buttons, discordgo.Button{Label: action.Label, Style: style, CustomID: action.Data})
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}
