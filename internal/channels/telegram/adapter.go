// Package telegram connects Telegram chats through the Bot API.
//
// Conversations are keyed "telegram:<chat id>". Confirmation prompts carry an
// inline keyboard whose callback data is decoded back into confirmation
// replies.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/parley/internal/channels"
	parleymodels "github.com/haasonsaas/parley/pkg/models"
)

// MaxMessageLength is Telegram's text limit.
const MaxMessageLength = 4096

// Config holds configuration for the Telegram adapter.
type Config struct {
	Token  string
	Logger *slog.Logger

	// Client replaces the Bot API client, mainly for tests.
	Client BotClient
}

// Validate checks that the adapter can be constructed.
func (c *Config) Validate() error {
	if c.Token == "" && c.Client == nil {
		return errors.New("telegram: token is required")
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	client BotClient
	sink   channels.Sink
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ channels.Adapter        = (*Adapter)(nil)
	_ channels.MessageLimiter = (*Adapter)(nil)
)

// NewAdapter creates a Telegram adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger.With("adapter", "telegram")}, nil
}

func (a *Adapter) Type() parleymodels.ChannelType { return parleymodels.ChannelTelegram }

func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// TableStyle implements channels.TableStyler.
func (a *Adapter) TableStyle() channels.TableStyle { return channels.TablesAsBullets }

// Start creates the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context, sink channels.Sink) error {
	client := a.cfg.Client
	if client == nil {
		b, err := bot.New(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		client = b
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	a.client = client
	a.sink = sink
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		client.Start(runCtx)
	}()
	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends polling and waits for the poller to exit.
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

func (a *Adapter) state() (BotClient, channels.Sink) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client, a.sink
}

// handleUpdate matches bot.HandlerFunc and receives every update.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	_, sink := a.state()
	if sink == nil || update == nil {
		return
	}
	var event *parleymodels.InboundEvent
	switch {
	case update.CallbackQuery != nil:
		event = a.convertCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		event = a.convertMessage(ctx, update.Message)
	}
	if event == nil {
		return
	}
	if err := sink.Submit(ctx, event); err != nil {
		a.logger.Warn("failed to submit telegram event",
			"conversation_id", event.ConversationID,
			"error", err)
	}
}

func conversationID(chatID int64) parleymodels.ConversationID {
	return parleymodels.NewConversationID(parleymodels.ChannelTelegram, strconv.FormatInt(chatID, 10))
}

func senderName(u *models.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

func (a *Adapter) convertMessage(ctx context.Context, msg *models.Message) *parleymodels.InboundEvent {
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	event := &parleymodels.InboundEvent{
		ConversationID:   conversationID(msg.Chat.ID),
		Content:          content,
		ChannelMessageID: strconv.Itoa(msg.ID),
		Sender:           senderName(msg.From),
		Origin:           parleymodels.OriginUser,
		ReceivedAt:       time.Unix(int64(msg.Date), 0),
	}
	if msg.ReplyToMessage != nil {
		event.ReplyTo = strconv.Itoa(msg.ReplyToMessage.ID)
	}

	if n := len(msg.Photo); n > 0 {
		// Sizes are ordered smallest first.
		photo := msg.Photo[n-1]
		if att, ok := a.attachment(ctx, photo.FileID, "image", "", "image/jpeg", int64(photo.FileSize)); ok {
			event.Attachments = append(event.Attachments, att)
		}
	}
	if doc := msg.Document; doc != nil {
		if att, ok := a.attachment(ctx, doc.FileID, "document", doc.FileName, doc.MimeType, int64(doc.FileSize)); ok {
			event.Attachments = append(event.Attachments, att)
		}
	}
	if event.IsEmpty() {
		return nil
	}
	return event
}

func (a *Adapter) attachment(ctx context.Context, fileID, kind, name, mimeType string, size int64) (parleymodels.Attachment, bool) {
	client, _ := a.state()
	file, err := client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		a.logger.Warn("failed to look up telegram file", "file_id", fileID, "error", err)
		return parleymodels.Attachment{}, false
	}
	if name == "" {
		name = file.FilePath[strings.LastIndex(file.FilePath, "/")+1:]
	}
	return parleymodels.Attachment{
		ID:       fileID,
		Type:     kind,
		URL:      client.FileDownloadLink(file),
		Filename: name,
		MimeType: mimeType,
		Size:     size,
	}, true
}

func (a *Adapter) convertCallback(ctx context.Context, q *models.CallbackQuery) *parleymodels.InboundEvent {
	client, _ := a.state()
	if _, err := client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: q.ID}); err != nil {
		a.logger.Debug("failed to answer callback query", "error", err)
	}
	requestID, approved, ok := channels.ParseConfirmAction(q.Data)
	if !ok {
		return nil
	}
	chatID := q.From.ID
	if q.Message.Message != nil {
		chatID = q.Message.Message.Chat.ID
	}
	return channels.ConfirmationEvent(conversationID(chatID), requestID, approved, senderName(&q.From))
}

func parseChatID(conversationID parleymodels.ConversationID) (int64, error) {
	chatID, err := strconv.ParseInt(conversationID.Target(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id in %q: %w", conversationID, err)
	}
	return chatID, nil
}

// Send posts a text message, with an inline keyboard when actions are set.
// Attachments are listed as links.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) (string, error) {
	client, _ := a.state()
	if client == nil {
		return "", channels.ErrNotStarted
	}
	chatID, err := parseChatID(msg.ConversationID)
	if err != nil {
		return "", err
	}

	text := msg.Content
	if lines := channels.AttachmentLines(msg.Attachments); lines != "" {
		text = strings.TrimSpace(text + "\n\n" + lines)
	}
	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if msg.ReplyTo != "" {
		if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyID, AllowSendingWithoutReply: true}
		}
	}
	if len(msg.Actions) > 0 {
		params.ReplyMarkup = keyboard(msg.Actions)
	}

	sent, err := client.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to send telegram message: %w", err)
	}
	return strconv.Itoa(sent.ID), nil
}

// Edit replaces a message's text, which also drops its inline keyboard.
func (a *Adapter) Edit(ctx context.Context, conversationID parleymodels.ConversationID, channelMessageID, text string) error {
	client, _ := a.state()
	if client == nil {
		return channels.ErrNotStarted
	}
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(channelMessageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", channelMessageID, err)
	}
	if _, err := client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
	}); err != nil {
		return fmt.Errorf("failed to edit telegram message: %w", err)
	}
	return nil
}

func keyboard(actions []channels.Action) *models.InlineKeyboardMarkup {
	row := make([]models.InlineKeyboardButton, 0, len(actions))
	for _, action := range actions {
		row = append(row, models.InlineKeyboardButton{Text: action.Label, CallbackData: action.Data})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{row}}
}
