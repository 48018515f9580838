// Package web serves the browser chat channel over WebSockets.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingPeriod      = 30 * time.Second
	writeWait       = 10 * time.Second
	sendBuffer      = 64
)

// Frame types exchanged with the browser.
const (
	FrameMessage = "message"
	FrameEdit    = "edit"
	FrameConfirm = "confirm"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Frame is the JSON envelope for every WebSocket message.
type Frame struct {
	Type        string              `json:"type"`
	ID          string              `json:"id,omitempty"`
	Content     string              `json:"content,omitempty"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	ForwardOf   string              `json:"forward_of,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Actions     []FrameAction       `json:"actions,omitempty"`
	RequestID   string              `json:"request_id,omitempty"`
	Approved    bool                `json:"approved,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// FrameAction is a button the browser renders under a message.
type FrameAction struct {
	Label string `json:"label"`
	Data  string `json:"data"`
	Style string `json:"style,omitempty"`
}

// Config configures the web adapter.
type Config struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Adapter fans outbound messages out to every socket attached to a
// conversation and submits inbound frames to the sink.
type Adapter struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sink     channels.Sink
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[models.ConversationID]map[*session]struct{}
	wg       sync.WaitGroup
}

var _ channels.Adapter = (*Adapter)(nil)

// NewAdapter creates a web adapter.
func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		logger:   logger.With("adapter", "web"),
		sessions: make(map[models.ConversationID]map[*session]struct{}),
	}
	origins := cfg.AllowedOrigins
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return slices.Contains(origins, r.Header.Get("Origin"))
		},
	}
	return a
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelWeb }

// Start records the sink. Connections arrive through ServeConversation.
func (a *Adapter) Start(ctx context.Context, sink channels.Sink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// Stop closes every socket and waits for their loops to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	for _, set := range a.sessions {
		for s := range set {
			s.conn.Close()
		}
	}
	a.mu.Unlock()

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

// ServeConversation upgrades the request and attaches the socket to a
// web conversation.
func (a *Adapter) ServeConversation(w http.ResponseWriter, r *http.Request, conversationID models.ConversationID) {
	if conversationID.Channel() != models.ChannelWeb {
		http.Error(w, "not a web conversation", http.StatusBadRequest)
		return
	}
	a.mu.RLock()
	sink, base := a.sink, a.ctx
	a.mu.RUnlock()
	if sink == nil {
		http.Error(w, "web channel not started", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(base)
	s := &session{
		adapter:        a,
		conn:           conn,
		conversationID: conversationID,
		sender:         r.URL.Query().Get("user"),
		send:           make(chan []byte, sendBuffer),
		ctx:            ctx,
		cancel:         cancel,
	}
	a.attach(s)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.detach(s)
		s.run(sink)
	}()
}

func (a *Adapter) attach(s *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.sessions[s.conversationID]
	if !ok {
		set = make(map[*session]struct{})
		a.sessions[s.conversationID] = set
	}
	set[s] = struct{}{}
}

func (a *Adapter) detach(s *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.sessions[s.conversationID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(a.sessions, s.conversationID)
		}
	}
}

// Connections returns how many sockets are attached to a conversation.
func (a *Adapter) Connections(conversationID models.ConversationID) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions[conversationID])
}

// Send broadcasts a message frame. Messages sent while no browser is
// connected are still assigned an id; clients catch up from history.
func (a *Adapter) Send(_ context.Context, msg channels.OutboundMessage) (string, error) {
	frame := Frame{
		Type:        FrameMessage,
		ID:          uuid.NewString(),
		Content:     msg.Content,
		ReplyTo:     msg.ReplyTo,
		Attachments: msg.Attachments,
	}
	for _, action := range msg.Actions {
		frame.Actions = append(frame.Actions, FrameAction{Label: action.Label, Data: action.Data, Style: string(action.Style)})
	}
	if err := a.broadcast(msg.ConversationID, frame); err != nil {
		return "", err
	}
	return frame.ID, nil
}

// Edit broadcasts an edit frame.
func (a *Adapter) Edit(_ context.Context, conversationID models.ConversationID, channelMessageID, text string) error {
	return a.broadcast(conversationID, Frame{Type: FrameEdit, ID: channelMessageID, Content: text})
}

func (a *Adapter) broadcast(conversationID models.ConversationID, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sink == nil {
		return channels.ErrNotStarted
	}
	var errs []error
	for s := range a.sessions[conversationID] {
		if err := s.enqueue(data); err != nil {
			errs = append(errs, err)
		}
	}
	if n := len(a.sessions[conversationID]); n > 0 && len(errs) == n {
		return errors.Join(errs...)
	}
	return nil
}

type session struct {
	adapter        *Adapter
	conn           *websocket.Conn
	conversationID models.ConversationID
	sender         string
	send           chan []byte
	ctx            context.Context
	cancel         context.CancelFunc
	closeOnce      sync.Once
}

func (s *session) run(sink channels.Sink) {
	defer s.close()
	go s.writeLoop()
	s.readLoop(sink)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

func (s *session) readLoop(sink channels.Sink) {
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}
		event, err := s.toEvent(frame)
		if err != nil {
			s.reply(Frame{Type: FrameError, ID: frame.ID, Error: err.Error()})
			continue
		}
		if err := sink.Submit(s.ctx, event); err != nil {
			s.adapter.logger.Warn("failed to submit web event",
				"conversation_id", s.conversationID,
				"error", err)
			s.reply(Frame{Type: FrameError, ID: frame.ID, Error: err.Error()})
			continue
		}
		s.reply(Frame{Type: FrameAck, ID: frame.ID})
	}
}

func (s *session) toEvent(frame Frame) (*models.InboundEvent, error) {
	switch frame.Type {
	case FrameMessage, "":
		return &models.InboundEvent{
			ConversationID:   s.conversationID,
			Content:          frame.Content,
			ReplyTo:          frame.ReplyTo,
			ForwardOf:        frame.ForwardOf,
			Attachments:      frame.Attachments,
			ChannelMessageID: frame.ID,
			Sender:           s.sender,
			Origin:           models.OriginUser,
		}, nil
	case FrameConfirm:
		requestID, approved := frame.RequestID, frame.Approved
		if id, yes, parsed := channels.ParseConfirmAction(frame.Content); parsed {
			requestID, approved = id, yes
		}
		if requestID == "" {
			return nil, errors.New("confirm frame needs request_id")
		}
		return channels.ConfirmationEvent(s.conversationID, requestID, approved, s.sender), nil
	default:
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
}

func (s *session) reply(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.enqueue(data)
}

func (s *session) enqueue(data []byte) error {
	select {
	case <-s.ctx.Done():
		return errors.New("session closed")
	case s.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
