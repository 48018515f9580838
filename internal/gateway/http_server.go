package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/batcher"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	maxRequestBody      = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handler returns the routed HTTP handler with logging and panic recovery.
// Everything under /v1/ requires credentials when auth is configured.
func (s *Server) Handler() http.Handler {
	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		root.Handle("GET /metrics", s.metricsHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/events", s.handleEvent)
	mux.HandleFunc("POST /v1/conversations/{id}/wake", s.handleWake)
	if s.confirmations != nil {
		mux.HandleFunc("POST /v1/confirmations/{id}", s.handleConfirmation)
	}
	if s.reader != nil {
		mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleMessages)
		mux.HandleFunc("GET /v1/turns/{id}", s.handleTurn)
	}
	if s.socket != nil {
		mux.HandleFunc("GET /v1/conversations/{id}/ws", s.handleSocket)
	}
	if s.email != nil {
		mux.Handle("POST /v1/email/inbound", s.email)
	}
	root.Handle("/v1/", auth.Middleware(s.auth, s.logger, mux))

	return loggingMiddleware(s.logger, recoverMiddleware(s.logger, root))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// eventRequest is the body of POST /v1/conversations/{id}/events.
type eventRequest struct {
	Content     string              `json:"content"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	ForwardOf   string              `json:"forward_of,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Sender      string              `json:"sender,omitempty"`
	// MessageID is the caller's id for the message, usable as a reply target.
	MessageID    string                    `json:"message_id,omitempty"`
	Confirmation *models.ConfirmationReply `json:"confirmation,omitempty"`
	// Flush skips the debounce window.
	Flush bool `json:"flush,omitempty"`
}

type acceptedResponse struct {
	Status         string                `json:"status"`
	ConversationID models.ConversationID `json:"conversation_id"`
}

type flusher interface {
	Flush(conversationID models.ConversationID)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sender := req.Sender
	if sender == "" {
		sender = callerLabel(r)
	}
	event := &models.InboundEvent{
		ConversationID:   conv,
		Content:          req.Content,
		ReplyTo:          req.ReplyTo,
		ForwardOf:        req.ForwardOf,
		Attachments:      req.Attachments,
		ChannelMessageID: req.MessageID,
		Sender:           sender,
		Origin:           models.OriginUser,
		Confirmation:     req.Confirmation,
	}
	if err := s.sink.Submit(r.Context(), event); err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if f, ok := s.sink.(flusher); ok && req.Flush {
		f.Flush(conv)
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", ConversationID: conv})
}

type wakeRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req wakeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sink.DeliverWakeEvent(r.Context(), conv, req.Content); err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", ConversationID: conv})
}

type confirmationRequest struct {
	Approved bool   `json:"approved"`
	By       string `json:"by,omitempty"`
}

type confirmationResponse struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req confirmationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	by := req.By
	if by == "" {
		by = callerLabel(r)
	}
	won, err := s.confirmations.Resolve(r.Context(), "", id, req.Approved, by)
	if err != nil {
		s.logger.Error("failed to resolve confirmation", "confirmation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve confirmation")
		return
	}
	status := http.StatusOK
	if !won {
		// Unknown, already settled, or past its deadline.
		status = http.StatusConflict
	}
	writeJSON(w, status, confirmationResponse{ID: id, Resolved: won})
}

type messagesResponse struct {
	ConversationID models.ConversationID `json:"conversation_id"`
	Messages       []*models.Message     `json:"messages"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	opts := storage.HistoryOptions{Limit: defaultHistoryLimit}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(limit, maxHistoryLimit)
	}
	if raw := q.Get("include_failed"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_failed must be a boolean")
			return
		}
		opts.IncludeFailed = include
	}

	msgs, err := s.reader.History(r.Context(), conv, opts)
	if err != nil {
		s.logger.Error("failed to read history", "conversation_id", conv, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{ConversationID: conv, Messages: msgs})
}

type turnResponse struct {
	Turn     *models.Turn      `json:"turn"`
	Messages []*models.Message `json:"messages"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turn, err := s.reader.GetTurn(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("turn %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error("failed to read turn", "turn_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read turn")
		return
	}
	msgs, err := s.reader.TurnMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to read turn messages", "turn_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read turn")
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, turnResponse{Turn: turn, Messages: msgs})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	s.socket.ServeConversation(w, r, conv)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batcher.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, batcher.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("failed to submit event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit event")
	}
}

// callerLabel names the authenticated caller, or "" when auth is off.
func callerLabel(r *http.Request) string {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.Label()
}

func conversationParam(w http.ResponseWriter, r *http.Request) (models.ConversationID, bool) {
	conv, err := models.ParseConversationID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return conv, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
