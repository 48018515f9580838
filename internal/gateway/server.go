package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

// EventSink is the inbound side of the pipeline. *Processor implements it.
type EventSink interface {
	Submit(ctx context.Context, event *models.InboundEvent) error
	DeliverWakeEvent(ctx context.Context, conversationID models.ConversationID, content string) error
}

// ConfirmationResolver answers confirmations by id. *confirm.Gate implements it.
type ConfirmationResolver interface {
	Resolve(ctx context.Context, conversationID models.ConversationID, requestID string, approved bool, by string) (bool, error)
}

// Reader is the read-only storage surface behind the query endpoints.
type Reader interface {
	History(ctx context.Context, conversationID models.ConversationID, opts storage.HistoryOptions) ([]*models.Message, error)
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	TurnMessages(ctx context.Context, turnID string) ([]*models.Message, error)
}

// ConversationSocket upgrades a request into a live conversation
// connection. The web channel adapter implements it.
type ConversationSocket interface {
	ServeConversation(w http.ResponseWriter, r *http.Request, conversationID models.ConversationID)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfirmations enables POST /v1/confirmations/{id}.
func WithConfirmations(r ConfirmationResolver) ServerOption {
	return func(s *Server) { s.confirmations = r }
}

// WithWebSocket enables GET /v1/conversations/{id}/ws.
func WithWebSocket(ws ConversationSocket) ServerOption {
	return func(s *Server) { s.socket = ws }
}

// WithEmailWebhook enables POST /v1/email/inbound.
func WithEmailWebhook(h http.Handler) ServerOption {
	return func(s *Server) { s.email = h }
}

// WithAuth requires credentials on every /v1/ route.
func WithAuth(a *auth.Service) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

// Server is the HTTP surface of the processor.
type Server struct {
	cfg            config.ServerConfig
	sink           EventSink
	reader         Reader
	confirmations  ConfirmationResolver
	socket         ConversationSocket
	email          http.Handler
	metricsHandler http.Handler
	auth           *auth.Service
	logger         *slog.Logger

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer creates the HTTP server. reader may be nil to disable the
// query endpoints.
func NewServer(cfg config.ServerConfig, sink EventSink, reader Reader, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		sink:   sink,
		reader: reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
