// ABOUTME: HTTP server wiring the ingest, query, conversation and webhook surfaces
// ABOUTME: Thin JSON binding; all behavior lives in the services it fronts

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halcyon-im/halcyon/internal/broker"
	"github.com/halcyon-im/halcyon/internal/config"
	"github.com/halcyon-im/halcyon/internal/history"
	"github.com/halcyon-im/halcyon/internal/ingest"
	"github.com/halcyon-im/halcyon/internal/store"
)

// Storage is the slice of the store the HTTP surface reads and mutates
// directly, bypassing the ingest pipeline.
type Storage interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListBySender(ctx context.Context, senderID string, limit, offset int) ([]*store.Message, error)
	ListByRecipient(ctx context.Context, recipientID string, limit, offset int) ([]*store.Message, error)
	ListByGroup(ctx context.Context, groupID string, limit, offset int) ([]*store.Message, error)

	ListConversations(ctx context.Context, owner string, limit int) ([]*store.Conversation, error)
	ResetUnread(ctx context.Context, owner, peer string, kind store.ConversationKind) error
	SetPinned(ctx context.Context, owner, peer string, kind store.ConversationKind, pinned bool) error
	SetMuted(ctx context.Context, owner, peer string, kind store.ConversationKind, muted bool) error
	SetDraft(ctx context.Context, owner, peer string, kind store.ConversationKind, draft string) error
}

// UserProvisioner is the broker surface used to provision users on demand.
type UserProvisioner interface {
	CreateOrUpdateUser(ctx context.Context, req broker.UpsertUserRequest) error
	GetUserToken(ctx context.Context, req broker.TokenRequest) (string, error)
}

// Server is the halcyond HTTP front.
type Server struct {
	orch     *ingest.Orchestrator
	history  *history.Service
	db       Storage
	users    UserProvisioner
	webhook  http.Handler
	cfg      *config.Config
	registry *prometheus.Registry
	logger   *slog.Logger
	httpSrv  *http.Server
}

// New assembles the server. webhook and registry may be nil when the
// corresponding surface is disabled.
func New(orch *ingest.Orchestrator, hs *history.Service, db Storage,
	users UserProvisioner, webhook http.Handler, registry *prometheus.Registry,
	cfg *config.Config, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:     orch,
		history:  hs,
		db:       db,
		users:    users,
		webhook:  webhook,
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "server"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/messages", s.handleGetMessages)
	mux.HandleFunc("/api/messages/send", s.handleSend)
	mux.HandleFunc("/api/messages/send-batch", s.handleSendBatch)
	mux.HandleFunc("/api/messages/recall", s.handleRecall)
	mux.HandleFunc("/api/messages/forward", s.handleForward)
	mux.HandleFunc("/api/messages/retry", s.handleRetry)
	mux.HandleFunc("/api/messages/read", s.handleMarkRead)

	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/stats", s.handleStats)

	mux.HandleFunc("/api/conversations", s.handleListConversations)
	mux.HandleFunc("/api/conversations/read", s.handleConversationRead)
	mux.HandleFunc("/api/conversations/pin", s.handleConversationPin)
	mux.HandleFunc("/api/conversations/mute", s.handleConversationMute)
	mux.HandleFunc("/api/conversations/draft", s.handleConversationDraft)

	mux.HandleFunc("/api/users/provision", s.handleProvisionUser)

	mux.HandleFunc("/healthz", s.handleHealthz)

	if s.webhook != nil && s.cfg.Webhook.Enabled {
		mux.Handle(s.cfg.Webhook.Path, s.webhook)
	}
	if s.registry != nil && s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
