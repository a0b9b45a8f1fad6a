// Package api exposes the HTTP surface of dmflow: the platform webhook
// that feeds the conversation engine, and the admin endpoints for the
// action approval queue, policy memory, follow-ups, and conversation
// inspection.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopdm/dmflow/internal/actions"
	"github.com/shopdm/dmflow/internal/flow"
	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/policy"
	"github.com/shopdm/dmflow/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// signatureHeader carries the HMAC-SHA256 digest of the webhook body.
const signatureHeader = "X-Hub-Signature-256"

// Opts holds configuration for the API server.
type Opts struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
	// WebhookSecret verifies inbound webhook signatures. Empty disables
	// verification.
	WebhookSecret string
	// AdminToken guards the admin endpoints when set.
	AdminToken string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhookSecret sets the webhook signature secret.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.WebhookSecret = secret }
}

// WithAdminToken sets the bearer token required on admin endpoints.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// Server wires HTTP handlers to the conversation engine.
type Server struct {
	opts     Opts
	orch     *flow.Orchestrator
	store    store.Store
	queue    *actions.Queue
	policies *policy.Service
	cfg      models.BotConfig
	server   *http.Server
}

// NewServer creates an API server around the given components.
func NewServer(orch *flow.Orchestrator, st store.Store, queue *actions.Queue,
	policies *policy.Service, cfg models.BotConfig, options ...Option) *Server {
	opts := Opts{Addr: DefaultAddr}
	for _, opt := range options {
		opt(&opts)
	}
	return &Server{
		opts:     opts,
		orch:     orch,
		store:    st,
		queue:    queue,
		policies: policies,
		cfg:      cfg,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/simulate", s.adminOnly(s.simulateHandler))
	mux.HandleFunc("/actions", s.adminOnly(s.actionsHandler))
	mux.HandleFunc("/actions/", s.adminOnly(s.actionsHandler))
	mux.HandleFunc("/policies", s.adminOnly(s.policiesHandler))
	mux.HandleFunc("/followups", s.adminOnly(s.followupsHandler))
	mux.HandleFunc("/conversations/", s.adminOnly(s.conversationsHandler))
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Run: API server starting", "addr", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	slog.Info("Server.Shutdown: API server stopping")
	return s.server.Shutdown(ctx)
}

// adminOnly enforces the bearer token on admin endpoints when configured.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.opts.AdminToken {
				slog.Warn("Server.adminOnly: unauthorized admin request", "path", r.URL.Path)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
				return
			}
		}
		next(w, r)
	}
}
