// Package api provides HTTP handlers and the main API server logic for ZapDesk.
//
// It exposes RESTful endpoints for flow authoring, conversation handling, and
// platform administration, plus the WebSocket endpoint UIs subscribe to. The
// API integrates with the engine, store, events, and auth modules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zapdesk/zapdesk/internal/auth"
	"github.com/zapdesk/zapdesk/internal/engine"
	"github.com/zapdesk/zapdesk/internal/events"
	"github.com/zapdesk/zapdesk/internal/messaging"
	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/util"
)

// Server configuration defaults.
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown on exit.
	DefaultShutdownTimeout = 10 * time.Second
	// BootstrapAdminEmail is the login created on an empty installation.
	BootstrapAdminEmail = "admin@zapdesk.local"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	MediaDir      string
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMediaDir sets the directory served under /media/.
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// WithTwilioWebhook mounts the Twilio inbound webhook when that transport is
// in use.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server is the ZapDesk HTTP API.
type Server struct {
	st     store.Store
	msg    messaging.Service
	eng    *engine.Engine
	authMg *auth.Manager
	hub    *events.Hub
	bus    events.Bus

	addr          string
	mediaDir      string
	twilioWebhook http.HandlerFunc
}

// NewServer creates the API server.
func NewServer(st store.Store, msg messaging.Service, eng *engine.Engine, authMgr *auth.Manager, hub *events.Hub, opts ...Option) *Server {
	cfg := Opts{
		Addr:     DefaultAddr,
		MediaDir: engine.DefaultMediaDir,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:            st,
		msg:           msg,
		eng:           eng,
		authMg:        authMgr,
		hub:           hub,
		bus:           hub,
		addr:          cfg.Addr,
		mediaDir:      cfg.MediaDir,
		twilioWebhook: cfg.TwilioWebhook,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("POST /auth/login", s.loginHandler)
	if s.twilioWebhook != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.twilioWebhook)
	}

	authed := s.authMg.Middleware
	admin := s.authMg.AdminMiddleware

	mux.Handle("GET /auth/me", authed(http.HandlerFunc(s.meHandler)))

	// Flow authoring is admin-only; the engine reads flows directly from the
	// store.
	mux.Handle("GET /flows", admin(http.HandlerFunc(s.listFlowsHandler)))
	mux.Handle("POST /flows", admin(http.HandlerFunc(s.createFlowHandler)))
	mux.Handle("GET /flows/{id}", admin(http.HandlerFunc(s.getFlowHandler)))
	mux.Handle("PUT /flows/{id}", admin(http.HandlerFunc(s.updateFlowHandler)))
	mux.Handle("DELETE /flows/{id}", admin(http.HandlerFunc(s.deleteFlowHandler)))
	mux.Handle("GET /flows/{id}/steps", admin(http.HandlerFunc(s.listStepsHandler)))
	mux.Handle("PUT /flows/{id}/steps", admin(http.HandlerFunc(s.saveStepHandler)))
	mux.Handle("POST /flows/{id}/validate", admin(http.HandlerFunc(s.validateFlowHandler)))
	mux.Handle("DELETE /steps/{id}", admin(http.HandlerFunc(s.deleteStepHandler)))
	mux.Handle("GET /flows/{id}/submissions", admin(http.HandlerFunc(s.listSubmissionsHandler)))

	// Conversation handling is available to any authenticated operator.
	mux.Handle("GET /chats", authed(http.HandlerFunc(s.listChatsHandler)))
	mux.Handle("GET /chats/{id}/messages", authed(http.HandlerFunc(s.listChatMessagesHandler)))
	mux.Handle("POST /chats/{id}/messages", authed(http.HandlerFunc(s.sendChatMessageHandler)))
	mux.Handle("POST /chats/{id}/assume", authed(http.HandlerFunc(s.assumeChatHandler)))
	mux.Handle("POST /chats/{id}/close", authed(http.HandlerFunc(s.closeChatHandler)))
	mux.Handle("POST /chats/{id}/reopen", authed(http.HandlerFunc(s.reopenChatHandler)))
	mux.Handle("POST /chats/{id}/return-to-bot", authed(http.HandlerFunc(s.returnToBotHandler)))

	// Administration.
	mux.Handle("GET /credentials", admin(http.HandlerFunc(s.listCredentialsHandler)))
	mux.Handle("POST /credentials", admin(http.HandlerFunc(s.saveCredentialHandler)))
	mux.Handle("DELETE /credentials/{id}", admin(http.HandlerFunc(s.deleteCredentialHandler)))
	mux.Handle("GET /integrations", admin(http.HandlerFunc(s.listIntegrationsHandler)))
	mux.Handle("POST /integrations", admin(http.HandlerFunc(s.saveIntegrationHandler)))
	mux.Handle("DELETE /integrations/{id}", admin(http.HandlerFunc(s.deleteIntegrationHandler)))
	mux.Handle("GET /users", admin(http.HandlerFunc(s.listUsersHandler)))
	mux.Handle("POST /users", admin(http.HandlerFunc(s.createUserHandler)))
	mux.Handle("PUT /users/{id}", admin(http.HandlerFunc(s.updateUserHandler)))

	// Live updates and media for the UIs.
	mux.HandleFunc("GET /ws", s.wsHandler)
	mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))

	return mux
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BootstrapAdmin creates the initial admin account when no admin exists yet.
// The generated password is logged once; it should be changed on first login.
func (s *Server) BootstrapAdmin() error {
	count, err := s.st.CountAdmins()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := util.GenerateRandomAlphaNumeric(16)
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &models.User{
		Name:         "Administrador",
		Email:        BootstrapAdminEmail,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
	}
	if err := s.st.CreateUser(admin); err != nil {
		return err
	}
	slog.Warn("Server.BootstrapAdmin: initial admin created, change this password",
		"email", BootstrapAdminEmail, "password", password)
	return nil
}

// wsHandler upgrades an authenticated request to a WebSocket connection on
// the event hub. Browsers cannot set headers on WebSocket dials, so the token
// arrives as a query parameter; the auth middleware accepts both.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	s.authMg.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.ClaimsFromContext(r.Context())
		s.hub.HandleWS(w, r, claims.UserID)
	})).ServeHTTP(w, r)
}
