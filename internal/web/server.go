package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/groupwatch/internal/logging"
	"github.com/asheshgoplani/groupwatch/internal/session"
)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	AdminToken string
	// UserTokens maps bearer tokens to user ids. It can be replaced at
	// runtime with SetUserTokens.
	UserTokens map[string]string

	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushVAPIDSubject    string
	// PushStore persists browser subscriptions. Push is disabled when nil.
	PushStore pushSubscriptionStore
}

// SessionManager is the part of session.Manager the web layer drives.
type SessionManager interface {
	Start(ctx context.Context, userID string) error
	Stop(ctx context.Context, userID string) error
	Logout(ctx context.Context, userID string) error
	RefreshGroups(ctx context.Context, userID string) error
	SaveSettings(ctx context.Context, userID string, in session.Settings) (session.Settings, error)
	SaveGroupKeywords(ctx context.Context, userID string, in session.GroupKeywords) (map[string]session.GroupKeywords, error)
	DeleteGroupKeywords(ctx context.Context, userID, groupID string) (map[string]session.GroupKeywords, error)
	Alerts(ctx context.Context, userID string) ([]session.Alert, error)
	Snapshot(userID string) session.Snapshot
	ListSessions() []session.Summary
	Attach(ctx context.Context, userID string)
}

var webLog = logging.ForComponent(logging.CompWeb)

// Server serves the per-user WebSocket channel and the JSON API.
type Server struct {
	cfg        Config
	httpServer *http.Server
	hub        *Hub
	manager    SessionManager
	push       pushServiceAPI
	auth       *tokenTable
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server publishing through hub. The hub must be the
// notifier the manager was built with.
func NewServer(cfg Config, hub *Hub, manager SessionManager) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8430"
	}

	s := &Server{
		cfg:     cfg,
		hub:     hub,
		manager: manager,
		auth:    newTokenTable(cfg.UserTokens, cfg.AdminToken),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	if pushSvc, err := newPushService(cfg); err != nil {
		webLog.Warn("push_disabled", slog.String("error", err.Error()))
	} else if pushSvc != nil {
		s.push = pushSvc
		hub.AddListener(pushSvc.NotifyAlert)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/admin/sessions", s.handleAdminSessions)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/api/push/presence", s.handlePushPresence)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetUserTokens swaps the token table, e.g. after a config reload.
// Open connections keep the identity they authenticated with.
func (s *Server) SetUserTokens(tokens map[string]string) {
	s.auth.setUsers(tokens)
	webLog.Info("user_tokens_reloaded", slog.Int("users", len(tokens)))
}

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	if s.push != nil {
		s.push.Start(s.baseCtx)
	}
	webLog.Info("http_listening", slog.String("addr", s.cfg.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Long-lived websocket handlers watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, push=%t)", s.cfg.ListenAddr, s.push != nil && s.push.Enabled())
}
