// ABOUTME: Gateway wires store, auth, resolver, ledger, and realtime into an HTTP server
// ABOUTME: Owns route registration and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/registry"
	"github.com/parleyhq/parley/internal/store"
)

// Gateway is the HTTP surface of the chat server.
type Gateway struct {
	cfg      *config.Config
	store    store.Store
	verifier *auth.JWTVerifier
	resolver *conversation.Resolver
	ledger   *ledger.Ledger
	registry *registry.Registry
	realtime *realtime.Router
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a gateway with all collaborators wired.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	reg := registry.New(logger)
	led := ledger.New(sqlStore, logger)
	resolver := conversation.NewResolver(sqlStore, logger)
	rt := realtime.NewRouter(reg, led, sqlStore, verifier, logger)

	g := &Gateway{
		cfg:      cfg,
		store:    sqlStore,
		verifier: verifier,
		resolver: resolver,
		ledger:   led,
		registry: reg,
		realtime: rt,
		logger:   logger.With("component", "gateway"),
	}
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}
	return g, nil
}

// routes builds the HTTP mux. All endpoints except register, login, and
// health require a bearer credential.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	authed := auth.HTTPAuthMiddleware(g.verifier)

	mux.HandleFunc("/auth/register", g.handleRegister)
	mux.HandleFunc("/auth/login", g.handleLogin)
	mux.Handle("/me", authed(http.HandlerFunc(g.handleMe)))
	mux.Handle("/users/search", authed(http.HandlerFunc(g.handleSearchUsers)))
	mux.Handle("/conversations", authed(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/conversations/", authed(http.HandlerFunc(g.handleConversationByID)))
	mux.Handle("/messages", authed(http.HandlerFunc(g.handleMessages)))
	mux.Handle("/upload", authed(http.HandlerFunc(g.handleUpload)))
	mux.Handle("/push/subscribe", authed(http.HandlerFunc(g.handlePushSubscribe)))

	// Websocket handshake carries its own credential verification
	mux.Handle("/ws", g.realtime)

	mux.Handle("/uploads/", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(g.cfg.Uploads.Dir))))

	if g.cfg.Metrics.Enabled {
		mux.Handle(g.cfg.Metrics.Path, promhttp.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return g.store.Close()
}
