// Package handlers exposes the login registry, the session orchestrator and
// the authenticated call wrapper over HTTP.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/login-nexus/internal/auth/login"
	"github.com/pysugar/login-nexus/internal/auth/provider"
	"github.com/pysugar/login-nexus/internal/auth/session"
	"github.com/pysugar/login-nexus/internal/proxy/middleware"
	"github.com/pysugar/login-nexus/internal/upstream"
)

// AccountHeader selects a login explicitly instead of the user's selected one.
const AccountHeader = "X-Nexus-Account"

// LoginRegistry is the registry surface the HTTP layer drives.
type LoginRegistry interface {
	List(ctx context.Context, userID string) ([]login.Summary, error)
	Select(ctx context.Context, userID, loginID string) error
	Rename(ctx context.Context, userID, loginID, displayName string) error
	Remove(ctx context.Context, userID, loginID string) error
	Nicknames(ctx context.Context, userID, loginID string) (map[string]string, error)
	SetNickname(ctx context.Context, userID, loginID, accountRef, label string) error
	ClearCaches(ctx context.Context, userID string) error
}

// Sessions hands out tokens and reports their state.
type Sessions interface {
	AccessToken(ctx context.Context, userID, loginID string) (string, error)
	Status(ctx context.Context, userID, loginID string) (*session.Status, error)
}

// AuthFlow starts and completes provider authorizations.
type AuthFlow interface {
	AuthorizationURL(ctx context.Context, userID, displayName string) (string, error)
	CompleteCallback(ctx context.Context, code, state, displayName string) (*provider.Completed, error)
}

// CachedGetter serves GETs through a login's derived cache.
type CachedGetter interface {
	CachedGet(ctx context.Context, req *upstream.Request, kind string, ttl time.Duration) (*upstream.Response, error)
}

// Deps wires the handlers to the rest of the service.
type Deps struct {
	Logins   LoginRegistry
	Sessions Sessions
	Flow     AuthFlow
	Caller   upstream.Caller
	Cache    CachedGetter

	APIKey             string
	AccountsPath       string
	AccountNumbersPath string
	AccountsTTL        time.Duration
	AccountHashesTTL   time.Duration

	Logger *slog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", HealthHandler())
	r.Get("/auth/provider/callback", CallbackHandler(d.Flow, d.Logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKey))
		r.Use(middleware.RequireUser)

		r.Get("/logins", ListLoginsHandler(d.Logins, d.Logger))
		r.Post("/logins/authorize", AuthorizeHandler(d.Flow, d.Logger))
		r.Post("/logins/{id}/select", SelectLoginHandler(d.Logins, d.Logger))
		r.Patch("/logins/{id}", RenameLoginHandler(d.Logins, d.Logger))
		r.Delete("/logins/{id}", DeleteLoginHandler(d.Logins, d.Logger))
		r.Get("/logins/{id}/status", LoginStatusHandler(d.Sessions, d.Logger))
		r.Get("/logins/{id}/nicknames", NicknamesHandler(d.Logins, d.Logger))
		r.Put("/logins/{id}/nicknames", SetNicknameHandler(d.Logins, d.Logger))
		r.Post("/caches/clear", ClearCachesHandler(d.Logins, d.Logger))

		r.Get("/accounts", CachedResourceHandler(d.Cache, d.AccountsPath, accountsKind, d.AccountsTTL, d.Logger))
		r.Get("/accounts/numbers", CachedResourceHandler(d.Cache, d.AccountNumbersPath, accountHashesKind, d.AccountHashesTTL, d.Logger))
		r.HandleFunc("/provider/*", RelayHandler(d.Caller, d.Logger))
	})
	return r
}

// HealthHandler answers liveness checks.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
