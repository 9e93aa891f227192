package main

import (
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/auth/login"
	"github.com/pysugar/login-nexus/internal/auth/provider"
	"github.com/pysugar/login-nexus/internal/auth/session"
	"github.com/pysugar/login-nexus/internal/auth/token"
	"github.com/pysugar/login-nexus/internal/config"
	"github.com/pysugar/login-nexus/internal/db"
	"github.com/pysugar/login-nexus/internal/proxy/handlers"
	"github.com/pysugar/login-nexus/internal/store"
	"github.com/pysugar/login-nexus/internal/upstream"
	"gorm.io/gorm"
)

// backend is an opened key/value store. db is set for the sqlite driver.
type backend struct {
	kv    store.Store
	db    *gorm.DB
	close func()
}

func openBackend(cfg config.StoreConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, logins are lost on restart")
		return &backend{kv: store.NewMemoryStore(nil), close: func() {}}, nil
	case config.DriverSQLite:
		database, err := db.InitDB(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		closeDB := func() {
			if sqlDB, err := database.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return &backend{kv: store.NewSQLStore(database, nil), db: database, close: closeDB}, nil
	case config.DriverValkey:
		vs, err := store.NewValkeyStore(cfg.ValkeyAddr)
		if err != nil {
			return nil, err
		}
		return &backend{kv: vs, close: vs.Close}, nil
	default:
		return nil, errors.Newf("unknown store driver %q", cfg.Driver)
	}
}

// services is the wired object graph behind the HTTP surface.
type services struct {
	tokens   *store.TokenStore
	registry *login.Registry
	sessions *session.Manager
	flow     *provider.Flow
	client   *upstream.Client
}

func newServices(cfg *config.Config, kv store.Store, logger *slog.Logger) *services {
	p := cfg.Provider
	tokens := store.NewTokenStore(kv, p.Name, nil)
	registry := login.NewRegistry(tokens,
		login.WithExpirySkew(p.ExpirySkew),
		login.WithLogger(logger),
	)

	tokenClient := token.NewClient(p.TokenURL,
		token.Credentials{ClientID: p.ClientID, ClientSecret: p.ClientSecret},
		p.RefreshWindow,
		token.WithHTTPClient(&http.Client{Timeout: p.HTTPTimeout}),
		token.WithLogger(logger),
	)
	sessions := session.NewManager(tokens, registry, tokenClient,
		session.WithExpirySkew(p.ExpirySkew),
		session.WithRefreshTimeout(p.HTTPTimeout),
		session.WithLogger(logger),
	)
	flow := provider.NewFlow(provider.Config{
		Provider:     p.Name,
		AuthURL:      p.AuthURL,
		TokenURL:     p.TokenURL,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Scopes:       p.Scopes,
		RedirectURL:  cfg.CallbackURL(),
		StateSecret:  []byte(p.StateSecret),
		StateTTL:     p.StateTTL,
	}, tokens, registry, tokenClient, provider.WithLogger(logger))
	client := upstream.NewClient(p.APIBaseURL, sessions, tokens,
		upstream.WithTimeout(p.HTTPTimeout),
		upstream.WithLogger(logger),
	)

	return &services{
		tokens:   tokens,
		registry: registry,
		sessions: sessions,
		flow:     flow,
		client:   client,
	}
}

func (s *services) router(cfg *config.Config, logger *slog.Logger) http.Handler {
	return handlers.NewRouter(handlers.Deps{
		Logins:             s.registry,
		Sessions:           s.sessions,
		Flow:               s.flow,
		Caller:             upstream.WithLogging(s.client, logger),
		Cache:              s.client,
		APIKey:             cfg.Server.APIKey,
		AccountsPath:       cfg.Provider.AccountsPath,
		AccountNumbersPath: cfg.Provider.AccountNumbersPath,
		AccountsTTL:        cfg.Cache.AccountsTTL,
		AccountHashesTTL:   cfg.Cache.AccountHashesTTL,
		Logger:             logger,
	})
}
