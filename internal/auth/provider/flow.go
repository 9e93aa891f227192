// Package provider runs the OAuth authorization-code flow that creates logins.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/pysugar/login-nexus/internal/auth/token"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/store"
	"golang.org/x/oauth2"
)

// Config describes the provider's authorization endpoints and this client.
type Config struct {
	Provider     string
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	RedirectURL  string
	StateSecret  []byte
	StateTTL     time.Duration
}

// OAuthConfig returns the golang.org/x/oauth2 view of c.
func (c Config) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// Exchanger trades an authorization code for a token.
type Exchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (*token.Record, error)
}

// Registry is the subset of the login registry the flow needs.
type Registry interface {
	Add(ctx context.Context, userID, loginID, displayName string) error
	Count(ctx context.Context, userID string) (int, error)
	Selected(ctx context.Context, userID string) (string, error)
}

// Completed is the outcome of a successful callback.
type Completed struct {
	UserID      string `json:"user_id"`
	LoginID     string `json:"login_id"`
	DisplayName string `json:"display_name"`
	Selected    bool   `json:"selected"`
}

// Flow starts and completes authorizations.
type Flow struct {
	cfg       Config
	oauth     *oauth2.Config
	store     *store.TokenStore
	registry  Registry
	exchanger Exchanger
	now       func() time.Time
	newID     func() (string, error)
	logger    *slog.Logger
}

// Option configures a Flow.
type Option func(*Flow)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// WithIDGenerator replaces uuid v7 login ids.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(f *Flow) { f.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

func newLoginID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate login id")
	}
	return id.String(), nil
}

// NewFlow creates an authorization flow.
func NewFlow(cfg Config, ts *store.TokenStore, registry Registry, exchanger Exchanger, opts ...Option) *Flow {
	f := &Flow{
		cfg:       cfg,
		oauth:     cfg.OAuthConfig(),
		store:     ts,
		registry:  registry,
		exchanger: exchanger,
		now:       time.Now,
		newID:     newLoginID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthorizationURL returns the provider URL the user must visit to add a
// login. displayName is optional and is applied when the callback completes.
func (f *Flow) AuthorizationURL(ctx context.Context, userID, displayName string) (string, error) {
	if userID == "" {
		return "", autherr.InvalidArgument("user id is required")
	}
	nonce := uuid.NewString()
	state, err := f.signState(userID, displayName, nonce)
	if err != nil {
		return "", err
	}
	if err := f.store.PutState(ctx, nonce, userID, f.cfg.StateTTL); err != nil {
		return "", err
	}
	return f.oauth.AuthCodeURL(state), nil
}

// CompleteCallback verifies state, exchanges code, stores the token and
// registers a new login. displayName overrides the one given when the flow
// started; with neither, the login is named "Login N".
func (f *Flow) CompleteCallback(ctx context.Context, code, state, displayName string) (*Completed, error) {
	if code == "" {
		return nil, autherr.InvalidArgument("authorization code is required")
	}
	claims, err := f.parseState(state)
	if err != nil {
		return nil, err
	}
	userID := claims.Subject
	logger := f.logger.With("user_id", userID)

	issuedFor, ok, err := f.store.ConsumeState(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !ok || issuedFor != userID {
		return nil, autherr.InvalidArgument("authorization request already used or unknown")
	}

	rec, err := f.exchanger.Exchange(ctx, code, f.cfg.RedirectURL)
	if err != nil {
		var rfe *token.RefreshFailedError
		if errors.As(err, &rfe) && rfe.Terminal {
			logger.Warn("authorization code rejected", "status", rfe.StatusCode, "error_code", rfe.ErrorCode)
			return nil, errors.Mark(errors.Wrap(err, "authorization code rejected"), autherr.ErrInvalidArgument)
		}
		return nil, autherr.UpstreamUnavailable(err, "exchange authorization code")
	}

	loginID, err := f.newID()
	if err != nil {
		return nil, err
	}

	name := displayName
	if name == "" {
		name = claims.DisplayName
	}
	if name == "" {
		n, err := f.registry.Count(ctx, userID)
		if err != nil {
			return nil, err
		}
		name = fmt.Sprintf("Login %d", n+1)
	}

	if err := f.store.PutToken(ctx, userID, loginID, rec); err != nil {
		return nil, err
	}
	if err := f.registry.Add(ctx, userID, loginID, name); err != nil {
		return nil, err
	}
	selected, err := f.registry.Selected(ctx, userID)
	if err != nil {
		return nil, err
	}

	logger.Info("login authorized", "login_id", loginID, "selected", selected == loginID)
	return &Completed{
		UserID:      userID,
		LoginID:     loginID,
		DisplayName: name,
		Selected:    selected == loginID,
	}, nil
}
