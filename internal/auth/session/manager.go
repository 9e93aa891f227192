// Package session hands out valid access tokens for a user's logins,
// refreshing them lazily.
//
// Reads of a fresh token never block. When a token has expired but its
// refresh token is still usable, concurrent callers for the same (user,
// login) share one refresh: the first starts it and the rest wait on the
// same result. Inside the refresh the record is re-read, so a caller that
// lost the race to a refresh that already finished does not refresh again.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/auth/token"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/logging"
	"github.com/pysugar/login-nexus/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds a refresh independently of the caller's context.
const DefaultRefreshTimeout = 30 * time.Second

const tracerName = "github.com/pysugar/login-nexus/internal/auth/session"

// Refresher runs the refresh_token grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*token.Record, error)
}

// Logins resolves login membership and the selected login.
type Logins interface {
	Selected(ctx context.Context, userID string) (string, error)
	Has(ctx context.Context, userID, loginID string) (bool, error)
}

// Credential is a valid token for a resolved login.
type Credential struct {
	UserID  string
	LoginID string
	Record  *token.Record
}

// Status describes a login's token without exposing it.
type Status struct {
	LoginID                string      `json:"login_id"`
	State                  token.State `json:"state"`
	AccessExpiresAt        *time.Time  `json:"access_expires_at,omitempty"`
	RefreshWindowExpiresAt *time.Time  `json:"refresh_window_expires_at,omitempty"`
}

// Manager is the session orchestrator.
type Manager struct {
	store     *store.TokenStore
	logins    Logins
	refresher Refresher

	now            func() time.Time
	skew           time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer

	group    singleflight.Group
	inflight sync.Map // flight key -> struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExpirySkew treats access tokens expiring within d as expired.
func WithExpirySkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTracerProvider sets the tracer provider; the global one is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(tracerName) }
}

// NewManager creates a session orchestrator.
func NewManager(ts *store.TokenStore, logins Logins, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:          ts,
		logins:         logins,
		refresher:      refresher,
		now:            time.Now,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ResolveLogin returns loginID, or the user's selected login when loginID is
// empty. An explicit loginID must belong to the user.
func (m *Manager) ResolveLogin(ctx context.Context, userID, loginID string) (string, error) {
	if userID == "" {
		return "", autherr.InvalidArgument("user id is required")
	}
	if loginID == "" {
		selected, err := m.logins.Selected(ctx, userID)
		if err != nil {
			return "", err
		}
		if selected == "" {
			return "", autherr.NoLoginSelected(userID)
		}
		return selected, nil
	}
	ok, err := m.logins.Has(ctx, userID, loginID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", autherr.NotFound("login %q not found for user %q", loginID, userID)
	}
	return loginID, nil
}

// AccessToken returns a valid access token for the login, refreshing it if
// needed. An empty loginID means the selected login.
func (m *Manager) AccessToken(ctx context.Context, userID, loginID string) (string, error) {
	cred, err := m.Credential(ctx, userID, loginID)
	if err != nil {
		return "", err
	}
	return cred.Record.AccessToken, nil
}

// Credential is AccessToken returning the full record and resolved login.
func (m *Manager) Credential(ctx context.Context, userID, loginID string) (*Credential, error) {
	loginID, err := m.ResolveLogin(ctx, userID, loginID)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx, m.logger).With("user_id", userID, "login_id", loginID)

	rec, err := m.store.GetToken(ctx, userID, loginID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, autherr.Unauthenticated(userID, loginID)
	}

	switch rec.State(m.now(), m.skew) {
	case token.StateAuthenticated:
		return &Credential{UserID: userID, LoginID: loginID, Record: rec}, nil
	case token.StateExpiredRefreshable:
		rec, err = m.refresh(ctx, logger, userID, loginID)
		if err != nil {
			return nil, err
		}
		return &Credential{UserID: userID, LoginID: loginID, Record: rec}, nil
	default:
		logger.Info("refresh window closed, re-authentication required")
		if err := m.discard(ctx, userID, loginID); err != nil {
			return nil, err
		}
		return nil, autherr.ReauthenticationRequired(userID, loginID, nil)
	}
}

func flightKey(userID, loginID string) string {
	return userID + "\x00" + loginID
}

// refresh joins or starts the single refresh flight for (userID, loginID).
// The flight runs on a context detached from ctx with its own timeout, so a
// caller giving up neither cancels it for the others nor leaves it running
// unbounded.
func (m *Manager) refresh(ctx context.Context, logger *slog.Logger, userID, loginID string) (*token.Record, error) {
	key := flightKey(userID, loginID)
	ch := m.group.DoChan(key, func() (any, error) {
		m.inflight.Store(key, struct{}{})
		defer m.inflight.Delete(key)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, logger, userID, loginID)
	})

	select {
	case <-ctx.Done():
		return nil, autherr.Canceled(ctx.Err(), "waiting for token refresh")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*token.Record), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, logger *slog.Logger, userID, loginID string) (*token.Record, error) {
	ctx, span := m.tracer.Start(ctx, "session.refresh", trace.WithAttributes(
		attribute.String("login.id", loginID),
	))
	defer span.End()

	// Re-read: a flight that finished just before this one may already have
	// stored a fresh token.
	rec, err := m.store.GetToken(ctx, userID, loginID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load token")
		return nil, err
	}
	if rec == nil {
		return nil, autherr.Unauthenticated(userID, loginID)
	}
	state := rec.State(m.now(), m.skew)
	span.SetAttributes(attribute.String("login.state", string(state)))

	lc := newLifecycle(logger, userID, loginID, state)
	if err := lc.fire(ctx, eventBeginRefresh); err != nil {
		return m.skipRefresh(ctx, userID, loginID, rec, lc.current(), err)
	}

	start := m.now()
	fresh, err := m.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		span.RecordError(err)
		var rfe *token.RefreshFailedError
		if errors.As(err, &rfe) && rfe.Terminal {
			lc.settle(ctx, logger, eventRefreshRejected)
			span.SetStatus(codes.Error, "refresh rejected")
			logger.Warn("refresh rejected, discarding token",
				"status", rfe.StatusCode, "error_code", rfe.ErrorCode)
			if derr := m.discard(ctx, userID, loginID); derr != nil {
				return nil, derr
			}
			return nil, autherr.ReauthenticationRequired(userID, loginID, err)
		}
		lc.settle(ctx, logger, eventRefreshUnavailable)
		span.SetStatus(codes.Error, "refresh unavailable")
		logger.Warn("refresh failed, token kept", "error", err)
		return nil, autherr.UpstreamUnavailable(err, "refresh token for login %q", loginID)
	}

	fresh.InheritRefresh(rec)
	if err := m.store.PutToken(ctx, userID, loginID, fresh); err != nil {
		lc.settle(ctx, logger, eventRefreshUnavailable)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store token")
		return nil, err
	}
	lc.settle(ctx, logger, eventRefreshSucceeded)
	logger.Info("token refreshed",
		"state", lc.current(),
		"rotated", fresh.RefreshToken != rec.RefreshToken,
		"expires_at", fresh.AccessExpiresAt.Format(time.RFC3339),
		"took", m.now().Sub(start))
	return fresh, nil
}

// skipRefresh handles a record whose state does not accept begin_refresh.
// The refresher is never called from here.
func (m *Manager) skipRefresh(ctx context.Context, userID, loginID string, rec *token.Record, state token.State, cause error) (*token.Record, error) {
	switch state {
	case token.StateAuthenticated:
		return rec, nil
	case token.StateUnauthenticated:
		if err := m.discard(ctx, userID, loginID); err != nil {
			return nil, err
		}
		return nil, autherr.ReauthenticationRequired(userID, loginID, nil)
	default:
		return nil, errors.Mark(errors.Wrapf(cause, "refresh login %q", loginID), autherr.ErrInvalidState)
	}
}

// discard deletes the login's token and derived caches.
func (m *Manager) discard(ctx context.Context, userID, loginID string) error {
	if err := m.store.DeleteToken(ctx, userID, loginID); err != nil {
		return err
	}
	return m.store.DeleteCaches(ctx, userID, loginID)
}

// Invalidate drops the login's token and caches after the provider rejected
// the token. The next caller gets autherr.ErrUnauthenticated.
func (m *Manager) Invalidate(ctx context.Context, userID, loginID string) error {
	logger := logging.FromContext(ctx, m.logger).With("user_id", userID, "login_id", loginID)
	rec, err := m.store.GetToken(ctx, userID, loginID)
	if err != nil {
		return err
	}
	state := rec.State(m.now(), m.skew)
	if _, ok := m.inflight.Load(flightKey(userID, loginID)); ok {
		state = token.StateRefreshing
	}
	if state != token.StateUnauthenticated {
		newLifecycle(logger, userID, loginID, state).settle(ctx, logger, eventRevoke)
	}
	logger.Warn("token rejected by provider, discarding")
	return m.discard(ctx, userID, loginID)
}

// Status reports the login's lifecycle state.
func (m *Manager) Status(ctx context.Context, userID, loginID string) (*Status, error) {
	loginID, err := m.ResolveLogin(ctx, userID, loginID)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.GetToken(ctx, userID, loginID)
	if err != nil {
		return nil, err
	}
	st := &Status{LoginID: loginID, State: rec.State(m.now(), m.skew)}
	if _, ok := m.inflight.Load(flightKey(userID, loginID)); ok {
		st.State = token.StateRefreshing
	}
	if rec != nil {
		access, window := rec.AccessExpiresAt, rec.RefreshWindowExpiresAt
		st.AccessExpiresAt = &access
		if !window.IsZero() {
			st.RefreshWindowExpiresAt = &window
		}
	}
	return st, nil
}
