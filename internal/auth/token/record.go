// Package token holds the persisted token record, its lifecycle
// classification, and the client for the provider's token endpoint.
package token

import (
	"time"

	"golang.org/x/oauth2"
)

// State is the lifecycle state of a login's token.
type State string

const (
	StateUnauthenticated    State = "UNAUTHENTICATED"
	StateAuthenticated      State = "AUTHENTICATED"
	StateExpiredRefreshable State = "EXPIRED_REFRESHABLE"
	// StateRefreshing is held only while a refresh call is in flight. It is
	// never derived from a stored record.
	StateRefreshing State = "REFRESHING"
)

// reauthGrace keeps a record in the store after both of its expiries so the
// next caller is told to re-authenticate instead of finding nothing.
const reauthGrace = 24 * time.Hour

// Record is one login's stored OAuth token.
//
// AccessExpiresAt and RefreshWindowExpiresAt are independent: the provider
// does not guarantee any ordering between them.
type Record struct {
	AccessToken            string    `json:"access_token"`
	RefreshToken           string    `json:"refresh_token,omitempty"`
	TokenType              string    `json:"token_type"`
	Scope                  string    `json:"scope,omitempty"`
	AccessExpiresAt        time.Time `json:"access_expires_at"`
	RefreshWindowExpiresAt time.Time `json:"refresh_window_expires_at"`
	IssuedAt               time.Time `json:"issued_at"`
}

// State classifies r at now. Access tokens expiring within skew count as
// expired. A nil record is unauthenticated.
func (r *Record) State(now time.Time, skew time.Duration) State {
	if r == nil || r.AccessToken == "" {
		return StateUnauthenticated
	}
	if now.Add(skew).Before(r.AccessExpiresAt) {
		return StateAuthenticated
	}
	if r.Refreshable(now) {
		return StateExpiredRefreshable
	}
	return StateUnauthenticated
}

// Refreshable reports whether the refresh token may still be used at now.
func (r *Record) Refreshable(now time.Time) bool {
	return r != nil && r.RefreshToken != "" && now.Before(r.RefreshWindowExpiresAt)
}

// StoreTTL is how long the record should live in the store: until the later
// of its two expiries, plus a grace period.
func (r *Record) StoreTTL(now time.Time) time.Duration {
	until := r.AccessExpiresAt
	if r.RefreshWindowExpiresAt.After(until) {
		until = r.RefreshWindowExpiresAt
	}
	ttl := until.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + reauthGrace
}

// InheritRefresh applies refresh-token rotation rules to a record freshly
// returned by the token endpoint. When the response carried no refresh token
// the previous token and its window are kept; when it carried the same token
// the previous window is kept; a new token keeps its new window.
func (r *Record) InheritRefresh(prev *Record) {
	if prev == nil {
		return
	}
	switch r.RefreshToken {
	case "":
		r.RefreshToken = prev.RefreshToken
		r.RefreshWindowExpiresAt = prev.RefreshWindowExpiresAt
	case prev.RefreshToken:
		r.RefreshWindowExpiresAt = prev.RefreshWindowExpiresAt
	}
}

// OAuth2 converts r for use with golang.org/x/oauth2 transports.
func (r *Record) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.AccessExpiresAt,
	}
}
