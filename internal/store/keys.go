package store

import (
	"net/url"
	"strings"
)

// Cache kinds for derived per-login entries.
const (
	CacheAccounts      = "accounts"
	CacheAccountHashes = "account-hashes"
)

// CacheKinds lists every derived cache kept per login.
var CacheKinds = []string{CacheAccounts, CacheAccountHashes}

// Keyspace builds store keys namespaced by provider. Every component is
// escaped by escapePart, so ids containing ':' cannot collide with another key.
type Keyspace struct {
	provider string
}

// NewKeyspace returns the keyspace for provider.
func NewKeyspace(provider string) Keyspace {
	return Keyspace{provider: provider}
}

func (k Keyspace) key(kind string, parts ...string) string {
	var b strings.Builder
	b.WriteString(escapePart(k.provider))
	b.WriteByte(':')
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(escapePart(p))
	}
	return b.String()
}

// escapePart path-escapes p and also escapes ':', the key separator.
// PathEscape escapes '%', so the mapping stays injective.
func escapePart(p string) string {
	return strings.ReplaceAll(url.PathEscape(p), ":", "%3A")
}

func (k Keyspace) Logins(userID string) string { return k.key("logins", userID) }

func (k Keyspace) SelectedLogin(userID string) string { return k.key("selected-login", userID) }

func (k Keyspace) LoginInfo(userID, loginID string) string {
	return k.key("login-info", userID, loginID)
}

func (k Keyspace) Tokens(userID, loginID string) string { return k.key("tokens", userID, loginID) }

func (k Keyspace) Nicknames(loginID string) string { return k.key("nicknames", loginID) }

func (k Keyspace) Cache(kind, userID, loginID string) string {
	return k.key("cache:"+kind, userID, loginID)
}

func (k Keyspace) OAuthState(nonce string) string { return k.key("oauth-state", nonce) }
