package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/auth/token"
	"github.com/pysugar/login-nexus/internal/autherr"
)

// LoginInfo is the metadata stored per login.
type LoginInfo struct {
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenStore gives typed access to everything the login manager persists.
// It holds no business rules.
type TokenStore struct {
	kv   Store
	keys Keyspace
	now  func() time.Time
}

// NewTokenStore wraps kv with the key namespace of provider. now may be nil.
func NewTokenStore(kv Store, provider string, now func() time.Time) *TokenStore {
	return &TokenStore{kv: markedStore{kv}, keys: NewKeyspace(provider), now: nowOrDefault(now)}
}

// markedStore marks backend errors with autherr.ErrStorage when the backend
// returned them unmarked.
type markedStore struct {
	kv Store
}

func markStorage(err error, op, key string) error {
	if err == nil || errors.Is(err, autherr.ErrStorage) {
		return err
	}
	return autherr.Storage(err, op, key)
}

func (m markedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := m.kv.Get(ctx, key)
	return v, ok, markStorage(err, "get", key)
}

func (m markedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return markStorage(m.kv.Set(ctx, key, value, ttl), "set", key)
}

func (m markedStore) Delete(ctx context.Context, key string) error {
	return markStorage(m.kv.Delete(ctx, key), "delete", key)
}

func (m markedStore) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := m.kv.GetDel(ctx, key)
	return v, ok, markStorage(err, "getdel", key)
}

// Keys exposes the key namespace.
func (s *TokenStore) Keys() Keyspace { return s.keys }

func (s *TokenStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, autherr.Storage(errors.Wrap(err, "decode"), "get", key)
	}
	return true, nil
}

func (s *TokenStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return autherr.Storage(errors.Wrap(err, "encode"), "set", key)
	}
	return s.kv.Set(ctx, key, raw, ttl)
}

// GetToken returns the login's token record, or nil when none is stored.
func (s *TokenStore) GetToken(ctx context.Context, userID, loginID string) (*token.Record, error) {
	var rec token.Record
	ok, err := s.getJSON(ctx, s.keys.Tokens(userID, loginID), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// PutToken stores rec with a TTL covering both of its expiries.
func (s *TokenStore) PutToken(ctx context.Context, userID, loginID string, rec *token.Record) error {
	return s.setJSON(ctx, s.keys.Tokens(userID, loginID), rec, rec.StoreTTL(s.now()))
}

func (s *TokenStore) DeleteToken(ctx context.Context, userID, loginID string) error {
	return s.kv.Delete(ctx, s.keys.Tokens(userID, loginID))
}

// LoginIDs returns the user's login set, sorted.
func (s *TokenStore) LoginIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	if _, err := s.getJSON(ctx, s.keys.Logins(userID), &ids); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// PutLoginIDs replaces the user's login set. An empty set deletes the key.
func (s *TokenStore) PutLoginIDs(ctx context.Context, userID string, ids []string) error {
	key := s.keys.Logins(userID)
	if len(ids) == 0 {
		return s.kv.Delete(ctx, key)
	}
	return s.setJSON(ctx, key, ids, 0)
}

// SelectedLogin returns the stored selection pointer, or "" when unset.
func (s *TokenStore) SelectedLogin(ctx context.Context, userID string) (string, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.SelectedLogin(userID))
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

// PutSelectedLogin sets the selection pointer; "" clears it.
func (s *TokenStore) PutSelectedLogin(ctx context.Context, userID, loginID string) error {
	key := s.keys.SelectedLogin(userID)
	if loginID == "" {
		return s.kv.Delete(ctx, key)
	}
	return s.kv.Set(ctx, key, []byte(loginID), 0)
}

// LoginInfo returns a login's metadata, or nil when none is stored.
func (s *TokenStore) LoginInfo(ctx context.Context, userID, loginID string) (*LoginInfo, error) {
	var info LoginInfo
	ok, err := s.getJSON(ctx, s.keys.LoginInfo(userID, loginID), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

func (s *TokenStore) PutLoginInfo(ctx context.Context, userID, loginID string, info LoginInfo) error {
	return s.setJSON(ctx, s.keys.LoginInfo(userID, loginID), info, 0)
}

func (s *TokenStore) DeleteLoginInfo(ctx context.Context, userID, loginID string) error {
	return s.kv.Delete(ctx, s.keys.LoginInfo(userID, loginID))
}

// Nicknames returns the sub-account labels of a login. Never nil.
func (s *TokenStore) Nicknames(ctx context.Context, loginID string) (map[string]string, error) {
	names := map[string]string{}
	if _, err := s.getJSON(ctx, s.keys.Nicknames(loginID), &names); err != nil {
		return nil, err
	}
	return names, nil
}

// PutNicknames overwrites the labels of a login. An empty map deletes the key.
func (s *TokenStore) PutNicknames(ctx context.Context, loginID string, names map[string]string) error {
	key := s.keys.Nicknames(loginID)
	if len(names) == 0 {
		return s.kv.Delete(ctx, key)
	}
	return s.setJSON(ctx, key, names, 0)
}

func (s *TokenStore) DeleteNicknames(ctx context.Context, loginID string) error {
	return s.kv.Delete(ctx, s.keys.Nicknames(loginID))
}

// GetCache returns a derived cache entry.
func (s *TokenStore) GetCache(ctx context.Context, kind, userID, loginID string) ([]byte, bool, error) {
	return s.kv.Get(ctx, s.keys.Cache(kind, userID, loginID))
}

func (s *TokenStore) PutCache(ctx context.Context, kind, userID, loginID string, value []byte, ttl time.Duration) error {
	return s.kv.Set(ctx, s.keys.Cache(kind, userID, loginID), value, ttl)
}

// DeleteCaches drops every derived cache entry of a login.
func (s *TokenStore) DeleteCaches(ctx context.Context, userID, loginID string) error {
	for _, kind := range CacheKinds {
		if err := s.kv.Delete(ctx, s.keys.Cache(kind, userID, loginID)); err != nil {
			return err
		}
	}
	return nil
}

// PutState records an authorization nonce for user.
func (s *TokenStore) PutState(ctx context.Context, nonce, userID string, ttl time.Duration) error {
	return s.kv.Set(ctx, s.keys.OAuthState(nonce), []byte(userID), ttl)
}

// ConsumeState removes the nonce and returns the user it was issued for.
// The second return is false when the nonce is unknown, expired or already used.
func (s *TokenStore) ConsumeState(ctx context.Context, nonce string) (string, bool, error) {
	raw, ok, err := s.kv.GetDel(ctx, s.keys.OAuthState(nonce))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}
