// Package login keeps each user's set of provider logins and the pointer to
// the selected one.
//
// Invariant: a non-empty selection always names a member of the user's set.
// Every mutation of a user's set or selection runs under that user's lock.
package login

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/pysugar/login-nexus/internal/auth/token"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/store"
)

// Summary describes one login without exposing token material.
type Summary struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	Connected   bool      `json:"connected"`
	Selected    bool      `json:"selected"`
}

// Registry manages logins per user.
type Registry struct {
	store  *store.TokenStore
	now    func() time.Time
	skew   time.Duration
	logger *slog.Logger
	locks  *keyLock
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithExpirySkew sets the margin used when deciding whether a login is connected.
func WithExpirySkew(d time.Duration) Option {
	return func(r *Registry) { r.skew = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry over ts.
func NewRegistry(ts *store.TokenStore, opts ...Option) *Registry {
	r := &Registry{
		store:  ts,
		now:    time.Now,
		logger: slog.Default(),
		locks:  newKeyLock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func requireIDs(userID string, loginIDs ...string) error {
	if userID == "" {
		return autherr.InvalidArgument("user id is required")
	}
	for _, id := range loginIDs {
		if id == "" {
			return autherr.InvalidArgument("login id is required")
		}
	}
	return nil
}

func contains(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

// List returns the user's logins, oldest first.
func (r *Registry) List(ctx context.Context, userID string) ([]Summary, error) {
	if err := requireIDs(userID); err != nil {
		return nil, err
	}
	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	selected, err := r.Selected(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s := Summary{ID: id, Selected: id == selected}
		info, err := r.store.LoginInfo(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if info != nil {
			s.DisplayName = info.DisplayName
			s.CreatedAt = info.CreatedAt
		}
		rec, err := r.store.GetToken(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		s.Connected = rec.State(now, r.skew) != token.StateUnauthenticated
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Has reports whether loginID belongs to the user.
func (r *Registry) Has(ctx context.Context, userID, loginID string) (bool, error) {
	if err := requireIDs(userID, loginID); err != nil {
		return false, err
	}
	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return false, err
	}
	return contains(ids, loginID), nil
}

// Count returns how many logins the user has.
func (r *Registry) Count(ctx context.Context, userID string) (int, error) {
	ids, err := r.store.LoginIDs(ctx, userID)
	return len(ids), err
}

// Add registers loginID for the user. Adding an existing login is a no-op.
// The first login added to an empty registry becomes selected.
func (r *Registry) Add(ctx context.Context, userID, loginID, displayName string) error {
	if err := requireIDs(userID, loginID); err != nil {
		return err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return err
	}
	if contains(ids, loginID) {
		return nil
	}

	info, err := r.store.LoginInfo(ctx, userID, loginID)
	if err != nil {
		return err
	}
	if info == nil {
		if err := r.store.PutLoginInfo(ctx, userID, loginID, store.LoginInfo{
			DisplayName: displayName,
			CreatedAt:   r.now().UTC(),
		}); err != nil {
			return err
		}
	}

	wasEmpty := len(ids) == 0
	if err := r.store.PutLoginIDs(ctx, userID, append(ids, loginID)); err != nil {
		return err
	}
	if wasEmpty {
		if err := r.store.PutSelectedLogin(ctx, userID, loginID); err != nil {
			return err
		}
	}
	r.logger.Info("login added", "user_id", userID, "login_id", loginID, "selected", wasEmpty)
	return nil
}

// Remove deletes a login with its token, caches, metadata and nicknames. If
// it was selected, the most recently created remaining login is selected, or
// the selection is cleared when none remain.
func (r *Registry) Remove(ctx context.Context, userID, loginID string) error {
	if err := requireIDs(userID, loginID); err != nil {
		return err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return err
	}
	if !contains(ids, loginID) {
		return autherr.NotFound("login %q not found for user %q", loginID, userID)
	}

	remaining := make([]string, 0, len(ids)-1)
	for _, id := range ids {
		if id != loginID {
			remaining = append(remaining, id)
		}
	}

	selected, err := r.store.SelectedLogin(ctx, userID)
	if err != nil {
		return err
	}
	if selected == loginID || (selected != "" && !contains(remaining, selected)) {
		next, err := r.newest(ctx, userID, remaining)
		if err != nil {
			return err
		}
		if err := r.store.PutSelectedLogin(ctx, userID, next); err != nil {
			return err
		}
		r.logger.Info("selection moved", "user_id", userID, "from", loginID, "to", next)
	}
	if err := r.store.PutLoginIDs(ctx, userID, remaining); err != nil {
		return err
	}

	if err := r.store.DeleteToken(ctx, userID, loginID); err != nil {
		return err
	}
	if err := r.store.DeleteCaches(ctx, userID, loginID); err != nil {
		return err
	}
	if err := r.store.DeleteNicknames(ctx, loginID); err != nil {
		return err
	}
	if err := r.store.DeleteLoginInfo(ctx, userID, loginID); err != nil {
		return err
	}
	r.logger.Info("login removed", "user_id", userID, "login_id", loginID)
	return nil
}

// newest returns the most recently created login among ids, or "".
func (r *Registry) newest(ctx context.Context, userID string, ids []string) (string, error) {
	var (
		best   string
		bestAt time.Time
	)
	for _, id := range ids {
		info, err := r.store.LoginInfo(ctx, userID, id)
		if err != nil {
			return "", err
		}
		var at time.Time
		if info != nil {
			at = info.CreatedAt
		}
		if best == "" || at.After(bestAt) || (at.Equal(bestAt) && id > best) {
			best, bestAt = id, at
		}
	}
	return best, nil
}

// Select makes loginID the user's selected login. The login must belong to
// the user and hold a usable token.
func (r *Registry) Select(ctx context.Context, userID, loginID string) error {
	if err := requireIDs(userID, loginID); err != nil {
		return err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return err
	}
	if !contains(ids, loginID) {
		return autherr.NotFound("login %q not found for user %q", loginID, userID)
	}
	rec, err := r.store.GetToken(ctx, userID, loginID)
	if err != nil {
		return err
	}
	if rec.State(r.now(), r.skew) == token.StateUnauthenticated {
		return autherr.InvalidState("login %q is not connected", loginID)
	}
	if err := r.store.PutSelectedLogin(ctx, userID, loginID); err != nil {
		return err
	}
	r.logger.Info("login selected", "user_id", userID, "login_id", loginID)
	return nil
}

// Selected returns the selected login, or "" when none. A stored pointer that
// no longer names a member is cleared.
func (r *Registry) Selected(ctx context.Context, userID string) (string, error) {
	if err := requireIDs(userID); err != nil {
		return "", err
	}
	selected, err := r.store.SelectedLogin(ctx, userID)
	if err != nil || selected == "" {
		return "", err
	}
	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return "", err
	}
	if contains(ids, selected) {
		return selected, nil
	}

	unlock := r.locks.Lock(userID)
	defer unlock()
	// Re-check under the lock; a concurrent Add may have fixed it.
	current, err := r.store.SelectedLogin(ctx, userID)
	if err != nil {
		return "", err
	}
	ids, err = r.store.LoginIDs(ctx, userID)
	if err != nil {
		return "", err
	}
	if current != "" && contains(ids, current) {
		return current, nil
	}
	r.logger.Warn("clearing dangling selection", "user_id", userID, "login_id", current)
	if err := r.store.PutSelectedLogin(ctx, userID, ""); err != nil {
		return "", err
	}
	return "", nil
}

// Rename changes a login's display name.
func (r *Registry) Rename(ctx context.Context, userID, loginID, displayName string) error {
	if err := requireIDs(userID, loginID); err != nil {
		return err
	}
	if displayName == "" {
		return autherr.InvalidArgument("display name is required")
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return err
	}
	if !contains(ids, loginID) {
		return autherr.NotFound("login %q not found for user %q", loginID, userID)
	}
	info, err := r.store.LoginInfo(ctx, userID, loginID)
	if err != nil {
		return err
	}
	if info == nil {
		info = &store.LoginInfo{CreatedAt: r.now().UTC()}
	}
	info.DisplayName = displayName
	return r.store.PutLoginInfo(ctx, userID, loginID, *info)
}

// Nicknames returns the user-chosen labels for a login's sub-accounts.
func (r *Registry) Nicknames(ctx context.Context, userID, loginID string) (map[string]string, error) {
	if err := r.requireMember(ctx, userID, loginID); err != nil {
		return nil, err
	}
	return r.store.Nicknames(ctx, loginID)
}

// SetNickname labels one sub-account of a login. An empty label removes it.
func (r *Registry) SetNickname(ctx context.Context, userID, loginID, accountRef, label string) error {
	if accountRef == "" {
		return autherr.InvalidArgument("account reference is required")
	}
	if err := r.requireMember(ctx, userID, loginID); err != nil {
		return err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	names, err := r.store.Nicknames(ctx, loginID)
	if err != nil {
		return err
	}
	if label == "" {
		delete(names, accountRef)
	} else {
		names[accountRef] = label
	}
	return r.store.PutNicknames(ctx, loginID, names)
}

// ClearCaches drops the derived caches of every login of the user.
func (r *Registry) ClearCaches(ctx context.Context, userID string) error {
	if err := requireIDs(userID); err != nil {
		return err
	}
	ids, err := r.store.LoginIDs(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.store.DeleteCaches(ctx, userID, id); err != nil {
			return err
		}
	}
	r.logger.Info("caches cleared", "user_id", userID, "logins", len(ids))
	return nil
}

func (r *Registry) requireMember(ctx context.Context, userID, loginID string) error {
	ok, err := r.Has(ctx, userID, loginID)
	if err != nil {
		return err
	}
	if !ok {
		return autherr.NotFound("login %q not found for user %q", loginID, userID)
	}
	return nil
}
