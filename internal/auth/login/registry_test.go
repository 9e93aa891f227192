package login

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/auth/token"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	now   time.Time
	mu    sync.Mutex
	store *store.TokenStore
	reg   *Registry
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e.store = store.NewTokenStore(store.NewMemoryStore(e.clock), "schwab", e.clock)
	e.reg = NewRegistry(e.store, WithClock(e.clock))
	return e
}

func (e *testEnv) connect(t *testing.T, userID, loginID string) {
	t.Helper()
	now := e.clock()
	require.NoError(t, e.store.PutToken(context.Background(), userID, loginID, &token.Record{
		AccessToken:            "a-" + loginID,
		RefreshToken:           "r-" + loginID,
		AccessExpiresAt:        now.Add(30 * time.Minute),
		RefreshWindowExpiresAt: now.Add(7 * 24 * time.Hour),
	}))
}

func (e *testEnv) addAt(t *testing.T, userID, loginID, name string) {
	t.Helper()
	require.NoError(t, e.reg.Add(context.Background(), userID, loginID, name))
	e.advance(time.Minute)
}

func TestAddAutoSelectsFirstLogin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addAt(t, "u1", "A", "Brokerage")
	sel, err := e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "A", sel)

	e.addAt(t, "u1", "B", "IRA")
	sel, err = e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "A", sel)

	// Idempotent: re-adding keeps creation time and name.
	before, err := e.store.LoginInfo(ctx, "u1", "A")
	require.NoError(t, err)
	require.NoError(t, e.reg.Add(ctx, "u1", "A", "renamed?"))
	after, err := e.store.LoginInfo(ctx, "u1", "A")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	n, err := e.reg.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListReportsConnectionAndSelection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.addAt(t, "u1", "B", "Second")
	e.addAt(t, "u1", "A", "First-by-id")
	e.connect(t, "u1", "B")

	list, err := e.reg.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].ID)
	assert.True(t, list[0].Connected)
	assert.True(t, list[0].Selected)
	assert.Equal(t, "A", list[1].ID)
	assert.False(t, list[1].Connected)
	assert.False(t, list[1].Selected)

	other, err := e.reg.List(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSelectRequiresConnectedMember(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addAt(t, "u1", "A", "")
	e.addAt(t, "u1", "B", "")

	err := e.reg.Select(ctx, "u1", "missing")
	assert.True(t, errors.Is(err, autherr.ErrNotFound))

	err = e.reg.Select(ctx, "u1", "B")
	assert.True(t, errors.Is(err, autherr.ErrInvalidState))

	e.connect(t, "u1", "B")
	require.NoError(t, e.reg.Select(ctx, "u1", "B"))
	sel, err := e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "B", sel)

	// Another user's login is not a member.
	err = e.reg.Select(ctx, "u2", "B")
	assert.True(t, errors.Is(err, autherr.ErrNotFound))
}

func TestRemoveSelectedReselectsNewest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addAt(t, "u1", "A", "")
	e.addAt(t, "u1", "C", "")
	e.addAt(t, "u1", "B", "")
	e.connect(t, "u1", "A")
	require.NoError(t, e.store.PutCache(ctx, store.CacheAccounts, "u1", "A", []byte("[]"), time.Hour))
	require.NoError(t, e.store.PutNicknames(ctx, "A", map[string]string{"1": "x"}))

	require.NoError(t, e.reg.Remove(ctx, "u1", "A"))

	sel, err := e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "B", sel, "most recently created remaining login")

	rec, err := e.store.GetToken(ctx, "u1", "A")
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, ok, err := e.store.GetCache(ctx, store.CacheAccounts, "u1", "A")
	require.NoError(t, err)
	assert.False(t, ok)
	names, err := e.store.Nicknames(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, names)
	info, err := e.store.LoginInfo(ctx, "u1", "A")
	require.NoError(t, err)
	assert.Nil(t, info)

	require.NoError(t, e.reg.Remove(ctx, "u1", "B"))
	sel, err = e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "C", sel)

	require.NoError(t, e.reg.Remove(ctx, "u1", "C"))
	sel, err = e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sel)
}

func TestRemoveUnselectedKeepsSelection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addAt(t, "u1", "A", "")
	e.addAt(t, "u1", "B", "")

	require.NoError(t, e.reg.Remove(ctx, "u1", "B"))
	sel, err := e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "A", sel)

	err = e.reg.Remove(ctx, "u1", "B")
	assert.True(t, errors.Is(err, autherr.ErrNotFound))
}

func TestSelectionNeverDangles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ids := []string{"A", "B", "C", "D", "E"}
	for _, id := range ids {
		e.addAt(t, "u1", id, "")
		e.connect(t, "u1", id)
	}

	for i, id := range []string{"C", "A", "E", "B", "D"} {
		require.NoError(t, e.reg.Select(ctx, "u1", ids[(i+2)%len(ids)]))
		require.NoError(t, e.reg.Remove(ctx, "u1", id))

		sel, err := e.reg.Selected(ctx, "u1")
		require.NoError(t, err)
		members, err := e.store.LoginIDs(ctx, "u1")
		require.NoError(t, err)
		if len(members) == 0 {
			assert.Empty(t, sel)
		} else {
			assert.Contains(t, members, sel)
		}
		ids = members
		if len(ids) == 0 {
			break
		}
	}
}

func TestSelectedClearsDanglingPointer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addAt(t, "u1", "A", "")
	require.NoError(t, e.store.PutSelectedLogin(ctx, "u1", "ghost"))

	sel, err := e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sel)

	raw, err := e.store.SelectedLogin(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestRenameAndNicknames(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addAt(t, "u1", "A", "Old")

	require.NoError(t, e.reg.Rename(ctx, "u1", "A", "New"))
	list, err := e.reg.List(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "New", list[0].DisplayName)

	assert.True(t, errors.Is(e.reg.Rename(ctx, "u1", "A", ""), autherr.ErrInvalidArgument))
	assert.True(t, errors.Is(e.reg.Rename(ctx, "u1", "Z", "x"), autherr.ErrNotFound))

	require.NoError(t, e.reg.SetNickname(ctx, "u1", "A", "1234", "Roth"))
	require.NoError(t, e.reg.SetNickname(ctx, "u1", "A", "5678", "Joint"))
	require.NoError(t, e.reg.SetNickname(ctx, "u1", "A", "5678", ""))
	names, err := e.reg.Nicknames(ctx, "u1", "A")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1234": "Roth"}, names)

	_, err = e.reg.Nicknames(ctx, "u2", "A")
	assert.True(t, errors.Is(err, autherr.ErrNotFound))
}

func TestClearCaches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addAt(t, "u1", "A", "")
	e.addAt(t, "u1", "B", "")
	for _, id := range []string{"A", "B"} {
		require.NoError(t, e.store.PutCache(ctx, store.CacheAccountHashes, "u1", id, []byte("{}"), time.Hour))
	}
	require.NoError(t, e.store.PutCache(ctx, store.CacheAccountHashes, "u2", "A", []byte("{}"), time.Hour))

	require.NoError(t, e.reg.ClearCaches(ctx, "u1"))
	for _, id := range []string{"A", "B"} {
		_, ok, err := e.store.GetCache(ctx, store.CacheAccountHashes, "u1", id)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	_, ok, err := e.store.GetCache(ctx, store.CacheAccountHashes, "u2", "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentAddsKeepSet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, e.reg.Add(ctx, "u1", id, id))
		}(id)
	}
	wg.Wait()

	n, err := e.reg.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	sel, err := e.reg.Selected(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, sel)
}

func TestRejectsEmptyIDs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	assert.True(t, errors.Is(e.reg.Add(ctx, "", "A", ""), autherr.ErrInvalidArgument))
	assert.True(t, errors.Is(e.reg.Add(ctx, "u1", "", ""), autherr.ErrInvalidArgument))
	_, err := e.reg.List(ctx, "")
	assert.True(t, errors.Is(err, autherr.ErrInvalidArgument))
}

// failingStore fails every operation with an unmarked backend error.
type failingStore struct{}

var errDiskGone = errors.New("disk gone")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errDiskGone }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDiskGone
}
func (failingStore) Delete(context.Context, string) error { return errDiskGone }
func (failingStore) GetDel(context.Context, string) ([]byte, bool, error) {
	return nil, false, errDiskGone
}

func TestStoreFailuresSurfaceAsStorageErrors(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(store.NewTokenStore(failingStore{}, "schwab", nil))

	err := reg.Select(ctx, "u1", "A")
	assert.True(t, errors.Is(err, autherr.ErrStorage))
	assert.True(t, errors.Is(err, errDiskGone))

	selected, err := reg.Selected(ctx, "u1")
	assert.True(t, errors.Is(err, autherr.ErrStorage))
	assert.Empty(t, selected)

	_, err = reg.List(ctx, "u1")
	assert.True(t, errors.Is(err, autherr.ErrStorage))
	assert.True(t, autherr.IsRetryable(err))
}
