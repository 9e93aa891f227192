package session

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/looplab/fsm"
	"github.com/pysugar/login-nexus/internal/auth/token"
)

// Lifecycle events.
const (
	eventBeginRefresh       = "begin_refresh"
	eventRefreshSucceeded   = "refresh_succeeded"
	eventRefreshRejected    = "refresh_rejected"
	eventRefreshUnavailable = "refresh_unavailable"
	eventRevoke             = "revoke"
)

var lifecycleEvents = fsm.Events{
	{Name: eventBeginRefresh, Src: []string{string(token.StateExpiredRefreshable)}, Dst: string(token.StateRefreshing)},
	{Name: eventRefreshSucceeded, Src: []string{string(token.StateRefreshing)}, Dst: string(token.StateAuthenticated)},
	{Name: eventRefreshRejected, Src: []string{string(token.StateRefreshing)}, Dst: string(token.StateUnauthenticated)},
	{Name: eventRefreshUnavailable, Src: []string{string(token.StateRefreshing)}, Dst: string(token.StateExpiredRefreshable)},
	{Name: eventRevoke, Src: []string{
		string(token.StateAuthenticated),
		string(token.StateExpiredRefreshable),
		string(token.StateRefreshing),
	}, Dst: string(token.StateUnauthenticated)},
}

// lifecycle tracks one login through a single operation. States are not
// persisted; the stored record plus the clock is the source of truth and a
// fresh lifecycle is built from it each time.
type lifecycle struct {
	f *fsm.FSM
}

func newLifecycle(logger *slog.Logger, userID, loginID string, initial token.State) *lifecycle {
	return &lifecycle{f: fsm.NewFSM(string(initial), lifecycleEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			logger.Debug("login state changed",
				"user_id", userID,
				"login_id", loginID,
				"event", e.Event,
				"from", e.Src,
				"to", e.Dst)
		},
	})}
}

// fire applies event and returns the transition error for events the
// current state does not accept.
func (l *lifecycle) fire(ctx context.Context, event string) error {
	if err := l.f.Event(ctx, event); err != nil {
		return errors.Wrapf(err, "login state %s rejects %s", l.f.Current(), event)
	}
	return nil
}

// settle fires an event that ends a refresh. The refresh outcome is already
// decided, so a rejected transition is only logged.
func (l *lifecycle) settle(ctx context.Context, logger *slog.Logger, event string) {
	if err := l.fire(ctx, event); err != nil {
		logger.Error("invalid login state transition", "event", event, "error", err)
	}
}

func (l *lifecycle) current() token.State {
	return token.State(l.f.Current())
}
