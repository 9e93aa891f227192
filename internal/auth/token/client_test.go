package token

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/oauth/token", Credentials{ClientID: "cid", ClientSecret: "secret"}, 7*24*time.Hour,
		WithClock(func() time.Time { return fixedNow }))
}

func TestRefreshSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "cid", user)
		assert.Equal(t, "secret", pass)

		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "r1", form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"a2","refresh_token":"r2","token_type":"Bearer","expires_in":1800,"scope":"api"}`)
	})

	rec, err := c.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", rec.AccessToken)
	assert.Equal(t, "r2", rec.RefreshToken)
	assert.Equal(t, "api", rec.Scope)
	assert.Equal(t, fixedNow.Add(30*time.Minute), rec.AccessExpiresAt)
	assert.Equal(t, fixedNow.Add(7*24*time.Hour), rec.RefreshWindowExpiresAt)
	assert.Equal(t, fixedNow, rec.IssuedAt)
}

func TestRefreshWithoutRotation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":"a2","expires_in":60}`)
	})

	rec, err := c.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, rec.RefreshToken)
	assert.True(t, rec.RefreshWindowExpiresAt.IsZero())
	assert.Equal(t, "Bearer", rec.TokenType)
}

func TestExchangeSendsCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "http://localhost/cb", r.PostForm.Get("redirect_uri"))
		_, _ = io.WriteString(w, `{"access_token":"a1","refresh_token":"r1","expires_in":1800}`)
	})

	rec, err := c.Exchange(context.Background(), "the-code", "http://localhost/cb")
	require.NoError(t, err)
	assert.Equal(t, "a1", rec.AccessToken)
}

func TestRefreshFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		terminal bool
		code     string
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"refresh token expired"}`, true, "invalid_grant"},
		{"unauthorized client", http.StatusUnauthorized, `{"error":"invalid_client"}`, true, "invalid_client"},
		{"revoked on 403", http.StatusForbidden, `{"error":"access_denied","error_description":"Token has been revoked"}`, true, "access_denied"},
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow_down"}`, false, "slow_down"},
		{"server error", http.StatusBadGateway, `<html>bad gateway</html>`, false, ""},
		{"unavailable", http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`, false, "temporarily_unavailable"},
		{"schema invalid 2xx", http.StatusOK, `{"token_type":"Bearer"}`, false, ""},
		{"non-json 2xx", http.StatusOK, `ok`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Refresh(context.Background(), "r1")
			var rfe *RefreshFailedError
			require.True(t, errors.As(err, &rfe))
			assert.Equal(t, tt.terminal, rfe.Terminal)
			assert.Equal(t, tt.code, rfe.ErrorCode)
			assert.Equal(t, tt.status, rfe.StatusCode)
			if tt.status >= 300 {
				assert.NotEmpty(t, rfe.Payload)
			} else {
				assert.Empty(t, rfe.Payload)
			}
		})
	}
}

func TestInvalid2xxPayloadIsNotKept(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":"secret-access","expires_in":"soon"}`)
	})

	_, err := c.Refresh(context.Background(), "r1")
	var rfe *RefreshFailedError
	require.True(t, errors.As(err, &rfe))
	assert.Empty(t, rfe.Payload)
	assert.NotContains(t, err.Error(), "secret-access")
}

func TestHugeExpiresInIsCapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":"a1","refresh_token":"r2","expires_in":1e13}`)
	})

	rec, err := c.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(maxAccessLifetime), rec.AccessExpiresAt)
	assert.Equal(t, StateAuthenticated, rec.State(fixedNow, 0))
}

func TestAccessLifetime(t *testing.T) {
	assert.Equal(t, 1800*time.Second, accessLifetime(1800))
	assert.Equal(t, 1500*time.Millisecond, accessLifetime(1.5))
	assert.Equal(t, maxAccessLifetime, accessLifetime(1e300))
}

func TestRefreshTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	c := NewClient(srv.URL, Credentials{ClientID: "cid"}, time.Hour)

	_, err := c.Refresh(context.Background(), "r1")
	var rfe *RefreshFailedError
	require.True(t, errors.As(err, &rfe))
	assert.False(t, rfe.Terminal)
}

func TestRefreshTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Refresh(ctx, "r1")
	var rfe *RefreshFailedError
	require.True(t, errors.As(err, &rfe))
	assert.False(t, rfe.Terminal)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRefreshWithoutTokenIsTerminal(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", Credentials{}, time.Hour)
	_, err := c.Refresh(context.Background(), "")
	var rfe *RefreshFailedError
	require.True(t, errors.As(err, &rfe))
	assert.True(t, rfe.Terminal)
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		code        string
		description string
		permanent   bool
	}{
		{"invalid grant", 400, "invalid_grant", "", true},
		{"invalid token on 403", 403, "invalid_token", "", true},
		{"revoked", 403, "", "token has been expired or revoked", true},
		{"timeout-ish 504", 504, "", "upstream timeout", false},
		{"temporary", 503, "temporarily_unavailable", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, isPermanentRefreshError(tt.status, tt.code, tt.description))
		})
	}
}
