package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/util"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultHTTPTimeout bounds a single token endpoint call.
const DefaultHTTPTimeout = 30 * time.Second

const maxErrorPayload = 4 << 10

// maxAccessLifetime caps expires_in so absurd values cannot overflow the
// expiry computation.
const maxAccessLifetime = 365 * 24 * time.Hour

const responseSchema = `{
  "type": "object",
  "required": ["access_token", "expires_in"],
  "properties": {
    "access_token":  {"type": "string", "minLength": 1},
    "refresh_token": {"type": "string"},
    "token_type":    {"type": "string"},
    "scope":         {"type": "string"},
    "expires_in":    {"type": "number", "exclusiveMinimum": 0}
  }
}`

var tokenResponseSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("token_response.json", strings.NewReader(responseSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("token_response.json")
}

// Credentials identify this client to the provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// RefreshFailedError is returned when the token endpoint rejects a grant or
// answers with something that is not a usable token. Payload is the
// truncated body of a non-2xx response, kept for diagnostics. It is empty for
// unusable 2xx bodies, which may carry token material.
type RefreshFailedError struct {
	StatusCode int
	ErrorCode  string
	Payload    []byte
	// Terminal means the grant itself is dead and the login must
	// re-authenticate. Otherwise the failure is transient.
	Terminal bool
	cause    error
}

func (e *RefreshFailedError) Error() string {
	var b strings.Builder
	b.WriteString("token endpoint")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " returned %d", e.StatusCode)
	}
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, " (%s)", e.ErrorCode)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *RefreshFailedError) Unwrap() error { return e.cause }

// Client talks to the provider's token endpoint.
type Client struct {
	tokenURL      string
	creds         Credentials
	refreshWindow time.Duration
	httpClient    *http.Client
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock sets the time source used to compute expiries.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a token endpoint client. refreshWindow is how long a newly
// issued refresh token stays usable.
func NewClient(tokenURL string, creds Credentials, refreshWindow time.Duration, opts ...Option) *Client {
	c := &Client{
		tokenURL:      tokenURL,
		creds:         creds,
		refreshWindow: refreshWindow,
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh runs the refresh_token grant. The returned record carries whatever
// refresh token the provider sent back (possibly none); apply
// Record.InheritRefresh before persisting.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Record, error) {
	if refreshToken == "" {
		return nil, &RefreshFailedError{ErrorCode: "invalid_grant", Terminal: true, cause: errors.New("no refresh token")}
	}
	return c.grant(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// Exchange runs the authorization_code grant.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*Record, error) {
	return c.grant(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
}

func (c *Client) grant(ctx context.Context, form url.Values) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(c.creds.ClientID), url.QueryEscape(c.creds.ClientSecret))

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshFailedError{cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode, cause: errors.Wrap(err, "read token response")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rfe := &RefreshFailedError{StatusCode: resp.StatusCode, Payload: []byte(util.TruncateLog(string(body), maxErrorPayload))}
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil {
			rfe.ErrorCode = oauthErr.Error
		}
		rfe.Terminal = isPermanentRefreshError(resp.StatusCode, rfe.ErrorCode, oauthErr.Description)
		c.logger.Warn("token endpoint rejected grant",
			"grant_type", form.Get("grant_type"),
			"status", resp.StatusCode,
			"error_code", rfe.ErrorCode,
			"terminal", rfe.Terminal)
		return nil, rfe
	}

	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode, cause: errors.Wrap(err, "decode token response")}
	}
	if err := tokenResponseSchema.Validate(instance); err != nil {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode, cause: errors.Wrap(err, "token response failed validation")}
	}

	var tr struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		TokenType    string  `json:"token_type"`
		Scope        string  `json:"scope"`
		ExpiresIn    float64 `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode, cause: errors.Wrap(err, "decode token response")}
	}

	rec := &Record{
		AccessToken:     tr.AccessToken,
		RefreshToken:    tr.RefreshToken,
		TokenType:       tr.TokenType,
		Scope:           tr.Scope,
		IssuedAt:        start,
		AccessExpiresAt: start.Add(time.Duration(tr.ExpiresIn * float64(time.Second))),
	}
	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}
	if rec.RefreshToken != "" {
		rec.RefreshWindowExpiresAt = start.Add(c.refreshWindow)
	}
	return rec, nil
}

// isPermanentRefreshError reports whether a token endpoint rejection means the
// grant can never succeed. Rate limiting and server errors are transient.
func isPermanentRefreshError(status int, code, description string) bool {
	switch code {
	case "invalid_grant", "invalid_client", "unauthorized_client", "invalid_token":
		return true
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return true
	}
	msg := strings.ToLower(description)
	return strings.Contains(msg, "expired") || strings.Contains(msg, "revoked")
}

// accessLifetime converts expires_in seconds to a duration, capped at
// maxAccessLifetime.
func accessLifetime(expiresIn float64) time.Duration {
	if expiresIn >= maxAccessLifetime.Seconds() {
		return maxAccessLifetime
	}
	return time.Duration(expiresIn * float64(time.Second))
}
