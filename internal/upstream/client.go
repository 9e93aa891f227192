// Package upstream calls the provider's resource API on behalf of a login.
//
// Client attaches the login's access token, maps responses onto the
// autherr taxonomy and discards the token when the provider answers 401.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/auth/session"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/logging"
	"github.com/pysugar/login-nexus/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds a single resource call.
const DefaultTimeout = 30 * time.Second

const (
	maxResponseBody = 10 << 20
	tracerName      = "github.com/pysugar/login-nexus/internal/upstream"
)

// Request is one resource call. Path is relative to the API base URL. An
// empty LoginID means the user's selected login.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    []byte
	UserID  string
	LoginID string
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Response is a successful (non-error) provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	LoginID    string
	// Cached is set when the body came from a derived cache entry.
	Cached bool
}

// Caller performs authenticated resource calls.
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// Sessions supplies tokens and reacts to remote rejection.
type Sessions interface {
	ResolveLogin(ctx context.Context, userID, loginID string) (string, error)
	Credential(ctx context.Context, userID, loginID string) (*session.Credential, error)
	Invalidate(ctx context.Context, userID, loginID string) error
}

// UnavailableError is a 5xx answer from the provider. RetryAfter is the
// provider's hint, or 0.
type UnavailableError struct {
	Endpoint   string
	StatusCode int
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.Endpoint, e.StatusCode)
}

// Client is the authenticated call wrapper.
type Client struct {
	baseURL  string
	sessions Sessions
	store    *store.TokenStore
	base     http.RoundTripper
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the round tripper under the bearer-token transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a wrapper calling the API rooted at baseURL.
func NewClient(baseURL string, sessions Sessions, ts *store.TokenStore, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		sessions: sessions,
		store:    ts,
		base:     http.DefaultTransport,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call obtains a token for the login and performs req.
//
// 401 discards the login's token and returns autherr.ErrReauthenticationRequired;
// it is not retried. 5xx and network failures return a retryable
// autherr.ErrUpstreamUnavailable and leave the token alone. Other 4xx return
// *autherr.UpstreamRequestError.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if !strings.HasPrefix(req.Path, "/") {
		return nil, autherr.InvalidArgument("upstream path %q must start with /", req.Path)
	}
	cred, err := c.sessions.Credential(ctx, req.UserID, req.LoginID)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "upstream.call", trace.WithAttributes(
		attribute.String("http.request.method", req.method()),
		attribute.String("url.path", req.Path),
		attribute.String("login.id", cred.LoginID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return nil, autherr.InvalidArgument("build upstream request: %v", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if rid := logging.GetRequestID(ctx); rid != "" {
		httpReq.Header.Set("X-Request-ID", rid)
	}

	hc := &http.Client{Transport: &oauth2.Transport{
		Source: oauth2.StaticTokenSource(cred.Record.OAuth2()),
		Base:   c.base,
	}}
	resp, err := hc.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, autherr.UpstreamUnavailable(err, "call %s", req.Path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, autherr.UpstreamUnavailable(err, "read %s response", req.Path)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		span.SetStatus(codes.Error, "unauthorized")
		if err := c.sessions.Invalidate(ctx, req.UserID, cred.LoginID); err != nil {
			return nil, err
		}
		cause := errors.Newf("upstream %s returned 401", req.Path)
		return nil, autherr.ReauthenticationRequired(req.UserID, cred.LoginID, cause)
	case resp.StatusCode >= 500:
		span.SetStatus(codes.Error, "server error")
		return nil, errors.Mark(&UnavailableError{
			Endpoint:   req.Path,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryDelay(resp.Header, respBody, c.now()),
		}, autherr.ErrUpstreamUnavailable)
	case resp.StatusCode >= 400:
		span.SetStatus(codes.Error, "client error")
		return nil, autherr.UpstreamRequest(req.Path, resp.StatusCode, respBody)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
		LoginID:    cred.LoginID,
	}, nil
}

// CachedGet serves a GET from the login's derived cache of the given kind,
// calling the provider and filling the cache on a miss.
func (c *Client) CachedGet(ctx context.Context, req *Request, kind string, ttl time.Duration) (*Response, error) {
	loginID, err := c.sessions.ResolveLogin(ctx, req.UserID, req.LoginID)
	if err != nil {
		return nil, err
	}
	cached, ok, err := c.store.GetCache(ctx, kind, req.UserID, loginID)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       cached,
			LoginID:    loginID,
			Cached:     true,
		}, nil
	}

	call := *req
	call.Method = http.MethodGet
	call.LoginID = loginID
	resp, err := c.Call(ctx, &call)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		if err := c.store.PutCache(ctx, kind, req.UserID, loginID, resp.Body, ttl); err != nil {
			logging.FromContext(ctx, c.logger).Warn("failed to fill cache",
				"kind", kind, "user_id", req.UserID, "login_id", loginID, "error", err)
		}
	}
	return resp, nil
}
