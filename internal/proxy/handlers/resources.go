package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/proxy/middleware"
	"github.com/pysugar/login-nexus/internal/store"
	"github.com/pysugar/login-nexus/internal/upstream"
)

const (
	accountsKind      = store.CacheAccounts
	accountHashesKind = store.CacheAccountHashes
)

// relayHeaders are the request headers forwarded to the provider.
var relayHeaders = []string{"Accept", "Content-Type"}

// CachedResourceHandler serves a provider GET through the login's cache of
// the given kind.
func CachedResourceHandler(cache CachedGetter, path, kind string, ttl time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := cache.CachedGet(r.Context(), &upstream.Request{
			Path:    path,
			UserID:  middleware.UserID(r.Context()),
			LoginID: r.Header.Get(AccountHeader),
		}, kind, ttl)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		if resp.Cached {
			w.Header().Set("X-Nexus-Cache", "hit")
		} else {
			w.Header().Set("X-Nexus-Cache", "miss")
		}
		writeUpstream(w, resp)
	}
}

// RelayHandler forwards /api/provider/* to the provider API with the login's
// token attached.
func RelayHandler(caller upstream.Caller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, r, logger, autherr.InvalidArgument("read request body: %v", err))
			return
		}
		header := http.Header{}
		for _, name := range relayHeaders {
			if v := r.Header.Get(name); v != "" {
				header.Set(name, v)
			}
		}
		req := &upstream.Request{
			Method:  r.Method,
			Path:    "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/"),
			Query:   r.URL.Query(),
			Header:  header,
			UserID:  middleware.UserID(r.Context()),
			LoginID: r.Header.Get(AccountHeader),
		}
		if len(body) > 0 {
			req.Body = body
		}

		resp, err := caller.Call(r.Context(), req)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeUpstream(w, resp)
	}
}

func writeUpstream(w http.ResponseWriter, resp *upstream.Response) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(AccountHeader, resp.LoginID)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
