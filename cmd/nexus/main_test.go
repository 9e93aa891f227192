package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pysugar/login-nexus/internal/auth/login"
	"github.com/pysugar/login-nexus/internal/config"
	"github.com/pysugar/login-nexus/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "nexus dev")
}

func TestLoginsListRequiresUser(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"logins", "list"})
	assert.ErrorContains(t, cmd.Execute(), "--user is required")
}

func TestPrintLogins(t *testing.T) {
	ctx := context.Background()
	registry := login.NewRegistry(store.NewTokenStore(store.NewMemoryStore(nil), "schwab", nil))
	require.NoError(t, registry.Add(ctx, "u1", "login-a", "Brokerage"))
	require.NoError(t, registry.Add(ctx, "u1", "login-b", "IRA"))

	var out bytes.Buffer
	require.NoError(t, printLogins(ctx, &out, registry, "u1"))
	assert.Contains(t, out.String(), "login-a")
	assert.Contains(t, out.String(), "Brokerage")
	assert.Contains(t, out.String(), "IRA")
	assert.Contains(t, out.String(), "TOTAL")
}

func TestOpenBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	be, err := openBackend(config.StoreConfig{Driver: config.DriverMemory}, logger)
	require.NoError(t, err)
	assert.Nil(t, be.db)
	be.close()

	be, err = openBackend(config.StoreConfig{
		Driver:     config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "nexus.db"),
	}, logger)
	require.NoError(t, err)
	require.NotNil(t, be.db)
	require.NoError(t, be.kv.Set(context.Background(), "k", []byte("v"), 0))
	v, ok, err := be.kv.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	be.close()

	_, err = openBackend(config.StoreConfig{Driver: "etcd"}, logger)
	assert.Error(t, err)
}

func TestServicesRouterServesHealth(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.ClientID = "id"
	cfg.Provider.ClientSecret = "secret"
	cfg.Provider.StateSecret = "0123456789abcdef"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := newServices(cfg, store.NewMemoryStore(nil), logger)
	rec := httptest.NewRecorder()
	svc.router(cfg, logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
