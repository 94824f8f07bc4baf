package clientapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firefrp/firefrp/internal/config"
	"github.com/firefrp/firefrp/internal/credential"
	"github.com/firefrp/firefrp/internal/domain"
	"github.com/firefrp/firefrp/internal/jsonstore"
	"github.com/firefrp/firefrp/internal/portalloc"
)

func newTestAPI(t *testing.T) (*API, *credential.Service) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := jsonstore.Open(t.TempDir(), log)
	require.NoError(t, err)
	ports := portalloc.New(20000, 20010)
	cred := credential.New(store, ports, "ff-", log)

	cfg := config.Defaults()
	cfg.Frps.BindAddr = "203.0.113.10"
	cfg.Frps.BindPort = 7000
	cfg.Frps.AuthToken = "shared-frps-secret"

	var mu sync.Mutex
	withLock := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
	return New(cred, &cfg, withLock, log), cred
}

func doValidate(t *testing.T, api *API, key, remoteAddr string) (*httptest.ResponseRecorder, validateResponse) {
	t.Helper()
	body, _ := json.Marshal(validateRequest{Key: key})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(body))
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	var resp validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestValidateSuccess(t *testing.T) {
	api, cred := newTestAPI(t)
	c, err := cred.Create("u1", "Alice", "", domain.GamePalworld, time.Hour)
	require.NoError(t, err)

	rec, resp := doValidate(t, api, c.Key, "198.51.100.5:1234")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)
	require.Equal(t, "203.0.113.10", resp.Data.FrpsAddr)
	require.Equal(t, 7000, resp.Data.FrpsPort)
	require.Equal(t, c.RemotePort, resp.Data.RemotePort)
	require.Equal(t, c.ProxyName, resp.Data.ProxyName)
	require.Equal(t, "shared-frps-secret", resp.Data.Token)
	require.NotEqual(t, c.Key, resp.Data.Token)
}

func TestValidateUsesHostHeaderWhenBindAddrIsWildcard(t *testing.T) {
	api, cred := newTestAPI(t)
	api.cfg.Frps.BindAddr = "0.0.0.0"
	c, err := cred.Create("u1", "Alice", "", domain.GamePalworld, time.Hour)
	require.NoError(t, err)

	body, _ := json.Marshal(validateRequest{Key: c.Key})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.5:1234"
	req.Host = "tunnels.example.com"
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	var resp validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "tunnels.example.com", resp.Data.FrpsAddr)
}

func TestValidateErrorMapping(t *testing.T) {
	api, cred := newTestAPI(t)

	rec, resp := doValidate(t, api, "ff-doesnotexist000000000000000000", "198.51.100.5:1")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "KEY_NOT_FOUND", resp.Error.Code)

	c, err := cred.Create("u1", "Alice", "", domain.GameDontStarveTogether, time.Hour)
	require.NoError(t, err)
	_, ok := cred.Activate(c.Key, "run-1")
	require.True(t, ok)
	rec, resp = doValidate(t, api, c.Key, "198.51.100.5:2")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "KEY_ALREADY_USED", resp.Error.Code)

	revoked, err := cred.Create("u2", "Bob", "", domain.GameFactorio, time.Hour)
	require.NoError(t, err)
	_, _, err = cred.Revoke(revoked.ID)
	require.NoError(t, err)
	rec, resp = doValidate(t, api, revoked.Key, "198.51.100.5:3")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "KEY_REVOKED", resp.Error.Code)
}

func TestValidateRejectsMalformedKey(t *testing.T) {
	api, _ := newTestAPI(t)
	rec, resp := doValidate(t, api, "not a valid key!", "198.51.100.5:4")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestValidateRateLimitsPerIP(t *testing.T) {
	api, _ := newTestAPI(t)
	var last *httptest.ResponseRecorder
	for i := 0; i < int(perMinuteLimit)+1; i++ {
		last, _ = doValidate(t, api, "ff-somekeythatdoesnotexist0000000", "198.51.100.9:1")
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
}

func TestServerInfo(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/server-info", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp serverInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Equal(t, "stable", resp.Data.UpdateChannel)
}

func TestRecovererTurnsPanicIntoInternalError(t *testing.T) {
	api, _ := newTestAPI(t)
	panicking := api.recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	rec := httptest.NewRecorder()
	panicking.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp genericErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	require.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	require.NotContains(t, resp.Error.Message, "boom")
}

func TestHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NotEmpty(t, resp.Timestamp)
}
