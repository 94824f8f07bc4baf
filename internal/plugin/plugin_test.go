package plugin

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

	"github.com/firefrp/firefrp/internal/credential"
	"github.com/firefrp/firefrp/internal/domain"
	"github.com/firefrp/firefrp/internal/jsonstore"
	"github.com/firefrp/firefrp/internal/portalloc"
	"github.com/firefrp/firefrp/internal/rejectset"
)

type recordingNotifier struct {
	mu        sync.Mutex
	connected []string
	closed    []string
}

func (n *recordingNotifier) NotifyTunnelConnected(groupID, tunnelID, publicAddr, userName, gameLabel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = append(n.connected, tunnelID)
}

func (n *recordingNotifier) NotifyTunnelDisconnected(groupID, tunnelID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, tunnelID)
}

type recordingMotd struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (m *recordingMotd) Start(tunnelID, publicAddr string, remotePort int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, tunnelID)
}

func (m *recordingMotd) Cancel(tunnelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, tunnelID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	handler  *Handler
	cred     *credential.Service
	store    *jsonstore.Store
	notifier *recordingNotifier
	motd     *recordingMotd
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := discardLogger()
	store, err := jsonstore.Open(t.TempDir(), log)
	require.NoError(t, err)
	ports := portalloc.New(20000, 20010)
	cred := credential.New(store, ports, "ff-", log)
	reject := rejectset.New()
	notifier := &recordingNotifier{}
	motd := &recordingMotd{}

	var mu sync.Mutex
	withLock := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}

	h := New(cred, reject, notifier, motd, func() string { return "example.com" }, withLock, log)
	return &fixture{handler: h, cred: cred, store: store, notifier: notifier, motd: motd}
}

func (f *fixture) lastAuditEvent(t *testing.T) string {
	t.Helper()
	entries := f.store.Audit.All()
	require.NotEmpty(t, entries)
	return entries[len(entries)-1].EventType
}

func (f *fixture) post(t *testing.T, op string, content any) pluginResponse {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	body, err := json.Marshal(pluginRequest{Version: "0.1.0", Op: op, Content: raw})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/frps-plugin/handler", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp pluginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServeHTTPRejectsNonLoopback(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(pluginRequest{Op: "Ping"})
	req := httptest.NewRequest(http.MethodPost, "/frps-plugin/handler", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoginActivatesPendingCredential(t *testing.T) {
	f := newFixture(t)
	c, err := f.cred.Create("u1", "Alice", "g1", domain.GameMinecraft, time.Hour)
	require.NoError(t, err)

	resp := f.post(t, "Login", loginContent{RunID: "run-1", Metas: struct {
		AccessKey string `json:"access_key"`
	}{AccessKey: c.Key}})
	require.False(t, resp.Reject)

	got, ok := f.cred.GetByKey(c.Key)
	require.True(t, ok)
	require.Equal(t, domain.StatusActive, got.Status)
	require.Len(t, f.motd.started, 1)
	require.Eventually(t, func() bool {
		f.notifier.mu.Lock()
		defer f.notifier.mu.Unlock()
		return len(f.notifier.connected) == 1
	}, time.Second, time.Millisecond)
}

func TestLoginRejectsUnknownKey(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "Login", loginContent{Metas: struct {
		AccessKey string `json:"access_key"`
	}{AccessKey: "ff-doesnotexist"}})
	require.True(t, resp.Reject)
}

func TestLoginIdempotentForActiveClient(t *testing.T) {
	f := newFixture(t)
	c, err := f.cred.Create("u1", "Alice", "", domain.GameFactorio, time.Hour)
	require.NoError(t, err)
	_, ok := f.cred.Activate(c.Key, "run-1")
	require.True(t, ok)

	resp := f.post(t, "Login", loginContent{RunID: "run-1", Metas: struct {
		AccessKey string `json:"access_key"`
	}{AccessKey: c.Key}})
	require.False(t, resp.Reject)
}

func TestNewProxyValidatesEveryField(t *testing.T) {
	f := newFixture(t)
	c, err := f.cred.Create("u1", "Alice", "", domain.GameValheim, time.Hour)
	require.NoError(t, err)

	valid := newProxyContent{ProxyName: c.ProxyName, ProxyType: "tcp", RemotePort: c.RemotePort}
	valid.User.Metas.AccessKey = c.Key
	resp := f.post(t, "NewProxy", valid)
	require.False(t, resp.Reject)
	require.Equal(t, domain.EventProxyOpened, f.lastAuditEvent(t))

	badPort := valid
	badPort.RemotePort = c.RemotePort + 1
	resp = f.post(t, "NewProxy", badPort)
	require.True(t, resp.Reject)
	require.Equal(t, domain.EventClientRejected, f.lastAuditEvent(t))

	badType := valid
	badType.ProxyType = "udp"
	resp = f.post(t, "NewProxy", badType)
	require.True(t, resp.Reject)
	require.Equal(t, domain.EventClientRejected, f.lastAuditEvent(t))
}

func TestNewProxyRejectsMissingKey(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "NewProxy", newProxyContent{ProxyType: "tcp"})
	require.True(t, resp.Reject)
}

func TestPingAllowsMissingKey(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "Ping", pingOrCloseContent{})
	require.False(t, resp.Reject)
}

func TestPingRejectsExpiredAndPopulatesRejectSet(t *testing.T) {
	f := newFixture(t)
	c, err := f.cred.Create("u1", "Alice", "", domain.GameTerraria, -time.Minute)
	require.NoError(t, err)

	content := pingOrCloseContent{}
	content.User.Metas.AccessKey = c.Key
	resp := f.post(t, "Ping", content)
	require.True(t, resp.Reject)
	require.Equal(t, domain.EventClientRejected, f.lastAuditEvent(t))

	entriesAfterFirst := len(f.store.Audit.All())
	resp = f.post(t, "Ping", content)
	require.True(t, resp.Reject)
	// The second hit lands on the RejectSet fast path, which must stay
	// free of Store I/O: no additional audit row is written.
	require.Len(t, f.store.Audit.All(), entriesAfterFirst)
}

func TestCloseProxyDisconnectsActiveAndNotifies(t *testing.T) {
	f := newFixture(t)
	c, err := f.cred.Create("u1", "Alice", "g1", domain.GameStarbound, time.Hour)
	require.NoError(t, err)
	_, ok := f.cred.Activate(c.Key, "run-1")
	require.True(t, ok)

	content := pingOrCloseContent{ProxyName: c.ProxyName}
	content.User.Metas.AccessKey = c.Key
	resp := f.post(t, "CloseProxy", content)
	require.False(t, resp.Reject)

	got, ok := f.cred.GetByKey(c.Key)
	require.True(t, ok)
	require.Equal(t, domain.StatusDisconnected, got.Status)
	require.Eventually(t, func() bool {
		f.notifier.mu.Lock()
		defer f.notifier.mu.Unlock()
		return len(f.notifier.closed) == 1
	}, time.Second, time.Millisecond)
}

func TestUnsupportedOpRejects(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "Unknown", struct{}{})
	require.True(t, resp.Reject)
}
