// Package plugin serves the frps httpPlugins callback protocol
// (Login/NewProxy/Ping/CloseProxy) that gates every tunnel lifecycle
// transition frps itself cannot police (spec §4.8).
package plugin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/firefrp/firefrp/internal/credential"
	"github.com/firefrp/firefrp/internal/netutil"
	"github.com/firefrp/firefrp/internal/rejectset"
)

// Notifier is the subset of BotDispatcher/BotTransport the plugin handler
// needs for the Login/CloseProxy side effects (spec §4.8).
type Notifier interface {
	NotifyTunnelConnected(groupID, tunnelID, publicAddr, userName, gameLabel string)
	NotifyTunnelDisconnected(groupID, tunnelID string)
}

// MotdStarter is the subset of MotdProbe the plugin handler needs to kick
// off a probe on Minecraft Login.
type MotdStarter interface {
	Start(tunnelID, publicAddr string, remotePort int)
	Cancel(tunnelID string)
}

// Handler implements POST /frps-plugin/handler.
type Handler struct {
	cred      *credential.Service
	reject    *rejectset.Set
	notifier  Notifier
	motd      MotdStarter
	publicAddr func() string
	withLock  func(func())
	log       *slog.Logger
	now       func() time.Time
}

// New builds a Handler. withLock must run fn while holding the process
// state lock (spec §5). publicAddr resolves the server's advertised host,
// used to compose the "tunnel connected" notification tuple.
func New(cred *credential.Service, reject *rejectset.Set, notifier Notifier, motd MotdStarter, publicAddr func() string, withLock func(func()), log *slog.Logger) *Handler {
	return &Handler{
		cred:       cred,
		reject:     reject,
		notifier:   notifier,
		motd:       motd,
		publicAddr: publicAddr,
		withLock:   withLock,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type pluginRequest struct {
	Version string          `json:"version"`
	Op      string          `json:"op"`
	Content json.RawMessage `json:"content"`
}

type pluginResponse struct {
	Reject       bool   `json:"reject"`
	RejectReason string `json:"reject_reason"`
	Unchange     bool   `json:"unchange"`
}

func allow() pluginResponse { return pluginResponse{Unchange: true} }

func reject(reason string) pluginResponse {
	return pluginResponse{Reject: true, RejectReason: reason}
}

// ServeHTTP dispatches to the per-op handler. The source check and the
// "never default-allow on error" rule are both mandatory (spec §4.8).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !netutil.IsLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, reject("malformed request"))
		return
	}

	resp := h.dispatch(req)
	writeJSON(w, resp)
}

func (h *Handler) dispatch(req pluginRequest) (resp pluginResponse) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("plugin: handler panic", "op", req.Op, "recover", r)
			resp = reject("internal server error")
		}
	}()

	switch req.Op {
	case "Login":
		return h.handleLogin(req.Content)
	case "NewProxy":
		return h.handleNewProxy(req.Content)
	case "Ping":
		return h.handlePing(req.Content)
	case "CloseProxy":
		return h.handleCloseProxy(req.Content)
	default:
		return reject("unsupported op")
	}
}

func writeJSON(w http.ResponseWriter, v pluginResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

