package clientapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/firefrp/firefrp/internal/domain"
	"github.com/firefrp/firefrp/internal/netutil"
)

var validKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxKeyLen = 128

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type validateResponse struct {
	OK    bool          `json:"ok"`
	Data  *validateData `json:"data,omitempty"`
	Error *errorInfo    `json:"error,omitempty"`
}

type validateData struct {
	FrpsAddr   string `json:"frps_addr"`
	FrpsPort   int    `json:"frps_port"`
	RemotePort int    `json:"remote_port"`
	Token      string `json:"token"`
	ProxyName  string `json:"proxy_name"`
	ExpiresAt  string `json:"expires_at"`
}

type validateRequest struct {
	Key string `json:"key"`
}

type serverInfoResponse struct {
	OK   bool             `json:"ok"`
	Data serverInfoDetail `json:"data"`
}

type serverInfoDetail struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PublicAddr    string `json:"public_addr"`
	Description   string `json:"description"`
	ClientVersion string `json:"client_version"`
	UpdateChannel string `json:"update_channel"`
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeValidate(w http.ResponseWriter, status int, resp validateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func validateError(w http.ResponseWriter, status int, code, message string) {
	writeValidate(w, status, validateResponse{OK: false, Error: &errorInfo{Code: code, Message: message}})
}

// handleValidate implements POST /api/v1/validate (spec §4.9). It performs
// no state transition — activation only ever happens from the plugin
// handler's Login op.
func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.allow(clientIP(r)) {
		validateError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		validateError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if req.Key == "" || len(req.Key) > maxKeyLen || !validKeyPattern.MatchString(req.Key) {
		validateError(w, http.StatusBadRequest, "INVALID_REQUEST", "key must match ^[A-Za-z0-9_-]+$ and be at most 128 characters")
		return
	}

	var (
		rec *domain.Credential
		err error
	)
	a.withLock(func() {
		rec, err = a.cred.Validate(req.Key)
	})

	if err != nil {
		code, status := mapValidateError(err)
		if code == "INTERNAL_ERROR" {
			a.log.Error("clientapi: validate failed", "err", err)
		}
		validateError(w, status, code, err.Error())
		return
	}

	frpsAddr := a.cfg.Frps.BindAddr
	if frpsAddr == "0.0.0.0" {
		frpsAddr = netutil.NormalizeHost(r.Host)
	}

	writeValidate(w, http.StatusOK, validateResponse{
		OK: true,
		Data: &validateData{
			FrpsAddr:   frpsAddr,
			FrpsPort:   a.cfg.Frps.BindPort,
			RemotePort: rec.RemotePort,
			Token:      a.cfg.Frps.AuthToken,
			ProxyName:  rec.ProxyName,
			ExpiresAt:  rec.ExpiresAt.Format(time.RFC3339),
		},
	})
}

func mapValidateError(err error) (code string, status int) {
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
		return "KEY_NOT_FOUND", http.StatusNotFound
	case errors.Is(err, domain.ErrKeyExpired):
		return "KEY_EXPIRED", http.StatusGone
	case errors.Is(err, domain.ErrKeyAlreadyUsed):
		return "KEY_ALREADY_USED", http.StatusConflict
	case errors.Is(err, domain.ErrKeyRevoked):
		return "KEY_REVOKED", http.StatusForbidden
	case errors.Is(err, domain.ErrKeyDisconnected):
		return "KEY_DISCONNECTED", http.StatusGone
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}

// handleServerInfo implements GET /api/v1/server-info (spec §4.9).
func (a *API) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(serverInfoResponse{
		OK: true,
		Data: serverInfoDetail{
			ID:            a.cfg.Server.ID,
			Name:          a.cfg.Server.Name,
			PublicAddr:    a.cfg.Server.PublicAddr,
			Description:   a.cfg.Server.Description,
			ClientVersion: a.cfg.FrpVersion,
			UpdateChannel: a.cfg.Updates.Channel,
		},
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Timestamp: time.Now().Format(time.RFC3339)})
}
