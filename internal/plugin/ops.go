package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/firefrp/firefrp/internal/domain"
)

type loginContent struct {
	RunID string `json:"run_id"`
	Metas struct {
		AccessKey string `json:"access_key"`
	} `json:"metas"`
}

type newProxyContent struct {
	ProxyName  string `json:"proxy_name"`
	ProxyType  string `json:"proxy_type"`
	RemotePort int    `json:"remote_port"`
	User       struct {
		Metas struct {
			AccessKey string `json:"access_key"`
		} `json:"metas"`
	} `json:"user"`
}

type pingOrCloseContent struct {
	ProxyName string `json:"proxy_name"`
	User      struct {
		Metas struct {
			AccessKey string `json:"access_key"`
		} `json:"metas"`
	} `json:"user"`
}

// handleLogin implements the Login op (spec §4.8).
func (h *Handler) handleLogin(raw json.RawMessage) pluginResponse {
	var content loginContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return reject("malformed content")
	}
	key := content.Metas.AccessKey
	if key == "" {
		return reject("missing access_key")
	}

	var result pluginResponse
	var activated *domain.Credential
	h.withLock(func() {
		rec, ok := h.cred.GetByKey(key)
		if !ok {
			result = reject("unknown key")
			return
		}
		if !rec.ExpiresAt.After(h.now()) {
			h.reject.Add(key)
			h.cred.Audit(domain.EventClientRejected, &rec.ID, "op=Login reason=key expired")
			result = reject("key expired")
			return
		}
		switch rec.Status {
		case domain.StatusExpired, domain.StatusRevoked, domain.StatusDisconnected:
			h.cred.Audit(domain.EventClientRejected, &rec.ID, fmt.Sprintf("op=Login reason=status %s", rec.Status))
			result = reject("key is no longer valid")
			return
		case domain.StatusActive:
			result = allow()
			return
		case domain.StatusPending:
			act, ok := h.cred.Activate(key, content.RunID)
			if !ok {
				h.cred.Audit(domain.EventClientRejected, &rec.ID, "op=Login reason=activation failed")
				result = reject("activation failed")
				return
			}
			activated = act
			result = allow()
		default:
			h.cred.Audit(domain.EventClientRejected, &rec.ID, fmt.Sprintf("op=Login reason=unknown status %s", rec.Status))
			result = reject("unknown status")
		}
	})

	// Notifications fire after the lock is released: they involve network
	// I/O (bot gateway, MOTD probe scheduling) and must never hold up the
	// next plugin callback.
	if activated != nil {
		if activated.GroupID != "" && h.notifier != nil {
			publicAddr := fmt.Sprintf("%s:%d", h.publicAddr(), activated.RemotePort)
			go h.notifier.NotifyTunnelConnected(activated.GroupID, activated.TunnelID, publicAddr, activated.UserName, activated.GameType.DisplayName())
		}
		if activated.GameType == domain.GameMinecraft && h.motd != nil {
			h.motd.Start(activated.TunnelID, h.publicAddr(), activated.RemotePort)
		}
	}
	return result
}

// handleNewProxy implements the NewProxy op (spec §4.8). Every field must
// match the reserving credential exactly; nothing here may default-allow.
func (h *Handler) handleNewProxy(raw json.RawMessage) pluginResponse {
	var content newProxyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return reject("malformed content")
	}
	key := content.User.Metas.AccessKey
	if key == "" {
		return reject("missing access_key")
	}

	var result pluginResponse
	h.withLock(func() {
		rec, ok := h.cred.GetByKey(key)
		if !ok {
			result = reject("unknown key")
			return
		}
		switch {
		case content.ProxyName != rec.ProxyName:
			h.cred.Audit(domain.EventClientRejected, &rec.ID, "op=NewProxy reason=proxy name mismatch")
			result = reject("proxy name mismatch")
		case content.RemotePort != rec.RemotePort:
			h.cred.Audit(domain.EventClientRejected, &rec.ID, "op=NewProxy reason=remote port mismatch")
			result = reject("remote port mismatch")
		case content.ProxyType != "tcp":
			h.cred.Audit(domain.EventClientRejected, &rec.ID, "op=NewProxy reason=unsupported proxy type")
			result = reject("unsupported proxy type")
		default:
			h.cred.Audit(domain.EventProxyOpened, &rec.ID, fmt.Sprintf("proxy=%s port=%d", rec.ProxyName, rec.RemotePort))
			result = allow()
		}
	})
	return result
}

// handlePing implements the Ping op (spec §4.8). This is the RejectSet
// fast path: a hit here must never require a Store lookup.
func (h *Handler) handlePing(raw json.RawMessage) pluginResponse {
	var content pingOrCloseContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return reject("malformed content")
	}
	key := content.User.Metas.AccessKey
	if key == "" {
		return allow()
	}
	if h.reject.Contains(key) {
		return reject("key rejected")
	}

	var result pluginResponse
	h.withLock(func() {
		rec, ok := h.cred.GetByKey(key)
		if !ok {
			result = reject("unknown key")
			return
		}
		if rec.Terminal() {
			h.reject.Add(key)
			h.cred.Audit(domain.EventClientRejected, &rec.ID, fmt.Sprintf("op=Ping reason=status %s", rec.Status))
			result = reject("key is no longer valid")
			return
		}
		if !rec.ExpiresAt.After(h.now()) {
			h.reject.Add(key)
			h.cred.Audit(domain.EventClientRejected, &rec.ID, "op=Ping reason=key expired")
			result = reject("key expired")
			return
		}
		result = allow()
	})
	return result
}

// handleCloseProxy implements the CloseProxy op (spec §4.8). It always
// replies allow: frps is closing the proxy regardless of our answer here.
func (h *Handler) handleCloseProxy(raw json.RawMessage) pluginResponse {
	var content pingOrCloseContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return allow()
	}
	key := content.User.Metas.AccessKey
	if key == "" {
		return allow()
	}

	var disconnected *domain.Credential
	h.withLock(func() {
		rec, ok := h.cred.GetByKey(key)
		if !ok || rec.Status != domain.StatusActive {
			return
		}
		updated, ok, err := h.cred.Disconnect(key)
		if err != nil {
			h.log.Error("plugin: disconnect transition failed", "tunnel", rec.TunnelID, "err", err)
			return
		}
		if !ok {
			return
		}
		h.reject.Add(key)
		disconnected = updated
	})

	if disconnected != nil {
		if h.motd != nil {
			h.motd.Cancel(disconnected.TunnelID)
		}
		if disconnected.GroupID != "" && h.notifier != nil {
			go h.notifier.NotifyTunnelDisconnected(disconnected.GroupID, disconnected.TunnelID)
		}
	}
	return allow()
}
