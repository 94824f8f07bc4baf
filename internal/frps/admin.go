package frps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/firefrp/firefrp/internal/config"
)

// adminCallTimeout is the per-call deadline for admin-API queries (spec §5).
const adminCallTimeout = 2 * time.Second

// AdminClient proxies queries to the supervised frps process's built-in
// admin HTTP server (spec §4.7).
type AdminClient struct {
	baseURL string
	user    string
	pass    string
	client  *http.Client
}

// NewAdminClient builds a client from the frps subprocess config it will
// itself generate the TOML for, so the two are always in sync.
func NewAdminClient(cfg config.Frps) *AdminClient {
	return &AdminClient{
		baseURL: fmt.Sprintf("http://%s:%d", cfg.AdminAddr, cfg.AdminPort),
		user:    cfg.AdminUser,
		pass:    cfg.AdminPassword,
		client:  &http.Client{},
	}
}

func (c *AdminClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, adminCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("frps admin API %s returned %s", path, resp.Status)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode admin API response: %w", err)
	}
	return raw, nil
}

// ServerInfo calls GET /api/serverinfo, also used as the readiness probe.
func (c *AdminClient) ServerInfo(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/serverinfo")
}

// ProxiesTCP calls GET /api/proxy/tcp.
func (c *AdminClient) ProxiesTCP(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/proxy/tcp")
}

// ProxyTCP calls GET /api/proxy/tcp/:name.
func (c *AdminClient) ProxyTCP(ctx context.Context, name string) (json.RawMessage, error) {
	return c.get(ctx, "/api/proxy/tcp/"+name)
}

// Traffic calls GET /api/traffic/:name.
func (c *AdminClient) Traffic(ctx context.Context, name string) (json.RawMessage, error) {
	return c.get(ctx, "/api/traffic/"+name)
}
