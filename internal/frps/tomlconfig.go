package frps

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/firefrp/firefrp/internal/config"
)

type frpsAuthDoc struct {
	Method string `toml:"method"`
	Token  string `toml:"token"`
}

type frpsWebServerDoc struct {
	Addr     string `toml:"addr"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type frpsPortRangeDoc struct {
	Start int `toml:"start"`
	End   int `toml:"end"`
}

type frpsHTTPPluginDoc struct {
	Name string   `toml:"name"`
	Addr string   `toml:"addr"`
	Path string   `toml:"path"`
	Ops  []string `toml:"ops"`
}

// frpsConfigDoc mirrors the frps TOML config schema spec §6.3 requires: a
// token-authenticated server with a fixed proxy port range and a single
// httpPlugins entry pointing back at FireFrp's own plugin handler.
type frpsConfigDoc struct {
	BindAddr          string              `toml:"bindAddr"`
	BindPort          int                 `toml:"bindPort"`
	Auth              frpsAuthDoc         `toml:"auth"`
	WebServer         frpsWebServerDoc    `toml:"webServer"`
	AllowPorts        []frpsPortRangeDoc  `toml:"allowPorts"`
	MaxPortsPerClient int                 `toml:"maxPortsPerClient"`
	HTTPPlugins       []frpsHTTPPluginDoc `toml:"httpPlugins"`
}

// generateTOML renders the subprocess config document described in spec
// §6.3. serverPort is FireFrp's own client-API port, wired into the
// httpPlugins block so frps can reach the plugin handler on loopback.
func generateTOML(cfg config.Frps, portRangeStart, portRangeEnd, serverPort int) (string, error) {
	doc := frpsConfigDoc{
		BindAddr: cfg.BindAddr,
		BindPort: cfg.BindPort,
		Auth:     frpsAuthDoc{Method: "token", Token: cfg.AuthToken},
		WebServer: frpsWebServerDoc{
			Addr:     cfg.AdminAddr,
			Port:     cfg.AdminPort,
			User:     cfg.AdminUser,
			Password: cfg.AdminPassword,
		},
		AllowPorts:        []frpsPortRangeDoc{{Start: portRangeStart, End: portRangeEnd}},
		MaxPortsPerClient: 1,
		HTTPPlugins: []frpsHTTPPluginDoc{{
			Name: "firefrp-manager",
			Addr: fmt.Sprintf("127.0.0.1:%d", serverPort),
			Path: "/frps-plugin/handler",
			Ops:  []string{"Login", "NewProxy", "CloseProxy", "Ping"},
		}},
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("frps: marshal config: %w", err)
	}
	return string(data), nil
}
