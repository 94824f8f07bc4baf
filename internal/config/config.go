// Package config loads and persists the hierarchical JSON configuration
// document described in spec §4.2 and §6.6: known keys are merged against
// schema defaults, unknown keys survive under a "deprecated" bucket instead
// of being silently dropped.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	insecureAuthToken    = "changeme"
	insecureAdminPass    = "changeme"
	defaultServerPort    = 8080
	defaultFrpVersion    = "0.61.1"
	defaultPortRangeLo   = 20000
	defaultPortRangeHi   = 29999
	defaultKeyTTLMinutes = 30
	defaultKeyPrefix     = "ff-"
	filePerm             = 0o600
	dirPerm              = 0o700
)

// ServerIdentity is returned verbatim by the ClientAPI server-info endpoint.
type ServerIdentity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PublicAddr  string `json:"publicAddr"`
	Description string `json:"description"`
}

// Frps holds the subprocess tunables consumed by the TOML generator.
type Frps struct {
	BindAddr      string `json:"bindAddr"`
	BindPort      int    `json:"bindPort"`
	AuthToken     string `json:"authToken"`
	AdminAddr     string `json:"adminAddr"`
	AdminPort     int    `json:"adminPort"`
	AdminUser     string `json:"adminUser"`
	AdminPassword string `json:"adminPassword"`
}

// Updates selects the release channel and optional GitHub auth token used
// by UpdateService.
type Updates struct {
	Channel     string `json:"channel"`
	GithubToken string `json:"githubToken"`
}

// Bot holds the chat transport connection info and access control lists.
type Bot struct {
	WsURL           string   `json:"wsUrl"`
	Token           string   `json:"token"`
	SelfID          string   `json:"selfId"`
	BroadcastGroups []string `json:"broadcastGroups"`
	AdminUsers      []string `json:"adminUsers"`
	AllowedGroups   []string `json:"allowedGroups"`
}

// Config is the full recognised configuration schema (spec §4.2).
type Config struct {
	ServerPort     int             `json:"serverPort"`
	FrpVersion     string          `json:"frpVersion"`
	Server         ServerIdentity  `json:"server"`
	Frps           Frps            `json:"frps"`
	PortRangeStart int             `json:"portRangeStart"`
	PortRangeEnd   int             `json:"portRangeEnd"`
	KeyTTLMinutes  int             `json:"keyTtlMinutes"`
	KeyPrefix      string          `json:"keyPrefix"`
	Updates        Updates         `json:"updates"`
	Bot            Bot             `json:"bot"`
	Deprecated     json.RawMessage `json:"deprecated,omitempty"`

	path string
}

// knownKeys lists every top-level key the schema recognises. Anything else
// found in a loaded file is preserved but relocated under "deprecated".
var knownKeys = map[string]bool{
	"serverPort":     true,
	"frpVersion":     true,
	"server":         true,
	"frps":           true,
	"portRangeStart": true,
	"portRangeEnd":   true,
	"keyTtlMinutes":  true,
	"keyPrefix":      true,
	"updates":        true,
	"bot":            true,
}

// Defaults returns the schema's built-in defaults. Insecure placeholder
// values for frps.authToken and frps.adminPassword are intentional: callers
// must change them, and Load warns loudly if they don't.
func Defaults() Config {
	return Config{
		ServerPort: defaultServerPort,
		FrpVersion: defaultFrpVersion,
		Server: ServerIdentity{
			ID:   "firefrp",
			Name: "FireFrp",
		},
		Frps: Frps{
			BindAddr:      "0.0.0.0",
			BindPort:      7000,
			AuthToken:     insecureAuthToken,
			AdminAddr:     "127.0.0.1",
			AdminPort:     7500,
			AdminUser:     "admin",
			AdminPassword: insecureAdminPass,
		},
		PortRangeStart: defaultPortRangeLo,
		PortRangeEnd:   defaultPortRangeHi,
		KeyTTLMinutes:  defaultKeyTTLMinutes,
		KeyPrefix:      defaultKeyPrefix,
		Updates: Updates{
			Channel: "stable",
		},
	}
}

// Load reads path, merges it against Defaults(), and returns the resolved
// Config plus any human-readable warnings the caller should log at startup
// (insecure placeholder credentials, relocated deprecated keys). A missing
// file is not an error: Load returns pure defaults and the caller is
// expected to Save them so a config.json is created on first run.
func Load(path string, log *slog.Logger) (*Config, []string, error) {
	cfg := Defaults()
	cfg.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	deprecated := map[string]json.RawMessage{}
	if existing, ok := raw["deprecated"]; ok {
		if err := json.Unmarshal(existing, &deprecated); err != nil {
			log.Warn("config: deprecated bucket is malformed, discarding", "err", err)
			deprecated = map[string]json.RawMessage{}
		}
	}

	var warnings []string
	known := map[string]json.RawMessage{}
	for k, v := range raw {
		if k == "deprecated" {
			continue
		}
		if knownKeys[k] {
			known[k] = v
			continue
		}
		deprecated[k] = v
		warnings = append(warnings, fmt.Sprintf("config: unrecognized key %q moved to deprecated bucket", k))
	}

	cleaned, err := json.Marshal(known)
	if err != nil {
		return nil, nil, fmt.Errorf("config: re-marshal known keys: %w", err)
	}
	if err := json.Unmarshal(cleaned, &cfg); err != nil {
		return nil, nil, fmt.Errorf("config: apply %s: %w", path, err)
	}

	if len(deprecated) > 0 {
		depBytes, err := json.Marshal(deprecated)
		if err != nil {
			return nil, nil, fmt.Errorf("config: marshal deprecated bucket: %w", err)
		}
		cfg.Deprecated = depBytes
	}

	if cfg.Frps.AuthToken == insecureAuthToken {
		warnings = append(warnings, "config: frps.authToken is set to its insecure placeholder value")
	}
	if cfg.Frps.AdminPassword == insecureAdminPass {
		warnings = append(warnings, "config: frps.adminPassword is set to its insecure placeholder value")
	}

	cfg.path = path
	return &cfg, warnings, nil
}

// Save rewrites the config file, preserving the deprecated bucket, using
// the same write-tmp-then-rename atomicity as the JSON store (spec §6.6).
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config: Save called on a Config with no backing path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), dirPerm); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Path returns the file Load read this Config from (or Save will write to).
func (c *Config) Path() string { return c.path }
