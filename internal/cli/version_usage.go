package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/firefrp/firefrp/internal/versionutil"
)

func printUsage() {
	fmt.Println(`firefrp - control plane for a pool of short-lived, authenticated frp tunnels

Usage:
  firefrp                  Start the server (frps supervisor, client API, chat bot)
  firefrp --config DIR     Use DIR as the install root instead of the working directory
  firefrp --update         Check the release feed, apply an update if one exists, and exit
  firefrp --version        Print version
  firefrp --help           Show this help

The install root holds config.json, data/ (credential store, audit log) and
bin/ (the managed frps binary). It defaults to the current directory.

Signals SIGINT, SIGTERM and SIGHUP trigger a graceful shutdown.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	// Normalize: ensure non-dev versions start with "v" (GoReleaser
	// template {{.Version}} strips the prefix while git-describe keeps it).
	if Version != "dev" {
		Version = versionutil.EnsureVPrefix(Version)
	}
}

func printVersion() {
	fmt.Println("firefrp", Version)
}
