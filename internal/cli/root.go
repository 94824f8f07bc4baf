package cli

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/firefrp/firefrp/internal/app"
	"github.com/firefrp/firefrp/internal/config"
	ilog "github.com/firefrp/firefrp/internal/log"
	"github.com/firefrp/firefrp/internal/update"
)

// Run is the process entry point (spec §6.8). --update performs a one-shot
// update check and exits; the no-flag form starts the server and blocks
// until a signal arrives. --config selects the install root, and --version
// and --help print and exit.
func Run(args []string) int {
	fs := flag.NewFlagSet("firefrp", flag.ContinueOnError)
	fs.Usage = printUsage
	root := fs.String("config", envOr("FIREFRP_ROOT", "."), "install root directory (holds config.json, data/, bin/)")
	doUpdate := fs.Bool("update", false, "check the release feed, apply an update if found, and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	showHelp := fs.Bool("help", false, "show usage")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	if *showHelp {
		printUsage()
		return 0
	}
	if *showVersion {
		printVersion()
		return 0
	}

	log := ilog.New(envOr("FIREFRP_LOG_LEVEL", "info"))
	rootDir, err := filepath.Abs(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, "firefrp: resolve install root:", err)
		return 1
	}

	if *doUpdate {
		return runUpdate(rootDir, log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	a, err := app.New(rootDir, Version, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "firefrp: startup failed:", err)
		return 1
	}
	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "firefrp: exited with error:", err)
		return 1
	}
	return 0
}

// runUpdate loads just enough config to know the release channel, then
// runs the update flow once. update.Service.Trigger exits the process
// itself on a successful apply, so a nil error here means "already up
// to date".
func runUpdate(rootDir string, log *slog.Logger) int {
	cfg, warnings, err := config.Load(filepath.Join(rootDir, "config.json"), log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "firefrp: load config:", err)
		return 1
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	svc := update.New(rootDir, Version, func() string { return cfg.Updates.Channel }, log)
	err = svc.Trigger(context.Background(), func(msg string) {
		fmt.Println(msg)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "firefrp: update failed:", err)
		return 1
	}
	return 0
}
