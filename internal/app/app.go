// Package app wires every FireFrp component into a single process and
// owns the state mutex the single-writer discipline in spec §5 requires
// (Store/PortAllocator/CredentialService/RejectSet/Config all mutate only
// while holding it). Grounded on the teacher's internal/cli/root.go +
// run.go composition style, generalized from a one-shot CLI command into a
// long-running daemon with its own startup/shutdown sequencing.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/firefrp/firefrp/internal/botdispatcher"
	"github.com/firefrp/firefrp/internal/bottransport"
	"github.com/firefrp/firefrp/internal/chatproto"
	"github.com/firefrp/firefrp/internal/clientapi"
	"github.com/firefrp/firefrp/internal/config"
	"github.com/firefrp/firefrp/internal/credential"
	"github.com/firefrp/firefrp/internal/debughttp"
	"github.com/firefrp/firefrp/internal/expiry"
	"github.com/firefrp/firefrp/internal/frps"
	"github.com/firefrp/firefrp/internal/jsonstore"
	"github.com/firefrp/firefrp/internal/motd"
	"github.com/firefrp/firefrp/internal/plugin"
	"github.com/firefrp/firefrp/internal/portalloc"
	"github.com/firefrp/firefrp/internal/rejectset"
	"github.com/firefrp/firefrp/internal/update"
)

const (
	dirPerm           = 0o700
	shutdownTimeout   = 15 * time.Second
	rejectHorizon     = 24 * time.Hour
	adminInfoDeadline = 2 * time.Second
)

// App is the fully wired FireFrp server (spec §4.14, "AppRoot").
type App struct {
	root    string
	version string
	log     *slog.Logger

	stateMu sync.Mutex

	cfg    *config.Config
	store  *jsonstore.Store
	ports  *portalloc.Allocator
	cred   *credential.Service
	reject *rejectset.Set

	supervisor *frps.Supervisor
	transport  *bottransport.Transport
	dispatcher *botdispatcher.Dispatcher
	prober     *motd.Prober
	updater    *update.Service

	api           *clientapi.API
	pluginHandler *plugin.Handler
	httpServer    *http.Server

	expirySched *expiry.Scheduler

	rateLimitStop chan struct{}
	pprofStop     func()

	shutdownOnce sync.Once
}

// withLock runs fn while holding the single state mutex spec §5 requires
// around every Store/PortAllocator/CredentialService/RejectSet/Config
// mutation.
func (a *App) withLock(fn func()) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	fn()
}

// New performs AppRoot startup steps 1-2 (spec §4.14): load config, load
// stores, and ensure the data directory carries owner-only permissions
// (spec §4.1). It also builds every component with no runtime
// dependencies on the others; Run finishes wiring and starts them.
func New(root, version string, log *slog.Logger) (*App, error) {
	dataDir := filepath.Join(root, "data")
	binDir := filepath.Join(root, "bin")
	if err := os.MkdirAll(dataDir, dirPerm); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}
	if err := os.Chmod(dataDir, dirPerm); err != nil {
		return nil, fmt.Errorf("app: chmod data dir: %w", err)
	}

	cfg, warnings, err := config.Load(filepath.Join(root, "config.json"), log)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	if _, statErr := os.Stat(cfg.Path()); os.IsNotExist(statErr) {
		if err := cfg.Save(); err != nil {
			log.Warn("app: write initial config failed", "err", err)
		}
	}

	store, err := jsonstore.Open(dataDir, log)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	a := &App{
		root:    root,
		version: version,
		log:     log,
		cfg:     cfg,
		store:   store,
		ports:   portalloc.New(cfg.PortRangeStart, cfg.PortRangeEnd),
		reject:  rejectset.New(),
	}
	a.cred = credential.New(store, a.ports, cfg.KeyPrefix, log)
	a.supervisor = frps.New(cfg.Frps, cfg.FrpVersion, binDir, dataDir, log)
	a.updater = update.New(root, version, func() string { return cfg.Updates.Channel }, log)
	a.api = clientapi.New(a.cred, cfg, a.withLock, log)

	return a, nil
}

func (a *App) publicAddr() string { return a.cfg.Server.PublicAddr }

// wireChatComponents builds BotTransport, BotDispatcher, MotdProbe, and the
// plugin notifier together. BotTransport and BotDispatcher reference each
// other (frames in, commands out), so Transport is built first against a
// forwarding closure and the dispatcher is patched in once it exists —
// the same "pass a func value instead of a direct struct reference"
// technique spec §9 calls out to avoid a real import cycle.
func (a *App) wireChatComponents() {
	var dispatcher *botdispatcher.Dispatcher
	a.transport = bottransport.New(a.cfg.Bot, a.log, func(ev chatproto.Event) {
		if dispatcher != nil {
			dispatcher.HandleEvent(ev)
		}
	})

	notifier := botdispatcher.NewBotNotifier(a.transport, a.log)
	a.dispatcher = botdispatcher.New(a.cred, a.reject, a.cfg, a.withLock, a.supervisor, a.transport, botdispatcher.NewMotdQuerier(), a.updater, a.version, a.log)
	dispatcher = a.dispatcher

	a.prober = motd.New(botdispatcher.NewMotdNotifier(notifier, a.dispatcher.GroupOfTunnel), a.log)
	a.pluginHandler = plugin.New(a.cred, a.reject, notifier, a.prober, a.publicAddr, a.withLock, a.log)
}

// Run executes AppRoot startup steps 3-9 (spec §4.14), blocks until ctx is
// cancelled by the caller's signal handling, then runs graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	a.wireChatComponents()

	mux := http.NewServeMux()
	mux.Handle("/frps-plugin/handler", a.pluginHandler)
	mux.Handle("/", a.api.Router()) // ClientAPI's own router mounts /api/v1/* and /health

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.ServerPort))
	if err != nil {
		return fmt.Errorf("app: bind %d: %w", a.cfg.ServerPort, err)
	}
	a.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error("app: http server exited", "err", err)
		}
	}()
	a.log.Info("app: listening", "port", a.cfg.ServerPort)

	if err := a.supervisor.Start(ctx, a.cfg.Frps, a.cfg.PortRangeStart, a.cfg.PortRangeEnd, a.cfg.ServerPort); err != nil {
		a.log.Warn("app: frps supervisor failed to start, plugin endpoint stays up for retry", "err", err)
	}

	rejectset.RebuildFromStore(a.reject, a.store, rejectHorizon)

	a.expirySched = expiry.New(a.cred, a.reject, a.withLock, a.log)
	if err := a.expirySched.Start(ctx); err != nil {
		a.log.Warn("app: expiry scheduler failed to start", "err", err)
	}

	a.rateLimitStop = make(chan struct{})
	go a.sweepRateLimits()

	go func() {
		if err := a.transport.Run(ctx); err != nil {
			a.log.Warn("app: bot transport exited", "err", err)
		}
	}()

	if addr := os.Getenv("FIREFRP_PPROF_ADDR"); addr != "" {
		pprofCtx, cancel := context.WithCancel(ctx)
		a.pprofStop = cancel
		go func() {
			if err := debughttp.StartPprofServer(pprofCtx, addr, a.log, "firefrp"); err != nil {
				a.log.Warn("app: pprof server exited", "err", err)
			}
		}()
	}

	a.broadcastOnline()
	a.processUpdateMarker()

	<-ctx.Done()
	return a.Shutdown()
}

func (a *App) sweepRateLimits() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.rateLimitStop:
			return
		case <-ticker.C:
			a.api.SweepRateLimits()
		}
	}
}

func (a *App) broadcastOnline() {
	if len(a.cfg.Bot.BroadcastGroups) == 0 {
		return
	}
	go a.transport.BroadcastGroupMessage(context.Background(), a.cfg.Bot.BroadcastGroups, fmt.Sprintf("%s v%s is online", a.cfg.Server.Name, a.version))
}

// processUpdateMarker implements the second half of AppRoot startup step 9:
// consume a post-update marker left by update.Service.Trigger (spec
// §4.12/§4.14).
func (a *App) processUpdateMarker() {
	matched, version := update.CheckMarker(a.root, a.version)
	if version == "" {
		return
	}
	if matched {
		go a.transport.BroadcastGroupMessage(context.Background(), a.cfg.Bot.BroadcastGroups, fmt.Sprintf("updated to %s", version))
		return
	}
	a.log.Warn("app: stale update marker discarded", "marker_version", version, "running_version", a.version)
}

// Shutdown runs the graceful shutdown sequence (spec §4.14), idempotent
// and bounded by a 15s hard timeout.
func (a *App) Shutdown() error {
	var err error
	a.shutdownOnce.Do(func() {
		err = a.shutdown()
	})
	return err
}

func (a *App) shutdown() error {
	a.log.Info("app: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.transport != nil && len(a.cfg.Bot.BroadcastGroups) > 0 {
		a.transport.BroadcastGroupMessage(ctx, a.cfg.Bot.BroadcastGroups, fmt.Sprintf("%s v%s is going offline", a.cfg.Server.Name, a.version))
	}

	if a.transport != nil {
		a.transport.Stop()
	}

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Warn("app: http server shutdown", "err", err)
		}
	}

	if a.rateLimitStop != nil {
		close(a.rateLimitStop)
	}

	if a.expirySched != nil {
		a.expirySched.Stop()
	}

	if a.prober != nil {
		a.prober.CancelAll()
	}

	if a.pprofStop != nil {
		a.pprofStop()
	}

	if a.supervisor != nil {
		a.supervisor.Stop()
	}

	a.log.Info("app: shutdown complete")
	return nil
}

// AdminServerInfo is a best-effort frps admin snapshot for surfaces beyond
// the bot, reusing the same 2s deadline convention as every other admin-API
// call (spec §5's timeout budgets).
func (a *App) AdminServerInfo() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), adminInfoDeadline)
	defer cancel()
	return a.supervisor.Admin().ServerInfo(ctx)
}
