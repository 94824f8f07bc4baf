// Package botdispatcher parses group-chat commands addressed to the bot
// and drives credential/server operations on the caller's behalf (spec
// §4.11).
package botdispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/firefrp/firefrp/internal/chatproto"
	"github.com/firefrp/firefrp/internal/config"
	"github.com/firefrp/firefrp/internal/credential"
	"github.com/firefrp/firefrp/internal/frps"
	"github.com/firefrp/firefrp/internal/rejectset"
)

// Sender is the outbound half of BotTransport the dispatcher needs.
type Sender interface {
	SendGroupMessage(ctx context.Context, groupID, userID, text string) error
}

// MotdQuerier is a synchronous, best-effort status lookup, used by the
// `list` command (spec §4.11). The concrete implementation wraps
// internal/motd.Query.
type MotdQuerier interface {
	Query(ctx context.Context, host string, port int) (MotdResult, error)
}

// MotdResult mirrors motd.Result, kept as its own type so this package
// doesn't need to import internal/motd just for a struct shape.
type MotdResult struct {
	MOTD    string
	Online  int
	Max     int
	Version string
}

// Updater drives the async self-update flow triggered by `update` (spec
// §4.12). progress is called zero or more times with human-readable status
// lines to relay back through the same transport.
type Updater interface {
	Trigger(ctx context.Context, progress func(string)) error
}

const rateLimitWindow = time.Hour

// Dispatcher implements the command pipeline described in spec §4.11.
type Dispatcher struct {
	cred     *credential.Service
	reject   *rejectset.Set
	cfg      *config.Config
	withLock func(func())

	supervisor *frps.Supervisor
	sender     Sender
	motd       MotdQuerier
	updater    Updater

	version string
	log     *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	resolvedSelf string
	groupOpens   map[string][]time.Time
}

// New builds a Dispatcher. cfg.Bot.SelfID may be empty, in which case the
// self id is auto-captured from the first inbound event (spec §4.11 step 1).
func New(cred *credential.Service, reject *rejectset.Set, cfg *config.Config, withLock func(func()), supervisor *frps.Supervisor, sender Sender, motd MotdQuerier, updater Updater, version string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cred:       cred,
		reject:     reject,
		cfg:        cfg,
		withLock:   withLock,
		supervisor: supervisor,
		sender:     sender,
		motd:       motd,
		updater:    updater,
		version:    version,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		groupOpens: make(map[string][]time.Time),
	}
}

// HandleEvent is wired as BotTransport's onEvent callback.
func (d *Dispatcher) HandleEvent(ev chatproto.Event) {
	if ev.PostType != chatproto.PostTypeMessage || ev.MessageType != "group" {
		return
	}

	selfID := d.selfID(ev)
	body, mentioned := chatproto.CommandBody(ev.Message, selfID)
	if !mentioned {
		return
	}

	groupID := strconv.FormatInt(ev.GroupID, 10)
	userID := strconv.FormatInt(ev.UserID, 10)

	if len(d.cfg.Bot.AllowedGroups) > 0 && !contains(d.cfg.Bot.AllowedGroups, groupID) {
		return
	}

	isAdmin := contains(d.cfg.Bot.AdminUsers, userID)
	body = strings.TrimSpace(body)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if body == "" {
		d.reply(ctx, groupID, userID, d.helpText(isAdmin))
		return
	}

	fields := strings.Fields(body)
	cmd, ok := resolveAlias(fields[0])
	args := fields[1:]

	if !ok {
		d.reply(ctx, groupID, userID, fmt.Sprintf("unrecognized command %q; send \"help\" for a list", fields[0]))
		return
	}
	if adminCommands[cmd] && !isAdmin {
		d.reply(ctx, groupID, userID, "that command is restricted to admins")
		return
	}

	reply := d.dispatch(ctx, cmd, args, ev, groupID, userID, isAdmin)
	if reply != "" {
		d.reply(ctx, groupID, userID, reply)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd string, args []string, ev chatproto.Event, groupID, userID string, isAdmin bool) string {
	switch cmd {
	case "open":
		return d.cmdOpen(ctx, args, ev, groupID, userID)
	case "status":
		return d.cmdStatus(userID)
	case "list":
		return d.cmdList(ctx, groupID)
	case "help":
		return d.helpText(isAdmin)
	case "tunnels":
		return d.cmdTunnels()
	case "kick":
		return d.cmdKick(args)
	case "groups":
		return d.cmdGroups()
	case "addgroup":
		return d.cmdAddGroup(args)
	case "rmgroup":
		return d.cmdRmGroup(args)
	case "server":
		return d.cmdServer(ctx)
	case "update":
		return d.cmdUpdate(ctx, groupID, userID)
	case "channel":
		return d.cmdChannel(args)
	default:
		return "unrecognized command"
	}
}

func (d *Dispatcher) selfID(ev chatproto.Event) string {
	if d.cfg.Bot.SelfID != "" {
		return d.cfg.Bot.SelfID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolvedSelf == "" {
		d.resolvedSelf = strconv.FormatInt(ev.SelfID, 10)
	}
	return d.resolvedSelf
}

func (d *Dispatcher) reply(ctx context.Context, groupID, userID, text string) {
	msg := fmt.Sprintf("[%s v%s]\n%s", d.cfg.Server.Name, d.version, text)
	if err := d.sender.SendGroupMessage(ctx, groupID, userID, msg); err != nil {
		d.log.Warn("botdispatcher: reply failed", "group", groupID, "err", err)
	}
}

// GroupOfTunnel resolves a tunnel id to its owning group, for
// NewMotdNotifier's groupOf callback.
func (d *Dispatcher) GroupOfTunnel(tunnelID string) (string, bool) {
	var groupID string
	var ok bool
	d.withLock(func() {
		rec, found := d.cred.GetByTunnelID(tunnelID)
		if !found || rec.GroupID == "" {
			return
		}
		groupID, ok = rec.GroupID, true
	})
	return groupID, ok
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
