package botdispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/firefrp/firefrp/internal/chatproto"
	"github.com/firefrp/firefrp/internal/domain"
)

// aliases maps every accepted command token (canonical or localized) to its
// canonical form (spec §4.11 step 4).
var aliases = map[string]string{
	"open": "open", "开服": "open",
	"status": "status", "状态": "status",
	"list": "list", "列表": "list",
	"help": "help", "帮助": "help",
	"tunnels": "tunnels", "隧道列表": "tunnels",
	"kick": "kick", "踢掉": "kick",
	"groups": "groups", "群列表": "groups",
	"addgroup": "addgroup", "加群": "addgroup",
	"rmgroup": "rmgroup", "移群": "rmgroup",
	"server": "server", "服务器": "server",
	"update": "update", "更新": "update",
	"channel": "channel", "通道": "channel",
}

// adminCommands is the subset of canonical commands requiring userId ∈
// adminUsers (spec §4.11 step 5).
var adminCommands = map[string]bool{
	"tunnels": true, "kick": true, "groups": true, "addgroup": true,
	"rmgroup": true, "server": true, "update": true, "channel": true,
}

func resolveAlias(token string) (canonical string, ok bool) {
	c, ok := aliases[token]
	return c, ok
}

const (
	minOpenTTLMinutes  = 5
	maxNonTerminalOpen = 3
	maxGroupOpensPerHr = 10
)

func (d *Dispatcher) cmdOpen(ctx context.Context, args []string, ev chatproto.Event, groupID, userID string) string {
	gameType := domain.GameMinecraft
	if len(args) >= 1 {
		gt, ok := domain.ResolveGameType(args[0])
		if !ok {
			return fmt.Sprintf("unknown game type %q; supported: %s", args[0], gameTypeList())
		}
		gameType = gt
	}

	ttl := d.cfg.KeyTTLMinutes
	if len(args) >= 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return "ttlMinutes must be a whole number of minutes"
		}
		ttl = v
	}
	if ttl < minOpenTTLMinutes {
		ttl = minOpenTTLMinutes
	}
	if ttl > d.cfg.KeyTTLMinutes {
		ttl = d.cfg.KeyTTLMinutes
	}

	if !d.allowGroupOpen(groupID) {
		return "this group has hit its hourly open limit, try again later"
	}

	userName := ev.Sender.Card
	if userName == "" {
		userName = ev.Sender.Nickname
	}

	var (
		created *domain.Credential
		err     error
		denied  bool
	)
	d.withLock(func() {
		if len(d.cred.GetActiveByUser(userID)) >= maxNonTerminalOpen {
			denied = true
			return
		}
		created, err = d.cred.Create(userID, userName, groupID, gameType, time.Duration(ttl)*time.Minute)
	})
	if denied {
		return "you already have the maximum number of open tunnels"
	}
	if err != nil {
		d.log.Error("botdispatcher: create failed", "user", userID, "err", err)
		return "could not open a tunnel right now"
	}

	d.recordGroupOpen(groupID)
	return fmt.Sprintf("tunnel %s opened: key=%s remotePort=%d expiresAt=%s",
		created.TunnelID, created.Key, created.RemotePort, created.ExpiresAt.Format(time.RFC3339))
}

func gameTypeList() string {
	all := domain.AllGameTypes()
	names := make([]string, len(all))
	for i, gt := range all {
		names[i] = string(gt)
	}
	return strings.Join(names, ", ")
}

func (d *Dispatcher) allowGroupOpen(groupID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-rateLimitWindow)
	times := d.groupOpens[groupID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.groupOpens[groupID] = kept
	return len(kept) < maxGroupOpensPerHr
}

func (d *Dispatcher) recordGroupOpen(groupID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groupOpens[groupID] = append(d.groupOpens[groupID], d.now())
}

func (d *Dispatcher) cmdStatus(userID string) string {
	var creds []*domain.Credential
	d.withLock(func() {
		creds = d.cred.GetActiveByUser(userID)
	})
	if len(creds) == 0 {
		return "you have no open tunnels"
	}
	var b strings.Builder
	for _, c := range creds {
		fmt.Fprintf(&b, "%s: %s, %s (expires %s)\n", c.TunnelID, c.Status, c.GameType.DisplayName(), humanize.Time(c.ExpiresAt))
	}
	return strings.TrimSpace(b.String())
}

func (d *Dispatcher) cmdList(ctx context.Context, groupID string) string {
	var creds []*domain.Credential
	d.withLock(func() {
		creds = d.cred.GetActiveByGroup(groupID)
	})
	if len(creds) == 0 {
		return "this group has no open tunnels"
	}

	var b strings.Builder
	for _, c := range creds {
		fmt.Fprintf(&b, "%s: %s, %s, port %d", c.TunnelID, c.Status, c.GameType.DisplayName(), c.RemotePort)
		if c.Status == domain.StatusActive && c.GameType == domain.GameMinecraft && d.motd != nil {
			queryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			result, err := d.motd.Query(queryCtx, d.cfg.Server.PublicAddr, c.RemotePort)
			cancel()
			if err == nil {
				fmt.Fprintf(&b, " -- %s (%d/%d, %s)", result.MOTD, result.Online, result.Max, result.Version)
			} else {
				b.WriteString(" -- offline")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func (d *Dispatcher) helpText(isAdmin bool) string {
	lines := []string{
		"open [gameType] [ttlMinutes] - reserve a new tunnel",
		"status - your open tunnels",
		"list - this group's open tunnels",
		"help - this message",
	}
	if isAdmin {
		lines = append(lines,
			"tunnels - every open tunnel",
			"kick <tunnelId> - revoke a tunnel",
			"groups / addgroup <id> / rmgroup <id> - manage allowed groups",
			"server - subprocess status",
			"update - start a self-update",
			"channel [auto|dev|stable] - show/set the update channel",
		)
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) cmdTunnels() string {
	var creds []*domain.Credential
	d.withLock(func() {
		creds = d.cred.GetAllActive()
	})
	if len(creds) == 0 {
		return "no open tunnels"
	}
	var b strings.Builder
	for _, c := range creds {
		fmt.Fprintf(&b, "%s: user=%s status=%s port=%d expires=%s\n", c.TunnelID, c.UserID, c.Status, c.RemotePort, humanize.Time(c.ExpiresAt))
	}
	return strings.TrimSpace(b.String())
}

func (d *Dispatcher) cmdKick(args []string) string {
	if len(args) != 1 {
		return "usage: kick <tunnelId>"
	}
	tunnelID := args[0]

	var (
		found   bool
		revoked bool
	)
	d.withLock(func() {
		rec, ok := d.cred.GetByTunnelID(tunnelID)
		if !ok {
			return
		}
		found = true
		if rec.Terminal() {
			return
		}
		if _, ok, err := d.cred.Revoke(rec.ID); err == nil && ok {
			revoked = true
			d.reject.Add(rec.Key)
		}
	})
	if !found {
		return fmt.Sprintf("no such tunnel %q", tunnelID)
	}
	if !revoked {
		return fmt.Sprintf("tunnel %q was already closed", tunnelID)
	}
	return fmt.Sprintf("tunnel %q revoked", tunnelID)
}

func (d *Dispatcher) cmdGroups() string {
	if len(d.cfg.Bot.AllowedGroups) == 0 {
		return "no group restriction is set; every group may use the bot"
	}
	return "allowed groups: " + strings.Join(d.cfg.Bot.AllowedGroups, ", ")
}

func (d *Dispatcher) cmdAddGroup(args []string) string {
	if len(args) != 1 {
		return "usage: addgroup <groupId>"
	}
	return d.mutateGroups(func() bool {
		if contains(d.cfg.Bot.AllowedGroups, args[0]) {
			return false
		}
		d.cfg.Bot.AllowedGroups = append(d.cfg.Bot.AllowedGroups, args[0])
		return true
	}, "group added", "group already allowed")
}

func (d *Dispatcher) cmdRmGroup(args []string) string {
	if len(args) != 1 {
		return "usage: rmgroup <groupId>"
	}
	return d.mutateGroups(func() bool {
		out := d.cfg.Bot.AllowedGroups[:0]
		removed := false
		for _, g := range d.cfg.Bot.AllowedGroups {
			if g == args[0] {
				removed = true
				continue
			}
			out = append(out, g)
		}
		d.cfg.Bot.AllowedGroups = out
		return removed
	}, "group removed", "group was not in the allow list")
}

// mutateGroups applies mutate under the state lock, persists via Config,
// and rolls the in-memory change back if the save fails (spec §4.11).
func (d *Dispatcher) mutateGroups(mutate func() bool, okMsg, noopMsg string) string {
	var (
		changed  bool
		saveErr  error
		snapshot []string
	)
	d.withLock(func() {
		snapshot = append([]string(nil), d.cfg.Bot.AllowedGroups...)
		changed = mutate()
		if !changed {
			return
		}
		if err := d.cfg.Save(); err != nil {
			saveErr = err
			d.cfg.Bot.AllowedGroups = snapshot
		}
	})
	if !changed {
		return noopMsg
	}
	if saveErr != nil {
		d.log.Error("botdispatcher: persist allowed groups failed", "err", saveErr)
		return "could not persist that change"
	}
	return okMsg
}

func (d *Dispatcher) cmdServer(ctx context.Context) string {
	if d.supervisor == nil {
		return "no subprocess supervisor configured"
	}
	status := d.supervisor.GetStatus()
	msg := fmt.Sprintf("frps: %s pid=%d uptime=%s restarts=%d version=%s",
		status.State, status.PID, status.Uptime.Round(time.Second), status.RestartCount, status.Version)

	if info, err := d.supervisor.Admin().ServerInfo(ctx); err == nil {
		msg += fmt.Sprintf("\nadmin: %s", string(info))
	}
	return msg
}

func (d *Dispatcher) cmdUpdate(ctx context.Context, groupID, userID string) string {
	if d.updater == nil {
		return "updates are not configured on this server"
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := d.updater.Trigger(updateCtx, func(msg string) {
			d.reply(context.Background(), groupID, userID, msg)
		}); err != nil {
			d.log.Error("botdispatcher: update failed", "err", err)
			d.reply(context.Background(), groupID, userID, fmt.Sprintf("update failed: %v", err))
		}
	}()
	return "update started"
}

func (d *Dispatcher) cmdChannel(args []string) string {
	if len(args) == 0 {
		return "update channel: " + d.cfg.Updates.Channel
	}
	channel := strings.ToLower(args[0])
	switch channel {
	case "auto", "dev", "stable":
	default:
		return "channel must be one of auto, dev, stable"
	}

	var saveErr error
	d.withLock(func() {
		previous := d.cfg.Updates.Channel
		d.cfg.Updates.Channel = channel
		if err := d.cfg.Save(); err != nil {
			saveErr = err
			d.cfg.Updates.Channel = previous
		}
	})
	if saveErr != nil {
		d.log.Error("botdispatcher: persist update channel failed", "err", saveErr)
		return "could not persist that change"
	}
	return "update channel set to " + channel
}
