package botdispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firefrp/firefrp/internal/motd"
)

const notifyTimeout = 10 * time.Second

// BotNotifier adapts a Sender into plugin.Notifier and motd.ProbeNotifier,
// so the plugin handler and the MOTD prober can both post group
// notifications without depending on bottransport directly (spec §4.8,
// §4.13).
type BotNotifier struct {
	sender Sender
	log    *slog.Logger
}

// NewBotNotifier builds a BotNotifier.
func NewBotNotifier(sender Sender, log *slog.Logger) *BotNotifier {
	return &BotNotifier{sender: sender, log: log}
}

func (n *BotNotifier) send(groupID, text string) {
	if groupID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := n.sender.SendGroupMessage(ctx, groupID, "", text); err != nil {
		n.log.Warn("botdispatcher: notification failed", "group", groupID, "err", err)
	}
}

// NotifyTunnelConnected implements plugin.Notifier.
func (n *BotNotifier) NotifyTunnelConnected(groupID, tunnelID, publicAddr, userName, gameLabel string) {
	n.send(groupID, fmt.Sprintf("%s's %s server is online: %s", userName, gameLabel, publicAddr))
}

// NotifyTunnelDisconnected implements plugin.Notifier.
func (n *BotNotifier) NotifyTunnelDisconnected(groupID, tunnelID string) {
	n.send(groupID, fmt.Sprintf("tunnel %s disconnected", tunnelID))
}

// motdNotifierAdapter binds a group id to a tunnel so motd.Prober (which
// only knows tunnel ids) can still address the right group.
type motdNotifierAdapter struct {
	notifier *BotNotifier
	groupOf  func(tunnelID string) (groupID string, ok bool)
}

// NewMotdNotifier builds the motd.ProbeNotifier adapter. groupOf resolves a
// tunnel id back to its owning group at notification time.
func NewMotdNotifier(notifier *BotNotifier, groupOf func(tunnelID string) (string, bool)) motd.ProbeNotifier {
	return &motdNotifierAdapter{notifier: notifier, groupOf: groupOf}
}

func (a *motdNotifierAdapter) NotifyProbeSuccess(tunnelID string, result motd.Result) {
	groupID, ok := a.groupOf(tunnelID)
	if !ok {
		return
	}
	a.notifier.send(groupID, fmt.Sprintf("%s is reachable: %s (%d/%d, %s)", tunnelID, result.MOTD, result.Online, result.Max, result.Version))
}

func (a *motdNotifierAdapter) NotifyProbeFailure(tunnelID string) {
	groupID, ok := a.groupOf(tunnelID)
	if !ok {
		return
	}
	a.notifier.send(groupID, fmt.Sprintf("%s did not respond to any status probe", tunnelID))
}

// motdQuerierAdapter satisfies MotdQuerier by delegating to motd.Query,
// converting its Result into this package's own MotdResult.
type motdQuerierAdapter struct{}

// NewMotdQuerier builds the MotdQuerier the `list` command uses.
func NewMotdQuerier() MotdQuerier { return motdQuerierAdapter{} }

func (motdQuerierAdapter) Query(ctx context.Context, host string, port int) (MotdResult, error) {
	result, err := motd.Query(ctx, host, port)
	if err != nil {
		return MotdResult{}, err
	}
	return MotdResult{MOTD: result.MOTD, Online: result.Online, Max: result.Max, Version: result.Version}, nil
}
