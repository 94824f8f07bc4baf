// Package motd implements the MOTD/status query used both for the
// per-tunnel connectivity probe (spec §4.13) and the bot's synchronous
// `list` command lookup: a minimal Minecraft Server List Ping client.
package motd

import (
	"context"
	"fmt"
	"net"
	"time"
)

const dialTimeout = 3 * time.Second

// Result is a successful status query's payload.
type Result struct {
	MOTD    string
	Online  int
	Max     int
	Version string
}

// Query performs a single Server List Ping against host:port. Callers
// control overall deadline via ctx; a bare dial timeout of 3s applies on
// top of it.
func Query(ctx context.Context, host string, port int) (Result, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return Result{}, fmt.Errorf("motd: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(dialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := writeHandshake(conn, host, port); err != nil {
		return Result{}, fmt.Errorf("motd: handshake: %w", err)
	}
	if err := writeStatusRequest(conn); err != nil {
		return Result{}, fmt.Errorf("motd: status request: %w", err)
	}
	return readStatusResponse(conn)
}
