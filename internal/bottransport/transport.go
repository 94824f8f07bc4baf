// Package bottransport maintains the bidirectional JSON-over-WebSocket
// connection to the chat gateway: outbound API calls correlated by echo id,
// inbound message/meta events dispatched to a callback (spec §4.10, §6.4).
package bottransport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/firefrp/firefrp/internal/chatproto"
	"github.com/firefrp/firefrp/internal/config"
)

const (
	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 30 * time.Second
	handshakeTimeout      = 10 * time.Second
	callTimeout           = 10 * time.Second
	readLimit             = 4 << 20
)

// Transport owns the single WebSocket connection to the chat gateway.
type Transport struct {
	cfg     config.Bot
	log     *slog.Logger
	onEvent func(chatproto.Event)

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan chatproto.Response

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Transport. onEvent is invoked from the read loop for every
// inbound event frame (post_type present); it must not block.
func New(cfg config.Bot, log *slog.Logger, onEvent func(chatproto.Event)) *Transport {
	return &Transport{
		cfg:     cfg,
		log:     log,
		onEvent: onEvent,
		pending: make(map[string]chan chatproto.Response),
		stopCh:  make(chan struct{}),
	}
}

// Run dials the gateway and reconnects with exponential backoff until ctx
// is cancelled or Stop is called, mirroring the tunnel client's own
// reconnect loop.
func (t *Transport) Run(ctx context.Context) error {
	backoff := reconnectInitialDelay
	for {
		if err := t.runSession(ctx); err != nil {
			t.log.Warn("bottransport: session ended", "err", err, "retry_in", backoff.String())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopCh:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopCh:
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// Stop closes the active connection and prevents further reconnect
// attempts, independent of the context passed to Run. Callers use this to
// sequence BotTransport's teardown ahead of the rest of shutdown instead of
// racing it against ctx cancellation.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Stopped reports whether Stop has been called.
func (t *Transport) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}
	return next
}

func (t *Transport) dialURL() (string, error) {
	u, err := url.Parse(t.cfg.WsURL)
	if err != nil {
		return "", fmt.Errorf("bottransport: invalid wsUrl: %w", err)
	}
	if t.cfg.Token != "" {
		q := u.Query()
		q.Set("access_token", t.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *Transport) runSession(ctx context.Context) error {
	target, err := t.dialURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("bottransport: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sessionCtx.Done():
		case <-t.stopCh:
		}
		_ = conn.Close()
	}()

	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		t.failPending(errors.New("bottransport: connection closed"))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.handleFrame(data)
	}
}

func (t *Transport) handleFrame(data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.log.Warn("bottransport: malformed frame", "err", err)
		return
	}

	if probe.PostType != "" {
		var ev chatproto.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.log.Warn("bottransport: malformed event frame", "err", err)
			return
		}
		if t.onEvent != nil {
			t.onEvent(ev)
		}
		return
	}

	if probe.Echo == "" {
		return
	}
	var resp chatproto.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.log.Warn("bottransport: malformed response frame", "err", err)
		return
	}
	t.pendingMu.Lock()
	ch, ok := t.pending[resp.Echo]
	if ok {
		delete(t.pending, resp.Echo)
	}
	t.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for echo, ch := range t.pending {
		ch <- chatproto.Response{Status: "failed", Retcode: -1, Echo: echo}
		delete(t.pending, echo)
	}
}

// CallAPI sends an outbound action frame and blocks for its correlated
// response, up to callTimeout or ctx's own deadline.
func (t *Transport) CallAPI(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, errors.New("bottransport: not connected")
	}

	echo := uuid.NewString()
	ch := make(chan chatproto.Response, 1)
	t.pendingMu.Lock()
	t.pending[echo] = ch
	t.pendingMu.Unlock()

	frame := chatproto.APICall{Action: action, Params: params, Echo: echo}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, body)
	t.writeMu.Unlock()
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, echo)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("bottransport: write: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Status != "ok" {
			return nil, fmt.Errorf("bottransport: %s failed: status=%s retcode=%d", action, resp.Status, resp.Retcode)
		}
		return resp.Data, nil
	case <-timeoutCtx.Done():
		t.pendingMu.Lock()
		delete(t.pending, echo)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("bottransport: %s: %w", action, timeoutCtx.Err())
	}
}

// SendGroupMessage posts text to groupID, mentioning userID first when it is
// non-empty: message segment list [{at:userID}, {text:" "+text}] (spec §4.10).
func (t *Transport) SendGroupMessage(ctx context.Context, groupID, userID, text string) error {
	var segments []chatproto.Segment
	if userID != "" {
		segments = append(segments, chatproto.NewAtSegment(userID))
		text = " " + text
	}
	segments = append(segments, chatproto.NewTextSegment(text))
	_, err := t.CallAPI(ctx, "send_group_msg", map[string]any{"group_id": groupID, "message": segments})
	return err
}

// BroadcastGroupMessage best-effort delivers text (no mention) to every
// group in groups, logging (not failing) on a per-group error.
func (t *Transport) BroadcastGroupMessage(ctx context.Context, groups []string, text string) {
	for _, g := range groups {
		if err := t.SendGroupMessage(ctx, g, "", text); err != nil {
			t.log.Warn("bottransport: broadcast failed", "group", g, "err", err)
		}
	}
}
