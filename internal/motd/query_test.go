package motd

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serveOneStatusResponse(t *testing.T, ln net.Listener, payload []byte) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		// Drain the handshake and the status request frame by frame: the
		// client may send both in a single TCP segment.
		for i := 0; i < 2; i++ {
			frameLen, err := readVarInt(conn)
			if err != nil {
				return
			}
			if _, err := io.CopyN(io.Discard, conn, int64(frameLen)); err != nil {
				return
			}
		}

		var body []byte
		body = append(body, 0x00) // packet id
		lenBuf := make([]byte, 0, 5)
		n := len(payload)
		for {
			b := byte(n & 0x7f)
			n >>= 7
			if n != 0 {
				b |= 0x80
			}
			lenBuf = append(lenBuf, b)
			if n == 0 {
				break
			}
		}
		body = append(body, lenBuf...)
		body = append(body, payload...)

		frameLen := len(body)
		frameLenBuf := make([]byte, 0, 5)
		fn := frameLen
		for {
			b := byte(fn & 0x7f)
			fn >>= 7
			if fn != 0 {
				b |= 0x80
			}
			frameLenBuf = append(frameLenBuf, b)
			if fn == 0 {
				break
			}
		}
		_, _ = conn.Write(frameLenBuf)
		_, _ = conn.Write(body)
	}()
}

func TestQuerySucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	status := map[string]any{
		"description": map[string]string{"text": "A Minecraft Server"},
		"players":     map[string]int{"online": 3, "max": 20},
		"version":     map[string]string{"name": "1.20.4"},
	}
	payload, err := json.Marshal(status)
	require.NoError(t, err)
	serveOneStatusResponse(t, ln, payload)

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := Query(ctx, host, port)
	require.NoError(t, err)
	require.Equal(t, "A Minecraft Server", result.MOTD)
	require.Equal(t, 3, result.Online)
	require.Equal(t, 20, result.Max)
	require.Equal(t, "1.20.4", result.Version)
}

func TestQueryFailsWhenNothingListening(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Query(ctx, "127.0.0.1", 1)
	require.Error(t, err)
}
