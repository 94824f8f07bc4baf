package motd

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// The Minecraft Server List Ping handshake/status exchange is treated as an
// opaque wire format here (spec §4.13): just enough varint/packet framing
// to get a status JSON payload back, nothing protocol-version-specific.

func writeVarInt(w io.Writer, v int32) error {
	uv := uint32(v)
	var buf [5]byte
	n := 0
	for {
		b := byte(uv & 0x7f)
		uv >>= 7
		if uv != 0 {
			b |= 0x80
		}
		buf[n] = b
		n++
		if uv == 0 {
			break
		}
	}
	_, err := w.Write(buf[:n])
	return err
}

func readVarInt(r io.Reader) (int32, error) {
	var result uint32
	var shift uint
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		result |= uint32(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 35 {
			return 0, fmt.Errorf("motd: varint too long")
		}
	}
	return int32(result), nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = writeVarInt(buf, int32(len(s)))
	buf.WriteString(s)
}

func writePacket(w io.Writer, id int32, data []byte) error {
	var body bytes.Buffer
	if err := writeVarInt(&body, id); err != nil {
		return err
	}
	body.Write(data)

	var frame bytes.Buffer
	if err := writeVarInt(&frame, int32(body.Len())); err != nil {
		return err
	}
	frame.Write(body.Bytes())
	_, err := w.Write(frame.Bytes())
	return err
}

func writeHandshake(w io.Writer, host string, port int) error {
	var body bytes.Buffer
	if err := writeVarInt(&body, -1); err != nil { // protocol version: unspecified
		return err
	}
	writeString(&body, host)
	if err := binary.Write(&body, binary.BigEndian, uint16(port)); err != nil {
		return err
	}
	if err := writeVarInt(&body, 1); err != nil { // next state: status
		return err
	}
	return writePacket(w, 0x00, body.Bytes())
}

func writeStatusRequest(w io.Writer) error {
	return writePacket(w, 0x00, nil)
}

type statusPayload struct {
	Description json.RawMessage `json:"description"`
	Players     struct {
		Online int `json:"online"`
		Max    int `json:"max"`
	} `json:"players"`
	Version struct {
		Name string `json:"name"`
	} `json:"version"`
}

func readStatusResponse(r io.Reader) (Result, error) {
	if _, err := readVarInt(r); err != nil { // frame length, unused
		return Result{}, fmt.Errorf("motd: read frame length: %w", err)
	}
	if _, err := readVarInt(r); err != nil { // packet id, unused
		return Result{}, fmt.Errorf("motd: read packet id: %w", err)
	}
	jsonLen, err := readVarInt(r)
	if err != nil {
		return Result{}, fmt.Errorf("motd: read json length: %w", err)
	}
	if jsonLen <= 0 || jsonLen > 1<<20 {
		return Result{}, fmt.Errorf("motd: implausible status payload length %d", jsonLen)
	}
	payload := make([]byte, jsonLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Result{}, fmt.Errorf("motd: read status payload: %w", err)
	}

	var status statusPayload
	if err := json.Unmarshal(payload, &status); err != nil {
		return Result{}, fmt.Errorf("motd: decode status payload: %w", err)
	}
	return Result{
		MOTD:    extractDescription(status.Description),
		Online:  status.Players.Online,
		Max:     status.Players.Max,
		Version: status.Version.Name,
	}, nil
}

// extractDescription unwraps a status "description" field, which is either
// a plain string or a chat-component object with a "text" field.
func extractDescription(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var component struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &component); err == nil {
		return component.Text
	}
	return ""
}
