// Package chatproto defines the JSON wire protocol exchanged with the
// group-chat bot gateway over a bidirectional WebSocket (spec §6.4).
package chatproto

import "encoding/json"

// Segment types used in message events.
const (
	SegmentAt   = "at"
	SegmentText = "text"
)

// Event post types.
const (
	PostTypeMessage   = "message"
	PostTypeMetaEvent = "meta_event"
)

// APICall is an outbound frame invoking a gateway action. Echo correlates
// the eventual Response frame back to the caller (spec §6.4).
type APICall struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

// Response is an inbound frame answering a prior APICall.
type Response struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo"`
}

// Event is an inbound frame the gateway pushes unsolicited: chat messages
// and meta events (heartbeats, lifecycle).
type Event struct {
	PostType    string    `json:"post_type"`
	MessageType string    `json:"message_type,omitempty"`
	SelfID      int64     `json:"self_id"`
	GroupID     int64     `json:"group_id,omitempty"`
	UserID      int64     `json:"user_id,omitempty"`
	Sender      Sender    `json:"sender"`
	Message     []Segment `json:"message,omitempty"`
}

// Sender describes the author of a message event.
type Sender struct {
	Card     string `json:"card"`
	Nickname string `json:"nickname"`
}

// Segment is one piece of a rich-text message (spec §6.4: "at", "text").
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AtData is the payload of an "at" segment.
type AtData struct {
	QQ string `json:"qq"`
}

// TextData is the payload of a "text" segment.
type TextData struct {
	Text string `json:"text"`
}

// PlainText concatenates every "text" segment in msg, ignoring "at" and any
// other segment kind. This is the command-parsing input (spec §4.11).
func PlainText(msg []Segment) string {
	var out string
	for _, seg := range msg {
		if seg.Type != SegmentText {
			continue
		}
		var td TextData
		if err := json.Unmarshal(seg.Data, &td); err != nil {
			continue
		}
		out += td.Text
	}
	return out
}

// MentionsSelf reports whether msg contains an "at" segment addressed to
// selfID, the trigger condition for the bot to treat a message as a command
// (spec §4.10/§4.11).
func MentionsSelf(msg []Segment, selfID string) bool {
	for _, seg := range msg {
		if seg.Type != SegmentAt {
			continue
		}
		var ad AtData
		if err := json.Unmarshal(seg.Data, &ad); err != nil {
			continue
		}
		if ad.QQ == selfID {
			return true
		}
	}
	return false
}

// CommandBody finds the first "at" segment addressed to selfID and joins
// every "text" segment that follows it into a single command string (spec
// §4.11 step 1). found is false if msg never mentions selfID.
func CommandBody(msg []Segment, selfID string) (body string, found bool) {
	var pastMention bool
	for _, seg := range msg {
		if !pastMention {
			if seg.Type != SegmentAt {
				continue
			}
			var ad AtData
			if err := json.Unmarshal(seg.Data, &ad); err != nil {
				continue
			}
			if ad.QQ == selfID {
				pastMention = true
			}
			continue
		}
		if seg.Type != SegmentText {
			continue
		}
		var td TextData
		if err := json.Unmarshal(seg.Data, &td); err != nil {
			continue
		}
		body += td.Text
	}
	return body, pastMention
}

// NewTextSegment builds a plain-text outbound segment.
func NewTextSegment(text string) Segment {
	data, _ := json.Marshal(TextData{Text: text})
	return Segment{Type: SegmentText, Data: data}
}

// NewAtSegment builds an outbound segment mentioning qq.
func NewAtSegment(qq string) Segment {
	data, _ := json.Marshal(AtData{QQ: qq})
	return Segment{Type: SegmentAt, Data: data}
}
