package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/example/driver-agent/internal/models"
)

// RawMessage is one entry exactly as the message stream stores it. ServerTS
// stays raw because the store may not have stamped the message yet, or may
// have stamped it with a non-numeric placeholder; ordering then falls back
// to the sender's clock.
type RawMessage struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Text       string          `json:"text"`
	ServerTS   json.RawMessage `json:"server_ts,omitempty"`
	LocalTSMs  int64           `json:"local_ts_ms"`
	Status     string          `json:"status"`
}

// Outgoing is a message handed to the stream for appending. The stream
// itself assigns the server timestamp; the client only supplies its local
// clock and an initial delivery status.
type Outgoing struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	LocalTS    time.Time
	Status     models.DeliveryStatus
}

// Listener detaches one stream subscription. Closing it must stop exactly
// this listener; other listeners on the same conversation stay attached.
type Listener interface {
	Close() error
}

// Stream is the append-only realtime message store. Every write pushes the
// complete current snapshot of the conversation to all listeners, and a new
// listener receives the current snapshot on attach.
type Stream interface {
	Listen(ctx context.Context, conversationID string, fn func(snapshot []RawMessage)) (Listener, error)
	Append(ctx context.Context, conversationID string, msg Outgoing) error
}

// decode turns a stored entry into the materialized message form. A
// missing or malformed server stamp leaves ServerTS zero, which pushes
// ordering onto the local clock.
func decode(conversationID string, raw RawMessage) models.ConversationMessage {
	msg := models.ConversationMessage{
		ID:             raw.ID,
		ConversationID: conversationID,
		SenderID:       raw.SenderID,
		ReceiverID:     raw.ReceiverID,
		Text:           raw.Text,
		LocalTS:        time.UnixMilli(raw.LocalTSMs),
		Status:         models.DeliveryStatus(raw.Status),
	}
	if ts, ok := parseServerTS(raw.ServerTS); ok {
		msg.ServerTS = ts
	}
	return msg
}

// parseServerTS accepts a JSON number of epoch milliseconds, or a string
// holding one. Anything else (absent, null, a placeholder token) reports
// false.
func parseServerTS(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return time.UnixMilli(int64(v)), true
		}
	}
	return time.Time{}, false
}
