package daysync

import (
	"encoding/json"
	"fmt"
)

// MessageTypeRecordUpdate announces that a day record was written.
const MessageTypeRecordUpdate = "record:update"

// DefaultChannelName is the application-level broadcast channel name.
const DefaultChannelName = "daysync_day_updates"

// Message is what travels over a broadcast channel.
type Message struct {
	Type    string          `json:"type"`
	Key     string          `json:"key,omitempty"`
	Date    string          `json:"date,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRecordMessage builds the record:update message for rec.
func NewRecordMessage(rec DayRecord) (Message, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Message{}, fmt.Errorf("encoding record for broadcast: %w", err)
	}
	return Message{
		Type:    MessageTypeRecordUpdate,
		Key:     DayKey(rec.Date),
		Date:    rec.Date,
		Payload: payload,
	}, nil
}

// Broadcaster is a best-effort fan-out to sibling sessions sharing the same
// durable storage. A posted message never reaches the poster's own
// subscribers. After Close, posts are dropped.
type Broadcaster interface {
	Post(msg Message) error
	Subscribe(fn func(Message)) (unsubscribe func())
	Close() error
}

// NopBroadcaster is the degraded channel used when no transport is available.
type NopBroadcaster struct{}

func (NopBroadcaster) Post(Message) error             { return nil }
func (NopBroadcaster) Subscribe(func(Message)) func() { return func() {} }
func (NopBroadcaster) Close() error                   { return nil }

var _ Broadcaster = NopBroadcaster{}
