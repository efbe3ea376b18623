// Package transport owns the server-push connection for an active chat
// context: one websocket per (user, agent), a connection state machine, and
// bounded reconnection with exponential backoff.
package transport

import (
	"encoding/json"
	"fmt"
)

// Event is the tagged union of inbound stream events. Exactly one concrete
// type below implements it per wire tag.
type Event interface {
	eventType() string
}

// MessageStart announces a new assistant response; the pipeline allocates
// an empty placeholder message for it.
type MessageStart struct {
	MessageID string `json:"message_id"`
}

// ContentDelta carries an incremental fragment of assistant output,
// appended (never replacing) to the message being streamed.
type ContentDelta struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// MessageComplete finalizes the streamed message. FinalContent, when
// non-empty, is authoritative over the accumulated deltas.
type MessageComplete struct {
	MessageID    string `json:"message_id"`
	FinalContent string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
}

// ErrorEvent is a generation failure reported over the stream. It does not
// close the transport.
type ErrorEvent struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// KeepAlive is a periodic ping; it causes no state change and is consumed
// inside the transport.
type KeepAlive struct{}

func (MessageStart) eventType() string    { return "message_start" }
func (ContentDelta) eventType() string    { return "content_delta" }
func (MessageComplete) eventType() string { return "message_complete" }
func (ErrorEvent) eventType() string      { return "error" }
func (KeepAlive) eventType() string       { return "ping" }

// envelope is the wire form of an event.
type envelope struct {
	Type string `json:"type"`
}

// ParseEvent decodes a wire frame into its typed event.
func ParseEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event frame: %w", err)
	}

	switch env.Type {
	case "message_start":
		var ev MessageStart
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "content_delta":
		var ev ContentDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "message_complete":
		var ev MessageComplete
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "error":
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "ping", "keep_alive":
		return KeepAlive{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
