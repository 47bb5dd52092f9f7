package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chanlayer/cmd/internal/layer"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol negotiated on the websocket handshake.
const Subprotocol = "chanlayer.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens a session and allocates the reply channel (client -> server).
	TypeHello = "hello"
	// TypeHelloAck carries the reply channel name (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeChannelSend sends a message to a channel (client -> server).
	TypeChannelSend = "channel.send"

	TypeGroupAdd     = "group.add"
	TypeGroupDiscard = "group.discard"
	TypeGroupSend    = "group.send"

	// TypeAck acknowledges a client request by id (server -> client).
	TypeAck = "ack"
	// TypeMessage pushes a message received on the reply channel (server -> client).
	TypeMessage = "message"
	// TypeError reports a failed request (server -> client).
	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeInvalidName     = "invalid_name"
	CodeChannelFull     = "channel_full"
	CodeMessageTooLarge = "message_too_large"
	CodeNotImplemented  = "not_implemented"
	CodeBadPayload      = "bad_payload"
	CodeBadEnvelope     = "bad_envelope"
	CodeBadJSON         = "bad_json"
	CodeRateLimited     = "rate_limited"
	CodeUnsupported     = "unsupported"
	CodeInternal        = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeChannelSend,
		TypeGroupAdd,
		TypeGroupDiscard,
		TypeGroupSend,
		TypeAck,
		TypeMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloAckPayload names the process-specific channel pushed to this connection.
type HelloAckPayload struct {
	ReplyChannel string `json:"reply_channel"`
}

// ChannelSendPayload sends Message to Channel.
type ChannelSendPayload struct {
	Channel string        `json:"channel"`
	Message layer.Message `json:"message"`
}

// GroupMemberPayload is used by group.add and group.discard.
type GroupMemberPayload struct {
	Group   string `json:"group"`
	Channel string `json:"channel"`
}

// GroupSendPayload fans Message out to Group.
type GroupSendPayload struct {
	Group   string        `json:"group"`
	Message layer.Message `json:"message"`
}

// AckPayload echoes the id and type of the request it acknowledges.
type AckPayload struct {
	RefID   string `json:"ref_id,omitempty"`
	RefType string `json:"ref_type"`
}

// MessagePayload is a message delivered on Channel.
type MessagePayload struct {
	Channel string        `json:"channel"`
	Message layer.Message `json:"message"`
}

// ErrorPayload reports a failure. RefID is the offending request id, when known.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}
