// Package layer contains the channel layer contract, its naming and capacity policy,
// and the in-memory, PostgreSQL and SQLite backends that implement it.
package layer

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// Message is one channel message. It must be JSON-encodable; backends store the
// encoding, so a received message decodes numbers as float64.
type Message map[string]any

// Extension names advertised by Layer.Extensions.
const (
	ExtensionGroups     = "groups"
	ExtensionFlush      = "flush"
	ExtensionStatistics = "statistics"
)

// Layer is the transport contract every backend implements.
//
// Requirements:
//   - Every name-bearing argument passes ValidChannelName / ValidGroupName first.
//   - Send resolves the channel capacity (Config.Capacity) before enqueueing.
//   - ReceiveMany returns ("", nil, nil) when block is false and nothing is ready.
type Layer interface {
	Send(ctx context.Context, channel string, msg Message) error
	ReceiveMany(ctx context.Context, channels []string, block bool) (string, Message, error)
	NewChannel(ctx context.Context, pattern string) (string, error)

	GroupAdd(ctx context.Context, group, channel string) error
	GroupDiscard(ctx context.Context, group, channel string) error
	SendGroup(ctx context.Context, group string, msg Message) error

	Flush(ctx context.Context) error

	Extensions() []string
	Close() error
}

// ChannelStats is a point-in-time view of one channel.
type ChannelStats struct {
	Channel  string
	Messages int
	Capacity int
	Full     bool
}

// Statistics is implemented by backends advertising ExtensionStatistics.
type Statistics interface {
	ChannelStatistics(ctx context.Context, channel string) (ChannelStats, error)
}

// Sweeper deletes expired messages and memberships, returning how many rows went.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// HasExtension reports whether l advertises ext.
func HasExtension(l Layer, ext string) bool {
	if l == nil {
		return false
	}
	return slices.Contains(l.Extensions(), ext)
}

func defaultExtensions() []string {
	return []string{ExtensionGroups, ExtensionFlush, ExtensionStatistics}
}

func validateChannels(channels []string) error {
	for _, ch := range channels {
		if err := ValidChannelName(ch); err != nil {
			return err
		}
	}
	return nil
}

// encodeMessage returns the stored form of msg, enforcing the size ceiling.
func encodeMessage(op string, cfg *Config, msg Message) ([]byte, error) {
	if msg == nil {
		msg = Message{}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%s: encode message: %w", op, err)
	}
	if len(b) > cfg.MaxMessageSize() {
		return nil, opErr(op, ErrMessageTooLarge, fmt.Sprintf("%d bytes > %d", len(b), cfg.MaxMessageSize()))
	}
	return b, nil
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m == nil {
		m = Message{}
	}
	return m, nil
}

// Unimplemented returns ErrNotImplemented from every operation. Embed it in partial
// integrations or test doubles and override what is supported.
type Unimplemented struct{}

var _ Layer = Unimplemented{}

func (Unimplemented) Send(context.Context, string, Message) error {
	return opErr("layer.Send", ErrNotImplemented, "")
}

func (Unimplemented) ReceiveMany(context.Context, []string, bool) (string, Message, error) {
	return "", nil, opErr("layer.ReceiveMany", ErrNotImplemented, "")
}

func (Unimplemented) NewChannel(context.Context, string) (string, error) {
	return "", opErr("layer.NewChannel", ErrNotImplemented, "")
}

func (Unimplemented) GroupAdd(context.Context, string, string) error {
	return opErr("layer.GroupAdd", ErrNotImplemented, "")
}

func (Unimplemented) GroupDiscard(context.Context, string, string) error {
	return opErr("layer.GroupDiscard", ErrNotImplemented, "")
}

func (Unimplemented) SendGroup(context.Context, string, Message) error {
	return opErr("layer.SendGroup", ErrNotImplemented, "")
}

func (Unimplemented) Flush(context.Context) error {
	return opErr("layer.Flush", ErrNotImplemented, "")
}

func (Unimplemented) Extensions() []string { return nil }

func (Unimplemented) Close() error { return nil }
