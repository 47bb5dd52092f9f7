package gateway

import (
	"sort"
	"sync"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is NOT closed by the server; the receive pump and request handlers both write to it.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan Envelope

	mu           sync.Mutex
	replyChannel string
	groups       map[string]struct{} // groups the reply channel was added to

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan Envelope, sendQueueSize),
		groups:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// ReplyChannel returns the channel allocated on hello, or "" before it.
func (c *Client) ReplyChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyChannel
}

// setReplyChannel stores name unless one is already set, and returns the winner.
func (c *Client) setReplyChannel(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replyChannel == "" {
		c.replyChannel = name
	}
	return c.replyChannel
}

func (c *Client) trackGroup(group string) {
	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrackGroup(group string) {
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
}

// Groups returns the tracked groups in sorted order.
func (c *Client) Groups() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	c.mu.Unlock()

	sort.Strings(out)
	return out
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep concurrent producers safe.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
