package layer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"chanlayer/cmd/internal/ids"
)

// MemoryLayer is a single-process Layer. It is the dev and test backend; nothing
// survives a restart.
//
// Concurrency model:
//   - One mutex guards queues and groups.
//   - Blocking receivers wait on wake, which is closed and replaced on every enqueue.
type MemoryLayer struct {
	cfg *Config
	log *slog.Logger
	now func() time.Time

	extensions []string

	mu       sync.Mutex
	channels map[string][]memMessage
	groups   map[string]map[string]time.Time // group -> channel -> membership expiry
	wake     chan struct{}
}

type memMessage struct {
	payload []byte
	expires time.Time
}

var (
	_ Layer      = (*MemoryLayer)(nil)
	_ Statistics = (*MemoryLayer)(nil)
	_ Sweeper    = (*MemoryLayer)(nil)
)

// MemoryOption configures MemoryLayer behavior.
type MemoryOption func(*MemoryLayer)

// WithMemoryClock overrides the time source (tests).
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLayer) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(l *MemoryLayer) {
		if log != nil {
			l.log = log
		}
	}
}

// NewMemoryLayer constructs an in-memory layer. A nil cfg means DefaultConfig.
func NewMemoryLayer(cfg *Config, opts ...MemoryOption) *MemoryLayer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &MemoryLayer{
		cfg:        cfg,
		log:        slog.Default(),
		now:        time.Now,
		extensions: defaultExtensions(),
		channels:   make(map[string][]memMessage),
		groups:     make(map[string]map[string]time.Time),
		wake:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Config returns the layer configuration.
func (l *MemoryLayer) Config() *Config { return l.cfg }

// Extensions returns a copy of the per-instance extension list.
func (l *MemoryLayer) Extensions() []string {
	return append([]string(nil), l.extensions...)
}

// Close is a no-op; queued messages stay readable until Flush.
func (l *MemoryLayer) Close() error { return nil }

// Send enqueues msg on channel.
func (l *MemoryLayer) Send(ctx context.Context, channel string, msg Message) error {
	if err := ValidChannelName(channel); err != nil {
		return err
	}
	payload, err := encodeMessage("layer.Send", l.cfg, msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enqueueLocked(channel, payload, l.now()) {
		return opErr("layer.Send", ErrChannelFull, channel)
	}
	l.signalLocked()
	return nil
}

// enqueueLocked reports false when channel is at capacity.
func (l *MemoryLayer) enqueueLocked(channel string, payload []byte, now time.Time) bool {
	q := pruneExpired(l.channels[channel], now)
	if len(q) >= l.cfg.Capacity(channel) {
		l.storeLocked(channel, q)
		return false
	}
	l.channels[channel] = append(q, memMessage{payload: payload, expires: now.Add(l.cfg.Expiry())})
	return true
}

func (l *MemoryLayer) storeLocked(channel string, q []memMessage) {
	if len(q) == 0 {
		delete(l.channels, channel)
		return
	}
	l.channels[channel] = q
}

func (l *MemoryLayer) signalLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// ReceiveMany pops the oldest live message from one of channels. Channels are
// scanned in random order so a busy channel cannot starve the others.
func (l *MemoryLayer) ReceiveMany(ctx context.Context, channels []string, block bool) (string, Message, error) {
	if err := validateChannels(channels); err != nil {
		return "", nil, err
	}
	if len(channels) == 0 {
		return "", nil, nil
	}

	order := append([]string(nil), channels...)
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		l.mu.Lock()
		ch, payload, ok := l.popLocked(order, l.now())
		wake := l.wake
		l.mu.Unlock()

		if ok {
			msg, err := decodeMessage(payload)
			if err != nil {
				return "", nil, err
			}
			return ch, msg, nil
		}
		if !block {
			return "", nil, nil
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-wake:
		}
	}
}

func (l *MemoryLayer) popLocked(channels []string, now time.Time) (string, []byte, bool) {
	for _, ch := range channels {
		q := pruneExpired(l.channels[ch], now)
		if len(q) == 0 {
			l.storeLocked(ch, q)
			continue
		}
		head := q[0]
		l.storeLocked(ch, q[1:])
		return ch, head.payload, true
	}
	return "", nil, false
}

// pruneExpired drops expired messages from the head of q. Messages are appended in
// time order with a fixed expiry, so the live ones form a suffix.
func pruneExpired(q []memMessage, now time.Time) []memMessage {
	i := 0
	for i < len(q) && !now.Before(q[i].expires) {
		i++
	}
	return q[i:]
}

// NewChannel returns a fresh channel name built from pattern ("name!" or "name?").
func (l *MemoryLayer) NewChannel(ctx context.Context, pattern string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		suffix, err := ids.NewChannelSuffix(l.now())
		if err != nil {
			return "", err
		}
		name, err := NewChannelName(pattern, suffix)
		if err != nil {
			return "", err
		}

		l.mu.Lock()
		_, taken := l.channels[name]
		l.mu.Unlock()
		if !taken {
			return name, nil
		}
	}
}

// GroupAdd adds channel to group, refreshing its expiry if already present.
func (l *MemoryLayer) GroupAdd(ctx context.Context, group, channel string) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	if err := ValidChannelName(channel); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	members := l.groups[group]
	if members == nil {
		members = make(map[string]time.Time)
		l.groups[group] = members
	}
	members[channel] = l.now().Add(l.cfg.GroupExpiry())
	return nil
}

// GroupDiscard removes channel from group. Unknown members are ignored.
func (l *MemoryLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	if err := ValidChannelName(channel); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if members := l.groups[group]; members != nil {
		delete(members, channel)
		if len(members) == 0 {
			delete(l.groups, group)
		}
	}
	return nil
}

// SendGroup fans msg out to every live member of group. Members at capacity are skipped.
func (l *MemoryLayer) SendGroup(ctx context.Context, group string, msg Message) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	payload, err := encodeMessage("layer.SendGroup", l.cfg, msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	members := l.groups[group]
	sent := 0
	for ch, expires := range members {
		if !now.Before(expires) {
			delete(members, ch)
			continue
		}
		if !l.enqueueLocked(ch, payload, now) {
			l.log.Debug("layer.send_group.skip_full", "group", group, "channel", ch)
			continue
		}
		sent++
	}
	if len(members) == 0 {
		delete(l.groups, group)
	}
	if sent > 0 {
		l.signalLocked()
	}
	return nil
}

// Flush drops every queued message and group membership.
func (l *MemoryLayer) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.channels = make(map[string][]memMessage)
	l.groups = make(map[string]map[string]time.Time)
	return nil
}

// ChannelStatistics reports the live queue length of channel.
func (l *MemoryLayer) ChannelStatistics(ctx context.Context, channel string) (ChannelStats, error) {
	if err := ValidChannelName(channel); err != nil {
		return ChannelStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return ChannelStats{}, err
	}

	l.mu.Lock()
	q := pruneExpired(l.channels[channel], l.now())
	l.storeLocked(channel, q)
	n := len(q)
	l.mu.Unlock()

	capacity := l.cfg.Capacity(channel)
	return ChannelStats{Channel: channel, Messages: n, Capacity: capacity, Full: n >= capacity}, nil
}

// Sweep removes expired messages and memberships.
func (l *MemoryLayer) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for ch, q := range l.channels {
		live := pruneExpired(q, now)
		removed += len(q) - len(live)
		l.storeLocked(ch, live)
	}
	for g, members := range l.groups {
		for ch, expires := range members {
			if !now.Before(expires) {
				delete(members, ch)
				removed++
			}
		}
		if len(members) == 0 {
			delete(l.groups, g)
		}
	}
	return removed, nil
}
