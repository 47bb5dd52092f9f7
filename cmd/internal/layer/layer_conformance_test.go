package layer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// layerFactory returns a fresh, empty layer built on cfg. Cleanup is registered on t.
type layerFactory func(t *testing.T, cfg *Config) Layer

// conformanceConfig is shared by every backend run:
//   - default capacity 3
//   - "tiny.*" channels hold a single message
//   - payloads are capped at 256 encoded bytes
func conformanceConfig(t *testing.T) *Config {
	t.Helper()

	cfg, err := NewConfig(
		WithCapacity(3),
		WithChannelCapacity(CapacityEntry{Pattern: Glob("tiny.*"), Limit: 1}),
		WithMaxMessageSize(256),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func runConformance(t *testing.T, newLayer layerFactory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, l Layer)
	}{
		{"SendReceiveFIFO", testSendReceiveFIFO},
		{"ChannelFull", testChannelFull},
		{"MessageTooLarge", testMessageTooLarge},
		{"InvalidNames", testInvalidNames},
		{"ReceiveNothing", testReceiveNothing},
		{"ReceiveMany", testReceiveMany},
		{"BlockingReceiveWakes", testBlockingReceiveWakes},
		{"BlockingReceiveCanceled", testBlockingReceiveCanceled},
		{"NewChannel", testNewChannel},
		{"Groups", testGroups},
		{"SendGroupSkipsFull", testSendGroupSkipsFull},
		{"Flush", testFlush},
		{"Statistics", testStatistics},
		{"MessageRoundTrip", testMessageRoundTrip},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			l := newLayer(t, conformanceConfig(t))
			tc.fn(t, l)
		})
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustSend(t *testing.T, l Layer, channel string, msg Message) {
	t.Helper()

	if err := l.Send(testCtx(t), channel, msg); err != nil {
		t.Fatalf("Send(%q): %v", channel, err)
	}
}

func mustReceive(t *testing.T, l Layer, channels ...string) (string, Message) {
	t.Helper()

	ch, msg, err := l.ReceiveMany(testCtx(t), channels, false)
	if err != nil {
		t.Fatalf("ReceiveMany(%v): %v", channels, err)
	}
	if ch == "" {
		t.Fatalf("ReceiveMany(%v): expected a message", channels)
	}
	return ch, msg
}

func mustReceiveNothing(t *testing.T, l Layer, channels ...string) {
	t.Helper()

	ch, msg, err := l.ReceiveMany(testCtx(t), channels, false)
	if err != nil {
		t.Fatalf("ReceiveMany(%v): %v", channels, err)
	}
	if ch != "" || msg != nil {
		t.Fatalf("ReceiveMany(%v)=(%q,%v) want nothing", channels, ch, msg)
	}
}

func testSendReceiveFIFO(t *testing.T, l Layer) {
	for i := 0; i < 3; i++ {
		mustSend(t, l, "test.fifo", Message{"n": i})
	}
	for i := 0; i < 3; i++ {
		ch, msg := mustReceive(t, l, "test.fifo")
		if ch != "test.fifo" {
			t.Fatalf("channel=%q", ch)
		}
		if got := msg["n"]; got != float64(i) {
			t.Fatalf("message %d: n=%v", i, got)
		}
	}
	mustReceiveNothing(t, l, "test.fifo")
}

func testChannelFull(t *testing.T, l Layer) {
	mustSend(t, l, "tiny.one", Message{"n": 1})
	err := l.Send(testCtx(t), "tiny.one", Message{"n": 2})
	if !IsChannelFull(err) {
		t.Fatalf("second send to tiny.one: err=%v want ErrChannelFull", err)
	}

	// Default capacity applies to everything else.
	for i := 0; i < 3; i++ {
		mustSend(t, l, "test.full", Message{"n": i})
	}
	if err := l.Send(testCtx(t), "test.full", Message{}); !IsChannelFull(err) {
		t.Fatalf("fourth send to test.full: err=%v want ErrChannelFull", err)
	}

	// Receiving frees a slot.
	mustReceive(t, l, "tiny.one")
	mustSend(t, l, "tiny.one", Message{"n": 3})
}

func testMessageTooLarge(t *testing.T, l Layer) {
	err := l.Send(testCtx(t), "test.big", Message{"blob": strings.Repeat("x", 512)})
	if !IsMessageTooLarge(err) {
		t.Fatalf("err=%v want ErrMessageTooLarge", err)
	}
	mustReceiveNothing(t, l, "test.big")

	if err := l.GroupAdd(testCtx(t), "big", "test.big"); err != nil {
		t.Fatalf("GroupAdd: %v", err)
	}
	if err := l.SendGroup(testCtx(t), "big", Message{"blob": strings.Repeat("x", 512)}); !IsMessageTooLarge(err) {
		t.Fatalf("SendGroup err=%v want ErrMessageTooLarge", err)
	}
}

func testInvalidNames(t *testing.T, l Layer) {
	ctx := testCtx(t)

	checks := []struct {
		name string
		err  error
		want string
	}{
		{"Send", l.Send(ctx, "bad name", Message{}), channelNameMessage},
		{"ReceiveMany", func() error { _, _, err := l.ReceiveMany(ctx, []string{"ok", "bad name"}, false); return err }(), channelNameMessage},
		{"GroupAdd group", l.GroupAdd(ctx, "bad?group", "ok"), groupNameMessage},
		{"GroupAdd channel", l.GroupAdd(ctx, "ok", "bad name"), channelNameMessage},
		{"GroupDiscard group", l.GroupDiscard(ctx, "bad!group", "ok"), groupNameMessage},
		{"GroupDiscard channel", l.GroupDiscard(ctx, "ok", strings.Repeat("c", 100)), channelNameMessage},
		{"SendGroup", l.SendGroup(ctx, "bad group", Message{}), groupNameMessage},
		{"NewChannel", func() error { _, err := l.NewChannel(ctx, "no-delimiter"); return err }(), channelNameMessage},
	}

	for _, c := range checks {
		if !IsInvalidName(c.err) {
			t.Fatalf("%s: err=%v want ErrInvalidName", c.name, c.err)
		}
		if c.err.Error() != c.want {
			t.Fatalf("%s: message=%q want=%q", c.name, c.err.Error(), c.want)
		}
	}
}

func testReceiveNothing(t *testing.T, l Layer) {
	mustReceiveNothing(t, l)
	mustReceiveNothing(t, l, "test.empty", "test.empty2")

	// Blocking on no channels returns immediately as well.
	ch, msg, err := l.ReceiveMany(testCtx(t), nil, true)
	if err != nil || ch != "" || msg != nil {
		t.Fatalf("ReceiveMany(nil, block)=(%q,%v,%v)", ch, msg, err)
	}
}

func testReceiveMany(t *testing.T, l Layer) {
	mustSend(t, l, "test.a", Message{"from": "a"})
	mustSend(t, l, "test.b", Message{"from": "b"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ch, msg := mustReceive(t, l, "test.a", "test.b", "test.c")
		if msg["from"] != strings.TrimPrefix(ch, "test.") {
			t.Fatalf("message %v arrived on %q", msg, ch)
		}
		seen[ch] = true
	}
	if !seen["test.a"] || !seen["test.b"] {
		t.Fatalf("seen=%v", seen)
	}
	mustReceiveNothing(t, l, "test.a", "test.b", "test.c")
}

func testBlockingReceiveWakes(t *testing.T, l Layer) {
	ctx := testCtx(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = l.Send(context.Background(), "test.wait", Message{"ok": true})
	}()

	ch, msg, err := l.ReceiveMany(ctx, []string{"test.other", "test.wait"}, true)
	if err != nil {
		t.Fatalf("ReceiveMany: %v", err)
	}
	if ch != "test.wait" || msg["ok"] != true {
		t.Fatalf("got (%q,%v)", ch, msg)
	}
}

func testBlockingReceiveCanceled(t *testing.T, l Layer) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ch, _, err := l.ReceiveMany(ctx, []string{"test.never"}, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReceiveMany err=%v want context.DeadlineExceeded", err)
	}
	if ch != "" {
		t.Fatalf("channel=%q", ch)
	}
}

func testNewChannel(t *testing.T, l Layer) {
	ctx := testCtx(t)

	a, err := l.NewChannel(ctx, "test.reply!")
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	b, err := l.NewChannel(ctx, "test.reply!")
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if a == b {
		t.Fatalf("NewChannel returned %q twice", a)
	}
	for _, name := range []string{a, b} {
		if !strings.HasPrefix(name, "test.reply!") || len(name) <= len("test.reply!") {
			t.Fatalf("name=%q", name)
		}
		if err := ValidChannelName(name); err != nil {
			t.Fatalf("generated name %q is invalid: %v", name, err)
		}
	}

	c, err := l.NewChannel(ctx, "test.client?")
	if err != nil {
		t.Fatalf("NewChannel(?): %v", err)
	}
	mustSend(t, l, c, Message{"hi": "there"})
	if got, _ := mustReceive(t, l, c); got != c {
		t.Fatalf("received on %q want %q", got, c)
	}
}

func testGroups(t *testing.T, l Layer) {
	ctx := testCtx(t)

	for _, ch := range []string{"test.c1", "test.c2"} {
		if err := l.GroupAdd(ctx, "room", ch); err != nil {
			t.Fatalf("GroupAdd(%q): %v", ch, err)
		}
	}
	// Re-adding refreshes the membership, it does not duplicate it.
	if err := l.GroupAdd(ctx, "room", "test.c1"); err != nil {
		t.Fatalf("GroupAdd again: %v", err)
	}

	if err := l.SendGroup(ctx, "room", Message{"text": "hello"}); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	for _, ch := range []string{"test.c1", "test.c2"} {
		_, msg := mustReceive(t, l, ch)
		if msg["text"] != "hello" {
			t.Fatalf("%s: msg=%v", ch, msg)
		}
		mustReceiveNothing(t, l, ch)
	}

	if err := l.GroupDiscard(ctx, "room", "test.c2"); err != nil {
		t.Fatalf("GroupDiscard: %v", err)
	}
	if err := l.GroupDiscard(ctx, "room", "test.unknown"); err != nil {
		t.Fatalf("GroupDiscard(unknown): %v", err)
	}
	if err := l.GroupDiscard(ctx, "nobody", "test.c1"); err != nil {
		t.Fatalf("GroupDiscard(unknown group): %v", err)
	}

	if err := l.SendGroup(ctx, "room", Message{"text": "again"}); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	mustReceive(t, l, "test.c1")
	mustReceiveNothing(t, l, "test.c2")

	if err := l.SendGroup(ctx, "empty", Message{}); err != nil {
		t.Fatalf("SendGroup(empty group): %v", err)
	}
}

func testSendGroupSkipsFull(t *testing.T, l Layer) {
	ctx := testCtx(t)

	for _, ch := range []string{"tiny.a", "test.b"} {
		if err := l.GroupAdd(ctx, "mixed", ch); err != nil {
			t.Fatalf("GroupAdd(%q): %v", ch, err)
		}
	}
	mustSend(t, l, "tiny.a", Message{"n": "first"})

	if err := l.SendGroup(ctx, "mixed", Message{"n": "group"}); err != nil {
		t.Fatalf("SendGroup must not fail on a full member: %v", err)
	}

	_, msg := mustReceive(t, l, "test.b")
	if msg["n"] != "group" {
		t.Fatalf("test.b msg=%v", msg)
	}
	_, msg = mustReceive(t, l, "tiny.a")
	if msg["n"] != "first" {
		t.Fatalf("tiny.a msg=%v", msg)
	}
	mustReceiveNothing(t, l, "tiny.a")
}

func testFlush(t *testing.T, l Layer) {
	ctx := testCtx(t)

	if !HasExtension(l, ExtensionFlush) || !HasExtension(l, ExtensionGroups) {
		t.Fatalf("extensions=%v", l.Extensions())
	}

	mustSend(t, l, "test.flush", Message{})
	if err := l.GroupAdd(ctx, "flushed", "test.member"); err != nil {
		t.Fatalf("GroupAdd: %v", err)
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mustReceiveNothing(t, l, "test.flush")
	if err := l.SendGroup(ctx, "flushed", Message{}); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	mustReceiveNothing(t, l, "test.member")
}

func testStatistics(t *testing.T, l Layer) {
	st, ok := l.(Statistics)
	if !ok {
		t.Skip("backend does not report statistics")
	}
	ctx := testCtx(t)

	mustSend(t, l, "tiny.stats", Message{})
	got, err := st.ChannelStatistics(ctx, "tiny.stats")
	if err != nil {
		t.Fatalf("ChannelStatistics: %v", err)
	}
	want := ChannelStats{Channel: "tiny.stats", Messages: 1, Capacity: 1, Full: true}
	if got != want {
		t.Fatalf("stats=%+v want=%+v", got, want)
	}

	got, err = st.ChannelStatistics(ctx, "test.idle")
	if err != nil {
		t.Fatalf("ChannelStatistics: %v", err)
	}
	if got.Messages != 0 || got.Capacity != 3 || got.Full {
		t.Fatalf("idle stats=%+v", got)
	}

	if _, err := st.ChannelStatistics(ctx, "bad name"); !IsInvalidName(err) {
		t.Fatalf("err=%v want ErrInvalidName", err)
	}
}

func testMessageRoundTrip(t *testing.T, l Layer) {
	in := Message{
		"type": "http.request",
		"body": "aGVsbG8=",
		"more": false,
		"headers": []any{
			[]any{"host", "example.com"},
		},
		"meta": map[string]any{"attempt": 2},
	}
	mustSend(t, l, "test.roundtrip", in)

	_, out := mustReceive(t, l, "test.roundtrip")
	if out["type"] != "http.request" || out["body"] != "aGVsbG8=" || out["more"] != false {
		t.Fatalf("scalars: %v", out)
	}
	headers, ok := out["headers"].([]any)
	if !ok || len(headers) != 1 {
		t.Fatalf("headers: %#v", out["headers"])
	}
	meta, ok := out["meta"].(map[string]any)
	if !ok || meta["attempt"] != float64(2) {
		t.Fatalf("meta: %#v", out["meta"])
	}

	// NUL and other control characters survive storage unchanged.
	mustSend(t, l, "test.roundtrip", Message{"text": "a\x00b\u0001c"})
	if _, out := mustReceive(t, l, "test.roundtrip"); out["text"] != "a\x00b\u0001c" {
		t.Fatalf("control characters: %q", out["text"])
	}

	// A nil message is delivered as an empty one.
	mustSend(t, l, "test.roundtrip", nil)
	if _, out := mustReceive(t, l, "test.roundtrip"); len(out) != 0 {
		t.Fatalf("nil message arrived as %v", out)
	}
}
