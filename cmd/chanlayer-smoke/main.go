// Package main provides a CI-friendly WebSocket smoke test for a running chanlayer server.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello.ack reply channel allocation
//   - direct channel.send to another client's reply channel
//   - group.add + group.send fan-out
//   - group.discard stops delivery
//   - invalid names are rejected with invalid_name
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"chanlayer/cmd/internal/gateway"
	"chanlayer/cmd/internal/ids"
	"chanlayer/cmd/internal/layer"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	replyChannel string

	inbox chan gateway.Envelope
	errCh chan error

	// Envelopes skipped while waiting for another type, replayed first.
	pending []gateway.Envelope
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		group   = flag.String("group", "smoke", "Group name prefix; a unique suffix is appended")
		text    = flag.String("text", "hello chanlayer", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := checkURL(*wsURL, false, "ws", "wss"); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := checkURL(*origin, true, "http", "https"); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	suffix, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		fatalf("group suffix: %v", err)
	}
	groupName := *group + "-" + strings.ToLower(suffix)
	if err := layer.ValidGroupName(groupName); err != nil {
		fatalf("invalid -group: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.replyChannel, b.replyChannel, *origin)
	}

	// Direct send to B's reply channel.
	mustRequestAck(root, a, gateway.TypeChannelSend, gateway.ChannelSendPayload{
		Channel: b.replyChannel,
		Message: layer.Message{"type": "smoke.direct", "text": *text},
	}, *timeout)
	mustAssertMessage(root, b, b.replyChannel, "smoke.direct", *text, *timeout)

	// Group fan-out.
	mustRequestAck(root, a, gateway.TypeGroupAdd, gateway.GroupMemberPayload{Group: groupName, Channel: a.replyChannel}, *timeout)
	mustRequestAck(root, b, gateway.TypeGroupAdd, gateway.GroupMemberPayload{Group: groupName, Channel: b.replyChannel}, *timeout)

	mustRequestAck(root, a, gateway.TypeGroupSend, gateway.GroupSendPayload{
		Group:   groupName,
		Message: layer.Message{"type": "smoke.group", "text": *text},
	}, *timeout)
	mustAssertMessage(root, a, a.replyChannel, "smoke.group", *text, *timeout)
	mustAssertMessage(root, b, b.replyChannel, "smoke.group", *text, *timeout)

	// After discard only A receives.
	mustRequestAck(root, b, gateway.TypeGroupDiscard, gateway.GroupMemberPayload{Group: groupName, Channel: b.replyChannel}, *timeout)
	mustRequestAck(root, a, gateway.TypeGroupSend, gateway.GroupSendPayload{
		Group:   groupName,
		Message: layer.Message{"type": "smoke.group.after_discard"},
	}, *timeout)
	mustAssertMessage(root, a, a.replyChannel, "smoke.group.after_discard", "", *timeout)
	mustAssertNoType(root, b, gateway.TypeMessage, 1200*time.Millisecond)

	// Invalid names never reach the layer.
	mustRequestError(root, a, gateway.TypeChannelSend, gateway.ChannelSendPayload{
		Channel: "not a channel",
		Message: layer.Message{"type": "smoke.invalid"},
	}, gateway.CodeInvalidName, *timeout)

	fmt.Printf("OK: A=%s B=%s group=%s\n", a.replyChannel, b.replyChannel, groupName)
}

// checkURL parses raw and requires one of schemes plus a host. An empty raw is
// accepted when optional is set.
func checkURL(raw string, optional bool, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		if optional {
			return nil
		}
		return errors.New("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q not in %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{gateway.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != gateway.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, gateway.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan gateway.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, newEnvelope(name+"-hello", gateway.TypeHello, nil), stepTimeout)
	ack := c.mustReadUntilType(parent, gateway.TypeHelloAck, stepTimeout)

	var p gateway.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if err := layer.ValidChannelName(p.ReplyChannel); err != nil {
		fatalf("hello.ack reply_channel invalid (%s): %v", name, err)
	}
	c.replyChannel = p.ReplyChannel

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env gateway.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustRequestAck(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano())
	mustWriteWithTimeout(parent, c.conn, newEnvelope(id, typ, payload), stepTimeout)

	for {
		ack := c.mustReadUntilType(parent, gateway.TypeAck, stepTimeout, gateway.TypeMessage)
		var p gateway.AckPayload
		if err := json.Unmarshal(ack.Payload, &p); err != nil {
			fatalf("unmarshal ack payload (%s): %v", c.name, err)
		}
		if p.RefID == id {
			if p.RefType != typ {
				fatalf("ack ref_type mismatch (%s): got=%q want=%q", c.name, p.RefType, typ)
			}
			return
		}
	}
}

func mustRequestError(parent context.Context, c *smokeClient, typ string, payload any, wantCode string, stepTimeout time.Duration) {
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano())
	mustWriteWithTimeout(parent, c.conn, newEnvelope(id, typ, payload), stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error %q (%s)", wantCode, c.name)
		case err := <-c.errCh:
			fatalf("connection error while waiting for error %q (%s): %v", wantCode, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error %q (%s)", wantCode, c.name)
			}
			if env.Type != gateway.TypeError {
				c.pending = append(c.pending, env)
				continue
			}
			var ep gateway.ErrorPayload
			if err := json.Unmarshal(env.Payload, &ep); err != nil {
				fatalf("unmarshal error payload (%s): %v", c.name, err)
			}
			if ep.RefID != id || ep.Code != wantCode {
				fatalf("error mismatch (%s): code=%q ref_id=%q want code=%q ref_id=%q", c.name, ep.Code, ep.RefID, wantCode, id)
			}
			return
		}
	}
}

func mustAssertMessage(parent context.Context, c *smokeClient, channel, msgType, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, gateway.TypeMessage, stepTimeout, gateway.TypeAck)

	var p gateway.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.name, err)
	}
	if p.Channel != channel {
		fatalf("message channel mismatch (%s): got=%q want=%q", c.name, p.Channel, channel)
	}
	if p.Message["type"] != msgType {
		fatalf("message type mismatch (%s): got=%v want=%q", c.name, p.Message["type"], msgType)
	}
	if text != "" && p.Message["text"] != text {
		fatalf("message text mismatch (%s): got=%v want=%q", c.name, p.Message["text"], text)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	if _, ok := c.takePending(forbiddenType); ok {
		fatalf("unexpected %s received (%s)", forbiddenType, c.name)
	}

	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == gateway.TypeError {
				reportServerError(c, env)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) takePending(wantType string) (gateway.Envelope, bool) {
	for i, env := range c.pending {
		if env.Type == wantType {
			c.pending = slices.Delete(c.pending, i, i+1)
			return env, true
		}
	}
	return gateway.Envelope{}, false
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes ...string) gateway.Envelope {
	if env, ok := c.takePending(wantType); ok {
		return env
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			switch {
			case env.Type == wantType:
				return env
			case env.Type == gateway.TypeError:
				reportServerError(c, env)
			case slices.Contains(skipTypes, env.Type):
				c.pending = append(c.pending, env)
			default:
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
			}
		}
	}
}

func reportServerError(c *smokeClient, env gateway.Envelope) {
	var ep gateway.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	fatalf("server error (%s): code=%q msg=%q ref_id=%q", c.name, ep.Code, ep.Message, ep.RefID)
}

func newEnvelope(id, typ string, payload any) gateway.Envelope {
	env := gateway.Envelope{V: gateway.Version, Type: typ, ID: id, TS: time.Now().UTC()}
	if payload == nil {
		return env
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("encode %s payload: %v", typ, err)
	}
	env.Payload = raw
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env gateway.Envelope, stepTimeout time.Duration) {
	raw, err := json.Marshal(env)
	if err != nil {
		fatalf("encode %s envelope: %v", env.Type, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "smoke done")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "smoke: FAIL: "+format+"\n", args...)
	os.Exit(1)
}
