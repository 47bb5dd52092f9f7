// Package gateway exposes a channel layer to remote processes over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"chanlayer/cmd/internal/ids"
	"chanlayer/cmd/internal/layer"

	"github.com/coder/websocket"
)

// Options configures a WSGateway. Zero values fall back to defaults.
type Options struct {
	Origin OriginPolicy

	// InsecureSkipVerify disables the library origin check entirely. Dev only.
	DevInsecure bool

	MaxFrameBytes   int64
	SendQueueSize   int
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	Metrics *Metrics
}

// DefaultOptions requires an Origin header from localhost.
func DefaultOptions() Options {
	return Options{
		Origin: OriginPolicy{
			Required: true,
			Allowed:  []string{"http://localhost", "http://127.0.0.1"},
		},
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.SendQueueSize < minSendQueueSize {
		o.SendQueueSize = minSendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = defaultReadIdle
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.RateEvents <= 0 {
		o.RateEvents = defaultRateEvents
	}
	if o.RateWindow <= 0 {
		o.RateWindow = defaultRateWindow
	}
	return o
}

// WSGateway is the WebSocket entrypoint to a channel layer.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// routes validated envelopes to the Layer, and pushes everything that arrives on
// the connection's reply channel back to the client.
type WSGateway struct {
	log   *slog.Logger
	layer layer.Layer
	opts  Options

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewWSGateway constructs a gateway. When l is nil it falls back to an in-memory layer.
func NewWSGateway(log *slog.Logger, l layer.Layer, opts Options) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if l == nil {
		l = layer.NewMemoryLayer(nil, layer.WithMemoryLogger(log))
	}
	opts = opts.withDefaults()

	return &WSGateway{
		log:            log,
		layer:          l,
		opts:           opts,
		originPatterns: opts.Origin.acceptPatterns(),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.opts.Origin.Check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.opts.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.opts.MaxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.opts.SendQueueSize)

	g.opts.Metrics.sessionOpened()
	defer g.opts.Metrics.sessionClosed()
	g.log.Info("ws.session.open", "session_id", sessionID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		pumps     sync.WaitGroup
	)

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	sess := &session{g: g, client: client, pumps: &pumps}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.opts.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.opts.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.opts.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.opts.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		badJSON := false
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				badJSON = true
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		// Malformed frames count toward the limit too.
		if !rl.Allow(time.Now().UTC()) {
			g.log.Info("ws.rate_limited", "session_id", sessionID)
			sess.sendErrorNow(ctx, conn, env.ID, CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if badJSON {
			sess.sendError(ctx, "", CodeBadJSON, "invalid JSON")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			sess.sendError(ctx, env.ID, CodeBadEnvelope, err.Error())
			continue readLoop
		}
		g.opts.Metrics.frame(env.Type)

		sess.dispatch(ctx, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	pumps.Wait()

	sess.leaveGroups()
	g.log.Info("ws.session.close", "session_id", sessionID)

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// session is the per-connection request router.
type session struct {
	g      *WSGateway
	client *Client
	pumps  *sync.WaitGroup
}

// payloadError marks a request whose payload could not be decoded or is incomplete.
type payloadError struct{ err error }

func (e payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return payloadError{errors.New("missing payload")}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return payloadError{err}
	}
	return nil
}

func (s *session) dispatch(ctx context.Context, env Envelope) {
	var err error
	switch env.Type {
	case TypeHello:
		// hello answers with hello.ack, not ack.
		if err = s.onHello(ctx); err == nil {
			return
		}
	case TypeChannelSend:
		err = s.onChannelSend(ctx, env)
	case TypeGroupAdd:
		err = s.onGroupAdd(ctx, env)
	case TypeGroupDiscard:
		err = s.onGroupDiscard(ctx, env)
	case TypeGroupSend:
		err = s.onGroupSend(ctx, env)
	default:
		s.sendError(ctx, env.ID, CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		return
	}

	if err != nil {
		s.sendError(ctx, env.ID, errorCode(err), err.Error())
		return
	}
	s.sendAck(ctx, env)
}

// errorCode maps layer and payload errors onto wire codes.
func errorCode(err error) string {
	var pe payloadError
	switch {
	case errors.As(err, &pe):
		return CodeBadPayload
	case layer.IsInvalidName(err):
		return CodeInvalidName
	case layer.IsChannelFull(err):
		return CodeChannelFull
	case layer.IsMessageTooLarge(err):
		return CodeMessageTooLarge
	case layer.IsNotImplemented(err):
		return CodeNotImplemented
	default:
		return CodeInternal
	}
}

// ---- handlers ----

func (s *session) onHello(ctx context.Context) error {
	reply := s.client.ReplyChannel()
	if reply == "" {
		name, err := s.g.layer.NewChannel(ctx, replyChannelPattern)
		if err != nil {
			return err
		}
		reply = s.client.setReplyChannel(name)

		s.pumps.Add(1)
		go func() {
			defer s.pumps.Done()
			s.pump(ctx, reply)
		}()
	}

	p, _ := json.Marshal(HelloAckPayload{ReplyChannel: reply})
	if !s.enqueue(ctx, newEnvelope(TypeHelloAck, p, time.Now().UTC())) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

func (s *session) onChannelSend(ctx context.Context, env Envelope) error {
	var p ChannelSendPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	return s.g.layer.Send(ctx, p.Channel, p.Message)
}

func (s *session) onGroupAdd(ctx context.Context, env Envelope) error {
	var p GroupMemberPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if err := s.g.layer.GroupAdd(ctx, p.Group, p.Channel); err != nil {
		return err
	}
	if p.Channel == s.client.ReplyChannel() {
		s.client.trackGroup(p.Group)
	}
	return nil
}

func (s *session) onGroupDiscard(ctx context.Context, env Envelope) error {
	var p GroupMemberPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if err := s.g.layer.GroupDiscard(ctx, p.Group, p.Channel); err != nil {
		return err
	}
	if p.Channel == s.client.ReplyChannel() {
		s.client.untrackGroup(p.Group)
	}
	return nil
}

func (s *session) onGroupSend(ctx context.Context, env Envelope) error {
	var p GroupSendPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	return s.g.layer.SendGroup(ctx, p.Group, p.Message)
}

// pump blocks on the reply channel and forwards every message to the client. It
// waits for queue space rather than dropping, so a slow client leaves messages in
// the layer where capacity applies.
func (s *session) pump(ctx context.Context, channel string) {
	for {
		ch, msg, err := s.g.layer.ReceiveMany(ctx, []string{channel}, true)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.g.log.Warn("ws.pump.fail", "session_id", s.client.SessionID, "channel", channel, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpRetryDelay):
			}
			continue
		}
		if ch == "" {
			continue
		}

		p, err := json.Marshal(MessagePayload{Channel: ch, Message: msg})
		if err != nil {
			s.g.log.Warn("ws.pump.encode.fail", "session_id", s.client.SessionID, "err", err)
			continue
		}
		env := newEnvelope(TypeMessage, p, time.Now().UTC())

		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case s.client.Send <- env:
		}
	}
}

// leaveGroups discards the reply channel from every group it joined. The request
// context is gone by now, so it runs on its own deadline.
func (s *session) leaveGroups() {
	reply := s.client.ReplyChannel()
	if reply == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, group := range s.client.Groups() {
		if err := s.g.layer.GroupDiscard(ctx, group, reply); err != nil {
			s.g.log.Warn("ws.cleanup.group_discard.fail", "session_id", s.client.SessionID, "group", group, "err", err)
		}
	}
}

// ---- send helpers ----

func (s *session) sendAck(ctx context.Context, req Envelope) {
	p, _ := json.Marshal(AckPayload{RefID: req.ID, RefType: req.Type})
	_ = s.enqueue(ctx, newEnvelope(TypeAck, p, time.Now().UTC()))
}

func (s *session) sendError(ctx context.Context, refID, code, msg string) {
	s.g.opts.Metrics.errorSent(code)
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg, RefID: refID})
	_ = s.enqueue(ctx, newEnvelope(TypeError, p, time.Now().UTC()))
}

// sendErrorNow writes the error frame directly, bypassing the send queue, for
// errors that are immediately followed by a close.
func (s *session) sendErrorNow(ctx context.Context, conn *websocket.Conn, refID, code, msg string) {
	s.g.opts.Metrics.errorSent(code)
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg, RefID: refID})
	_ = writeEnvelope(ctx, conn, newEnvelope(TypeError, p, time.Now().UTC()), s.g.opts.WriteTimeout)
}

func (s *session) enqueue(ctx context.Context, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) Envelope {
	id, _ := ids.NewULID(ts)
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	default:
		return readErrUnknown
	}
}
