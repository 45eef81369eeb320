// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package uwsc is an embeddable WebSocket client engine: it opens a single
// outbound connection, performs the RFC 6455 upgrade handshake, and
// delivers frames and lifecycle events to the embedder through callbacks.
//
// A Client owns exactly one connection. All of its state is mutated from a
// single goroutine (the "run loop"); Send, Ping, SendClose and Free are
// the only methods safe to call from other goroutines, matching the
// single-threaded-per-connection model of an event-driven embedder.
package uwsc

import (
	"crypto/tls"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/uwsc/client/internal/loop"
)

// Config configures a Client. URL is the only required field.
type Config struct {
	// URL is a ws:// or wss:// endpoint (§6).
	URL string
	// PingInterval is the keepalive period; 0 disables the supervisor (§4.6).
	PingInterval time.Duration
	// ExtraHeader is inserted verbatim into the upgrade request; if
	// non-empty it must end with CRLF (§4.3).
	ExtraHeader string
	// DialTimeout bounds the CONNECTING phase; defaults to 5s (§4.5).
	DialTimeout time.Duration
	// TLSConfig configures the TLS transport adapter for wss:// URLs; a
	// hardened default is used when nil (§4.2).
	TLSConfig *tls.Config
	// Logger receives structured diagnostics; nil (the default) is silent.
	Logger *zerolog.Logger
	// UserData is opaque state the embedder can retrieve from the Client.
	UserData interface{}

	OnOpen    func(c *Client)
	OnMessage func(c *Client, data []byte, binary bool)
	OnError   func(c *Client, err *Error)
	OnClose   func(c *Client, code uint16, reason string)
}

func (cfg *Config) validate() error {
	if cfg.URL == "" {
		return errors.New("uwsc: Config.URL is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultConnectTTL
	}
	return nil
}

// peerClose carries the decoded CLOSE frame status back to the run loop.
type peerClose struct {
	hasStatus bool
	code      uint16
	reason    string
}

func (p *peerClose) Error() string { return "uwsc: peer close frame received" }

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdPing
)

type command struct {
	kind    cmdKind
	op      Opcode
	payload []byte
}

type readEvent struct {
	data []byte
	err  error
}

// Client is one WebSocket connection (§3).
type Client struct {
	ID     uuid.UUID
	cfg    Config
	ep     *endpoint
	logger zerolog.Logger

	conn  net.Conn
	state State

	ingress *Buffer
	egress  *Buffer
	dec     decoder
	keep    keepalive
	limiter *rate.Limiter

	clientKey string
	closeSent bool

	cmdCh    chan command
	readCh   chan readEvent
	closeReq chan struct{}

	closeOnce sync.Once
	closed    int32
	loop      *loop.Loop
}

// New parses url, dials the endpoint, performs the handshake and starts the
// client's run loop — the §4.7 "new" operation. It returns once the dial
// and handshake either succeed or fail; failures are also reported through
// cfg.OnError for parity with the async engine (the constructor call itself
// additionally returns the error so embedders that prefer synchronous
// construction don't have to wait on a callback).
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ep, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	c := &Client{
		ID:       uuid.New(),
		cfg:      cfg,
		ep:       ep,
		logger:   logger,
		state:    StateConnecting,
		ingress:  NewBuffer(pageSize),
		egress:   NewBuffer(pageSize),
		cmdCh:    make(chan command, 64),
		readCh:   make(chan readEvent, 8),
		closeReq: make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		loop:     loop.New(),
	}
	c.ingress.SetPersistentSize(pageSize)
	c.egress.SetPersistentSize(pageSize)
	c.keep.interval = cfg.PingInterval

	if err := c.connectAndHandshake(); err != nil {
		c.fail(classify(err), err)
		return nil, err
	}

	c.loop.Go(c.readLoop)
	c.loop.Go(c.runLoop)
	return c, nil
}

// classify recovers the ErrorKind a helper already attached via *Error, or
// falls back to ErrIO.
func classify(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrIO
}

// connectAndHandshake runs §4.5's CONNECTING [-> SSL_HANDSHAKE] -> HANDSHAKE
// sequence synchronously on the caller's goroutine — safe because the run
// loop and reader goroutine are not started until it returns.
func (c *Client) connectAndHandshake() error {
	conn, err := dialNonBlocking(c.ep.host, c.ep.port, c.cfg.DialTimeout)
	if err != nil {
		return err
	}

	if c.ep.tls {
		c.state = StateSSLHandshake
		_ = conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
		tconn, err := tlsHandshake(conn, c.ep.host, c.cfg.TLSConfig)
		if err != nil {
			conn.Close()
			return err
		}
		conn = tconn
	}

	c.state = StateHandshake
	nonce, err := newClientNonce()
	if err != nil {
		conn.Close()
		return wrapError(ErrIO, err, "nonce")
	}
	c.clientKey = nonce

	egress := NewBuffer(512)
	buildUpgradeRequest(egress, c.ep, nonce, c.cfg.ExtraHeader)
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write(egress.Bytes()); err != nil {
		conn.Close()
		return wrapError(ErrIO, err, "write upgrade request")
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	tmp := make([]byte, 512)
	for findHeaderEnd(c.ingress.Bytes()) < 0 {
		n, err := conn.Read(tmp)
		if n > 0 {
			c.ingress.PutBytes(tmp[:n])
		}
		if err != nil {
			conn.Close()
			return wrapError(ErrIO, err, "read upgrade response")
		}
	}
	headerLen := findHeaderEnd(c.ingress.Bytes())
	if err := parseUpgradeResponse(c.ingress.Bytes()[:headerLen], c.clientKey); err != nil {
		conn.Close()
		return err
	}
	c.ingress.Pull(headerLen, nil)
	_ = conn.SetDeadline(time.Time{})

	c.conn = conn
	c.state = StateParseMsgHead
	c.keep.lastPing = time.Now()
	if c.cfg.OnOpen != nil {
		c.cfg.OnOpen(c)
	}
	return nil
}

// readLoop is the only goroutine that calls conn.Read; it never touches
// Client fields directly, only posts events for the run loop to process —
// the suspension point of §5 is the blocking Read call itself.
func (c *Client) readLoop() {
	buf := make([]byte, pageSize)
	for {
		n, err := c.conn.Read(buf)
		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, buf[:n])
		}
		select {
		case c.readCh <- readEvent{data: data, err: err}:
		case <-c.loop.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// runLoop is the single mutator goroutine: it owns state, ingress, dec and
// keep, and is the only place the client's fields are written after
// connectAndHandshake returns.
func (c *Client) runLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.readCh:
			if len(ev.data) > 0 {
				c.ingress.PutBytes(ev.data)
				if done := c.processIngress(); done {
					return
				}
			}
			if ev.err != nil {
				c.handleReadError(ev.err)
				return
			}

		case cmd := <-c.cmdCh:
			c.handleCommand(cmd)

		case now := <-ticker.C:
			switch c.keep.Tick(now) {
			case actionSendPing:
				c.writeFrame(OpPing, []byte(pingPayload))
			case actionTimeout:
				c.fail(ErrPingTimeout, errors.New("no pong within timeout after repeated pings"))
				return
			}

		case <-c.closeReq:
			// Embedder-driven Free(): release resources, but unlike the
			// engine-initiated paths above, no callback fires (§5
			// "Cancellation": free() is the embedder's own action, not an
			// error or a peer event).
			c.teardown()
			return

		case <-c.loop.Done():
			return
		}
	}
}

// processIngress drains as many complete frames as are available and
// returns true once the connection has been torn down (peer close or
// protocol error) so the caller can stop the run loop.
func (c *Client) processIngress() bool {
	for {
		result, err := c.dec.Decode(c.ingress, c.dispatch)
		c.state = substateToState(c.dec.state)

		switch result {
		case decodeNeedMore:
			return false
		case decodeServerMasked:
			c.fail(ErrServerMasked, errors.New("received frame has MASK bit set"))
			return true
		case decodeNotSupport:
			c.fail(ErrNotSupport, errors.New("fragmented frame or CONTINUE opcode"))
			return true
		case decodeTooLarge:
			c.writeFrame(OpClose, EncodeClose(1009, "message too large"))
			c.fail(ErrNotSupport, errors.New("declared payload length exceeds platform word size"))
			return true
		case decodeProtocolError:
			c.writeFrame(OpClose, EncodeClose(1002, "protocol error"))
			c.fail(ErrNotSupport, errors.New("unknown non-control opcode"))
			return true
		case decodeDispatch:
			if err != nil {
				var pc *peerClose
				if errors.As(err, &pc) {
					c.handlePeerClose(pc)
					return true
				}
				c.fail(ErrIO, err)
				return true
			}
		}
	}
}

// dispatch routes a decoded frame by opcode (§4.4 "Dispatch").
func (c *Client) dispatch(op Opcode, payload []byte) error {
	switch op {
	case OpText, OpBinary:
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(c, payload, op == OpBinary)
		}
		return nil
	case OpPing:
		c.writeFrame(OpPong, payload)
		return nil
	case OpPong:
		c.keep.OnPong()
		return nil
	case OpClose:
		pc := &peerClose{}
		if len(payload) >= 2 {
			pc.hasStatus = true
			pc.code = uint16(payload[0])<<8 | uint16(payload[1])
			pc.reason = string(payload[2:])
		}
		return pc
	default:
		return nil
	}
}

func (c *Client) handlePeerClose(pc *peerClose) {
	if !c.teardown() {
		return
	}
	code, reason := uint16(1005), ""
	if pc.hasStatus {
		code, reason = pc.code, pc.reason
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(c, code, reason)
	}
}

// handleReadError implements the EOF/IO-error branch of §4.5/§7: an
// orderly EOF that arrives before any CLOSE frame is reported as
// on_close(1006, "unexpected EOF"); any other read error is fatal via
// on_error.
func (c *Client) handleReadError(err error) {
	if errors.Is(err, io.EOF) {
		if !c.teardown() {
			return
		}
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(c, 1006, "unexpected EOF")
		}
		return
	}
	c.fail(ErrIO, err)
}

func (c *Client) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSend:
		c.writeFrame(cmd.op, cmd.payload)
	case cmdPing:
		c.writeFrame(OpPing, []byte(pingPayload))
		c.keep.lastPing = time.Now()
		c.keep.pongPending = true
	}
}

// writeFrame masks and composes a single frame into the egress buffer, then
// flushes it whole to the connection. Frames are written from the run loop
// only, so ordering across Send/Ping/internal PONG replies and PINGs is
// exactly call order (§5 "Ordering"); the egress buffer never holds a
// partially emitted frame header at a suspension point because the whole
// frame is composed before the single Write call that flushes it (§3).
func (c *Client) writeFrame(op Opcode, payload []byte) {
	mask, err := newMaskKey()
	if err != nil {
		c.fail(ErrIO, err)
		return
	}
	frame := Encode(op, payload, mask)
	c.egress.PutBytes(frame)
	if _, err := c.egress.PullToFD(c.conn, c.egress.Len()); err != nil && !IsPending(err) {
		c.fail(ErrIO, err)
	}
}

// Send enqueues a single masked frame (§4.7). op must be one of
// TEXT/BINARY/CLOSE/PING/PONG. Payloads of 2^32 bytes or more are rejected.
func (c *Client) Send(op Opcode, payload []byte) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return errors.New("uwsc: client is closed")
	}
	if len(payload) > math.MaxUint32 {
		return errors.New("uwsc: payload too large")
	}
	select {
	case c.cmdCh <- command{kind: cmdSend, op: op, payload: payload}:
		return nil
	case <-c.loop.Done():
		return errors.New("uwsc: client is closed")
	}
}

// SendClose is a convenience for sending a CLOSE frame with a status code
// and reason (§4.7).
func (c *Client) SendClose(code uint16, reason string) error {
	return c.Send(OpClose, EncodeClose(code, reason))
}

// Ping issues an explicit PING (§4.7), rate-limited so a misbehaving
// embedder hammering Ping cannot flood the wire.
func (c *Client) Ping() error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return errors.New("uwsc: client is closed")
	}
	if !c.limiter.Allow() {
		return errors.New("uwsc: ping rate limit exceeded")
	}
	select {
	case c.cmdCh <- command{kind: cmdPing}:
		return nil
	case <-c.loop.Done():
		return errors.New("uwsc: client is closed")
	}
}

// fail is the engine-initiated error path of §7: it frees the connection
// first, then invokes OnError. on_close is not invoked on this path.
func (c *Client) fail(kind ErrorKind, err error) {
	if !c.teardown() {
		return
	}
	c.logger.Error().Stringer("state", c.state).Str("kind", kind.String()).Err(err).Msg("uwsc: fatal error")
	if c.cfg.OnError != nil {
		c.cfg.OnError(c, &Error{Kind: kind, Err: err})
	}
}

// teardown implements §4.7's free(): it marks the client closed, closes the
// connection (and with it any TLS session) and stops the loop, which ends
// the reader goroutine and the run loop's ticker. It reports whether this call
// performed the transition (false if the client was already freed), so
// callers on the run loop know whether they won the race against an
// embedder-driven Free() and should fire a lifecycle callback.
//
// teardown must only be called from the run loop goroutine (directly, or
// via the closeReq channel from Free) so that c.state and c.conn are never
// written from two goroutines at once.
func (c *Client) teardown() bool {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return false
	}
	c.state = StateClosed
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.loop.Stop()
	return true
}

// Free releases all resources held by the client (§4.7). Safe to call from
// any goroutine; idempotent. No lifecycle callback fires as a result of an
// explicit Free() call.
func (c *Client) Free() {
	c.closeOnce.Do(func() { close(c.closeReq) })
}
