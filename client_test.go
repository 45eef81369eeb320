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

package uwsc

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/uwsc/client/internal/loop"
)

// receivedFrame is one frame the test observed the client write out.
type receivedFrame struct {
	op      Opcode
	payload []byte
}

// decodeClientFrame pulls one complete masked client->server frame off buf
// and returns its opcode and unmasked payload; ok is false while the frame
// is still incomplete.
func decodeClientFrame(buf *Buffer) (op Opcode, payload []byte, ok bool) {
	p := buf.Bytes()
	if len(p) < 2 {
		return 0, nil, false
	}
	hn, l := 2, int(p[1]&^maskBit)
	switch {
	case l == 126 && len(p) >= 4:
		hn, l = 4, int(buf.PeekUint16BE(2))
	case l == 127 && len(p) >= 10:
		hn, l = 10, int(buf.PeekUint64BE(2))
	case l >= 126:
		return 0, nil, false
	}
	if len(p) < hn+4+l {
		return 0, nil, false
	}
	var mask [4]byte
	copy(mask[:], p[hn:hn+4])
	op, payload = Opcode(p[0]&0x0F), append([]byte(nil), p[hn+4:hn+4+l]...)
	maskBytes(payload, mask, 0)
	buf.Pull(hn+4+l, nil)
	return op, payload, true
}

// testHarness wires a *Client to one end of a net.Pipe and drains whatever
// the client writes on the other end, unmasking and decoding it with
// decodeClientFrame, so assertions read like "the client sent opcode X with
// payload Y" instead of raw bytes.
type testHarness struct {
	client *Client
	peer   net.Conn
	frames chan receivedFrame

	mu        sync.Mutex
	messages  []receivedFrame
	errors    []*Error
	closeCode uint16
	closeMsg  string
	closed    bool
}

func newTestHarness(t *testing.T, cfgMutate func(*Config), prep func(*Client)) *testHarness {
	t.Helper()
	a, b := net.Pipe()

	h := &testHarness{peer: b, frames: make(chan receivedFrame, 16)}

	cfg := Config{
		URL:          "ws://example.com/",
		PingInterval: 0,
		OnMessage: func(c *Client, data []byte, binary bool) {
			h.mu.Lock()
			h.messages = append(h.messages, receivedFrame{payload: data})
			h.mu.Unlock()
		},
		OnError: func(c *Client, err *Error) {
			h.mu.Lock()
			h.errors = append(h.errors, err)
			h.mu.Unlock()
		},
		OnClose: func(c *Client, code uint16, reason string) {
			h.mu.Lock()
			h.closed = true
			h.closeCode = code
			h.closeMsg = reason
			h.mu.Unlock()
		},
	}
	if cfgMutate != nil {
		cfgMutate(&cfg)
	}
	require.NoError(t, cfg.validate())

	ep, err := parseURL(cfg.URL)
	require.NoError(t, err)

	c := &Client{
		ID:       uuid.New(),
		cfg:      cfg,
		ep:       ep,
		conn:     a,
		state:    StateParseMsgHead,
		ingress:  NewBuffer(pageSize),
		egress:   NewBuffer(pageSize),
		cmdCh:    make(chan command, 64),
		readCh:   make(chan readEvent, 8),
		closeReq: make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Every(time.Millisecond), 1),
		loop:     loop.New(),
	}
	c.ingress.SetPersistentSize(pageSize)
	c.egress.SetPersistentSize(pageSize)
	c.keep.interval = cfg.PingInterval
	c.keep.lastPing = time.Now()
	if prep != nil {
		prep(c)
	}
	h.client = c

	go func() {
		buf := NewBuffer(pageSize)
		tmp := make([]byte, pageSize)
		for {
			n, err := b.Read(tmp)
			if n > 0 {
				buf.PutBytes(tmp[:n])
				for {
					op, payload, ok := decodeClientFrame(buf)
					if !ok {
						break
					}
					select {
					case h.frames <- receivedFrame{op: op, payload: payload}:
					default:
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go c.runLoop()
	t.Cleanup(func() { c.Free() })
	return h
}

func (h *testHarness) expectFrame(t *testing.T, wantOp Opcode) receivedFrame {
	t.Helper()
	select {
	case f := <-h.frames:
		require.Equal(t, wantOp, f.op)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for opcode %v", wantOp)
		return receivedFrame{}
	}
}

func TestClientDispatchesIncomingTextMessage(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	h.client.readCh <- readEvent{data: buildServerFrame(OpText, []byte("hello"))}

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.messages) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, "hello", string(h.messages[0].payload))
}

func TestClientRepliesToPingWithPong(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	h.client.readCh <- readEvent{data: buildServerFrame(OpPing, []byte("uwsc"))}

	f := h.expectFrame(t, OpPong)
	require.Equal(t, []byte("uwsc"), f.payload)
}

func TestClientOnPongClearsPongPending(t *testing.T) {
	h := newTestHarness(t, nil, func(c *Client) {
		c.keep.interval = time.Hour
		c.keep.pongPending = true
	})

	h.client.readCh <- readEvent{data: buildServerFrame(OpPong, nil)}

	// OnPong only runs on the run-loop goroutine, which handles read events
	// in order: once the PONG reply to this later PING arrives, the earlier
	// PONG has been processed and keep.pongPending can be read safely.
	h.client.readCh <- readEvent{data: buildServerFrame(OpPing, []byte("uwsc"))}
	f := h.expectFrame(t, OpPong)
	require.Equal(t, []byte("uwsc"), f.payload)
	require.False(t, h.client.keep.pongPending)
}

func TestClientSendEnqueuesOutboundFrame(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	require.NoError(t, h.client.Send(OpText, []byte("ping from embedder")))

	f := h.expectFrame(t, OpText)
	require.Equal(t, "ping from embedder", string(f.payload))
}

func TestClientSendOrderingMatchesCallOrder(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	require.NoError(t, h.client.Send(OpText, []byte("first")))
	require.NoError(t, h.client.Send(OpText, []byte("second")))

	require.Equal(t, "first", string(h.expectFrame(t, OpText).payload))
	require.Equal(t, "second", string(h.expectFrame(t, OpText).payload))
}

func TestClientPeerCloseFiresOnCloseWithStatus(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	h.client.readCh <- readEvent{data: buildServerFrame(OpClose, EncodeClose(1000, "bye"))}

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.closed
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, uint16(1000), h.closeCode)
	require.Equal(t, "bye", h.closeMsg)
}

func TestClientPeerCloseWithoutStatusDefaultsTo1005(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	h.client.readCh <- readEvent{data: buildServerFrame(OpClose, nil)}

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.closed
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, uint16(1005), h.closeCode)
}

func TestClientReadEOFFiresOnCloseWith1006(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	h.client.readCh <- readEvent{err: io.EOF}

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.closed
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, uint16(1006), h.closeCode)
}

func TestClientServerMaskedFrameIsFatal(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	bad := NewBuffer(16)
	bad.PutUint8(finBit | byte(OpText))
	bad.PutUint8(maskBit | 1)
	bad.PutBytes([]byte{0})
	h.client.readCh <- readEvent{data: bad.Bytes()}

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errors) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, ErrServerMasked, h.errors[0].Kind)
	require.False(t, h.closed, "on_error path must not also fire on_close")
}

func TestClientFreeIsIdempotentAndSuppressesCallbacks(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	h.client.Free()
	h.client.Free() // must not panic or double-close closeReq

	select {
	case <-h.client.loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after Free")
	}

	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.False(t, h.closed)
	require.Empty(t, h.errors)
}
