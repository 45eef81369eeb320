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
	"math"
)

// Opcode is the 4-bit message-type tag of a WebSocket frame.
type Opcode int

const (
	OpContinue Opcode = 0x0
	OpText     Opcode = 0x1
	OpBinary   Opcode = 0x2
	OpClose    Opcode = 0x8
	OpPing     Opcode = 0x9
	OpPong     Opcode = 0xA
)

const (
	finBit  = 1 << 7
	maskBit = 1 << 7

	maxControlPayload = 125
)

func isControlOpcode(op Opcode) bool { return op >= OpClose }

// parseSubstate is the decode-side state machine of §4.4: parse-head,
// parse-paylen, parse-payload.
type parseSubstate int

const (
	parseHead parseSubstate = iota
	parsePaylen
	parsePayload
)

// frameDescriptor is the transient per-frame decode state (§3).
type frameDescriptor struct {
	fin        bool
	opcode     Opcode
	declaredLn uint64
	have7bit   byte
}

// decoder drives the progressive inbound frame parser over a Client's
// ingress Buffer. Each dispatched payload is a fresh copy pulled out of the
// ingress buffer, so it stays valid after dispatch returns.
type decoder struct {
	state parseSubstate
	fd    frameDescriptor
}

// decodeResult tells the caller what happened on one Decode call.
type decodeResult int

const (
	decodeNeedMore decodeResult = iota
	decodeDispatch
	decodeProtocolError
	decodeNotSupport
	decodeServerMasked
	decodeTooLarge
)

// Decode consumes at most one complete frame from buf's readable region per
// call: it invokes dispatch(opcode, payload) for that frame and returns
// decodeDispatch, returns decodeNeedMore once the next step needs more bytes
// than are available, or returns one of the rejection results. It implements
// the parse-head / parse-paylen / parse-payload substates of §4.4.
func (d *decoder) Decode(buf *Buffer, dispatch func(Opcode, []byte) error) (decodeResult, error) {
	for {
		switch d.state {
		case parseHead:
			if buf.Len() < 2 {
				return decodeNeedMore, nil
			}
			hdr := buf.Bytes()[:2]
			b0, b1 := hdr[0], hdr[1]

			fin := b0&finBit != 0
			opcode := Opcode(b0 & 0x0F)
			masked := b1&maskBit != 0
			ln := b1 &^ maskBit

			if masked {
				buf.Pull(2, nil)
				return decodeServerMasked, nil
			}
			if !fin || opcode == OpContinue {
				buf.Pull(2, nil)
				return decodeNotSupport, nil
			}
			if !isControlOpcode(opcode) && opcode != OpText && opcode != OpBinary {
				buf.Pull(2, nil)
				return decodeProtocolError, nil
			}

			buf.Pull(2, nil)
			d.fd = frameDescriptor{fin: fin, opcode: opcode, have7bit: ln}
			d.state = parsePaylen

		case parsePaylen:
			switch d.fd.have7bit {
			case 126:
				if buf.Len() < 2 {
					return decodeNeedMore, nil
				}
				d.fd.declaredLn = uint64(buf.PeekUint16BE(0))
				buf.Pull(2, nil)
			case 127:
				if buf.Len() < 8 {
					return decodeNeedMore, nil
				}
				v := buf.PeekUint64BE(0)
				buf.Pull(8, nil)
				if v > math.MaxInt {
					return decodeTooLarge, nil
				}
				d.fd.declaredLn = v
			default:
				d.fd.declaredLn = uint64(d.fd.have7bit)
			}
			if isControlOpcode(d.fd.opcode) && d.fd.declaredLn > maxControlPayload {
				return decodeProtocolError, nil
			}
			d.state = parsePayload

		case parsePayload:
			need := int(d.fd.declaredLn)
			if buf.Len() < need {
				return decodeNeedMore, nil
			}
			payload := make([]byte, need)
			buf.Pull(need, payload)
			d.state = parseHead
			if err := dispatch(d.fd.opcode, payload); err != nil {
				return decodeDispatch, err
			}
			return decodeDispatch, nil
		}
	}
}

// frameHeaderLen returns the wire length of a client->server frame header
// (first two bytes, optional extended length, plus the mandatory 4-byte
// mask key) for a payload of length l.
func frameHeaderLen(l int) int {
	switch {
	case l <= 125:
		return 2 + 4
	case l <= 65535:
		return 4 + 4
	default:
		return 10 + 4
	}
}

// encodeHeader fills the first frameHeaderLen(l)-4 bytes of fh with the
// FIN/opcode/mask-bit/length fields (RFC 6455 §5.2), excluding the mask key
// which is appended separately so the same helper serves both Encode and
// EncodeScatter.
func encodeHeader(fh []byte, op Opcode, l int) int {
	fh[0] = finBit | byte(op)
	switch {
	case l <= 125:
		fh[1] = maskBit | byte(l)
		return 2
	case l <= 65535:
		fh[1] = maskBit | 126
		fh[2] = byte(l >> 8)
		fh[3] = byte(l)
		return 4
	default:
		fh[1] = maskBit | 127
		for i := 0; i < 8; i++ {
			fh[2+i] = byte(l >> (8 * (7 - i)))
		}
		return 10
	}
}

// maskBytes XORs buf in place with mask, cycling mask every 4 bytes,
// continuing the cycle from startOffset mod 4 — used by EncodeScatter so
// the mask stays continuous across segments.
func maskBytes(buf []byte, mask [4]byte, startOffset int) {
	p := startOffset & 3
	for i := range buf {
		buf[i] ^= mask[p&3]
		p++
	}
}

// Encode composes one masked, unfragmented frame (FIN always set, never
// fragmented on send per §4.4/§6) into a newly allocated slice and returns it.
func Encode(op Opcode, payload []byte, mask [4]byte) []byte {
	hn := frameHeaderLen(len(payload))
	out := make([]byte, hn+len(payload))
	n := encodeHeader(out, op, len(payload))
	copy(out[n:n+4], mask[:])
	copy(out[n+4:], payload)
	maskBytes(out[n+4:], mask, 0)
	return out
}

// Segment is one (length, bytes) pair for EncodeScatter.
type Segment struct {
	Bytes []byte
}

// EncodeScatter composes a single frame from N segments: it computes the
// total length first, writes one header, then masks across the
// concatenation with a global byte index modulo 4 so the mask is continuous
// across segment boundaries (§4.4).
func EncodeScatter(op Opcode, segments []Segment, mask [4]byte) []byte {
	total := 0
	for _, s := range segments {
		total += len(s.Bytes)
	}
	hn := frameHeaderLen(total)
	out := make([]byte, hn+total)
	n := encodeHeader(out, op, total)
	copy(out[n:n+4], mask[:])
	off := n + 4
	globalOff := 0
	for _, s := range segments {
		dst := out[off : off+len(s.Bytes)]
		copy(dst, s.Bytes)
		maskBytes(dst, mask, globalOff)
		off += len(s.Bytes)
		globalOff += len(s.Bytes)
	}
	return out
}

// EncodeClose composes a CLOSE frame payload: a 2-byte big-endian status
// code followed by the reason, bounded to keep the 7-bit length path
// (§4.4 "Send close").
func EncodeClose(code uint16, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], reason)
	return payload
}
