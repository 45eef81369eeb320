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
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// pageSize is the smallest unit a Buffer grows by.
var pageSize = os.Getpagesize()

// Buffer is a growable byte region described by four offsets into a single
// backing array: head <= data <= tail <= end. data..tail is the readable
// region, tail..end is spare capacity, head..data is reclaimed headroom that
// is folded back in the next time the buffer grows or empties.
//
// A Buffer is not safe for concurrent use; it is owned by a single Client
// driven from a single event-loop goroutine (§5).
type Buffer struct {
	buf        []byte
	head       int
	data       int
	tail       int
	persistent int
}

// NewBuffer returns a Buffer with at least size bytes of initial capacity.
func NewBuffer(size int) *Buffer {
	b := &Buffer{}
	if size > 0 {
		b.grow(size)
	}
	return b
}

// Len returns the number of readable bytes (data..tail).
func (b *Buffer) Len() int { return b.tail - b.data }

// Cap returns the total backing capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Bytes returns the readable region. The slice is only valid until the next
// mutating call on the buffer.
func (b *Buffer) Bytes() []byte { return b.buf[b.data:b.tail] }

// SetPersistentSize pins a floor capacity the buffer shrinks back toward
// once its readable length drops below it again, rounded up to a power of
// two pages (mirrors buffer_set_persistent_size in the original source).
func (b *Buffer) SetPersistentSize(size int) {
	n := pageSize
	for n < size {
		n <<= 1
	}
	b.persistent = n
}

func nextPow2(n int) int {
	sz := pageSize
	for sz < n {
		sz <<= 1
	}
	return sz
}

// grow ensures at least size total bytes of backing capacity, compacting
// headroom first.
func (b *Buffer) grow(size int) {
	newSize := nextPow2(size)
	if newSize <= len(b.buf) {
		return
	}
	n := make([]byte, newSize)
	copy(n, b.buf[b.data:b.tail])
	length := b.tail - b.data
	b.buf = n
	b.head = 0
	b.data = 0
	b.tail = length
}

// Put reserves n bytes at the tail of the buffer, growing it if necessary,
// and returns a slice over the reserved region for the caller to fill.
func (b *Buffer) Put(n int) []byte {
	if b.tail == b.data {
		b.data, b.tail = b.head, b.head
	}
	if len(b.buf)-b.tail < n {
		b.grow(b.tail - b.head + n)
	}
	start := b.tail
	b.tail += n
	return b.buf[start:b.tail]
}

// PutBytes appends a copy of p to the buffer.
func (b *Buffer) PutBytes(p []byte) {
	copy(b.Put(len(p)), p)
}

// PutUint8 appends one byte.
func (b *Buffer) PutUint8(v uint8) { b.Put(1)[0] = v }

// PutUint16 appends a 16-bit value in host order; callers performing wire
// I/O convert to big-endian explicitly via PutUint16BE (§4.4 is explicit
// that typed accessors are host-endian and the wire layer converts).
func (b *Buffer) PutUint16(v uint16) { binary.NativeEndian.PutUint16(b.Put(2), v) }

// PutUint16BE appends a 16-bit big-endian value, used for wire framing.
func (b *Buffer) PutUint16BE(v uint16) { binary.BigEndian.PutUint16(b.Put(2), v) }

// PutUint32 appends a 32-bit host-order value.
func (b *Buffer) PutUint32(v uint32) { binary.NativeEndian.PutUint32(b.Put(4), v) }

// PutUint64BE appends a 64-bit big-endian value, used for wire framing.
func (b *Buffer) PutUint64BE(v uint64) { binary.BigEndian.PutUint64(b.Put(8), v) }

// Printf appends formatted text to the buffer's tail, growing as needed,
// the way buffer_put_printf composes the HTTP upgrade request in the
// original source.
func (b *Buffer) Printf(format string, args ...interface{}) {
	b.PutBytes([]byte(fmt.Sprintf(format, args...)))
}

// Pull advances data by up to n bytes, optionally copying into dest, and
// returns the number of bytes actually removed.
func (b *Buffer) Pull(n int, dest []byte) int {
	avail := b.tail - b.data
	if n > avail {
		n = avail
	}
	if dest != nil {
		copy(dest, b.buf[b.data:b.data+n])
	}
	b.data += n
	b.shrinkIfPersistent()
	return n
}

// PeekUint16BE reads a big-endian uint16 at the given offset from data
// without consuming it.
func (b *Buffer) PeekUint16BE(offset int) uint16 {
	return binary.BigEndian.Uint16(b.buf[b.data+offset:])
}

// PeekUint64BE reads a big-endian uint64 at the given offset from data
// without consuming it.
func (b *Buffer) PeekUint64BE(offset int) uint64 {
	return binary.BigEndian.Uint64(b.buf[b.data+offset:])
}

func (b *Buffer) shrinkIfPersistent() {
	if b.persistent <= 0 {
		return
	}
	if len(b.buf) > b.persistent && (b.tail-b.data) < b.persistent {
		n := make([]byte, b.persistent)
		length := b.tail - b.data
		copy(n, b.buf[b.data:b.tail])
		b.buf = n
		b.head, b.data, b.tail = 0, 0, length
	}
}

// Reader is the minimal transport contract consumed by PutFD: Read returns
// a non-negative byte count on progress, and signals would-block with
// ErrPending (checked with IsPending) and orderly close with io.EOF.
type Reader interface {
	Read(p []byte) (int, error)
}

// PutFD appends up to n bytes read from r, growing the buffer's tailroom as
// needed. It returns the number of bytes appended and sets eof on orderly
// close. A transient would-block (ErrPending, or an error wrapping it) stops
// the loop without error and without discarding what was already read.
func (b *Buffer) PutFD(r Reader, n int, eof *bool) (int, error) {
	*eof = false
	remain := n
	appended := 0
	for remain > 0 {
		if b.tail == len(b.buf) {
			b.grow(b.tail - b.head + 1)
		}
		room := len(b.buf) - b.tail
		if room > remain {
			room = remain
		}
		if b.tail == b.data {
			b.data, b.tail = b.head, b.head
			room = len(b.buf) - b.tail
			if room > remain {
				room = remain
			}
		}
		rn, err := r.Read(b.buf[b.tail : b.tail+room])
		if rn > 0 {
			b.tail += rn
			appended += rn
			remain -= rn
		}
		if err != nil {
			if IsPending(err) {
				break
			}
			if err == io.EOF {
				*eof = true
				break
			}
			return appended, errors.Wrap(err, "put_fd")
		}
		if rn == 0 {
			*eof = true
			break
		}
	}
	return appended, nil
}

// Writer is the minimal transport contract consumed by PullToFD.
type Writer interface {
	Write(p []byte) (int, error)
}

// PullToFD writes up to n bytes from the readable region to w and consumes
// them. Transient-error semantics mirror PutFD.
func (b *Buffer) PullToFD(w Writer, n int) (int, error) {
	if n > b.Len() {
		n = b.Len()
	}
	written := 0
	for written < n {
		wn, err := w.Write(b.buf[b.data+written : b.data+n])
		if wn > 0 {
			written += wn
		}
		if err != nil {
			if IsPending(err) {
				break
			}
			b.Pull(written, nil)
			return written, errors.Wrap(err, "pull_to_fd")
		}
	}
	b.Pull(written, nil)
	return written, nil
}

// pendingError is returned by transport adapters to signal a would-block
// condition without it being treated as fatal.
type pendingError struct{}

func (pendingError) Error() string { return "operation would block" }

// ErrPending is the sentinel transient-suspension error (§5 "Suspension
// points"): a read/write that made no progress because the transport would
// block. The engine retries on the next I/O event.
var ErrPending error = pendingError{}

// IsPending reports whether err is (or wraps) ErrPending.
func IsPending(err error) bool {
	return errors.Is(err, ErrPending)
}
