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
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPutPull(t *testing.T) {
	b := NewBuffer(4)
	b.PutBytes([]byte("hello"))
	require.Equal(t, 5, b.Len())
	require.Equal(t, "hello", string(b.Bytes()))

	dst := make([]byte, 3)
	n := b.Pull(3, dst)
	require.Equal(t, 3, n)
	require.Equal(t, "hel", string(dst))
	require.Equal(t, "lo", string(b.Bytes()))
}

func TestBufferPullMoreThanAvailable(t *testing.T) {
	b := NewBuffer(4)
	b.PutBytes([]byte("ab"))
	n := b.Pull(10, nil)
	require.Equal(t, 2, n)
	require.Equal(t, 0, b.Len())
}

func TestBufferGrowsAcrossPageBoundary(t *testing.T) {
	b := NewBuffer(4)
	payload := make([]byte, pageSize*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.PutBytes(payload)
	require.Equal(t, len(payload), b.Len())
	require.Equal(t, payload, b.Bytes())
}

func TestBufferAppendAfterPartialPull(t *testing.T) {
	b := NewBuffer(4)
	b.PutBytes([]byte("0123456789"))
	b.Pull(8, nil)
	require.Equal(t, "89", string(b.Bytes()))
	b.PutBytes([]byte("xyz"))
	require.Equal(t, "89xyz", string(b.Bytes()))
}

func TestBufferPersistentSizeShrinksBack(t *testing.T) {
	b := NewBuffer(pageSize)
	b.SetPersistentSize(pageSize)
	big := make([]byte, pageSize*8)
	b.PutBytes(big)
	grown := b.Cap()
	require.Greater(t, grown, pageSize)

	b.Pull(b.Len(), nil)
	b.PutBytes([]byte("x"))
	require.Less(t, b.Cap(), grown)
}

func TestBufferPeekUint(t *testing.T) {
	b := NewBuffer(8)
	b.PutUint16BE(0x1234)
	b.PutUint64BE(0xdeadbeefcafebabe)
	require.Equal(t, uint16(0x1234), b.PeekUint16BE(0))
	require.Equal(t, uint64(0xdeadbeefcafebabe), b.PeekUint64BE(2))
}

func TestBufferPrintf(t *testing.T) {
	b := NewBuffer(4)
	b.Printf("GET %s HTTP/1.1\r\n", "/chat")
	require.Equal(t, "GET /chat HTTP/1.1\r\n", string(b.Bytes()))
}

type fakeReader struct {
	chunks [][]byte
	errAt  int
	err    error
}

func (f *fakeReader) Read(p []byte) (int, error) {
	if len(f.chunks) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		return 0, io.EOF
	}
	if f.errAt == 0 && f.err != nil {
		err := f.err
		f.err = nil
		return 0, err
	}
	if f.errAt > 0 {
		f.errAt--
	}
	c := f.chunks[0]
	f.chunks = f.chunks[1:]
	n := copy(p, c)
	return n, nil
}

func TestBufferPutFDAccumulatesAcrossReads(t *testing.T) {
	b := NewBuffer(4)
	r := &fakeReader{chunks: [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")}}
	var eof bool
	n, err := b.PutFD(r, 6, &eof)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.False(t, eof)
	require.Equal(t, "abcdef", string(b.Bytes()))
}

func TestBufferPutFDReportsEOF(t *testing.T) {
	b := NewBuffer(4)
	r := &fakeReader{chunks: [][]byte{[]byte("ab")}}
	var eof bool
	n, err := b.PutFD(r, 10, &eof)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, eof)
}

func TestBufferPutFDPropagatesError(t *testing.T) {
	b := NewBuffer(4)
	boom := errors.New("boom")
	r := &fakeReader{err: boom}
	var eof bool
	_, err := b.PutFD(r, 4, &eof)
	require.Error(t, err)
}

type fakeWriter struct {
	written []byte
	max     int
	err     error
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	n := len(p)
	if f.max > 0 && n > f.max {
		n = f.max
	}
	f.written = append(f.written, p[:n]...)
	if n < len(p) && f.err != nil {
		return n, f.err
	}
	return n, nil
}

func TestBufferPullToFDConsumesWhatWasWritten(t *testing.T) {
	b := NewBuffer(4)
	b.PutBytes([]byte("hello world"))
	w := &fakeWriter{max: 3}
	n, err := b.PullToFD(w, b.Len())
	require.NoError(t, err)
	require.Equal(t, len("hello world"), n)
	require.Equal(t, "hello world", string(w.written))
	require.Equal(t, 0, b.Len())
}

func TestIsPending(t *testing.T) {
	require.True(t, IsPending(ErrPending))
	require.False(t, IsPending(io.EOF))
}
