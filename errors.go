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

import "github.com/pkg/errors"

// ErrorKind is the taxonomy of §7: every error fatal to a connection is
// surfaced through on_error tagged with exactly one of these kinds.
type ErrorKind int

const (
	// ErrIO is a socket read/write failure that is not a would-block.
	ErrIO ErrorKind = iota
	// ErrInvalidHeader is a bad status line, missing/mismatched upgrade
	// headers, or an accept-hash mismatch.
	ErrInvalidHeader
	// ErrServerMasked is a received frame with MASK=1.
	ErrServerMasked
	// ErrNotSupport is a fragmented frame, CONTINUE opcode, or a payload
	// exceeding the platform word size.
	ErrNotSupport
	// ErrPingTimeout is three consecutive unanswered pings.
	ErrPingTimeout
	// ErrConnect is a connect-phase failure: SO_ERROR, connect() error, or
	// the connect-deadline timeout.
	ErrConnect
	// ErrSSLHandshake is a TLS negotiation failure.
	ErrSSLHandshake
)

func (k ErrorKind) String() string {
	switch k {
	case ErrIO:
		return "IO"
	case ErrInvalidHeader:
		return "INVALID_HEADER"
	case ErrServerMasked:
		return "SERVER_MASKED"
	case ErrNotSupport:
		return "NOT_SUPPORT"
	case ErrPingTimeout:
		return "PING_TIMEOUT"
	case ErrConnect:
		return "CONNECT"
	case ErrSSLHandshake:
		return "SSL_HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}

// Error is the value handed to Config.OnError. It is terminal: once fired,
// the Client it refers to has already been freed and must not be used.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

func wrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Err: errors.Wrap(err, msg)}
}
