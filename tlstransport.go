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
	"crypto/tls"
	"net"
)

// tlsHandshake implements the SSL_HANDSHAKE state of §4.5: it wraps conn in
// a TLS client session and drives the negotiation to completion. A
// non-terminal step in the original C engine returns control to the loop on
// EWOULDBLOCK; crypto/tls already performs that suspend/resume internally
// against conn's deadlines, so Handshake's single call here is the Go
// equivalent of that substate loop.
//
// cfg may be nil, in which case a minimal-but-hardened default is used
// (TLS 1.2 floor); no component in this package needs golang.org/x/crypto
// beyond what crypto/tls already exposes for this.
func tlsHandshake(conn net.Conn, host string, cfg *tls.Config) (net.Conn, error) {
	c := cfg.Clone()
	if c == nil {
		c = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.ServerName == "" {
		c.ServerName = host
	}
	tc := tls.Client(conn, c)
	if err := tc.Handshake(); err != nil {
		return nil, wrapError(ErrSSLHandshake, err, "tls handshake")
	}
	return tc, nil
}
