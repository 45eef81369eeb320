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
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §1.3, not used for security
	"encoding/base64"
)

// wsGUID is the fixed magic value from RFC 6455 §1.3 used to derive
// Sec-WebSocket-Accept from the client's Sec-WebSocket-Key.
var wsGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// wsAcceptKey concatenates key with wsGUID, hashes with SHA-1, and returns
// the base64-encoded digest: the server's half of the handshake proof.
func wsAcceptKey(key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(key))
	h.Write(wsGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// newClientNonce draws 16 random bytes from a CSPRNG and returns them
// base64-encoded, for use as Sec-WebSocket-Key (§4.3).
func newClientNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// newMaskKey draws a fresh 4-byte mask key from a CSPRNG, mandatory per
// outbound frame (§4.4, §6 Randomness).
func newMaskKey() ([4]byte, error) {
	var k [4]byte
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}
