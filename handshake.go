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
	"bytes"
	"strconv"
	"strings"
)

// buildUpgradeRequest composes the HTTP/1.1 Upgrade request of §4.3 into
// the egress buffer using Buffer.Printf, the way the original source
// composes wire text by formatted append rather than building a separate
// string and copying it.
func buildUpgradeRequest(buf *Buffer, ep *endpoint, key string, extraHeader string) {
	buf.Printf("GET %s HTTP/1.1\r\n", ep.path)
	buf.Printf("Upgrade: websocket\r\n")
	buf.Printf("Connection: Upgrade\r\n")
	buf.Printf("Sec-WebSocket-Key: %s\r\n", key)
	buf.Printf("Sec-WebSocket-Version: 13\r\n")
	buf.Printf("Host: %s\r\n", ep.hostHeader())
	if extraHeader != "" {
		buf.Printf("%s", extraHeader)
	}
	buf.Printf("\r\n")
}

// findHeaderEnd reports the index just past the terminating CRLFCRLF in
// buf's readable region, or -1 if not yet present.
func findHeaderEnd(buf []byte) int {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

// parseUpgradeResponse parses and validates the status line and headers of
// §4.3's "Response parsing": version, status 101, a present reason, and the
// three required headers (case-insensitively).
func parseUpgradeResponse(raw []byte, clientKey string) error {
	text := string(raw)
	text = strings.TrimSuffix(text, "\r\n\r\n")
	lines := strings.Split(text, "\r\n")
	if len(lines) == 0 {
		return newError(ErrInvalidHeader, "empty handshake response")
	}

	statusLine := strings.SplitN(lines[0], " ", 3)
	if len(statusLine) < 3 {
		return newError(ErrInvalidHeader, "malformed status line %q", lines[0])
	}
	version, codeStr, reason := statusLine[0], statusLine[1], statusLine[2]
	if version != "HTTP/1.1" {
		return newError(ErrInvalidHeader, "unexpected HTTP version %q", version)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code != 101 {
		return newError(ErrInvalidHeader, "unexpected status code %q", codeStr)
	}
	if reason == "" {
		return newError(ErrInvalidHeader, "missing reason phrase")
	}

	headers := map[string]string{}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return newError(ErrInvalidHeader, "malformed header line %q", line)
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimLeft(parts[1], " \t")
		headers[name] = value
	}

	if !strings.EqualFold(headers["upgrade"], "websocket") {
		return newError(ErrInvalidHeader, "missing or invalid Upgrade header")
	}
	if !strings.EqualFold(headers["connection"], "upgrade") {
		return newError(ErrInvalidHeader, "missing or invalid Connection header")
	}
	accept, ok := headers["sec-websocket-accept"]
	if !ok {
		return newError(ErrInvalidHeader, "missing Sec-WebSocket-Accept header")
	}
	if accept != wsAcceptKey(clientKey) {
		return newError(ErrInvalidHeader, "Sec-WebSocket-Accept mismatch")
	}
	return nil
}
