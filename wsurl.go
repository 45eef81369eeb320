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
	"fmt"
	"net/url"
	"strconv"
)

// endpoint is the parsed form of a ws:// or wss:// URL: the §3 "endpoint"
// client attribute (host, TCP port, request path, TLS flag).
type endpoint struct {
	host string
	port int
	path string
	tls  bool
}

// parseURL implements the URL syntax of §6: ws://host[:port][/path] or
// wss://host[:port][/path], default ports 80/443, path defaulting to "/".
// Anything else is rejected.
func parseURL(raw string) (*endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}

	var tls bool
	switch u.Scheme {
	case "ws":
		tls = false
	case "wss":
		tls = true
	default:
		return nil, fmt.Errorf("unsupported scheme %q, expected ws or wss", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in url %q", raw)
	}

	port := 80
	if tls {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return &endpoint{
		host: u.Hostname(),
		port: port,
		path: path,
		tls:  tls,
	}, nil
}

// hostHeader renders the Host header value, including the port only when it
// is not the scheme default (§4.3, §6).
func (e *endpoint) hostHeader() string {
	defPort := 80
	if e.tls {
		defPort = 443
	}
	if e.port == defPort {
		return e.host
	}
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

// addr renders the host:port dial target.
func (e *endpoint) addr() string {
	return fmt.Sprintf("%s:%d", e.host, e.port)
}
