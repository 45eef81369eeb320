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

// uwsc-cli is a minimal demo frontend: it opens a connection, echoes
// stdin lines as TEXT frames, and prints whatever the engine delivers.
// It exists to exercise the uwsc package end to end, not as a supported
// tool in its own right.
//
// # Reconnection
//
// The engine itself never reconnects (spec.md names automatic
// reconnection a Non-goal). This demo shows the embedder-driven
// alternative: on OnClose/OnError it waits out an exponential backoff
// and calls uwsc.New again, doubling the wait on each consecutive
// failure up to maxBackoff and resetting to initialBackoff once a
// connection stays up past a single ping interval.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	uwsc "github.com/uwsc/client"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/", "ws:// or wss:// endpoint to connect to")
	pingInterval := flag.Duration("ping", 30*time.Second, "keepalive ping interval, 0 disables it")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // keep retrying until the user interrupts
	b.Reset()

	for {
		connectedAt := time.Now()
		if !runOne(*url, *pingInterval, &logger, sigs) {
			return
		}

		// A connection that survived past one ping interval was healthy;
		// don't penalize the next attempt for an unrelated later failure.
		if time.Since(connectedAt) > *pingInterval {
			b.Reset()
		}

		wait := b.NextBackOff()
		logger.Info().Dur("after", wait).Msg("reconnecting")
		select {
		case <-time.After(wait):
		case <-sigs:
			return
		}
	}
}

// runOne opens one connection and blocks until it closes (peer close,
// error, or Ctrl-C). It returns false once the user has asked to stop.
func runOne(url string, pingInterval time.Duration, logger *zerolog.Logger, sigs <-chan os.Signal) bool {
	done := make(chan struct{})
	var quit bool

	c, err := uwsc.New(uwsc.Config{
		URL:          url,
		PingInterval: pingInterval,
		Logger:       logger,
		OnOpen: func(c *uwsc.Client) {
			logger.Info().Str("id", c.ID.String()).Msg("connected")
		},
		OnMessage: func(c *uwsc.Client, data []byte, binary bool) {
			if binary {
				fmt.Printf("< [%d binary bytes]\n", len(data))
				return
			}
			fmt.Printf("< %s\n", data)
		},
		OnError: func(c *uwsc.Client, err *uwsc.Error) {
			logger.Error().Err(err).Msg("connection failed")
			close(done)
		},
		OnClose: func(c *uwsc.Client, code uint16, reason string) {
			logger.Info().Uint16("code", code).Str("reason", reason).Msg("connection closed")
			close(done)
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("connect failed")
		return true
	}
	defer c.Free()

	go readStdin(c, logger)

	select {
	case <-done:
	case <-sigs:
		_ = c.SendClose(1000, "client shutting down")
		quit = true
	}
	return !quit
}

func readStdin(c *uwsc.Client, logger *zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := c.Send(uwsc.OpText, scanner.Bytes()); err != nil {
			logger.Error().Err(err).Msg("send failed")
			return
		}
	}
}
