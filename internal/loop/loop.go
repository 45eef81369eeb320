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

// Package loop stands in for the external event-loop collaborator named in
// §6 of the spec (timer, readable/writable I/O watcher, a way to break out
// of the loop). The original C engine is written against libubox's uloop
// and treats it as something the embedder supplies; Go has no single
// idiomatic equivalent, so this package gives uwsc.Client one concrete,
// minimal implementation built from goroutines and channels instead of a
// raw epoll/kqueue watcher, so the module is runnable standalone without
// requiring every embedder to hand-write a loop adapter first.
package loop

import "sync"

// Loop tracks the goroutines spawned on behalf of a single Client and
// provides the "way to break out of the loop" (§6) that every one of them
// selects on.
type Loop struct {
	done chan struct{}
	once sync.Once
}

// New returns a running Loop.
func New() *Loop {
	return &Loop{done: make(chan struct{})}
}

// Go runs f on a new goroutine owned by the loop. f is expected to select
// on Done() and return promptly once it fires.
func (l *Loop) Go(f func()) {
	go f()
}

// Done is closed when the loop is stopped; every goroutine spawned via Go
// should treat a receive from Done as "stop what you're doing".
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stop breaks the loop. Idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}
