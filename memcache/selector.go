/*
Copyright 2011 The gomemcache AUTHORS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package memcache

import (
	"sync"
	"time"
)

// connectResult is posted by a dial goroutine.
type connectResult struct {
	node *Node
	gen  uint64
	ch   channel
	err  error
}

// closedEvent is posted when a channel is closed by the peer.
type closedEvent struct {
	node *Node
	ch   channel
}

// selectEvents is what one select call hands to the I/O goroutine.
type selectEvents struct {
	added    []*Node
	readable []*Node
	writable []*Node
	connects []connectResult
	closed   []closedEvent
	tasks    []func()
}

func (e *selectEvents) empty() bool {
	return len(e.added) == 0 && len(e.readable) == 0 && len(e.writable) == 0 && len(e.connects) == 0 &&
		len(e.closed) == 0 && len(e.tasks) == 0
}

// selector collects readiness from poller callbacks, dial goroutines and
// submitting callers, and wakes the I/O goroutine.
type selector struct {
	wake chan struct{}

	mu      sync.Mutex
	pending selectEvents
	added   map[*Node]struct{}
	ready   map[*Node]struct{}
	room    map[*Node]struct{}
}

func newSelector() *selector {
	return &selector{
		wake:  make(chan struct{}, 1),
		added: make(map[*Node]struct{}),
		ready: make(map[*Node]struct{}),
		room:  make(map[*Node]struct{}),
	}
}

func (s *selector) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// addNode records that n has new operations in its input queue.
func (s *selector) addNode(n *Node) {
	s.mu.Lock()
	if _, ok := s.added[n]; !ok {
		s.added[n] = struct{}{}
		s.pending.added = append(s.pending.added, n)
	}
	s.mu.Unlock()
	s.wakeup()
}

func (s *selector) readable(n *Node) {
	s.mu.Lock()
	if _, ok := s.ready[n]; !ok {
		s.ready[n] = struct{}{}
		s.pending.readable = append(s.pending.readable, n)
	}
	s.mu.Unlock()
	s.wakeup()
}

// writable records that n's channel has room for more output.
func (s *selector) writable(n *Node) {
	s.mu.Lock()
	if _, ok := s.room[n]; !ok {
		s.room[n] = struct{}{}
		s.pending.writable = append(s.pending.writable, n)
	}
	s.mu.Unlock()
	s.wakeup()
}

func (s *selector) connected(r connectResult) {
	s.mu.Lock()
	s.pending.connects = append(s.pending.connects, r)
	s.mu.Unlock()
	s.wakeup()
}

func (s *selector) closed(n *Node, ch channel) {
	s.mu.Lock()
	s.pending.closed = append(s.pending.closed, closedEvent{node: n, ch: ch})
	s.mu.Unlock()
	s.wakeup()
}

// runOnLoop schedules fn on the I/O goroutine.
func (s *selector) runOnLoop(fn func()) {
	s.mu.Lock()
	s.pending.tasks = append(s.pending.tasks, fn)
	s.mu.Unlock()
	s.wakeup()
}

func (s *selector) take() selectEvents {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.pending
	s.pending = selectEvents{}
	clear(s.added)
	clear(s.ready)
	clear(s.room)
	return ev
}

// selectReady blocks until an event is pending or timeout elapses. A zero
// timeout polls.
func (s *selector) selectReady(timeout time.Duration) selectEvents {
	if ev := s.take(); !ev.empty() || timeout <= 0 {
		return ev
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.wake:
	case <-t.C:
	}
	return s.take()
}
