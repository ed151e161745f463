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
	"bytes"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// testNode builds a detached node for name, which must be a resolvable
// address.
func testNode(t testing.TB, name string) *Node {
	t.Helper()
	addr, err := resolveServer(name)
	require.NoError(t, err)
	return newNode(name, addr, DefaultConfig(), discardLogger(), nil)
}

func testNodes(t testing.TB, names ...string) []*Node {
	t.Helper()
	nodes := make([]*Node, len(names))
	for i, name := range names {
		nodes[i] = testNode(t, name)
	}
	return nodes
}

func collect(l NodeLocator, key string) []*Node {
	var out []*Node
	for n := range l.GetSequence(key) {
		out = append(out, n)
	}
	return out
}

// recorder is a Callback that keeps everything it is told.
type recorder struct {
	mu        sync.Mutex
	status    OperationStatus
	statuses  int
	completes int
	values    map[string][]byte
	flags     map[string]uint32
	cas       map[string]uint64
	stats     map[string]string
}

func newRecorder() *recorder {
	return &recorder{
		values: make(map[string][]byte),
		flags:  make(map[string]uint32),
		cas:    make(map[string]uint64),
		stats:  make(map[string]string),
	}
}

func (r *recorder) GotData(key string, flags uint32, cas uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = slices.Clone(data)
	r.flags[key] = flags
	r.cas[key] = cas
}

func (r *recorder) GotStat(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats[name] = value
}

func (r *recorder) ReceivedStatus(st OperationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = st
	r.statuses++
}

func (r *recorder) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes++
}

func (r *recorder) snapshot() (OperationStatus, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.statuses, r.completes
}

// feed hands data to op in chunks of at most chunk bytes until the reply
// is fully parsed. It returns the bytes that belong to the next reply.
func feed(op Operation, data []byte, chunk int) ([]byte, error) {
	b := op.base()
	for len(data) > 0 && !b.parsed {
		n, err := b.readFromBuffer(data[:min(chunk, len(data))])
		data = data[n:]
		if err != nil {
			return data, err
		}
	}
	return data, nil
}

// request returns the encoded request of op.
func request(op Operation) string {
	return string(op.base().buf.remaining())
}

// fakeChannel is an in-memory channel. Bytes pushed with deliver are
// returned by Read; bytes written are kept in out. A full channel accepts
// no bytes.
type fakeChannel struct {
	mu       sync.Mutex
	in       []byte
	out      bytes.Buffer
	closed   bool
	full     bool
	maxWrite int
}

func (c *fakeChannel) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *fakeChannel) deliver(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, b...)
}

func (c *fakeChannel) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) > 0 {
		n := copy(p, c.in)
		c.in = c.in[n:]
		return n, nil
	}
	if c.closed {
		return 0, io.EOF
	}
	return 0, nil
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if c.full {
		return 0, nil
	}
	if c.maxWrite > 0 && len(p) > c.maxWrite {
		p = p[:c.maxWrite]
	}
	return c.out.Write(p)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
