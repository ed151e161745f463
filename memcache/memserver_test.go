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
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("connection refused")

type memItem struct {
	flags uint32
	value []byte
	cas   uint64
}

// memServer is an in-process memcached speaking the text protocol. It is
// reached through memChannel instead of a socket.
type memServer struct {
	addr string

	mu       sync.Mutex
	down     bool
	stall    bool
	full     bool
	items    map[string]memItem
	casSeq   uint64
	commands []string
	dials    int
	conns    []*memChannel
	// override may answer a command line before the server does.
	override func(line string) (string, bool)
}

func (s *memServer) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *memServer) setStall(stall bool) {
	s.mu.Lock()
	s.stall = stall
	s.mu.Unlock()
}

// setFull makes every connection refuse writes, as a socket whose peer
// stopped reading does. Clearing it reports the connections writable.
func (s *memServer) setFull(full bool) {
	s.mu.Lock()
	s.full = full
	conns := slices.Clone(s.conns)
	s.mu.Unlock()
	if full {
		return
	}
	for _, c := range conns {
		c.h.onWritable()
	}
}

func (s *memServer) isFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}

func (s *memServer) setOverride(fn func(line string) (string, bool)) {
	s.mu.Lock()
	s.override = fn
	s.mu.Unlock()
}

func (s *memServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *memServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *memServer) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// dropConnections closes every open connection from the server side.
func (s *memServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.peerClose()
	}
}

// process consumes the complete commands at the head of buf and returns
// the replies.
func (s *memServer) process(buf *[]byte) []byte {
	var out bytes.Buffer
	for {
		i := bytes.Index(*buf, crlf)
		if i < 0 {
			break
		}
		line := string((*buf)[:i])
		fields := strings.Fields(line)
		consumed := i + 2
		var data []byte
		if len(fields) >= 5 && isStorageCommand(fields[0]) {
			n, err := strconv.Atoi(fields[4])
			if err != nil {
				*buf = nil
				out.WriteString("CLIENT_ERROR bad command line format\r\n")
				break
			}
			if len(*buf) < consumed+n+2 {
				break
			}
			data = bytes.Clone((*buf)[consumed : consumed+n])
			consumed += n + 2
		}
		*buf = (*buf)[consumed:]

		s.mu.Lock()
		s.commands = append(s.commands, line)
		override, stall := s.override, s.stall
		s.mu.Unlock()
		if override != nil {
			if reply, ok := override(line); ok {
				out.WriteString(reply)
				continue
			}
		}
		if stall {
			continue
		}
		s.mu.Lock()
		s.execute(&out, fields, data)
		s.mu.Unlock()
	}
	return out.Bytes()
}

func isStorageCommand(cmd string) bool {
	switch cmd {
	case "set", "add", "replace", "append", "prepend", "cas":
		return true
	}
	return false
}

func (s *memServer) store(key string, flags uint32, value []byte) {
	s.casSeq++
	s.items[key] = memItem{flags: flags, value: value, cas: s.casSeq}
}

func (s *memServer) execute(out *bytes.Buffer, f []string, data []byte) {
	if len(f) == 0 {
		out.WriteString("ERROR\r\n")
		return
	}
	switch f[0] {
	case "get", "gets":
		for _, key := range f[1:] {
			if it, ok := s.items[key]; ok {
				fmt.Fprintf(out, "VALUE %s %d %d %d\r\n", key, it.flags, len(it.value), it.cas)
				out.Write(it.value)
				out.WriteString("\r\n")
			}
		}
		out.WriteString("END\r\n")
	case "set", "add", "replace", "append", "prepend", "cas":
		key := f[1]
		flags, _ := strconv.ParseUint(f[2], 10, 32)
		it, exists := s.items[key]
		switch {
		case f[0] == "add" && exists,
			(f[0] == "replace" || f[0] == "append" || f[0] == "prepend") && !exists:
			out.WriteString("NOT_STORED\r\n")
			return
		case f[0] == "cas" && !exists:
			out.WriteString("NOT_FOUND\r\n")
			return
		case f[0] == "cas" && len(f) > 5 && f[5] != strconv.FormatUint(it.cas, 10):
			out.WriteString("EXISTS\r\n")
			return
		}
		switch f[0] {
		case "append":
			data = append(bytes.Clone(it.value), data...)
			flags = uint64(it.flags)
		case "prepend":
			data = append(data, it.value...)
			flags = uint64(it.flags)
		}
		s.store(key, uint32(flags), data)
		out.WriteString("STORED\r\n")
	case "delete":
		if _, ok := s.items[f[1]]; !ok {
			out.WriteString("NOT_FOUND\r\n")
			return
		}
		delete(s.items, f[1])
		out.WriteString("DELETED\r\n")
	case "incr", "decr":
		it, ok := s.items[f[1]]
		if !ok {
			out.WriteString("NOT_FOUND\r\n")
			return
		}
		cur, err := strconv.ParseUint(string(it.value), 10, 64)
		if err != nil {
			out.WriteString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
			return
		}
		delta, _ := strconv.ParseUint(f[2], 10, 64)
		if f[0] == "incr" {
			cur += delta
		} else if delta > cur {
			cur = 0
		} else {
			cur -= delta
		}
		s.store(f[1], it.flags, []byte(strconv.FormatUint(cur, 10)))
		fmt.Fprintf(out, "%d\r\n", cur)
	case "version":
		out.WriteString("VERSION 1.6.21-mem\r\n")
	case "stats":
		if len(f) > 1 {
			fmt.Fprintf(out, "STAT %s:count %d\r\nEND\r\n", f[1], len(s.items))
			return
		}
		fmt.Fprintf(out, "STAT addr %s\r\nSTAT curr_items %d\r\nEND\r\n", s.addr, len(s.items))
	case "flush_all":
		clear(s.items)
		out.WriteString("OK\r\n")
	default:
		out.WriteString("ERROR\r\n")
	}
}

// memChannel is one client connection to a memServer.
type memChannel struct {
	srv *memServer
	h   channelHandler

	mu      sync.Mutex
	pending []byte
	in      []byte
	closed  bool
}

func (c *memChannel) Read(p []byte) (int, error) {
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

func (c *memChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if c.srv.isFull() {
		c.mu.Unlock()
		return 0, nil
	}
	c.pending = append(c.pending, p...)
	out := c.srv.process(&c.pending)
	c.in = append(c.in, out...)
	c.mu.Unlock()
	if len(out) > 0 {
		go c.h.onReadable()
	}
	return len(p), nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memChannel) peerClose() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.h.onClosed(c)
}

// memCluster routes dials to memServers by address.
type memCluster struct {
	servers map[string]*memServer
	names   []string
}

func newMemCluster(n int) *memCluster {
	mc := &memCluster{servers: make(map[string]*memServer)}
	for i := range n {
		addr := fmt.Sprintf("127.0.0.1:%d", 21000+i)
		mc.servers[addr] = &memServer{addr: addr, items: make(map[string]memItem)}
		mc.names = append(mc.names, addr)
	}
	return mc
}

func (mc *memCluster) server(i int) *memServer { return mc.servers[mc.names[i]] }

func (mc *memCluster) dial(addr net.Addr, _ time.Duration, h channelHandler) (channel, error) {
	s, ok := mc.servers[addr.String()]
	if !ok {
		return nil, errConnRefused
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.down {
		return nil, errConnRefused
	}
	c := &memChannel{srv: s, h: h}
	s.conns = append(s.conns, c)
	return c, nil
}

// testConfig is a config tuned for fast failure handling in tests.
func testConfig(servers ...string) *ConnectionFactoryConfig {
	cfg := DefaultConfig(servers...)
	cfg.OperationTimeout = time.Second
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	cfg.TimeoutCheckInterval = 10 * time.Millisecond
	cfg.Logger = discardLogger()
	return cfg
}

// newMemClient starts a client over mc with observers registered. Call it
// after arranging the servers' initial state.
func newMemClient(t testing.TB, mc *memCluster, cfg *ConnectionFactoryConfig, observers ...ConnectionObserver) *Client {
	t.Helper()
	if cfg.Servers == nil {
		cfg.Servers = mc.names
	}
	conn, err := newConnection(cfg, mc.dial)
	require.NoError(t, err)
	for _, o := range observers {
		conn.AddObserver(o)
	}
	conn.start()
	client := &Client{conn: conn}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// waitActive waits until every named node is connected.
func waitActive(t testing.TB, c *Client, names ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, name := range names {
			n, ok := c.conn.Node(name)
			if !ok || !n.IsActive() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

// keyOn returns a key whose primary node is name.
func keyOn(t testing.TB, c *Client, name string) string {
	t.Helper()
	for i := range 10000 {
		key := "key-" + strconv.Itoa(i)
		if c.conn.locator.GetPrimary(key).Name() == name {
			return key
		}
	}
	t.Fatalf("no key maps to %s", name)
	return ""
}
