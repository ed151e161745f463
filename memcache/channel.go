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
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cloudwego/netpoll"
	"github.com/valyala/bytebufferpool"
)

// channel is a connected socket as seen by the I/O goroutine. Neither
// Read nor Write blocks: Read returns 0, nil when no data is buffered and
// Write accepts only what fits, possibly nothing. A channel that refused
// bytes calls onWritable once it has room again.
type channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// channelHandler receives socket events from poller goroutines.
type channelHandler interface {
	onReadable()
	onWritable()
	onClosed(ch channel)
}

// dialFunc opens a channel to addr.
type dialFunc func(addr net.Addr, timeout time.Duration, h channelHandler) (channel, error)

// maxPendingWrite caps the bytes a netpollChannel holds for its flusher.
const maxPendingWrite = 1 << 20

// netpollChannel adapts a netpoll connection. The poller delivers input on
// its own goroutine; it is staged here until the I/O goroutine reads it.
// Output is staged the other way and flushed by a goroutine per channel,
// since a netpoll flush waits while the kernel send buffer is full.
type netpollChannel struct {
	conn      netpoll.Connection
	h         channelHandler
	flushReq  chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	staged   *bytebufferpool.ByteBuffer
	off      int
	closed   bool
	pending  *bytebufferpool.ByteBuffer
	flushErr error
}

func dialNetpoll(addr net.Addr, timeout time.Duration, h channelHandler) (channel, error) {
	conn, err := netpoll.DialConnection(addr.Network(), addr.String(), timeout)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, &ConnectTimeoutError{addr}
		}
		return nil, err
	}
	ch := newNetpollChannel(conn, h)
	if err := conn.SetOnRequest(ch.onRequest(h)); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := conn.AddCloseCallback(func(netpoll.Connection) error {
		ch.mu.Lock()
		ch.closed = true
		ch.mu.Unlock()
		h.onClosed(ch)
		return nil
	}); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func newNetpollChannel(conn netpoll.Connection, h channelHandler) *netpollChannel {
	ch := &netpollChannel{
		conn:     conn,
		h:        h,
		flushReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
		staged:   bytebufferpool.Get(),
		pending:  bytebufferpool.Get(),
	}
	go ch.flushLoop()
	return ch
}

// onRequest drains everything the poller has read. Leaving input in the
// netpoll reader would make it fire again immediately.
func (c *netpollChannel) onRequest(h channelHandler) netpoll.OnRequest {
	return func(_ context.Context, conn netpoll.Connection) error {
		r := conn.Reader()
		n := r.Len()
		if n == 0 {
			return nil
		}
		p, err := r.Next(n)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.staged != nil {
			c.staged.B = append(c.staged.B, p...)
		}
		c.mu.Unlock()
		if err := r.Release(); err != nil {
			return err
		}
		h.onReadable()
		return nil
	}
}

func (c *netpollChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staged != nil && c.off < len(c.staged.B) {
		n := copy(p, c.staged.B[c.off:])
		c.off += n
		if c.off == len(c.staged.B) {
			c.staged.B = c.staged.B[:0]
			c.off = 0
		}
		return n, nil
	}
	if c.closed || c.staged == nil {
		return 0, io.EOF
	}
	return 0, nil
}

// Write stages as much of p as the pending buffer has room for and wakes
// the flusher. It returns 0, nil while a flush is stuck on a full socket.
func (c *netpollChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.flushErr != nil {
		err := c.flushErr
		c.mu.Unlock()
		return 0, err
	}
	if c.closed || c.pending == nil {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	k := min(len(p), maxPendingWrite-len(c.pending.B))
	if k > 0 {
		c.pending.B = append(c.pending.B, p[:k]...)
	}
	c.mu.Unlock()
	if k > 0 {
		select {
		case c.flushReq <- struct{}{}:
		default:
		}
	}
	return k, nil
}

// flushLoop hands staged output to netpoll. A failed flush closes the
// connection; the error is returned by the next Write.
func (c *netpollChannel) flushLoop() {
	out := bytebufferpool.Get()
	defer func() {
		bytebufferpool.Put(out)
		c.mu.Lock()
		if c.pending != nil {
			bytebufferpool.Put(c.pending)
			c.pending = nil
		}
		c.mu.Unlock()
	}()
	for {
		select {
		case <-c.flushReq:
		case <-c.done:
			return
		}
		c.mu.Lock()
		if c.pending == nil {
			c.mu.Unlock()
			return
		}
		out, c.pending = c.pending, out
		c.mu.Unlock()
		if len(out.B) == 0 {
			continue
		}
		err := c.flush(out.B)
		out.Reset()
		if err != nil {
			c.mu.Lock()
			c.flushErr = err
			c.mu.Unlock()
			_ = c.conn.Close()
		}
		c.h.onWritable()
		if err != nil {
			return
		}
	}
}

func (c *netpollChannel) flush(p []byte) error {
	w := c.conn.Writer()
	buf, err := w.Malloc(len(p))
	if err != nil {
		return err
	}
	copy(buf, p)
	return w.Flush()
}

// Close closes the connection, which also releases a flush waiting on it.
func (c *netpollChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.mu.Lock()
		if c.staged != nil {
			bytebufferpool.Put(c.staged)
			c.staged = nil
		}
		c.closed = true
		c.mu.Unlock()
	})
	return err
}
