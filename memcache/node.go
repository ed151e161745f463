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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// maxMergedKeys caps how many keys a coalesced get may carry.
const maxMergedKeys = 128

var errConnectionClosed = errors.New("memcache: connection closed by server")

// Node is one memcached server and the operations queued for it.
//
// An operation is in exactly one of three queues until it completes: the
// input queue, filled by callers; the write queue, whose head is the
// operation being written; and the read queue, in the order replies are
// expected. Only the input queue is touched outside the I/O goroutine.
type Node struct {
	name string
	addr net.Addr
	log  *slog.Logger
	m    *connMetrics

	inputQueue *xsync.MPMCQueueOf[Operation]
	inputLen   atomic.Int64

	reconnectAttempt   atomic.Int32
	connected          atomic.Bool
	continuousTimeouts atomic.Int32

	// I/O goroutine only.
	ch             channel
	gen            uint64
	connecting     bool
	removed        bool
	writeQueue     *deque.Deque[Operation]
	readQueue      *deque.Deque[Operation]
	rbuf           []byte
	wbuf           []byte
	wpos           int
	wflushed       int
	protocolErrors int
}

func newNode(name string, addr net.Addr, cfg *ConnectionFactoryConfig, log *slog.Logger, m *connMetrics) *Node {
	return &Node{
		name:       name,
		addr:       addr,
		log:        log.With("node", name),
		m:          m,
		inputQueue: xsync.NewMPMCQueueOf[Operation](cfg.opQueueLength()),
		writeQueue: deque.NewDeque[Operation](),
		readQueue:  deque.NewDeque[Operation](),
		rbuf:       make([]byte, cfg.readBufferSize()),
		wbuf:       make([]byte, cfg.writeBufferSize()),
	}
}

// Name is the address as configured.
func (n *Node) Name() string { return n.name }

// Addr is the resolved address.
func (n *Node) Addr() net.Addr { return n.addr }

func (n *Node) String() string { return n.name }

// IsActive reports whether the node is connected and not in a reconnect
// cycle.
func (n *Node) IsActive() bool {
	return n.connected.Load() && n.reconnectAttempt.Load() == 0
}

// ReconnectCount is the number of consecutive failed connection attempts.
func (n *Node) ReconnectCount() int { return int(n.reconnectAttempt.Load()) }

// ContinuousTimeouts is the number of timeouts since the last success.
func (n *Node) ContinuousTimeouts() int { return int(n.continuousTimeouts.Load()) }

// QueuedOperations approximates the number of operations waiting in the
// input queue.
func (n *Node) QueuedOperations() int { return int(n.inputLen.Load()) }

// submit enqueues op without blocking.
func (n *Node) submit(op Operation) error {
	if !n.inputQueue.TryEnqueue(op) {
		return ErrQueueFull
	}
	n.inputLen.Add(1)
	return nil
}

// drainInputToWriteQueue moves submitted operations to the write queue,
// dropping those that finished while queued. A positive limit caps the
// write queue length.
func (n *Node) drainInputToWriteQueue(limit int) {
	for limit <= 0 || n.writeQueue.Len() < limit {
		op, ok := n.inputQueue.TryDequeue()
		if !ok {
			return
		}
		n.inputLen.Add(-1)
		if b := op.base(); b.State().terminal() {
			b.buf.release()
			continue
		}
		n.writeQueue.PushBack(op)
	}
}

// destroyInputQueue empties the input queue and returns its content.
func (n *Node) destroyInputQueue() []Operation {
	var ops []Operation
	for {
		op, ok := n.inputQueue.TryDequeue()
		if !ok {
			return ops
		}
		n.inputLen.Add(-1)
		ops = append(ops, op)
	}
}

// drainAll removes every queued operation in order: read, write, input.
func (n *Node) drainAll() []Operation {
	ops := make([]Operation, 0, n.readQueue.Len()+n.writeQueue.Len())
	for n.readQueue.Len() > 0 {
		ops = append(ops, n.readQueue.PopFront())
	}
	for n.writeQueue.Len() > 0 {
		ops = append(ops, n.writeQueue.PopFront())
	}
	n.wpos, n.wflushed = 0, 0
	return append(ops, n.destroyInputQueue()...)
}

func (n *Node) hasReadOp() bool { return n.readQueue.Len() > 0 }

func (n *Node) hasWriteOp() bool {
	return n.wpos > n.wflushed || n.writeQueue.Len() > 0 || n.inputLen.Load() > 0
}

// wantsWrite is the level triggered write interest.
func (n *Node) wantsWrite() bool {
	return n.ch != nil && n.connected.Load() && n.hasWriteOp()
}

// optimizeGets replaces the unstarted gets at the head of the write queue
// with a single coalesced get.
func (n *Node) optimizeGets(f OperationFactory) {
	var gets []*GetOperation
	keys := 0
	for n.writeQueue.Len() > 0 {
		g, ok := n.writeQueue.Front().(*GetOperation)
		if !ok || g.buf.started() || g.parts != nil || keys+len(g.keys) > maxMergedKeys {
			break
		}
		n.writeQueue.PopFront()
		if g.State().terminal() {
			g.buf.release()
			continue
		}
		gets = append(gets, g)
		keys += len(g.keys)
	}
	switch len(gets) {
	case 0:
		return
	case 1:
		n.writeQueue.PushFront(gets[0])
		return
	}
	for _, g := range gets {
		g.buf.release()
		g.writing(n)
	}
	n.writeQueue.PushFront(f.Merge(gets))
	n.m.add(mCoalesced, len(gets))
	n.log.Debug("coalesced gets", "count", len(gets), "keys", keys)
}

// fillWriteBuffer copies request bytes from the write queue into the
// write buffer. Fully copied operations move to the read queue.
func (n *Node) fillWriteBuffer(optimize bool, f OperationFactory) {
	for n.wpos < len(n.wbuf) && n.writeQueue.Len() > 0 {
		op := n.writeQueue.Front()
		b := op.base()
		if !b.buf.started() {
			if b.State().terminal() {
				n.writeQueue.PopFront()
				b.buf.release()
				continue
			}
			if _, ok := op.(*GetOperation); ok && optimize && f != nil {
				n.optimizeGets(f)
				op = n.writeQueue.Front()
				b = op.base()
			}
			b.writing(n)
		}
		k := copy(n.wbuf[n.wpos:], b.buf.remaining())
		n.wpos += k
		b.buf.advance(k)
		if b.buf.exhausted() {
			n.writeQueue.PopFront()
			b.buf.release()
			b.writeComplete()
			if g, ok := op.(*GetOperation); ok {
				for _, p := range g.parts {
					p.writeComplete()
				}
			}
			n.readQueue.PushBack(op)
		}
	}
}

// writeSome flushes the write buffer to the channel.
func (n *Node) writeSome() error {
	if n.wflushed >= n.wpos {
		n.wpos, n.wflushed = 0, 0
		return nil
	}
	k, err := n.ch.Write(n.wbuf[n.wflushed:n.wpos])
	n.wflushed += k
	if n.wflushed >= n.wpos {
		n.wpos, n.wflushed = 0, 0
	}
	return err
}

// readSome reads until the channel has no more buffered input.
func (n *Node) readSome() error {
	for {
		k, err := n.ch.Read(n.rbuf)
		if k > 0 {
			if perr := n.processRead(n.rbuf[:k]); perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errConnectionClosed
			}
			return err
		}
		if k == 0 {
			return nil
		}
	}
}

// processRead feeds data to the operations waiting for replies, in order.
func (n *Node) processRead(data []byte) error {
	for len(data) > 0 {
		if n.readQueue.Len() == 0 {
			return framingError("%d unexpected bytes with no operation awaiting a reply", len(data))
		}
		op := n.readQueue.Front()
		b := op.base()
		k, err := b.readFromBuffer(data)
		data = data[k:]
		if err != nil {
			n.readQueue.PopFront()
			n.m.inc(mProtocolErrors)
			return err
		}
		if !b.parsed {
			if len(data) > 0 {
				return framingError("parser stopped with %d bytes left", len(data))
			}
			return nil
		}
		n.readQueue.PopFront()
		n.m.inc(mCompleted)
		var pe *ProtocolError
		if errors.As(b.replyErr, &pe) {
			n.protocolErrors++
			n.m.inc(mProtocolErrors)
			n.log.Warn("server reported error", "op", b.String(), "error", pe)
		} else {
			n.protocolErrors = 0
		}
	}
	return nil
}

// setupResend prepares the node's work for a new connection: the
// partially written operation starts over and every operation awaiting a
// reply is written again.
func (n *Node) setupResend() {
	if n.writeQueue.Len() > 0 {
		head := n.writeQueue.Front().base()
		if head.buf.started() {
			head.buf.resetTo(0)
		}
	}
	for n.readQueue.Len() > 0 {
		op := n.readQueue.PopBack()
		b := op.base()
		if !b.prepareRetry() {
			b.buf.release()
			continue
		}
		n.writeQueue.PushFront(op)
	}
	n.wpos, n.wflushed = 0, 0
}

// expireOperations times out every queued operation past its deadline,
// including the parts of a coalesced get, which carries the latest
// deadline of its parts. Unstarted operations are dropped; written ones
// stay so their reply is consumed.
func (n *Node) expireOperations(now time.Time) int {
	expired := 0
	for i, size := 0, n.writeQueue.Len(); i < size; i++ {
		op := n.writeQueue.PopFront()
		b := op.base()
		expired += expireParts(op, now)
		if b.expired(now) && b.timeOut() {
			expired++
		}
		if b.State().terminal() && !b.buf.started() {
			b.buf.release()
			continue
		}
		n.writeQueue.PushBack(op)
	}
	for i, size := 0, n.readQueue.Len(); i < size; i++ {
		op := n.readQueue.PopFront()
		expired += expireParts(op, now)
		if b := op.base(); b.expired(now) && b.timeOut() {
			expired++
		}
		n.readQueue.PushBack(op)
	}
	return expired
}

func expireParts(op Operation, now time.Time) int {
	g, ok := op.(*GetOperation)
	if !ok {
		return 0
	}
	expired := 0
	for _, p := range g.parts {
		if p.expired(now) && p.timeOut() {
			expired++
		}
	}
	return expired
}

func (n *Node) closeChannel() {
	if n.ch != nil {
		if err := n.ch.Close(); err != nil {
			n.log.Debug("close channel", "error", err)
		}
	}
	n.ch = nil
	n.connected.Store(false)
	n.wpos, n.wflushed = 0, 0
}

func (n *Node) describe() string {
	return fmt.Sprintf("%s{active=%t reconnects=%d input=%d write=%d read=%d}",
		n.name, n.IsActive(), n.ReconnectCount(), n.QueuedOperations(), n.writeQueue.Len(), n.readQueue.Len())
}
