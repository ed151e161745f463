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
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	errTooManyTimeouts       = errors.New("memcache: too many continuous timeouts")
	errTooManyProtocolErrors = errors.New("memcache: too many consecutive protocol errors")
	errNodeRemoved           = errors.New("memcache: node removed from cluster")
)

// ConnectionObserver is told about connection state changes. Callbacks
// run on the I/O goroutine and must not block.
type ConnectionObserver interface {
	ConnectionEstablished(addr net.Addr, reconnectCount int)
	ConnectionLost(addr net.Addr)
}

// Connection multiplexes operations over one socket per memcached node.
// A single goroutine performs every read and write; callers only enqueue.
type Connection struct {
	cfg     *ConnectionFactoryConfig
	id      string
	log     *slog.Logger
	factory OperationFactory
	locator NodeLocator
	mode    FailureMode
	m       *connMetrics
	dial    dialFunc

	nodes *xsync.MapOf[string, *Node]
	sel   *selector

	obsMu     sync.Mutex
	observers []ConnectionObserver

	startOnce    sync.Once
	shuttingDown atomic.Bool
	done         chan struct{}

	// I/O goroutine only.
	reconnects map[*Node]time.Time
}

// NewConnection validates cfg, resolves its servers and starts the I/O
// goroutine. Nodes connect asynchronously.
func NewConnection(cfg *ConnectionFactoryConfig) (*Connection, error) {
	c, err := newConnection(cfg, dialNetpoll)
	if err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

func newConnection(cfg *ConnectionFactoryConfig, dial dialFunc) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}
	factory, err := cfg.operationFactory()
	if err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:        cfg,
		id:         uuid.NewString(),
		factory:    factory,
		mode:       cfg.failureMode(),
		m:          newConnMetrics(),
		dial:       dial,
		nodes:      xsync.NewMapOf[string, *Node](),
		sel:        newSelector(),
		done:       make(chan struct{}),
		reconnects: make(map[*Node]time.Time),
	}
	c.log = cfg.logger().With("conn", c.id)

	nodes, err := c.buildNodes(cfg.Servers)
	if err != nil {
		return nil, err
	}
	if c.locator, err = NewLocator(cfg, nodes); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		c.nodes.Store(n.name, n)
	}
	return c, nil
}

func (c *Connection) start() {
	c.startOnce.Do(func() { go c.run() })
}

// buildNodes resolves servers, reusing the nodes already known by name.
func (c *Connection) buildNodes(servers []string) ([]*Node, error) {
	nodes := make([]*Node, 0, len(servers))
	fresh := make(map[string]*Node)
	for _, s := range servers {
		if n, ok := c.nodes.Load(s); ok {
			nodes = append(nodes, n)
			continue
		}
		if n, ok := fresh[s]; ok {
			nodes = append(nodes, n)
			continue
		}
		addr, err := resolveServer(s)
		if err != nil {
			return nil, fmt.Errorf("memcache: resolve %q: %w", s, err)
		}
		n := newNode(s, addr, c.cfg, c.log, c.m)
		fresh[s] = n
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ID identifies the connection in logs.
func (c *Connection) ID() string { return c.id }

// Factory returns the operation factory for the configured protocol.
func (c *Connection) Factory() OperationFactory { return c.factory }

// Locator returns a read-only snapshot of the node locator.
func (c *Connection) Locator() NodeLocator { return c.locator.ReadOnlyCopy() }

// Node returns the node configured as name.
func (c *Connection) Node(name string) (*Node, bool) { return c.nodes.Load(name) }

// Nodes returns every node currently in the locator.
func (c *Connection) Nodes() []*Node { return c.locator.All() }

// WriteMetrics writes the connection counters in Prometheus text format.
func (c *Connection) WriteMetrics(w io.Writer) { c.m.writePrometheus(w) }

// AddObserver registers o for connection state changes.
func (c *Connection) AddObserver(o ConnectionObserver) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

func (c *Connection) eachObserver(fn func(ConnectionObserver)) {
	c.obsMu.Lock()
	obs := slices.Clone(c.observers)
	c.obsMu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

// AddOperation enqueues op on n. On ErrQueueFull the operation is left
// untouched and may be submitted again; any other error has also been
// delivered to the operation's callback.
func (c *Connection) AddOperation(n *Node, op Operation) error {
	b := op.base()
	if c.shuttingDown.Load() {
		b.fail(ErrShutdown)
		return ErrShutdown
	}
	if b.deadline.IsZero() {
		b.deadline = time.Now().Add(c.cfg.operationTimeout())
	}
	if c.mode == FailureModeCancel && n.ReconnectCount() > 0 {
		b.fail(ErrNodeUnavailable)
		return ErrNodeUnavailable
	}
	b.writing(n)
	if err := n.submit(op); err != nil {
		c.m.inc(mRejected)
		return err
	}
	c.m.inc(mSubmitted)
	c.sel.addNode(n)
	return nil
}

// AddOperationForKey enqueues op on the node owning key. With the
// Redistribute failure mode a reconnecting primary is skipped for the
// first active node of the key's sequence.
func (c *Connection) AddOperationForKey(key string, op Operation) (*Node, error) {
	n := c.nodeForKey(key)
	if n == nil {
		op.base().fail(ErrNoServers)
		return nil, ErrNoServers
	}
	return n, c.AddOperation(n, op)
}

// nodeForKey is the node an operation on key is sent to, or nil when the
// locator is empty.
func (c *Connection) nodeForKey(key string) *Node {
	n := c.locator.GetPrimary(key)
	if n == nil {
		return nil
	}
	if c.mode == FailureModeRedistribute && n.ReconnectCount() > 0 {
		if alt := c.fallbackNode(key, n); alt != nil {
			n = alt
		}
	}
	return n
}

// Broadcast builds one operation per node with build and enqueues them
// all. Operations that could not be enqueued are returned too, already
// failed.
func (c *Connection) Broadcast(build func(*Node) Operation) ([]Operation, error) {
	nodes := distinctNodes(slices.Values(c.locator.All()))
	ops := make([]Operation, 0, len(nodes))
	var errs []error
	for _, n := range nodes {
		op := build(n)
		ops = append(ops, op)
		if err := c.AddOperation(n, op); err != nil {
			if errors.Is(err, ErrQueueFull) {
				op.base().fail(err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	return ops, errors.Join(errs...)
}

// fallbackNode returns the first active node of key's sequence other
// than exclude.
func (c *Connection) fallbackNode(key string, exclude *Node) *Node {
	for n := range c.locator.GetSequence(key) {
		if n != exclude && n.IsActive() {
			return n
		}
	}
	return nil
}

// UpdateNodes replaces the cluster membership. Known nodes keep their
// connection; removed nodes are closed and their operations handled as
// on a lost connection, except that Retry mode cannot apply.
func (c *Connection) UpdateNodes(servers []string) error {
	if len(servers) == 0 {
		return ErrNoServers
	}
	errc := make(chan error, 1)
	c.sel.runOnLoop(func() { errc <- c.applyNodes(servers) })
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrShutdown
	}
}

func (c *Connection) applyNodes(servers []string) error {
	nodes, err := c.buildNodes(servers)
	if err != nil {
		return err
	}
	keep := make(map[*Node]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n] = struct{}{}
	}
	var removed []*Node
	c.nodes.Range(func(_ string, n *Node) bool {
		if _, ok := keep[n]; !ok {
			removed = append(removed, n)
		}
		return true
	})
	var added []*Node
	for _, n := range nodes {
		if _, ok := c.nodes.LoadOrStore(n.name, n); !ok {
			added = append(added, n)
		}
	}
	c.locator.UpdateLocator(nodes)
	for _, n := range removed {
		c.nodes.Delete(n.name)
		c.removeNode(n)
	}
	for _, n := range added {
		c.connect(n)
	}
	c.log.Info("cluster updated", "nodes", len(nodes), "added", len(added), "removed", len(removed))
	return nil
}

func (c *Connection) removeNode(n *Node) {
	n.removed = true
	n.gen++
	delete(c.reconnects, n)
	wasConnected := n.connected.Load()
	n.closeChannel()
	if wasConnected {
		c.eachObserver(func(o ConnectionObserver) { o.ConnectionLost(n.addr) })
	}
	n.setupResend()
	ops := n.drainAll()
	if c.mode == FailureModeRedistribute {
		c.redistribute(n, ops)
		return
	}
	failOps(ops, errNodeRemoved)
}

// Shutdown stops the I/O goroutine and fails every outstanding operation
// with ErrShutdown. It waits for the goroutine to exit or ctx to end.
func (c *Connection) Shutdown(ctx context.Context) error {
	if c.shuttingDown.CompareAndSwap(false, true) {
		c.log.Info("shutting down")
		c.start()
		c.sel.wakeup()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) run() {
	defer close(c.done)
	for _, n := range c.locator.All() {
		c.connect(n)
	}
	interval := c.cfg.timeoutCheckInterval()
	nextSweep := time.Now().Add(interval)
	for !c.shuttingDown.Load() {
		wait := time.Until(nextSweep)
		for _, at := range c.reconnects {
			wait = min(wait, time.Until(at))
		}
		c.step(c.sel.selectReady(wait))
		now := time.Now()
		c.processReconnects(now)
		if !now.Before(nextSweep) {
			c.sweepTimeouts(now)
			nextSweep = now.Add(interval)
		}
	}
	c.shutdownNodes()
}

// step handles one batch of events. A panic is logged and the loop goes
// on, since every caller depends on it.
func (c *Connection) step(ev selectEvents) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("io loop panic", "panic", r)
		}
	}()
	for _, n := range ev.added {
		c.handleInputQueue(n)
	}
	for _, fn := range ev.tasks {
		fn()
	}
	for _, r := range ev.connects {
		c.finishConnect(r)
	}
	for _, e := range ev.closed {
		if e.node.ch == nil || e.node.ch != e.ch {
			continue
		}
		err := e.node.readSome()
		if err == nil {
			err = errConnectionClosed
		}
		c.lostConnection(e.node, err)
	}
	for _, n := range ev.readable {
		c.handleReads(n)
	}
	c.nodes.Range(func(_ string, n *Node) bool {
		if n.wantsWrite() {
			c.handleWrites(n)
		}
		return true
	})
}

// handleInputQueue reacts to newly submitted operations.
func (c *Connection) handleInputQueue(n *Node) {
	switch {
	case n.removed:
		ops := n.destroyInputQueue()
		if c.mode == FailureModeRedistribute {
			c.redistribute(n, ops)
		} else {
			failOps(ops, errNodeRemoved)
		}
	case n.ReconnectCount() > 0 && c.mode == FailureModeRedistribute:
		c.redistribute(n, n.destroyInputQueue())
	case n.ReconnectCount() > 0 && c.mode == FailureModeCancel:
		for _, op := range n.destroyInputQueue() {
			op.base().buf.release()
			op.Cancel()
		}
	case n.connected.Load():
		n.drainInputToWriteQueue(0)
	default:
		n.drainInputToWriteQueue(c.cfg.opQueueLength())
	}
}

func (c *Connection) handleReads(n *Node) {
	if n.ch == nil {
		return
	}
	if err := n.readSome(); err != nil {
		if isFatal(err) {
			c.m.inc(mFramingErrors)
			n.log.Warn("reply stream out of sync", "error", err, "awaiting", n.readQueue.Len())
		}
		c.lostConnection(n, err)
		return
	}
	if n.protocolErrors > c.cfg.protocolErrorThreshold() {
		c.lostConnection(n, errTooManyProtocolErrors)
	}
}

// handleWrites writes as much as the channel accepts. A full channel
// leaves the rest for its writable event.
func (c *Connection) handleWrites(n *Node) {
	n.drainInputToWriteQueue(0)
	for {
		n.fillWriteBuffer(c.cfg.ShouldOptimizeGets, c.factory)
		if n.wpos == n.wflushed {
			return
		}
		if err := n.writeSome(); err != nil {
			c.lostConnection(n, err)
			return
		}
		if n.wpos > n.wflushed || n.writeQueue.Len() == 0 {
			return
		}
	}
}

// connect dials n in the background.
func (c *Connection) connect(n *Node) {
	if n.connecting || n.removed || c.shuttingDown.Load() {
		return
	}
	n.gen++
	n.connecting = true
	gen := n.gen
	h := nodeHandler{sel: c.sel, n: n}
	timeout := c.cfg.dialTimeout()
	n.log.Debug("connecting", "addr", n.addr, "attempt", n.ReconnectCount())
	go func() {
		ch, err := c.dial(n.addr, timeout, h)
		if ch != nil && c.shuttingDown.Load() {
			_ = ch.Close()
			return
		}
		c.sel.connected(connectResult{node: n, gen: gen, ch: ch, err: err})
	}()
}

func (c *Connection) finishConnect(r connectResult) {
	n := r.node
	if r.gen != n.gen || n.removed || c.shuttingDown.Load() {
		if r.ch != nil {
			_ = r.ch.Close()
		}
		return
	}
	n.connecting = false
	if r.err != nil {
		c.lostConnection(n, r.err)
		return
	}
	n.ch = r.ch
	n.connected.Store(true)
	prev := n.reconnectAttempt.Swap(0)
	n.continuousTimeouts.Store(0)
	n.protocolErrors = 0
	n.setupResend()
	n.drainInputToWriteQueue(0)
	if prev > 0 {
		c.m.inc(mReconnects)
	}
	n.log.Info("connected", "addr", n.addr, "reconnects", prev)
	c.eachObserver(func(o ConnectionObserver) { o.ConnectionEstablished(n.addr, int(prev)) })
	c.handleReads(n)
}

// lostConnection closes n and applies the failure mode to its work.
func (c *Connection) lostConnection(n *Node, cause error) {
	wasConnected := n.connected.Load()
	n.closeChannel()
	n.connecting = false
	n.gen++
	attempt := n.reconnectAttempt.Add(1)
	if wasConnected {
		n.log.Warn("connection lost", "error", cause, "mode", string(c.mode), "state", n.describe())
		c.eachObserver(func(o ConnectionObserver) { o.ConnectionLost(n.addr) })
	} else {
		n.log.Warn("connect failed", "error", cause, "attempt", attempt)
	}

	switch c.mode {
	case FailureModeCancel:
		ops := n.drainAll()
		for _, op := range ops {
			op.base().buf.release()
			op.Cancel()
		}
		if len(ops) > 0 {
			n.log.Error("cancelled operations", "count", len(ops))
		}
	case FailureModeRetry:
		n.setupResend()
	case FailureModeRedistribute:
		n.setupResend()
		c.redistribute(n, n.drainAll())
	}
	c.queueReconnect(n, int(attempt))
}

// redistribute moves ops away from the failed node from.
func (c *Connection) redistribute(from *Node, ops []Operation) {
	for _, op := range ops {
		b := op.base()
		if b.State().terminal() {
			b.buf.release()
			continue
		}
		if g, ok := op.(*GetOperation); ok && g.parts != nil {
			g.buf.release()
			parts := make([]Operation, len(g.parts))
			for i, p := range g.parts {
				parts[i] = p
			}
			c.redistribute(from, parts)
			continue
		}
		keys := op.Keys()
		if len(keys) == 0 {
			b.buf.release()
			b.fail(ErrNodeUnavailable)
			continue
		}
		if g, ok := op.(*GetOperation); ok && len(keys) > 1 {
			if order, groups := c.groupByFallback(keys, from); len(order) > 1 {
				b.buf.release()
				c.redistribute(from, c.splitGet(g, order, groups))
				continue
			}
		}
		target := c.fallbackNode(keys[0], from)
		if target == nil {
			b.buf.release()
			b.fail(ErrNodeUnavailable)
			continue
		}
		if !b.prepareRetry() {
			continue
		}
		b.writing(target)
		if err := target.submit(op); err != nil {
			b.buf.release()
			b.fail(err)
			continue
		}
		c.m.inc(mRedistributed)
		c.sel.addNode(target)
	}
}

// groupByFallback groups keys by the node each falls back to when from
// is lost. Keys with nowhere to go are grouped under nil.
func (c *Connection) groupByFallback(keys []string, from *Node) ([]*Node, map[*Node][]string) {
	var order []*Node
	groups := make(map[*Node][]string)
	for _, k := range keys {
		n := c.fallbackNode(k, from)
		if _, ok := groups[n]; !ok {
			order = append(order, n)
		}
		groups[n] = append(groups[n], k)
	}
	return order, groups
}

// splitGet replaces the multi-key get g with one get per group. g finishes
// when the last of them does.
func (c *Connection) splitGet(g *GetOperation, order []*Node, groups map[*Node][]string) []Operation {
	cb := &splitGetCallback{parent: g, remaining: len(order)}
	ops := make([]Operation, 0, len(order))
	for _, n := range order {
		sub := c.factory.Get(groups[n], cb)
		sub.deadline = g.deadline
		ops = append(ops, sub)
	}
	return ops
}

func (c *Connection) queueReconnect(n *Node, attempt int) {
	if n.removed || c.shuttingDown.Load() {
		return
	}
	delay := c.cfg.reconnectDelay(attempt)
	c.reconnects[n] = time.Now().Add(delay)
	n.log.Info("reconnect scheduled", "delay", delay, "attempt", attempt)
}

func (c *Connection) processReconnects(now time.Time) {
	for n, at := range c.reconnects {
		if now.Before(at) {
			continue
		}
		delete(c.reconnects, n)
		c.connect(n)
	}
}

// sweepTimeouts expires overdue operations and drops nodes that keep
// timing out.
func (c *Connection) sweepTimeouts(now time.Time) {
	threshold := c.cfg.timeoutExceptionThreshold()
	c.nodes.Range(func(_ string, n *Node) bool {
		if k := n.expireOperations(now); k > 0 {
			n.log.Debug("operations timed out", "count", k)
		}
		if n.ch != nil && n.ContinuousTimeouts() > threshold {
			c.lostConnection(n, errTooManyTimeouts)
		}
		return true
	})
}

func (c *Connection) shutdownNodes() {
	c.nodes.Range(func(_ string, n *Node) bool {
		n.closeChannel()
		n.gen++
		failOps(n.drainAll(), ErrShutdown)
		return true
	})
	clear(c.reconnects)
	for _, r := range c.sel.take().connects {
		if r.ch != nil {
			_ = r.ch.Close()
		}
	}
	c.log.Info("shut down")
}

func failOps(ops []Operation, err error) {
	for _, op := range ops {
		b := op.base()
		b.buf.release()
		b.fail(err)
	}
}

// nodeHandler routes poller events of one node to the selector.
type nodeHandler struct {
	sel *selector
	n   *Node
}

func (h nodeHandler) onReadable() { h.sel.readable(h.n) }

func (h nodeHandler) onWritable() { h.sel.writable(h.n) }

func (h nodeHandler) onClosed(ch channel) { h.sel.closed(h.n, ch) }
