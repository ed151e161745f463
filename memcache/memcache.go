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

// Package memcache provides a non-blocking client for the memcached cache
// server.
//
// Every server gets one connection, driven by a single I/O goroutine
// shared by the whole client. Calls enqueue operations and wait on
// futures; a slow or dead server only delays the keys it owns.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"
)

// stop is a function type for stopping the discovery polling
type stop func()

// Client is a memcache client.
// It is safe for unlocked use by multiple concurrent goroutines.
type Client struct {
	conn *Connection

	// StopPolling stops the discovery polling. Only set for discovery-enabled clients.
	StopPolling stop
}

// New returns a memcache client using the provided server(s) and the
// default configuration.
func New(server ...string) (*Client, error) {
	return NewWithConfig(DefaultConfig(server...))
}

// NewWithConfig returns a memcache client for cfg.
func NewWithConfig(cfg *ConnectionFactoryConfig) (*Client, error) {
	conn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewFromEnv returns a client configured from MEMCACHED_* variables.
func NewFromEnv() (*Client, error) {
	cfg, err := ConfigFromEnv(DefaultEnvPrefix)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// Connection exposes the underlying connection.
func (c *Client) Connection() *Connection { return c.conn }

// Locator returns a read-only snapshot of the key distribution.
func (c *Client) Locator() NodeLocator { return c.conn.Locator() }

// WriteMetrics writes the client counters in Prometheus text format.
func (c *Client) WriteMetrics(w io.Writer) { c.conn.WriteMetrics(w) }

// Close stops discovery polling, if any, and shuts the connection down.
// Operations still pending fail with ErrShutdown.
func (c *Client) Close() error {
	if c.StopPolling != nil {
		c.StopPolling()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.conn.cfg.operationTimeout())
	defer cancel()
	return c.conn.Shutdown(ctx)
}

// statusCallback keeps the final status of an operation.
type statusCallback struct {
	mu     sync.Mutex
	status OperationStatus
}

func (s *statusCallback) ReceivedStatus(st OperationStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *statusCallback) Complete() {}

func (s *statusCallback) get() OperationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// itemsCallback collects the values of a get. Data is copied since the
// slice passed to GotData is only valid during the call.
type itemsCallback struct {
	statusCallback
	items map[string]*Item
}

func newItemsCallback() *itemsCallback {
	return &itemsCallback{items: make(map[string]*Item)}
}

func (g *itemsCallback) GotData(key string, flags uint32, cas uint64, data []byte) {
	g.mu.Lock()
	g.items[key] = &Item{Key: key, Value: slices.Clone(data), Flags: flags, CasID: cas}
	g.mu.Unlock()
}

func (g *itemsCallback) item(key string) *Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.items[key]
}

func (g *itemsCallback) all() map[string]*Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.items)
}

type statsCallback struct {
	statusCallback
	stats map[string]string
}

func (s *statsCallback) GotStat(name, value string) {
	s.mu.Lock()
	s.stats[name] = value
	s.mu.Unlock()
}

func (s *statsCallback) all() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.stats)
}

// wait blocks until op finishes and returns its error.
func wait(ctx context.Context, op Operation) error {
	_, err := newFuture(op, func() (struct{}, error) { return struct{}{}, op.Err() }).Get(ctx)
	return err
}

// AsyncGet starts fetching key.
func (c *Client) AsyncGet(key string) *OperationFuture[*Item] {
	if !legalKey(key) {
		return failedFuture[*Item](nil, ErrMalformedKey)
	}
	cb := newItemsCallback()
	op := c.conn.factory.Get([]string{key}, cb)
	if _, err := c.conn.AddOperationForKey(key, op); err != nil {
		return failedFuture[*Item](op, err)
	}
	return newFuture(op, func() (*Item, error) {
		if err := op.Err(); err != nil {
			return nil, err
		}
		if it := cb.item(key); it != nil {
			return it, nil
		}
		return nil, ErrCacheMiss
	})
}

// Get gets the item for the given key. ErrCacheMiss is returned for a
// memcache cache miss. The key must be at most 250 bytes in length.
func (c *Client) Get(key string) (*Item, error) {
	return c.AsyncGet(key).Get(context.Background())
}

// GetWithItem gets the item for the given key and populates the provided item.
// ErrCacheMiss is returned for a memcache cache miss.
func (c *Client) GetWithItem(key string, item *Item) error {
	it, err := c.Get(key)
	if err != nil {
		return err
	}
	item.Key = it.Key
	item.Value = append(item.Value[:0], it.Value...)
	item.Flags = it.Flags
	item.CasID = it.CasID
	item.Expiration = 0
	return nil
}

// GetMulti is a batch version of Get. The returned map from keys to
// items may have fewer elements than the input slice, due to memcache
// cache misses. Each key must be at most 250 bytes in length.
// If no error is returned, the returned map will also be non-nil.
func (c *Client) GetMulti(keys []string) (map[string]*Item, error) {
	return c.GetMultiContext(context.Background(), keys)
}

// GetMultiContext is GetMulti bounded by ctx.
func (c *Client) GetMultiContext(ctx context.Context, keys []string) (map[string]*Item, error) {
	groups := make(map[*Node][]string)
	var order []*Node
	for _, key := range keys {
		if !legalKey(key) {
			return nil, ErrMalformedKey
		}
		n := c.conn.nodeForKey(key)
		if n == nil {
			return nil, ErrNoServers
		}
		if _, ok := groups[n]; !ok {
			order = append(order, n)
		}
		groups[n] = append(groups[n], key)
	}

	type pending struct {
		op Operation
		cb *itemsCallback
	}
	var ops []pending
	var errs []error
	for _, n := range order {
		group := groups[n]
		cb := newItemsCallback()
		op := c.conn.factory.Get(group, cb)
		if err := c.conn.AddOperation(n, op); err != nil {
			errs = append(errs, err)
			continue
		}
		ops = append(ops, pending{op: op, cb: cb})
	}

	m := make(map[string]*Item)
	for _, p := range ops {
		if err := wait(ctx, p.op); err != nil {
			errs = append(errs, err)
		}
		maps.Copy(m, p.cb.all())
	}
	return m, errors.Join(errs...)
}

// AsyncStore starts writing item with verb. The future reports the CAS
// identifier returned by the server, when the protocol provides one.
func (c *Client) AsyncStore(verb StoreType, item *Item) *OperationFuture[uint64] {
	if !legalKey(item.Key) {
		return failedFuture[uint64](nil, ErrMalformedKey)
	}
	cb := &statusCallback{}
	op := c.conn.factory.Store(verb, item, cb)
	if _, err := c.conn.AddOperationForKey(item.Key, op); err != nil {
		return failedFuture[uint64](op, err)
	}
	return newFuture(op, func() (uint64, error) {
		if err := op.Err(); err != nil {
			return 0, err
		}
		return cb.get().CAS, nil
	})
}

// AsyncSet starts writing the given item, unconditionally.
func (c *Client) AsyncSet(item *Item) *OperationFuture[uint64] {
	return c.AsyncStore(StoreSet, item)
}

func (c *Client) store(verb StoreType, item *Item) error {
	_, err := c.AsyncStore(verb, item).Get(context.Background())
	return err
}

// Set writes the given item, unconditionally.
func (c *Client) Set(item *Item) error { return c.store(StoreSet, item) }

// Add writes the given item, if no value already exists for its
// key. ErrNotStored is returned if that condition is not met.
func (c *Client) Add(item *Item) error { return c.store(StoreAdd, item) }

// Replace writes the given item, but only if the server *does*
// already hold data for this key
func (c *Client) Replace(item *Item) error { return c.store(StoreReplace, item) }

// Append appends the given item to the existing item, if a value already
// exists for its key. ErrNotStored is returned if that condition is not met.
func (c *Client) Append(item *Item) error { return c.store(StoreAppend, item) }

// Prepend prepends the given item to the existing item, if a value already
// exists for its key. ErrNotStored is returned if that condition is not met.
func (c *Client) Prepend(item *Item) error { return c.store(StorePrepend, item) }

// CompareAndSwap writes the given item that was previously returned
// by Get, if the value was neither modified or evicted between the
// Get and the CompareAndSwap calls. ErrCASConflict is returned if the
// value was modified in between the calls. ErrNotStored is returned if
// the value was evicted in between the calls.
func (c *Client) CompareAndSwap(item *Item) error { return c.store(StoreCAS, item) }

// Delete deletes the item with the provided key. The error ErrCacheMiss is
// returned if the item didn't already exist in the cache.
func (c *Client) Delete(key string) error {
	if !legalKey(key) {
		return ErrMalformedKey
	}
	op := c.conn.factory.Delete(key, nil)
	if _, err := c.conn.AddOperationForKey(key, op); err != nil {
		return err
	}
	return wait(context.Background(), op)
}

// Increment atomically increments key by delta. The return value is
// the new value after being incremented or an error. If the value
// didn't exist in memcached the error is ErrCacheMiss. The value in
// memcached must be an decimal number, or an error will be returned.
// On 64-bit overflow, the new value wraps around.
func (c *Client) Increment(key string, delta uint64) (newValue uint64, err error) {
	return c.mutate(MutateIncr, key, delta)
}

// Decrement atomically decrements key by delta. The return value is
// the new value after being decremented or an error. If the value
// didn't exist in memcached the error is ErrCacheMiss. On underflow,
// the new value is capped at zero and does not wrap around.
func (c *Client) Decrement(key string, delta uint64) (newValue uint64, err error) {
	return c.mutate(MutateDecr, key, delta)
}

func (c *Client) mutate(verb MutatorType, key string, delta uint64) (uint64, error) {
	if !legalKey(key) {
		return 0, ErrMalformedKey
	}
	cb := &statusCallback{}
	op := c.conn.factory.Mutate(verb, key, delta, cb)
	if _, err := c.conn.AddOperationForKey(key, op); err != nil {
		return 0, err
	}
	if err := wait(context.Background(), op); err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(cb.get().Message, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memcache: bad %s result: %w", verb, err)
	}
	return v, nil
}

// broadcast runs build on every node and waits for all results. The
// returned map holds the callbacks of the operations that succeeded.
func broadcast[CB Callback](c *Client, newCB func() CB, build func(CB) Operation) (map[string]CB, error) {
	cbs := make(map[*Node]CB)
	// Enqueue failures also fail the operation, so waiting reports them.
	ops, _ := c.conn.Broadcast(func(n *Node) Operation {
		cb := newCB()
		cbs[n] = cb
		return build(cb)
	})
	var errs []error
	out := make(map[string]CB, len(ops))
	for _, op := range ops {
		n := op.HandlingNode()
		if werr := wait(context.Background(), op); werr != nil {
			if n != nil {
				werr = fmt.Errorf("%s: %w", n.Name(), werr)
			}
			errs = append(errs, werr)
			continue
		}
		if n != nil {
			out[n.Name()] = cbs[n]
		}
	}
	return out, errors.Join(errs...)
}

// Stats returns the general statistics of every server, by server name.
// Servers that failed are missing from the map and reported in the error.
func (c *Client) Stats() (map[string]map[string]string, error) {
	return c.StatsGroup("")
}

// StatsGroup is Stats for a statistics sub group such as "slabs".
func (c *Client) StatsGroup(group string) (map[string]map[string]string, error) {
	res, err := broadcast(c,
		func() *statsCallback { return &statsCallback{stats: make(map[string]string)} },
		func(cb *statsCallback) Operation { return c.conn.factory.Stats(group, cb) })
	out := make(map[string]map[string]string, len(res))
	for name, cb := range res {
		out[name] = cb.all()
	}
	if len(out) == 0 && err == nil {
		return nil, ErrNoStats
	}
	return out, err
}

// Versions returns the version of every server, by server name.
func (c *Client) Versions() (map[string]string, error) {
	res, err := broadcast(c,
		func() *statusCallback { return &statusCallback{} },
		func(cb *statusCallback) Operation { return c.conn.factory.Version(cb) })
	out := make(map[string]string, len(res))
	for name, cb := range res {
		out[name] = cb.get().Message
	}
	return out, err
}

// FlushAll invalidates every item on every server.
func (c *Client) FlushAll() error {
	return c.FlushAllDelayed(0)
}

// FlushAllDelayed invalidates every item after delay.
func (c *Client) FlushAllDelayed(delay time.Duration) error {
	_, err := broadcast(c,
		func() *statusCallback { return &statusCallback{} },
		func(cb *statusCallback) Operation { return c.conn.factory.Flush(int32(delay/time.Second), cb) })
	return err
}

// Ping checks all instances if they are alive. Returns error if any
// of them is down.
func (c *Client) Ping() error {
	_, err := broadcast(c,
		func() *statusCallback { return &statusCallback{} },
		func(cb *statusCallback) Operation { return c.conn.factory.Noop(cb) })
	return err
}
