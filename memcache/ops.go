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
	"slices"
	"strings"
	"sync"
	"time"
)

// Item is an item to be got or stored in a memcached server.
type Item struct {
	// Key is the Item's key (250 bytes maximum).
	Key string

	// Value is the Item's value.
	Value []byte

	// Flags are server-opaque flags whose semantics are entirely
	// up to the app.
	Flags uint32

	// Expiration is the cache expiration time, in seconds: either a relative
	// time from now (up to 1 month), or an absolute Unix epoch time.
	// Zero means the Item has no expiration time.
	Expiration int32

	// CasID is the compare and swap ID.
	//
	// It's populated by get requests and then the same value is
	// required for a CompareAndSwap request to succeed.
	CasID uint64
}

// StoreType is the verb of a StoreOperation.
type StoreType int

const (
	StoreSet StoreType = iota
	StoreAdd
	StoreReplace
	StoreAppend
	StorePrepend
	StoreCAS
)

var storeVerbs = [...]string{"set", "add", "replace", "append", "prepend", "cas"}

func (t StoreType) String() string {
	if int(t) < len(storeVerbs) {
		return storeVerbs[t]
	}
	return fmt.Sprintf("StoreType(%d)", int(t))
}

// MutatorType is the verb of a MutateOperation.
type MutatorType int

const (
	MutateIncr MutatorType = iota
	MutateDecr
)

func (t MutatorType) String() string {
	if t == MutateDecr {
		return "decr"
	}
	return "incr"
}

// GetOperation fetches one or more keys. A coalesced get carries the
// operations it was merged from and fans results out to them.
type GetOperation struct {
	baseOp
	keys  []string
	cb    GetCallback
	parts []*GetOperation
}

func (o *GetOperation) Keys() []string { return o.keys }

// Parts returns the operations merged into o, or nil.
func (o *GetOperation) Parts() []*GetOperation { return o.parts }

func (o *GetOperation) gotData(key string, flags uint32, cas uint64, data []byte) {
	if o.isNotified() || o.cb == nil {
		return
	}
	o.cb.GotData(key, flags, cas, data)
}

// StoreOperation writes an item with one of the storage verbs.
type StoreOperation struct {
	baseOp
	verb StoreType
	item Item
}

func (o *StoreOperation) Keys() []string { return []string{o.item.Key} }

func (o *StoreOperation) Verb() StoreType { return o.verb }

// DeleteOperation removes a key.
type DeleteOperation struct {
	baseOp
	key string
}

func (o *DeleteOperation) Keys() []string { return []string{o.key} }

// MutateOperation increments or decrements a numeric value. The new value
// is reported in OperationStatus.Message.
type MutateOperation struct {
	baseOp
	verb  MutatorType
	key   string
	delta uint64
}

func (o *MutateOperation) Keys() []string { return []string{o.key} }

// StatsOperation fetches server statistics, optionally of a sub group.
type StatsOperation struct {
	baseOp
	arg string
	cb  StatsCallback
}

func (o *StatsOperation) Keys() []string { return nil }

func (o *StatsOperation) gotStat(name, value string) {
	if o.isNotified() || o.cb == nil {
		return
	}
	o.cb.GotStat(name, value)
}

// VersionOperation asks the server for its version. The version is
// reported in OperationStatus.Message.
type VersionOperation struct {
	baseOp
}

func (o *VersionOperation) Keys() []string { return nil }

// FlushOperation invalidates every item on the server.
type FlushOperation struct {
	baseOp
	delay int32
}

func (o *FlushOperation) Keys() []string { return nil }

// NoopOperation is a round trip that does nothing. It is used as a
// liveness probe.
type NoopOperation struct {
	baseOp
}

func (o *NoopOperation) Keys() []string { return nil }

// OperationFactory encodes operations for one wire protocol.
type OperationFactory interface {
	Get(keys []string, cb GetCallback) *GetOperation
	Store(verb StoreType, item *Item, cb Callback) *StoreOperation
	Delete(key string, cb Callback) *DeleteOperation
	Mutate(verb MutatorType, key string, delta uint64, cb Callback) *MutateOperation
	Stats(arg string, cb StatsCallback) *StatsOperation
	Version(cb Callback) *VersionOperation
	Flush(delay int32, cb Callback) *FlushOperation
	Noop(cb Callback) *NoopOperation
	// Merge builds a single get that serves every operation in gets.
	Merge(gets []*GetOperation) *GetOperation
}

// Protocol names a wire protocol.
type Protocol string

const (
	TextProtocol   Protocol = "text"
	BinaryProtocol Protocol = "binary"
)

// NewOperationFactory returns the factory for p. Replies may declare
// values up to DefaultMaxValueSize.
func NewOperationFactory(p Protocol) (OperationFactory, error) {
	return newOperationFactory(p, DefaultMaxValueSize)
}

func newOperationFactory(p Protocol, maxValue int) (OperationFactory, error) {
	switch Protocol(strings.ToLower(string(p))) {
	case TextProtocol, "":
		return textFactory{maxValue: maxValue}, nil
	case BinaryProtocol:
		return binaryFactory{maxValue: maxValue}, nil
	}
	return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, string(p))
}

// initialValueCap bounds what is allocated up front for a value. Larger
// values grow as their bytes arrive.
const initialValueCap = 16 << 10

func valueLimit(n int) int {
	if n > 0 {
		return n
	}
	return DefaultMaxValueSize
}

// mergeGets prepares the coalesced form of gets. The returned keys are
// deduplicated in first-seen order.
func mergeGets(gets []*GetOperation) (*GetOperation, []string) {
	var keys []string
	var deadline time.Time
	for _, g := range gets {
		for _, k := range g.keys {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
		if g.deadline.After(deadline) {
			deadline = g.deadline
		}
	}
	merged := &GetOperation{keys: keys, parts: slices.Clone(gets)}
	merged.cb = &mergedGetCallback{parts: merged.parts}
	merged.deadline = deadline
	return merged, keys
}

// mergedGetCallback fans the results of a coalesced get out to its parts.
type mergedGetCallback struct {
	parts  []*GetOperation
	status OperationStatus
}

func (m *mergedGetCallback) GotData(key string, flags uint32, cas uint64, data []byte) {
	for _, p := range m.parts {
		if slices.Contains(p.keys, key) {
			p.gotData(key, flags, cas, data)
		}
	}
}

func (m *mergedGetCallback) ReceivedStatus(status OperationStatus) {
	m.status = status
}

func (m *mergedGetCallback) Complete() {
	for _, p := range m.parts {
		switch {
		case m.status.Success:
			p.complete(m.status)
		case errors.Is(m.status.Err, ErrTimeout):
			p.timeOut()
		case errors.Is(m.status.Err, ErrCancelled):
			p.Cancel()
		default:
			p.fail(m.status.Err)
		}
	}
}

// splitGetCallback gathers the gets a multi-key get was split into and
// finishes the original once all of them are done.
type splitGetCallback struct {
	parent *GetOperation

	mu        sync.Mutex
	remaining int
	err       error
}

func (s *splitGetCallback) GotData(key string, flags uint32, cas uint64, data []byte) {
	s.parent.gotData(key, flags, cas, data)
}

func (s *splitGetCallback) ReceivedStatus(status OperationStatus) {
	if status.Success || status.Err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = status.Err
	}
	s.mu.Unlock()
}

func (s *splitGetCallback) Complete() {
	s.mu.Lock()
	s.remaining--
	done, err := s.remaining == 0, s.err
	s.mu.Unlock()
	if !done {
		return
	}
	switch {
	case err == nil:
		s.parent.complete(OperationStatus{Success: true, Message: "END"})
	case errors.Is(err, ErrTimeout):
		s.parent.timeOut()
	case errors.Is(err, ErrCancelled):
		s.parent.Cancel()
	default:
		s.parent.fail(err)
	}
}
