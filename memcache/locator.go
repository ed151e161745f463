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
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// NodeLocator maps keys to nodes.
//
// All implementations must be safe for concurrent use by multiple
// goroutines. Lookups never observe a partially updated node set:
// UpdateLocator builds a new snapshot and swaps it in.
type NodeLocator interface {
	// GetPrimary returns the node that owns key, or nil when the locator
	// holds no nodes.
	GetPrimary(key string) *Node
	// GetSequence returns the fallback order for key, starting with the
	// primary. Every call returns a fresh, finite sequence.
	GetSequence(key string) iter.Seq[*Node]
	// All returns every node known to the locator.
	All() []*Node
	// ReadOnlyCopy returns a frozen snapshot for diagnostics.
	ReadOnlyCopy() NodeLocator
	// UpdateLocator replaces the node set.
	UpdateLocator(nodes []*Node)
}

// LocatorType names a NodeLocator implementation.
type LocatorType string

const (
	ArrayModLocatorType LocatorType = "arraymod"
	KetamaLocatorType   LocatorType = "ketama"
	JumpLocatorType     LocatorType = "jump"
	HashRingLocatorType LocatorType = "hashring"
)

func (t LocatorType) valid() bool {
	switch t {
	case ArrayModLocatorType, KetamaLocatorType, JumpLocatorType, HashRingLocatorType:
		return true
	}
	return false
}

// NewLocator builds the locator selected by cfg over nodes.
func NewLocator(cfg *ConnectionFactoryConfig, nodes []*Node) (NodeLocator, error) {
	if len(nodes) == 0 {
		return nil, ErrNoServers
	}
	h := cfg.hashAlgorithm()
	switch t := LocatorType(strings.ToLower(string(cfg.locator()))); t {
	case ArrayModLocatorType:
		return NewArrayModLocator(nodes, h)
	case KetamaLocatorType:
		return NewKetamaLocator(nodes, h, cfg.nodeKeyFormatter())
	case JumpLocatorType:
		return NewJumpLocator(nodes, h)
	case HashRingLocatorType:
		return NewHashRingLocator(nodes, cfg.nodeKeyFormatter())
	default:
		return nil, fmt.Errorf("%w: unknown locator %q", ErrInvalidConfig, t)
	}
}

// ArrayModLocator picks nodes[hash(key) mod len(nodes)].
type ArrayModLocator struct {
	hash  HashAlgorithm
	mu    sync.Mutex
	nodes atomic.Pointer[[]*Node]
}

// NewArrayModLocator returns an ArrayModLocator over nodes, which must not
// be empty.
func NewArrayModLocator(nodes []*Node, h HashAlgorithm) (*ArrayModLocator, error) {
	if len(nodes) == 0 {
		return nil, ErrNoServers
	}
	l := &ArrayModLocator{hash: h}
	l.UpdateLocator(nodes)
	return l, nil
}

func (l *ArrayModLocator) index(n int, key string) int {
	return int(l.hash.Hash(key) % uint64(n))
}

func (l *ArrayModLocator) GetPrimary(key string) *Node {
	nodes := *l.nodes.Load()
	if len(nodes) == 0 {
		return nil
	}
	return nodes[l.index(len(nodes), key)]
}

// GetSequence yields the primary followed by the nodes after it in
// configuration order, wrapping around, each node once.
func (l *ArrayModLocator) GetSequence(key string) iter.Seq[*Node] {
	nodes := *l.nodes.Load()
	return func(yield func(*Node) bool) {
		if len(nodes) == 0 {
			return
		}
		start := l.index(len(nodes), key)
		for i := range nodes {
			if !yield(nodes[(start+i)%len(nodes)]) {
				return
			}
		}
	}
}

func (l *ArrayModLocator) All() []*Node {
	return slices.Clone(*l.nodes.Load())
}

func (l *ArrayModLocator) ReadOnlyCopy() NodeLocator {
	cp := &ArrayModLocator{hash: l.hash}
	cp.nodes.Store(l.nodes.Load())
	return &readOnlyLocator{NodeLocator: cp}
}

func (l *ArrayModLocator) UpdateLocator(nodes []*Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := slices.Clone(nodes)
	l.nodes.Store(&snapshot)
}

// readOnlyLocator is a frozen view of another locator.
type readOnlyLocator struct {
	NodeLocator
}

func (r *readOnlyLocator) ReadOnlyCopy() NodeLocator { return r }

func (r *readOnlyLocator) UpdateLocator([]*Node) {
	panic("memcache: UpdateLocator called on a read-only locator")
}

// distinctNodes returns the distinct nodes of seq in first-seen order.
func distinctNodes(seq iter.Seq[*Node]) []*Node {
	var out []*Node
	for n := range seq {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
