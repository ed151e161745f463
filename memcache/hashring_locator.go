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
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"
)

type hashRingState struct {
	ring   *hashring.HashRing
	byKey  map[string]*Node
	nodes  []*Node
	unique int
}

// HashRingLocator is a weighted consistent hashing ring whose fallback
// sequence visits every distinct node exactly once.
type HashRingLocator struct {
	nodeKey NodeKeyFormatter
	mu      sync.Mutex
	state   atomic.Pointer[hashRingState]
}

// NewHashRingLocator builds a ring over nodes, which must not be empty.
// Nodes with the same key share one ring entry. A nil nodeKey names nodes
// by address.
func NewHashRingLocator(nodes []*Node, nodeKey NodeKeyFormatter) (*HashRingLocator, error) {
	if len(nodes) == 0 {
		return nil, ErrNoServers
	}
	if nodeKey == nil {
		nodeKey, _ = NodeKeyAddress.Formatter()
	}
	l := &HashRingLocator{nodeKey: nodeKey}
	l.UpdateLocator(nodes)
	return l, nil
}

func (l *HashRingLocator) GetPrimary(key string) *Node {
	s := l.state.Load()
	name, ok := s.ring.GetNode(key)
	if !ok {
		return nil
	}
	return s.byKey[name]
}

func (l *HashRingLocator) GetSequence(key string) iter.Seq[*Node] {
	s := l.state.Load()
	return func(yield func(*Node) bool) {
		names, ok := s.ring.GetNodes(key, s.unique)
		if !ok {
			return
		}
		for _, name := range names {
			if !yield(s.byKey[name]) {
				return
			}
		}
	}
}

func (l *HashRingLocator) All() []*Node {
	return slices.Clone(l.state.Load().nodes)
}

func (l *HashRingLocator) ReadOnlyCopy() NodeLocator {
	cp := &HashRingLocator{nodeKey: l.nodeKey}
	cp.state.Store(l.state.Load())
	return &readOnlyLocator{NodeLocator: cp}
}

func (l *HashRingLocator) UpdateLocator(nodes []*Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &hashRingState{
		byKey: make(map[string]*Node, len(nodes)),
		nodes: slices.Clone(nodes),
	}
	weights := make(map[string]int, len(nodes))
	for _, n := range nodes {
		k := l.nodeKey(n)
		s.byKey[k] = n
		weights[k] = KetamaNumReps
	}
	s.unique = len(weights)
	s.ring = hashring.NewWithWeights(weights)
	l.state.Store(s)
}
