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

	jump "github.com/dgryski/go-jump"
)

// JumpLocator places keys with jump consistent hashing over the key hash.
// Growing the node list only moves keys onto the new tail nodes, so nodes
// should be appended rather than reordered.
type JumpLocator struct {
	hash  HashAlgorithm
	mu    sync.Mutex
	nodes atomic.Pointer[[]*Node]
}

// NewJumpLocator returns a JumpLocator over nodes hashing keys with h.
// nodes must not be empty.
func NewJumpLocator(nodes []*Node, h HashAlgorithm) (*JumpLocator, error) {
	if len(nodes) == 0 {
		return nil, ErrNoServers
	}
	l := &JumpLocator{hash: h}
	l.UpdateLocator(nodes)
	return l, nil
}

func (l *JumpLocator) bucket(n int, key string) int {
	return int(jump.Hash(l.hash.Hash(key), n))
}

func (l *JumpLocator) GetPrimary(key string) *Node {
	nodes := *l.nodes.Load()
	if len(nodes) == 0 {
		return nil
	}
	return nodes[l.bucket(len(nodes), key)]
}

// GetSequence yields the primary bucket, then the remaining buckets in
// ascending order wrapping around, each node once.
func (l *JumpLocator) GetSequence(key string) iter.Seq[*Node] {
	nodes := *l.nodes.Load()
	return func(yield func(*Node) bool) {
		if len(nodes) == 0 {
			return
		}
		start := l.bucket(len(nodes), key)
		for i := range nodes {
			if !yield(nodes[(start+i)%len(nodes)]) {
				return
			}
		}
	}
}

func (l *JumpLocator) All() []*Node {
	return slices.Clone(*l.nodes.Load())
}

func (l *JumpLocator) ReadOnlyCopy() NodeLocator {
	cp := &JumpLocator{hash: l.hash}
	cp.nodes.Store(l.nodes.Load())
	return &readOnlyLocator{NodeLocator: cp}
}

func (l *JumpLocator) UpdateLocator(nodes []*Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := slices.Clone(nodes)
	l.nodes.Store(&snapshot)
}
