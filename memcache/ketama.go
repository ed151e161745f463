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
	"net"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// KetamaNumReps is the number of ring positions per node.
const KetamaNumReps = 100

// NodeKeyFormat selects how a node is named when it is placed on a ring.
// The format is part of the ring layout: clients that must agree on key
// placement have to use the same one.
type NodeKeyFormat string

const (
	// NodeKeyAddress uses the address exactly as configured, "host:port".
	NodeKeyAddress NodeKeyFormat = "address"
	// NodeKeySpymemcached uses "hostname/ip:port", or "ip:port" when the
	// node was configured by IP.
	NodeKeySpymemcached NodeKeyFormat = "spymemcached"
	// NodeKeyLibmemcached uses "host", with ":port" appended unless the
	// port is 11211.
	NodeKeyLibmemcached NodeKeyFormat = "libmemcached"
)

// NodeKeyFormatter names a node for ring placement.
type NodeKeyFormatter func(n *Node) string

// Formatter returns the NodeKeyFormatter for f.
func (f NodeKeyFormat) Formatter() (NodeKeyFormatter, error) {
	switch f {
	case NodeKeyAddress, "":
		return func(n *Node) string { return n.Name() }, nil
	case NodeKeySpymemcached:
		return spymemcachedNodeKey, nil
	case NodeKeyLibmemcached:
		return libmemcachedNodeKey, nil
	}
	return nil, fmt.Errorf("%w: unknown node key format %q", ErrInvalidConfig, string(f))
}

func spymemcachedNodeKey(n *Node) string {
	host, _, err := net.SplitHostPort(n.Name())
	addr := n.Addr().String()
	if err != nil || net.ParseIP(host) != nil {
		return addr
	}
	return host + "/" + addr
}

func libmemcachedNodeKey(n *Node) string {
	host, port, err := net.SplitHostPort(n.Name())
	if err != nil {
		return n.Name()
	}
	if p, _ := strconv.Atoi(port); p == 11211 {
		return host
	}
	return host + ":" + port
}

// ketamaRing is an immutable sorted ring.
type ketamaRing struct {
	points []uint64
	owners []*Node
	nodes  []*Node
}

func buildKetamaRing(nodes []*Node, h HashAlgorithm, nodeKey NodeKeyFormatter) *ketamaRing {
	positions := make(map[uint64]*Node, len(nodes)*KetamaNumReps)
	for _, n := range nodes {
		key := nodeKey(n)
		for i := 0; i < KetamaNumReps; i++ {
			// later inserts win on collisions
			positions[h.Hash(key+"-"+strconv.Itoa(i))] = n
		}
	}
	r := &ketamaRing{
		points: make([]uint64, 0, len(positions)),
		nodes:  slices.Clone(nodes),
	}
	for p := range positions {
		r.points = append(r.points, p)
	}
	slices.Sort(r.points)
	r.owners = make([]*Node, len(r.points))
	for i, p := range r.points {
		r.owners[i] = positions[p]
	}
	return r
}

// successor returns the node at the smallest position >= hv, wrapping to
// the first position.
func (r *ketamaRing) successor(hv uint64) *Node {
	if len(r.points) == 0 {
		return nil
	}
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= hv })
	if i == len(r.points) {
		i = 0
	}
	return r.owners[i]
}

// KetamaLocator is a consistent hashing ring locator. Adding or removing
// a node only moves the keys adjacent to that node's positions.
type KetamaLocator struct {
	hash    HashAlgorithm
	nodeKey NodeKeyFormatter

	mu   sync.Mutex
	ring atomic.Pointer[ketamaRing]
}

// NewKetamaLocator builds a ring over nodes. A nil nodeKey uses
// NodeKeyAddress.
func NewKetamaLocator(nodes []*Node, h HashAlgorithm, nodeKey NodeKeyFormatter) (*KetamaLocator, error) {
	if len(nodes) == 0 {
		return nil, ErrNoServers
	}
	if nodeKey == nil {
		nodeKey, _ = NodeKeyAddress.Formatter()
	}
	l := &KetamaLocator{hash: h, nodeKey: nodeKey}
	l.UpdateLocator(nodes)
	return l, nil
}

func (l *KetamaLocator) GetPrimary(key string) *Node {
	return l.ring.Load().successor(l.hash.Hash(key))
}

// GetSequence probes the ring len(nodes) times, starting at the primary.
// Each probe re-hashes "{attempt}{key}" and adds the folded hash to the
// running position. The same node may be yielded more than once.
func (l *KetamaLocator) GetSequence(key string) iter.Seq[*Node] {
	r := l.ring.Load()
	return func(yield func(*Node) bool) {
		if len(r.points) == 0 {
			return
		}
		hv := l.hash.Hash(key)
		for attempt := 0; attempt < len(r.nodes); attempt++ {
			if !yield(r.successor(hv)) {
				return
			}
			t := l.hash.Hash(strconv.Itoa(attempt) + key)
			hv = uint64(uint32(hv) + uint32(t^(t>>32)))
		}
	}
}

func (l *KetamaLocator) All() []*Node {
	return slices.Clone(l.ring.Load().nodes)
}

func (l *KetamaLocator) ReadOnlyCopy() NodeLocator {
	cp := &KetamaLocator{hash: l.hash, nodeKey: l.nodeKey}
	cp.ring.Store(l.ring.Load())
	return &readOnlyLocator{NodeLocator: cp}
}

func (l *KetamaLocator) UpdateLocator(nodes []*Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.Store(buildKetamaRing(nodes, l.hash, l.nodeKey))
}
