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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fourServers = []string{"127.0.0.1:11211", "127.0.0.1:11212", "127.0.0.1:11213", "127.0.0.1:11214"}

func newTestLocator(t *testing.T, typ LocatorType, h HashAlgorithm, nodes []*Node) NodeLocator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Locator = typ
	cfg.HashAlgorithm = h
	l, err := NewLocator(cfg, nodes)
	require.NoError(t, err)
	return l
}

func TestArrayModLocator(t *testing.T) {
	nodes := testNodes(t, fourServers...)
	l := newTestLocator(t, ArrayModLocatorType, NativeHash, nodes)

	tests := []struct {
		key  string
		want int
	}{
		{"dustin", 1},
		{"x", 0},
		{"", 0},
		{"hello", 2},
	}
	for _, tt := range tests {
		if got := l.GetPrimary(tt.key); got != nodes[tt.want] {
			t.Errorf("GetPrimary(%q) = %v, want %v", tt.key, got, nodes[tt.want])
		}
	}

	want := []*Node{nodes[1], nodes[2], nodes[3], nodes[0]}
	assert.Equal(t, want, collect(l, "dustin"))
}

func TestLocatorSequences(t *testing.T) {
	keys := []string{"", "dustin", "x", "hello", "Test-Key:123", "user:42"}
	for _, typ := range []LocatorType{ArrayModLocatorType, KetamaLocatorType, JumpLocatorType, HashRingLocatorType} {
		t.Run(string(typ), func(t *testing.T) {
			nodes := testNodes(t, fourServers...)
			l := newTestLocator(t, typ, KetamaHash, nodes)
			assert.ElementsMatch(t, nodes, l.All())
			for _, key := range keys {
				seq := collect(l, key)
				require.NotEmpty(t, seq, "key %q", key)
				assert.Same(t, l.GetPrimary(key), seq[0], "key %q", key)
				assert.Len(t, seq, len(nodes), "key %q", key)
				for _, n := range seq {
					assert.Contains(t, nodes, n)
				}
				assert.Equal(t, seq, collect(l, key), "sequence for %q is not stable", key)
			}
		})
	}
}

func TestLocatorSequenceVisitsEveryNodeOnce(t *testing.T) {
	for _, typ := range []LocatorType{ArrayModLocatorType, JumpLocatorType, HashRingLocatorType} {
		t.Run(string(typ), func(t *testing.T) {
			nodes := testNodes(t, fourServers...)
			l := newTestLocator(t, typ, FNV1A_32Hash, nodes)
			for i := range 50 {
				seq := collect(l, fmt.Sprintf("key-%d", i))
				assert.ElementsMatch(t, nodes, seq)
			}
		})
	}
}

func TestLocatorSequenceStopsEarly(t *testing.T) {
	for _, typ := range []LocatorType{ArrayModLocatorType, KetamaLocatorType, JumpLocatorType, HashRingLocatorType} {
		l := newTestLocator(t, typ, NativeHash, testNodes(t, fourServers...))
		count := 0
		for range l.GetSequence("dustin") {
			count++
			break
		}
		if count != 1 {
			t.Errorf("%s: sequence yielded %d nodes after break", typ, count)
		}
	}
}

func TestNewLocatorErrors(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewLocator(cfg, nil)
	assert.ErrorIs(t, err, ErrNoServers)

	cfg.Locator = "random"
	_, err = NewLocator(cfg, testNodes(t, "127.0.0.1:11211"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReadOnlyCopy(t *testing.T) {
	nodes := testNodes(t, fourServers...)
	for _, typ := range []LocatorType{ArrayModLocatorType, KetamaLocatorType, JumpLocatorType, HashRingLocatorType} {
		t.Run(string(typ), func(t *testing.T) {
			l := newTestLocator(t, typ, NativeHash, nodes)
			ro := l.ReadOnlyCopy()
			assert.Same(t, l.GetPrimary("dustin"), ro.GetPrimary("dustin"))
			assert.Panics(t, func() { ro.UpdateLocator(nodes[:1]) })

			// the copy is a snapshot
			l.UpdateLocator(nodes[:1])
			assert.Len(t, ro.All(), len(nodes))
			assert.Same(t, nodes[0], l.GetPrimary("dustin"))
		})
	}
}

func TestJumpLocatorGrowth(t *testing.T) {
	nodes := testNodes(t, append(slices.Clone(fourServers), "127.0.0.1:11215")...)
	small := newTestLocator(t, JumpLocatorType, FNV1A_64Hash, nodes[:4])
	big := newTestLocator(t, JumpLocatorType, FNV1A_64Hash, nodes)
	moved := 0
	for i := range 1000 {
		key := fmt.Sprintf("key-%d", i)
		before, after := small.GetPrimary(key), big.GetPrimary(key)
		if before != after {
			moved++
			if after != nodes[4] {
				t.Fatalf("key %q moved from %v to %v, want the new node", key, before, after)
			}
		}
	}
	if moved == 0 {
		t.Error("no key moved to the new node")
	}
}

func TestDistinctNodes(t *testing.T) {
	nodes := testNodes(t, fourServers[:2]...)
	seq := func(yield func(*Node) bool) {
		for _, n := range []*Node{nodes[1], nodes[1], nodes[0], nodes[1]} {
			if !yield(n) {
				return
			}
		}
	}
	assert.Equal(t, []*Node{nodes[1], nodes[0]}, distinctNodes(seq))
}

func TestNodeKeyFormats(t *testing.T) {
	byName := &Node{name: "cache1:11211", addr: &staticAddr{ntw: "tcp", str: "10.0.0.1:11211"}}
	byIP := &Node{name: "10.0.0.2:11212", addr: &staticAddr{ntw: "tcp", str: "10.0.0.2:11212"}}
	tests := []struct {
		format NodeKeyFormat
		node   *Node
		want   string
	}{
		{NodeKeyAddress, byName, "cache1:11211"},
		{NodeKeySpymemcached, byName, "cache1/10.0.0.1:11211"},
		{NodeKeySpymemcached, byIP, "10.0.0.2:11212"},
		{NodeKeyLibmemcached, byName, "cache1"},
		{NodeKeyLibmemcached, byIP, "10.0.0.2:11212"},
	}
	for _, tt := range tests {
		f, err := tt.format.Formatter()
		require.NoError(t, err)
		if got := f(tt.node); got != tt.want {
			t.Errorf("%s(%s) = %q, want %q", tt.format, tt.node, got, tt.want)
		}
	}
	_, err := NodeKeyFormat("weird").Formatter()
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

