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
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	readable atomic.Int32
	writable atomic.Int32
	closed   atomic.Int32
}

func (h *countingHandler) onReadable()        { h.readable.Add(1) }
func (h *countingHandler) onWritable()        { h.writable.Add(1) }
func (h *countingHandler) onClosed(_ channel) { h.closed.Add(1) }

// dialPeer connects a netpoll channel to a local listener and returns the
// accepted server side.
func dialPeer(t *testing.T, h channelHandler) (channel, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()
	ch, err := dialNetpoll(ln.Addr(), time.Second, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	select {
	case peer := <-accepted:
		t.Cleanup(func() { _ = peer.Close() })
		return ch, peer
	case <-time.After(time.Second):
		t.Fatal("listener did not accept")
		return nil, nil
	}
}

func TestNetpollChannelRoundTrip(t *testing.T) {
	h := &countingHandler{}
	ch, peer := dialPeer(t, h)

	k, err := ch.Write([]byte("version\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, k)
	got := make([]byte, 9)
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	assert.Equal(t, "version\r\n", string(got))
	require.Eventually(t, func() bool { return h.writable.Load() > 0 }, time.Second, time.Millisecond)

	_, err = peer.Write([]byte("VERSION 1.6.21\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.readable.Load() > 0 }, time.Second, time.Millisecond)
	buf := make([]byte, 64)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "VERSION 1.6.21\r\n", string(buf[:n]))
	n, err = ch.Read(buf)
	assert.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, peer.Close())
	require.Eventually(t, func() bool { return h.closed.Load() > 0 }, time.Second, time.Millisecond)
	_, err = ch.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNetpollChannelWriteDoesNotBlock(t *testing.T) {
	h := &countingHandler{}
	ch, peer := dialPeer(t, h)

	// The peer does not read, so the socket fills up and Write has to
	// start refusing bytes instead of waiting.
	chunk := make([]byte, 64<<10)
	refused := make(chan int, 1)
	go func() {
		total := 0
		for total < 1<<30 {
			k, err := ch.Write(chunk)
			if err != nil || k == 0 {
				break
			}
			total += k
		}
		refused <- total
	}()
	select {
	case total := <-refused:
		assert.GreaterOrEqual(t, total, maxPendingWrite)
	case <-time.After(10 * time.Second):
		t.Fatal("Write blocked on a full socket")
	}

	// once the peer drains the socket the channel reports room again
	before := h.writable.Load()
	go func() { _, _ = io.Copy(io.Discard, peer) }()
	require.Eventually(t, func() bool { return h.writable.Load() > before }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		k, err := ch.Write(chunk)
		return err == nil && k > 0
	}, 5*time.Second, time.Millisecond)
}

func TestNetpollChannelCloseReleasesFlush(t *testing.T) {
	h := &countingHandler{}
	ch, _ := dialPeer(t, h)

	chunk := make([]byte, 64<<10)
	for range 1 << 14 {
		k, err := ch.Write(chunk)
		require.NoError(t, err)
		if k == 0 {
			break
		}
	}
	closed := make(chan error, 1)
	go func() { closed <- ch.Close() }()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked behind a pending flush")
	}
	_, err := ch.Write(chunk)
	assert.Error(t, err)
}
