//go:build integration

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
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startMemcached runs memcached in a container and returns its address.
func startMemcached(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "memcached:latest",
		ExposedPorts: []string{"11211/tcp"},
		WaitingFor:   wait.ForListeningPort("11211/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "11211/tcp")
	require.NoError(t, err)
	return net.JoinHostPort(host, strconv.Itoa(port.Int()))
}

func TestIntegration(t *testing.T) {
	addr := startMemcached(t)
	for _, protocol := range []Protocol{TextProtocol, BinaryProtocol} {
		t.Run(string(protocol), func(t *testing.T) {
			cfg := DefaultConfig(addr)
			cfg.Protocol = protocol
			c, err := NewWithConfig(cfg)
			require.NoError(t, err)
			defer func() { _ = c.Close() }()
			require.NoError(t, c.FlushAll())

			testIntegrationOperations(t, c)
			testIntegrationConcurrentGets(t, c)
		})
	}
}

func testIntegrationOperations(t *testing.T, c *Client) {
	require.NoError(t, c.Ping())

	require.NoError(t, c.Set(&Item{Key: "foo", Value: []byte("fooval"), Flags: 7}))
	it, err := c.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "fooval", string(it.Value))
	assert.Equal(t, uint32(7), it.Flags)

	assert.ErrorIs(t, c.Add(&Item{Key: "foo", Value: []byte("x")}), ErrNotStored)
	require.NoError(t, c.Append(&Item{Key: "foo", Value: []byte("!")}))

	it, err = c.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "fooval!", string(it.Value))
	it.Value = []byte("swapped")
	require.NoError(t, c.CompareAndSwap(it))
	assert.ErrorIs(t, c.CompareAndSwap(it), ErrCASConflict)

	require.NoError(t, c.Set(&Item{Key: "n", Value: []byte("41")}))
	v, err := c.Increment("n", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
	v, err = c.Decrement("n", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	require.NoError(t, c.Delete("foo"))
	_, err = c.Get("foo")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	for _, s := range stats {
		assert.NotEmpty(t, s["pid"])
	}
	versions, err := c.Versions()
	require.NoError(t, err)
	for _, v := range versions {
		assert.NotEmpty(t, v)
	}
}

func testIntegrationConcurrentGets(t *testing.T, c *Client) {
	const n = 200
	for i := range n {
		require.NoError(t, c.Set(&Item{Key: fmt.Sprintf("k%d", i), Value: fmt.Appendf(nil, "v%d", i)}))
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it, err := c.Get(fmt.Sprintf("k%d", i))
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("v%d", i); string(it.Value) != want {
				errs <- fmt.Errorf("k%d = %q, want %q", i, it.Value, want)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
