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
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
)

// NewDiscoveryClient returns a discovery config enabled client which polls
// periodically for new information and updates the cluster membership if
// new information is found.
// discoveryAddress should be in following form "ipv4-address:port", or
// several such endpoints separated by commas.
// Note: pollingDuration should be at least 1 second.
func NewDiscoveryClient(discoveryAddress string, pollingDuration time.Duration) (*Client, error) {
	return NewDiscoveryClientWithConfig(discoveryAddress, pollingDuration, DefaultConfig())
}

// NewDiscoveryClientWithConfig is NewDiscoveryClient with every other
// setting taken from cfg. cfg.Servers is replaced by the discovered nodes.
func NewDiscoveryClientWithConfig(discoveryAddress string, pollingDuration time.Duration, cfg *ConnectionFactoryConfig) (*Client, error) {
	if pollingDuration < time.Second {
		return nil, ErrInvalidPollingDuration
	}
	return newDiscoveryClient(discoveryAddress, pollingDuration, cfg)
}

// newDiscoveryClient is the internal implementation for unit tests
func newDiscoveryClient(discoveryAddress string, pollingDuration time.Duration, cfg *ConnectionFactoryConfig) (*Client, error) {
	endpoints := new(ServerList)
	if err := endpoints.SetServers(strings.Split(discoveryAddress, ",")...); err != nil {
		return nil, err
	}
	dc := &discoveryClient{
		endpoints: endpoints,
		timeout:   cfg.dialTimeout(),
	}
	cc, err := dc.GetConfig("cluster")
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("memcache: initial discovery from %s: %w", discoveryAddress, err)
	}
	servers := getServerAddresses(cc)
	if len(servers) == 0 {
		dc.Close()
		return nil, ErrNoServers
	}

	withServers := *cfg
	withServers.Servers = servers
	mc, err := NewWithConfig(&withServers)
	if err != nil {
		dc.Close()
		return nil, err
	}

	serverList := new(ServerList)
	if err := serverList.SetServers(servers...); err != nil {
		dc.Close()
		return nil, err
	}
	p := newConfigPoller(pollingDuration, serverList, dc, mc.conn.UpdateNodes, mc.conn.log)
	p.prevClusterConfig = cc
	p.start()
	mc.StopPolling = func() {
		p.stopPolling()
		dc.Close()
	}
	return mc, nil
}

// discoveryClient fetches cluster configs over short, blocking request
// response exchanges on pooled connections.
type discoveryClient struct {
	endpoints *ServerList
	timeout   time.Duration
	// maxIdle caps the connections kept per endpoint. If less than one,
	// DefaultMaxIdleConns is used.
	maxIdle int

	mu    sync.Mutex
	pools map[string]*puddle.Pool[*conn]
}

// conn is a connection to a discovery endpoint.
type conn struct {
	nc   net.Conn
	rw   *bufio.ReadWriter
	addr net.Addr
	c    *discoveryClient
}

// setDeadlines sets both read and write deadlines on the connection.
func (cn *conn) setDeadlines() {
	//nolint:errcheck
	cn.nc.SetDeadline(time.Now().Add(cn.c.netTimeout()))
}

// condRelease releases this connection back to the puddle pool unless the
// error is non-resumable, in which case the resource is destroyed.
func (cn *conn) condRelease(res *puddle.Resource[*conn], err error) {
	if err == nil || resumableError(err) {
		//nolint:errcheck
		cn.nc.SetDeadline(time.Time{})
		res.Release()
		return
	}
	res.Destroy()
}

func (c *discoveryClient) netTimeout() time.Duration {
	if c.timeout != 0 {
		return c.timeout
	}
	return DefaultTimeout
}

func (c *discoveryClient) maxIdleConns() int {
	if c.maxIdle > 0 {
		return c.maxIdle
	}
	return DefaultMaxIdleConns
}

func (c *discoveryClient) dial(addr net.Addr) (net.Conn, error) {
	nc, err := net.DialTimeout(addr.Network(), addr.String(), c.netTimeout())
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, &ConnectTimeoutError{addr}
		}
		return nil, err
	}
	return nc, nil
}

func (c *discoveryClient) getPool(addr net.Addr) (*puddle.Pool[*conn], error) {
	key := addr.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pools == nil {
		c.pools = make(map[string]*puddle.Pool[*conn])
	}
	if pool, ok := c.pools[key]; ok {
		return pool, nil
	}
	pool, err := puddle.NewPool(&puddle.Config[*conn]{
		Constructor: func(context.Context) (*conn, error) {
			nc, err := c.dial(addr)
			if err != nil {
				return nil, err
			}
			return &conn{
				nc:   nc,
				rw:   bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
				addr: addr,
				c:    c,
			}, nil
		},
		Destructor: func(cn *conn) {
			_ = cn.nc.Close()
		},
		MaxSize: int32(c.maxIdleConns()),
	})
	if err != nil {
		return nil, err
	}
	c.pools[key] = pool
	return pool, nil
}

func (c *discoveryClient) withAddrRw(addr net.Addr, fn func(*conn) error) (err error) {
	pool, err := c.getPool(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.netTimeout())
	defer cancel()
	res, err := pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ConnectTimeoutError{addr}
		}
		return err
	}
	cn := res.Value()
	cn.setDeadlines()
	defer func() { cn.condRelease(res, err) }()
	return fn(cn)
}

// errConfigFound stops the endpoint walk in GetConfig.
var errConfigFound = errors.New("memcache: config found")

// GetConfig gets the config type. ErrClusterConfigMiss is returned if config
// for the type cluster is not found. The configType must be at most 250 bytes in length.
// A random endpoint is asked first; the others are tried in order when it
// cannot be reached.
func (c *discoveryClient) GetConfig(configType string) (*ClusterConfig, error) {
	if !legalKey(configType) {
		return nil, ErrMalformedKey
	}
	first, err := c.endpoints.PickAnyServer()
	if err != nil {
		return nil, err
	}
	cc, err := c.getConfigFromAddr(first, configType)
	if err == nil || errors.Is(err, ErrClusterConfigMiss) {
		return cc, err
	}
	errs := []error{err}
	walkErr := c.endpoints.Each(func(addr net.Addr) error {
		if addr == first {
			return nil
		}
		var aerr error
		cc, aerr = c.getConfigFromAddr(addr, configType)
		if aerr == nil || errors.Is(aerr, ErrClusterConfigMiss) {
			err = aerr
			return errConfigFound
		}
		errs = append(errs, aerr)
		return nil
	})
	if errors.Is(walkErr, errConfigFound) {
		return cc, err
	}
	return nil, errors.Join(errs...)
}

func (c *discoveryClient) getConfigFromAddr(addr net.Addr, configType string) (*ClusterConfig, error) {
	var clusterConfig *ClusterConfig
	err := c.withAddrRw(addr, func(cn *conn) error {
		if _, err := fmt.Fprintf(cn.rw, "config get %s\r\n", configType); err != nil {
			return err
		}
		if err := cn.rw.Flush(); err != nil {
			return err
		}
		return parseConfigGetResponse(cn.rw.Reader, func(cc *ClusterConfig) { clusterConfig = cc })
	})
	if err != nil {
		return nil, err
	}
	if clusterConfig == nil {
		return nil, ErrClusterConfigMiss
	}
	return clusterConfig, nil
}

// Close closes every pooled connection.
func (c *discoveryClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pool := range c.pools {
		pool.Close()
	}
	c.pools = nil
}
