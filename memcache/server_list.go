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
	"math/rand/v2"
	"net"
	"strings"
	"sync"
)

// staticAddr caches the Network() and String() values from any net.Addr.
type staticAddr struct {
	ntw, str string
}

func newStaticAddr(a net.Addr) net.Addr {
	return &staticAddr{
		ntw: a.Network(),
		str: a.String(),
	}
}

func (s *staticAddr) Network() string { return s.ntw }
func (s *staticAddr) String() string  { return s.str }

// resolveServer turns a configured server into an address. Anything
// containing a slash is a unix socket path.
func resolveServer(server string) (net.Addr, error) {
	if strings.Contains(server, "/") {
		addr, err := net.ResolveUnixAddr("unix", server)
		if err != nil {
			return nil, err
		}
		return newStaticAddr(addr), nil
	}
	tcpaddr, err := net.ResolveTCPAddr("tcp", server)
	if err != nil {
		return nil, err
	}
	return newStaticAddr(tcpaddr), nil
}

// ServerList is a simple list of servers, used for the discovery
// endpoints. Cache traffic is routed by a NodeLocator instead.
//
// Its zero value is usable.
type ServerList struct {
	mu    sync.RWMutex
	addrs []net.Addr
}

// SetServers changes a ServerList's set of servers at runtime and is
// safe for concurrent use by multiple goroutines.
//
// If a server is listed multiple times, it gets a proportional amount
// of weight.
func (ss *ServerList) SetServers(servers ...string) error {
	naddr := make([]net.Addr, len(servers))
	for i, server := range servers {
		addr, err := resolveServer(server)
		if err != nil {
			return err
		}
		naddr[i] = addr
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.addrs = naddr
	return nil
}

// Each iterates over each server calling the given function.
func (ss *ServerList) Each(f func(net.Addr) error) error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	for _, a := range ss.addrs {
		if err := f(a); nil != err {
			return err
		}
	}
	return nil
}

// Strings returns the configured servers.
func (ss *ServerList) Strings() []string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]string, len(ss.addrs))
	for i, a := range ss.addrs {
		out[i] = a.String()
	}
	return out
}

// PickAnyServer picks a random server, spreading discovery requests.
func (ss *ServerList) PickAnyServer() (net.Addr, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	switch len(ss.addrs) {
	case 0:
		return nil, ErrNoServers
	case 1:
		return ss.addrs[0], nil
	}
	return ss.addrs[rand.IntN(len(ss.addrs))], nil
}
