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
	"log/slog"
	"sync"
	"time"
)

// configPoller periodically asks a discovery endpoint for the cluster
// config and applies newer ones.
type configPoller struct {
	pollingDuration time.Duration
	tick            *time.Ticker
	done            chan bool
	once            sync.Once

	discovery  *discoveryClient
	serverList *ServerList
	// onUpdate applies a new membership, typically Connection.UpdateNodes.
	onUpdate func([]string) error
	log      *slog.Logger

	clusterConfigMU   sync.RWMutex
	prevClusterConfig *ClusterConfig
}

func newConfigPoller(frequency time.Duration, servers *ServerList, dc *discoveryClient, onUpdate func([]string) error, log *slog.Logger) *configPoller {
	return &configPoller{
		pollingDuration: frequency,
		done:            make(chan bool),
		discovery:       dc,
		serverList:      servers,
		onUpdate:        onUpdate,
		log:             log,
	}
}

func (c *configPoller) start() {
	c.tick = time.NewTicker(c.pollingDuration)
	go c.readConfigPeriodically()
}

func (c *configPoller) logger() *slog.Logger {
	if c.log != nil {
		return c.log
	}
	return slog.Default()
}

func (c *configPoller) readConfigPeriodically() {
	for {
		select {
		case <-c.tick.C:
			if err := c.readConfigAndUpdateServerList(); err != nil {
				c.logger().Warn("cluster config poll failed", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *configPoller) readConfigAndUpdateServerList() error {
	cc, err := c.discovery.GetConfig("cluster")
	if err != nil {
		return err
	}
	c.clusterConfigMU.RLock()
	newer := cc.newerThan(c.prevClusterConfig)
	c.clusterConfigMU.RUnlock()
	if !newer {
		return nil
	}
	return c.updateServerList(cc)
}

// updateServerList records cc and hands its nodes to onUpdate. An empty
// node list is recorded but not applied.
func (c *configPoller) updateServerList(cc *ClusterConfig) error {
	servers := getServerAddresses(cc)
	if err := c.serverList.SetServers(servers...); err != nil {
		return err
	}
	if c.onUpdate != nil && len(servers) > 0 {
		if err := c.onUpdate(servers); err != nil {
			return err
		}
	}
	c.clusterConfigMU.Lock()
	c.prevClusterConfig = cc
	c.clusterConfigMU.Unlock()
	c.logger().Info("cluster config applied", "config_id", cc.ConfigID, "nodes", c.serverList.Strings())
	return nil
}

func (c *configPoller) stopPolling() {
	c.once.Do(func() {
		if c.tick != nil {
			c.tick.Stop()
		}
		close(c.done)
	})
}

func getServerAddresses(cc *ClusterConfig) []string {
	servers := make([]string, 0, len(cc.NodeAddresses))
	for _, n := range cc.NodeAddresses {
		servers = append(servers, n.Address())
	}
	return servers
}
