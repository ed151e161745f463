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
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

var (
	configKeywordBytes = []byte("CONFIG")
	endBytes           = []byte("END")
	nodeFieldSep       = []byte("|")
)

// ErrInvalidClusterConfig is returned for a malformed config get response.
var ErrInvalidClusterConfig = errors.New("memcache: invalid cluster config found")

// ClusterNode represents address of a memcached node.
type ClusterNode struct {
	Host string
	Port int64
}

// Address is the node as a "host:port" server string.
func (n ClusterNode) Address() string {
	return net.JoinHostPort(n.Host, strconv.FormatInt(n.Port, 10))
}

// ClusterConfig represents cluster configuration which contains nodes and version.
type ClusterConfig struct {
	// ConfigID is the monotonically increasing identifier for the config information
	ConfigID int64

	// NodeAddresses are array of ClusterNode which contain address of a memcache node.
	NodeAddresses []ClusterNode
}

// newerThan reports whether c should replace prev.
func (c *ClusterConfig) newerThan(prev *ClusterConfig) bool {
	return prev == nil || c.ConfigID > prev.ConfigID
}

// parseConfigGetResponse reads the reply to "config get cluster". The
// reply is a CONFIG header, a line holding the config id and a line of
// space separated "host|ip|port" nodes. A bare END means no config, and
// cb is not called.
func parseConfigGetResponse(r *bufio.Reader, cb func(*ClusterConfig)) error {
	for {
		line, err := readTrimmedLine(r)
		if err != nil {
			return err
		}
		switch {
		case len(line) == 0:
			continue
		case bytes.Equal(line, endBytes):
			return nil
		case !bytes.Contains(line, configKeywordBytes):
			continue
		}

		idLine, err := readTrimmedLine(r)
		if err != nil {
			return ErrInvalidClusterConfig
		}
		id, err := strconv.ParseInt(string(idLine), 10, 64)
		if err != nil {
			return fmt.Errorf("memcache: failed to parse config id: %w", err)
		}
		nodesLine, err := readTrimmedLine(r)
		if err != nil {
			return ErrInvalidClusterConfig
		}

		cc := &ClusterConfig{ConfigID: id}
		for _, field := range bytes.Fields(nodesLine) {
			node, err := parseClusterNode(field)
			if err != nil {
				return err
			}
			cc.NodeAddresses = append(cc.NodeAddresses, node)
		}
		cb(cc)
		return skipToEnd(r)
	}
}

// skipToEnd consumes the rest of a reply up to its END line so the
// connection can serve the next request.
func skipToEnd(r *bufio.Reader) error {
	for {
		line, err := readTrimmedLine(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if bytes.Equal(line, endBytes) {
			return nil
		}
	}
}

func readTrimmedLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

// parseClusterNode parses "host|ip|port". The ip part is informational.
func parseClusterNode(field []byte) (ClusterNode, error) {
	parts := bytes.SplitN(field, nodeFieldSep, 3)
	if len(parts) != 3 {
		return ClusterNode{}, fmt.Errorf("memcache: invalid node format: %s", field)
	}
	port, err := strconv.ParseInt(string(parts[2]), 10, 64)
	if err != nil {
		return ClusterNode{}, fmt.Errorf("memcache: failed to parse port for node %s: %w", field, err)
	}
	return ClusterNode{Host: string(parts[0]), Port: port}, nil
}
