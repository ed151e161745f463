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
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// DefaultTimeout is the default dial timeout.
	DefaultTimeout = 500 * time.Millisecond

	// DefaultOperationTimeout bounds how long an operation may stay queued
	// or in flight.
	DefaultOperationTimeout = 2500 * time.Millisecond

	// DefaultOpQueueLength is the capacity of each node's input queue.
	DefaultOpQueueLength = 16384

	// DefaultReadBufferSize and DefaultWriteBufferSize size each node's
	// socket buffers.
	DefaultReadBufferSize  = 16384
	DefaultWriteBufferSize = 16384

	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultMaxReconnectDelay  = 30 * time.Second

	// DefaultTimeoutExceptionThreshold is how many consecutive timeouts a
	// node may accumulate before it is considered lost.
	DefaultTimeoutExceptionThreshold = 998

	// DefaultProtocolErrorThreshold is how many consecutive server reported
	// errors a node may return before it is reconnected.
	DefaultProtocolErrorThreshold = 5

	DefaultTimeoutCheckInterval = 100 * time.Millisecond

	// DefaultMaxValueSize matches memcached's default item size limit. A
	// reply declaring a larger value is treated as a corrupt stream.
	DefaultMaxValueSize = 1 << 20

	// DefaultMaxIdleConns is the default maximum number of idle connections
	// kept for any single address by the blocking discovery client.
	DefaultMaxIdleConns = 2

	// DefaultEnvPrefix is the variable prefix used by NewFromEnv.
	DefaultEnvPrefix = "MEMCACHED"
)

// FailureMode decides what happens to the work of a node whose connection
// is lost.
type FailureMode string

const (
	// FailureModeCancel cancels every queued operation of the node and
	// rejects new ones until it reconnects.
	FailureModeCancel FailureMode = "cancel"
	// FailureModeRetry keeps operations on the node and resends them once
	// it reconnects.
	FailureModeRetry FailureMode = "retry"
	// FailureModeRedistribute moves keyed operations to the next node of
	// their locator sequence.
	FailureModeRedistribute FailureMode = "redistribute"
)

func (m FailureMode) valid() bool {
	switch m {
	case FailureModeCancel, FailureModeRetry, FailureModeRedistribute:
		return true
	}
	return false
}

// ConnectionFactoryConfig configures a Connection. Zero values select the
// package defaults, except OperationTimeout which must be positive.
type ConnectionFactoryConfig struct {
	// Servers lists the memcached addresses, "host:port" or a unix
	// socket path.
	Servers []string

	OpQueueLength   int `split_words:"true"`
	ReadBufferSize  int `split_words:"true"`
	WriteBufferSize int `split_words:"true"`

	HashAlgorithm HashAlgorithm `envconfig:"HASH"`
	Locator       LocatorType
	NodeKeyFormat NodeKeyFormat `split_words:"true"`
	// NodeKeyFormatter overrides NodeKeyFormat when set.
	NodeKeyFormatter NodeKeyFormatter `ignored:"true"`

	FailureMode FailureMode `split_words:"true"`
	Protocol    Protocol

	// OperationTimeout bounds how long an operation may stay queued or in
	// flight. It must be positive; DefaultConfig sets it.
	OperationTimeout   time.Duration `split_words:"true"`
	ShouldOptimizeGets bool          `split_words:"true" default:"true"`
	// MaxValueSize is the largest value length a reply may declare.
	MaxValueSize int `split_words:"true"`

	DialTimeout        time.Duration `split_words:"true"`
	ReconnectBaseDelay time.Duration `split_words:"true"`
	MaxReconnectDelay  time.Duration `split_words:"true"`

	TimeoutExceptionThreshold int           `split_words:"true"`
	ProtocolErrorThreshold    int           `split_words:"true"`
	TimeoutCheckInterval      time.Duration `split_words:"true"`

	Logger *slog.Logger `ignored:"true"`
}

// DefaultConfig returns a config with every default spelled out.
func DefaultConfig(servers ...string) *ConnectionFactoryConfig {
	return &ConnectionFactoryConfig{
		Servers:                   servers,
		OpQueueLength:             DefaultOpQueueLength,
		ReadBufferSize:            DefaultReadBufferSize,
		WriteBufferSize:           DefaultWriteBufferSize,
		HashAlgorithm:             NativeHash,
		Locator:                   ArrayModLocatorType,
		NodeKeyFormat:             NodeKeyAddress,
		FailureMode:               FailureModeRedistribute,
		Protocol:                  TextProtocol,
		OperationTimeout:          DefaultOperationTimeout,
		ShouldOptimizeGets:        true,
		MaxValueSize:              DefaultMaxValueSize,
		DialTimeout:               DefaultTimeout,
		ReconnectBaseDelay:        DefaultReconnectBaseDelay,
		MaxReconnectDelay:         DefaultMaxReconnectDelay,
		TimeoutExceptionThreshold: DefaultTimeoutExceptionThreshold,
		ProtocolErrorThreshold:    DefaultProtocolErrorThreshold,
		TimeoutCheckInterval:      DefaultTimeoutCheckInterval,
	}
}

// ConfigFromEnv loads a config from variables named prefix_FIELD, for
// example MEMCACHED_SERVERS or MEMCACHED_FAILURE_MODE.
func ConfigFromEnv(prefix string) (*ConnectionFactoryConfig, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(prefix, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out of range values. Zero values are accepted and mean
// the default, except for OperationTimeout.
func (c *ConnectionFactoryConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}
	check(c.OpQueueLength >= 0, "op queue length %d is negative", c.OpQueueLength)
	check(c.ReadBufferSize >= 0, "read buffer size %d is negative", c.ReadBufferSize)
	check(c.WriteBufferSize >= 0, "write buffer size %d is negative", c.WriteBufferSize)
	check(c.OperationTimeout > 0, "operation timeout %s is not positive", c.OperationTimeout)
	check(c.MaxValueSize >= 0, "max value size %d is negative", c.MaxValueSize)
	check(c.DialTimeout >= 0, "dial timeout %s is negative", c.DialTimeout)
	check(c.ReconnectBaseDelay >= 0, "reconnect delay %s is negative", c.ReconnectBaseDelay)
	check(c.MaxReconnectDelay >= 0, "max reconnect delay %s is negative", c.MaxReconnectDelay)
	check(c.TimeoutCheckInterval >= 0, "timeout check interval %s is negative", c.TimeoutCheckInterval)
	check(c.TimeoutExceptionThreshold >= 0, "timeout threshold %d is negative", c.TimeoutExceptionThreshold)
	check(c.ProtocolErrorThreshold >= 0, "protocol error threshold %d is negative", c.ProtocolErrorThreshold)
	_, hashOK := hashNames[c.HashAlgorithm]
	check(hashOK, "unknown hash algorithm %d", int(c.HashAlgorithm))
	check(c.locator().valid(), "unknown locator %q", string(c.Locator))
	check(c.failureMode().valid(), "unknown failure mode %q", string(c.FailureMode))
	if _, err := c.operationFactory(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.NodeKeyFormat.Formatter(); err != nil {
		errs = append(errs, err)
	}
	for _, s := range c.Servers {
		check(strings.TrimSpace(s) != "", "empty server address")
	}
	return errors.Join(errs...)
}

func (c *ConnectionFactoryConfig) opQueueLength() int {
	if c.OpQueueLength > 0 {
		return c.OpQueueLength
	}
	return DefaultOpQueueLength
}

func (c *ConnectionFactoryConfig) readBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return DefaultReadBufferSize
}

func (c *ConnectionFactoryConfig) writeBufferSize() int {
	if c.WriteBufferSize > 0 {
		return c.WriteBufferSize
	}
	return DefaultWriteBufferSize
}

func (c *ConnectionFactoryConfig) hashAlgorithm() HashAlgorithm {
	return c.HashAlgorithm
}

func (c *ConnectionFactoryConfig) locator() LocatorType {
	if c.Locator != "" {
		return LocatorType(strings.ToLower(string(c.Locator)))
	}
	return ArrayModLocatorType
}

func (c *ConnectionFactoryConfig) nodeKeyFormatter() NodeKeyFormatter {
	if c.NodeKeyFormatter != nil {
		return c.NodeKeyFormatter
	}
	f, err := c.NodeKeyFormat.Formatter()
	if err != nil {
		f, _ = NodeKeyAddress.Formatter()
	}
	return f
}

func (c *ConnectionFactoryConfig) failureMode() FailureMode {
	if c.FailureMode != "" {
		return FailureMode(strings.ToLower(string(c.FailureMode)))
	}
	return FailureModeRedistribute
}

func (c *ConnectionFactoryConfig) operationTimeout() time.Duration {
	if c.OperationTimeout > 0 {
		return c.OperationTimeout
	}
	return DefaultOperationTimeout
}

func (c *ConnectionFactoryConfig) maxValueSize() int {
	if c.MaxValueSize > 0 {
		return c.MaxValueSize
	}
	return DefaultMaxValueSize
}

func (c *ConnectionFactoryConfig) operationFactory() (OperationFactory, error) {
	return newOperationFactory(c.Protocol, c.maxValueSize())
}

func (c *ConnectionFactoryConfig) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultTimeout
}

func (c *ConnectionFactoryConfig) reconnectBaseDelay() time.Duration {
	if c.ReconnectBaseDelay > 0 {
		return c.ReconnectBaseDelay
	}
	return DefaultReconnectBaseDelay
}

func (c *ConnectionFactoryConfig) maxReconnectDelay() time.Duration {
	if c.MaxReconnectDelay > 0 {
		return c.MaxReconnectDelay
	}
	return DefaultMaxReconnectDelay
}

func (c *ConnectionFactoryConfig) timeoutExceptionThreshold() int {
	if c.TimeoutExceptionThreshold > 0 {
		return c.TimeoutExceptionThreshold
	}
	return DefaultTimeoutExceptionThreshold
}

func (c *ConnectionFactoryConfig) protocolErrorThreshold() int {
	if c.ProtocolErrorThreshold > 0 {
		return c.ProtocolErrorThreshold
	}
	return DefaultProtocolErrorThreshold
}

func (c *ConnectionFactoryConfig) timeoutCheckInterval() time.Duration {
	if c.TimeoutCheckInterval > 0 {
		return c.TimeoutCheckInterval
	}
	return DefaultTimeoutCheckInterval
}

func (c *ConnectionFactoryConfig) logger() *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "memcache")
}

// reconnectDelay is min(max, base * 2^(attempt-1)).
func (c *ConnectionFactoryConfig) reconnectDelay(attempt int) time.Duration {
	base, ceil := c.reconnectBaseDelay(), c.maxReconnectDelay()
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil || d <= 0 {
			return ceil
		}
	}
	return min(d, ceil)
}
