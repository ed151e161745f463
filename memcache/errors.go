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
	"net"
)

var (
	// ErrCacheMiss means that a Get failed because the item wasn't present.
	ErrCacheMiss = errors.New("memcache: cache miss")

	// ErrCASConflict means that a CompareAndSwap call failed due to the
	// cached value being modified between the Get and the CompareAndSwap.
	// If the cached value was simply evicted rather than replaced,
	// ErrNotStored will be returned instead.
	ErrCASConflict = errors.New("memcache: compare-and-swap conflict")

	// ErrNotStored means that a conditional write operation (i.e. Add or
	// CompareAndSwap) failed because the condition was not satisfied.
	ErrNotStored = errors.New("memcache: item not stored")

	// ErrServerError means that a server error occurred.
	ErrServerError = errors.New("memcache: server error")

	// ErrNoStats means that no statistics were available.
	ErrNoStats = errors.New("memcache: no statistics available")

	// ErrMalformedKey is returned when an invalid key is used.
	// Keys must be at maximum 250 bytes long and not
	// contain whitespace or control characters.
	ErrMalformedKey = errors.New("malformed: key is too long or contains invalid characters")

	// ErrNoServers is returned when no servers are configured or available.
	ErrNoServers = errors.New("memcache: no servers configured or available")

	// ErrInvalidPollingDuration is returned when discovery polling is invalid
	ErrInvalidPollingDuration = errors.New("memcache: discovery polling duration is invalid")

	// ErrClusterConfigMiss means that GetConfig failed as cluster config was not present
	ErrClusterConfigMiss = errors.New("memcache: cluster config miss")

	// ErrCorruptGetResult corrupt get result read
	ErrCorruptGetResult = errors.New("memcache: corrupt get result read")

	// ErrQueueFull is returned when a node's input queue is at capacity.
	// The operation was not enqueued; the caller may retry later.
	ErrQueueFull = errors.New("memcache: operation queue full")

	// ErrTimeout means the operation did not complete before its deadline.
	ErrTimeout = errors.New("memcache: operation timed out")

	// ErrCancelled means the operation was cancelled before it completed.
	ErrCancelled = errors.New("memcache: operation cancelled")

	// ErrNodeUnavailable is returned when an operation is submitted to a
	// node that is reconnecting while the failure mode is Cancel, or when
	// no node in a key's sequence is usable.
	ErrNodeUnavailable = errors.New("memcache: node unavailable")

	// ErrShutdown is returned for operations submitted to, or still
	// queued in, a connection that has been shut down.
	ErrShutdown = errors.New("memcache: connection shut down")

	// ErrInvalidConfig is returned when a configuration value is out of range.
	ErrInvalidConfig = errors.New("memcache: invalid configuration")
)

// ProtocolErrorKind classifies a ProtocolError.
type ProtocolErrorKind int

const (
	// GeneralError is a plain ERROR reply: the server did not understand
	// the command.
	GeneralError ProtocolErrorKind = iota
	// ClientError is a CLIENT_ERROR reply.
	ClientError
	// ServerError is a SERVER_ERROR reply.
	ServerError
	// FramingError means the response did not match the protocol grammar.
	// The stream can no longer be trusted and the node reconnects.
	FramingError
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case GeneralError:
		return "ERROR"
	case ClientError:
		return "CLIENT_ERROR"
	case ServerError:
		return "SERVER_ERROR"
	case FramingError:
		return "FRAMING_ERROR"
	}
	return "UNKNOWN"
}

// ProtocolError is a server reported error or a malformed response.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Msg  string
	// Err is an optional sentinel the error also matches.
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return "memcache: " + e.Kind.String()
	}
	return "memcache: " + e.Kind.String() + ": " + e.Msg
}

// Fatal reports whether the stream is desynchronised by this error.
func (e *ProtocolError) Fatal() bool {
	return e.Kind == FramingError
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is makes a SERVER_ERROR reply match ErrServerError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrServerError && e.Kind == ServerError
}

func framingError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: FramingError, Msg: fmt.Sprintf(format, args...)}
}

func isFatal(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Fatal()
}

// ConnectTimeoutError is the error type used when it takes
// too long to connect to the desired host. This level of
// detail can generally be ignored.
type ConnectTimeoutError struct {
	Addr net.Addr
}

func (cte *ConnectTimeoutError) Error() string {
	return "memcache: connect timeout to " + cte.Addr.String()
}

// resumableError returns true if err is only a protocol-level cache error.
// This is used to determine whether or not a server connection should
// be re-used or not. If an error occurs, by default we don't reuse the
// connection, unless it was just a cache error.
func resumableError(err error) bool {
	switch err {
	case ErrCacheMiss, ErrCASConflict, ErrNotStored, ErrMalformedKey, ErrClusterConfigMiss:
		return true
	}
	return false
}

func legalKey(key string) bool {
	if len(key) > 250 || len(key) == 0 {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}
