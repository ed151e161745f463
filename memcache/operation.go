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
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// OperationState is the lifecycle position of an Operation.
type OperationState int32

const (
	// StateWriting means the request has not been fully written yet.
	StateWriting OperationState = iota
	// StateReading means the request was written and the reply is awaited.
	StateReading
	// StateComplete is terminal: the callback has been notified.
	StateComplete
	// StateTimedOut is terminal: the deadline passed before completion.
	StateTimedOut
	// StateRetry marks an operation that is about to be written again.
	StateRetry
)

func (s OperationState) String() string {
	switch s {
	case StateWriting:
		return "WRITING"
	case StateReading:
		return "READING"
	case StateComplete:
		return "COMPLETE"
	case StateTimedOut:
		return "TIMEDOUT"
	case StateRetry:
		return "RETRY"
	}
	return fmt.Sprintf("OperationState(%d)", int32(s))
}

func (s OperationState) terminal() bool {
	return s == StateComplete || s == StateTimedOut
}

// OperationStatus is the final outcome reported to a Callback.
type OperationStatus struct {
	Success bool
	// Message is the raw status text, or the result for operations whose
	// result is a scalar (the new value of a mutation, the server version).
	Message string
	// CAS is the compare-and-swap identifier returned by the server, if any.
	CAS uint64
	// Err is set when Success is false.
	Err error
}

// Callback receives the terminal notification of an Operation. For each
// operation ReceivedStatus is called once, followed by Complete.
type Callback interface {
	ReceivedStatus(status OperationStatus)
	Complete()
}

// GetCallback additionally receives every value returned by a get.
type GetCallback interface {
	Callback
	GotData(key string, flags uint32, cas uint64, data []byte)
}

// StatsCallback additionally receives every statistic returned by a stats
// request.
type StatsCallback interface {
	Callback
	GotStat(name, value string)
}

// Operation is one request/response unit handled by a Connection.
//
// The set of operations is closed: the concrete types are GetOperation,
// StoreOperation, DeleteOperation, MutateOperation, StatsOperation,
// VersionOperation, FlushOperation and NoopOperation, all built by an
// OperationFactory.
type Operation interface {
	// State returns the current lifecycle state.
	State() OperationState
	// Cancel cancels the operation. It reports whether this call delivered
	// the terminal notification; cancelling twice, or after completion,
	// returns false and does nothing.
	Cancel() bool
	IsCancelled() bool
	IsTimedOut() bool
	// Err is the error the operation finished with, if any.
	Err() error
	// HandlingNode is the node the operation was last written to.
	HandlingNode() *Node
	Deadline() time.Time
	// Done is closed once the terminal notification has been delivered.
	Done() <-chan struct{}
	// Keys lists the keys addressed by the operation, empty for
	// broadcast style operations.
	Keys() []string

	base() *baseOp
}

// opCodec is the protocol specific half of an operation: it encodes the
// request and parses the response incrementally.
type opCodec interface {
	encode(b *bytebufferpool.ByteBuffer)
	// parse consumes a prefix of b. A non-nil status means the response
	// is complete. A non-nil error is a framing violation.
	parse(b []byte) (n int, status *OperationStatus, err error)
	reset()
}

// sendBuffer is an explicit cursor over the encoded request.
type sendBuffer struct {
	bb  *bytebufferpool.ByteBuffer
	off int
}

func (s *sendBuffer) remaining() []byte {
	if s.bb == nil {
		return nil
	}
	return s.bb.B[s.off:]
}

func (s *sendBuffer) advance(n int) { s.off += n }

func (s *sendBuffer) resetTo(off int) { s.off = off }

func (s *sendBuffer) started() bool { return s.off > 0 }

func (s *sendBuffer) exhausted() bool { return s.bb == nil || s.off >= len(s.bb.B) }

func (s *sendBuffer) release() {
	if s.bb != nil {
		bytebufferpool.Put(s.bb)
	}
	s.bb = nil
	s.off = 0
}

var opaqueSeq atomic.Uint32

// baseOp carries the state shared by every operation variant. Fields
// without atomics are only touched by the I/O goroutine once the operation
// has been submitted.
type baseOp struct {
	self  Operation
	codec opCodec
	cb    Callback

	state     atomic.Int32
	notified  atomic.Bool
	cancelled atomic.Bool
	timedOut  atomic.Bool
	err       atomic.Pointer[error]
	node      atomic.Pointer[Node]
	done      chan struct{}

	opaque   uint32
	deadline time.Time
	buf      sendBuffer
	parsed   bool
	// replyErr is the error reported by the server in the last reply.
	replyErr error
	// written is set once every request byte was handed to the write
	// buffer; from then on the reply must be consumed.
	written atomic.Bool
}

func (o *baseOp) init(self Operation, codec opCodec, cb Callback) {
	o.self = self
	o.codec = codec
	o.cb = cb
	o.done = make(chan struct{})
	o.opaque = opaqueSeq.Add(1)
	o.initialize()
}

func (o *baseOp) base() *baseOp { return o }

// initialize (re)encodes the request and puts the operation back into
// the WRITING state.
func (o *baseOp) initialize() {
	o.buf.release()
	bb := bytebufferpool.Get()
	o.codec.encode(bb)
	o.buf = sendBuffer{bb: bb}
	o.codec.reset()
	o.parsed = false
	o.replyErr = nil
	o.written.Store(false)
	if !o.State().terminal() {
		o.state.Store(int32(StateWriting))
	}
}

// prepareRetry moves a non-terminal operation through RETRY to a fresh
// WRITING state.
func (o *baseOp) prepareRetry() bool {
	for {
		cur := OperationState(o.state.Load())
		if cur.terminal() {
			return false
		}
		if o.state.CompareAndSwap(int32(cur), int32(StateRetry)) {
			o.initialize()
			return true
		}
	}
}

func (o *baseOp) State() OperationState { return OperationState(o.state.Load()) }

func (o *baseOp) IsCancelled() bool { return o.cancelled.Load() }

func (o *baseOp) IsTimedOut() bool { return o.timedOut.Load() }

func (o *baseOp) Err() error {
	if p := o.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (o *baseOp) HandlingNode() *Node { return o.node.Load() }

func (o *baseOp) Deadline() time.Time { return o.deadline }

func (o *baseOp) Done() <-chan struct{} { return o.done }

func (o *baseOp) isNotified() bool { return o.notified.Load() }

// notify delivers the single terminal notification.
func (o *baseOp) notify(status OperationStatus) bool {
	if !o.notified.CompareAndSwap(false, true) {
		return false
	}
	if status.Err != nil {
		err := status.Err
		o.err.Store(&err)
	}
	if o.cb != nil {
		o.cb.ReceivedStatus(status)
		o.cb.Complete()
	}
	close(o.done)
	return true
}

// transition moves the state to next unless it is already terminal.
func (o *baseOp) transition(next OperationState) bool {
	for {
		cur := o.state.Load()
		if OperationState(cur).terminal() {
			return false
		}
		if o.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (o *baseOp) Cancel() bool {
	if !o.transition(StateComplete) {
		return false
	}
	o.cancelled.Store(true)
	if n := o.node.Load(); n != nil {
		n.m.inc(mCancelled)
	}
	return o.notify(OperationStatus{Message: "cancelled", Err: ErrCancelled})
}

// fail finishes the operation with err.
func (o *baseOp) fail(err error) bool {
	if !o.transition(StateComplete) {
		return false
	}
	return o.notify(OperationStatus{Message: err.Error(), Err: err})
}

// timeOut finishes the operation with ErrTimeout if it is still pending.
// A timeout on an operation that was already written counts against the
// node it was written to.
func (o *baseOp) timeOut() bool {
	if !o.transition(StateTimedOut) {
		return false
	}
	o.timedOut.Store(true)
	if n := o.node.Load(); n != nil {
		n.m.inc(mTimedOut)
		if o.written.Load() {
			n.continuousTimeouts.Add(1)
		}
	}
	return o.notify(OperationStatus{Message: "timed out", Err: ErrTimeout})
}

func (o *baseOp) expired(now time.Time) bool {
	return !o.deadline.IsZero() && now.After(o.deadline)
}

// complete finishes a fully parsed operation.
func (o *baseOp) complete(status OperationStatus) bool {
	if !o.transition(StateComplete) {
		return false
	}
	if status.Success {
		if n := o.node.Load(); n != nil {
			n.continuousTimeouts.Store(0)
		}
	}
	return o.notify(status)
}

// writing records the node the operation is queued on or being written to.
func (o *baseOp) writing(n *Node) {
	o.node.Store(n)
}

// writeComplete moves the operation to READING once its request bytes
// are in the node's write buffer.
func (o *baseOp) writeComplete() {
	o.written.Store(true)
	st := o.State()
	if st == StateWriting || st == StateRetry {
		o.state.CompareAndSwap(int32(st), int32(StateReading))
	}
}

// readFromBuffer feeds response bytes to the parser.
func (o *baseOp) readFromBuffer(b []byte) (int, error) {
	n, status, err := o.codec.parse(b)
	if err != nil {
		o.parsed = true
		o.fail(err)
		return n, err
	}
	if status != nil {
		o.parsed = true
		o.replyErr = status.Err
		o.complete(*status)
	}
	return n, nil
}

func (o *baseOp) String() string {
	return fmt.Sprintf("%T{opaque=%d state=%s}", o.self, o.opaque, o.State())
}

// statusFromError converts a parsed error reply into a status.
func statusFromError(err error) *OperationStatus {
	var pe *ProtocolError
	msg := err.Error()
	if errors.As(err, &pe) {
		msg = pe.Msg
	}
	return &OperationStatus{Message: msg, Err: err}
}
