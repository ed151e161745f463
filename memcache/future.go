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
	"time"
)

// OperationFuture is the pending result of an asynchronous operation.
type OperationFuture[T any] struct {
	op     Operation
	result func() (T, error)
	err    error
}

func newFuture[T any](op Operation, result func() (T, error)) *OperationFuture[T] {
	return &OperationFuture[T]{op: op, result: result}
}

// failedFuture resolves immediately to err, whatever op does.
func failedFuture[T any](op Operation, err error) *OperationFuture[T] {
	return &OperationFuture[T]{op: op, err: err}
}

// Operation returns the underlying operation.
func (f *OperationFuture[T]) Operation() Operation { return f.op }

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed once the result is available.
func (f *OperationFuture[T]) Done() <-chan struct{} {
	if f.err != nil {
		return closedChan
	}
	return f.op.Done()
}

// Cancel cancels the operation if it has not completed yet.
func (f *OperationFuture[T]) Cancel() bool {
	if f.err != nil {
		return false
	}
	return f.op.Cancel()
}

// Get waits for the result. It gives up when ctx ends, cancelling the
// operation, or when the operation deadline passes, timing it out.
func (f *OperationFuture[T]) Get(ctx context.Context) (T, error) {
	if f.err != nil {
		var zero T
		return zero, f.err
	}
	b := f.op.base()
	select {
	case <-b.done:
		return f.result()
	default:
	}

	var expire <-chan time.Time
	if dl := b.Deadline(); !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		if f.op.Cancel() {
			var zero T
			return zero, ctx.Err()
		}
		<-b.done
	case <-expire:
		b.timeOut()
		<-b.done
	}
	return f.result()
}
