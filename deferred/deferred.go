// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package deferred provides a single-settlement result primitive. A Deferred
// is created in a pending state and is resolved or rejected exactly once from
// elsewhere; any number of callers can wait on the outcome.
package deferred

import (
	"context"
	"sync"
)

// Deferred represents a result that will be settled exactly once. The zero
// value is not usable; use New
type Deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns a new pending Deferred
func New[T any]() *Deferred[T] {
	return &Deferred[T]{
		done: make(chan struct{}),
	}
}

// Resolve settles the Deferred with the provided value. Calls after the first
// settlement are ignored
func (d *Deferred[T]) Resolve(value T) {
	d.once.Do(func() {
		d.value = value
		close(d.done)
	})
}

// Reject settles the Deferred with the provided error. Calls after the first
// settlement are ignored
func (d *Deferred[T]) Reject(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Wait blocks until the Deferred is settled or the provided context is
// canceled. On cancellation the Deferred itself remains pending
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel that is closed once the Deferred is settled
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Settled returns whether the Deferred has been resolved or rejected
func (d *Deferred[T]) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value and error. It must only be called after
// the channel returned by Done is closed
func (d *Deferred[T]) Result() (T, error) {
	return d.value, d.err
}
