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

package blockbook

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/goblockbook/deferred"
)

// ValidatorFunc converts a raw response payload into the expected typed
// result, or returns an error to signal a validation failure
type ValidatorFunc func(data json.RawMessage) (any, error)

// UpdateFunc receives subscription updates after the validator has run
type UpdateFunc func(update any) error

// Task is a single request awaiting exactly one correlated response. Its
// Deferred resolves with the validator output (or the raw payload when no
// validator is set) and rejects on server error, timeout, or connection close
type Task struct {
	Method    string
	Params    any
	Validator ValidatorFunc
	Deferred  *deferred.Deferred[any]
}

// NewTask returns a Task for the given method. A nil validator resolves the
// task with the raw response payload
func NewTask(method string, params any, validator ValidatorFunc) *Task {
	return &Task{
		Method:    method,
		Params:    params,
		Validator: validator,
		Deferred:  deferred.New[any](),
	}
}

// Subscription is a standing request. The method name doubles as its
// correlation id, so only one live subscription per method is possible. The
// Deferred settles on the first server acknowledgment; OnUpdate is invoked
// for each subsequent update
type Subscription struct {
	Method     string
	Params     any
	Validator  ValidatorFunc
	OnUpdate   UpdateFunc
	Deferred   *deferred.Deferred[json.RawMessage]
	subscribed atomic.Bool
}

// NewSubscription returns a Subscription for the given method
func NewSubscription(
	method string,
	params any,
	validator ValidatorFunc,
	onUpdate UpdateFunc,
) *Subscription {
	return &Subscription{
		Method:    method,
		Params:    params,
		Validator: validator,
		OnUpdate:  onUpdate,
		Deferred:  deferred.New[json.RawMessage](),
	}
}

// Acknowledged returns whether the server has acknowledged the subscription
func (s *Subscription) Acknowledged() bool {
	return s.subscribed.Load()
}

// pendingTask is a Task stored in the pending set along with the time of its
// most recent (re)transmission attempt
type pendingTask struct {
	task      *Task
	startTime time.Time
}

// PullResult is the result of a backpressure pull. Exactly three variants
// exist: PullTask supplies a task to submit, PullSkip means "no task right
// now, keep trying", and PullStop ends the pull cycle. A nil result is
// equivalent to PullStop
type PullResult interface {
	isPullResult()
}

// PullTask supplies a task to submit to the socket
type PullTask struct {
	Task *Task
}

// PullSkip continues the pull cycle without submitting a task
type PullSkip struct{}

// PullStop ends the pull cycle
type PullStop struct{}

func (PullTask) isPullResult() {}
func (PullSkip) isPullResult() {}
func (PullStop) isPullResult() {}

// OnQueueSpaceFunc is the backpressure source: it is invoked while the
// pending set has room and returns the next piece of work, if any
type OnQueueSpaceFunc func(uri string) PullResult
