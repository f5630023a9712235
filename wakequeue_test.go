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

package blockbook_test

import (
	"sync/atomic"
	"testing"
	"time"

	blockbook "github.com/blinklabs-io/goblockbook"
	"go.uber.org/goleak"
)

func TestWakeQueueRunsWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := blockbook.NewWakeQueue()
	done := make(chan struct{})
	q.Schedule("key", func() {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for scheduled work")
	}
}

func TestWakeQueueCoalesces(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := blockbook.NewWakeQueue()
	release := make(chan struct{})
	var followUps atomic.Int32
	q.Schedule("key", func() {
		<-release
	})
	// All of these arrive while the first run is blocked; they must merge
	// into a single follow-up run
	for i := 0; i < 10; i++ {
		q.Schedule("key", func() {
			followUps.Add(1)
		})
	}
	close(release)
	waitFor(
		t,
		2*time.Second,
		func() bool { return followUps.Load() >= 1 },
		"follow-up run",
	)
	time.Sleep(100 * time.Millisecond)
	if followUps.Load() != 1 {
		t.Fatalf(
			"did not get expected follow-up count: got %d, expected 1",
			followUps.Load(),
		)
	}
}

func TestWakeQueueSerializesPerKey(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := blockbook.NewWakeQueue()
	var running atomic.Int32
	var overlaps atomic.Int32
	done := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		q.Schedule("key", func() {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			done <- struct{}{}
		})
	}
	// Coalescing means not all 20 run; wait for activity to settle instead
	time.Sleep(250 * time.Millisecond)
	if overlaps.Load() != 0 {
		t.Fatalf("detected %d overlapping runs for one key", overlaps.Load())
	}
}

func TestWakeQueueIndependentKeys(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := blockbook.NewWakeQueue()
	blockA := make(chan struct{})
	ranB := make(chan struct{})
	q.Schedule("a", func() {
		<-blockA
	})
	q.Schedule("b", func() {
		close(ranB)
	})
	// Work for key b is not held up by the blocked run for key a
	select {
	case <-ranB:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for independent key")
	}
	close(blockA)
	time.Sleep(25 * time.Millisecond)
}

func TestWakeQueueCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := blockbook.NewWakeQueue()
	release := make(chan struct{})
	firstDone := make(chan struct{})
	q.Schedule("key", func() {
		<-release
		close(firstDone)
	})
	cancelled := make(chan struct{})
	q.Schedule("key", func() {
		close(cancelled)
	})
	q.Cancel("key")
	close(release)
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for running work")
	}
	select {
	case <-cancelled:
		t.Fatalf("cancelled follow-up still ran")
	case <-time.After(100 * time.Millisecond):
	}
}
