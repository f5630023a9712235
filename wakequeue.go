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

import "sync"

// WakeQueue is a per-key coalescing scheduler. Schedule guarantees at most
// one outstanding execution per key at a time; wake requests arriving while a
// run is in progress are merged into a single follow-up run. It outlives any
// single socket instance, so sockets sharing a key never run concurrent wake
// cycles
type WakeQueue struct {
	entriesMutex sync.Mutex
	entries      map[string]*wakeEntry
}

type wakeEntry struct {
	running bool
	next    func()
}

// defaultWakeQueue is the process-wide registry used when a socket is not
// given its own queue
var defaultWakeQueue = NewWakeQueue()

// NewWakeQueue returns an empty WakeQueue
func NewWakeQueue() *WakeQueue {
	return &WakeQueue{
		entries: make(map[string]*wakeEntry),
	}
}

// DefaultWakeQueue returns the process-wide WakeQueue
func DefaultWakeQueue() *WakeQueue {
	return defaultWakeQueue
}

// Schedule requests an execution of work for the given key. If no run is
// outstanding for the key, work starts immediately in its own goroutine.
// Otherwise work is recorded as the single follow-up run, replacing any
// previously recorded follow-up
func (q *WakeQueue) Schedule(key string, work func()) {
	q.entriesMutex.Lock()
	entry, ok := q.entries[key]
	if !ok {
		entry = &wakeEntry{}
		q.entries[key] = entry
	}
	if entry.running {
		entry.next = work
		q.entriesMutex.Unlock()
		return
	}
	entry.running = true
	q.entriesMutex.Unlock()
	go q.run(key, entry, work)
}

// Cancel drops any pending follow-up run for the given key. A run already in
// progress is not interrupted, but no further runs will start for the key
// until the next Schedule
func (q *WakeQueue) Cancel(key string) {
	q.entriesMutex.Lock()
	if entry, ok := q.entries[key]; ok {
		entry.next = nil
		if !entry.running {
			delete(q.entries, key)
		}
	}
	q.entriesMutex.Unlock()
}

func (q *WakeQueue) run(key string, entry *wakeEntry, work func()) {
	for {
		work()
		q.entriesMutex.Lock()
		if entry.next == nil {
			entry.running = false
			// Drop the entry once idle so the registry doesn't grow with
			// every key ever used
			if q.entries[key] == entry {
				delete(q.entries, key)
			}
			q.entriesMutex.Unlock()
			return
		}
		work = entry.next
		entry.next = nil
		q.entriesMutex.Unlock()
	}
}
