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

// EventType identifies a connection lifecycle event
type EventType string

const (
	// EventConnectionOpen is emitted once the transport reports opened
	EventConnectionOpen EventType = "CONNECTION_OPEN"
	// EventConnectionClose is emitted after the transport has closed and
	// pending work has been rejected. Err carries the close cause
	EventConnectionClose EventType = "CONNECTION_CLOSE"
	// EventConnectionTimer is emitted after a successful keep-alive check
	EventConnectionTimer EventType = "CONNECTION_TIMER"
)

// Event is a connection lifecycle notification
type Event struct {
	Type EventType
	URI  string
	Err  error
}

// EventFunc receives lifecycle events. An error returned from the open or
// timer events is routed to the socket's generic error handler; an error
// returned from the close event is only logged
type EventFunc func(Event) error

// HealthCheckFunc is the application-level health probe invoked on the
// keep-alive interval. It is expected to submit its own task on the socket
type HealthCheckFunc func() error
