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
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is used to reject pending work when the connection
	// closes without a more specific recorded error
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectCancelled is recorded when a disconnect is requested while a
	// connect is still in flight
	ErrConnectCancelled = errors.New("connect cancelled")

	// ErrTaskTimeout is used to reject a task whose response deadline elapsed
	ErrTaskTimeout = errors.New("task timed out")

	// ErrBadResponseId indicates a response whose id matches neither a pending
	// task nor a live subscription
	ErrBadResponseId = errors.New("bad response id")

	// ErrUpdateBeforeAck indicates a subscription update pushed before the
	// server acknowledged the subscription
	ErrUpdateBeforeAck = errors.New("subscription update before acknowledgment")
)

// ServerError is an error reported by the server in a response frame
type ServerError struct {
	Message string
	Raw     string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error: %s", e.Message)
	}
	return fmt.Sprintf("server error: %s", e.Raw)
}
