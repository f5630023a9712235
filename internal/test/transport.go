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

// Package test provides in-memory helpers for testing socket behavior
// without a network
package test

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/blinklabs-io/goblockbook/transport"
)

// MockTransport is an in-memory transport that records outbound frames and
// lets the test play the role of the server. Callbacks are delivered
// synchronously on the caller's goroutine, which keeps test ordering
// deterministic
type MockTransport struct {
	mutex       sync.Mutex
	callbacks   transport.Callbacks
	dialedURI   string
	sentFrames  []string
	ready       bool
	closed      bool
	openOnStart bool
	sendErr     error
}

// NewMockTransport returns a MockTransport that reports opened as soon as
// Start is called
func NewMockTransport() *MockTransport {
	return &MockTransport{
		openOnStart: true,
	}
}

// NewManualMockTransport returns a MockTransport that stays in the
// connecting state after Start until the test calls Open. This is used to
// exercise disconnect-while-connecting behavior
func NewManualMockTransport() *MockTransport {
	return &MockTransport{}
}

// Dial is a transport.DialFunc bound to this mock instance
func (m *MockTransport) Dial(
	uri string,
	callbacks transport.Callbacks,
	opts ...transport.DialOption,
) (transport.Transport, error) {
	m.mutex.Lock()
	m.dialedURI = uri
	m.callbacks = callbacks
	m.mutex.Unlock()
	return m, nil
}

func (m *MockTransport) Start() {
	m.mutex.Lock()
	open := m.openOnStart
	m.mutex.Unlock()
	if open {
		m.Open()
	}
}

// Open marks the transport ready and fires the opened callback
func (m *MockTransport) Open() {
	m.mutex.Lock()
	if m.ready || m.closed {
		m.mutex.Unlock()
		return
	}
	m.ready = true
	callbacks := m.callbacks
	m.mutex.Unlock()
	if callbacks.OnOpened != nil {
		callbacks.OnOpened()
	}
}

func (m *MockTransport) Send(text string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	if !m.ready || m.closed {
		return fmt.Errorf("transport not ready")
	}
	m.sentFrames = append(m.sentFrames, text)
	return nil
}

func (m *MockTransport) Disconnect() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	m.ready = false
	callbacks := m.callbacks
	m.mutex.Unlock()
	if callbacks.OnClosed != nil {
		callbacks.OnClosed()
	}
	return nil
}

func (m *MockTransport) IsReady() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ready && !m.closed
}

// DialedURI returns the URI passed to Dial
func (m *MockTransport) DialedURI() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.dialedURI
}

// SentFrames returns a copy of all frames sent so far
func (m *MockTransport) SentFrames() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	frames := make([]string, len(m.sentFrames))
	copy(frames, m.sentFrames)
	return frames
}

// SentFrameCount returns the number of frames sent so far
func (m *MockTransport) SentFrameCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sentFrames)
}

// SetSendError makes subsequent Send calls fail with the given error
func (m *MockTransport) SetSendError(err error) {
	m.mutex.Lock()
	m.sendErr = err
	m.mutex.Unlock()
}

// ServerMessage delivers a raw inbound frame as if sent by the server
func (m *MockTransport) ServerMessage(text string) {
	m.mutex.Lock()
	callbacks := m.callbacks
	m.mutex.Unlock()
	if callbacks.OnMessage != nil {
		callbacks.OnMessage(text)
	}
}

// ServerRespond delivers a response frame with the given id and data payload
func (m *MockTransport) ServerRespond(id string, data any) {
	frame, err := json.Marshal(map[string]any{
		"id":   id,
		"data": data,
	})
	if err != nil {
		panic(err)
	}
	m.ServerMessage(string(frame))
}

// ServerRespondError delivers an error response frame with the given id
func (m *MockTransport) ServerRespondError(id string, message string) {
	frame, err := json.Marshal(map[string]any{
		"id":    id,
		"error": map[string]any{"message": message},
	})
	if err != nil {
		panic(err)
	}
	m.ServerMessage(string(frame))
}

// ServerError delivers a transport-level error as if raised by the
// connection
func (m *MockTransport) ServerError(err error) {
	m.mutex.Lock()
	callbacks := m.callbacks
	m.mutex.Unlock()
	if callbacks.OnError != nil {
		callbacks.OnError(err)
	}
}

// SentRequest decodes the nth sent frame as a request
func (m *MockTransport) SentRequest(n int) (id string, method string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if n >= len(m.sentFrames) {
		return "", "", fmt.Errorf(
			"no frame %d (have %d)",
			n,
			len(m.sentFrames),
		)
	}
	var req struct {
		Id     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(m.sentFrames[n]), &req); err != nil {
		return "", "", err
	}
	return req.Id, req.Method, nil
}
