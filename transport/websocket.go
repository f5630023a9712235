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

package transport

import (
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebsocketTransport is the primary transport provider, speaking text frames
// over a websocket connection
type WebsocketTransport struct {
	conn       *websocket.Conn
	callbacks  Callbacks
	sendMutex  sync.Mutex
	stateMutex sync.Mutex
	ready      bool
	startChan  chan struct{}
	doneChan   chan struct{}
	onceStart  sync.Once
	onceClose  sync.Once
}

// DialWebsocket connects a websocket transport to the given URI. URIs with a
// http(s) scheme are rewritten to the corresponding websocket scheme
func DialWebsocket(
	uri string,
	callbacks Callbacks,
	opts ...DialOption,
) (*WebsocketTransport, error) {
	cfg := newDialConfig(opts)
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "parse uri %s", uri)
	}
	switch u.Scheme {
	case "ws", "wss":
		// Already a websocket scheme
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf(
			"unsupported scheme %q for websocket transport",
			u.Scheme,
		)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.timeout,
		TLSClientConfig:  cfg.tlsConfig,
	}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(
				err,
				"websocket dial %s (status: %s)",
				u.String(),
				resp.Status,
			)
		}
		return nil, errors.Wrapf(err, "websocket dial %s", u.String())
	}
	t := &WebsocketTransport{
		conn:      conn,
		callbacks: callbacks,
		startChan: make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebsocketTransport) Start() {
	t.onceStart.Do(func() {
		close(t.startChan)
	})
}

func (t *WebsocketTransport) Send(text string) error {
	// We use a mutex to make sure only one frame is written at a time
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()
	if !t.IsReady() {
		return errors.New("websocket transport is not ready")
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (t *WebsocketTransport) Disconnect() error {
	t.shutdown(nil)
	return nil
}

func (t *WebsocketTransport) IsReady() bool {
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()
	return t.ready
}

func (t *WebsocketTransport) setReady(ready bool) {
	t.stateMutex.Lock()
	t.ready = ready
	t.stateMutex.Unlock()
}

// shutdown closes the underlying connection and delivers the error and close
// callbacks exactly once, regardless of which side initiated the close
func (t *WebsocketTransport) shutdown(err error) {
	t.onceClose.Do(func() {
		t.setReady(false)
		close(t.doneChan)
		_ = t.conn.Close()
		if err != nil && t.callbacks.OnError != nil {
			t.callbacks.OnError(err)
		}
		if t.callbacks.OnClosed != nil {
			t.callbacks.OnClosed()
		}
	})
}

func (t *WebsocketTransport) readLoop() {
	// Wait until the transport is started to deliver any callbacks
	select {
	case <-t.doneChan:
		return
	case <-t.startChan:
	}
	t.setReady(true)
	if t.callbacks.OnOpened != nil {
		t.callbacks.OnOpened()
	}
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.doneChan:
				// Disconnect() already ran the close path
				return
			default:
			}
			if websocket.IsCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				t.shutdown(nil)
			} else {
				t.shutdown(err)
			}
			return
		}
		if t.callbacks.OnMessage != nil {
			t.callbacks.OnMessage(string(data))
		}
	}
}
