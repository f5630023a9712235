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
	"bufio"
	"crypto/tls"
	"net"
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

// Allow for large frames, e.g. raw transactions for big blocks
const tcpMaxLineSize = 16 * 1024 * 1024

// TCPTransport is the fallback transport provider, speaking newline-delimited
// text frames over a TCP (optionally TLS) connection. This is the framing
// used by Electrum-style index servers that don't expose a websocket endpoint
type TCPTransport struct {
	conn       net.Conn
	callbacks  Callbacks
	sendMutex  sync.Mutex
	stateMutex sync.Mutex
	ready      bool
	startChan  chan struct{}
	doneChan   chan struct{}
	onceStart  sync.Once
	onceClose  sync.Once
}

// DialTCP connects a line-framed transport to the given URI. TLS is used for
// the wss, https, ssl, and tls schemes, or whenever a TLS config is provided
func DialTCP(
	uri string,
	callbacks Callbacks,
	opts ...DialOption,
) (*TCPTransport, error) {
	cfg := newDialConfig(opts)
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "parse uri %s", uri)
	}
	useTls := cfg.tlsConfig != nil
	switch u.Scheme {
	case "tcp", "ws", "http":
		// Plaintext unless a TLS config was provided
	case "tls", "ssl", "wss", "https":
		useTls = true
	default:
		return nil, errors.Errorf(
			"unsupported scheme %q for tcp transport",
			u.Scheme,
		)
	}
	if u.Port() == "" {
		return nil, errors.Errorf("no port in uri %s", uri)
	}
	address := net.JoinHostPort(u.Hostname(), u.Port())
	var conn net.Conn
	if useTls {
		tlsConfig := cfg.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
		dialer := &net.Dialer{Timeout: cfg.timeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", address, cfg.timeout)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "tcp dial %s", address)
	}
	t := &TCPTransport{
		conn:      conn,
		callbacks: callbacks,
		startChan: make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *TCPTransport) Start() {
	t.onceStart.Do(func() {
		close(t.startChan)
	})
}

func (t *TCPTransport) Send(text string) error {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()
	if !t.IsReady() {
		return errors.New("tcp transport is not ready")
	}
	_, err := t.conn.Write(append([]byte(text), '\n'))
	return err
}

func (t *TCPTransport) Disconnect() error {
	t.shutdown(nil)
	return nil
}

func (t *TCPTransport) IsReady() bool {
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()
	return t.ready
}

func (t *TCPTransport) setReady(ready bool) {
	t.stateMutex.Lock()
	t.ready = ready
	t.stateMutex.Unlock()
}

func (t *TCPTransport) shutdown(err error) {
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

func (t *TCPTransport) readLoop() {
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
	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), tcpMaxLineSize)
	for scanner.Scan() {
		if t.callbacks.OnMessage != nil {
			t.callbacks.OnMessage(scanner.Text())
		}
	}
	select {
	case <-t.doneChan:
		return
	default:
	}
	t.shutdown(scanner.Err())
}
