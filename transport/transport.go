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

// Package transport provides the duplex text-frame channel used by the socket
// layer. Concrete providers (websocket, line-framed TCP) implement the same
// small capability interface, which also allows deterministic in-memory
// doubles for testing.
package transport

import (
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
)

const defaultDialTimeout = 10 * time.Second

// Callbacks are the hooks a transport invokes to report events. All callbacks
// are delivered from a single goroutine per transport, starting with OnOpened
// after Start is called. OnClosed is always the final callback
type Callbacks struct {
	OnOpened  func()
	OnMessage func(text string)
	OnError   func(err error)
	OnClosed  func()
}

// Transport is a connected duplex text channel. Callback delivery does not
// begin until Start is called, which allows the consumer to record the
// transport handle before any events arrive
type Transport interface {
	// Start begins callback delivery. OnOpened fires first
	Start()
	// Send writes a single text frame
	Send(text string) error
	// Disconnect closes the channel. OnClosed fires if it hasn't already
	Disconnect() error
	// IsReady returns whether the transport can currently accept frames
	IsReady() bool
}

// DialFunc matches the signature of Dial and allows consumers to substitute
// their own transport factory
type DialFunc func(uri string, callbacks Callbacks, opts ...DialOption) (Transport, error)

type dialConfig struct {
	timeout   time.Duration
	tlsConfig *tls.Config
}

// DialOption modifies dial behavior for all providers
type DialOption func(*dialConfig)

// WithDialTimeout sets the per-provider connection timeout
func WithDialTimeout(timeout time.Duration) DialOption {
	return func(c *dialConfig) {
		c.timeout = timeout
	}
}

// WithTLSConfig sets the TLS configuration used by providers that support it
func WithTLSConfig(tlsConfig *tls.Config) DialOption {
	return func(c *dialConfig) {
		c.tlsConfig = tlsConfig
	}
}

func newDialConfig(opts []DialOption) dialConfig {
	c := dialConfig{
		timeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Dial probes the available providers for the given URI: websocket first,
// falling back to the line-framed TCP provider when the websocket dial fails.
// The returned transport is connected but silent until Start is called
func Dial(uri string, callbacks Callbacks, opts ...DialOption) (Transport, error) {
	ws, wsErr := DialWebsocket(uri, callbacks, opts...)
	if wsErr == nil {
		return ws, nil
	}
	tcp, tcpErr := DialTCP(uri, callbacks, opts...)
	if tcpErr == nil {
		return tcp, nil
	}
	return nil, errors.Wrapf(
		wsErr,
		"no usable transport for %s (tcp fallback: %s)",
		uri,
		tcpErr,
	)
}
