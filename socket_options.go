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
	"crypto/tls"
	"time"

	"github.com/blinklabs-io/goblockbook/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SocketOptionFunc is a type that represents functions that modify the Socket config
type SocketOptionFunc func(*Socket)

// WithWalletId specifies the wallet id used in the wake-queue coalescing key.
// A random id is generated when not specified
func WithWalletId(walletId string) SocketOptionFunc {
	return func(s *Socket) {
		s.walletId = walletId
	}
}

// WithQueueSize specifies the maximum size of the pending set. Backpressure
// pulls stop while the pending set is at or above this size
func WithQueueSize(queueSize int) SocketOptionFunc {
	return func(s *Socket) {
		if queueSize > 0 {
			s.queueSize = queueSize
		}
	}
}

// WithTimeout specifies the per-task response timeout
func WithTimeout(timeout time.Duration) SocketOptionFunc {
	return func(s *Socket) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithKeepAliveInterval specifies the interval between keep-alive health
// checks on an open connection
func WithKeepAliveInterval(interval time.Duration) SocketOptionFunc {
	return func(s *Socket) {
		if interval > 0 {
			s.keepAliveInterval = interval
		}
	}
}

// WithWakeUpInterval specifies the interval between periodic backpressure
// wake-ups on an open connection
func WithWakeUpInterval(interval time.Duration) SocketOptionFunc {
	return func(s *Socket) {
		if interval > 0 {
			s.wakeUpInterval = interval
		}
	}
}

// WithLogger specifies the logger
func WithLogger(logger *zap.Logger) SocketOptionFunc {
	return func(s *Socket) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventFunc specifies the sink for connection lifecycle events. An error
// returned from the sink is treated as a connection error
func WithEventFunc(eventFunc EventFunc) SocketOptionFunc {
	return func(s *Socket) {
		s.eventFunc = eventFunc
	}
}

// WithHealthCheckFunc specifies the keep-alive health check. The default
// check submits a ping task
func WithHealthCheckFunc(healthCheckFunc HealthCheckFunc) SocketOptionFunc {
	return func(s *Socket) {
		s.healthCheckFunc = healthCheckFunc
	}
}

// WithOnQueueSpace specifies the backpressure pull callback invoked while
// the pending set has room
func WithOnQueueSpace(onQueueSpace OnQueueSpaceFunc) SocketOptionFunc {
	return func(s *Socket) {
		s.onQueueSpaceFunc = onQueueSpace
	}
}

// WithWakeQueue specifies the wake queue used to coalesce backpressure
// cycles. The process-wide default queue is used when not specified
func WithWakeQueue(wakeQueue *WakeQueue) SocketOptionFunc {
	return func(s *Socket) {
		s.wakeQueue = wakeQueue
	}
}

// WithDialFunc specifies the function used to create the underlying
// transport. This is mostly useful for testing
func WithDialFunc(dialFunc transport.DialFunc) SocketOptionFunc {
	return func(s *Socket) {
		s.dialFunc = dialFunc
	}
}

// WithTLSConfig specifies the TLS config passed to the transport dialer
func WithTLSConfig(tlsConfig *tls.Config) SocketOptionFunc {
	return func(s *Socket) {
		s.dialOpts = append(s.dialOpts, transport.WithTLSConfig(tlsConfig))
	}
}

// WithDialTimeout specifies the transport dial timeout
func WithDialTimeout(timeout time.Duration) SocketOptionFunc {
	return func(s *Socket) {
		s.dialOpts = append(s.dialOpts, transport.WithDialTimeout(timeout))
	}
}

// WithMetrics enables prometheus instrumentation, registering the socket's
// collectors with the given registerer
func WithMetrics(reg prometheus.Registerer) SocketOptionFunc {
	return func(s *Socket) {
		s.metrics = newSocketMetrics(reg, s.uri)
	}
}

func generateWalletId() string {
	return uuid.NewString()
}
