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
	"github.com/prometheus/client_golang/prometheus"
)

// socketMetrics holds the optional prometheus instrumentation for a socket.
// All methods are safe on a nil receiver so the hot paths don't need to
// check whether metrics are enabled
type socketMetrics struct {
	tasksSubmitted prometheus.Counter
	tasksResolved  prometheus.Counter
	tasksRejected  prometheus.Counter
	tasksTimedOut  prometheus.Counter
	framesReceived prometheus.Counter
	keepAlives     prometheus.Counter
}

func newSocketMetrics(reg prometheus.Registerer, uri string) *socketMetrics {
	labels := prometheus.Labels{"uri": uri}
	m := &socketMetrics{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockbook",
			Subsystem:   "socket",
			Name:        "tasks_submitted_total",
			Help:        "Tasks submitted to the socket.",
			ConstLabels: labels,
		}),
		tasksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockbook",
			Subsystem:   "socket",
			Name:        "tasks_resolved_total",
			Help:        "Tasks resolved by a correlated response.",
			ConstLabels: labels,
		}),
		tasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockbook",
			Subsystem:   "socket",
			Name:        "tasks_rejected_total",
			Help:        "Tasks rejected by server error, validation failure, or connection close.",
			ConstLabels: labels,
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockbook",
			Subsystem:   "socket",
			Name:        "tasks_timed_out_total",
			Help:        "Tasks rejected by the timeout sweep.",
			ConstLabels: labels,
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockbook",
			Subsystem:   "socket",
			Name:        "frames_received_total",
			Help:        "Inbound frames received from the transport.",
			ConstLabels: labels,
		}),
		keepAlives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blockbook",
			Subsystem:   "socket",
			Name:        "keep_alives_total",
			Help:        "Keep-alive health checks started.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(
		m.tasksSubmitted,
		m.tasksResolved,
		m.tasksRejected,
		m.tasksTimedOut,
		m.framesReceived,
		m.keepAlives,
	)
	return m
}

func (m *socketMetrics) incTasksSubmitted() {
	if m != nil {
		m.tasksSubmitted.Inc()
	}
}

func (m *socketMetrics) incTasksResolved() {
	if m != nil {
		m.tasksResolved.Inc()
	}
}

func (m *socketMetrics) incTasksRejected() {
	if m != nil {
		m.tasksRejected.Inc()
	}
}

func (m *socketMetrics) incTasksTimedOut() {
	if m != nil {
		m.tasksTimedOut.Inc()
	}
}

func (m *socketMetrics) incFramesReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *socketMetrics) incKeepAlives() {
	if m != nil {
		m.keepAlives.Inc()
	}
}
