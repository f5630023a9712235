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

// Package blockbook implements a resilient client for the websocket RPC
// interface of Blockbook-style blockchain index servers.
//
// A Socket multiplexes many concurrent request/response and subscription
// exchanges over a single persistent connection. It owns the connection
// lifecycle, correlates responses to pending tasks by id, sweeps expired
// tasks on a timer, drives application-level keep-alive checks, and pulls
// new work from a backpressure source only when the pending queue has room.
//
// Policy decisions (which server to connect to, whether to reconnect) belong
// to the caller; on failure the socket rejects in-flight work and reports a
// close event, nothing more.
package blockbook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/goblockbook/deferred"
	"github.com/blinklabs-io/goblockbook/transport"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the default maximum size of the pending set
	DefaultQueueSize = 50
	// DefaultTimeout is the default per-task response timeout
	DefaultTimeout = 30 * time.Second
	// DefaultKeepAliveInterval is the default interval between keep-alive
	// health checks
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultWakeUpInterval is the default interval between periodic
	// backpressure wake-ups
	DefaultWakeUpInterval = 5 * time.Second

	// timerSlack tolerates timer jitter: timer duties are evaluated against
	// now minus this constant
	timerSlack = 500 * time.Millisecond

	// uriPathSuffix is enforced on every connection URI
	uriPathSuffix = "/websocket"
)

// State is the connection state of a Socket
type State int

const (
	// StateIdle means no transport has been created yet
	StateIdle State = iota
	// StateConnecting means a transport was created and we're awaiting open
	StateConnecting
	// StateOpen means the transport is open and frames can flow
	StateOpen
	// StateClosed means the transport is gone and pending work was rejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Socket owns one logical connection to one index server URI
type Socket struct {
	uri               string
	walletId          string
	queueSize         int
	timeout           time.Duration
	keepAliveInterval time.Duration
	wakeUpInterval    time.Duration
	logger            *zap.Logger
	eventFunc         EventFunc
	healthCheckFunc   HealthCheckFunc
	onQueueSpaceFunc  OnQueueSpaceFunc
	wakeQueue         *WakeQueue
	dialFunc          transport.DialFunc
	dialOpts          []transport.DialOption
	metrics           *socketMetrics

	mutex           sync.Mutex
	state           State
	generation      int
	transport       transport.Transport
	cancelConnect   bool
	lastError       error
	connectDeferred *deferred.Deferred[struct{}]
	nextId          uint64
	pending         map[string]*pendingTask
	pendingOrder    []string
	subscriptions   map[string]*Subscription
	timer           *time.Timer
	lastKeepAlive   time.Time
	lastWakeUp      time.Time
}

// NewSocket returns a new Socket for the given URI with the specified
// options. The URI path is normalized to end in /websocket. No connection is
// attempted until Connect is called
func NewSocket(uri string, options ...SocketOptionFunc) (*Socket, error) {
	normalized, err := normalizeURI(uri)
	if err != nil {
		return nil, err
	}
	s := &Socket{
		uri:               normalized,
		queueSize:         DefaultQueueSize,
		timeout:           DefaultTimeout,
		keepAliveInterval: DefaultKeepAliveInterval,
		wakeUpInterval:    DefaultWakeUpInterval,
		logger:            zap.NewNop(),
		state:             StateIdle,
		pending:           make(map[string]*pendingTask),
		subscriptions:     make(map[string]*Subscription),
	}
	// Apply provided options functions
	for _, option := range options {
		option(s)
	}
	if s.walletId == "" {
		s.walletId = generateWalletId()
	}
	if s.wakeQueue == nil {
		s.wakeQueue = defaultWakeQueue
	}
	if s.dialFunc == nil {
		s.dialFunc = transport.Dial
	}
	if s.healthCheckFunc == nil {
		s.healthCheckFunc = s.Ping
	}
	return s, nil
}

// normalizeURI enforces the /websocket path suffix, adding it when absent and
// never duplicating it
func normalizeURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid uri %q: no host", uri)
	}
	if !strings.HasSuffix(u.Path, uriPathSuffix) {
		u.Path = strings.TrimSuffix(u.Path, "/") + uriPathSuffix
	}
	return u.String(), nil
}

// URI returns the normalized connection URI
func (s *Socket) URI() string {
	return s.uri
}

// WalletId returns the wallet id used in the socket's wake-queue key
func (s *Socket) WalletId() string {
	return s.walletId
}

// State returns the current connection state
func (s *Socket) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// IsConnected returns whether the connection is open and the transport is
// ready to accept frames
func (s *Socket) IsConnected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state == StateOpen &&
		s.transport != nil &&
		s.transport.IsReady()
}

// SetOnQueueSpace replaces the backpressure pull callback
func (s *Socket) SetOnQueueSpace(onQueueSpace OnQueueSpaceFunc) {
	s.mutex.Lock()
	s.onQueueSpaceFunc = onQueueSpace
	s.mutex.Unlock()
}

// wakeKey is the stable coalescing key shared with the wake queue
func (s *Socket) wakeKey() string {
	return s.walletId + "==" + s.uri
}

// Connect establishes the connection, tearing down any existing transport
// first. It returns once the transport reports opened, or with an error when
// the connection attempt fails, is cancelled, or ctx is done. Pending tasks
// submitted before (or during) the connect are transmitted in insertion order
// once the connection opens
func (s *Socket) Connect(ctx context.Context) error {
	s.mutex.Lock()
	oldTransport := s.transport
	oldGen := s.generation
	s.mutex.Unlock()
	// Tear down any existing transport and run its close sweep inline so a
	// late close callback from the old transport can't clobber the new
	// connection attempt
	if oldTransport != nil {
		_ = oldTransport.Disconnect()
		s.closeTransport(oldGen)
	}
	s.mutex.Lock()
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.cancelConnect = false
	connectDeferred := deferred.New[struct{}]()
	s.connectDeferred = connectDeferred
	dial := s.dialFunc
	dialOpts := s.dialOpts
	s.mutex.Unlock()
	s.logger.Debug("connecting", zap.String("uri", s.uri))
	go func() {
		callbacks := transport.Callbacks{
			OnOpened: func() {
				s.openTransport(gen)
			},
			OnMessage: func(text string) {
				s.receiveFrame(gen, text)
			},
			OnError: func(err error) {
				s.transportError(gen, err)
			},
			OnClosed: func() {
				s.closeTransport(gen)
			},
		}
		tr, err := dial(s.uri, callbacks, dialOpts...)
		if err != nil {
			s.transportError(gen, err)
			s.closeTransport(gen)
			return
		}
		s.mutex.Lock()
		if s.generation != gen {
			// Disconnected while dialing
			s.mutex.Unlock()
			_ = tr.Disconnect()
			return
		}
		s.transport = tr
		s.mutex.Unlock()
		tr.Start()
	}()
	_, err := connectDeferred.Wait(ctx)
	return err
}

// Disconnect stops the timer, cooperatively transitions to closed, and tells
// the transport to close. Rejection of in-flight work happens from the
// transport's close callback, not here. Any pending coalesced wake-up for
// this socket's key is dropped
func (s *Socket) Disconnect() {
	s.mutex.Lock()
	s.stopTimerLocked()
	if s.state == StateConnecting {
		s.cancelConnect = true
		if s.lastError == nil {
			s.lastError = ErrConnectCancelled
		}
	}
	s.state = StateClosed
	tr := s.transport
	s.mutex.Unlock()
	if tr != nil {
		_ = tr.Disconnect()
	}
	s.wakeQueue.Cancel(s.wakeKey())
}

// SubmitTask assigns the task the next correlation id, records it in the
// pending set, and attempts immediate transmission. It never blocks: when the
// connection is not open the task waits in the pending set until the next
// open (retransmitted then) or until it times out
func (s *Socket) SubmitTask(task *Task) {
	s.mutex.Lock()
	s.nextId++
	id := strconv.FormatUint(s.nextId, 10)
	p := &pendingTask{
		task:      task,
		startTime: time.Now(),
	}
	s.pending[id] = p
	s.pendingOrder = append(s.pendingOrder, id)
	sendErr := s.transmitLocked(id, p)
	s.mutex.Unlock()
	s.metrics.incTasksSubmitted()
	if sendErr != nil {
		s.handleError(sendErr)
	}
}

// Subscribe records the subscription, keyed by method name (a duplicate
// subscription for the same method replaces the previous one), and sends it
// immediately when the connection is open. Subscriptions do not survive a
// connection close; the caller must resubscribe after a reconnect
func (s *Socket) Subscribe(sub *Subscription) {
	s.mutex.Lock()
	s.subscriptions[sub.Method] = sub
	var sendErr error
	if s.canTransmitLocked() {
		frame, err := json.Marshal(Request{
			Id:     sub.Method,
			Method: sub.Method,
			Params: sub.Params,
		})
		if err != nil {
			s.mutex.Unlock()
			sub.Deferred.Reject(err)
			return
		}
		sendErr = s.transport.Send(string(frame))
	}
	s.mutex.Unlock()
	if sendErr != nil {
		s.handleError(sendErr)
	}
}

// Ping submits a ping task and returns immediately. It is the default
// keep-alive health check
func (s *Socket) Ping() error {
	s.SubmitTask(NewTask("ping", nil, nil))
	return nil
}

// canTransmitLocked reports whether a frame can be put on the wire right now
func (s *Socket) canTransmitLocked() bool {
	return s.transport != nil &&
		s.transport.IsReady() &&
		s.state == StateOpen &&
		!s.cancelConnect
}

// transmitLocked attempts to put a pending task on the wire. When the
// connection is not currently open this is a silent no-op and the task stays
// queued for a later attempt. On an actual send the task's startTime is
// refreshed, resetting its timeout window. A returned error is a transport
// send failure for the caller to route to the generic error handler outside
// the lock
func (s *Socket) transmitLocked(id string, p *pendingTask) error {
	if !s.canTransmitLocked() {
		return nil
	}
	frame, err := json.Marshal(Request{
		Id:     id,
		Method: p.task.Method,
		Params: p.task.Params,
	})
	if err != nil {
		// Unencodable params are scoped to this task
		s.removePendingLocked(id)
		p.task.Deferred.Reject(err)
		return nil
	}
	p.startTime = time.Now()
	return s.transport.Send(string(frame))
}

// removePendingLocked removes an id from the pending set. The insertion
// order slice is compacted lazily once it grows well past the live set
func (s *Socket) removePendingLocked(id string) {
	delete(s.pending, id)
	if len(s.pendingOrder) > 16 &&
		len(s.pendingOrder) > 2*len(s.pending) {
		order := make([]string, 0, len(s.pending))
		for _, pendingId := range s.pendingOrder {
			if _, ok := s.pending[pendingId]; ok {
				order = append(order, pendingId)
			}
		}
		s.pendingOrder = order
	}
}

// recordErrorLocked memoizes the first error observed since the last full
// close; subsequent errors in the same episode are only logged. When still
// connecting, the in-flight connect is flagged for cancellation
func (s *Socket) recordErrorLocked(err error) {
	if s.lastError == nil {
		s.lastError = err
	} else {
		s.logger.Debug(
			"additional error in episode",
			zap.String("uri", s.uri),
			zap.Error(err),
		)
	}
	if s.state == StateConnecting {
		s.cancelConnect = true
	}
}

// handleError is the generic error handler for errors raised locally
// (protocol violations, event sink failures, health check failures)
func (s *Socket) handleError(err error) {
	s.logger.Debug("socket error", zap.String("uri", s.uri), zap.Error(err))
	s.mutex.Lock()
	s.recordErrorLocked(err)
	open := s.state == StateOpen
	s.mutex.Unlock()
	if open {
		s.Disconnect()
	}
}

// transportError is the generic error handler for errors reported by a
// transport; errors from a stale transport generation are ignored
func (s *Socket) transportError(gen int, err error) {
	s.mutex.Lock()
	if gen != s.generation {
		s.mutex.Unlock()
		return
	}
	s.mutex.Unlock()
	s.handleError(err)
}

// openTransport runs when the transport reports opened. If a cancellation
// was requested while connecting, the transport is torn down immediately and
// none of the open sequence runs
func (s *Socket) openTransport(gen int) {
	s.mutex.Lock()
	if gen != s.generation {
		s.mutex.Unlock()
		return
	}
	if s.cancelConnect {
		tr := s.transport
		s.mutex.Unlock()
		if tr != nil {
			_ = tr.Disconnect()
		}
		return
	}
	s.state = StateOpen
	now := time.Now()
	s.lastKeepAlive = now
	s.lastWakeUp = now
	connectDeferred := s.connectDeferred
	s.mutex.Unlock()
	s.logger.Debug("connection open", zap.String("uri", s.uri))
	if err := s.emitEvent(Event{Type: EventConnectionOpen, URI: s.uri}); err != nil {
		s.handleError(err)
	}
	// (Re)transmit every pending message in insertion order
	s.mutex.Lock()
	if gen == s.generation {
		var sendErr error
		order := make([]string, len(s.pendingOrder))
		copy(order, s.pendingOrder)
		for _, id := range order {
			if p, ok := s.pending[id]; ok {
				if err := s.transmitLocked(id, p); err != nil && sendErr == nil {
					sendErr = err
				}
			}
		}
		s.armTimerLocked(s.wakeUpInterval)
		s.mutex.Unlock()
		if sendErr != nil {
			s.handleError(sendErr)
		}
	} else {
		s.mutex.Unlock()
	}
	if connectDeferred != nil {
		connectDeferred.Resolve(struct{}{})
	}
	s.wakeUp()
}

// closeTransport runs when the transport reports closed (or inline when a
// connect tears down its predecessor). Every entry remaining in the pending
// set is rejected with the memoized error of the episode, or a generic
// closed-connection error when none was recorded
func (s *Socket) closeTransport(gen int) {
	s.mutex.Lock()
	if gen != s.generation {
		s.mutex.Unlock()
		return
	}
	// Invalidate any remaining callbacks from this transport
	s.generation++
	s.stopTimerLocked()
	s.state = StateClosed
	s.transport = nil
	s.cancelConnect = false
	cause := s.lastError
	if cause == nil {
		cause = ErrConnectionClosed
	}
	// Reset the memo for the next episode
	s.lastError = nil
	connectDeferred := s.connectDeferred
	s.connectDeferred = nil
	tasks := make([]*Task, 0, len(s.pending))
	for _, id := range s.pendingOrder {
		if p, ok := s.pending[id]; ok {
			tasks = append(tasks, p.task)
		}
	}
	s.pending = make(map[string]*pendingTask)
	s.pendingOrder = nil
	// Subscriptions don't survive the connection; callers resubscribe
	s.subscriptions = make(map[string]*Subscription)
	s.mutex.Unlock()
	s.logger.Debug(
		"connection closed",
		zap.String("uri", s.uri),
		zap.Int("rejected", len(tasks)),
		zap.Error(cause),
	)
	for _, task := range tasks {
		s.rejectTask(task, cause)
	}
	if connectDeferred != nil {
		connectDeferred.Reject(cause)
	}
	if err := s.emitEvent(Event{
		Type: EventConnectionClose,
		URI:  s.uri,
		Err:  cause,
	}); err != nil {
		s.logger.Warn(
			"close event emission failed",
			zap.String("uri", s.uri),
			zap.Error(err),
		)
	}
}

// rejectTask rejects a task's Deferred, containing any panic from downstream
// waiters so a single failure can't stop a rejection sweep
func (s *Socket) rejectTask(task *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn(
				"panic while rejecting task",
				zap.String("method", task.Method),
				zap.Any("panic", r),
			)
		}
	}()
	s.metrics.incTasksRejected()
	task.Deferred.Reject(err)
}

// receiveFrame handles one inbound frame. Malformed frames and any error
// raised while handling are routed to the generic error handler. After every
// frame a backpressure pull cycle is scheduled
func (s *Socket) receiveFrame(gen int, text string) {
	s.metrics.incFramesReceived()
	if err := s.handleFrame(gen, text); err != nil {
		s.transportError(gen, err)
	}
	s.wakeUp()
}

func (s *Socket) handleFrame(gen int, text string) error {
	var resp Response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	s.mutex.Lock()
	if gen != s.generation {
		s.mutex.Unlock()
		return nil
	}
	if sub, ok := s.subscriptions[resp.Id]; ok {
		s.mutex.Unlock()
		return s.handleSubscriptionFrame(sub, resp)
	}
	p, ok := s.pending[resp.Id]
	if !ok {
		s.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrBadResponseId, resp.Id)
	}
	s.removePendingLocked(resp.Id)
	s.mutex.Unlock()
	s.settleTask(p.task, resp)
	return nil
}

// handleSubscriptionFrame processes a frame whose id matches a live
// subscription: either the initial acknowledgment (detected by the
// subscribed marker) or a streaming update
func (s *Socket) handleSubscriptionFrame(sub *Subscription, resp Response) error {
	if hasSubscribedMarker(resp.Data) {
		sub.subscribed.Store(true)
		sub.Deferred.Resolve(resp.Data)
		return nil
	}
	if !sub.subscribed.Load() {
		// A push before the acknowledgment is a protocol violation; reject
		// the acknowledgment and drop the frame
		err := fmt.Errorf("%w: %q", ErrUpdateBeforeAck, sub.Method)
		sub.Deferred.Reject(err)
		return nil
	}
	update := any(resp.Data)
	if sub.Validator != nil {
		validated, err := sub.Validator(resp.Data)
		if err != nil {
			s.logger.Warn(
				"subscription validation failed",
				zap.String("uri", s.uri),
				zap.String("method", sub.Method),
				zap.String("data", string(resp.Data)),
				zap.Error(err),
			)
			return fmt.Errorf("subscription %q: %w", sub.Method, err)
		}
		update = validated
	}
	if sub.OnUpdate != nil {
		if err := sub.OnUpdate(update); err != nil {
			s.logger.Warn(
				"subscription callback failed",
				zap.String("uri", s.uri),
				zap.String("method", sub.Method),
				zap.Error(err),
			)
			return fmt.Errorf("subscription %q callback: %w", sub.Method, err)
		}
	}
	return nil
}

// settleTask settles a task's Deferred from its correlated response. Any
// failure during this step rejects the task instead of propagating
func (s *Socket) settleTask(task *Task, resp Response) {
	if resp.Error != nil {
		s.metrics.incTasksRejected()
		task.Deferred.Reject(&ServerError{
			Message: resp.Error.Message,
			Raw:     resp.Error.Raw,
		})
		return
	}
	if task.Validator != nil {
		validated, err := task.Validator(resp.Data)
		if err != nil {
			s.metrics.incTasksRejected()
			task.Deferred.Reject(err)
			return
		}
		s.metrics.incTasksResolved()
		task.Deferred.Resolve(validated)
		return
	}
	s.metrics.incTasksResolved()
	task.Deferred.Resolve(resp.Data)
}

// emitEvent delivers a lifecycle event to the configured sink
func (s *Socket) emitEvent(event Event) error {
	if s.eventFunc == nil {
		return nil
	}
	return s.eventFunc(event)
}

// wakeUp schedules a backpressure pull cycle through the wake queue, which
// coalesces bursts of wake requests into at most one outstanding run per key
func (s *Socket) wakeUp() {
	s.wakeQueue.Schedule(s.wakeKey(), s.runWakeCycle)
}

// runWakeCycle pulls new tasks from the backpressure source while connected
// and while the pending set has room. The loop never sleeps between skip
// results and never pulls past the queue capacity in one cycle; it relies on
// the next timer tick or inbound frame to re-trigger
func (s *Socket) runWakeCycle() {
	s.mutex.Lock()
	s.lastWakeUp = time.Now()
	s.mutex.Unlock()
	for {
		s.mutex.Lock()
		if s.state != StateOpen || len(s.pending) >= s.queueSize {
			s.mutex.Unlock()
			return
		}
		pull := s.onQueueSpaceFunc
		s.mutex.Unlock()
		if pull == nil {
			return
		}
		switch result := pull(s.uri).(type) {
		case nil:
			// No more work available
			return
		case PullStop:
			return
		case PullSkip:
			continue
		case PullTask:
			if result.Task != nil {
				s.SubmitTask(result.Task)
			}
		default:
			return
		}
	}
}

// armTimerLocked (re)arms the recurring timer
func (s *Socket) armTimerLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.onTimer)
}

func (s *Socket) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// onTimer drives the keep-alive check and the timeout sweep, then schedules
// a wake-up and rearms the timer for the earlier of the next wake-up
// interval or the soonest pending deadline
func (s *Socket) onTimer() {
	s.mutex.Lock()
	if s.state != StateOpen || s.timer == nil {
		s.mutex.Unlock()
		return
	}
	gen := s.generation
	cutoff := time.Now().Add(-timerSlack)
	// Keep-alive: the clock is refreshed eagerly, before the health action
	// settles, to avoid overlapping checks
	var healthCheck HealthCheckFunc
	if s.lastKeepAlive.Add(s.keepAliveInterval).Before(cutoff) {
		s.lastKeepAlive = time.Now()
		healthCheck = s.healthCheckFunc
	}
	// Timeout sweep
	var expired []*Task
	for id, p := range s.pending {
		if p.startTime.Add(s.timeout).Before(cutoff) {
			expired = append(expired, p.task)
			s.removePendingLocked(id)
		}
	}
	// Rearm for the earlier of the next wake-up or the soonest remaining
	// sweep point (deadline plus slack, since the sweep tolerates that much
	// jitter), clamped to fire immediately when already past
	next := s.lastWakeUp.Add(s.wakeUpInterval)
	for _, p := range s.pending {
		deadline := p.startTime.Add(s.timeout).Add(timerSlack)
		if deadline.Before(next) {
			next = deadline
		}
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	s.armTimerLocked(delay)
	s.mutex.Unlock()
	if healthCheck != nil {
		s.metrics.incKeepAlives()
		go func() {
			if err := healthCheck(); err != nil {
				s.transportError(gen, err)
				return
			}
			if err := s.emitEvent(Event{
				Type: EventConnectionTimer,
				URI:  s.uri,
			}); err != nil {
				s.transportError(gen, err)
			}
		}()
	}
	for _, task := range expired {
		s.metrics.incTasksTimedOut()
		s.rejectTask(task, fmt.Errorf("%w: %s", ErrTaskTimeout, task.Method))
	}
	s.wakeUp()
}
