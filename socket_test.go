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

package blockbook_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	blockbook "github.com/blinklabs-io/goblockbook"
	"github.com/blinklabs-io/goblockbook/internal/test"
	"github.com/blinklabs-io/goblockbook/transport"
	"go.uber.org/goleak"
)

const testURI = "wss://blockbook.example.com"

func buildSocket(
	t *testing.T,
	mock *test.MockTransport,
	opts ...blockbook.SocketOptionFunc,
) *blockbook.Socket {
	t.Helper()
	opts = append(
		[]blockbook.SocketOptionFunc{
			blockbook.WithDialFunc(mock.Dial),
			blockbook.WithWakeQueue(blockbook.NewWakeQueue()),
		},
		opts...,
	)
	s, err := blockbook.NewSocket(testURI, opts...)
	if err != nil {
		t.Fatalf("unexpected error when creating socket: %s", err)
	}
	return s
}

func connectSocket(t *testing.T, s *blockbook.Socket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("unexpected error when connecting: %s", err)
	}
}

func waitFor(
	t *testing.T,
	timeout time.Duration,
	cond func() bool,
	desc string,
) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestURINormalization(t *testing.T) {
	testDefs := []struct {
		uri      string
		expected string
	}{
		{
			uri:      "wss://host.example.com",
			expected: "wss://host.example.com/websocket",
		},
		{
			uri:      "wss://host.example.com/websocket",
			expected: "wss://host.example.com/websocket",
		},
		{
			uri:      "https://host.example.com/api/",
			expected: "https://host.example.com/api/websocket",
		},
		{
			uri:      "wss://host.example.com:19136/websocket",
			expected: "wss://host.example.com:19136/websocket",
		},
	}
	for _, testDef := range testDefs {
		s, err := blockbook.NewSocket(testDef.uri)
		if err != nil {
			t.Fatalf("unexpected error when creating socket: %s", err)
		}
		if s.URI() != testDef.expected {
			t.Fatalf(
				"did not get expected URI: got %q, expected %q",
				s.URI(),
				testDef.expected,
			)
		}
	}
	if _, err := blockbook.NewSocket("not a uri"); err == nil {
		t.Fatalf("did not get expected error for invalid URI")
	}
}

func TestConnectAndResolveTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	if !s.IsConnected() {
		t.Fatalf("socket not connected after Connect")
	}
	if mock.DialedURI() != testURI+"/websocket" {
		t.Fatalf(
			"did not get expected dial URI: got %q",
			mock.DialedURI(),
		)
	}
	task := blockbook.NewTask(
		"getInfo",
		nil,
		func(data json.RawMessage) (any, error) {
			var info struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(data, &info); err != nil {
				return nil, err
			}
			return info.Name, nil
		},
	)
	s.SubmitTask(task)
	id, method, err := mock.SentRequest(0)
	if err != nil {
		t.Fatalf("unexpected error reading sent frame: %s", err)
	}
	if id != "1" || method != "getInfo" {
		t.Fatalf(
			"did not get expected request: got id %q method %q",
			id,
			method,
		)
	}
	mock.ServerRespond("1", map[string]any{"name": "Bitcoin"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := task.Deferred.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error waiting for task: %s", err)
	}
	if result != "Bitcoin" {
		t.Fatalf("did not get expected result: got %v", result)
	}
	s.Disconnect()
}

func TestPendingFlushedInOrderOnConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	tasks := []*blockbook.Task{
		blockbook.NewTask("getInfo", nil, nil),
		blockbook.NewTask("getBlockHash", map[string]any{"height": 1}, nil),
		blockbook.NewTask("estimateFee", nil, nil),
	}
	// Submitted before any connection exists; nothing goes on the wire yet
	for _, task := range tasks {
		s.SubmitTask(task)
	}
	if mock.SentFrameCount() != 0 {
		t.Fatalf("frames sent before connection open")
	}
	connectSocket(t, s)
	if mock.SentFrameCount() != 3 {
		t.Fatalf(
			"did not get expected frame count: got %d, expected 3",
			mock.SentFrameCount(),
		)
	}
	expectedMethods := []string{"getInfo", "getBlockHash", "estimateFee"}
	for i, expectedMethod := range expectedMethods {
		id, method, err := mock.SentRequest(i)
		if err != nil {
			t.Fatalf("unexpected error reading sent frame: %s", err)
		}
		if id != fmt.Sprintf("%d", i+1) || method != expectedMethod {
			t.Fatalf(
				"did not get expected frame %d: got id %q method %q",
				i,
				id,
				method,
			)
		}
	}
	// Responding to the second task settles only the second task
	mock.ServerRespond("2", map[string]any{"hash": "abc123"})
	if !tasks[1].Deferred.Settled() {
		t.Fatalf("expected second task to be settled")
	}
	if tasks[0].Deferred.Settled() || tasks[2].Deferred.Settled() {
		t.Fatalf("unexpected settled task")
	}
	s.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, task := range []*blockbook.Task{tasks[0], tasks[2]} {
		_, err := task.Deferred.Wait(ctx)
		if !errors.Is(err, blockbook.ErrConnectionClosed) {
			t.Fatalf("did not get expected error, got: %v", err)
		}
	}
}

func TestServerErrorRejectsTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	task := blockbook.NewTask("getTransaction", nil, nil)
	s.SubmitTask(task)
	mock.ServerRespondError("1", "Transaction not found")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := task.Deferred.Wait(ctx)
	var serverErr *blockbook.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("did not get expected error type, got: %v", err)
	}
	if serverErr.Message != "Transaction not found" {
		t.Fatalf(
			"did not get expected error message: got %q",
			serverErr.Message,
		)
	}
	// A server error is scoped to its task; the connection stays open
	if !s.IsConnected() {
		t.Fatalf("socket not connected after server error response")
	}
	s.Disconnect()
}

func TestValidatorFailureRejectsTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	validationErr := errors.New("unexpected payload shape")
	task := blockbook.NewTask(
		"getInfo",
		nil,
		func(data json.RawMessage) (any, error) {
			return nil, validationErr
		},
	)
	s.SubmitTask(task)
	mock.ServerRespond("1", map[string]any{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := task.Deferred.Wait(ctx)
	if !errors.Is(err, validationErr) {
		t.Fatalf("did not get expected error, got: %v", err)
	}
	if !s.IsConnected() {
		t.Fatalf("socket not connected after validation failure")
	}
	s.Disconnect()
}

func TestTaskTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(
		t,
		mock,
		blockbook.WithTimeout(100*time.Millisecond),
		blockbook.WithWakeUpInterval(50*time.Millisecond),
	)
	connectSocket(t, s)
	task := blockbook.NewTask("getInfo", nil, nil)
	s.SubmitTask(task)
	// The sweep tolerates 500ms of timer slack, so expiry lands at roughly
	// timeout plus slack
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := task.Deferred.Wait(ctx)
	if !errors.Is(err, blockbook.ErrTaskTimeout) {
		t.Fatalf("did not get expected error, got: %v", err)
	}
	// A timeout is scoped to its task; the connection stays open
	if !s.IsConnected() {
		t.Fatalf("socket not connected after task timeout")
	}
	s.Disconnect()
}

func TestBadResponseIdClosesConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	task := blockbook.NewTask("getInfo", nil, nil)
	s.SubmitTask(task)
	mock.ServerRespond("999", map[string]any{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The unmatched response is a protocol violation: the connection goes
	// down and the pending task is rejected with the recorded cause
	_, err := task.Deferred.Wait(ctx)
	if !errors.Is(err, blockbook.ErrBadResponseId) {
		t.Fatalf("did not get expected error, got: %v", err)
	}
	waitFor(
		t,
		2*time.Second,
		func() bool { return s.State() == blockbook.StateClosed },
		"socket close",
	)
}

func TestUniqueTaskIds(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	for i := 0; i < 5; i++ {
		s.SubmitTask(blockbook.NewTask("getInfo", nil, nil))
	}
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id, _, err := mock.SentRequest(i)
		if err != nil {
			t.Fatalf("unexpected error reading sent frame: %s", err)
		}
		if seen[id] {
			t.Fatalf("duplicate task id %q", id)
		}
		seen[id] = true
	}
	s.Disconnect()
}

func TestSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	updates := make(chan any, 5)
	sub := blockbook.NewSubscription(
		"subscribeNewBlock",
		nil,
		func(data json.RawMessage) (any, error) {
			var block struct {
				Height int    `json:"height"`
				Hash   string `json:"hash"`
			}
			if err := json.Unmarshal(data, &block); err != nil {
				return nil, err
			}
			return block.Height, nil
		},
		func(update any) error {
			updates <- update
			return nil
		},
	)
	s.Subscribe(sub)
	id, method, err := mock.SentRequest(0)
	if err != nil {
		t.Fatalf("unexpected error reading sent frame: %s", err)
	}
	// The method name doubles as the correlation id for subscriptions
	if id != "subscribeNewBlock" || method != "subscribeNewBlock" {
		t.Fatalf(
			"did not get expected frame: got id %q method %q",
			id,
			method,
		)
	}
	if sub.Acknowledged() {
		t.Fatalf("subscription acknowledged before server ack")
	}
	mock.ServerRespond("subscribeNewBlock", map[string]any{"subscribed": true})
	if !sub.Acknowledged() {
		t.Fatalf("subscription not acknowledged after server ack")
	}
	if !sub.Deferred.Settled() {
		t.Fatalf("subscription deferred not settled after server ack")
	}
	mock.ServerRespond(
		"subscribeNewBlock",
		map[string]any{"height": 12345, "hash": "abc123"},
	)
	select {
	case update := <-updates:
		if update != 12345 {
			t.Fatalf("did not get expected update: got %v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscription update")
	}
	s.Disconnect()
}

func TestSubscriptionUpdateBeforeAck(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	sub := blockbook.NewSubscription(
		"subscribeNewBlock",
		nil,
		nil,
		func(update any) error {
			t.Errorf("unexpected update delivery before ack")
			return nil
		},
	)
	s.Subscribe(sub)
	// An update arriving before the acknowledgment is a protocol violation
	mock.ServerRespond(
		"subscribeNewBlock",
		map[string]any{"height": 12345},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sub.Deferred.Wait(ctx)
	if !errors.Is(err, blockbook.ErrUpdateBeforeAck) {
		t.Fatalf("did not get expected error, got: %v", err)
	}
	s.Disconnect()
}

func TestDisconnectWhileConnecting(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewManualMockTransport()
	s := buildSocket(t, mock)
	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		connectErr <- s.Connect(ctx)
	}()
	waitFor(
		t,
		2*time.Second,
		func() bool { return mock.DialedURI() != "" },
		"transport dial",
	)
	time.Sleep(25 * time.Millisecond)
	s.Disconnect()
	select {
	case err := <-connectErr:
		if !errors.Is(err, blockbook.ErrConnectCancelled) {
			t.Fatalf("did not get expected error, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Connect to return")
	}
}

func TestSendErrorClosesConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	s := buildSocket(t, mock)
	connectSocket(t, s)
	sendErr := errors.New("write failed")
	mock.SetSendError(sendErr)
	task := blockbook.NewTask("getInfo", nil, nil)
	s.SubmitTask(task)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := task.Deferred.Wait(ctx)
	if !errors.Is(err, sendErr) {
		t.Fatalf("did not get expected error, got: %v", err)
	}
	waitFor(
		t,
		2*time.Second,
		func() bool { return s.State() == blockbook.StateClosed },
		"socket close",
	)
}

func TestBackpressurePull(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	var sourceMutex sync.Mutex
	remaining := 4
	pull := func(uri string) blockbook.PullResult {
		sourceMutex.Lock()
		defer sourceMutex.Unlock()
		if uri != testURI+"/websocket" {
			t.Errorf("did not get expected pull URI: got %q", uri)
		}
		if remaining == 0 {
			return blockbook.PullStop{}
		}
		remaining--
		return blockbook.PullTask{
			Task: blockbook.NewTask("getInfo", nil, nil),
		}
	}
	s := buildSocket(
		t,
		mock,
		blockbook.WithQueueSize(2),
		blockbook.WithOnQueueSpace(pull),
	)
	connectSocket(t, s)
	// The pull cycle runs until the pending set reaches the queue size
	waitFor(
		t,
		2*time.Second,
		func() bool { return mock.SentFrameCount() == 2 },
		"initial pull cycle",
	)
	time.Sleep(50 * time.Millisecond)
	if mock.SentFrameCount() != 2 {
		t.Fatalf(
			"pull cycle overran queue size: %d frames sent",
			mock.SentFrameCount(),
		)
	}
	// Settling one task frees a slot; the response-driven wake-up pulls one
	// more
	mock.ServerRespond("1", map[string]any{})
	waitFor(
		t,
		2*time.Second,
		func() bool { return mock.SentFrameCount() == 3 },
		"post-response pull",
	)
	s.Disconnect()
}

func TestBackpressureSkip(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	var sourceMutex sync.Mutex
	results := []blockbook.PullResult{
		blockbook.PullSkip{},
		blockbook.PullTask{Task: blockbook.NewTask("getInfo", nil, nil)},
		blockbook.PullSkip{},
		nil,
	}
	pull := func(uri string) blockbook.PullResult {
		sourceMutex.Lock()
		defer sourceMutex.Unlock()
		if len(results) == 0 {
			return blockbook.PullStop{}
		}
		result := results[0]
		results = results[1:]
		return result
	}
	s := buildSocket(t, mock, blockbook.WithOnQueueSpace(pull))
	connectSocket(t, s)
	// Skip results are passed over without stopping the cycle; the nil
	// result ends it
	waitFor(
		t,
		2*time.Second,
		func() bool { return mock.SentFrameCount() == 1 },
		"pull cycle",
	)
	s.Disconnect()
}

func TestConnectionEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	events := make(chan blockbook.Event, 10)
	s := buildSocket(
		t,
		mock,
		blockbook.WithEventFunc(func(event blockbook.Event) error {
			events <- event
			return nil
		}),
	)
	connectSocket(t, s)
	s.Disconnect()
	expectedTypes := []blockbook.EventType{
		blockbook.EventConnectionOpen,
		blockbook.EventConnectionClose,
	}
	for _, expectedType := range expectedTypes {
		select {
		case event := <-events:
			if event.Type != expectedType {
				t.Fatalf(
					"did not get expected event type: got %q, expected %q",
					event.Type,
					expectedType,
				)
			}
			if event.URI != testURI+"/websocket" {
				t.Fatalf(
					"did not get expected event URI: got %q",
					event.URI,
				)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q event", expectedType)
		}
	}
}

func TestKeepAlive(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := test.NewMockTransport()
	events := make(chan blockbook.Event, 10)
	s := buildSocket(
		t,
		mock,
		blockbook.WithKeepAliveInterval(100*time.Millisecond),
		blockbook.WithWakeUpInterval(50*time.Millisecond),
		blockbook.WithEventFunc(func(event blockbook.Event) error {
			events <- event
			return nil
		}),
	)
	connectSocket(t, s)
	// The default health check submits a ping task
	waitFor(
		t,
		3*time.Second,
		func() bool {
			for i := 0; i < mock.SentFrameCount(); i++ {
				if _, method, err := mock.SentRequest(i); err == nil &&
					method == "ping" {
					return true
				}
			}
			return false
		},
		"keep-alive ping",
	)
	timerEventSeen := func() bool {
		for {
			select {
			case event := <-events:
				if event.Type == blockbook.EventConnectionTimer {
					return true
				}
			default:
				return false
			}
		}
	}
	waitFor(t, 3*time.Second, timerEventSeen, "timer event")
	s.Disconnect()
}

func TestReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	firstMock := test.NewMockTransport()
	secondMock := test.NewMockTransport()
	mocks := []*test.MockTransport{firstMock, secondMock}
	var dialMutex sync.Mutex
	dial := func(
		uri string,
		callbacks transport.Callbacks,
		opts ...transport.DialOption,
	) (transport.Transport, error) {
		dialMutex.Lock()
		mock := mocks[0]
		if len(mocks) > 1 {
			mocks = mocks[1:]
		}
		dialMutex.Unlock()
		return mock.Dial(uri, callbacks, opts...)
	}
	s := buildSocket(t, firstMock, blockbook.WithDialFunc(dial))
	connectSocket(t, s)
	task := blockbook.NewTask("getInfo", nil, nil)
	s.SubmitTask(task)
	// Simulate the server dropping the connection
	firstMock.ServerError(errors.New("connection reset"))
	waitFor(
		t,
		2*time.Second,
		func() bool { return s.State() == blockbook.StateClosed },
		"socket close",
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := task.Deferred.Wait(ctx); err == nil {
		t.Fatalf("expected pending task to be rejected on close")
	}
	// Reconnecting starts a fresh episode on a fresh transport
	connectSocket(t, s)
	if !s.IsConnected() {
		t.Fatalf("socket not connected after reconnect")
	}
	nextTask := blockbook.NewTask("getInfo", nil, nil)
	s.SubmitTask(nextTask)
	waitFor(
		t,
		2*time.Second,
		func() bool { return secondMock.SentFrameCount() == 1 },
		"frame on new transport",
	)
	s.Disconnect()
}
