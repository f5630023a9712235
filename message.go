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
	"encoding/json"
)

// Request is an outbound wire frame. The id correlates the eventual response;
// for subscriptions the method name doubles as the id
type Request struct {
	Id     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response is an inbound wire frame: either a task response or error
// correlated by id, or a subscription frame whose id is the method name
type Response struct {
	Id    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a server-reported error payload. Servers normally report
// an object with a message field, but some report a bare string or other
// shape, which is preserved as the raw body
type ResponseError struct {
	Message string
	Raw     string
}

func (e *ResponseError) UnmarshalJSON(data []byte) error {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		e.Message = obj.Message
		return nil
	}
	e.Raw = string(data)
	return nil
}

func (e *ResponseError) MarshalJSON() ([]byte, error) {
	if e.Message != "" {
		return json.Marshal(struct {
			Message string `json:"message"`
		}{Message: e.Message})
	}
	return []byte(e.Raw), nil
}

// hasSubscribedMarker reports whether a subscription payload carries the
// initial acknowledgment marker
func hasSubscribedMarker(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	var probe struct {
		Subscribed *bool `json:"subscribed"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Subscribed != nil
}
