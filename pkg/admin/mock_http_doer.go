// Copyright 2025 UMH Systems GmbH
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

package admin

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MockHTTPDoer is a mock implementation of HTTPDoer for testing
type MockHTTPDoer struct {
	mu sync.Mutex

	// ResponseMap maps endpoint paths to their mock responses
	ResponseMap map[string]MockResponse

	// ResponseQueue holds one-shot responses per path, served before ResponseMap
	ResponseQueue map[string][]MockResponse

	// Requests records every request received
	Requests []RecordedRequest
}

// MockResponse represents a mock HTTP response
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Error      error
	Delay      time.Duration // Simulates response delay for timeout testing
}

// RecordedRequest is what the mock saw of a request.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	Body          string
}

// NewMockHTTPDoer creates a MockHTTPDoer that accepts logins and pings
func NewMockHTTPDoer() *MockHTTPDoer {
	return &MockHTTPDoer{
		ResponseMap: map[string]MockResponse{
			"/admin/ping": {
				StatusCode: http.StatusOK,
			},
			"/admin/login": {
				StatusCode: http.StatusOK,
				Body:       loginResponse{Token: "mock-token"},
			},
		},
		ResponseQueue: map[string][]MockResponse{},
	}
}

// SetResponse sets a mock response for a specific endpoint
func (m *MockHTTPDoer) SetResponse(endpoint string, response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResponseMap[endpoint] = response
}

// QueueResponse adds a one-shot response for an endpoint
func (m *MockHTTPDoer) QueueResponse(endpoint string, response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResponseQueue[endpoint] = append(m.ResponseQueue[endpoint], response)
}

// SetCount makes the count endpoint of kind return n
func (m *MockHTTPDoer) SetCount(kind Kind, n int) {
	m.SetResponse("/admin/"+kind.Plural()+"/count", MockResponse{
		StatusCode: http.StatusOK,
		Body:       countResponse{Count: n},
	})
}

// RequestsTo returns the recorded requests for a path
func (m *MockHTTPDoer) RequestsTo(path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedRequest
	for _, r := range m.Requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Do implements the HTTPDoer interface
func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	path := req.URL.Path

	var body string
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, RecordedRequest{
		Method:        req.Method,
		Path:          path,
		Authorization: req.Header.Get("Authorization"),
		Body:          body,
	})
	mockResp, exists := m.ResponseMap[path]
	if queued := m.ResponseQueue[path]; len(queued) > 0 {
		mockResp, exists = queued[0], true
		m.ResponseQueue[path] = queued[1:]
	}
	m.mu.Unlock()

	if !exists {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}

	// If there's a delay configured, simulate it
	if mockResp.Delay > 0 {
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(mockResp.Delay):
		}
	}

	if mockResp.Error != nil {
		return nil, mockResp.Error
	}

	var bodyReader io.Reader
	if mockResp.Body != nil {
		bodyBytes, err := json.Marshal(mockResp.Body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	} else {
		bodyReader = strings.NewReader("")
	}

	return &http.Response{
		StatusCode: mockResp.StatusCode,
		Body:       io.NopCloser(bodyReader),
		Header:     make(http.Header),
	}, nil
}
