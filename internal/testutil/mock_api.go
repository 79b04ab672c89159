// Package testutil provides test servers for the venue sync client.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request seen by the mock API.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

type route struct {
	method  string
	path    string
	handler http.HandlerFunc
}

// MockAPI is a configurable mock REST API for testing. Paths are
// gorilla/mux templates such as "/venues/{id}".
type MockAPI struct {
	server *httptest.Server

	mu       sync.RWMutex
	routes   []route
	router   *mux.Router
	requests []RecordedRequest
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{}
	m.router = m.buildRouter()

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		router := m.router
		m.mu.Unlock()

		router.ServeHTTP(w, r)
	}))

	return m
}

// buildRouter must be called with mu held or before the server starts.
func (m *MockAPI) buildRouter() *mux.Router {
	r := mux.NewRouter()
	for _, rt := range m.routes {
		r.HandleFunc(rt.path, rt.handler).Methods(rt.method)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "not found",
		})
	})
	return r
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears recorded requests.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// SetHandler sets a custom handler for method and path template.
func (m *MockAPI) SetHandler(method, path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, rt := range m.routes {
		if rt.method == method && rt.path == path {
			m.routes = append(m.routes[:i], m.routes[i+1:]...)
			break
		}
	}
	m.routes = append(m.routes, route{method: method, path: path, handler: handler})
	m.router = m.buildRouter()
}

// SetResponse configures a fixed response for method and path template.
func (m *MockAPI) SetResponse(method, path string, resp MockResponse) {
	m.SetHandler(method, path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// SetSequence answers successive requests with resps in order, repeating
// the last one.
func (m *MockAPI) SetSequence(method, path string, resps ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(method, path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[next]
		if next < len(resps)-1 {
			next++
		}
		mu.Unlock()

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write([]byte(resp.Body))
	})
}

// Requests returns a copy of every recorded request.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// CountFor returns the number of requests with method and exact path.
func (m *MockAPI) CountFor(method, path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewEnvelopeResponse creates a 200 OK response wrapping data in the
// standard envelope.
func NewEnvelopeResponse(data any) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewErrorResponse creates an envelope error response.
func NewErrorResponse(status int, message, code string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"success":    false,
		"error":      message,
		"error_code": code,
	})
	return MockResponse{StatusCode: status, Body: string(body)}
}

// NewValidationResponse creates a 422 response with field-level details.
func NewValidationResponse(details ...map[string]any) MockResponse {
	body, _ := json.Marshal(map[string]any{"detail": details})
	return MockResponse{StatusCode: http.StatusUnprocessableEntity, Body: string(body)}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfterSeconds string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"success": false, "error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  retryAfterSeconds,
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"success": false, "error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
