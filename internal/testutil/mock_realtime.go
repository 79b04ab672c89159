package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockRealtime is a push channel server for testing. Every accepted
// connection first receives a connection_established frame.
type MockRealtime struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	writeMu sync.Mutex

	mu       sync.Mutex
	conns    []*websocket.Conn
	frames   []string
	queries  []url.Values
	attempts int
	reject   bool
}

// NewMockRealtime starts a mock push server.
func NewMockRealtime() *MockRealtime {
	m := &MockRealtime{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *MockRealtime) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.attempts++
	m.queries = append(m.queries, r.URL.Query())
	reject := m.reject
	m.mu.Unlock()

	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"connection_established","payload":{"connection_id":"c1","scope":"`+r.URL.Query().Get("scope")+`"}}`))
	m.writeMu.Unlock()

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.remove(conn)
			return
		}
		m.mu.Lock()
		m.frames = append(m.frames, string(data))
		m.mu.Unlock()
	}
}

func (m *MockRealtime) remove(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.conns {
		if c == conn {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return
		}
	}
}

// URL returns the ws:// URL of the server.
func (m *MockRealtime) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// SetReject makes handshakes fail with 503 while reject is true.
func (m *MockRealtime) SetReject(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = reject
}

// Broadcast sends a raw frame to every open connection.
func (m *MockRealtime) Broadcast(frame string) error {
	m.mu.Lock()
	conns := append([]*websocket.Conn(nil), m.conns...)
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every open connection without a close handshake.
func (m *MockRealtime) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Connections returns the number of open connections.
func (m *MockRealtime) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Attempts returns the number of handshakes received, rejected ones included.
func (m *MockRealtime) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastQuery returns the query of the most recent handshake.
func (m *MockRealtime) LastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queries) == 0 {
		return nil
	}
	return m.queries[len(m.queries)-1]
}

// Frames returns every frame received from clients.
func (m *MockRealtime) Frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

// WaitForFrames polls until at least n frames arrived or timeout passes.
func (m *MockRealtime) WaitForFrames(n int, timeout time.Duration) bool {
	return poll(timeout, func() bool { return len(m.Frames()) >= n })
}

// WaitForConnections polls until at least n connections are open.
func (m *MockRealtime) WaitForConnections(n int, timeout time.Duration) bool {
	return poll(timeout, func() bool { return m.Connections() >= n })
}

// Close drops every connection and shuts the server down.
func (m *MockRealtime) Close() {
	m.DropConnections()
	m.server.Close()
}

func poll(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
