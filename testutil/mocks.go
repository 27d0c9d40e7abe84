// Package testutil provides shared test doubles: mock platform API servers
// and a broadcaster that captures messages for assertions.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/neustream/chat-engine/chat"
)

// MockAPIServer is a test server with per-path handlers, used to mock the
// Helix, Graph and Data API endpoints.
type MockAPIServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockAPIServer creates a mock API server. Paths without a registered
// handler return 404.
func NewMockAPIServer(t *testing.T) *MockAPIServer {
	t.Helper()
	m := &MockAPIServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockJSONResponse registers a handler that always returns the given payload.
func (m *MockAPIServer) MockJSONResponse(path string, payload any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a handler for the /streams Helix endpoint.
func (m *MockAPIServer) MockStreamsResponse(streams []map[string]any) {
	m.MockJSONResponse("/streams", map[string]any{"data": streams})
}

// MockOAuthTokenResponse adds a handler for an OAuth token endpoint.
func (m *MockAPIServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.MockJSONResponse("/oauth2/token", map[string]any{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}

// CaptureBroadcaster records every broadcast message for assertions. Safe for
// concurrent use; connectors broadcast from their own goroutines.
type CaptureBroadcaster struct {
	mu       sync.Mutex
	messages []chat.Message
}

// Broadcast implements chat.Broadcaster.
func (c *CaptureBroadcaster) Broadcast(sourceID int64, msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Messages returns a copy of everything broadcast so far.
func (c *CaptureBroadcaster) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// MessagesOfType filters captured messages by type.
func (c *CaptureBroadcaster) MessagesOfType(kind chat.MessageType) []chat.Message {
	var out []chat.Message
	for _, m := range c.Messages() {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of captured messages.
func (c *CaptureBroadcaster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
