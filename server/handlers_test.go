package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neustream/chat-engine/broadcast"
	"github.com/neustream/chat-engine/chat"
)

// memStore is an in-memory chat.ConfigStore for handler tests.
type memStore struct {
	mu      sync.Mutex
	configs []chat.ConnectorConfig
}

func (s *memStore) ActiveBySource(ctx context.Context, sourceID int64) ([]chat.ConnectorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.ConnectorConfig
	for _, c := range s.configs {
		if c.SourceID == sourceID && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) ActiveByUser(ctx context.Context, userID int64) ([]chat.ConnectorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.ConnectorConfig
	for _, c := range s.configs {
		if c.UserID == userID && c.Active {
			out = append(out, c)
		}
	}
	// Most recently used first, matching the store contract.
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memStore) MarkInactive(ctx context.Context, connectorID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.configs {
		if s.configs[i].ID == connectorID {
			s.configs[i].Active = false
		}
	}
	return nil
}

type noopConnector struct{}

func (noopConnector) Start(ctx context.Context) error { return nil }
func (noopConnector) Stop()                           {}

func testHandlers(configs []chat.ConnectorConfig) (*Handlers, *chat.Registry) {
	store := &memStore{configs: configs}
	hub := broadcast.NewHub()
	factory := chat.Factory{
		chat.PlatformTwitch:    func(cfg chat.ConnectorConfig, b chat.Broadcaster) (chat.Connector, error) { return noopConnector{}, nil },
		chat.PlatformYouTube:   func(cfg chat.ConnectorConfig, b chat.Broadcaster) (chat.Connector, error) { return noopConnector{}, nil },
		chat.PlatformInstagram: func(cfg chat.ConnectorConfig, b chat.Broadcaster) (chat.Connector, error) { return noopConnector{}, nil },
	}
	reg := chat.NewRegistry(context.Background(), store, hub, factory, 1)
	return NewHandlers(nil, Deps{Registry: reg, Hub: hub}), reg
}

// ctxRecordingConnector exposes the context its Start was given.
type ctxRecordingConnector struct {
	mu  sync.Mutex
	ctx context.Context
}

func (c *ctxRecordingConnector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	return nil
}

func (c *ctxRecordingConnector) Stop() {}

func (c *ctxRecordingConnector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return errors.New("never started")
	}
	return c.ctx.Err()
}

func TestViewerConnectorsOutliveRequestContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &memStore{configs: []chat.ConnectorConfig{
		{ID: 1, SourceID: 7, UserID: 5, Platform: chat.PlatformTwitch, Active: true},
	}}
	hub := broadcast.NewHub()
	go hub.Run(ctx)
	recConn := &ctxRecordingConnector{}
	factory := chat.Factory{
		chat.PlatformTwitch: func(cfg chat.ConnectorConfig, b chat.Broadcaster) (chat.Connector, error) { return recConn, nil },
	}
	reg := chat.NewRegistry(ctx, store, hub, factory, 1)
	h := NewHandlers(nil, Deps{Registry: reg, Hub: hub})

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/?source_id=7", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(2 * time.Second)
	for recConn.err() != nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// The handler has long since returned; the connector must still run while
	// the viewer is connected.
	time.Sleep(100 * time.Millisecond)
	if err := recConn.err(); err != nil {
		t.Fatalf("connector context ended while the viewer was still connected: %v", err)
	}
	if !reg.Alive(1) {
		t.Fatal("connector should be tracked as live")
	}
	reg.StopAll()
	if recConn.err() == nil {
		t.Error("engine teardown should cancel the connector context")
	}
}

func TestHandleStatus(t *testing.T) {
	h, reg := testHandlers([]chat.ConnectorConfig{
		{ID: 1, SourceID: 10, UserID: 5, Platform: chat.PlatformTwitch, Active: true},
		{ID: 2, SourceID: 10, UserID: 5, Platform: chat.PlatformYouTube, Active: true},
	})
	if err := reg.StartAll(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	defer reg.StopAll()

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Connectors  int            `json:"connectors"`
		ByPlatform  map[string]int `json:"by_platform"`
		Subscribers int            `json:"subscribers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Connectors != 2 {
		t.Errorf("connectors = %d, want 2", out.Connectors)
	}
	if out.ByPlatform["twitch"] != 1 || out.ByPlatform["youtube"] != 1 {
		t.Errorf("by_platform = %v", out.ByPlatform)
	}
	if out.Subscribers != 0 {
		t.Errorf("subscribers = %d, want 0", out.Subscribers)
	}
}

func TestUsersDisconnectWebhook(t *testing.T) {
	h, reg := testHandlers([]chat.ConnectorConfig{
		{ID: 1, SourceID: 10, UserID: 5, Platform: chat.PlatformTwitch, Active: true},
		{ID: 2, SourceID: 11, UserID: 5, Platform: chat.PlatformYouTube, Active: true},
	})
	_ = reg.StartAll(context.Background(), 10)
	_ = reg.StartAll(context.Background(), 11)

	rec := httptest.NewRecorder()
	h.HandleUsersDispatcher(rec, httptest.NewRequest(http.MethodPost, "/users/5/connectors/disconnect", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["disconnected"] != 2 {
		t.Errorf("disconnected = %d, want 2", out["disconnected"])
	}
	if reg.Count() != 0 {
		t.Errorf("live connectors = %d, want 0", reg.Count())
	}
}

func TestUsersDegradeWebhookKeepsOne(t *testing.T) {
	now := time.Now()
	h, reg := testHandlers([]chat.ConnectorConfig{
		{ID: 1, SourceID: 10, UserID: 5, Platform: chat.PlatformTwitch, Active: true, UpdatedAt: now.Add(-time.Hour)},
		{ID: 2, SourceID: 10, UserID: 5, Platform: chat.PlatformYouTube, Active: true, UpdatedAt: now},
	})
	_ = reg.StartAll(context.Background(), 10)

	rec := httptest.NewRecorder()
	h.HandleUsersDispatcher(rec, httptest.NewRequest(http.MethodPost, "/users/5/connectors/degrade", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if reg.Count() != 1 {
		t.Errorf("live connectors = %d, want 1 survivor", reg.Count())
	}
	if !reg.Alive(2) {
		t.Error("most recently used connector should survive")
	}
	reg.StopAll()
}

func TestUsersDispatcherRejectsBadRequests(t *testing.T) {
	h, _ := testHandlers(nil)
	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/users/5/connectors/disconnect", http.StatusMethodNotAllowed},
		{http.MethodPost, "/users/abc/connectors/disconnect", http.StatusBadRequest},
		{http.MethodPost, "/users/5/connectors/unknown", http.StatusNotFound},
		{http.MethodPost, "/users/5", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.HandleUsersDispatcher(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}

func TestConnectorStopWebhook(t *testing.T) {
	h, reg := testHandlers([]chat.ConnectorConfig{
		{ID: 1, SourceID: 10, UserID: 5, Platform: chat.PlatformTwitch, Active: true},
	})
	_ = reg.StartAll(context.Background(), 10)

	rec := httptest.NewRecorder()
	h.HandleConnectorsDispatcher(rec, httptest.NewRequest(http.MethodPost, "/connectors/1/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if reg.Count() != 0 {
		t.Errorf("live connectors = %d, want 0", reg.Count())
	}

	// Stopping again is fine.
	rec = httptest.NewRecorder()
	h.HandleConnectorsDispatcher(rec, httptest.NewRequest(http.MethodPost, "/connectors/1/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat stop status = %d", rec.Code)
	}
}

func TestEntitlementEndpointPattern(t *testing.T) {
	pattern := getEntitlementEndpointPattern()
	protected := []string{
		"/users/5/connectors/disconnect",
		"/users/5/connectors/degrade",
		"/connectors/9/stop",
	}
	open := []string{
		"/status",
		"/ws",
		"/users/5/connectors",
		"/healthz",
	}
	for _, p := range protected {
		if !pattern.MatchString(p) {
			t.Errorf("%s should be protected", p)
		}
	}
	for _, p := range open {
		if pattern.MatchString(p) {
			t.Errorf("%s should not be protected", p)
		}
	}
}
