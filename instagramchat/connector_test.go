package instagramchat

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/testutil"
)

func testConfig() chat.ConnectorConfig {
	return chat.ConnectorConfig{
		ID:          3,
		SourceID:    10,
		Platform:    chat.PlatformInstagram,
		Username:    "creator",
		DisplayName: "Creator",
		AccessToken: "token",
		LiveVideoID: "live-1",
		Active:      true,
	}
}

func testOptions(srv *testutil.MockAPIServer) Options {
	return Options{
		GraphAPIBaseURL:    srv.URL,
		GraphStreamBaseURL: srv.URL,
		PollInterval:       time.Millisecond,
		MaxPollInterval:    8 * time.Millisecond,
		PushRetryDelay:     time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRequiresTokenAndLiveVideo(t *testing.T) {
	cases := []chat.ConnectorConfig{
		{LiveVideoID: "live-1"},
		{AccessToken: "token"},
		{},
	}
	for i, cfg := range cases {
		_, err := New(cfg, nil, Options{})
		if err == nil {
			t.Errorf("case %d: want config error", i)
			continue
		}
		if chat.Classify(err) != chat.ErrorConfiguration {
			t.Errorf("case %d: Classify = %v, want configuration", i, chat.Classify(err))
		}
	}
}

func TestStreamDeliversAndFiltersPings(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.Handlers["/live-1/live_comments"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, `data: {"id":"c1","from":{"name":"Fan","id":"f1"},"message":"hi","created_time":"2026-03-01T20:00:00+0000"}`+"\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, `data: {"id":"c2","from":{"name":"Fan2","id":"f2"},"message":"hello"}`+"\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}

	bcast := &testutil.CaptureBroadcaster{}
	conn, err := New(testConfig(), bcast, testOptions(srv))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := conn.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(bcast.MessagesOfType(chat.MessageText)) >= 2 })
	cancel()
	conn.Stop()

	sys := bcast.MessagesOfType(chat.MessageSystem)
	if len(sys) == 0 || sys[0].Text != "Connected to Creator's Instagram Live comments via real-time streaming" {
		t.Fatalf("streaming welcome missing: %+v", sys)
	}
	texts := bcast.MessagesOfType(chat.MessageText)
	if texts[0].AuthorName != "Fan" || texts[0].Text != "hi" {
		t.Errorf("first comment wrong: %+v", texts[0])
	}
	if texts[0].PlatformMessageID != "c1" {
		t.Errorf("PlatformMessageID = %q", texts[0].PlatformMessageID)
	}
	// Only the two data events appear; ping keepalives produce nothing.
	if len(texts) != 2 {
		t.Errorf("got %d text messages, want 2", len(texts))
	}
}

func TestDemotesToPollingAfterStreamFailure(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.Handlers["/live-1/live_comments"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
	}
	srv.MockJSONResponse("/live-1/comments", map[string]any{
		"data": []map[string]any{
			{"id": "c1", "from": map[string]string{"name": "Fan", "id": "f1"}, "message": "polled hello"},
		},
		"paging": map[string]any{"cursors": map[string]string{"after": "cur-1"}},
	})

	bcast := &testutil.CaptureBroadcaster{}
	conn, err := New(testConfig(), bcast, testOptions(srv))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := conn.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(bcast.MessagesOfType(chat.MessageText)) >= 1 })
	cancel()
	conn.Stop()

	sys := bcast.MessagesOfType(chat.MessageSystem)
	if len(sys) != 1 || sys[0].Text != "Connected to Creator's Instagram Live comments via polling" {
		t.Fatalf("polling welcome missing: %+v", sys)
	}
	texts := bcast.MessagesOfType(chat.MessageText)
	if texts[0].Text != "polled hello" {
		t.Errorf("polled comment wrong: %+v", texts[0])
	}

	c := conn.(*Connector)
	if c.after != "cur-1" {
		t.Errorf("cursor = %q, want cur-1", c.after)
	}
}

func TestPollDeduplicates(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.MockJSONResponse("/live-1/comments", map[string]any{
		"data": []map[string]any{
			{"id": "c1", "from": map[string]string{"name": "Fan", "id": "f1"}, "message": "once"},
		},
	})
	bcast := &testutil.CaptureBroadcaster{}
	conn, err := New(testConfig(), bcast, testOptions(srv))
	if err != nil {
		t.Fatal(err)
	}
	c := conn.(*Connector)
	if err := c.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bcast.Len() != 1 {
		t.Fatalf("broadcast %d messages, want 1 after duplicate page", bcast.Len())
	}
}

func TestPollQuotaError(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.Handlers["/live-1/comments"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Application request limit reached","type":"OAuthException","code":4}}`))
	}
	conn, err := New(testConfig(), &testutil.CaptureBroadcaster{}, testOptions(srv))
	if err != nil {
		t.Fatal(err)
	}
	c := conn.(*Connector)
	pollErr := c.poll(context.Background())
	if pollErr == nil {
		t.Fatal("want quota error")
	}
	if chat.Classify(pollErr) != chat.ErrorQuotaExceeded {
		t.Fatalf("Classify = %v, want quota", chat.Classify(pollErr))
	}
}

func TestMapGraphError(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   chat.ErrorClass
	}{
		{"http 429", http.StatusTooManyRequests, `{}`, chat.ErrorQuotaExceeded},
		{"code 4", http.StatusBadRequest, `{"error":{"code":4}}`, chat.ErrorQuotaExceeded},
		{"code 17", http.StatusBadRequest, `{"error":{"code":17}}`, chat.ErrorQuotaExceeded},
		{"code 32", http.StatusBadRequest, `{"error":{"code":32}}`, chat.ErrorQuotaExceeded},
		{"code 190 invalid token", http.StatusBadRequest, `{"error":{"code":190,"message":"Invalid OAuth access token"}}`, chat.ErrorConnectionFatal},
	}
	for _, tc := range cases {
		err := mapGraphError(tc.status, []byte(tc.body))
		if got := chat.Classify(err); got != tc.want {
			t.Errorf("%s: Classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeComment(t *testing.T) {
	var ev comment
	ev.ID = "c9"
	ev.From.Name = "Fan"
	ev.From.ID = "f9"
	ev.Message = "nice stream"
	ev.CreatedTime = "2026-03-01T20:00:00+0000"
	msg := normalizeComment(testConfig(), ev)
	if msg.PlatformMessageID != "c9" || msg.AuthorID != "f9" {
		t.Errorf("ids wrong: %+v", msg)
	}
	if msg.Metadata["createdTime"] != "2026-03-01T20:00:00+0000" {
		t.Error("createdTime metadata missing")
	}
	if msg.Platform != chat.PlatformInstagram {
		t.Errorf("platform = %q", msg.Platform)
	}
}
