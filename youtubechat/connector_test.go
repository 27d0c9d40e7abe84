package youtubechat

import (
	"context"
	"net/http"
	"testing"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	youtube "google.golang.org/api/youtube/v3"

	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/testutil"
)

func testConfig() chat.ConnectorConfig {
	return chat.ConnectorConfig{
		ID:          2,
		SourceID:    10,
		Platform:    chat.PlatformYouTube,
		Username:    "channel",
		DisplayName: "Channel",
		AccessToken: "token",
		Active:      true,
	}
}

func newTestConnector(t *testing.T, srv *testutil.MockAPIServer, b chat.Broadcaster) *Connector {
	t.Helper()
	svc, err := youtube.NewService(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatal(err)
	}
	conn, err := New(testConfig(), b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	c := conn.(*Connector)
	c.svc = svc
	return c
}

func chatItem(id, author, text, kind string) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"type":           kind,
			"displayMessage": text,
			"publishedAt":    "2026-03-01T20:00:00Z",
		},
		"authorDetails": map[string]any{
			"displayName": author,
			"channelId":   "ch-" + author,
		},
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(chat.ConnectorConfig{Username: "channel"}, nil, Options{})
	if err == nil {
		t.Fatal("want config error")
	}
	if chat.Classify(err) != chat.ErrorConfiguration {
		t.Fatalf("Classify = %v, want configuration", chat.Classify(err))
	}
}

func TestResolveLiveChatID(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.MockJSONResponse("/youtube/v3/liveBroadcasts", map[string]any{
		"items": []map[string]any{
			{"snippet": map[string]any{"liveChatId": "live-chat-1", "title": "stream"}},
		},
	})
	c := newTestConnector(t, srv, &testutil.CaptureBroadcaster{})
	id, err := c.resolveLiveChatID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "live-chat-1" {
		t.Fatalf("live chat id = %q", id)
	}
}

func TestResolveLiveChatIDNoActiveBroadcast(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.MockJSONResponse("/youtube/v3/liveBroadcasts", map[string]any{"items": []map[string]any{}})
	c := newTestConnector(t, srv, &testutil.CaptureBroadcaster{})
	id, err := c.resolveLiveChatID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Fatalf("id = %q, want empty when offline", id)
	}
}

func TestPollBroadcastsAndDeduplicates(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.MockJSONResponse("/youtube/v3/liveChat/messages", map[string]any{
		"items": []map[string]any{
			chatItem("m1", "alice", "first", "textMessageEvent"),
			chatItem("m2", "bob", "second", "textMessageEvent"),
		},
		"nextPageToken": "page-2",
	})
	bcast := &testutil.CaptureBroadcaster{}
	c := newTestConnector(t, srv, bcast)
	c.liveChatID = "live-chat-1"

	if err := c.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bcast.Len() != 2 {
		t.Fatalf("broadcast %d messages, want 2", bcast.Len())
	}
	if c.pageToken != "page-2" {
		t.Fatalf("cursor = %q, want page-2", c.pageToken)
	}

	// The same page delivered again must be fully suppressed.
	if err := c.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bcast.Len() != 2 {
		t.Fatalf("broadcast %d messages after duplicate window, want 2", bcast.Len())
	}

	msgs := bcast.Messages()
	if msgs[0].AuthorName != "alice" || msgs[0].Text != "first" {
		t.Errorf("first message wrong: %+v", msgs[0])
	}
	if msgs[0].Platform != chat.PlatformYouTube {
		t.Errorf("platform = %q", msgs[0].Platform)
	}
}

func TestPollSkipsPartialItems(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.MockJSONResponse("/youtube/v3/liveChat/messages", map[string]any{
		"items": []map[string]any{
			{"id": "m1", "snippet": map[string]any{"type": "textMessageEvent"}}, // no author, no text
			chatItem("m2", "bob", "visible", "textMessageEvent"),
		},
	})
	bcast := &testutil.CaptureBroadcaster{}
	c := newTestConnector(t, srv, bcast)
	c.liveChatID = "live-chat-1"
	if err := c.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bcast.Len() != 1 {
		t.Fatalf("broadcast %d messages, want 1", bcast.Len())
	}
}

func TestPollQuotaErrorClassified(t *testing.T) {
	srv := testutil.NewMockAPIServer(t)
	srv.Handlers["/youtube/v3/liveChat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota exceeded","errors":[{"reason":"quotaExceeded"}]}}`))
	}
	c := newTestConnector(t, srv, &testutil.CaptureBroadcaster{})
	c.liveChatID = "live-chat-1"
	err := c.poll(context.Background())
	if err == nil {
		t.Fatal("want quota error")
	}
	if chat.Classify(err) != chat.ErrorQuotaExceeded {
		t.Fatalf("Classify = %v, want quota", chat.Classify(err))
	}
}

func TestMapAPIError(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		quota bool
	}{
		{"429", &googleapi.Error{Code: 429}, true},
		{"403 quotaExceeded", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, true},
		{"403 rateLimitExceeded", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, true},
		{"403 forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, false},
		{"500", &googleapi.Error{Code: 500}, false},
	}
	for _, tc := range cases {
		got := mapAPIError(tc.err)
		_, isQuota := got.(*chat.QuotaError)
		if isQuota != tc.quota {
			t.Errorf("%s: quota = %v, want %v", tc.name, isQuota, tc.quota)
		}
	}
}

func TestNormalizeItemSuperchat(t *testing.T) {
	item := &youtube.LiveChatMessage{
		Id: "sc-1",
		Snippet: &youtube.LiveChatMessageSnippet{
			Type:           "superChatEvent",
			DisplayMessage: "big tip",
			PublishedAt:    "2026-03-01T20:00:00Z",
			SuperChatDetails: &youtube.LiveChatSuperChatDetails{
				AmountDisplayString: "$5.00",
				Tier:                2,
			},
		},
		AuthorDetails: &youtube.LiveChatMessageAuthorDetails{
			DisplayName: "Fan",
			ChannelId:   "ch-fan",
		},
	}
	msg := normalizeItem(testConfig(), item)
	if msg.Type != chat.MessageSuperchat {
		t.Fatalf("Type = %q, want superchat", msg.Type)
	}
	if msg.Metadata["amount"] != "$5.00" {
		t.Errorf("amount metadata = %v", msg.Metadata["amount"])
	}
	if msg.AuthorID != "ch-fan" {
		t.Errorf("AuthorID = %q", msg.AuthorID)
	}
}

func TestNormalizeItemText(t *testing.T) {
	item := &youtube.LiveChatMessage{
		Id: "m1",
		Snippet: &youtube.LiveChatMessageSnippet{
			Type:           "textMessageEvent",
			DisplayMessage: "hello",
		},
		AuthorDetails: &youtube.LiveChatMessageAuthorDetails{
			DisplayName:     "Mod",
			ChannelId:       "ch-mod",
			IsChatModerator: true,
		},
	}
	msg := normalizeItem(testConfig(), item)
	if msg.Type != chat.MessageText {
		t.Fatalf("Type = %q", msg.Type)
	}
	if msg.Metadata["isChatModerator"] != true {
		t.Error("moderator flag missing")
	}
	if msg.Metadata["kind"] != "textMessageEvent" {
		t.Errorf("kind = %v", msg.Metadata["kind"])
	}
}
