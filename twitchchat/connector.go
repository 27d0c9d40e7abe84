// Package twitchchat implements the persistent-session chat connector for
// Twitch IRC. One connector holds one authenticated IRC session joined to
// the tenant's channel; every inbound chat line is normalized and handed to
// the broadcast gateway immediately, with no buffering.
package twitchchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/telemetry"
)

// Connector is one running IRC session. Reconnection is the client
// library's job (its own bounded, increasing backoff); the connector only
// surfaces a persistent failure as an error-type message.
type Connector struct {
	cfg    chat.ConnectorConfig
	bcast  chat.Broadcaster
	client *twitch.Client
	done   chan struct{}
	// addr overrides the IRC endpoint (tests); empty means Twitch production.
	addr string
}

// New validates the config and builds an idle connector. The session is not
// opened until Start.
func New(cfg chat.ConnectorConfig, b chat.Broadcaster) (chat.Connector, error) {
	if cfg.AccessToken == "" || cfg.Username == "" {
		return nil, &chat.ConfigError{Reason: "Twitch connector configuration is incomplete. Please reconnect your Twitch account."}
	}
	return &Connector{cfg: cfg, bcast: b, done: make(chan struct{})}, nil
}

// Start opens the IRC session and returns without waiting for the join.
func (c *Connector) Start(ctx context.Context) error {
	token := c.cfg.AccessToken
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	client := twitch.NewClient(c.cfg.Username, token)
	if c.addr != "" {
		client.IrcAddress = c.addr
		client.TLS = false
	}

	client.OnConnect(func() {
		slog.Info("joined twitch chat", slog.String("channel", c.cfg.Username), slog.Int64("connector_id", c.cfg.ID))
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		if ctx.Err() != nil {
			return // session stopping, discard late deliveries
		}
		c.bcast.Broadcast(c.cfg.SourceID, normalize(c.cfg, m))
		telemetry.CountBroadcast(string(chat.PlatformTwitch))
	})
	client.Join(c.cfg.Username)
	c.client = client

	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
	}()
	go func() {
		defer close(c.done)
		// Connect blocks for the session lifetime; the client reconnects
		// internally and only returns on a fatal error or Disconnect.
		if err := client.Connect(); err != nil && ctx.Err() == nil {
			slog.Error("twitch chat session ended", slog.Int64("connector_id", c.cfg.ID), slog.Any("err", err))
			c.bcast.Broadcast(c.cfg.SourceID, chat.ErrorMessage(c.cfg,
				fmt.Sprintf("Failed to connect to Twitch chat: %v", err)))
		}
	}()

	c.bcast.Broadcast(c.cfg.SourceID, chat.SystemMessage(c.cfg,
		fmt.Sprintf("Connected to %s's Twitch chat", c.cfg.Target())))
	return nil
}

// Stop disconnects the session synchronously and waits for the session
// goroutine to exit, so a restart builds a fresh client instead of reusing
// stale state. Disconnect is a no-op until the dial completes, so it is
// retried: a stop racing the connect must still terminate the session.
func (c *Connector) Stop() {
	if c.client == nil {
		return // Start was never called
	}
	for {
		_ = c.client.Disconnect()
		select {
		case <-c.done:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// normalize maps an IRC PRIVMSG into the canonical shape. Badges, color and
// emotes ride along in metadata for display; they never drive control flow.
func normalize(cfg chat.ConnectorConfig, m twitch.PrivateMessage) chat.Message {
	md := map[string]any{
		"color":      m.User.Color,
		"badges":     m.User.Badges,
		"mod":        m.Tags["mod"] == "1",
		"subscriber": m.Tags["subscriber"] == "1",
		"timestamp":  m.Time,
	}
	if len(m.Emotes) > 0 {
		names := make([]string, 0, len(m.Emotes))
		for _, e := range m.Emotes {
			names = append(names, e.Name)
		}
		md["emotes"] = names
	}
	if m.Reply != nil && m.Reply.ParentMsgID != "" {
		md["replyToId"] = m.Reply.ParentMsgID
		md["replyToUsername"] = m.Reply.ParentUserLogin
		md["replyToMessage"] = m.Reply.ParentMsgBody
	}
	if m.Bits > 0 {
		md["bits"] = m.Bits
	}
	name := m.User.DisplayName
	if name == "" {
		name = m.User.Name
	}
	return chat.Normalize(cfg, chat.RawEvent{
		ID:         m.ID,
		AuthorName: name,
		AuthorID:   m.User.ID,
		Text:       m.Message,
		Kind:       chat.MessageText,
		Metadata:   md,
	})
}
