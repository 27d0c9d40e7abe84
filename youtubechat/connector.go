// Package youtubechat implements the quota-limited pull connector for
// YouTube live chat. The Data API only offers cursor-paginated retrieval
// under a strict daily quota, so the connector simulates a live stream: a
// fixed-interval poll loop with a processed-id cache for cross-window
// de-duplication and exponential backoff on quota errors.
package youtubechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	youtube "google.golang.org/api/youtube/v3"

	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/telemetry"
)

// Options tune the poll loop; zero values fall back to the chat package
// defaults.
type Options struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	CacheSize       int
	// ClientOptions are appended when building the API service; tests use
	// them to point at a mock endpoint.
	ClientOptions []option.ClientOption
}

// Factory adapts New to the registry's constructor signature.
func Factory(opts Options) func(chat.ConnectorConfig, chat.Broadcaster) (chat.Connector, error) {
	return func(cfg chat.ConnectorConfig, b chat.Broadcaster) (chat.Connector, error) {
		return New(cfg, b, opts)
	}
}

// Connector polls one live chat. The cursor, the processed-id cache and the
// backoff state live on the connector and are discarded with it on stop.
type Connector struct {
	cfg   chat.ConnectorConfig
	bcast chat.Broadcaster
	opts  Options

	svc        *youtube.Service
	poller     *chat.Poller
	cache      *chat.ProcessedIDCache
	liveChatID string
	pageToken  string
	done       chan struct{}
}

// New validates the config and builds an idle connector.
func New(cfg chat.ConnectorConfig, b chat.Broadcaster, opts Options) (chat.Connector, error) {
	if cfg.AccessToken == "" {
		return nil, &chat.ConfigError{Reason: "YouTube connector configuration is incomplete. Please reconnect your YouTube account."}
	}
	return &Connector{
		cfg:    cfg,
		bcast:  b,
		opts:   opts,
		poller: chat.NewPoller(chat.PlatformYouTube, opts.PollInterval, opts.MaxPollInterval),
		cache:  chat.NewProcessedIDCache(opts.CacheSize),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the poll goroutine and returns immediately.
func (c *Connector) Start(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// Stop waits for the poll loop to exit. The registry cancels the
// connector's context first, so no tick fires after Stop returns.
func (c *Connector) Stop() {
	<-c.done
}

func (c *Connector) run(ctx context.Context) {
	defer close(c.done)

	if c.svc == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.cfg.AccessToken})
		opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts.ClientOptions...)
		svc, err := youtube.NewService(ctx, opts...)
		if err != nil {
			if ctx.Err() == nil {
				c.bcast.Broadcast(c.cfg.SourceID, chat.ErrorMessage(c.cfg,
					fmt.Sprintf("Failed to connect to YouTube chat: %v", err)))
			}
			return
		}
		c.svc = svc
	}

	// One lookup per connector lifetime: the live chat id of the active
	// broadcast is the thing we poll.
	chatID, err := c.resolveLiveChatID(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("youtube live chat lookup failed", slog.Int64("connector_id", c.cfg.ID), slog.Any("err", err))
			c.bcast.Broadcast(c.cfg.SourceID, chat.ErrorMessage(c.cfg,
				fmt.Sprintf("Failed to connect to YouTube chat: %v", err)))
		}
		return
	}
	if chatID == "" {
		slog.Info("no active youtube live broadcast", slog.Int64("connector_id", c.cfg.ID))
		c.bcast.Broadcast(c.cfg.SourceID, chat.SystemMessage(c.cfg,
			fmt.Sprintf("No active live broadcast found on %s's YouTube channel", c.cfg.Target())))
		return
	}
	c.liveChatID = chatID

	c.bcast.Broadcast(c.cfg.SourceID, chat.SystemMessage(c.cfg,
		fmt.Sprintf("Connected to %s's YouTube chat", c.cfg.Target())))
	c.poller.Run(ctx, c.poll)
}

func (c *Connector) resolveLiveChatID(ctx context.Context) (string, error) {
	resp, err := c.svc.LiveBroadcasts.List([]string{"snippet"}).
		BroadcastStatus("active").Mine(true).Context(ctx).Do()
	if err != nil {
		return "", mapAPIError(err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return "", nil
	}
	return resp.Items[0].Snippet.LiveChatId, nil
}

// poll fetches the next page of live chat messages and broadcasts every
// message not seen in a previous window.
func (c *Connector) poll(ctx context.Context) error {
	call := c.svc.LiveChatMessages.List(c.liveChatID, []string{"snippet", "authorDetails"}).MaxResults(200)
	if c.pageToken != "" {
		call = call.PageToken(c.pageToken)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return mapAPIError(err)
	}
	c.pageToken = resp.NextPageToken

	for _, item := range resp.Items {
		if item == nil || item.Snippet == nil || item.AuthorDetails == nil || item.Snippet.DisplayMessage == "" {
			continue // silent or partial events carry nothing to display
		}
		if c.cache.Seen(item.Id) {
			telemetry.CountDeduped()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err() // stopped mid-page: discard the rest
		}
		c.bcast.Broadcast(c.cfg.SourceID, normalizeItem(c.cfg, item))
		telemetry.CountBroadcast(string(chat.PlatformYouTube))
		c.cache.Add(item.Id)
	}
	return nil
}

// mapAPIError translates the Data API error taxonomy into the engine's.
// Quota exhaustion must trigger backoff, never a connector failure.
func mapAPIError(err error) error {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return err
	}
	if ge.Code == 429 {
		return &chat.QuotaError{Err: err}
	}
	if ge.Code == 403 {
		for _, item := range ge.Errors {
			switch item.Reason {
			case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
				return &chat.QuotaError{Err: err}
			}
		}
	}
	return err
}

// normalizeItem maps a live chat message resource into the canonical shape.
func normalizeItem(cfg chat.ConnectorConfig, item *youtube.LiveChatMessage) chat.Message {
	kind := chat.MessageText
	switch item.Snippet.Type {
	case "superChatEvent", "superStickerEvent":
		kind = chat.MessageSuperchat
	}
	md := map[string]any{
		"channelId":       item.AuthorDetails.ChannelId,
		"profileImageUrl": item.AuthorDetails.ProfileImageUrl,
		"isChatModerator": item.AuthorDetails.IsChatModerator,
		"isChatOwner":     item.AuthorDetails.IsChatOwner,
		"isChatSponsor":   item.AuthorDetails.IsChatSponsor,
		"publishedAt":     item.Snippet.PublishedAt,
		"kind":            item.Snippet.Type,
	}
	if kind == chat.MessageSuperchat && item.Snippet.SuperChatDetails != nil {
		md["amount"] = item.Snippet.SuperChatDetails.AmountDisplayString
		md["tier"] = item.Snippet.SuperChatDetails.Tier
	}
	return chat.Normalize(cfg, chat.RawEvent{
		ID:         item.Id,
		AuthorName: item.AuthorDetails.DisplayName,
		AuthorID:   item.AuthorDetails.ChannelId,
		Text:       item.Snippet.DisplayMessage,
		Kind:       kind,
		Metadata:   md,
	})
}
