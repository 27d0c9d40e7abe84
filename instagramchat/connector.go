// Package instagramchat implements the push-with-pull-fallback connector for
// Instagram Live comments. The Graph API offers a server-sent-event stream of
// live comments; when that stream cannot be established the connector demotes
// itself to cursor polling against the comments edge, trading latency for
// delivery.
package instagramchat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/telemetry"
)

const defaultPushRetryDelay = 2 * time.Second

// Options tune transport endpoints and the fallback poll loop; zero values
// fall back to the production Graph API hosts and the chat package defaults.
type Options struct {
	// GraphAPIBaseURL serves the polled comments edge.
	GraphAPIBaseURL string
	// GraphStreamBaseURL serves the live_comments SSE stream.
	GraphStreamBaseURL string

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	CacheSize       int
	// PushRetryDelay is the wait before the single stream reconnect attempt.
	PushRetryDelay time.Duration

	HTTPClient *http.Client
}

// Factory adapts New to the registry's constructor signature.
func Factory(opts Options) func(chat.ConnectorConfig, chat.Broadcaster) (chat.Connector, error) {
	return func(cfg chat.ConnectorConfig, b chat.Broadcaster) (chat.Connector, error) {
		return New(cfg, b, opts)
	}
}

// Connector serves one live video. It starts in streaming mode and holds the
// poll cursor and processed-id cache for the fallback path.
type Connector struct {
	cfg   chat.ConnectorConfig
	bcast chat.Broadcaster
	opts  Options

	client  *http.Client
	limiter *rate.Limiter
	poller  *chat.Poller
	cache   *chat.ProcessedIDCache
	after   string // comments edge cursor
	done    chan struct{}
}

// New validates the config and builds an idle connector. A live video id is
// mandatory: comments hang off the video object, not the account.
func New(cfg chat.ConnectorConfig, b chat.Broadcaster, opts Options) (chat.Connector, error) {
	if cfg.AccessToken == "" || cfg.LiveVideoID == "" {
		return nil, &chat.ConfigError{Reason: "Instagram connector configuration is incomplete. Please reconnect your Instagram account."}
	}
	if opts.GraphAPIBaseURL == "" {
		opts.GraphAPIBaseURL = "https://graph.facebook.com"
	}
	if opts.GraphStreamBaseURL == "" {
		opts.GraphStreamBaseURL = "https://streaming-graph.facebook.com"
	}
	if opts.PushRetryDelay <= 0 {
		opts.PushRetryDelay = defaultPushRetryDelay
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Connector{
		cfg:    cfg,
		bcast:  b,
		opts:   opts,
		client: client,
		// Graph rate guard on top of the poll schedule.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		poller:  chat.NewPoller(chat.PlatformInstagram, opts.PollInterval, opts.MaxPollInterval),
		cache:   chat.NewProcessedIDCache(opts.CacheSize),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the delivery goroutine and returns immediately.
func (c *Connector) Start(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// Stop waits for the delivery goroutine to exit. The registry cancels the
// connector's context first.
func (c *Connector) Stop() {
	<-c.done
}

func (c *Connector) run(ctx context.Context) {
	defer close(c.done)
	log := slog.Default().With(slog.Int64("connector_id", c.cfg.ID), slog.String("platform", string(chat.PlatformInstagram)))

	// Push first: one connect, one retry, then demote.
	for attempt := 0; attempt < 2; attempt++ {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn("instagram live comment stream failed", slog.Int("attempt", attempt+1), slog.Any("err", err))
		if attempt == 0 {
			timer := time.NewTimer(c.opts.PushRetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	telemetry.CountFallbackDemotion()
	log.Info("demoting instagram connector to polling")
	c.bcast.Broadcast(c.cfg.SourceID, chat.SystemMessage(c.cfg,
		fmt.Sprintf("Connected to %s's Instagram Live comments via polling", c.cfg.Target())))
	c.poller.Run(ctx, c.poll)
}

// stream opens the SSE live_comments stream and delivers until the stream
// breaks or ctx is canceled. Returns nil only on cancellation.
func (c *Connector) stream(ctx context.Context) error {
	u := fmt.Sprintf("%s/%s/live_comments?access_token=%s&comment_rate=one_per_two_seconds&fields=%s",
		c.opts.GraphStreamBaseURL, c.cfg.LiveVideoID,
		url.QueryEscape(c.cfg.AccessToken),
		url.QueryEscape("from{name,id},message,created_time"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("live_comments stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.bcast.Broadcast(c.cfg.SourceID, chat.SystemMessage(c.cfg,
		fmt.Sprintf("Connected to %s's Instagram Live comments via real-time streaming", c.cfg.Target())))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		// Keepalives arrive as ": ping" comment lines.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev comment
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &ev); err != nil {
			slog.Warn("unparseable instagram comment event", slog.Any("err", err))
			continue
		}
		c.deliver(ctx, ev)
		if ctx.Err() != nil {
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("live_comments stream ended")
}

// poll fetches one page of comments, oldest first, and delivers the unseen
// ones. The cursor advances so each poll only pays for new comments.
func (c *Connector) poll(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/comments?access_token=%s&fields=%s&limit=50",
		c.opts.GraphAPIBaseURL, c.cfg.LiveVideoID,
		url.QueryEscape(c.cfg.AccessToken),
		url.QueryEscape("from{name,id},message,created_time"))
	if c.after != "" {
		u += "&after=" + url.QueryEscape(c.after)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return mapGraphError(resp.StatusCode, body)
	}

	var page commentsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return fmt.Errorf("decode comments page: %w", err)
	}
	if page.Paging.Cursors.After != "" {
		c.after = page.Paging.Cursors.After
	}
	for _, ev := range page.Data {
		c.deliver(ctx, ev)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// deliver broadcasts one comment unless it was already seen or the connector
// is stopping.
func (c *Connector) deliver(ctx context.Context, ev comment) {
	if ev.ID != "" && c.cache.Seen(ev.ID) {
		telemetry.CountDeduped()
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.bcast.Broadcast(c.cfg.SourceID, normalizeComment(c.cfg, ev))
	telemetry.CountBroadcast(string(chat.PlatformInstagram))
	if ev.ID != "" {
		c.cache.Add(ev.ID)
	}
}

// mapGraphError translates a Graph API error response. Codes 4, 17 and 32
// are the application/user rate-limit family.
func mapGraphError(status int, body []byte) error {
	var ge graphError
	_ = json.Unmarshal(body, &ge)
	base := fmt.Errorf("graph api: status %d code %d: %s", status, ge.Error.Code, ge.Error.Message)
	if status == http.StatusTooManyRequests {
		return &chat.QuotaError{Err: base}
	}
	switch ge.Error.Code {
	case 4, 17, 32:
		return &chat.QuotaError{Err: base}
	case 190: // invalid or expired token
		return &chat.ConnectionError{Err: base}
	}
	return base
}

func normalizeComment(cfg chat.ConnectorConfig, ev comment) chat.Message {
	md := map[string]any{}
	if ev.CreatedTime != "" {
		md["createdTime"] = ev.CreatedTime
	}
	return chat.Normalize(cfg, chat.RawEvent{
		ID:         ev.ID,
		AuthorName: ev.From.Name,
		AuthorID:   ev.From.ID,
		Text:       ev.Message,
		Kind:       chat.MessageText,
		Metadata:   md,
	})
}

type comment struct {
	ID   string `json:"id"`
	From struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"from"`
	Message     string `json:"message"`
	CreatedTime string `json:"created_time"`
}

type commentsPage struct {
	Data   []comment `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
	} `json:"paging"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}
