package chat

import (
	"context"
	"time"
)

// Platform identifies a chat/comment source kind.
type Platform string

const (
	// PlatformTwitch is the persistent IRC chat connector.
	PlatformTwitch Platform = "twitch"
	// PlatformYouTube is the quota-limited polling connector.
	PlatformYouTube Platform = "youtube"
	// PlatformInstagram is the push-with-polling-fallback comment connector.
	PlatformInstagram Platform = "instagram"
	// PlatformWebhook receives messages pushed by external services.
	PlatformWebhook Platform = "webhook"
	// PlatformCustom is reserved for user-defined integrations.
	PlatformCustom Platform = "custom"
)

// Known reports whether p is a platform this build can dispatch to.
func (p Platform) Known() bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformInstagram, PlatformWebhook, PlatformCustom:
		return true
	}
	return false
}

// MessageType classifies a normalized message for display purposes.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageSystem    MessageType = "system"
	MessageError     MessageType = "error"
	MessageSuperchat MessageType = "superchat"
)

// Message is the canonical, platform-agnostic chat event delivered to
// subscribers of an aggregated source. It is a value type created per raw
// event and consumed immediately by the broadcast gateway.
type Message struct {
	ConnectorID       int64          `json:"connectorId"`
	SourceID          int64          `json:"sourceId"`
	PlatformMessageID string         `json:"platformMessageId"`
	AuthorName        string         `json:"authorName"`
	AuthorID          string         `json:"authorId"`
	Text              string         `json:"messageText"`
	Type              MessageType    `json:"messageType"`
	Platform          Platform       `json:"platform"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Broadcaster is the fan-out boundary toward the real-time transport.
// Implementations must be safe for concurrent use and must never block the
// caller on slow or disconnected subscribers.
type Broadcaster interface {
	Broadcast(sourceID int64, msg Message)
}

// ConnectorConfig is the persisted configuration for one platform connector
// of one source. It is created by the API layer and read-only to the
// connector once started.
type ConnectorConfig struct {
	ID          int64
	SourceID    int64
	UserID      int64
	Platform    Platform
	Username    string // platform login / channel identifier
	DisplayName string
	AccessToken string
	LiveVideoID string // push/comment platforms: the live media object to follow
	Active      bool
	UpdatedAt   time.Time
}

// Target returns the human-readable name of the channel this connector
// follows, preferring the display name.
func (c ConnectorConfig) Target() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if c.Username != "" {
		return c.Username
	}
	return string(c.Platform)
}

// Connector is one running platform session. Start must not block: it
// spawns the session goroutines and returns. Stop tears the session down
// synchronously; after Stop returns no further message is broadcast.
type Connector interface {
	Start(ctx context.Context) error
	Stop()
}

// Factory maps a platform to its connector constructor. Construction
// validates configuration only; network work happens in Start.
type Factory map[Platform]func(cfg ConnectorConfig, b Broadcaster) (Connector, error)
