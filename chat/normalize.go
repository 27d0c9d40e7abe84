package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawEvent is the intermediate shape a platform connector maps its wire
// payload into before normalization. Every field may be empty; Normalize
// fills gaps rather than failing.
type RawEvent struct {
	ID         string
	AuthorName string
	AuthorID   string
	Text       string
	Kind       MessageType
	Metadata   map[string]any
}

// Normalize converts a raw platform event into the canonical message shape.
// It is a pure function: malformed or partial input yields a usable message,
// never an error. The platform's own message id is preferred; the
// timestamp+random fallback cannot deduplicate retries and is a last resort.
func Normalize(cfg ConnectorConfig, ev RawEvent) Message {
	id := ev.ID
	if id == "" {
		id = FallbackMessageID()
	}
	name := ev.AuthorName
	if name == "" {
		name = "Unknown"
	}
	authorID := ev.AuthorID
	if authorID == "" {
		authorID = "user_" + strings.ToLower(name)
	}
	kind := ev.Kind
	if kind == "" {
		kind = MessageText
	}
	md := make(map[string]any, len(ev.Metadata)+1)
	for k, v := range ev.Metadata {
		md[k] = v
	}
	md["platform"] = string(cfg.Platform)
	return Message{
		ConnectorID:       cfg.ID,
		SourceID:          cfg.SourceID,
		PlatformMessageID: id,
		AuthorName:        name,
		AuthorID:          authorID,
		Text:              ev.Text,
		Type:              kind,
		Platform:          cfg.Platform,
		Metadata:          md,
	}
}

// FallbackMessageID builds a synthetic message id for platforms that do not
// provide one.
func FallbackMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// SystemMessage builds a synthetic system-type message attributed to the
// engine itself, used for connection status lines in the aggregated feed.
func SystemMessage(cfg ConnectorConfig, text string) Message {
	return systemMessage(cfg, text, MessageSystem)
}

// ErrorMessage is SystemMessage with the error type, used when a connector
// cannot be started or loses its session permanently.
func ErrorMessage(cfg ConnectorConfig, text string) Message {
	return systemMessage(cfg, text, MessageError)
}

func systemMessage(cfg ConnectorConfig, text string, kind MessageType) Message {
	return Message{
		ConnectorID:       cfg.ID,
		SourceID:          cfg.SourceID,
		PlatformMessageID: FallbackMessageID(),
		AuthorName:        "System",
		AuthorID:          "system",
		Text:              text,
		Type:              kind,
		Platform:          cfg.Platform,
		Metadata:          map[string]any{"platform": string(cfg.Platform), "connection": true},
	}
}
