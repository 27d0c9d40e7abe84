package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/neustream/chat-engine/broadcast"
	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/twitchapi"
)

// Deps are the engine collaborators the HTTP layer drives.
type Deps struct {
	Registry *chat.Registry
	Hub      *broadcast.Hub
	// Helix is optional; when set, /status can report Twitch channel liveness.
	Helix *twitchapi.HelixClient
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db   *sql.DB
	deps Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, deps Deps) *Handlers {
	return &Handlers{db: db, deps: deps}
}

// HandleWS subscribes a viewer to a source's aggregated feed. The first
// subscriber for a source is what pulls its connectors up; subsequent
// subscribers join the already-running feed.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	sourceID, err := strconv.ParseInt(r.URL.Query().Get("source_id"), 10, 64)
	if err != nil || sourceID <= 0 {
		http.Error(w, "missing or invalid source_id", http.StatusBadRequest)
		return
	}
	if err := h.deps.Registry.StartAll(r.Context(), sourceID); err != nil {
		slog.Error("failed to start connectors for source", slog.Int64("source_id", sourceID), slog.Any("err", err))
		// The feed is still useful for system messages; fall through to the upgrade.
	}
	h.deps.Hub.ServeWS(w, r)
}

// HandleStatus reports live connector counts and subscriber totals. With a
// channel query parameter and a configured Helix client it also reports
// whether that Twitch channel is live.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	byPlatform := make(map[string]int)
	for platform, n := range h.deps.Registry.CountsByPlatform() {
		byPlatform[string(platform)] = n
	}
	out := map[string]any{
		"connectors":  h.deps.Registry.Count(),
		"by_platform": byPlatform,
		"subscribers": h.deps.Hub.TotalSubscribers(),
	}
	if channel := r.URL.Query().Get("channel"); channel != "" && h.deps.Helix != nil {
		stream, err := h.deps.Helix.GetStream(r.Context(), channel)
		if err != nil {
			slog.Warn("stream liveness lookup failed", slog.String("channel", channel), slog.Any("err", err))
		} else {
			out["channel_live"] = stream != nil
			if stream != nil {
				out["stream"] = stream
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleUsersDispatcher routes /users/{id}/connectors/{action}.
func (h *Handlers) HandleUsersDispatcher(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// users/{id}/connectors/{action}
	if len(parts) != 4 || parts[0] != "users" || parts[2] != "connectors" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	var n int
	switch parts[3] {
	case "disconnect":
		n, err = h.deps.Registry.DisconnectUserConnectors(r.Context(), userID)
	case "degrade":
		n, err = h.deps.Registry.DisconnectExpiredSubscriptionConnectors(r.Context(), userID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		slog.Error("entitlement webhook failed", slog.Int64("user_id", userID), slog.String("action", parts[3]), slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"disconnected": n})
}

// HandleConnectorsDispatcher routes /connectors/{id}/stop.
func (h *Handlers) HandleConnectorsDispatcher(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "connectors" || parts[2] != "stop" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	connectorID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || connectorID <= 0 {
		http.Error(w, "invalid connector id", http.StatusBadRequest)
		return
	}
	h.deps.Registry.Stop(r.Context(), connectorID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}
