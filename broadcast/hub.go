// Package broadcast fans normalized chat messages out to WebSocket
// subscribers. The hub keys subscriptions by stream source, so one viewer
// session receives the merged feed of every connector attached to that
// source.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/neustream/chat-engine/chat"
	"github.com/neustream/chat-engine/telemetry"
)

// Hub owns the subscriber rooms and the fan-out loop. It implements
// chat.Broadcaster; connectors hand it messages and never block on slow
// viewers.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	messages   chan envelope
	done       chan struct{} // closed on shutdown so pumps never block on a gone hub

	mu    sync.RWMutex
	rooms map[int64]map[*Client]bool
}

type envelope struct {
	sourceID int64
	payload  []byte
}

// NewHub creates an idle hub. Call Run in a goroutine before broadcasting.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		messages:   make(chan envelope, 256),
		done:       make(chan struct{}),
		rooms:      make(map[int64]map[*Client]bool),
	}
}

// Run processes registrations and fan-out until ctx is canceled, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.sourceID] == nil {
				h.rooms[client.sourceID] = make(map[*Client]bool)
			}
			h.rooms[client.sourceID][client] = true
			h.mu.Unlock()
			telemetry.SetSubscribers(h.total())
			slog.Debug("subscriber joined", slog.Int64("source_id", client.sourceID), slog.String("conn_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[client.sourceID]; ok && room[client] {
				delete(room, client)
				if len(room) == 0 {
					delete(h.rooms, client.sourceID)
				}
				close(client.send)
			}
			h.mu.Unlock()
			telemetry.SetSubscribers(h.total())
			slog.Debug("subscriber left", slog.Int64("source_id", client.sourceID), slog.String("conn_id", client.id))

		case msg := <-h.messages:
			h.mu.RLock()
			for client := range h.rooms[msg.sourceID] {
				select {
				case client.send <- msg.payload:
				default:
					// Slow consumer: drop the message, keep the feed live.
					telemetry.CountDropped()
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for client := range room {
			close(client.send)
		}
	}
	h.rooms = make(map[int64]map[*Client]bool)
	telemetry.SetSubscribers(0)
}

// Broadcast delivers one message to every subscriber of the source. It never
// blocks the calling connector; if the hub queue is full the message is
// dropped and counted.
func (h *Hub) Broadcast(sourceID int64, msg chat.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal chat message", slog.Any("err", err))
		return
	}
	select {
	case h.messages <- envelope{sourceID: sourceID, payload: payload}:
	default:
		telemetry.CountDropped()
	}
}

// SubscriberCount returns the number of live subscribers for one source.
func (h *Hub) SubscriberCount(sourceID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sourceID])
}

// TotalSubscribers counts subscribers across all rooms.
func (h *Hub) TotalSubscribers() int { return h.total() }

// total counts subscribers across all rooms. Callers must not hold h.mu.
func (h *Hub) total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}
