package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neustream/chat-engine/telemetry"
)

// ConfigStore is the persistence boundary for connector configs. The
// engine never writes configs except to flip the active flag off.
type ConfigStore interface {
	// ActiveBySource returns the active configs for one source.
	ActiveBySource(ctx context.Context, sourceID int64) ([]ConnectorConfig, error)
	// ActiveByUser returns the user's active configs ordered most recently
	// used first.
	ActiveByUser(ctx context.Context, userID int64) ([]ConnectorConfig, error)
	// MarkInactive clears the active flag on a config.
	MarkInactive(ctx context.Context, connectorID int64) error
}

type handle struct {
	cfg       ConnectorConfig
	conn      Connector // nil while the connector is still constructing
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
}

// Registry starts, stops and tracks the live connectors of every source.
// Connector lifetimes are bound to the registry's own context, never the
// caller's: a viewer request may trigger a start, but the connector runs
// until an explicit stop or engine shutdown. Start is safe to call from many
// goroutines; the (source, platform) slot is claimed under the lock before
// any construction happens, and no network call happens while the lock is
// held.
type Registry struct {
	ctx      context.Context
	store    ConfigStore
	bcast    Broadcaster
	factory  Factory
	freeTier int

	mu   sync.Mutex
	live map[int64]*handle
}

// NewRegistry wires the orchestrator to its collaborators. ctx bounds the
// lifetime of every connector the registry starts. freeTier is how many
// connectors survive a subscription downgrade; zero means the default of one.
func NewRegistry(ctx context.Context, store ConfigStore, b Broadcaster, factory Factory, freeTier int) *Registry {
	if freeTier <= 0 {
		freeTier = 1
	}
	return &Registry{
		ctx:      ctx,
		store:    store,
		bcast:    b,
		factory:  factory,
		freeTier: freeTier,
		live:     make(map[int64]*handle),
	}
}

// StartAll starts every active connector of a source that is not already
// running. Idempotent: live connectors are left untouched.
func (r *Registry) StartAll(ctx context.Context, sourceID int64) error {
	configs, err := r.store.ActiveBySource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load connectors for source %d: %w", sourceID, err)
	}
	for _, cfg := range configs {
		r.Start(cfg)
	}
	slog.Info("initialized chat connectors", slog.Int64("source_id", sourceID), slog.Int("count", len(configs)))
	return nil
}

// Start brings up one connector. Failures never propagate: an unknown
// platform is logged and skipped, and a construction or startup failure is
// converted into an error-type message in the aggregated feed so broken
// credentials for one tenant cannot crash the orchestrator.
//
// At most one connector runs per (source, platform) pair; a conflicting
// live connector is stopped before the replacement starts.
func (r *Registry) Start(cfg ConnectorConfig) {
	newConn, ok := r.factory[cfg.Platform]
	if !ok {
		slog.Warn("unknown platform; connector skipped",
			slog.String("platform", string(cfg.Platform)), slog.Int64("connector_id", cfg.ID))
		return
	}

	h, ok := r.reserve(cfg)
	if !ok {
		return // already running, leave it alone
	}

	conn, err := newConn(cfg, r.bcast)
	if err != nil {
		r.release(h)
		slog.Error("failed to construct connector",
			slog.Int64("connector_id", cfg.ID), slog.String("platform", string(cfg.Platform)), slog.Any("err", err))
		r.bcast.Broadcast(cfg.SourceID, ErrorMessage(cfg, err.Error()))
		return
	}

	if err := conn.Start(h.ctx); err != nil {
		r.release(h)
		slog.Error("failed to start connector",
			slog.Int64("connector_id", cfg.ID), slog.String("platform", string(cfg.Platform)), slog.Any("err", err))
		r.bcast.Broadcast(cfg.SourceID, ErrorMessage(cfg,
			fmt.Sprintf("Failed to connect to %s's %s chat: %v", cfg.Target(), cfg.Platform, err)))
		return
	}

	r.mu.Lock()
	if r.live[cfg.ID] != h {
		// The slot was torn down while this connector was starting; undo.
		r.mu.Unlock()
		h.cancel()
		conn.Stop()
		return
	}
	h.conn = conn
	r.mu.Unlock()
	telemetry.CountConnectorStarted()
	telemetry.SetActiveConnectors(r.Count())
	slog.Info("started chat connector",
		slog.Int64("connector_id", cfg.ID), slog.Int64("source_id", cfg.SourceID), slog.String("platform", string(cfg.Platform)))
}

// reserve claims cfg's (source, platform) slot in one critical section so
// two concurrent Start calls cannot both pass the conflict check. A
// conflicting live connector is torn down and the claim retried. Returns
// false when cfg itself already holds the slot. The connector context
// derives from the registry's lifetime, not from any caller.
func (r *Registry) reserve(cfg ConnectorConfig) (*handle, bool) {
	for {
		r.mu.Lock()
		replaced, conflict := r.conflictLocked(cfg)
		if !conflict {
			cctx, cancel := context.WithCancel(r.ctx)
			h := &handle{cfg: cfg, ctx: cctx, cancel: cancel, startedAt: time.Now()}
			r.live[cfg.ID] = h
			r.mu.Unlock()
			return h, true
		}
		r.mu.Unlock()
		if replaced == cfg.ID {
			return nil, false
		}
		slog.Info("stopping conflicting connector before replacement",
			slog.Int64("old", replaced), slog.Int64("new", cfg.ID))
		r.teardown(replaced)
	}
}

// release gives a reserved slot back after a failed construction or start.
func (r *Registry) release(h *handle) {
	r.mu.Lock()
	if r.live[h.cfg.ID] == h {
		delete(r.live, h.cfg.ID)
	}
	r.mu.Unlock()
	h.cancel()
}

// conflictLocked reports a live connector occupying cfg's (source, platform)
// slot, if any. Callers hold r.mu.
func (r *Registry) conflictLocked(cfg ConnectorConfig) (int64, bool) {
	if _, ok := r.live[cfg.ID]; ok {
		return cfg.ID, true
	}
	for id, h := range r.live {
		if h.cfg.SourceID == cfg.SourceID && h.cfg.Platform == cfg.Platform {
			return id, true
		}
	}
	return 0, false
}

// Stop tears down a running connector and marks its config inactive.
// Stopping an unknown or already-stopped id is a no-op.
func (r *Registry) Stop(ctx context.Context, connectorID int64) {
	if !r.teardown(connectorID) {
		return
	}
	if err := r.store.MarkInactive(ctx, connectorID); err != nil {
		slog.Warn("failed to mark connector inactive", slog.Int64("connector_id", connectorID), slog.Any("err", err))
	}
}

// teardown removes the handle and synchronously stops the connector.
// Returns false when the id was not live. The lock is released before the
// connector's Stop so a slow platform teardown cannot stall other sources.
func (r *Registry) teardown(connectorID int64) bool {
	r.mu.Lock()
	h, ok := r.live[connectorID]
	if ok {
		delete(r.live, connectorID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	if h.conn != nil {
		h.conn.Stop()
	}
	telemetry.CountConnectorStopped()
	telemetry.SetActiveConnectors(r.Count())
	slog.Info("stopped chat connector", slog.Int64("connector_id", connectorID), slog.String("platform", string(h.cfg.Platform)))
	return true
}

// Alive reports whether a connector currently holds a live handle.
// Connectors consult this (indirectly, via their own contexts) before
// broadcasting late responses.
func (r *Registry) Alive(connectorID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[connectorID]
	return ok
}

// Count returns the number of live connectors.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// CountsByPlatform returns live connector counts keyed by platform, for the
// status endpoint.
func (r *Registry) CountsByPlatform() map[Platform]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Platform]int)
	for _, h := range r.live {
		out[h.cfg.Platform]++
	}
	return out
}

// DisconnectUserConnectors stops and deactivates every active connector a
// user owns, across all of their sources. Returns the number of configs
// deactivated.
func (r *Registry) DisconnectUserConnectors(ctx context.Context, userID int64) (int, error) {
	configs, err := r.store.ActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load connectors for user %d: %w", userID, err)
	}
	for _, cfg := range configs {
		r.teardown(cfg.ID)
		if err := r.store.MarkInactive(ctx, cfg.ID); err != nil {
			slog.Warn("failed to mark connector inactive", slog.Int64("connector_id", cfg.ID), slog.Any("err", err))
		}
	}
	slog.Info("disconnected user connectors", slog.Int64("user_id", userID), slog.Int("count", len(configs)))
	return len(configs), nil
}

// DisconnectExpiredSubscriptionConnectors enforces the free-tier allowance
// when a user's subscription lapses: the most recently used connectors stay
// alive and the rest are stopped. Reducing rather than eliminating the
// user's connectors is policy, not an error.
func (r *Registry) DisconnectExpiredSubscriptionConnectors(ctx context.Context, userID int64) (int, error) {
	configs, err := r.store.ActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load connectors for user %d: %w", userID, err)
	}
	if len(configs) <= r.freeTier {
		return 0, nil
	}
	// configs arrive most recently used first; the allowance survives.
	excess := configs[r.freeTier:]
	for _, cfg := range excess {
		r.teardown(cfg.ID)
		if err := r.store.MarkInactive(ctx, cfg.ID); err != nil {
			slog.Warn("failed to mark connector inactive", slog.Int64("connector_id", cfg.ID), slog.Any("err", err))
		}
	}
	slog.Info("gracefully degraded user connectors",
		slog.Int64("user_id", userID), slog.Int("stopped", len(excess)), slog.Int("kept", r.freeTier))
	return len(excess), nil
}

// StopAll tears down every live connector; used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.teardown(id)
	}
}
