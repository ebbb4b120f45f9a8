// Package broadcast fans task events out to live observers.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/observability"
	"mediaqueue/pkg/gen"
)

// Message types accepted from observers.
const (
	MsgPing     = "ping"
	MsgGetStats = "get_stats"
)

// Prune reasons reported to metrics.
const (
	reasonSlow     = "slow"
	reasonStale    = "stale"
	reasonGone     = "unsubscribed"
	reasonShutdown = "shutdown"
)

// Source provides the snapshot delivered to new observers.
type Source interface {
	All(ctx context.Context) []entity.Task
	Stats(ctx context.Context) entity.Stats
}

// Options configures a Hub.
type Options struct {
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	BufferSize        int
}

// Observer is one subscribed client. Events must be drained promptly; an
// observer whose buffer fills up is dropped and Done is closed.
type Observer struct {
	ID string

	events   chan entity.Event
	done     chan struct{}
	once     sync.Once
	lastSeen time.Time // guarded by Hub.mu
}

// Events returns the ordered event stream of the observer.
func (o *Observer) Events() <-chan entity.Event { return o.events }

// Done is closed once the hub stops delivering to the observer.
func (o *Observer) Done() <-chan struct{} { return o.done }

func (o *Observer) close() {
	o.once.Do(func() { close(o.done) })
}

// Hub is the set of observers. Publish never blocks.
type Hub struct {
	log     *slog.Logger
	src     Source
	metrics *observability.Metrics
	opt     Options
	started time.Time

	mu        sync.Mutex
	observers map[string]*Observer
}

// New creates a Hub.
func New(log *slog.Logger, src Source, metrics *observability.Metrics, opt Options) *Hub {
	if opt.BufferSize < 1 {
		opt.BufferSize = 64
	}

	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = 30 * time.Second
	}

	if opt.LivenessWindow <= 0 {
		opt.LivenessWindow = 3 * opt.HeartbeatInterval
	}

	return &Hub{
		log:       log.With(slog.String("package", "broadcast")),
		src:       src,
		metrics:   metrics,
		opt:       opt,
		started:   time.Now(),
		observers: make(map[string]*Observer),
	}
}

// Subscribe registers a new observer. Its first event is an InitialEvent with
// every known task; snapshot and registration are atomic with respect to Publish.
func (h *Hub) Subscribe(ctx context.Context) *Observer {
	obs := &Observer{
		ID:     gen.ID(),
		events: make(chan entity.Event, h.opt.BufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()

	obs.lastSeen = time.Now()
	obs.events <- entity.InitialEvent{
		Tasks:      h.src.All(ctx),
		Stats:      h.statsLocked(ctx),
		ClientID:   obs.ID,
		ServerTime: time.Now().UTC(),
	}
	h.observers[obs.ID] = obs
	count := len(h.observers)

	h.mu.Unlock()

	h.metrics.Observers.Set(float64(count))
	h.metrics.RecordEvent(string(entity.EventInitial))
	h.log.DebugContext(ctx, "observer subscribed", slog.String("observer_id", obs.ID), slog.Int("observers", count))

	return obs
}

// Unsubscribe removes the observer with id. It is a no-op for unknown ids.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(id, reasonGone)
}

func (h *Hub) removeLocked(id, reason string) {
	obs, ok := h.observers[id]
	if !ok {
		return
	}

	delete(h.observers, id)
	obs.close()

	h.metrics.Observers.Set(float64(len(h.observers)))

	if reason != reasonGone {
		h.metrics.RecordObserverPruned(reason)
		h.log.Info("observer dropped", slog.String("observer_id", id), slog.String("reason", reason))
	}
}

// Publish delivers e to every observer without blocking.
func (h *Hub) Publish(e entity.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, obs := range h.observers {
		h.sendLocked(id, obs, e)
	}

	h.metrics.RecordEvent(string(e.Type()))
}

func (h *Hub) sendLocked(id string, obs *Observer, e entity.Event) {
	select {
	case obs.events <- e:
	default:
		h.removeLocked(id, reasonSlow)
	}
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.observers)
}

// Stats returns task statistics enriched with observer count and uptime.
func (h *Hub) Stats(ctx context.Context) entity.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.statsLocked(ctx)
}

func (h *Hub) statsLocked(ctx context.Context) entity.Stats {
	stats := h.src.Stats(ctx)
	stats.ConnectedClients = len(h.observers)
	stats.UptimeSeconds = time.Since(h.started).Seconds()

	return stats
}

type clientMessage struct {
	Type string `json:"type"`
}

// Handle processes one inbound message from the observer with id. Any message
// counts as a liveness signal; ping is answered with pong and get_stats with
// stats_update.
func (h *Hub) Handle(ctx context.Context, id string, raw []byte) error {
	msgType := strings.TrimSpace(string(raw))

	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err == nil {
		msgType = msg.Type
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	obs, ok := h.observers[id]
	if !ok {
		return fmt.Errorf("observer %s is not subscribed", id)
	}

	obs.lastSeen = time.Now()

	switch msgType {
	case MsgPing:
		h.sendLocked(id, obs, entity.PongEvent{ServerTime: time.Now().UTC()})
		h.metrics.RecordEvent(string(entity.EventPong))
	case MsgGetStats:
		h.sendLocked(id, obs, entity.StatsEvent{Stats: h.statsLocked(ctx)})
		h.metrics.RecordEvent(string(entity.EventStats))
	default:
		h.log.DebugContext(ctx, "unknown observer message", slog.String("observer_id", id), slog.String("type", msgType))
	}

	return nil
}

// Run sends heartbeats and prunes stale observers until ctx is done, then
// drops every remaining observer.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opt.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()

			return
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()

	for id, obs := range h.observers {
		if now.Sub(obs.lastSeen) > h.opt.LivenessWindow {
			h.removeLocked(id, reasonStale)
		}
	}

	stats := h.src.Stats(ctx)
	event := entity.HeartbeatEvent{
		ServerTime:       now.UTC(),
		ActiveTasks:      stats.Active,
		TotalConnections: len(h.observers),
	}

	for id, obs := range h.observers {
		h.sendLocked(id, obs, event)
	}

	h.metrics.RecordEvent(string(entity.EventHeartbeat))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.observers {
		h.removeLocked(id, reasonShutdown)
	}
}
