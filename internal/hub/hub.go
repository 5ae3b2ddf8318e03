// Package hub fans streamed message parts out to live subscribers. Each
// (task, variant) pair owns an ordered run buffer with cursors, so late or
// reconnecting subscribers replay exactly what they missed. There is no
// shared-mutable graph: the hub owns its state and everything communicates
// by message.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/pkg/models"
)

// Event is one delivery to a subscriber. Cursor increases by one per
// published part within a run; a subscriber that reconnects passes its last
// cursor to resume without gaps or duplicates.
type Event struct {
	Cursor    int64              `json:"cursor"`
	TaskID    string             `json:"task_id"`
	VariantID string             `json:"variant_id"`
	Part      models.MessagePart `json:"part"`

	// Lagged marks a delivery gap: the subscriber's queue overflowed and it
	// was detached. Resubscribe with the last seen cursor to replay.
	Lagged bool `json:"lagged,omitempty"`
}

// Canceler is the orchestrator-facing side of the hub.
type Canceler interface {
	StopStream(variantID string) error
}

// Options tune hub behavior.
type Options struct {
	// QueueSize bounds each subscriber's delivery queue.
	QueueSize int

	// PruneGrace is how long a finished run's buffer is kept for late
	// subscribers before it is released.
	PruneGrace time.Duration
}

// Hub is the per-variant part fan-out.
type Hub struct {
	canceler Canceler
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu    sync.Mutex
	rooms map[roomKey]*room
}

type roomKey struct {
	taskID    string
	variantID string
}

type room struct {
	buffer []Event
	subs   map[*Subscription]struct{}
	closed bool // terminal part received
}

// Subscription is one subscriber's live feed.
type Subscription struct {
	hub    *Hub
	key    roomKey
	events chan Event
	once   sync.Once
}

// Events returns the delivery channel. It is closed when the subscription
// ends, whether by Close, lag detachment, or room pruning.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.key, s, false)
}

// New creates a hub. canceler may be nil when cancellation is wired later
// via SetCanceler.
func New(canceler Canceler, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PruneGrace <= 0 {
		opts.PruneGrace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		canceler: canceler,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		rooms:    make(map[roomKey]*room),
	}
}

// SetCanceler wires the orchestrator after construction, breaking the
// startup ordering knot between hub and orchestrator.
func (h *Hub) SetCanceler(c Canceler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceler = c
}

// Subscribe attaches to a variant's part stream. Buffered parts strictly
// after sinceCursor are replayed first (pass 0 for the full run), then live
// parts follow. Every delivery carries the next cursor.
func (h *Hub) Subscribe(taskID, variantID string, sinceCursor int64) *Subscription {
	key := roomKey{taskID, variantID}

	h.mu.Lock()
	r := h.rooms[key]
	if r == nil {
		r = &room{subs: make(map[*Subscription]struct{})}
		h.rooms[key] = r
	}

	// Size the queue to hold the replay plus live headroom so replay never
	// blocks the publisher.
	replay := []Event{}
	for _, ev := range r.buffer {
		if ev.Cursor > sinceCursor {
			replay = append(replay, ev)
		}
	}
	sub := &Subscription{
		hub:    h,
		key:    key,
		events: make(chan Event, len(replay)+h.opts.QueueSize),
	}
	for _, ev := range replay {
		sub.events <- ev
	}
	if r.closed {
		// Terminal already seen: deliver the recorded sequence and end.
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.events) })
		return sub
	}
	r.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish appends a part to the run buffer and forwards it to subscribers.
// A subscriber whose queue is full is detached with a lag event; upstream
// consumption never blocks. Called from the run goroutine in part order.
func (h *Hub) Publish(taskID, variantID string, part models.MessagePart) {
	key := roomKey{taskID, variantID}

	h.mu.Lock()
	r := h.rooms[key]
	if r == nil {
		r = &room{subs: make(map[*Subscription]struct{})}
		h.rooms[key] = r
	}
	if r.closed {
		// A new run on the same variant restarts the buffer.
		r.buffer = r.buffer[:0]
		r.closed = false
	}

	ev := Event{
		Cursor:    int64(len(r.buffer)) + 1,
		TaskID:    taskID,
		VariantID: variantID,
		Part:      part,
	}
	r.buffer = append(r.buffer, ev)

	var lagged []*Subscription
	for sub := range r.subs {
		select {
		case sub.events <- ev:
		default:
			lagged = append(lagged, sub)
		}
	}
	for _, sub := range lagged {
		delete(r.subs, sub)
	}
	terminal := part.IsTerminal()
	if terminal {
		r.closed = true
		for sub := range r.subs {
			delete(r.subs, sub)
			sub.once.Do(func() { close(sub.events) })
		}
	}
	h.mu.Unlock()

	for _, sub := range lagged {
		h.detachLagged(sub, ev)
	}
	if terminal {
		h.schedulePrune(key)
	}
}

// Cancel signals the orchestrator to stop the variant's active run.
func (h *Hub) Cancel(taskID, variantID string) error {
	h.mu.Lock()
	c := h.canceler
	h.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.StopStream(variantID)
}

// Buffer returns a copy of the current run buffer, for terminal-state
// inspection and tests.
func (h *Hub) Buffer(taskID, variantID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomKey{taskID, variantID}]
	if r == nil {
		return nil
	}
	return append([]Event{}, r.buffer...)
}

func (h *Hub) detachLagged(sub *Subscription, last Event) {
	if h.metrics != nil {
		h.metrics.SubscriberLagDrops.Inc()
	}
	h.logger.Warn("subscriber lagged, detaching",
		"task_id", last.TaskID,
		"variant_id", last.VariantID,
		"cursor", last.Cursor,
	)
	// The queue is full. Drop one queued event to make room for the lag
	// marker; the subscriber has to resubscribe from its last cursor anyway.
	lag := Event{TaskID: last.TaskID, VariantID: last.VariantID, Cursor: last.Cursor, Lagged: true}
	select {
	case sub.events <- lag:
	default:
		select {
		case <-sub.events:
		default:
		}
		select {
		case sub.events <- lag:
		default:
		}
	}
	sub.once.Do(func() { close(sub.events) })
}

func (h *Hub) unsubscribe(key roomKey, sub *Subscription, _ bool) {
	h.mu.Lock()
	if r := h.rooms[key]; r != nil {
		delete(r.subs, sub)
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.events) })
}

// schedulePrune releases a finished run's buffer after the grace interval,
// unless a new run reopened the room.
func (h *Hub) schedulePrune(key roomKey) {
	time.AfterFunc(h.opts.PruneGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if r := h.rooms[key]; r != nil && r.closed && len(r.subs) == 0 {
			delete(h.rooms, key)
		}
	})
}
