package gateway

import (
	"sync"

	"github.com/shadow-agent/shadow/internal/tools"
	"github.com/shadow-agent/shadow/pkg/models"
)

// RoomEvent is one server-to-client event outside the part stream:
// init-progress, fs-change, todo-update, terminal-output, indexing.
type RoomEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// roomBroker fans side-channel events out to websocket connections joined to
// a (task, variant) room. Part streaming goes through the hub; this broker
// carries everything else. Slow receivers drop events rather than block the
// producer.
type roomBroker struct {
	mu   sync.Mutex
	subs map[roomKey]map[chan RoomEvent]struct{}
}

type roomKey struct {
	taskID    string
	variantID string
}

func newRoomBroker() *roomBroker {
	return &roomBroker{subs: make(map[roomKey]map[chan RoomEvent]struct{})}
}

// Subscribe attaches a receiver to a room. The returned channel is owned by
// the broker; release it with Unsubscribe.
func (b *roomBroker) Subscribe(taskID, variantID string) chan RoomEvent {
	ch := make(chan RoomEvent, 64)
	key := roomKey{taskID, variantID}
	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[chan RoomEvent]struct{})
	}
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe detaches and closes a receiver.
func (b *roomBroker) Unsubscribe(taskID, variantID string, ch chan RoomEvent) {
	key := roomKey{taskID, variantID}
	b.mu.Lock()
	if set := b.subs[key]; set != nil {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
}

// Publish delivers an event to every receiver in the room, dropping it for
// receivers whose queue is full.
func (b *roomBroker) Publish(taskID, variantID, event string, data any) {
	key := roomKey{taskID, variantID}
	ev := RoomEvent{Event: event, Data: data}
	b.mu.Lock()
	for ch := range b.subs[key] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

// publishInitProgress reports a workspace preparation step to the room.
func (s *Server) publishInitProgress(taskID, variantID string, step, total int, message string) {
	s.rooms.Publish(taskID, variantID, "init-progress", map[string]any{
		"step":    step,
		"total":   total,
		"message": message,
	})
}

// todoSink forwards todo list writes to the room.
func (s *Server) todoSink(taskID, variantID string) tools.TodoSink {
	return func(todos []models.Todo) {
		s.rooms.Publish(taskID, variantID, "todo-update", map[string]any{"todos": todos})
	}
}

// terminalSink forwards completed terminal commands to the room.
func (s *Server) terminalSink(taskID, variantID string) tools.TerminalSink {
	return func(entry tools.TerminalEntry) {
		s.rooms.Publish(taskID, variantID, "terminal-output", map[string]any{"entry": entry})
	}
}
