package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadow-agent/shadow/internal/agent"
	"github.com/shadow-agent/shadow/internal/hub"
	"github.com/shadow-agent/shadow/internal/tools"
	"github.com/shadow-agent/shadow/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsMaxFrame     = 1 << 20
)

// wsClientFrame is one client-to-server event.
type wsClientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wsConn is one websocket connection, joined to at most one variant room.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	userID string
	keys   agent.APIKeys

	writeMu sync.Mutex

	mu        sync.Mutex
	taskID    string
	variantID string
	sub       *hub.Subscription
	roomCh    chan RoomEvent
	forwardWG sync.WaitGroup
}

// handleWebSocket upgrades the connection and serves the room protocol.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}
	keys := s.auth.Keys(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{server: s, conn: conn, userID: userID, keys: keys}
	go c.pingLoop()
	c.readLoop()
}

func (c *wsConn) readLoop() {
	defer c.teardown()

	c.conn.SetReadLimit(wsMaxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var frame wsClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *wsConn) dispatch(frame wsClientFrame) {
	switch frame.Event {
	case "join-task":
		c.handleJoin(frame.Data)
	case "get-chat-history":
		c.handleChatHistory()
	case "user-message":
		c.handleUserMessage(frame.Data)
	case "stop-stream":
		c.handleStopStream()
	case "get-terminal-history":
		c.handleTerminalHistory(frame.Data)
	case "clear-terminal":
		c.handleClearTerminal()
	default:
		c.send("stream-error", map[string]string{"error": "unknown event " + frame.Event})
	}
}

type joinPayload struct {
	TaskID    string `json:"taskId"`
	VariantID string `json:"variantId,omitempty"`
	Cursor    int64  `json:"cursor,omitempty"`
}

// handleJoin binds the connection to a variant room, replays buffered parts
// strictly after the given cursor, and starts live forwarding.
func (c *wsConn) handleJoin(data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TaskID == "" {
		c.send("stream-error", map[string]string{"error": "taskId is required"})
		return
	}

	ctx := context.Background()
	task, err := c.server.store.GetTask(ctx, p.TaskID)
	if err != nil {
		c.send("stream-error", map[string]string{"error": "task not found"})
		return
	}
	if !c.server.auth.Owns(c.userID, task.UserID) {
		c.send("stream-error", map[string]string{"error": "not your task"})
		return
	}

	variantID := p.VariantID
	if variantID == "" {
		variants, err := c.server.store.ListVariants(ctx, p.TaskID)
		if err != nil || len(variants) == 0 {
			c.send("stream-error", map[string]string{"error": "no variants for task"})
			return
		}
		variantID = variants[0].ID
	}

	c.leaveRoom()

	sub := c.server.hub.Subscribe(p.TaskID, variantID, p.Cursor)
	roomCh := c.server.rooms.Subscribe(p.TaskID, variantID)

	c.mu.Lock()
	c.taskID = p.TaskID
	c.variantID = variantID
	c.sub = sub
	c.roomCh = roomCh
	c.forwardWG.Add(2)
	c.mu.Unlock()

	go c.forwardParts(sub)
	go c.forwardRoomEvents(roomCh)

	c.send("stream-state", c.streamState(p.TaskID, variantID))
}

// streamState collapses the current run buffer into {content, isStreaming}.
func (c *wsConn) streamState(taskID, variantID string) map[string]any {
	var content strings.Builder
	streaming := false
	events := c.server.hub.Buffer(taskID, variantID)
	if len(events) > 0 {
		streaming = true
	}
	for _, ev := range events {
		if ev.Part.Type == models.PartTextDelta && ev.Part.Text != nil {
			content.WriteString(ev.Part.Text.Delta)
		}
		if ev.Part.IsTerminal() {
			streaming = false
		}
	}
	return map[string]any{
		"content":     content.String(),
		"isStreaming": streaming,
	}
}

// forwardParts relays hub events to the client in emission order.
func (c *wsConn) forwardParts(sub *hub.Subscription) {
	defer c.forwardWG.Done()
	for ev := range sub.Events() {
		if ev.Lagged {
			c.send("lag", map[string]any{"cursor": ev.Cursor})
			continue
		}
		c.send("stream-chunk", map[string]any{
			"cursor": ev.Cursor,
			"part":   ev.Part,
		})
		switch ev.Part.Type {
		case models.PartFinish:
			c.send("stream-complete", map[string]any{"reason": ev.Part.Finish.Reason})
		case models.PartError:
			c.send("stream-error", map[string]string{"error": ev.Part.Error.Message})
		}
	}
}

// forwardRoomEvents relays side-channel events (init-progress, fs-change,
// todo-update, terminal-output, indexing) to the client.
func (c *wsConn) forwardRoomEvents(ch chan RoomEvent) {
	defer c.forwardWG.Done()
	for ev := range ch {
		c.send(ev.Event, ev.Data)
	}
}

func (c *wsConn) handleChatHistory() {
	taskID, variantID, ok := c.room()
	if !ok {
		c.send("stream-error", map[string]string{"error": "join a task first"})
		return
	}
	msgs, err := c.server.store.ListVariantMessages(context.Background(), taskID, variantID)
	if err != nil {
		c.send("stream-error", map[string]string{"error": "history load failed"})
		return
	}
	c.send("chat-history", map[string]any{"messages": msgs})
}

type userMessagePayload struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
	Model   string `json:"llmModel"`
}

func (c *wsConn) handleUserMessage(data json.RawMessage) {
	taskID, variantID, ok := c.room()
	if !ok {
		c.send("stream-error", map[string]string{"error": "join a task first"})
		return
	}
	var p userMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Message == "" {
		c.send("stream-error", map[string]string{"error": "message is required"})
		return
	}

	err := c.server.agents.SendMessage(context.Background(), agent.SendMessageRequest{
		TaskID:    taskID,
		VariantID: variantID,
		UserID:    c.userID,
		Text:      p.Message,
		ModelID:   p.Model,
		Keys:      c.keys,
	})
	if err != nil {
		c.send("stream-error", map[string]string{"error": err.Error()})
	}
}

func (c *wsConn) handleStopStream() {
	_, variantID, ok := c.room()
	if !ok {
		return
	}
	if err := c.server.agents.StopStream(variantID); err != nil {
		c.send("stream-error", map[string]string{"error": err.Error()})
	}
}

type terminalHistoryPayload struct {
	TaskID    string `json:"taskId"`
	VariantID string `json:"variantId"`
}

func (c *wsConn) handleTerminalHistory(data json.RawMessage) {
	var p terminalHistoryPayload
	_ = json.Unmarshal(data, &p)
	variantID := p.VariantID
	if variantID == "" {
		_, variantID, _ = c.room()
	}
	term, ok := c.terminalTool(variantID)
	if !ok {
		c.send("terminal-history", map[string]any{"entries": []tools.TerminalEntry{}})
		return
	}
	c.send("terminal-history", map[string]any{"entries": term.History()})
}

func (c *wsConn) handleClearTerminal() {
	_, variantID, ok := c.room()
	if !ok {
		return
	}
	if term, ok := c.terminalTool(variantID); ok {
		term.ClearHistory()
	}
	c.send("terminal-cleared", map[string]any{})
}

// terminalTool digs the run_terminal_cmd tool out of the variant's registry.
func (c *wsConn) terminalTool(variantID string) (*tools.RunTerminalCmdTool, bool) {
	rt, ok := c.server.agents.Runtime(variantID)
	if !ok || rt.Executor == nil {
		return nil, false
	}
	tool, err := rt.Executor.Registry().Get("run_terminal_cmd")
	if err != nil {
		return nil, false
	}
	term, ok := tool.(*tools.RunTerminalCmdTool)
	return term, ok
}

func (c *wsConn) room() (taskID, variantID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID, c.variantID, c.taskID != ""
}

// leaveRoom detaches from the current room's streams, if any.
func (c *wsConn) leaveRoom() {
	c.mu.Lock()
	sub, roomCh := c.sub, c.roomCh
	taskID, variantID := c.taskID, c.variantID
	c.sub, c.roomCh = nil, nil
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if roomCh != nil {
		c.server.rooms.Unsubscribe(taskID, variantID, roomCh)
	}
}

func (c *wsConn) teardown() {
	c.leaveRoom()
	_ = c.conn.Close()
}

// send writes one event frame; writes are serialized per connection.
func (c *wsConn) send(event string, data any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteJSON(map[string]any{"event": event, "data": data})
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
