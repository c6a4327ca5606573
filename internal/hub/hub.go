// Package hub fans monitor updates out to WebSocket subscribers and
// routes client-initiated container actions into the action engine.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// validTopics gates subscribe requests.
var validTopics = map[string]bool{
	model.TopicSites:   true,
	model.TopicGraph:   true,
	model.TopicActions: true,
}

// ActionRunner executes one container action and returns its combined
// output. The action engine satisfies it.
type ActionRunner interface {
	Container(ctx context.Context, container, action string) (string, error)
}

// connection is one WebSocket client. The writer goroutine owns the ws
// write side and drains send; topics are guarded by the hub mutex.
type connection struct {
	id     string
	ws     *websocket.Conn
	send   chan model.Envelope
	topics map[string]bool
	drain  sync.Once
}

// Hub tracks live connections and their topic subscriptions. Publishing
// never blocks: a client whose queue is full is dropped.
type Hub struct {
	actions     ActionRunner
	upgrader    websocket.Upgrader
	queueSize   int
	idleTimeout time.Duration

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool
}

// New returns a hub ready to accept connections.
func New(cfg config.HubConfig, actions ActionRunner) *Hub {
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 64
	}
	idle := cfg.IdleTimeout.Duration
	if idle <= 0 {
		idle = 90 * time.Second
	}
	return &Hub{
		actions: actions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon fronts a trusted LAN dashboard.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		queueSize:   queue,
		idleTimeout: idle,
		conns:       make(map[string]*connection),
	}
}

// SetActions binds the action engine after construction. The engine
// broadcasts through the monitor and the monitor publishes through the
// hub, so this edge of the triangle binds late.
func (h *Hub) SetActions(a ActionRunner) {
	h.mu.Lock()
	h.actions = a
	h.mu.Unlock()
}

// Run blocks until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Shutdown()
	return ctx.Err()
}

// Shutdown refuses new connections and closes the existing ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.drain.Do(func() { close(c.send) })
	}
	if len(conns) > 0 {
		slog.Info("hub shut down", "connections_closed", len(conns))
	}
}

// ServeWS upgrades the request and serves the connection until it dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &connection{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan model.Envelope, h.queueSize),
		topics: make(map[string]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	slog.Info("websocket client connected", "id", c.id, "remote", r.RemoteAddr)
	go h.writePump(c)

	// Cancelling on reader exit aborts any action this client started.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.readPump(ctx, c)
	h.drop(c, "connection closed")
}

// Publish sends env to every connection subscribed to topic.
func (h *Hub) Publish(topic string, env model.Envelope) {
	h.publishExcept(topic, "", env)
}

// HasSubscribers reports whether any connection subscribes to topic.
func (h *Hub) HasSubscribers(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.topics[topic] {
			return true
		}
	}
	return false
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) publishExcept(topic, exceptID string, env model.Envelope) {
	h.mu.RLock()
	var slow []*connection
	for _, c := range h.conns {
		if c.id == exceptID || !c.topics[topic] {
			continue
		}
		select {
		case c.send <- env:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c, "slow consumer")
	}
}

// sendTo queues env for one connection, dropping it when the queue is
// full.
func (h *Hub) sendTo(c *connection, env model.Envelope) {
	select {
	case c.send <- env:
	default:
		h.drop(c, "slow consumer")
	}
}

// drop unregisters the connection and closes its queue. The writer
// drains what is left, then closes the socket; safe to call twice.
func (h *Hub) drop(c *connection, reason string) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.drain.Do(func() { close(c.send) })
	if present {
		slog.Info("websocket client disconnected", "id", c.id, "reason", reason)
	}
}

// writePump owns the write side: it drains the queue into the socket
// and closes the socket when the queue closes.
func (h *Hub) writePump(c *connection) {
	defer c.ws.Close()
	for env := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(env); err != nil {
			// The reader notices the dead socket and unregisters.
			return
		}
	}
}

// readPump owns the read side. The deadline is refreshed per message,
// so an idle client eventually times out and is closed.
func (h *Hub) readPump(ctx context.Context, c *connection) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(h.idleTimeout))
	for {
		var msg model.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "id", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(h.idleTimeout))
		h.handleMessage(ctx, c, msg)
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *connection, msg model.ClientMessage) {
	switch msg.Type {
	case model.MsgPing:
		h.sendTo(c, model.Envelope{Type: model.MsgPong})

	case model.MsgSubscribe, model.MsgUnsubscribe:
		var data model.TopicData
		if err := json.Unmarshal(msg.Data, &data); err != nil || !validTopics[data.Topic] {
			h.sendTo(c, errorEnvelope("unknown topic"))
			return
		}
		subscribe := msg.Type == model.MsgSubscribe
		h.mu.Lock()
		if subscribe {
			c.topics[data.Topic] = true
		} else {
			delete(c.topics, data.Topic)
		}
		h.mu.Unlock()

		ack := model.MsgSubscribed
		if !subscribe {
			ack = model.MsgUnsubscribed
		}
		h.sendTo(c, model.Envelope{Type: ack, Data: model.TopicData{Topic: data.Topic}})

	case model.MsgActionStart:
		var data model.ActionStartData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.Container == "" || data.Action == "" {
			h.sendTo(c, errorEnvelope("invalid action.start payload"))
			return
		}
		go h.runAction(ctx, c, data)

	default:
		h.sendTo(c, errorEnvelope("unknown message type"))
	}
}

// runAction streams started and terminal envelopes to the initiating
// connection and mirrors them to actions-topic subscribers.
func (h *Hub) runAction(ctx context.Context, c *connection, data model.ActionStartData) {
	h.mu.RLock()
	runner := h.actions
	h.mu.RUnlock()
	if runner == nil {
		h.sendTo(c, errorEnvelope("action engine unavailable"))
		return
	}

	start := time.Now()
	h.deliver(c, model.Envelope{Type: model.MsgActionOutput, Data: model.ActionOutputData{
		Container: data.Container,
		Action:    data.Action,
		Status:    model.ActionStarted,
	}})

	output, err := runner.Container(ctx, data.Container, data.Action)

	out := model.ActionOutputData{
		Container:  data.Container,
		Action:     data.Action,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		out.Status = model.ActionFailed
		out.Error = err.Error()
		var classified *model.Error
		if errors.As(err, &classified) {
			out.Output = classified.Output
		}
	} else {
		out.Status = model.ActionCompleted
		out.Output = output
	}
	h.deliver(c, model.Envelope{Type: model.MsgActionOutput, Data: out})
}

func (h *Hub) deliver(c *connection, env model.Envelope) {
	h.sendTo(c, env)
	h.publishExcept(model.TopicActions, c.id, env)
}

func errorEnvelope(message string) model.Envelope {
	return model.Envelope{Type: model.MsgError, Data: model.ErrorData{Message: message}}
}
