// Package ws owns client connections and dispatches the wire protocol
// between browsers and the session registry.
package ws

import (
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentterm/agentterm/internal/config"
	"github.com/agentterm/agentterm/internal/flow"
	"github.com/agentterm/agentterm/internal/model"
	"github.com/agentterm/agentterm/internal/protocol"
	"github.com/agentterm/agentterm/internal/registry"
	"github.com/agentterm/agentterm/internal/upload"
	"github.com/agentterm/agentterm/internal/voice"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before dropping the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the per-connection outbound queue.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Conn is one client connection. It implements registry.Sink so the
// registry can deliver session events directly.
type Conn struct {
	id     string
	hub    *Hub
	socket *websocket.Conn
	send   chan any
	flow   *flow.Controller

	uploadLimiter *rate.Limiter

	// mu guards the send queue lifecycle. It is held across the channel
	// send so unregister cannot close the queue underneath a sender.
	mu     sync.Mutex
	closed bool

	// stateMu guards session state and is safe to take from the flow
	// controller's signal callback while mu is held.
	stateMu       sync.Mutex
	authenticated bool
	joined        string
	clientPaused  bool
	priorities    map[string]model.Priority
}

// ID implements registry.Sink.
func (c *Conn) ID() string { return c.id }

// Send queues a message for delivery. Output frames feed the flow
// controller, whose pause signal parks the session's PTY reads through the
// registry, so frames are never discarded: production stops instead. A full
// queue still means a client too slow to keep, so the socket is dropped.
func (c *Conn) Send(msg any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, isOutput := msg.(protocol.Output); isOutput {
		c.flow.FrameQueued()
	}

	select {
	case c.send <- msg:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		slog.Warn("send buffer full, dropping client", "conn", c.id)
		if c.socket != nil {
			c.socket.Close()
		}
	}
}

func (c *Conn) joinedSession() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.joined
}

func (c *Conn) setJoined(id string) {
	c.stateMu.Lock()
	c.joined = id
	c.stateMu.Unlock()
}

func (c *Conn) setClientPaused(paused bool) {
	c.stateMu.Lock()
	c.clientPaused = paused
	c.stateMu.Unlock()
}

func (c *Conn) clientPausedState() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.clientPaused
}

// readPump reads client messages until the socket closes.
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.socket.Close()
	}()

	// Image uploads arrive base64-encoded over the socket, so the read
	// limit must exceed the decoded cap with room for encoding overhead.
	c.socket.SetReadLimit(int64(c.hub.cfg.MaxUploadBytes) * 2)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "conn", c.id, "err", err)
			}
			return
		}
		c.hub.dispatch(c, data)
	}
}

// writePump serializes outbound messages and keeps the connection alive
// with pings. Output frames are acknowledged to the flow controller once
// actually written.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(msg); err != nil {
				return
			}
			if _, isOutput := msg.(protocol.Output); isOutput {
				c.flow.FrameSent()
			}

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub owns all connections and routes protocol traffic to the registry.
type Hub struct {
	cfg     *config.Config
	reg     *registry.Registry
	uploads *upload.Service
	voice   *voice.Service

	startedAt time.Time

	// exit is os.Exit in production, replaced in tests.
	exit func(code int)

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub wires the hub to the registry as its background notifier.
func NewHub(cfg *config.Config, reg *registry.Registry, uploads *upload.Service, voiceSvc *voice.Service) *Hub {
	h := &Hub{
		cfg:       cfg,
		reg:       reg,
		uploads:   uploads,
		voice:     voiceSvc,
		startedAt: time.Now(),
		exit:      os.Exit,
		conns:     make(map[string]*Conn),
	}
	reg.SetNotifier(h)
	return h
}

// newConn builds a Conn with a fresh flow controller. Flow state never
// carries over between connections: a reconnect always starts unpaused.
func (h *Hub) newConn(socket *websocket.Conn) *Conn {
	c := &Conn{
		id:            uuid.New().String(),
		hub:           h,
		socket:        socket,
		send:          make(chan any, sendBufferSize),
		authenticated: true,
		priorities:    make(map[string]model.Priority),
		uploadLimiter: rate.NewLimiter(rate.Every(12*time.Second), 5),
	}
	c.flow = flow.NewController(h.cfg.FlowHighWater, h.cfg.FlowLowWater, func(s flow.Signal) {
		action := protocol.FlowPause
		if s == flow.SignalResume {
			action = protocol.FlowResume
		}
		select {
		case c.send <- protocol.NewFlowControlSignal(action):
		default:
		}
		h.syncFlowPause(c)
	})
	return c
}

// syncFlowPause pushes the connection's combined pause state into the
// registry. The session's PTY reads stay parked while the client asked for a
// pause or the watermark controller has the queue paused.
func (h *Hub) syncFlowPause(c *Conn) {
	joined := c.joinedSession()
	if joined == "" {
		return
	}
	paused := c.clientPausedState() || c.flow.Paused()
	h.reg.SetFlowPaused(joined, c.id, paused)
}

// ServeWS upgrades an HTTP request to a protocol connection.
func (h *Hub) ServeWS(ctx *gin.Context) {
	socket, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := h.newConn(socket)
	h.register(c)
	c.Send(protocol.NewConnected(c.id))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	slog.Debug("client connected", "conn", c.id)
}

// unregister detaches the connection from its session and tears the queue
// down. Sessions always survive their connections.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if !present {
		return
	}

	if joined := c.joinedSession(); joined != "" {
		h.reg.Leave(c.id, joined)
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	slog.Debug("client disconnected", "conn", c.id)
}

// ConnCount reports the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// NotifyBackground implements registry.Notifier: the event goes to every
// connection except those joined to the originating session, which already
// received the session-level broadcast.
func (h *Hub) NotifyBackground(sessionID string, msg any) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.joinedSession() == sessionID {
			continue
		}
		c.Send(msg)
	}
}

// BroadcastAll delivers a message to every connection.
func (h *Hub) BroadcastAll(msg any) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Send(msg)
	}
}
