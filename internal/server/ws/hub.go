// Package ws bridges WebSocket connections to the dispatcher: each
// connection is one dispatch session with its own bounded queue.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkarlsen/marketpipe/internal/dispatch"
	"github.com/mkarlsen/marketpipe/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for traffic from the client.
	// Clients must send a ping request or a protocol ping within this
	// window or the connection is torn down.
	pongWait = 60 * time.Second

	// pingPeriod sends protocol pings at this interval. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming request frame.
	maxMessageSize = 4096

	// maxSymbolsPerRequest bounds one subscribe request.
	maxSymbolsPerRequest = 100
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// conn ties one WebSocket connection to its dispatch session.
type conn struct {
	ws      *websocket.Conn
	session *dispatch.Session
}

// Hub upgrades HTTP requests to WebSocket connections and runs one
// reader/writer pair per connection. Subscription state lives in the
// dispatcher's registry, not here.
type Hub struct {
	disp   *dispatch.Dispatcher
	cfg    dispatch.SessionConfig
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn // session ID -> conn
}

// NewHub creates a Hub and registers the forced-disconnect hook so sessions
// kicked by the drop policy get their connection closed too.
func NewHub(disp *dispatch.Dispatcher, cfg dispatch.SessionConfig, logger *slog.Logger) *Hub {
	h := &Hub{
		disp:   disp,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ws_hub")),
		conns:  make(map[string]*conn),
	}
	disp.OnKick(h.closeKicked)
	return h
}

// HandleWS upgrades an HTTP request to a WebSocket connection, creates the
// session, and starts the read and write pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{
		ws:      wsConn,
		session: dispatch.NewSession(h.cfg),
	}

	h.mu.Lock()
	h.conns[c.session.ID] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("client connected",
		slog.String("session_id", c.session.ID),
		slog.Int("total_clients", total),
	)

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.disconnect(c)
	}
}

// closeKicked runs when the dispatcher force-disconnects a slow session.
func (h *Hub) closeKicked(s *dispatch.Session) {
	h.mu.Lock()
	c, ok := h.conns[s.ID]
	delete(h.conns, s.ID)
	h.mu.Unlock()
	if ok {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
			time.Now().Add(writeWait))
		c.ws.Close()
	}
}

// disconnect tears one connection down from the server side.
func (h *Hub) disconnect(c *conn) {
	h.mu.Lock()
	_, open := h.conns[c.session.ID]
	delete(h.conns, c.session.ID)
	h.mu.Unlock()

	h.disp.Disconnect(c.session)
	c.ws.Close()

	if open {
		h.logger.Info("client disconnected",
			slog.String("session_id", c.session.ID),
			slog.Uint64("dropped_messages", c.session.Drops()),
			slog.Int("total_clients", h.ClientCount()),
		)
	}
}

// readPump reads request frames from the client: subscribe, unsubscribe,
// and ping. Malformed or unknown requests produce an error frame rather
// than a disconnect.
func (h *Hub) readPump(c *conn) {
	defer h.disconnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("unexpected close",
					slog.String("session_id", c.session.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var req domain.ClientRequest
		if err := json.Unmarshal(message, &req); err != nil {
			h.disp.SendError(c.session, "malformed request")
			continue
		}
		h.handleRequest(c, req)
	}
}

// handleRequest applies one client request against the registry.
func (h *Hub) handleRequest(c *conn, req domain.ClientRequest) {
	switch req.Action {
	case "ping":
		h.disp.SendPong(c.session)

	case "subscribe", "unsubscribe":
		if len(req.Symbols) == 0 {
			h.disp.SendError(c.session, "no symbols in request")
			return
		}
		if len(req.Symbols) > maxSymbolsPerRequest {
			h.disp.SendError(c.session, "too many symbols in request")
			return
		}
		kinds := req.Kinds
		if len(kinds) == 0 {
			kinds = []domain.Kind{domain.KindTick}
		}
		for _, k := range kinds {
			if !k.IsData() {
				h.disp.SendError(c.session, "unknown kind: "+string(k))
				return
			}
		}

		reg := h.disp.Registry()
		for _, symbol := range req.Symbols {
			for _, k := range kinds {
				if req.Action == "subscribe" {
					reg.Subscribe(c.session, symbol, k)
				} else {
					reg.Unsubscribe(c.session, symbol, k)
				}
			}
		}

	default:
		h.disp.SendError(c.session, "unknown action: "+req.Action)
	}
}

// writePump drains the session queue to the connection and sends protocol
// pings. It is the only goroutine that writes to the connection.
func (h *Hub) writePump(c *conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dequeue blocks, so a feeder goroutine bridges the session queue to a
	// channel this loop can select on alongside the ping ticker.
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			msg, err := c.session.Dequeue(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-frames:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session was closed.
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
