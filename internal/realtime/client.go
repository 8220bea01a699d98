package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 16 * 1024
)

// subscribeRequest client-side event subscription change
type subscribeRequest struct {
	Events []string `json:"events"`
}

// protocolRequest "mqtt_protocol" client request: start a polling session
type protocolRequest struct {
	ThingName    string `json:"thing_name"`
	IntervalTime int    `json:"interval_time"` // milliseconds
	DataRange    int    `json:"data_range"`    // records per (channel, phase) group
}

// Client one dashboard connection. Owns zero or more polling sessions; all
// of them are bound to ctx and die with the connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// subs is read and written only by the hub run loop
	subs map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		subs:   make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// trySend queues a frame, dropping it when the client cannot keep up.
// Sessions emit from their own goroutines, so the send channel is guarded
// by c.mu against close.
func (c *Client) trySend(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// close cancels all owned sessions and the connection. Called by the hub
// run loop exactly once. Closing the send channel happens under c.mu, and
// every sender holds c.mu and checks closed first, so no send can race the
// close.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	for _, s := range sessions {
		s.stop()
	}
}

// emit marshals and queues an event frame on this one connection
func (c *Client) emit(event string, data interface{}) {
	frame, err := marshalEnvelope(event, data)
	if err != nil {
		c.hub.logger.Error("Failed to marshal client frame",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	c.trySend(frame)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.logger.Warn("Malformed client frame",
				zap.String("client_id", c.id),
				zap.Error(err),
			)
			continue
		}

		c.handleEvent(&env)
	}
}

func (c *Client) handleEvent(env *Envelope) {
	switch env.Event {
	case "subscribe", "unsubscribe":
		var req subscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.hub.logger.Warn("Malformed subscribe request", zap.Error(err))
			return
		}
		c.hub.subscribe <- subscription{
			client: c,
			events: req.Events,
			add:    env.Event == "subscribe",
		}

	case EventProtocol:
		var req protocolRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.hub.logger.Warn("Malformed protocol request", zap.Error(err))
			return
		}
		c.startSession(&req)

	default:
		// Unknown client events are ignored
	}
}

// startSession spawns a protocol polling session owned by this connection
func (c *Client) startSession(req *protocolRequest) {
	if req.ThingName == "" || req.IntervalTime <= 0 {
		c.hub.logger.Warn("Rejecting protocol session request",
			zap.String("client_id", c.id),
			zap.String("thing_name", req.ThingName),
			zap.Int("interval_time", req.IntervalTime),
		)
		return
	}

	session := newSession(c, req, c.hub.snapshots, c.hub.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.sessions = append(c.sessions, session)
	c.mu.Unlock()

	go session.run(c.ctx)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
