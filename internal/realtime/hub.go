package realtime

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Coarse event names broadcast to every connected client
const (
	EventTelemetry = "telemetry"
	EventProtocols = "protocols"
	EventProtocol  = "mqtt_protocol"
)

// Envelope wire frame for client events
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SnapshotProvider produces a mapped protocol snapshot for one device.
// Implemented by the protocol service; faked in tests.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, deviceUUID string, limit int) (interface{}, error)
}

type subscription struct {
	client *Client
	events []string
	add    bool
}

type outbound struct {
	event  string
	data   interface{}
	scoped bool
}

// Hub fans events out to connected dashboard clients. All client-set
// mutations go through the run loop, so no lock guards the maps.
type Hub struct {
	snapshots SnapshotProvider
	logger    *zap.Logger

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	broadcast  chan outbound

	upgrader websocket.Upgrader
}

// NewHub creates the fan-out hub
func NewHub(snapshots SnapshotProvider, logger *zap.Logger) *Hub {
	return &Hub{
		snapshots:  snapshots,
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		broadcast:  make(chan outbound, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run services the hub until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.logger.Info("Dashboard client connected",
				zap.String("client_id", client.id),
				zap.Int("clients", len(h.clients)),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.logger.Info("Dashboard client disconnected",
					zap.String("client_id", client.id),
					zap.Int("clients", len(h.clients)),
				)
			}

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			for _, event := range sub.events {
				if sub.add {
					sub.client.subs[event] = struct{}{}
				} else {
					delete(sub.client.subs, event)
				}
			}

		case out := <-h.broadcast:
			frame, err := marshalEnvelope(out.event, out.data)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast frame",
					zap.String("event", out.event),
					zap.Error(err),
				)
				continue
			}
			for client := range h.clients {
				if out.scoped {
					if _, ok := client.subs[out.event]; !ok {
						continue
					}
				}
				client.trySend(frame)
			}
		}
	}
}

// Broadcast delivers a coarse event to every connected client
func (h *Hub) Broadcast(event string, data interface{}) {
	h.enqueue(outbound{event: event, data: data})
}

// BroadcastScoped delivers an event only to clients subscribed to that
// exact event name (e.g. "telemetry:D1:channel:1", "protocols:D1")
func (h *Hub) BroadcastScoped(event string, data interface{}) {
	h.enqueue(outbound{event: event, data: data, scoped: true})
}

// enqueue drops the event when the hub queue is saturated; broadcasts are
// best-effort and must never block the ingestion path
func (h *Hub) enqueue(out outbound) {
	select {
	case h.broadcast <- out:
	default:
		h.logger.Warn("Dropping broadcast, hub queue full", zap.String("event", out.event))
	}
}

// ServeWS upgrades an HTTP request to a client connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), h, conn)
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func marshalEnvelope(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
