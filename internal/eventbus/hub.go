package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MisterGoodDeal/live-translation/internal/metrics"
	"github.com/MisterGoodDeal/live-translation/internal/protocol"
)

// MessageKind distinguishes lifecycle notifications from client payloads.
type MessageKind int

const (
	Connected MessageKind = iota
	Received
	Disconnected
)

func (k MessageKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Received:
		return "received"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Message is delivered to the inbox for every client connect, inbound frame,
// and disconnect, in that order per client.
type Message struct {
	ClientID string
	Kind     MessageKind
	Data     []byte
	At       time.Time
}

// Config contains per-client transport settings
type Config struct {
	SendBuffer int
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}

// Hub tracks connected clients. Broadcast, SendTo, and Log are safe to call
// from any goroutine.
type Hub struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		config:  cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		clients: make(map[string]*client),
	}
}

// Broadcast sends event to every connected client.
func (h *Hub) Broadcast(event string, data any) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error("Failed to encode event", slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	var slow []string
	h.mu.RLock()
	for id, c := range h.clients {
		if c.enqueue(msg) {
			h.metrics.RecordEventSent(event)
		} else {
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.drop(id)
	}
}

// SendTo sends event to one client. Unknown ids are ignored.
func (h *Hub) SendTo(clientID, event string, data any) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error("Failed to encode event", slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	c, ok := h.clients[clientID]
	sent := ok && c.enqueue(msg)
	h.mu.RUnlock()

	if sent {
		h.metrics.RecordEventSent(event)
	} else if ok {
		h.drop(clientID)
	}
}

// Log broadcasts a logs event and writes the same line to the server log.
func (h *Hub) Log(message string) {
	h.logger.Info(message, slog.String("event", protocol.EventLogs))
	h.Broadcast(protocol.EventLogs, protocol.LogPayload{Message: message})
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve runs conn until the client disconnects or ctx ends. Lifecycle and
// inbound messages go to inbox; Serve blocks while inbox is full.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, inbox chan<- Message) {
	c := newClient(uuid.NewString(), conn, h.config.SendBuffer)

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClientsConnected(count)

	h.logger.Debug("Client connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	deliver := func(kind MessageKind, data []byte) bool {
		select {
		case inbox <- Message{ClientID: c.id, Kind: kind, Data: data, At: time.Now()}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go c.writePump(h.config)

	if deliver(Connected, nil) {
		c.readPump(ctx, h.config, h.logger, func(data []byte) bool {
			return deliver(Received, data)
		})
	}

	h.remove(c.id)
	deliver(Disconnected, nil)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.metrics.SetClientsConnected(0)
}

// drop disconnects a client whose send queue overflowed.
func (h *Hub) drop(clientID string) {
	if h.remove(clientID) {
		h.metrics.RecordClientDropped()
		h.logger.Warn("Dropping slow client", slog.String("client_id", clientID))
	}
}

// remove unregisters and closes a client, reporting whether it was present.
func (h *Hub) remove(clientID string) bool {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.metrics.SetClientsConnected(count)
	}
	return ok
}
