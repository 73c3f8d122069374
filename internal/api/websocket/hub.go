package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/updater"
	"go.uber.org/zap"
)

// StatusProvider supplies the snapshot sent to newly connected clients.
type StatusProvider func() any

// broadcastItem is a message plus the device it concerns, used to match
// client subscriptions. Empty tenant means every client gets it.
type broadcastItem struct {
	msg      Message
	tenant   string
	deviceID string
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan broadcastItem

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	logger *zap.Logger

	statusMu       sync.RWMutex
	statusProvider StatusProvider
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan broadcastItem, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	h.statusProvider = provider
}

// Run starts the hub's main event loop. It returns when ctx is done and
// closes all client connections.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case item := <-h.broadcast:
			data, err := json.Marshal(item.msg)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.matches(item.tenant, item.deviceID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) sendSnapshot(client *Client) {
	h.statusMu.RLock()
	provider := h.statusProvider
	h.statusMu.RUnlock()
	if provider == nil {
		return
	}

	data, err := json.Marshal(NewMessage(MessageTypeSystemStatus, provider()))
	if err != nil {
		h.logger.Error("Failed to marshal status snapshot", zap.Error(err))
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	h.enqueue(broadcastItem{msg: msg})
}

// BroadcastDevice sends a device message to clients subscribed to it.
func (h *Hub) BroadcastDevice(tenant, deviceID string, msg Message) {
	h.enqueue(broadcastItem{msg: msg, tenant: tenant, deviceID: deviceID})
}

func (h *Hub) enqueue(item broadcastItem) {
	select {
	case h.broadcast <- item:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(item.msg.Type)))
	}
}

// OnStatus forwards update status reports to subscribed clients.
func (h *Hub) OnStatus(_ context.Context, event updater.StatusEvent) {
	h.BroadcastDevice(event.Tenant, event.DeviceID, NewDeviceStatusMessage(event))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
