package ipc

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessageHandler processes one inbound client message.
type MessageHandler interface {
	HandleMessage(clientID string, data []byte) error
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Hub maintains active clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages for every client
	broadcast chan outbound

	register   chan *Client
	unregister chan *Client

	// closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	// sent to every client right after it connects
	greeting []byte

	handler MessageHandler
	logger  *zap.Logger
}

type outbound struct {
	msg []byte
	// also becomes the greeting once delivered
	greeting bool
}

func NewHub(handler MessageHandler, logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		handler:    handler,
		logger:     logger,
	}
}

// BroadcastGreeting sends msg to all connected clients and makes it the
// greeting for clients that connect later. Both happen in one step of the
// hub loop, so every client receives msg exactly once.
func (h *Hub) BroadcastGreeting(msg []byte) {
	select {
	case h.broadcast <- outbound{msg: msg, greeting: true}:
	default:
		h.mu.Lock()
		h.greeting = msg
		h.mu.Unlock()
		h.logger.Warn("Hub broadcast channel full, only greeting updated",
			zap.Int("size", len(msg)))
	}
}

// Run starts the hub's main event loop. It returns when ctx is done, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	h.logger.Info("IPC hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("IPC hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.greeting != nil {
				client.send <- h.greeting
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("IPC client registered",
				zap.String("client_id", client.id.String()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("IPC client unregistered",
					zap.String("client_id", client.id.String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case out := <-h.broadcast:
			h.mu.Lock()
			if out.greeting {
				h.greeting = out.msg
			}
			for client := range h.clients {
				select {
				case client.send <- out.msg:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("client_id", client.id.String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- outbound{msg: msg}:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.Int("size", len(msg)))
	}
}

func (h *Hub) addClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients lists connected clients, oldest first.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ClientInfo, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, ClientInfo{ID: c.id.String(), ConnectedAt: c.connectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
