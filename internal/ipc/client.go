package ipc

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// only local processes can reach the unix socket
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected IPC peer.
type Client struct {
	id          uuid.UUID
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	logger      *zap.Logger
	connectedAt time.Time
}

// readPump hands every binary message to the hub's handler. A message that
// fails to decode or apply is logged and dropped; the connection stays open.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("IPC read error",
					zap.String("client_id", c.id.String()),
					zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			c.logger.Warn("Ignoring non-binary IPC message",
				zap.String("client_id", c.id.String()),
				zap.Int("kind", kind))
			continue
		}

		if c.hub.handler == nil {
			continue
		}
		if err := c.hub.handler.HandleMessage(c.id.String(), data); err != nil {
			c.logger.Warn("Failed to handle IPC message",
				zap.String("client_id", c.id.String()),
				zap.Error(err))
		}
	}
}

// writePump sends queued messages, one websocket message each.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
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

// ServeWs handles websocket upgrade requests
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("IPC upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		id:          uuid.New(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		logger:      h.logger,
		connectedAt: time.Now(),
	}

	if !h.addClient(client) {
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
