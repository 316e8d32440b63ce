package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Keepalive interval (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Clients only send small ping frames; anything bigger is abuse
	maxMessageSize = 4 * 1024
)

// Client is one websocket connection watching one issue.
type Client struct {
	id      string
	issueID string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	logger  *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id, issueID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:      id,
		issueID: issueID,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, 256),
		logger:  log.WithFields(zap.String("client_id", id), zap.String("issue_id", issueID)),
	}
}

type clientFrame struct {
	Type string `json:"type"`
}

// ReadPump consumes client frames until the connection drops. The only
// frame clients send is {"type":"ping"}, which gets a pong back.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
		// Any client frame counts as liveness
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			c.enqueue([]byte(`{"type":"pong"}`))
		}
	}
}

// WritePump drains the send buffer to the socket and keeps the
// connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("Client send buffer full")
	}
}
