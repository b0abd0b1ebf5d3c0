package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kandev/router/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// Client is one connected browser session.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool
	closed        bool

	log *logger.Logger
}

func NewClient(conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 32),
		subscriptions: make(map[string]bool),
		log:           log,
	}
}

// ReadPump reads inbound frames until the connection closes or ctx is
// cancelled, decoding each as a Message and forwarding it to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		select {
		case c.hub.inbound <- inboundEnvelope{client: c, msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// WritePump drains the client's send channel to the socket and keeps the
// connection alive with periodic pings, until send is closed (by the
// hub on unregister) or ctx is cancelled.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (c *Client) sendError(reason string) {
	payload, err := json.Marshal(Message{Action: ActionError, Error: reason})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
