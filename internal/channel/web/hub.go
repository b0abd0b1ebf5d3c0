// Package web implements the Web UI Channel Adapter: a gorilla/websocket
// hub pushing turn responses to browser sessions. Clients subscribe by
// user id, the unit the orchestrator addresses replies to.
package web

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kandev/router/internal/common/logger"
)

// Message is the inline wire envelope this adapter speaks over the
// websocket connection.
type Message struct {
	Action  string          `json:"action"`
	UserID  string          `json:"user_id,omitempty"`
	Content string          `json:"content,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	ActionSubscribeUser   = "subscribe_user"
	ActionUnsubscribeUser = "unsubscribe_user"
	ActionInbound         = "message"
	ActionReply           = "reply"
	ActionError           = "error"
)

// Hub tracks connected clients and their user-id subscriptions, and
// fans outbound replies out to every client subscribed to a given user.
type Hub struct {
	mu              sync.RWMutex
	clients         map[*Client]bool
	userSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEnvelope

	// OnInbound is invoked for every "message" action received from a
	// browser; cmd/router wires this to the adapter's Parse + the channel
	// router's Route. Must be set before Run starts receiving traffic.
	OnInbound func(Message)

	log *logger.Logger
}

type inboundEnvelope struct {
	client *Client
	msg    Message
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		userSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		inbound:         make(chan inboundEnvelope, 64),
		log:             log,
	}
}

// Run is the hub's single-writer event loop; it must run in its own
// goroutine for the lifetime of the adapter.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.removeClient(c)
		case env := <-h.inbound:
			h.handleInbound(env)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]bool)
	h.userSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for userID := range c.subscriptions {
		if subs := h.userSubscribers[userID]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.userSubscribers, userID)
			}
		}
	}
}

func (h *Hub) subscribeUser(c *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userSubscribers[userID] == nil {
		h.userSubscribers[userID] = make(map[*Client]bool)
	}
	h.userSubscribers[userID][c] = true
	c.subscriptions[userID] = true
}

func (h *Hub) unsubscribeUser(c *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.subscriptions, userID)
	if subs := h.userSubscribers[userID]; subs != nil {
		delete(subs, c)
	}
}

// PushReply sends a reply to every client currently subscribed to userID.
// This is how the web Adapter's Send() implementation reaches browsers.
func (h *Hub) PushReply(userID, content string) {
	payload, err := json.Marshal(Message{Action: ActionReply, UserID: userID, Content: content})
	if err != nil {
		h.log.Sugar().Errorw("web: marshal reply failed", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.userSubscribers[userID] {
		select {
		case c.send <- payload:
		default:
			h.log.Sugar().Warnw("web: client send buffer full, dropping reply", "user_id", userID)
		}
	}
}

func (h *Hub) handleInbound(env inboundEnvelope) {
	switch env.msg.Action {
	case ActionSubscribeUser:
		h.subscribeUser(env.client, env.msg.UserID)
	case ActionUnsubscribeUser:
		h.unsubscribeUser(env.client, env.msg.UserID)
	case ActionInbound:
		if h.OnInbound != nil {
			h.OnInbound(env.msg)
		}
	default:
		h.log.Sugar().Warnw("web: unknown action", "action", env.msg.Action)
	}
}
