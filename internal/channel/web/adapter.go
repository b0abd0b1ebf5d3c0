package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kandev/router/internal/channel"
	"github.com/kandev/router/internal/common/logger"
)

// Config for the Web UI adapter. Enabled gates whether the websocket
// endpoint is mounted at all — there is no credential to be "missing" for
// this channel, so IsConfigured degenerates to this flag.
type Config struct {
	Enabled bool
}

// Adapter is the Web UI Channel Adapter: a gorilla/websocket hub that
// treats each connected browser as subscribed to one or more user ids.
type Adapter struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func New(cfg Config, hub *Hub, log *logger.Logger) *Adapter {
	a := &Adapter{
		cfg: cfg,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
	return a
}

func (a *Adapter) Channel() string        { return "web" }
func (a *Adapter) IsConfigured() bool     { return a.cfg.Enabled }
func (a *Adapter) RequiredEnv() []string  { return []string{"WEB_UI_ENABLED"} }
func (a *Adapter) VerifySignature([]byte) bool { return true } // trusted: auth happens at the websocket handshake layer, not per-message

// ServeWS upgrades an inbound HTTP request to a websocket connection and
// registers a Client with the hub. This is the adapter's "own HTTP inbound
// endpoint" per §6.3; mount it in cmd/router's HTTP router.
func (a *Adapter) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Sugar().Warnw("web: upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, a.hub, a.log)
	a.hub.register <- client
	go client.WritePump(ctx)
	go client.ReadPump(ctx)
}

// Parse turns one inbound websocket Message (already JSON-decoded upstream
// by the hub's read loop, re-marshalled here to satisfy the Adapter
// interface's []byte contract) into a channel.InboundMessage.
func (a *Adapter) Parse(raw []byte) (channel.InboundMessage, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("web: unmarshal message: %w", err)
	}
	kind := channel.KindText
	if msg.Kind != "" {
		kind = channel.Kind(msg.Kind)
	}
	return channel.InboundMessage{
		User:    channel.User{UserID: msg.UserID, Channel: a.Channel()},
		Content: msg.Content,
		Kind:    kind,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, userID, content string, kind channel.Kind, platformOpts map[string]string) (channel.SendResult, error) {
	a.hub.PushReply(userID, content)
	return channel.SendResult{OK: true}, nil
}

func (a *Adapter) SendBatch(ctx context.Context, userIDs []string, content string, kind channel.Kind, platformOpts map[string]string) []channel.SendResult {
	return channel.DefaultSendBatch(ctx, a, userIDs, content, kind, platformOpts)
}

func (a *Adapter) GetUserInfo(ctx context.Context, userID string) (channel.IdentityFragment, error) {
	return channel.IdentityFragment{UserID: userID, DisplayName: userID}, nil
}

func (a *Adapter) HandleEvent(ctx context.Context, ev channel.Event) (*channel.SendResult, error) {
	return nil, nil
}
