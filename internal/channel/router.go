package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/events"
	"github.com/kandev/router/internal/events/bus"
)

// TurnHandler is the orchestrator's entry point, invoked once per parsed
// inbound message.
type TurnHandler func(ctx context.Context, msg InboundMessage) (string, error)

// Router is the Channel Router: a registry of configured adapters, scanned
// once at startup, with a single Route entry point.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handler  TurnHandler
	log      *logger.Logger
	eventBus bus.EventBus
}

func NewRouter(handler TurnHandler, log *logger.Logger) *Router {
	return &Router{adapters: make(map[string]Adapter), handler: handler, log: log}
}

// WithEventBus attaches an event bus the router publishes delivery
// failures to; nil (the default) disables publishing.
func (r *Router) WithEventBus(b bus.EventBus) *Router {
	r.eventBus = b
	return r
}

// RegisterMode controls whether an unconfigured adapter is skipped, forced
// on (and expected to fail fast at startup if genuinely unconfigured), or
// forced off, per §6.3's auto/enabled/disabled modes.
type RegisterMode string

const (
	ModeAuto     RegisterMode = "auto"
	ModeEnabled  RegisterMode = "enabled"
	ModeDisabled RegisterMode = "disabled"
)

// ErrMissingConfig signals a fatal config-class error (§7): an
// operator-forced-enabled channel lacks credentials at startup.
type ErrMissingConfig struct {
	Channel string
	Missing []string
}

func (e *ErrMissingConfig) Error() string {
	return fmt.Sprintf("channel %q is enabled but missing required config: %v", e.Channel, e.Missing)
}

// Register scans a, and if it is configured (mode auto/enabled) adds it to
// the registry under its Channel() tag. ModeDisabled always skips.
// ModeEnabled with a.IsConfigured()==false returns ErrMissingConfig.
func (r *Router) Register(a Adapter, mode RegisterMode) error {
	if mode == ModeDisabled {
		return nil
	}
	if !a.IsConfigured() {
		if mode == ModeEnabled {
			return &ErrMissingConfig{Channel: a.Channel(), Missing: a.RequiredEnv()}
		}
		r.log.Sugar().Infow("channel: skipping unconfigured adapter", "channel", a.Channel())
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
	r.log.Sugar().Infow("channel: registered adapter", "channel", a.Channel())
	return nil
}

// Notify delivers content directly to userID on the named channel,
// bypassing the turn-handler pipeline — used for out-of-band delivery,
// such as forwarding an expert's mediated answer back to the user who
// originally asked.
func (r *Router) Notify(ctx context.Context, channelTag, userID, content string) error {
	adapter, ok := r.Get(channelTag)
	if !ok {
		return ErrUnknownChannel
	}
	_, err := adapter.Send(ctx, userID, content, KindText, nil)
	return err
}

// Get returns the adapter registered for channel, if any.
func (r *Router) Get(channelTag string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelTag]
	return a, ok
}

// ErrUnknownChannel is returned by Route for an unregistered channel tag.
var ErrUnknownChannel = fmt.Errorf("channel: unknown or unconfigured channel")

// Route looks up the adapter for msg.User.Channel, invokes the turn
// handler, and ships the response back via the adapter's Send. A send
// failure is surfaced but does not undo the orchestration work already
// performed.
func (r *Router) Route(ctx context.Context, msg InboundMessage) error {
	adapter, ok := r.Get(msg.User.Channel)
	if !ok {
		return ErrUnknownChannel
	}

	reply, err := r.handler(ctx, msg)
	if err != nil {
		return fmt.Errorf("channel: turn handling failed: %w", err)
	}

	if _, err := adapter.Send(ctx, msg.User.UserID, reply, KindText, nil); err != nil {
		r.log.Sugar().Errorw("channel: send failed after successful orchestration", "channel", msg.User.Channel, "user_id", msg.User.UserID, "error", err)
		if r.eventBus != nil {
			evt := bus.NewEvent(events.ChannelDeliveryFailed, "session-router", map[string]interface{}{
				"channel": msg.User.Channel,
				"user_id": msg.User.UserID,
				"error":   err.Error(),
			})
			if pubErr := r.eventBus.Publish(ctx, events.ChannelDeliveryFailed, evt); pubErr != nil {
				r.log.Sugar().Warnw("channel: failed to publish delivery failure", "error", pubErr)
			}
		}
		return fmt.Errorf("channel: send failed: %w", err)
	}
	return nil
}
