// Package channel defines the platform-agnostic Channel Adapter interface
// and the Channel Router registry that dispatches inbound platform traffic
// to the registered adapter for its channel name.
package channel

import "context"

// Kind is the content kind of an inbound or outbound message.
type Kind string

const (
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindImage    Kind = "image"
	KindFile     Kind = "file"
	KindEvent    Kind = "event"
)

// User is the sender fragment of an inbound message.
type User struct {
	UserID      string            `json:"user_id"`
	Channel     string            `json:"channel"`
	DisplayName string            `json:"display_name,omitempty"`
	Profile     map[string]string `json:"profile,omitempty"`
}

// Attachment references a media item on an inbound message.
type Attachment struct {
	MediaID string `json:"media_id"`
	Kind    Kind   `json:"kind"`
	URL     string `json:"url,omitempty"`
}

// InboundMessage is the adapter-agnostic shape every Adapter.Parse
// produces (spec §4.5).
type InboundMessage struct {
	MessageID   string            `json:"message_id"`
	User        User              `json:"user"`
	Content     string            `json:"content"`
	Kind        Kind              `json:"kind"`
	TimestampMS int64             `json:"timestamp"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Raw         []byte            `json:"-"`
}

// SendResult is the outcome of a send/send_batch call.
type SendResult struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	MediaID string `json:"media_id,omitempty"`
}

// IdentityFragment is what an adapter can tell the Identity Service about
// a user it knows (display name, at minimum).
type IdentityFragment struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Event is a platform callback event the adapter could not fold into a
// normal InboundMessage (e.g. a media-upload confirmation).
type Event struct {
	Type string
	Raw  []byte
}

// Adapter is the platform-agnostic surface every channel implementation
// satisfies (spec §4.5, §6.3).
type Adapter interface {
	// IsConfigured reports whether every RequiredEnv() variable is present.
	IsConfigured() bool
	// RequiredEnv lists the configuration variables this adapter needs.
	RequiredEnv() []string

	VerifySignature(raw []byte) bool
	Parse(raw []byte) (InboundMessage, error)
	Send(ctx context.Context, userID, content string, kind Kind, platformOpts map[string]string) (SendResult, error)
	SendBatch(ctx context.Context, userIDs []string, content string, kind Kind, platformOpts map[string]string) []SendResult
	GetUserInfo(ctx context.Context, userID string) (IdentityFragment, error)
	HandleEvent(ctx context.Context, ev Event) (*SendResult, error)

	// Channel returns this adapter's registry tag (e.g. "wework", "web").
	Channel() string
}

// DefaultSendBatch fans a Send call out per user, the default behaviour
// §4.5 specifies for adapters that don't have a native batch endpoint.
func DefaultSendBatch(ctx context.Context, a Adapter, userIDs []string, content string, kind Kind, platformOpts map[string]string) []SendResult {
	results := make([]SendResult, len(userIDs))
	for i, uid := range userIDs {
		res, err := a.Send(ctx, uid, content, kind, platformOpts)
		if err != nil {
			res = SendResult{OK: false, Error: err.Error()}
		}
		results[i] = res
	}
	return results
}
