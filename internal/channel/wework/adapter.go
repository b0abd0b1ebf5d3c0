package wework

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/kandev/router/internal/channel"
)

// Config carries the per-operator WeWork credentials (spec §6.3's
// required_env surface).
type Config struct {
	CorpID         string
	CorpSecret     string
	AgentID        int
	Token          string
	EncodingAESKey string
	APIBaseURL     string // override for testing; empty uses the real endpoint
}

// Adapter is the WeWork Channel Adapter.
type Adapter struct {
	cfg    Config
	client *apiClient
}

func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, client: newAPIClient(cfg.CorpID, cfg.CorpSecret, cfg.AgentID, cfg.APIBaseURL)}
}

func (a *Adapter) Channel() string { return "wework" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.CorpID != "" && a.cfg.CorpSecret != "" && a.cfg.AgentID > 0 && a.cfg.Token != "" && a.cfg.EncodingAESKey != ""
}

// VerifyURL validates the platform's GET URL-verification callback and
// returns the decrypted echostr to send back verbatim as the response
// body.
func (a *Adapter) VerifyURL(msgSignature, timestamp, nonce, echoStr string) (string, error) {
	if !verifySignature(msgSignature, timestamp, nonce, echoStr, a.cfg.Token) {
		return "", fmt.Errorf("wework: url verification signature mismatch")
	}
	return decryptEnvelope(echoStr, a.cfg.EncodingAESKey, a.cfg.CorpID)
}

func (a *Adapter) RequiredEnv() []string {
	return []string{"WEWORK_CORP_ID", "WEWORK_CORP_SECRET", "WEWORK_AGENT_ID", "WEWORK_TOKEN", "WEWORK_ENCODING_AES_KEY"}
}

// callbackEnvelope is the XML wrapper the platform posts on message
// callbacks; Encrypt is the base64 AES-CBC payload.
type callbackEnvelope struct {
	XMLName xml.Name `xml:"xml"`
	Encrypt string   `xml:"Encrypt"`
}

// decryptedMessage is the XML shape once the envelope has been decrypted.
type decryptedMessage struct {
	XMLName      xml.Name `xml:"xml"`
	FromUserName string   `xml:"FromUserName"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	CreateTime   int64    `xml:"CreateTime"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Event        string   `xml:"Event"`
}

// VerifyRequest is the set of query-string/body parameters a channel HTTP
// handler collects before calling VerifySignature/Parse; bundled here
// because verification needs the raw ciphertext, not the decrypted text.
type VerifyRequest struct {
	MsgSignature string
	Timestamp    string
	Nonce        string
	EchoStr      string // present on GET URL-verification callbacks
	EncryptMsg   string // present on POST message callbacks (Encrypt XML field)
}

// VerifySignature checks the platform's signature scheme against either
// the URL-verification echo string or a message callback's Encrypt field.
func (a *Adapter) VerifySignature(raw []byte) bool {
	var req VerifyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return false
	}
	payload := req.EchoStr
	if payload == "" {
		payload = req.EncryptMsg
	}
	if payload == "" {
		return false
	}
	return verifySignature(req.MsgSignature, req.Timestamp, req.Nonce, payload, a.cfg.Token)
}

// VerifyAndParseCallback validates a POST message callback's signature
// against its <Encrypt> field and, on success, decrypts and parses it.
// Bundled into one call because the signature check needs the raw
// ciphertext extracted from the same XML body Parse itself decodes.
func (a *Adapter) VerifyAndParseCallback(msgSignature, timestamp, nonce string, rawBody []byte) (channel.InboundMessage, error) {
	var env callbackEnvelope
	if err := xml.Unmarshal(rawBody, &env); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("wework: unmarshal envelope: %w", err)
	}
	if env.Encrypt == "" {
		return channel.InboundMessage{}, fmt.Errorf("wework: missing <Encrypt> element")
	}
	if !verifySignature(msgSignature, timestamp, nonce, env.Encrypt, a.cfg.Token) {
		return channel.InboundMessage{}, fmt.Errorf("wework: callback signature mismatch")
	}
	return a.Parse(rawBody)
}

// Parse decrypts and XML-decodes the callback body into an
// channel.InboundMessage. raw is expected to be the marshalled
// callbackEnvelope's XML bytes.
func (a *Adapter) Parse(raw []byte) (channel.InboundMessage, error) {
	var env callbackEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("wework: unmarshal envelope: %w", err)
	}
	if env.Encrypt == "" {
		return channel.InboundMessage{}, fmt.Errorf("wework: missing <Encrypt> element")
	}

	plaintext, err := decryptEnvelope(env.Encrypt, a.cfg.EncodingAESKey, a.cfg.CorpID)
	if err != nil {
		return channel.InboundMessage{}, err
	}

	var msg decryptedMessage
	if err := xml.Unmarshal([]byte(plaintext), &msg); err != nil {
		return channel.InboundMessage{}, fmt.Errorf("wework: unmarshal decrypted message: %w", err)
	}

	kind := channel.KindText
	var attachments []channel.Attachment
	switch msg.MsgType {
	case "image":
		kind = channel.KindImage
		attachments = append(attachments, channel.Attachment{MediaID: msg.MediaID, Kind: channel.KindImage, URL: msg.PicURL})
	case "file":
		kind = channel.KindFile
		attachments = append(attachments, channel.Attachment{MediaID: msg.MediaID, Kind: channel.KindFile})
	case "event":
		kind = channel.KindEvent
	}

	return channel.InboundMessage{
		MessageID: msg.MsgID,
		User: channel.User{
			UserID:  msg.FromUserName,
			Channel: a.Channel(),
		},
		Content:     msg.Content,
		Kind:        kind,
		TimestampMS: msg.CreateTime * 1000,
		Attachments: attachments,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, userID, content string, kind channel.Kind, platformOpts map[string]string) (channel.SendResult, error) {
	var err error
	switch kind {
	case channel.KindText:
		err = a.client.sendText(ctx, userID, content)
	case channel.KindMarkdown:
		err = a.client.sendMarkdown(ctx, userID, content)
	case channel.KindImage:
		err = a.client.sendMedia(ctx, userID, "image", platformOpts["media_id"])
	case channel.KindFile:
		err = a.client.sendMedia(ctx, userID, "file", platformOpts["media_id"])
	default:
		return channel.SendResult{OK: false, Error: fmt.Sprintf("wework: unsupported kind %q", kind)}, nil
	}
	if err != nil {
		return channel.SendResult{OK: false, Error: err.Error()}, nil
	}
	return channel.SendResult{OK: true}, nil
}

// SendBatch exploits the platform's native '|'-joined touser list rather
// than the default per-user fan-out, returning the same result for every
// recipient since the upstream API does not distinguish per-user outcomes.
func (a *Adapter) SendBatch(ctx context.Context, userIDs []string, content string, kind channel.Kind, platformOpts map[string]string) []channel.SendResult {
	joined := ""
	for i, id := range userIDs {
		if i > 0 {
			joined += "|"
		}
		joined += id
	}
	result, _ := a.Send(ctx, joined, content, kind, platformOpts)
	out := make([]channel.SendResult, len(userIDs))
	for i := range out {
		out[i] = result
	}
	return out
}

func (a *Adapter) GetUserInfo(ctx context.Context, userID string) (channel.IdentityFragment, error) {
	name, _, err := a.client.getUserInfo(ctx, userID)
	if err != nil {
		return channel.IdentityFragment{UserID: userID}, err
	}
	return channel.IdentityFragment{UserID: userID, DisplayName: name}, nil
}

func (a *Adapter) HandleEvent(ctx context.Context, ev channel.Event) (*channel.SendResult, error) {
	// Platform events (subscribe/unsubscribe/group-join) are ignored: this
	// adapter takes no action on them and returns no reply.
	return nil, nil
}
