package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const feishuMessageReceiveEvent = "im.message.receive_v1"

// FeishuClient is the part of the Feishu OpenAPI the connector uses
type FeishuClient interface {
	GetUser(ctx context.Context, openID string) (*larkcontact.User, error)
	GetChat(ctx context.Context, chatID string) (*larkim.GetChatRespData, error)
	SendText(ctx context.Context, chatID, text string) error
}

// larkAPIClient implements FeishuClient on top of the Lark SDK
type larkAPIClient struct {
	api *lark.Client
}

// NewFeishuAPIClient creates an OpenAPI client for an app
func NewFeishuAPIClient(appID, appSecret string, options ...lark.ClientOptionFunc) FeishuClient {
	return &larkAPIClient{api: lark.NewClient(appID, appSecret, options...)}
}

func (c *larkAPIClient) GetUser(ctx context.Context, openID string) (*larkcontact.User, error) {
	req := larkcontact.NewGetUserReqBuilder().
		UserId(openID).
		UserIdType("open_id").
		Build()

	resp, err := c.api.Contact.User.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.User == nil {
		return nil, fmt.Errorf("user %s not returned", openID)
	}
	return resp.Data.User, nil
}

func (c *larkAPIClient) GetChat(ctx context.Context, chatID string) (*larkim.GetChatRespData, error) {
	req := larkim.NewGetChatReqBuilder().
		ChatId(chatID).
		Build()

	resp, err := c.api.Im.Chat.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("chat %s not returned", chatID)
	}
	return resp.Data, nil
}

func (c *larkAPIClient) SendText(ctx context.Context, chatID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}

	body := larkim.NewCreateMessageReqBodyBuilder().
		ReceiveId(chatID).
		MsgType(larkim.MsgTypeText).
		Content(string(content)).
		Build()

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(body).
		Build()

	resp, err := c.api.Im.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		logger.WithFields(logrus.Fields{
			"chat_id":    chatID,
			"code":       resp.Code,
			"msg":        resp.Msg,
			"request_id": resp.RequestId(),
		}).Error("failed-to-send-message-to-feishu-api-error")
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// FeishuConfig configures a FeishuConnector
type FeishuConfig struct {
	AppID     string
	AppSecret string
	// EncryptKey enables signed request verification and the decryption of
	// encrypted deliveries
	EncryptKey string
	// VerificationToken is compared with header.token when no EncryptKey is set
	VerificationToken string
	AllowUnverified   bool
	// SignatureMaxAge bounds X-Lark-Request-Timestamp (default 5m)
	SignatureMaxAge time.Duration
	Client          FeishuClient
}

// FeishuConnector implements Connector for Feishu/Lark event subscriptions
type FeishuConnector struct {
	appID      string
	appSecret  string
	encryptKey string
	signed     *SignedVerifier
	token     *TokenVerifier

	clientOnce sync.Once
	client     FeishuClient
}

// NewFeishuConnector creates a Feishu connector
func NewFeishuConnector(cfg FeishuConfig) (*FeishuConnector, error) {
	if cfg.Client == nil && (cfg.AppID == "" || cfg.AppSecret == "") {
		return nil, fmt.Errorf("feishu: app credentials: %w", ErrMissingAccessToken)
	}

	c := &FeishuConnector{
		appID:      cfg.AppID,
		appSecret:  cfg.AppSecret,
		encryptKey: cfg.EncryptKey,
		client:     cfg.Client,
	}

	if cfg.EncryptKey != "" {
		maxAge := cfg.SignatureMaxAge
		if maxAge == 0 {
			maxAge = constants.FeishuSignatureMaxAge
		}
		signed, err := NewSignedVerifier(constants.PlatformFeishu, cfg.EncryptKey, maxAge, SHA256Hex())
		if err != nil {
			return nil, err
		}
		c.signed = signed
	} else {
		token, err := NewTokenVerifier(constants.PlatformFeishu, cfg.VerificationToken, cfg.AllowUnverified)
		if err != nil {
			return nil, err
		}
		c.token = token
	}

	logger.WithFields(logrus.Fields{
		"app_id": maskSecret(cfg.AppID),
		"signed": c.signed != nil,
		"custom": cfg.Client != nil,
	}).Info("feishu-connector-created")

	return c, nil
}

// Platform returns "feishu"
func (c *FeishuConnector) Platform() string {
	return constants.PlatformFeishu
}

// Client returns the injected client or lazily builds one from the app credentials
func (c *FeishuConnector) Client() FeishuClient {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client = NewFeishuAPIClient(c.appID, c.appSecret)
		}
	})
	return c.client
}

// feishuEnvelope holds the fields of schema 2.0 events and of the
// url_verification handshake
type feishuEnvelope struct {
	Schema    string          `json:"schema"`
	Header    *feishuHeader   `json:"header"`
	Event     json.RawMessage `json:"event"`
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	Challenge string          `json:"challenge"`
	Encrypt   string          `json:"encrypt"`
}

type feishuHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

// feishuPayload is the parsed form of one delivery
type feishuPayload struct {
	envelope feishuEnvelope
	message  *larkim.P2MessageReceiveV1Data
}

// parseFeishuPayload decodes a delivery. ok is false unless it is a schema
// 2.0 event; message is set for im.message.receive_v1 only.
func parseFeishuPayload(payload RawPayload) (feishuPayload, bool) {
	var p feishuPayload
	if err := json.Unmarshal(payload, &p.envelope); err != nil {
		return p, false
	}
	if p.envelope.Header == nil || p.envelope.Header.EventType == "" {
		return p, false
	}
	if p.envelope.Header.EventType == feishuMessageReceiveEvent && isJSONObject(p.envelope.Event) {
		var data larkim.P2MessageReceiveV1Data
		if err := json.Unmarshal(p.envelope.Event, &data); err == nil {
			p.message = &data
		}
	}
	return p, true
}

// decode returns the plain body of a delivery, decrypting the encrypt field
// with the encrypt key. ok is false when an encrypted body cannot be read.
func (c *FeishuConnector) decode(payload RawPayload) (RawPayload, bool) {
	var envelope struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Encrypt == "" {
		return payload, true
	}
	if c.encryptKey == "" {
		logger.WithPlatform(constants.PlatformFeishu).Warn("encrypted-feishu-event-without-encrypt-key")
		return nil, false
	}
	plain, err := larkevent.EventDecrypt(envelope.Encrypt, c.encryptKey)
	if err != nil || !isJSONObject(plain) {
		logger.WithFields(logrus.Fields{
			"platform": constants.PlatformFeishu,
			"error":    err,
		}).Warn("feishu-event-decrypt-failed")
		return nil, false
	}
	return RawPayload(plain), true
}

// parse decodes and parses a delivery
func (c *FeishuConnector) parse(payload RawPayload) (feishuPayload, RawPayload, bool) {
	plain, ok := c.decode(payload)
	if !ok {
		return feishuPayload{}, nil, false
	}
	p, ok := parseFeishuPayload(plain)
	return p, plain, ok
}

func (p feishuPayload) chatID() string {
	if p.message == nil || p.message.Message == nil {
		return ""
	}
	return stringValue(p.message.Message.ChatId)
}

func (p feishuPayload) senderID() string {
	if p.message == nil || p.message.Sender == nil || p.message.Sender.SenderId == nil {
		return ""
	}
	id := p.message.Sender.SenderId
	if open := stringValue(id.OpenId); open != "" {
		return open
	}
	return stringValue(id.UserId)
}

func (p feishuPayload) isBot() bool {
	return p.message != nil && p.message.Sender != nil && stringValue(p.message.Sender.SenderType) == "app"
}

// text returns the text of a text message; other message types have none
func (p feishuPayload) text() string {
	if p.message == nil || p.message.Message == nil {
		return ""
	}
	if stringValue(p.message.Message.MessageType) != larkim.MsgTypeText {
		return ""
	}
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(stringValue(p.message.Message.Content)), &content); err != nil {
		return ""
	}
	return content.Text
}

// GetUniqueSessionKey returns the chat id of a received message
func (c *FeishuConnector) GetUniqueSessionKey(payload RawPayload) (string, bool) {
	p, _, ok := c.parse(payload)
	if !ok {
		return "", false
	}
	chatID := p.chatID()
	return chatID, chatID != ""
}

// VerifySignature checks X-Lark-Signature when an encrypt key is configured,
// and the verification token of the payload otherwise. The unsigned
// url_verification of an encrypted subscription is accepted when it decrypts
// with the encrypt key.
func (c *FeishuConnector) VerifySignature(req *Request) bool {
	if c.signed != nil {
		if req.Header.Get(constants.HeaderFeishuSignature) == "" && c.isEncryptedChallenge(req.Payload) {
			logger.WithPlatform(constants.PlatformFeishu).Debug("encrypted-url-verification-accepted")
			return true
		}
		ts := req.Header.Get(constants.HeaderFeishuTimestamp)
		issuedAt, err := parseUnixTimestamp(ts, time.Second)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"platform": constants.PlatformFeishu,
				"error":    err,
			}).Debug("invalid-request-timestamp")
			return false
		}
		nonce := req.Header.Get(constants.HeaderFeishuNonce)
		base := make([]byte, 0, len(ts)+len(nonce)+len(req.Body)+64)
		base = append(base, ts...)
		base = append(base, nonce...)
		base = append(base, c.signed.Secret()...)
		base = append(base, req.Body...)
		return c.signed.Verify(issuedAt, base, req.Header.Get(constants.HeaderFeishuSignature))
	}

	var envelope feishuEnvelope
	if err := json.Unmarshal(req.Payload, &envelope); err != nil {
		return c.token.Verify("")
	}
	supplied := envelope.Token
	if envelope.Header != nil {
		supplied = envelope.Header.Token
	}
	return c.token.Verify(supplied)
}

func (c *FeishuConnector) isEncryptedChallenge(payload RawPayload) bool {
	if !isEncryptedFeishuPayload(payload) {
		return false
	}
	plain, ok := c.decode(payload)
	if !ok {
		return false
	}
	var envelope feishuEnvelope
	return json.Unmarshal(plain, &envelope) == nil && envelope.Type == "url_verification"
}

// Handshake answers url_verification requests with their challenge
func (c *FeishuConnector) Handshake(payload RawPayload) ([]byte, bool) {
	plain, ok := c.decode(payload)
	if !ok {
		return nil, false
	}
	var envelope feishuEnvelope
	if err := json.Unmarshal(plain, &envelope); err != nil || envelope.Type != "url_verification" {
		return nil, false
	}
	body, err := json.Marshal(map[string]string{"challenge": envelope.Challenge})
	if err != nil {
		return nil, false
	}
	return body, true
}

// MapRequestToEvents maps a schema 2.0 event to exactly one event
func (c *FeishuConnector) MapRequestToEvents(payload RawPayload) []Event {
	p, plain, ok := c.parse(payload)
	if !ok {
		return nil
	}
	event := newFeishuEvent(plain, p)

	logger.WithFields(logrus.Fields{
		"platform":   constants.PlatformFeishu,
		"event_id":   p.envelope.Header.EventID,
		"event_type": p.envelope.Header.EventType,
		"kind":       event.Kind().String(),
	}).Debug("feishu-event-mapped")

	return []Event{event}
}

func isEncryptedFeishuPayload(payload RawPayload) bool {
	var envelope feishuEnvelope
	return json.Unmarshal(payload, &envelope) == nil && envelope.Encrypt != ""
}

// UpdateSession fetches the sender and the chat concurrently
func (c *FeishuConnector) UpdateSession(ctx context.Context, session *Session, payload RawPayload) error {
	p, _, ok := c.parse(payload)
	if !ok {
		return nil
	}

	senderID := p.senderID()
	chatID := p.chatID()
	if senderID == "" || p.isBot() || chatID == "" {
		logger.WithFields(logrus.Fields{
			"platform":  constants.PlatformFeishu,
			"sender_id": senderID,
			"is_bot":    p.isBot(),
		}).Debug("feishu-session-update-skipped")
		return nil
	}

	client := c.Client()

	var (
		user *larkcontact.User
		chat *larkim.GetChatRespData
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := client.GetUser(gctx, senderID)
		if err != nil {
			return fmt.Errorf("failed to get user %s: %w", senderID, err)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		ch, err := client.GetChat(gctx, chatID)
		if err != nil {
			return fmt.Errorf("failed to get chat %s: %w", chatID, err)
		}
		chat = ch
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("feishu: update session %s: %w", chatID, err)
	}

	userInfo := UserInfo{ID: senderID}
	if user != nil {
		userInfo.Name = stringValue(user.Name)
		userInfo.DisplayName = stringValue(user.EnName)
		userInfo.Profile = *user
	}

	channelInfo := ChannelInfo{ID: chatID, Type: stringValue(p.message.Message.ChatType)}
	if chat != nil {
		channelInfo.Name = stringValue(chat.Name)
		channelInfo.Profile = *chat
	}

	now := time.Now()
	session.SetUser(userInfo, now)
	session.SetChannel(channelInfo, now)
	if tenant := p.envelope.Header.TenantKey; tenant != "" {
		session.SetTeam(TeamInfo{ID: tenant}, now)
	}

	logger.WithFields(logrus.Fields{
		"platform": constants.PlatformFeishu,
		"user_id":  senderID,
		"chat_id":  chatID,
	}).Debug("feishu-session-updated")

	return nil
}

// CreateContext binds the event to its session and an im.message.create reply
func (c *FeishuConnector) CreateContext(params ContextParams) *Context {
	target := replyTarget(params.Event, params.Session)
	return NewContext(c.Platform(), params.Event, params.Session, target, c.reply)
}

func (c *FeishuConnector) reply(ctx context.Context, chatID, text string) error {
	if len(text) > constants.MaxFeishuMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxFeishuMessageLength,
		}).Info("truncating-message-for-feishu-limit")
		text = truncate(text, constants.MaxFeishuMessageLength)
	}
	return c.Client().SendText(ctx, chatID, text)
}

// FeishuEvent is a schema 2.0 event in canonical form
type FeishuEvent struct {
	baseEvent
	eventID   string
	eventType string
	message   *larkim.P2MessageReceiveV1Data
}

func newFeishuEvent(payload RawPayload, p feishuPayload) *FeishuEvent {
	e := &FeishuEvent{
		baseEvent: baseEvent{
			platform:  constants.PlatformFeishu,
			raw:       payload.Clone(),
			isBot:     p.isBot(),
			senderID:  p.senderID(),
			channelID: p.chatID(),
			text:      p.text(),
		},
		eventID:   p.envelope.Header.EventID,
		eventType: p.envelope.Header.EventType,
		message:   p.message,
	}

	switch {
	case p.message == nil:
		e.kind = KindUnknown
	case e.isBot:
		e.kind = KindBotMessage
	default:
		e.kind = KindText
	}
	return e
}

// EventID returns the id used to deduplicate redeliveries
func (e *FeishuEvent) EventID() string { return e.eventID }

// EventType returns the subscription event type, e.g. im.message.receive_v1
func (e *FeishuEvent) EventType() string { return e.eventType }

// MessageID returns the id of the received message
func (e *FeishuEvent) MessageID() string {
	if e.message == nil || e.message.Message == nil {
		return ""
	}
	return stringValue(e.message.Message.MessageId)
}

// MessageType returns the message type (text, post, image, ...)
func (e *FeishuEvent) MessageType() string {
	if e.message == nil || e.message.Message == nil {
		return ""
	}
	return stringValue(e.message.Message.MessageType)
}
