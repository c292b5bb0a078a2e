package bot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/sirupsen/logrus"
)

// DingTalkReplier sends text to a conversation through its session webhook.
// *chatbot.ChatbotReplier implements it.
type DingTalkReplier interface {
	SimpleReplyText(ctx context.Context, sessionWebhook string, content []byte) error
}

// DingTalkConfig configures a DingTalkConnector
type DingTalkConfig struct {
	// AppSecret signs every callback; it is required
	AppSecret string
	// SignatureMaxAge bounds the timestamp header (default 1h)
	SignatureMaxAge time.Duration
	Client          DingTalkReplier
}

// DingTalkConnector implements Connector for robot outgoing callbacks. Every
// piece of session data comes with the callback, so enrichment makes no calls.
type DingTalkConnector struct {
	signed *SignedVerifier

	clientOnce sync.Once
	client     DingTalkReplier
}

// NewDingTalkConnector creates a DingTalk connector
func NewDingTalkConnector(cfg DingTalkConfig) (*DingTalkConnector, error) {
	maxAge := cfg.SignatureMaxAge
	if maxAge == 0 {
		maxAge = constants.DingTalkSignatureMaxAge
	}
	signed, err := NewSignedVerifier(constants.PlatformDingTalk, cfg.AppSecret, maxAge, HMACSHA256Base64())
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"app_secret": maskSecret(cfg.AppSecret),
		"custom":     cfg.Client != nil,
	}).Info("dingtalk-connector-created")

	return &DingTalkConnector{signed: signed, client: cfg.Client}, nil
}

// Platform returns "dingtalk"
func (c *DingTalkConnector) Platform() string {
	return constants.PlatformDingTalk
}

// Client returns the injected replier or lazily builds the SDK one
func (c *DingTalkConnector) Client() DingTalkReplier {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client = chatbot.NewChatbotReplier()
		}
	})
	return c.client
}

func parseDingTalkCallback(payload RawPayload) (*chatbot.BotCallbackDataModel, bool) {
	var data chatbot.BotCallbackDataModel
	if err := json.Unmarshal(payload, &data); err != nil || data.ConversationId == "" || data.MsgId == "" {
		return nil, false
	}
	return &data, true
}

func dingTalkSenderID(data *chatbot.BotCallbackDataModel) string {
	if data.SenderStaffId != "" {
		return data.SenderStaffId
	}
	return data.SenderId
}

// GetUniqueSessionKey returns the conversation id of the callback
func (c *DingTalkConnector) GetUniqueSessionKey(payload RawPayload) (string, bool) {
	data, ok := parseDingTalkCallback(payload)
	if !ok {
		return "", false
	}
	return data.ConversationId, true
}

// VerifySignature checks the sign header, the base64 HMAC-SHA256 of
// timestamp + "\n" + secret, and the freshness of the millisecond timestamp
func (c *DingTalkConnector) VerifySignature(req *Request) bool {
	ts := req.Header.Get(constants.HeaderDingTalkTimestamp)
	issuedAt, err := parseUnixTimestamp(ts, time.Millisecond)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"platform": constants.PlatformDingTalk,
			"error":    err,
		}).Debug("invalid-request-timestamp")
		return false
	}
	base := ts + "\n" + c.signed.Secret()
	return c.signed.Verify(issuedAt, []byte(base), req.Header.Get(constants.HeaderDingTalkSign))
}

// MapRequestToEvents maps a callback to exactly one event
func (c *DingTalkConnector) MapRequestToEvents(payload RawPayload) []Event {
	data, ok := parseDingTalkCallback(payload)
	if !ok {
		return nil
	}
	event := newDingTalkEvent(payload, data)

	logger.WithFields(logrus.Fields{
		"platform":        constants.PlatformDingTalk,
		"conversation_id": data.ConversationId,
		"msg_id":          data.MsgId,
		"msg_type":        data.Msgtype,
		"kind":            event.Kind().String(),
	}).Debug("dingtalk-event-mapped")

	return []Event{event}
}

// UpdateSession merges the sender and conversation carried by the callback
func (c *DingTalkConnector) UpdateSession(_ context.Context, session *Session, payload RawPayload) error {
	data, ok := parseDingTalkCallback(payload)
	if !ok {
		return nil
	}
	senderID := dingTalkSenderID(data)
	if senderID == "" {
		logger.WithField("conversation_id", data.ConversationId).Debug("dingtalk-session-update-skipped")
		return nil
	}

	now := time.Now()
	session.SetUser(UserInfo{
		ID:          senderID,
		Name:        data.SenderNick,
		DisplayName: data.SenderNick,
		IsAdmin:     data.IsAdmin,
	}, now)
	session.SetChannel(ChannelInfo{
		ID:   data.ConversationId,
		Name: data.ConversationTitle,
		Type: dingTalkConversationType(data.ConversationType),
	}, now)

	return nil
}

// CreateContext binds the event to its session. Replies go through the
// session webhook of the callback the event came from.
func (c *DingTalkConnector) CreateContext(params ContextParams) *Context {
	target := replyTarget(params.Event, params.Session)

	webhook := ""
	if event, ok := params.Event.(*DingTalkEvent); ok {
		webhook = event.SessionWebhook()
	}

	reply := func(ctx context.Context, _ string, text string) error {
		if webhook == "" {
			return ErrNoReplyTarget
		}
		if len(text) > constants.MaxDingTalkMessageLength {
			logger.WithFields(logrus.Fields{
				"original_length": len(text),
				"max_length":      constants.MaxDingTalkMessageLength,
			}).Info("truncating-message-for-dingtalk-limit")
			text = truncate(text, constants.MaxDingTalkMessageLength)
		}
		return c.Client().SimpleReplyText(ctx, webhook, []byte(text))
	}

	return NewContext(c.Platform(), params.Event, params.Session, target, reply)
}

func dingTalkConversationType(t string) string {
	switch t {
	case "1":
		return "single"
	case "2":
		return "group"
	}
	return t
}

// DingTalkEvent is a robot callback in canonical form
type DingTalkEvent struct {
	baseEvent
	data chatbot.BotCallbackDataModel
}

func newDingTalkEvent(payload RawPayload, data *chatbot.BotCallbackDataModel) *DingTalkEvent {
	e := &DingTalkEvent{
		baseEvent: baseEvent{
			platform:  constants.PlatformDingTalk,
			raw:       payload.Clone(),
			senderID:  dingTalkSenderID(data),
			channelID: data.ConversationId,
		},
		data: *data,
	}
	if data.Msgtype == "text" {
		e.kind = KindText
		e.text = data.Text.Content
	} else {
		e.kind = KindUnknown
	}
	return e
}

// MessageID returns the callback's message id
func (e *DingTalkEvent) MessageID() string { return e.data.MsgId }

// SessionWebhook returns the URL replies to this callback are posted to
func (e *DingTalkEvent) SessionWebhook() string { return e.data.SessionWebhook }

// IsInAtList reports whether the robot was mentioned
func (e *DingTalkEvent) IsInAtList() bool { return e.data.IsInAtList }
