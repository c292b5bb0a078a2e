package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/sirupsen/logrus"
)

// MessengerConfig configures a MessengerConnector
type MessengerConfig struct {
	AccessToken string
	// AppSecret signs every delivery; it is required
	AppSecret string
	// SignatureMaxAge bounds the newest entry time of a delivery (default 1h)
	SignatureMaxAge time.Duration
	// GraphBaseURL overrides the Graph API endpoint of the built client
	GraphBaseURL string
	Client       MessengerClient
}

// MessengerConnector implements Connector for Messenger page webhooks
type MessengerConnector struct {
	accessToken  string
	graphBaseURL string
	signed       *SignedVerifier

	clientOnce sync.Once
	client     MessengerClient
}

// NewMessengerConnector creates a Messenger connector
func NewMessengerConnector(cfg MessengerConfig) (*MessengerConnector, error) {
	if cfg.Client == nil && cfg.AccessToken == "" {
		return nil, fmt.Errorf("messenger: %w", ErrMissingAccessToken)
	}

	maxAge := cfg.SignatureMaxAge
	if maxAge == 0 {
		maxAge = constants.MessengerSignatureMaxAge
	}
	signed, err := NewSignedVerifier(constants.PlatformMessenger, cfg.AppSecret, maxAge, HMACSHA256Hex("sha256="))
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"access_token": maskSecret(cfg.AccessToken),
		"custom":       cfg.Client != nil,
	}).Info("messenger-connector-created")

	return &MessengerConnector{
		accessToken:  cfg.AccessToken,
		graphBaseURL: cfg.GraphBaseURL,
		signed:       signed,
		client:       cfg.Client,
	}, nil
}

// Platform returns "messenger"
func (c *MessengerConnector) Platform() string {
	return constants.PlatformMessenger
}

// Client returns the injected client or lazily builds a Graph API client
func (c *MessengerConnector) Client() MessengerClient {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client = NewMessengerGraphClient(c.accessToken, c.graphBaseURL, nil)
		}
	})
	return c.client
}

// MessengerWebhook is the body of a page webhook delivery
type MessengerWebhook struct {
	Object string           `json:"object"`
	Entry  []MessengerEntry `json:"entry"`
}

// MessengerEntry is one page entry of a delivery. Messaging items are kept
// raw so every event carries its own fragment verbatim.
type MessengerEntry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

// MessengerMessaging is one messaging item
type MessengerMessaging struct {
	Sender    MessengerActor     `json:"sender"`
	Recipient MessengerActor     `json:"recipient"`
	Timestamp int64              `json:"timestamp"`
	Message   *MessengerMessage  `json:"message,omitempty"`
	Postback  *MessengerPostback `json:"postback,omitempty"`
}

// MessengerActor identifies the sender or recipient of a messaging item
type MessengerActor struct {
	ID string `json:"id"`
}

// MessengerMessage is a text or attachment message
type MessengerMessage struct {
	Mid        string `json:"mid"`
	Text       string `json:"text,omitempty"`
	IsEcho     bool   `json:"is_echo,omitempty"`
	AppID      int64  `json:"app_id,omitempty"`
	QuickReply *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply,omitempty"`
}

// MessengerPostback is a button postback
type MessengerPostback struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// conversationID returns the user side of the item: the recipient of echoes,
// the sender otherwise
func (m MessengerMessaging) conversationID() string {
	if m.Message != nil && m.Message.IsEcho {
		return m.Recipient.ID
	}
	return m.Sender.ID
}

func (m MessengerMessaging) isEcho() bool {
	return m.Message != nil && m.Message.IsEcho
}

// messengerItem is one decoded messaging item and its raw fragment
type messengerItem struct {
	pageID    string
	entryTime int64
	messaging MessengerMessaging
	raw       json.RawMessage
}

// parseMessengerPayload returns the page webhook and its messaging items in
// delivery order. ok is false for anything that is not a page delivery.
func parseMessengerPayload(payload RawPayload) (MessengerWebhook, []messengerItem, bool) {
	var webhook MessengerWebhook
	if err := json.Unmarshal(payload, &webhook); err != nil || webhook.Object != "page" {
		return webhook, nil, false
	}

	var items []messengerItem
	for _, entry := range webhook.Entry {
		for _, raw := range entry.Messaging {
			var m MessengerMessaging
			if err := json.Unmarshal(raw, &m); err != nil {
				logger.WithFields(logrus.Fields{
					"page_id": entry.ID,
					"error":   err,
				}).Debug("messenger-messaging-item-skipped")
				continue
			}
			items = append(items, messengerItem{pageID: entry.ID, entryTime: entry.Time, messaging: m, raw: raw})
		}
	}
	return webhook, items, true
}

// Split groups the messaging items of a batch by conversation. Each payload
// keeps the page entries of its items, so a batch with several users becomes
// one delivery per user. Single-conversation payloads are returned as is.
func (c *MessengerConnector) Split(payload RawPayload) []RawPayload {
	_, items, ok := parseMessengerPayload(payload)
	if !ok || len(items) < 2 {
		return []RawPayload{payload}
	}

	var order []string
	groups := make(map[string][]MessengerEntry)
	for _, item := range items {
		key := item.messaging.conversationID()
		entries, seen := groups[key]
		if !seen {
			order = append(order, key)
		}
		if n := len(entries); n > 0 && entries[n-1].ID == item.pageID && entries[n-1].Time == item.entryTime {
			entries[n-1].Messaging = append(entries[n-1].Messaging, item.raw)
		} else {
			entries = append(entries, MessengerEntry{ID: item.pageID, Time: item.entryTime, Messaging: []json.RawMessage{item.raw}})
		}
		groups[key] = entries
	}
	if len(order) == 1 {
		return []RawPayload{payload}
	}

	parts := make([]RawPayload, 0, len(order))
	for _, key := range order {
		part, err := json.Marshal(MessengerWebhook{Object: "page", Entry: groups[key]})
		if err != nil {
			logger.WithFields(logrus.Fields{
				"platform": constants.PlatformMessenger,
				"error":    err,
			}).Warn("messenger-batch-split-failed")
			return []RawPayload{payload}
		}
		parts = append(parts, RawPayload(part))
	}

	logger.WithFields(logrus.Fields{
		"platform":      constants.PlatformMessenger,
		"conversations": len(parts),
	}).Debug("messenger-batch-split")

	return parts
}

// GetUniqueSessionKey returns the user id of the first messaging item
func (c *MessengerConnector) GetUniqueSessionKey(payload RawPayload) (string, bool) {
	_, items, ok := parseMessengerPayload(payload)
	if !ok || len(items) == 0 {
		return "", false
	}
	key := items[0].messaging.conversationID()
	return key, key != ""
}

// VerifySignature checks X-Hub-Signature-256 against the body. The newest
// entry time inside the signed body bounds the age of the delivery.
func (c *MessengerConnector) VerifySignature(req *Request) bool {
	webhook, _, ok := parseMessengerPayload(RawPayload(req.Body))
	if !ok {
		logger.WithPlatform(constants.PlatformMessenger).Debug("unrecognized-signed-body")
		return false
	}

	var newest int64
	for _, entry := range webhook.Entry {
		if entry.Time > newest {
			newest = entry.Time
		}
	}
	if newest == 0 {
		logger.WithPlatform(constants.PlatformMessenger).Debug("signed-body-without-entry-time")
		return false
	}

	return c.signed.Verify(time.UnixMilli(newest), req.Body, req.Header.Get(constants.HeaderMessengerSignature))
}

// MapRequestToEvents returns one event per messaging item, in order
func (c *MessengerConnector) MapRequestToEvents(payload RawPayload) []Event {
	_, items, ok := parseMessengerPayload(payload)
	if !ok {
		return nil
	}

	events := make([]Event, 0, len(items))
	for _, item := range items {
		events = append(events, newMessengerEvent(item))
	}

	logger.WithFields(logrus.Fields{
		"platform": constants.PlatformMessenger,
		"events":   len(events),
	}).Debug("messenger-events-mapped")

	return events
}

// UpdateSession fetches the profile of the user behind the first item
func (c *MessengerConnector) UpdateSession(ctx context.Context, session *Session, payload RawPayload) error {
	_, items, ok := parseMessengerPayload(payload)
	if !ok || len(items) == 0 {
		return nil
	}

	first := items[0].messaging
	userID := first.Sender.ID
	if userID == "" || first.isEcho() {
		logger.WithFields(logrus.Fields{
			"platform":  constants.PlatformMessenger,
			"sender_id": userID,
			"is_echo":   first.isEcho(),
		}).Debug("messenger-session-update-skipped")
		return nil
	}

	profile, err := c.Client().GetUserProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("messenger: update session %s: %w", userID, err)
	}

	session.SetUser(UserInfo{
		ID:          userID,
		Name:        strings.TrimSpace(profile.FirstName + " " + profile.LastName),
		DisplayName: profile.FirstName,
		Profile:     *profile,
	}, time.Now())

	logger.WithFields(logrus.Fields{
		"platform": constants.PlatformMessenger,
		"user_id":  userID,
	}).Debug("messenger-session-updated")

	return nil
}

// CreateContext binds the event to its session and a Send API reply. Replies
// always go to the user of the event; a session belonging to another user of
// the same batch is replaced by a transient one.
func (c *MessengerConnector) CreateContext(params ContextParams) *Context {
	sess := params.Session
	var target string
	if params.Event != nil {
		target = params.Event.ChannelID()
	}
	if target == "" {
		target = replyTarget(params.Event, sess)
	} else if sess != nil && sess.Key != "" && sess.Key != target {
		logger.WithFields(logrus.Fields{
			"platform":     constants.PlatformMessenger,
			"session":      sess.Key,
			"conversation": target,
		}).Warn("messenger-session-mismatch")
		sess = NewSession(c.Platform(), target)
	}
	return NewContext(c.Platform(), params.Event, sess, target, c.reply)
}

func (c *MessengerConnector) reply(ctx context.Context, psid, text string) error {
	return c.Client().SendText(ctx, psid, truncate(text, constants.MaxMessengerMessageLength))
}

// MessengerEvent is one messaging item in canonical form
type MessengerEvent struct {
	baseEvent
	pageID    string
	messaging MessengerMessaging
}

func newMessengerEvent(item messengerItem) *MessengerEvent {
	m := item.messaging
	e := &MessengerEvent{
		baseEvent: baseEvent{
			platform:  constants.PlatformMessenger,
			raw:       RawPayload(item.raw).Clone(),
			isBot:     m.isEcho(),
			senderID:  m.Sender.ID,
			channelID: m.conversationID(),
		},
		pageID:    item.pageID,
		messaging: m,
	}

	switch {
	case m.isEcho():
		e.kind = KindBotMessage
		e.text = m.Message.Text
	case m.Message != nil:
		e.kind = KindText
		e.text = m.Message.Text
	case m.Postback != nil:
		e.kind = KindPostback
		e.text = m.Postback.Title
	default:
		e.kind = KindUnknown
	}
	return e
}

// PageID returns the id of the page the item was delivered to
func (e *MessengerEvent) PageID() string { return e.pageID }

// Messaging returns a copy of the messaging item
func (e *MessengerEvent) Messaging() MessengerMessaging {
	m := e.messaging
	if m.Message != nil {
		msg := *m.Message
		m.Message = &msg
	}
	if m.Postback != nil {
		pb := *m.Postback
		m.Postback = &pb
	}
	return m
}

// PostbackPayload returns the developer payload of a postback or quick reply
func (e *MessengerEvent) PostbackPayload() string {
	switch {
	case e.messaging.Postback != nil:
		return e.messaging.Postback.Payload
	case e.messaging.Message != nil && e.messaging.Message.QuickReply != nil:
		return e.messaging.Message.QuickReply.Payload
	}
	return ""
}
