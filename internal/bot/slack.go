package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"golang.org/x/sync/errgroup"
)

// SlackConfig configures a SlackConnector
type SlackConfig struct {
	AccessToken string
	// VerificationToken enables the legacy token comparison scheme
	VerificationToken string
	// SigningSecret enables signed request verification; it takes precedence
	// over VerificationToken
	SigningSecret string
	// AllowUnverified accepts deliveries when no credential is configured
	AllowUnverified bool
	// SignatureMaxAge bounds the request timestamp (default 5m)
	SignatureMaxAge time.Duration
	// Client replaces the Web API client built from AccessToken
	Client SlackClient
}

// SlackConnector implements Connector for the Slack Events API, interactive
// components and RTM messages
type SlackConnector struct {
	accessToken string
	token       *TokenVerifier
	signed      *SignedVerifier

	clientOnce sync.Once
	client     SlackClient
}

// NewSlackConnector creates a Slack connector
func NewSlackConnector(cfg SlackConfig) (*SlackConnector, error) {
	if cfg.Client == nil && cfg.AccessToken == "" {
		return nil, fmt.Errorf("slack: %w", ErrMissingAccessToken)
	}

	c := &SlackConnector{
		accessToken: cfg.AccessToken,
		client:      cfg.Client,
	}

	if cfg.SigningSecret != "" {
		maxAge := cfg.SignatureMaxAge
		if maxAge == 0 {
			maxAge = constants.SlackSignatureMaxAge
		}
		signed, err := NewSignedVerifier(constants.PlatformSlack, cfg.SigningSecret, maxAge, HMACSHA256Hex("v0="))
		if err != nil {
			return nil, err
		}
		c.signed = signed
	} else {
		token, err := NewTokenVerifier(constants.PlatformSlack, cfg.VerificationToken, cfg.AllowUnverified)
		if err != nil {
			return nil, err
		}
		c.token = token
	}

	logger.WithFields(logrus.Fields{
		"access_token": maskSecret(cfg.AccessToken),
		"signed":       c.signed != nil,
		"custom":       cfg.Client != nil,
	}).Info("slack-connector-created")

	return c, nil
}

// Platform returns "slack"
func (c *SlackConnector) Platform() string {
	return constants.PlatformSlack
}

// Client returns the injected client or lazily builds one from the access token
func (c *SlackConnector) Client() SlackClient {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client = NewSlackAPIClient(c.accessToken)
		}
	})
	return c.client
}

// GetUniqueSessionKey returns the channel id of the delivery
func (c *SlackConnector) GetUniqueSessionKey(payload RawPayload) (string, bool) {
	p := parseSlackPayload(payload)
	channelID := p.channelID()
	return channelID, channelID != ""
}

// VerifySignature checks the v0 request signature when a signing secret is
// configured, and the payload token otherwise
func (c *SlackConnector) VerifySignature(req *Request) bool {
	if c.signed != nil {
		ts := req.Header.Get(constants.HeaderSlackTimestamp)
		issuedAt, err := parseUnixTimestamp(ts, time.Second)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"platform": constants.PlatformSlack,
				"error":    err,
			}).Debug("invalid-request-timestamp")
			return false
		}
		base := make([]byte, 0, len(ts)+len(req.Body)+4)
		base = append(base, "v0:"...)
		base = append(base, ts...)
		base = append(base, ':')
		base = append(base, req.Body...)
		return c.signed.Verify(issuedAt, base, req.Header.Get(constants.HeaderSlackSignature))
	}
	return c.token.Verify(parseSlackPayload(req.Payload).token())
}

// Handshake answers url_verification challenges
func (c *SlackConnector) Handshake(payload RawPayload) ([]byte, bool) {
	p := parseSlackPayload(payload)
	if p.envelope.Type != "url_verification" {
		return nil, false
	}
	body, err := json.Marshal(map[string]string{"challenge": p.envelope.Challenge})
	if err != nil {
		return nil, false
	}
	return body, true
}

// MapRequestToEvents maps a recognized delivery to exactly one SlackEvent
func (c *SlackConnector) MapRequestToEvents(payload RawPayload) []Event {
	p := parseSlackPayload(payload)
	if p.shape == slackShapeNone {
		return nil
	}

	event := newSlackEvent(payload, p)
	logger.WithFields(logrus.Fields{
		"platform": constants.PlatformSlack,
		"kind":     event.Kind().String(),
		"user_id":  event.SenderID(),
		"channel":  event.ChannelID(),
		"is_bot":   event.IsBot(),
	}).Debug("slack-event-mapped")

	return []Event{event}
}

// UpdateSession fetches the sender profile, the conversation, its members and
// the workspace members concurrently, then merges them into session
func (c *SlackConnector) UpdateSession(ctx context.Context, session *Session, payload RawPayload) error {
	p := parseSlackPayload(payload)

	senderID := p.senderID()
	if senderID == "" || p.isBot() {
		logger.WithFields(logrus.Fields{
			"platform":  constants.PlatformSlack,
			"sender_id": senderID,
			"is_bot":    p.isBot(),
		}).Debug("slack-session-update-skipped")
		return nil
	}

	channelID := p.channelID()
	if channelID == "" {
		logger.WithField("sender_id", senderID).Debug("slack-session-update-skipped-no-channel")
		return nil
	}

	client := c.Client()

	var (
		user           *slack.User
		channel        *slack.Channel
		channelMembers []string
		teamUsers      []slack.User
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := client.GetUserInfo(gctx, senderID)
		if err != nil {
			return fmt.Errorf("failed to get user info %s: %w", senderID, err)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		ch, err := client.GetConversationInfo(gctx, channelID)
		if err != nil {
			return fmt.Errorf("failed to get conversation info %s: %w", channelID, err)
		}
		channel = ch
		return nil
	})
	g.Go(func() error {
		members, err := client.GetAllConversationMembers(gctx, channelID)
		if err != nil {
			return fmt.Errorf("failed to get conversation members %s: %w", channelID, err)
		}
		channelMembers = members
		return nil
	})
	g.Go(func() error {
		users, err := client.GetAllUserList(gctx)
		if err != nil {
			return fmt.Errorf("failed to get user list: %w", err)
		}
		teamUsers = users
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("slack: update session %s: %w", channelID, err)
	}

	teamMembers := slackMembers(teamUsers)

	now := time.Now()
	session.SetUser(slackUserInfo(user, senderID), now)
	channelInfo := slackChannelInfo(channel, channelID)
	channelInfo.Members = resolveMembers(channelMembers, teamMembers)
	session.SetChannel(channelInfo, now)
	session.SetTeam(TeamInfo{ID: p.teamID(), Members: teamMembers}, now)

	logger.WithFields(logrus.Fields{
		"platform":        constants.PlatformSlack,
		"user_id":         senderID,
		"channel":         channelID,
		"channel_members": len(channelMembers),
		"team_members":    len(teamMembers),
	}).Debug("slack-session-updated")

	return nil
}

// CreateContext binds the event to its session and a chat.postMessage reply
func (c *SlackConnector) CreateContext(params ContextParams) *Context {
	target := replyTarget(params.Event, params.Session)
	return NewContext(c.Platform(), params.Event, params.Session, target, c.reply)
}

func (c *SlackConnector) reply(ctx context.Context, channelID, text string) error {
	return c.Client().PostMessage(ctx, channelID, truncate(text, constants.MaxSlackMessageLength))
}

// SlackEvent is a Slack delivery in canonical form. Exactly one of Message,
// Interaction and RTMMessage is present.
type SlackEvent struct {
	baseEvent
	message     *slackevents.MessageEvent
	interaction *slack.InteractionCallback
	rtm         *slack.Msg
}

func newSlackEvent(payload RawPayload, p slackPayload) *SlackEvent {
	e := &SlackEvent{
		baseEvent: baseEvent{
			platform:  constants.PlatformSlack,
			raw:       payload.Clone(),
			isBot:     p.isBot(),
			senderID:  p.senderID(),
			channelID: p.channelID(),
		},
		message:     p.message,
		interaction: p.interaction,
		rtm:         p.rtm,
	}

	switch p.shape {
	case slackShapeEventCallback:
		e.text = p.message.Text
		switch {
		case p.message.Type != "message" && p.message.Type != "app_mention":
			e.kind = KindUnknown
		case p.isBot():
			e.kind = KindBotMessage
		default:
			e.kind = KindText
		}
	case slackShapeInteractive:
		e.kind = KindInteractiveAction
	case slackShapeRTM:
		e.kind = KindRawSocketMessage
		e.text = p.rtm.Text
	}
	return e
}

// Message returns the Events API inner event
func (e *SlackEvent) Message() (slackevents.MessageEvent, bool) {
	if e.message == nil {
		return slackevents.MessageEvent{}, false
	}
	return *e.message, true
}

// Interaction returns the interactive component callback
func (e *SlackEvent) Interaction() (slack.InteractionCallback, bool) {
	if e.interaction == nil {
		return slack.InteractionCallback{}, false
	}
	return *e.interaction, true
}

// RTMMessage returns the realtime socket message
func (e *SlackEvent) RTMMessage() (slack.Msg, bool) {
	if e.rtm == nil {
		return slack.Msg{}, false
	}
	return *e.rtm, true
}

// ActionValue returns the value of the first action of an interactive callback
func (e *SlackEvent) ActionValue() string {
	if e.interaction == nil {
		return ""
	}
	if actions := e.interaction.ActionCallback.AttachmentActions; len(actions) > 0 {
		return actions[0].Value
	}
	if actions := e.interaction.ActionCallback.BlockActions; len(actions) > 0 {
		return actions[0].Value
	}
	return ""
}

// slackShape identifies which of the recognized delivery shapes matched
type slackShape int

const (
	slackShapeNone slackShape = iota
	slackShapeEventCallback
	slackShapeInteractive
	slackShapeRTM
)

// slackEnvelope holds the top-level fields probed to recognize a shape
type slackEnvelope struct {
	Token     string          `json:"token"`
	TeamID    string          `json:"team_id"`
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
	Payload   string          `json:"payload"`
	Channel   json.RawMessage `json:"channel"`
	Team      json.RawMessage `json:"team"`
}

// slackPayload is the parsed form of one delivery
type slackPayload struct {
	shape       slackShape
	envelope    slackEnvelope
	message     *slackevents.MessageEvent
	interaction *slack.InteractionCallback
	rtm         *slack.Msg
}

// parseSlackPayload tries the event callback, interactive and RTM shapes in
// that order and stops at the first match
func parseSlackPayload(payload RawPayload) slackPayload {
	var p slackPayload
	if err := json.Unmarshal(payload, &p.envelope); err != nil {
		return p
	}

	switch {
	case p.matchEventCallback():
		p.shape = slackShapeEventCallback
	case p.matchInteractive():
		p.shape = slackShapeInteractive
	case p.matchRTM(payload):
		p.shape = slackShapeRTM
	}
	return p
}

func (p *slackPayload) matchEventCallback() bool {
	if !isJSONObject(p.envelope.Event) {
		return false
	}
	var ev slackevents.MessageEvent
	if err := json.Unmarshal(p.envelope.Event, &ev); err != nil {
		loose, ok := decodeLooseSlackEvent(p.envelope.Event)
		if !ok {
			return false
		}
		ev = loose
	}
	p.message = &ev
	return true
}

// slackLooseEvent reads the common fields of inner events whose user or
// channel is an object, such as channel_created or user_change
type slackLooseEvent struct {
	Type      string          `json:"type"`
	User      json.RawMessage `json:"user"`
	Channel   json.RawMessage `json:"channel"`
	BotID     string          `json:"bot_id"`
	Text      string          `json:"text"`
	TimeStamp string          `json:"ts"`
}

func decodeLooseSlackEvent(raw json.RawMessage) (slackevents.MessageEvent, bool) {
	var loose slackLooseEvent
	if err := json.Unmarshal(raw, &loose); err != nil {
		return slackevents.MessageEvent{}, false
	}
	return slackevents.MessageEvent{
		Type:      loose.Type,
		User:      slackObjectID(loose.User),
		Channel:   slackObjectID(loose.Channel),
		BotID:     loose.BotID,
		Text:      loose.Text,
		TimeStamp: loose.TimeStamp,
	}, true
}

// slackObjectID returns a string field as is, or the id of an object field
func slackObjectID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	var object struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &object) == nil {
		return object.ID
	}
	return ""
}

func (p *slackPayload) matchInteractive() bool {
	if p.envelope.Payload == "" {
		return false
	}
	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(p.envelope.Payload), &callback); err != nil {
		return false
	}
	p.interaction = &callback
	return true
}

func (p *slackPayload) matchRTM(payload RawPayload) bool {
	var channel string
	if len(p.envelope.Channel) == 0 || json.Unmarshal(p.envelope.Channel, &channel) != nil || channel == "" {
		return false
	}
	var msg slack.Msg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	p.rtm = &msg
	return true
}

func (p slackPayload) channelID() string {
	switch p.shape {
	case slackShapeEventCallback:
		return p.message.Channel
	case slackShapeInteractive:
		return p.interaction.Channel.ID
	case slackShapeRTM:
		return p.rtm.Channel
	}
	return ""
}

func (p slackPayload) senderID() string {
	switch p.shape {
	case slackShapeEventCallback:
		return p.message.User
	case slackShapeInteractive:
		return p.interaction.User.ID
	case slackShapeRTM:
		return p.rtm.User
	}
	return ""
}

func (p slackPayload) isBot() bool {
	switch p.shape {
	case slackShapeEventCallback:
		return p.message.BotID != ""
	case slackShapeRTM:
		return p.rtm.BotID != ""
	}
	return false
}

func (p slackPayload) teamID() string {
	if p.envelope.TeamID != "" {
		return p.envelope.TeamID
	}
	if p.shape == slackShapeInteractive {
		return p.interaction.Team.ID
	}
	var team string
	if len(p.envelope.Team) > 0 && json.Unmarshal(p.envelope.Team, &team) == nil {
		return team
	}
	return ""
}

func (p slackPayload) token() string {
	if p.envelope.Token != "" {
		return p.envelope.Token
	}
	if p.interaction != nil {
		return p.interaction.Token
	}
	return ""
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func slackUserInfo(user *slack.User, fallbackID string) UserInfo {
	if user == nil {
		return UserInfo{ID: fallbackID}
	}
	id := user.ID
	if id == "" {
		id = fallbackID
	}
	return UserInfo{
		ID:          id,
		Name:        user.Name,
		DisplayName: user.Profile.DisplayName,
		IsBot:       user.IsBot,
		IsAdmin:     user.IsAdmin,
		Profile:     user,
	}
}

func slackChannelInfo(channel *slack.Channel, fallbackID string) ChannelInfo {
	if channel == nil {
		return ChannelInfo{ID: fallbackID}
	}
	id := channel.ID
	if id == "" {
		id = fallbackID
	}
	channelType := "public"
	switch {
	case channel.IsIM:
		channelType = "im"
	case channel.IsMpIM:
		channelType = "mpim"
	case channel.IsPrivate:
		channelType = "private"
	}
	return ChannelInfo{
		ID:      id,
		Name:    channel.Name,
		Type:    channelType,
		Profile: channel,
	}
}

func slackMembers(users []slack.User) []Member {
	if users == nil {
		return nil
	}
	members := make([]Member, 0, len(users))
	for _, u := range users {
		members = append(members, Member{ID: u.ID, Name: u.Name, IsBot: u.IsBot})
	}
	return members
}

// resolveMembers turns member ids into Members, taking names from known
func resolveMembers(ids []string, known []Member) []Member {
	if ids == nil {
		return nil
	}
	byID := make(map[string]Member, len(known))
	for _, m := range known {
		byID[m.ID] = m
	}
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			members = append(members, m)
			continue
		}
		members = append(members, Member{ID: id})
	}
	return members
}
