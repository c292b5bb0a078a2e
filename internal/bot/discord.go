package bot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DiscordClient is the part of the Discord REST API the connector uses
type DiscordClient interface {
	User(ctx context.Context, userID string) (*discordgo.User, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	// GuildMembers returns every member of the guild, following pagination
	GuildMembers(ctx context.Context, guildID string) ([]*discordgo.Member, error)
	SendText(ctx context.Context, channelID, text string) error
	// FollowupText answers a deferred interaction through its token
	FollowupText(ctx context.Context, appID, token, text string) error
}

// discordSessionClient implements DiscordClient with a REST-only discordgo
// session; the gateway is never opened
type discordSessionClient struct {
	session *discordgo.Session
}

// NewDiscordSessionClient creates a REST client for a bot token
func NewDiscordSessionClient(token string) (DiscordClient, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	return &discordSessionClient{session: session}, nil
}

func (c *discordSessionClient) User(ctx context.Context, userID string) (*discordgo.User, error) {
	return c.session.User(userID, discordgo.WithContext(ctx))
}

func (c *discordSessionClient) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return c.session.Channel(channelID, discordgo.WithContext(ctx))
}

func (c *discordSessionClient) GuildMembers(ctx context.Context, guildID string) ([]*discordgo.Member, error) {
	var (
		members []*discordgo.Member
		after   string
	)
	for {
		page, err := c.session.GuildMembers(guildID, after, constants.DiscordGuildMembersLimit, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("guild members %s: %w", guildID, err)
		}
		members = append(members, page...)
		if len(page) < constants.DiscordGuildMembersLimit || page[len(page)-1].User == nil {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (c *discordSessionClient) SendText(ctx context.Context, channelID, text string) error {
	_, err := c.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return err
}

func (c *discordSessionClient) FollowupText(ctx context.Context, appID, token, text string) error {
	interaction := &discordgo.Interaction{AppID: appID, Token: token}
	_, err := c.session.FollowupMessageCreate(interaction, true, &discordgo.WebhookParams{Content: text}, discordgo.WithContext(ctx))
	return err
}

// DiscordConfig configures a DiscordConnector
type DiscordConfig struct {
	Token string
	// PublicKey is the hex encoded ed25519 key of the application; required
	PublicKey string
	// SignatureMaxAge bounds X-Signature-Timestamp (default 5m)
	SignatureMaxAge time.Duration
	Client          DiscordClient
}

// DiscordConnector implements Connector for the HTTP interactions endpoint
type DiscordConnector struct {
	token     string
	publicKey ed25519.PublicKey
	maxAge    time.Duration
	now       func() time.Time

	clientOnce sync.Once
	client     DiscordClient
	clientErr  error
}

// NewDiscordConnector creates a Discord connector
func NewDiscordConnector(cfg DiscordConfig) (*DiscordConnector, error) {
	if cfg.Client == nil && cfg.Token == "" {
		return nil, fmt.Errorf("discord: %w", ErrMissingAccessToken)
	}
	if cfg.PublicKey == "" {
		return nil, fmt.Errorf("discord: public key: %w", ErrMissingCredential)
	}
	key, err := hex.DecodeString(cfg.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("discord: invalid public key")
	}

	maxAge := cfg.SignatureMaxAge
	if maxAge == 0 {
		maxAge = constants.DiscordSignatureMaxAge
	}

	logger.WithFields(logrus.Fields{
		"token":  maskSecret(cfg.Token),
		"custom": cfg.Client != nil,
	}).Info("discord-connector-created")

	return &DiscordConnector{
		token:     cfg.Token,
		publicKey: ed25519.PublicKey(key),
		maxAge:    maxAge,
		now:       time.Now,
		client:    cfg.Client,
	}, nil
}

// Platform returns "discord"
func (c *DiscordConnector) Platform() string {
	return constants.PlatformDiscord
}

// Client returns the injected client or lazily builds a REST session. It is
// nil when the session could not be created.
func (c *DiscordConnector) Client() DiscordClient {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client, c.clientErr = NewDiscordSessionClient(c.token)
		}
	})
	return c.client
}

func (c *DiscordConnector) restClient() (DiscordClient, error) {
	client := c.Client()
	if client == nil {
		return nil, c.clientErr
	}
	return client, nil
}

func parseDiscordInteraction(payload RawPayload) (*discordgo.Interaction, bool) {
	var interaction discordgo.Interaction
	if err := json.Unmarshal(payload, &interaction); err != nil || interaction.Type == 0 {
		return nil, false
	}
	return &interaction, true
}

// discordSender returns the invoking user: the member's user inside a guild,
// the top-level user in DMs
func discordSender(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// GetUniqueSessionKey returns the channel id of the interaction
func (c *DiscordConnector) GetUniqueSessionKey(payload RawPayload) (string, bool) {
	interaction, ok := parseDiscordInteraction(payload)
	if !ok || interaction.ChannelID == "" {
		return "", false
	}
	return interaction.ChannelID, true
}

// VerifySignature checks the ed25519 signature over timestamp and body and
// the freshness of the timestamp
func (c *DiscordConnector) VerifySignature(req *Request) bool {
	issuedAt, err := parseUnixTimestamp(req.Header.Get(constants.HeaderDiscordTimestamp), time.Second)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"platform": constants.PlatformDiscord,
			"error":    err,
		}).Debug("invalid-request-timestamp")
		return false
	}
	age := c.now().Sub(issuedAt)
	if age < 0 {
		age = -age
	}
	if age > c.maxAge {
		logger.WithFields(logrus.Fields{
			"platform":  constants.PlatformDiscord,
			"issued_at": issuedAt,
		}).Debug("signature-timestamp-outside-window")
		return false
	}

	r := &http.Request{
		Header: req.Header,
		Body:   io.NopCloser(bytes.NewReader(req.Body)),
	}
	return discordgo.VerifyInteraction(r, c.publicKey)
}

// Handshake answers PING interactions with a Pong
func (c *DiscordConnector) Handshake(payload RawPayload) ([]byte, bool) {
	interaction, ok := parseDiscordInteraction(payload)
	if !ok || interaction.Type != discordgo.InteractionPing {
		return nil, false
	}
	body, err := json.Marshal(discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	if err != nil {
		return nil, false
	}
	return body, true
}

// discordAutocompleteResponse is an autocomplete result without choices.
// InteractionResponseData drops an empty choices list, which Discord rejects.
type discordAutocompleteResponse struct {
	Type discordgo.InteractionResponseType `json:"type"`
	Data struct {
		Choices []*discordgo.ApplicationCommandOptionChoice `json:"choices"`
	} `json:"data"`
}

// Ack returns the response for an accepted interaction. Commands and modal
// submits are deferred and answered by follow-up messages, components defer
// a message update and autocomplete gets an empty choice list.
func (c *DiscordConnector) Ack(payload RawPayload) []byte {
	var response any = discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource}
	if interaction, ok := parseDiscordInteraction(payload); ok {
		switch interaction.Type {
		case discordgo.InteractionMessageComponent:
			response = discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
		case discordgo.InteractionApplicationCommandAutocomplete:
			autocomplete := discordAutocompleteResponse{Type: discordgo.InteractionApplicationCommandAutocompleteResult}
			autocomplete.Data.Choices = []*discordgo.ApplicationCommandOptionChoice{}
			response = autocomplete
		}
	}
	body, err := json.Marshal(response)
	if err != nil {
		return nil
	}
	return body
}

// MapRequestToEvents maps an interaction to exactly one event. PINGs map to
// none.
func (c *DiscordConnector) MapRequestToEvents(payload RawPayload) []Event {
	interaction, ok := parseDiscordInteraction(payload)
	if !ok || interaction.Type == discordgo.InteractionPing {
		return nil
	}
	event := newDiscordEvent(payload, interaction)

	logger.WithFields(logrus.Fields{
		"platform":       constants.PlatformDiscord,
		"interaction_id": interaction.ID,
		"kind":           event.Kind().String(),
		"channel":        event.ChannelID(),
	}).Debug("discord-event-mapped")

	return []Event{event}
}

// UpdateSession fetches the user, the channel and, inside a guild, the guild
// members concurrently
func (c *DiscordConnector) UpdateSession(ctx context.Context, session *Session, payload RawPayload) error {
	interaction, ok := parseDiscordInteraction(payload)
	if !ok {
		return nil
	}

	sender := discordSender(interaction)
	if sender == nil || sender.ID == "" || sender.Bot || interaction.ChannelID == "" {
		logger.WithFields(logrus.Fields{
			"platform":       constants.PlatformDiscord,
			"interaction_id": interaction.ID,
		}).Debug("discord-session-update-skipped")
		return nil
	}

	client, err := c.restClient()
	if err != nil {
		return fmt.Errorf("discord: update session: %w", err)
	}

	var (
		user    *discordgo.User
		channel *discordgo.Channel
		members []*discordgo.Member
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := client.User(gctx, sender.ID)
		if err != nil {
			return fmt.Errorf("failed to get user %s: %w", sender.ID, err)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		ch, err := client.Channel(gctx, interaction.ChannelID)
		if err != nil {
			return fmt.Errorf("failed to get channel %s: %w", interaction.ChannelID, err)
		}
		channel = ch
		return nil
	})
	if interaction.GuildID != "" {
		g.Go(func() error {
			m, err := client.GuildMembers(gctx, interaction.GuildID)
			if err != nil {
				return fmt.Errorf("failed to get guild members %s: %w", interaction.GuildID, err)
			}
			members = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("discord: update session %s: %w", interaction.ChannelID, err)
	}

	if user == nil {
		user = sender
	}

	now := time.Now()
	session.SetUser(UserInfo{
		ID:          user.ID,
		Name:        user.Username,
		DisplayName: user.Username,
		IsBot:       user.Bot,
		IsAdmin:     discordIsAdmin(interaction),
		Profile:     *user,
	}, now)

	channelInfo := ChannelInfo{ID: interaction.ChannelID}
	if channel != nil {
		channelInfo.Name = channel.Name
		channelInfo.Type = discordChannelType(channel.Type)
		channelInfo.Profile = *channel
		for _, recipient := range channel.Recipients {
			channelInfo.Members = append(channelInfo.Members, discordMember(recipient))
		}
	}

	if interaction.GuildID != "" {
		guildMembers := make([]Member, 0, len(members))
		for _, m := range members {
			if m.User != nil {
				guildMembers = append(guildMembers, discordMember(m.User))
			}
		}
		if channelInfo.Members == nil {
			channelInfo.Members = guildMembers
		}
		session.SetTeam(TeamInfo{ID: interaction.GuildID, Members: guildMembers}, now)
	}
	session.SetChannel(channelInfo, now)

	logger.WithFields(logrus.Fields{
		"platform": constants.PlatformDiscord,
		"user_id":  user.ID,
		"channel":  interaction.ChannelID,
		"guild_id": interaction.GuildID,
		"members":  len(members),
	}).Debug("discord-session-updated")

	return nil
}

// CreateContext binds the event to its session. Deferred interactions are
// answered with follow-up messages on the interaction token; everything else
// posts to the channel.
func (c *DiscordConnector) CreateContext(params ContextParams) *Context {
	target := replyTarget(params.Event, params.Session)
	if event, ok := params.Event.(*DiscordEvent); ok && event.deferred() {
		return NewContext(c.Platform(), params.Event, params.Session, target, c.followup(event.interaction.AppID, event.interaction.Token))
	}
	return NewContext(c.Platform(), params.Event, params.Session, target, c.reply)
}

func (c *DiscordConnector) reply(ctx context.Context, channelID, text string) error {
	client, err := c.restClient()
	if err != nil {
		return err
	}
	return client.SendText(ctx, channelID, discordText(text))
}

func (c *DiscordConnector) followup(appID, token string) ReplyFunc {
	return func(ctx context.Context, _ string, text string) error {
		client, err := c.restClient()
		if err != nil {
			return err
		}
		return client.FollowupText(ctx, appID, token, discordText(text))
	}
}

func discordText(text string) string {
	if len(text) > constants.MaxDiscordMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxDiscordMessageLength,
		}).Info("truncating-message-for-discord-limit")
		text = truncate(text, constants.MaxDiscordMessageLength)
	}
	return text
}

func discordMember(user *discordgo.User) Member {
	return Member{ID: user.ID, Name: user.Username, IsBot: user.Bot}
}

func discordIsAdmin(i *discordgo.Interaction) bool {
	return i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func discordChannelType(t discordgo.ChannelType) string {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return "guild_text"
	case discordgo.ChannelTypeDM:
		return "dm"
	case discordgo.ChannelTypeGroupDM:
		return "group_dm"
	case discordgo.ChannelTypeGuildVoice:
		return "guild_voice"
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread:
		return "thread"
	}
	return fmt.Sprintf("type_%d", t)
}

// DiscordEvent is an interaction in canonical form
type DiscordEvent struct {
	baseEvent
	interaction discordgo.Interaction
}

func newDiscordEvent(payload RawPayload, i *discordgo.Interaction) *DiscordEvent {
	e := &DiscordEvent{
		baseEvent: baseEvent{
			platform:  constants.PlatformDiscord,
			raw:       payload.Clone(),
			channelID: i.ChannelID,
		},
		interaction: *i,
	}
	if sender := discordSender(i); sender != nil {
		e.senderID = sender.ID
		e.isBot = sender.Bot
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
		e.kind = KindCommand
		e.text = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		e.kind = KindInteractiveAction
		e.text = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		e.kind = KindInteractiveAction
		e.text = i.ModalSubmitData().CustomID
	default:
		e.kind = KindUnknown
	}
	return e
}

// Interaction returns a copy of the interaction
func (e *DiscordEvent) Interaction() discordgo.Interaction { return e.interaction }

// GuildID returns the guild the interaction happened in, empty in DMs
func (e *DiscordEvent) GuildID() string { return e.interaction.GuildID }

// deferred reports whether Ack deferred the interaction, so replies must be
// follow-up messages. Autocomplete is resolved by Ack itself.
func (e *DiscordEvent) deferred() bool {
	switch e.interaction.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionMessageComponent, discordgo.InteractionModalSubmit:
		return e.interaction.Token != "" && e.interaction.AppID != ""
	}
	return false
}

// Token returns the interaction token used for follow-up messages
func (e *DiscordEvent) Token() string { return e.interaction.Token }

// ComponentValues returns the selected values of a select menu interaction
func (e *DiscordEvent) ComponentValues() []string {
	if e.interaction.Type != discordgo.InteractionMessageComponent {
		return nil
	}
	return append([]string(nil), e.interaction.MessageComponentData().Values...)
}
