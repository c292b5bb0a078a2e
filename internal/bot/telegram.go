package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// TelegramClient is the part of the Bot API the Telegram connector uses
type TelegramClient interface {
	GetChat(ctx context.Context, chatID int64) (*tgbotapi.Chat, error)
	GetChatAdministrators(ctx context.Context, chatID int64) ([]tgbotapi.ChatMember, error)
	SendText(ctx context.Context, chatID int64, text string) error
}

// telegramAPIClient implements TelegramClient on top of tgbotapi
type telegramAPIClient struct {
	api *tgbotapi.BotAPI
}

// NewTelegramAPIClient creates a Bot API client. Unlike tgbotapi.NewBotAPI it
// does not call getMe, so building it never touches the network. An empty
// endpoint selects the public Bot API.
func NewTelegramAPIClient(token, endpoint string) TelegramClient {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api := &tgbotapi.BotAPI{
		Token:  token,
		Client: &http.Client{Timeout: constants.DefaultHTTPTimeout},
		Buffer: 100,
	}
	api.SetAPIEndpoint(endpoint)
	return &telegramAPIClient{api: api}
}

func (c *telegramAPIClient) GetChat(ctx context.Context, chatID int64) (*tgbotapi.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *telegramAPIClient) GetChatAdministrators(ctx context.Context, chatID int64) ([]tgbotapi.ChatMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.api.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
}

func (c *telegramAPIClient) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// TelegramConfig configures a TelegramConnector
type TelegramConfig struct {
	Token string
	// SecretToken is compared with the X-Telegram-Bot-Api-Secret-Token header
	SecretToken     string
	AllowUnverified bool
	// APIEndpoint overrides the Bot API endpoint format of the built client
	APIEndpoint string
	Client      TelegramClient
}

// TelegramConnector implements Connector for Bot API webhook updates
type TelegramConnector struct {
	token       string
	apiEndpoint string
	verifier    *TokenVerifier

	clientOnce sync.Once
	client     TelegramClient
}

// NewTelegramConnector creates a Telegram connector
func NewTelegramConnector(cfg TelegramConfig) (*TelegramConnector, error) {
	if cfg.Client == nil && cfg.Token == "" {
		return nil, fmt.Errorf("telegram: %w", ErrMissingAccessToken)
	}
	verifier, err := NewTokenVerifier(constants.PlatformTelegram, cfg.SecretToken, cfg.AllowUnverified)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"token":  maskSecret(cfg.Token),
		"custom": cfg.Client != nil,
	}).Info("telegram-connector-created")

	return &TelegramConnector{
		token:       cfg.Token,
		apiEndpoint: cfg.APIEndpoint,
		verifier:    verifier,
		client:      cfg.Client,
	}, nil
}

// Platform returns "telegram"
func (c *TelegramConnector) Platform() string {
	return constants.PlatformTelegram
}

// Client returns the injected client or lazily builds one from the bot token
func (c *TelegramConnector) Client() TelegramClient {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client = NewTelegramAPIClient(c.token, c.apiEndpoint)
		}
	})
	return c.client
}

// parseTelegramUpdate decodes an update. ok is false when the payload is not
// an update.
func parseTelegramUpdate(payload RawPayload) (tgbotapi.Update, bool) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil || update.UpdateID == 0 {
		return update, false
	}
	return update, true
}

// telegramMessage returns the message an update is about
func telegramMessage(update tgbotapi.Update) *tgbotapi.Message {
	switch {
	case update.Message != nil:
		return update.Message
	case update.EditedMessage != nil:
		return update.EditedMessage
	case update.ChannelPost != nil:
		return update.ChannelPost
	case update.EditedChannelPost != nil:
		return update.EditedChannelPost
	case update.CallbackQuery != nil:
		return update.CallbackQuery.Message
	}
	return nil
}

// telegramSender returns the user behind an update
func telegramSender(update tgbotapi.Update) *tgbotapi.User {
	if update.CallbackQuery != nil {
		return update.CallbackQuery.From
	}
	if msg := telegramMessage(update); msg != nil {
		return msg.From
	}
	return nil
}

func telegramChat(update tgbotapi.Update) *tgbotapi.Chat {
	if msg := telegramMessage(update); msg != nil {
		return msg.Chat
	}
	return nil
}

// GetUniqueSessionKey returns the chat id of the update
func (c *TelegramConnector) GetUniqueSessionKey(payload RawPayload) (string, bool) {
	update, ok := parseTelegramUpdate(payload)
	if !ok {
		return "", false
	}
	chat := telegramChat(update)
	if chat == nil || chat.ID == 0 {
		return "", false
	}
	return strconv.FormatInt(chat.ID, 10), true
}

// VerifySignature compares the secret token header set with setWebhook
func (c *TelegramConnector) VerifySignature(req *Request) bool {
	return c.verifier.Verify(req.Header.Get(constants.HeaderTelegramSecretToken))
}

// MapRequestToEvents maps an update to exactly one event
func (c *TelegramConnector) MapRequestToEvents(payload RawPayload) []Event {
	update, ok := parseTelegramUpdate(payload)
	if !ok {
		return nil
	}
	event := newTelegramEvent(payload, update)

	logger.WithFields(logrus.Fields{
		"platform":  constants.PlatformTelegram,
		"update_id": update.UpdateID,
		"kind":      event.Kind().String(),
		"chat_id":   event.ChannelID(),
	}).Debug("telegram-event-mapped")

	return []Event{event}
}

// UpdateSession takes the user from the update and fetches the chat and its
// administrators concurrently
func (c *TelegramConnector) UpdateSession(ctx context.Context, session *Session, payload RawPayload) error {
	update, ok := parseTelegramUpdate(payload)
	if !ok {
		return nil
	}

	from := telegramSender(update)
	chat := telegramChat(update)
	if from == nil || from.IsBot || chat == nil {
		logger.WithFields(logrus.Fields{
			"platform":  constants.PlatformTelegram,
			"update_id": update.UpdateID,
		}).Debug("telegram-session-update-skipped")
		return nil
	}

	client := c.Client()

	var (
		info   *tgbotapi.Chat
		admins []tgbotapi.ChatMember
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, err := client.GetChat(gctx, chat.ID)
		if err != nil {
			return fmt.Errorf("failed to get chat %d: %w", chat.ID, err)
		}
		info = ch
		return nil
	})
	// private chats have no administrators
	if !chat.IsPrivate() {
		g.Go(func() error {
			members, err := client.GetChatAdministrators(gctx, chat.ID)
			if err != nil {
				return fmt.Errorf("failed to get chat administrators %d: %w", chat.ID, err)
			}
			admins = members
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("telegram: update session %d: %w", chat.ID, err)
	}

	if info == nil {
		info = chat
	}

	isAdmin := false
	members := make([]Member, 0, len(admins))
	for _, admin := range admins {
		if admin.User == nil {
			continue
		}
		if admin.User.ID == from.ID {
			isAdmin = true
		}
		members = append(members, telegramMember(admin.User))
	}
	if chat.IsPrivate() {
		members = append(members, telegramMember(from))
	}

	now := time.Now()
	session.SetUser(UserInfo{
		ID:          strconv.FormatInt(from.ID, 10),
		Name:        from.UserName,
		DisplayName: from.String(),
		IsBot:       from.IsBot,
		IsAdmin:     isAdmin,
		Profile:     *from,
	}, now)
	session.SetChannel(ChannelInfo{
		ID:      strconv.FormatInt(info.ID, 10),
		Name:    telegramChatName(info),
		Type:    info.Type,
		Members: members,
		Profile: *info,
	}, now)

	logger.WithFields(logrus.Fields{
		"platform": constants.PlatformTelegram,
		"user_id":  from.ID,
		"chat_id":  chat.ID,
		"admins":   len(admins),
	}).Debug("telegram-session-updated")

	return nil
}

// CreateContext binds the event to its session and a sendMessage reply
func (c *TelegramConnector) CreateContext(params ContextParams) *Context {
	target := replyTarget(params.Event, params.Session)
	return NewContext(c.Platform(), params.Event, params.Session, target, c.reply)
}

func (c *TelegramConnector) reply(ctx context.Context, target, text string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", target, err)
	}
	return c.Client().SendText(ctx, chatID, truncate(text, constants.MaxTelegramMessageLength))
}

func telegramMember(user *tgbotapi.User) Member {
	return Member{
		ID:    strconv.FormatInt(user.ID, 10),
		Name:  user.UserName,
		IsBot: user.IsBot,
	}
}

func telegramChatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.UserName != "" {
		return chat.UserName
	}
	return chat.FirstName
}

// TelegramEvent is a webhook update in canonical form
type TelegramEvent struct {
	baseEvent
	update tgbotapi.Update
}

func newTelegramEvent(payload RawPayload, update tgbotapi.Update) *TelegramEvent {
	e := &TelegramEvent{
		baseEvent: baseEvent{
			platform: constants.PlatformTelegram,
			raw:      payload.Clone(),
		},
		update: update,
	}

	if from := telegramSender(update); from != nil {
		e.senderID = strconv.FormatInt(from.ID, 10)
		e.isBot = from.IsBot
	}
	if chat := telegramChat(update); chat != nil {
		e.channelID = strconv.FormatInt(chat.ID, 10)
	}

	msg := telegramMessage(update)
	switch {
	case update.CallbackQuery != nil:
		e.kind = KindInteractiveAction
		e.text = update.CallbackQuery.Data
	case msg == nil:
		e.kind = KindUnknown
	case e.isBot:
		e.kind = KindBotMessage
		e.text = msg.Text
	case msg.IsCommand():
		e.kind = KindCommand
		e.text = msg.Text
	default:
		e.kind = KindText
		e.text = msg.Text
	}
	return e
}

// UpdateID returns the update's sequence number
func (e *TelegramEvent) UpdateID() int { return e.update.UpdateID }

// Message returns a copy of the message the update is about
func (e *TelegramEvent) Message() (tgbotapi.Message, bool) {
	msg := telegramMessage(e.update)
	if msg == nil {
		return tgbotapi.Message{}, false
	}
	return *msg, true
}

// Command returns the bot command without the leading slash, if any
func (e *TelegramEvent) Command() string {
	msg := telegramMessage(e.update)
	if msg == nil || e.update.CallbackQuery != nil {
		return ""
	}
	return msg.Command()
}

// CallbackData returns the data of a callback query
func (e *TelegramEvent) CallbackData() string {
	if e.update.CallbackQuery == nil {
		return ""
	}
	return e.update.CallbackQuery.Data
}
