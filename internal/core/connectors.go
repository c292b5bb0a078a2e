package core

import (
	"fmt"

	"github.com/keepmind9/botgate/internal/bot"
	"github.com/keepmind9/botgate/pkg/constants"
)

// NewConnector builds the connector for platform from its configuration
func NewConnector(platform string, cfg BotConfig) (bot.Connector, error) {
	var (
		conn bot.Connector
		err  error
	)

	switch platform {
	case constants.PlatformSlack:
		conn, err = bot.NewSlackConnector(bot.SlackConfig{
			AccessToken:       cfg.AccessToken,
			VerificationToken: cfg.VerificationToken,
			SigningSecret:     cfg.SigningSecret,
			AllowUnverified:   cfg.AllowUnverified,
			SignatureMaxAge:   cfg.signatureMaxAge(),
		})
	case constants.PlatformMessenger:
		conn, err = bot.NewMessengerConnector(bot.MessengerConfig{
			AccessToken:     cfg.AccessToken,
			AppSecret:       cfg.AppSecret,
			SignatureMaxAge: cfg.signatureMaxAge(),
			GraphBaseURL:    cfg.APIEndpoint,
		})
	case constants.PlatformTelegram:
		conn, err = bot.NewTelegramConnector(bot.TelegramConfig{
			Token:           cfg.Token,
			SecretToken:     cfg.SecretToken,
			AllowUnverified: cfg.AllowUnverified,
			APIEndpoint:     cfg.APIEndpoint,
		})
	case constants.PlatformDiscord:
		conn, err = bot.NewDiscordConnector(bot.DiscordConfig{
			Token:           cfg.Token,
			PublicKey:       cfg.PublicKey,
			SignatureMaxAge: cfg.signatureMaxAge(),
		})
	case constants.PlatformFeishu:
		conn, err = bot.NewFeishuConnector(bot.FeishuConfig{
			AppID:             cfg.AppID,
			AppSecret:         cfg.AppSecret,
			EncryptKey:        cfg.EncryptKey,
			VerificationToken: cfg.VerificationToken,
			AllowUnverified:   cfg.AllowUnverified,
			SignatureMaxAge:   cfg.signatureMaxAge(),
		})
	case constants.PlatformDingTalk:
		conn, err = bot.NewDingTalkConnector(bot.DingTalkConfig{
			AppSecret:       cfg.AppSecret,
			SignatureMaxAge: cfg.signatureMaxAge(),
		})
	default:
		return nil, fmt.Errorf("bot type '%s' is not supported", platform)
	}

	if err != nil {
		return nil, err
	}
	return conn, nil
}

// BuildConnectors builds a connector for every enabled bot
func BuildConnectors(config *Config) ([]bot.Connector, error) {
	var connectors []bot.Connector
	for _, platform := range config.EnabledBots() {
		conn, err := NewConnector(platform, config.Bots[platform])
		if err != nil {
			return nil, fmt.Errorf("failed to create %s connector: %w", platform, err)
		}
		connectors = append(connectors, conn)
	}
	return connectors, nil
}
