package constants

import "time"

// Platform identifiers, also used as URL path segments and config keys
const (
	PlatformSlack     = "slack"
	PlatformMessenger = "messenger"
	PlatformTelegram  = "telegram"
	PlatformDiscord   = "discord"
	PlatformFeishu    = "feishu"
	PlatformDingTalk  = "dingtalk"
)

// Message length limits for different platforms
const (
	// MaxSlackMessageLength is the text limit of chat.postMessage
	MaxSlackMessageLength = 40000
	// MaxMessengerMessageLength is the Send API text limit
	MaxMessengerMessageLength = 2000
	// MaxDiscordMessageLength is Discord's message character limit
	MaxDiscordMessageLength = 2000
	// MaxTelegramMessageLength is Telegram's message character limit
	MaxTelegramMessageLength = 4096
	// MaxFeishuMessageLength is Feishu's message character limit
	MaxFeishuMessageLength = 20000
	// MaxDingTalkMessageLength is DingTalk's message character limit
	MaxDingTalkMessageLength = 20000
)

// Signature freshness windows. A signed request whose timestamp is further
// than the window from the local clock, in either direction, is rejected.
const (
	SlackSignatureMaxAge     = 5 * time.Minute
	MessengerSignatureMaxAge = time.Hour
	DiscordSignatureMaxAge   = 5 * time.Minute
	FeishuSignatureMaxAge    = 5 * time.Minute
	DingTalkSignatureMaxAge  = time.Hour
)

// Signature and token headers
const (
	HeaderSlackSignature      = "X-Slack-Signature"
	HeaderSlackTimestamp      = "X-Slack-Request-Timestamp"
	HeaderMessengerSignature  = "X-Hub-Signature-256"
	HeaderTelegramSecretToken = "X-Telegram-Bot-Api-Secret-Token"
	HeaderDiscordSignature    = "X-Signature-Ed25519"
	HeaderDiscordTimestamp    = "X-Signature-Timestamp"
	HeaderFeishuSignature     = "X-Lark-Signature"
	HeaderFeishuTimestamp     = "X-Lark-Request-Timestamp"
	HeaderFeishuNonce         = "X-Lark-Request-Nonce"
	HeaderDingTalkSign        = "Sign"
	HeaderDingTalkTimestamp   = "Timestamp"
)

// Timeouts
const (
	// DefaultEnrichmentTimeout bounds one UpdateSession call
	DefaultEnrichmentTimeout = 10 * time.Second
	// DefaultHTTPTimeout is used by the hand-rolled Graph API client
	DefaultHTTPTimeout = 10 * time.Second
	// DefaultShutdownTimeout is the grace period for the webhook server
	DefaultShutdownTimeout = 5 * time.Second
)

// Webhook server defaults
const (
	// DefaultMaxBodyBytes caps the size of an inbound webhook body
	DefaultMaxBodyBytes = 1 << 20
	// DefaultSessionCacheSize is the number of sessions kept in memory
	DefaultSessionCacheSize = 10000
	// SlackMembersPageSize is the page size for conversations.members
	SlackMembersPageSize = 200
	// DiscordGuildMembersLimit is the max page size of the guild members endpoint
	DiscordGuildMembersLimit = 1000
)

// Secret masking
const (
	// MinSecretLengthForMasking is the minimum secret length to keep a prefix and suffix
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 4
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)
