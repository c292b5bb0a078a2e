package core

// Config represents the complete botgate configuration structure
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Session    SessionConfig        `yaml:"session"`
	Enrichment EnrichmentConfig     `yaml:"enrichment"`
	Bots       map[string]BotConfig `yaml:"bots"`
	Logging    LoggingConfig        `yaml:"logging"`
}

// ServerConfig represents the webhook server configuration
type ServerConfig struct {
	Addr         string `yaml:"addr"`           // Listen address (default: :8080)
	MaxBodyBytes int64  `yaml:"max_body_bytes"` // Largest accepted body (default: 1 MiB)
	PathPrefix   string `yaml:"path_prefix"`    // Webhook routes live under this prefix (default: /webhooks)
}

// SessionConfig represents the session cache configuration
type SessionConfig struct {
	CacheSize int `yaml:"cache_size"` // Sessions kept in memory (default: 10000)
}

// EnrichmentConfig controls session enrichment
type EnrichmentConfig struct {
	Timeout  string `yaml:"timeout"` // Bound for one enrichment (default: 10s)
	Disabled bool   `yaml:"disabled"`
}

// BotConfig represents the configuration of one platform connector. Which
// fields apply depends on the platform.
type BotConfig struct {
	Enabled           bool   `yaml:"enabled"`
	AccessToken       string `yaml:"access_token"`       // slack, messenger
	Token             string `yaml:"token"`              // telegram, discord
	AppID             string `yaml:"app_id"`             // feishu
	AppSecret         string `yaml:"app_secret"`         // messenger, feishu, dingtalk
	VerificationToken string `yaml:"verification_token"` // slack, feishu
	SigningSecret     string `yaml:"signing_secret"`     // slack
	EncryptKey        string `yaml:"encrypt_key"`        // feishu
	PublicKey         string `yaml:"public_key"`         // discord
	SecretToken       string `yaml:"secret_token"`       // telegram
	AllowUnverified   bool   `yaml:"allow_unverified"`   // slack, telegram, feishu
	SignatureMaxAge   string `yaml:"signature_max_age"`  // duration string; platform default when empty
	APIEndpoint       string `yaml:"api_endpoint"`       // telegram endpoint format, messenger graph base url
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     *bool  `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStdout *bool  `yaml:"enable_stdout"` // Also output to stdout (default: true)
}
