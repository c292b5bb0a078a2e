// Package core wires the platform connectors into a running webhook service.
//
// It handles:
//
//   - Configuration loading and validation (from YAML files)
//   - Building one connector per enabled platform
//   - Dispatching deliveries through verify, handshake, session checkout,
//     enrichment, event mapping and handler invocation
//   - The HTTP server that receives webhook deliveries
//
// # Configuration
//
// Configuration is loaded from a YAML file with the following main sections:
//
//   - server: listen address, body limit and route prefix
//   - session: in-memory session cache size
//   - enrichment: timeout for session enrichment, or disabling it
//   - bots: per-platform credentials
//   - logging: log configuration
//
// # Example Configuration
//
//	server:
//	  addr: ":8080"
//	  path_prefix: "/webhooks"
//	bots:
//	  slack:
//	    enabled: true
//	    access_token: "${SLACK_BOT_TOKEN}"
//	    signing_secret: "${SLACK_SIGNING_SECRET}"
//	  telegram:
//	    enabled: true
//	    token: "${TELEGRAM_BOT_TOKEN}"
//	    secret_token: "${TELEGRAM_SECRET_TOKEN}"
package core

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr      = ":8080"
	DefaultPathPrefix      = "/webhooks"
	DefaultLogLevel        = "info"
	DefaultLogMaxBackups   = 5
	DefaultEnrichTimeout   = "10s"
	DefaultLogCompress     = true
	DefaultLogEnableStdout = true
)

// supportedPlatforms lists every platform a bots entry may name
var supportedPlatforms = map[string]struct{}{
	constants.PlatformSlack:     {},
	constants.PlatformMessenger: {},
	constants.PlatformTelegram:  {},
	constants.PlatformDiscord:   {},
	constants.PlatformFeishu:    {},
	constants.PlatformDingTalk:  {},
}

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig expands environment variables in data, parses it and validates
// the result
func ParseConfig(data []byte) (*Config, error) {
	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig fills in defaults and rejects unusable configurations
func validateConfig(config *Config) error {
	if config.Server.Addr == "" {
		config.Server.Addr = DefaultServerAddr
	}
	if config.Server.MaxBodyBytes == 0 {
		config.Server.MaxBodyBytes = constants.DefaultMaxBodyBytes
	}
	if config.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive (got %d)", config.Server.MaxBodyBytes)
	}
	if config.Server.PathPrefix == "" {
		config.Server.PathPrefix = DefaultPathPrefix
	}
	if !strings.HasPrefix(config.Server.PathPrefix, "/") {
		return fmt.Errorf("server.path_prefix must start with '/' (got %q)", config.Server.PathPrefix)
	}
	config.Server.PathPrefix = strings.TrimRight(config.Server.PathPrefix, "/")

	if config.Session.CacheSize == 0 {
		config.Session.CacheSize = constants.DefaultSessionCacheSize
	}
	if config.Session.CacheSize < 0 {
		return fmt.Errorf("session.cache_size must be positive (got %d)", config.Session.CacheSize)
	}

	if config.Enrichment.Timeout == "" {
		config.Enrichment.Timeout = DefaultEnrichTimeout
	}
	timeout, err := time.ParseDuration(config.Enrichment.Timeout)
	if err != nil {
		return fmt.Errorf("invalid enrichment.timeout: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("enrichment.timeout must be positive (got %v)", timeout)
	}

	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = constants.DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = constants.DefaultLogMaxAge
	}
	if config.Logging.Compress == nil {
		compress := DefaultLogCompress
		config.Logging.Compress = &compress
	}
	if config.Logging.EnableStdout == nil {
		stdout := DefaultLogEnableStdout
		config.Logging.EnableStdout = &stdout
	}

	enabled := 0
	for platform, bot := range config.Bots {
		if _, ok := supportedPlatforms[platform]; !ok {
			return fmt.Errorf("unknown bot platform '%s'", platform)
		}
		if bot.SignatureMaxAge != "" {
			maxAge, err := time.ParseDuration(bot.SignatureMaxAge)
			if err != nil {
				return fmt.Errorf("invalid signature_max_age for %s: %w", platform, err)
			}
			if maxAge <= 0 {
				return fmt.Errorf("signature_max_age for %s must be positive (got %v)", platform, maxAge)
			}
		}
		if bot.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one bot must be enabled")
	}

	return nil
}

// GetBotConfig retrieves configuration for a specific bot
func (c *Config) GetBotConfig(platform string) (BotConfig, error) {
	bot, exists := c.Bots[platform]
	if !exists {
		return BotConfig{}, fmt.Errorf("bot type %s not found in configuration", platform)
	}

	if !bot.Enabled {
		return BotConfig{}, fmt.Errorf("bot type %s is disabled", platform)
	}

	return bot, nil
}

// EnabledBots returns the enabled platforms in name order
func (c *Config) EnabledBots() []string {
	var platforms []string
	for platform, bot := range c.Bots {
		if bot.Enabled {
			platforms = append(platforms, platform)
		}
	}
	sort.Strings(platforms)
	return platforms
}

// EnrichmentTimeout returns the parsed enrichment timeout
func (c *Config) EnrichmentTimeout() time.Duration {
	timeout, err := time.ParseDuration(c.Enrichment.Timeout)
	if err != nil || timeout <= 0 {
		return constants.DefaultEnrichmentTimeout
	}
	return timeout
}

// LoggerConfig converts the logging section into the logger's configuration
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:        c.Logging.Level,
		File:         c.Logging.File,
		MaxSize:      c.Logging.MaxSize,
		MaxBackups:   c.Logging.MaxBackups,
		MaxAge:       c.Logging.MaxAge,
		Compress:     c.Logging.Compress == nil || *c.Logging.Compress,
		EnableStdout: c.Logging.EnableStdout == nil || *c.Logging.EnableStdout,
	}
}

// signatureMaxAge parses an optional duration; zero selects the platform default
func (b BotConfig) signatureMaxAge() time.Duration {
	if b.SignatureMaxAge == "" {
		return 0
	}
	maxAge, err := time.ParseDuration(b.SignatureMaxAge)
	if err != nil {
		return 0
	}
	return maxAge
}
