package config

import "fmt"

type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis"`
	Auth     AuthConfig     `json:"auth"`
	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
	Logging  LoggingConfig  `json:"logging"`

	// Services maps a logical service name (e.g. "trading-service") to its
	// base URL. A command for a service with no entry here fails without
	// retry.
	Services map[string]string `json:"services"`

	Dispatch DispatchConfig `json:"dispatch"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
	// BaseURL is used to build magic-link confirmation URLs.
	BaseURL string `json:"base_url"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type AuthConfig struct {
	// JWTSecret signs service tokens and magic-link tokens (HS256).
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer,omitempty"`
	Audience  string `json:"audience,omitempty"`
	// ServiceTokenTTL / MagicLinkTTL are Go duration strings.
	ServiceTokenTTL string `json:"service_token_ttl,omitempty"`
	MagicLinkTTL    string `json:"magic_link_ttl,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// AdminChatIDs is the ordered operator broadcast list. Confirmation
	// requests and command-outcome notifications with no explicit recipient
	// go to every id here, in order.
	AdminChatIDs []int64 `json:"admin_chat_ids"`
	// PollTimeout is a Go duration string.
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	From     string `json:"from"`
	AdminTo  string `json:"admin_to,omitempty"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	SMTPUser string `json:"smtp_user,omitempty"`
	SMTPPass string `json:"smtp_pass,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Telegram mirrors warn+ log lines to an operator chat, rate limited.
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig controls the dispatch engine.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - unit_ttl: "300s"
//   - exec_timeout: "5s"
//   - retry_delay: "5s"
//   - retry_sweep: "1s"
type DispatchConfig struct {
	UnitTTL     string `json:"unit_ttl,omitempty"`
	ExecTimeout string `json:"exec_timeout,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
	RetrySweep  string `json:"retry_sweep,omitempty"`
}

// Validate checks the parts of the config the gateway cannot run without.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled")
	}
	if c.Email.Enabled && c.Email.SMTPHost == "" {
		return fmt.Errorf("email.smtp_host is required when email.enabled")
	}
	return nil
}
