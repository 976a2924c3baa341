package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all contestbot configuration.
type Config struct {
	// Bot credentials and polling
	Bot BotConfig `yaml:"bot"`

	// Local registration store
	Store StoreConfig `yaml:"store"`

	// Classification matrix source
	Matrix MatrixConfig `yaml:"matrix"`

	// Spreadsheet ledger mirror
	Ledger LedgerConfig `yaml:"ledger"`

	// Conversation session handling
	Conversation ConversationConfig `yaml:"conversation"`

	// Content intake relay
	Intake IntakeConfig `yaml:"intake"`

	// HTTP surface (health, metrics, webhook)
	Server ServerConfig `yaml:"server"`

	// Per-identity inbound rate limiting
	RateLimit RateLimitConfig `yaml:"ratelimit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BotConfig configures the Telegram bot.
type BotConfig struct {
	Token       string `yaml:"token"`
	PollTimeout int    `yaml:"poll_timeout"` // long-poll timeout in seconds
	Debug       bool   `yaml:"debug"`        // log raw Bot API traffic
}

// StoreConfig configures the SQLite registration store.
type StoreConfig struct {
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"` // sqlite3 (cgo), sqlite (pure Go)
	Policy string `yaml:"policy"` // upsert, append
}

// MatrixConfig points at a cohort file. Empty uses the embedded default.
type MatrixConfig struct {
	File string `yaml:"file"`
}

// LedgerConfig configures the Google Sheets mirror.
type LedgerConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	Worksheet       string `yaml:"worksheet"`
	IncludeCategory bool   `yaml:"include_category"`
	QueueSize       int    `yaml:"queue_size"`
	AppendTimeout   string `yaml:"append_timeout"`
	Retries         int    `yaml:"retries"`
	RetryInitial    string `yaml:"retry_initial"`
	RetryMax        string `yaml:"retry_max"`
}

// ConversationConfig configures the session table.
type ConversationConfig struct {
	SessionTTL    string `yaml:"session_ttl"` // empty or 0 keeps sessions until restart
	SweepInterval string `yaml:"sweep_interval"`
}

// IntakeConfig configures the contribution relay.
type IntakeConfig struct {
	AdminChatID  int64  `yaml:"admin_chat_id"`
	Worksheet    string `yaml:"worksheet"` // defaults to ledger.worksheet
	ContentLimit int    `yaml:"content_limit"`
	NoticeLimit  int    `yaml:"notice_limit"`
}

// ServerConfig configures the HTTP listener and webhook mode.
type ServerConfig struct {
	Port            string `yaml:"port"`
	PublicURL       string `yaml:"public_url"` // set to receive updates by webhook
	WebhookPath     string `yaml:"webhook_path"`
	SecretToken     string `yaml:"secret_token"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// RateLimitConfig configures the per-identity token bucket.
type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			PollTimeout: 60,
		},

		Store: StoreConfig{
			Path:   "registrations.sqlite3",
			Driver: "sqlite3",
			Policy: "upsert",
		},

		Ledger: LedgerConfig{
			CredentialsFile: "credentials.json",
			Worksheet:       "Sheet1",
			IncludeCategory: true,
			QueueSize:       64,
			AppendTimeout:   "30s",
			Retries:         0,
			RetryInitial:    "1s",
			RetryMax:        "30s",
		},

		Conversation: ConversationConfig{
			SessionTTL:    "",
			SweepInterval: "5m",
		},

		Intake: IntakeConfig{
			ContentLimit: 15000,
			NoticeLimit:  2000,
		},

		Server: ServerConfig{
			Port:            "8080",
			WebhookPath:     "webhook",
			ShutdownTimeout: "10s",
		},

		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerSecond: 2,
			Burst:     6,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. The variable
// names match the hosting environment the bot has always been deployed to.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		c.Bot.Token = v
	}
	if v := os.Getenv("CONTESTBOT_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CONTESTBOT_STORE_POLICY"); v != "" {
		c.Store.Policy = v
	}
	if v := os.Getenv("MATRIX_FILE"); v != "" {
		c.Matrix.File = v
	}

	// Ledger
	if v := os.Getenv("CREDS_FILE"); v != "" {
		c.Ledger.CredentialsFile = v
	}
	if v := os.Getenv("SPREADSHEET_ID"); v != "" {
		c.Ledger.SpreadsheetID = v
	}
	if v := os.Getenv("WORKSHEET_NAME"); v != "" {
		c.Ledger.Worksheet = v
	}

	if v := os.Getenv("ADMIN_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ADMIN_CHAT_ID %q: %w", v, err)
		}
		c.Intake.AdminChatID = id
	}

	// Webhook hosting
	if v := os.Getenv("RENDER_EXTERNAL_URL"); v != "" {
		c.Server.PublicURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("WEBHOOK_SECRET_TOKEN"); v != "" {
		c.Server.SecretToken = v
	}
	if v := os.Getenv("WEBHOOK_PATH"); v != "" {
		c.Server.WebhookPath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetAppendTimeout returns the per-row ledger append timeout.
func (c *Config) GetAppendTimeout() time.Duration {
	return parseDuration(c.Ledger.AppendTimeout, 30*time.Second)
}

// GetRetryInitial returns the first ledger retry delay.
func (c *Config) GetRetryInitial() time.Duration {
	return parseDuration(c.Ledger.RetryInitial, time.Second)
}

// GetRetryMax returns the longest ledger retry delay.
func (c *Config) GetRetryMax() time.Duration {
	return parseDuration(c.Ledger.RetryMax, 30*time.Second)
}

// GetSessionTTL returns the idle session TTL. Zero disables eviction.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Conversation.SessionTTL, 0)
}

// GetSweepInterval returns how often idle sessions are swept.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Conversation.SweepInterval, 5*time.Minute)
}

// GetShutdownTimeout returns the graceful shutdown budget.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// IntakeWorksheet returns the worksheet receiving intake rows.
func (c *Config) IntakeWorksheet() string {
	if c.Intake.Worksheet != "" {
		return c.Intake.Worksheet
	}
	return c.Ledger.Worksheet
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	if strings.Contains(c.Server.Port, ":") {
		return c.Server.Port
	}
	return ":" + c.Server.Port
}

// WebhookEnabled reports whether updates arrive by webhook.
func (c *Config) WebhookEnabled() bool {
	return c.Server.PublicURL != ""
}

// WebhookURL returns the public URL Telegram posts updates to.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.Server.PublicURL, "/") + "/" + strings.TrimLeft(c.Server.WebhookPath, "/")
}

// LedgerEnabled reports whether a spreadsheet is configured.
func (c *Config) LedgerEnabled() bool {
	return c.Ledger.SpreadsheetID != ""
}

// ValidStorePolicies lists the accepted store.policy values.
var ValidStorePolicies = []string{"upsert", "append"}

// ValidStoreDrivers lists the accepted store.driver values.
var ValidStoreDrivers = []string{"sqlite3", "sqlite"}

// Validate validates settings every command relies on.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is empty")
	}
	if !contains(ValidStorePolicies, c.Store.Policy) {
		return fmt.Errorf("invalid store policy: %s (valid: %v)", c.Store.Policy, ValidStorePolicies)
	}
	if !contains(ValidStoreDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidStoreDrivers)
	}

	durations := map[string]string{
		"ledger.append_timeout":       c.Ledger.AppendTimeout,
		"ledger.retry_initial":        c.Ledger.RetryInitial,
		"ledger.retry_max":            c.Ledger.RetryMax,
		"conversation.session_ttl":    c.Conversation.SessionTTL,
		"conversation.sweep_interval": c.Conversation.SweepInterval,
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
	}

	if c.Ledger.Retries < 0 {
		return fmt.Errorf("ledger.retries must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit.per_second and ratelimit.burst must be positive when enabled")
	}
	if c.WebhookEnabled() && strings.Trim(c.Server.WebhookPath, "/") == "" {
		return fmt.Errorf("server.webhook_path is required in webhook mode")
	}
	return nil
}

// ValidateBot additionally checks settings needed to talk to Telegram.
func (c *Config) ValidateBot() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Bot.Token == "" {
		return fmt.Errorf("bot token not configured (set BOT_TOKEN)")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
