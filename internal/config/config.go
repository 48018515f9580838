package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the main configuration structure for parley.
type Config struct {
	Version      int                `yaml:"version"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Batcher      BatcherConfig      `yaml:"batcher"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Tools        ToolsConfig        `yaml:"tools"`
	Attachments  AttachmentsConfig  `yaml:"attachments"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	LLM          LLMConfig          `yaml:"llm"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// StateDir holds the instance lock file. Empty means the system temp dir.
	StateDir string     `yaml:"state_dir"`
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig guards the HTTP API. Auth is off when neither a secret nor a
// key is configured.
type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type BatcherConfig struct {
	// Policy is "extend" (reset the window on every event) or "fixed".
	Policy     string        `yaml:"policy"`
	Debounce   time.Duration `yaml:"debounce"`
	MaxWait    time.Duration `yaml:"max_wait"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// DedupeWindow is how long channel message ids are remembered to drop
	// platform redeliveries.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

type OrchestratorConfig struct {
	MaxIterations    int    `yaml:"max_iterations"`
	MaxTokens        int    `yaml:"max_tokens"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`
	HistoryLimit     int    `yaml:"history_limit"`
	FallbackMessage  string `yaml:"fallback_message"`
	AbortOnDenial    bool   `yaml:"abort_on_denial"`
	FinalizeRetries  int    `yaml:"finalize_retries"`
	// TurnTimeout bounds one turn, including confirmation waits, so it must
	// exceed confirmation.ttl.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

type ConfirmationConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ApproveWords  []string      `yaml:"approve_words"`
	DenyWords     []string      `yaml:"deny_words"`
}

type ToolsConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	// Disabled lists builtin tools that are not registered.
	Disabled []string `yaml:"disabled"`
}

type AttachmentsConfig struct {
	InlineThreshold int64         `yaml:"inline_threshold"`
	MaxFetchBytes   int64         `yaml:"max_fetch_bytes"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	HandleTTL       time.Duration `yaml:"handle_ttl"`
	SampleRows      int           `yaml:"sample_rows"`
}

type ArtifactsConfig struct {
	// Backend is "local" or "s3".
	Backend   string   `yaml:"backend"`
	LocalPath string   `yaml:"local_path"`
	S3        S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`

	// Fallbacks are tried in order when the provider above fails with a
	// rate limit, outage or account error.
	Fallbacks []LLMConfig `yaml:"fallbacks"`
	// FailoverCooldown is how long a failing provider is skipped.
	FailoverCooldown time.Duration `yaml:"failover_cooldown"`
}

type ChannelsConfig struct {
	Web      WebConfig      `yaml:"web"`
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
	Email    EmailConfig    `yaml:"email"`
}

type WebConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type EmailConfig struct {
	Enabled bool       `yaml:"enabled"`
	From    string     `yaml:"from"`
	SMTP    SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS upgrades a plain connection; otherwise port 465 uses implicit TLS.
	StartTLS bool `yaml:"starttls"`
}

type SchedulerConfig struct {
	Enabled      bool               `yaml:"enabled"`
	PollInterval time.Duration      `yaml:"poll_interval"`
	Automations  []AutomationConfig `yaml:"automations"`
}

// CronParser accepts five-field expressions, an optional leading seconds
// field, and descriptors such as @daily.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// AutomationConfig declares a recurring wake event.
type AutomationConfig struct {
	Name         string `yaml:"name"`
	Cron         string `yaml:"cron"`
	Conversation string `yaml:"conversation"`
	Message      string `yaml:"message"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:parley.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Batcher.Policy == "" {
		cfg.Batcher.Policy = "extend"
	}
	if cfg.Batcher.Debounce == 0 {
		cfg.Batcher.Debounce = 500 * time.Millisecond
	}
	if cfg.Batcher.MaxWait == 0 {
		cfg.Batcher.MaxWait = 2 * time.Second
	}
	if cfg.Batcher.RetryDelay == 0 {
		cfg.Batcher.RetryDelay = 250 * time.Millisecond
	}
	if cfg.Batcher.DedupeWindow == 0 {
		cfg.Batcher.DedupeWindow = 10 * time.Minute
	}
	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 20
	}
	if cfg.Orchestrator.MaxTokens == 0 {
		cfg.Orchestrator.MaxTokens = 4096
	}
	if cfg.Orchestrator.HistoryLimit == 0 {
		cfg.Orchestrator.HistoryLimit = 50
	}
	if cfg.Orchestrator.FallbackMessage == "" {
		cfg.Orchestrator.FallbackMessage = "Sorry, I couldn't complete that request. Please try again."
	}
	if cfg.Orchestrator.FinalizeRetries == 0 {
		cfg.Orchestrator.FinalizeRetries = 3
	}
	if cfg.Orchestrator.TurnTimeout == 0 {
		cfg.Orchestrator.TurnTimeout = 10 * time.Minute
	}
	if cfg.Confirmation.TTL == 0 {
		cfg.Confirmation.TTL = 5 * time.Minute
	}
	if cfg.Confirmation.SweepInterval == 0 {
		cfg.Confirmation.SweepInterval = 15 * time.Second
	}
	if len(cfg.Confirmation.ApproveWords) == 0 {
		cfg.Confirmation.ApproveWords = []string{"yes", "y", "approve", "confirm", "ok"}
	}
	if len(cfg.Confirmation.DenyWords) == 0 {
		cfg.Confirmation.DenyWords = []string{"no", "n", "deny", "cancel", "stop"}
	}
	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = 4
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Attachments.InlineThreshold == 0 {
		cfg.Attachments.InlineThreshold = 32 << 10
	}
	if cfg.Attachments.MaxFetchBytes == 0 {
		cfg.Attachments.MaxFetchBytes = 20 << 20
	}
	if cfg.Attachments.FetchTimeout == 0 {
		cfg.Attachments.FetchTimeout = 30 * time.Second
	}
	if cfg.Attachments.HandleTTL == 0 {
		cfg.Attachments.HandleTTL = time.Hour
	}
	if cfg.Attachments.SampleRows == 0 {
		cfg.Attachments.SampleRows = 5
	}
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "local"
	}
	if cfg.Artifacts.LocalPath == "" {
		cfg.Artifacts.LocalPath = "artifacts"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	if cfg.LLM.FailoverCooldown == 0 {
		cfg.LLM.FailoverCooldown = 30 * time.Second
	}
	for i := range cfg.LLM.Fallbacks {
		if cfg.LLM.Fallbacks[i].Timeout == 0 {
			cfg.LLM.Fallbacks[i].Timeout = cfg.LLM.Timeout
		}
	}
	if cfg.Channels.Email.SMTP.Port == 0 {
		cfg.Channels.Email.SMTP.Port = 587
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate reports every invalid setting in one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return err
	}

	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		add("database.driver must be sqlite, postgres or memory, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver != "memory" {
		add("database.dsn is required")
	}
	switch cfg.Batcher.Policy {
	case "extend", "fixed":
	default:
		add("batcher.policy must be extend or fixed, got %q", cfg.Batcher.Policy)
	}
	if cfg.Batcher.Debounce < 0 {
		add("batcher.debounce must not be negative")
	}
	if cfg.Batcher.MaxWait < cfg.Batcher.Debounce {
		add("batcher.max_wait (%s) must be >= batcher.debounce (%s)", cfg.Batcher.MaxWait, cfg.Batcher.Debounce)
	}
	if cfg.Orchestrator.MaxIterations < 1 {
		add("orchestrator.max_iterations must be at least 1")
	}
	if cfg.Confirmation.TTL <= 0 {
		add("confirmation.ttl must be positive")
	}
	if cfg.Orchestrator.TurnTimeout <= 0 {
		add("orchestrator.turn_timeout must be positive")
	} else if cfg.Confirmation.TTL >= cfg.Orchestrator.TurnTimeout {
		add("confirmation.ttl (%s) must be shorter than orchestrator.turn_timeout (%s)", cfg.Confirmation.TTL, cfg.Orchestrator.TurnTimeout)
	}
	if cfg.Tools.Concurrency < 1 {
		add("tools.concurrency must be at least 1")
	}
	if cfg.Attachments.InlineThreshold <= 0 {
		add("attachments.inline_threshold must be positive")
	}
	switch cfg.Artifacts.Backend {
	case "local":
	case "s3":
		if cfg.Artifacts.S3.Bucket == "" {
			add("artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		add("artifacts.backend must be local or s3, got %q", cfg.Artifacts.Backend)
	}
	switch cfg.LLM.Provider {
	case "anthropic", "openai":
	default:
		add("llm.provider must be anthropic or openai, got %q", cfg.LLM.Provider)
	}
	if secret := cfg.Server.Auth.JWTSecret; secret != "" && len(secret) < 32 {
		add("server.auth.jwt_secret must be at least 32 bytes")
	}
	for i, k := range cfg.Server.Auth.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			add("server.auth.api_keys[%d].key is required", i)
		}
	}
	for i, fb := range cfg.LLM.Fallbacks {
		switch fb.Provider {
		case "anthropic", "openai":
		default:
			add("llm.fallbacks[%d].provider must be anthropic or openai, got %q", i, fb.Provider)
		}
		if len(fb.Fallbacks) > 0 {
			add("llm.fallbacks[%d] cannot have fallbacks of its own", i)
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken == "" {
		add("channels.telegram.bot_token is required when telegram is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		add("channels.slack.bot_token and app_token are required when slack is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.BotToken == "" {
		add("channels.discord.bot_token is required when discord is enabled")
	}
	if cfg.Channels.Email.Enabled {
		if cfg.Channels.Email.From == "" {
			add("channels.email.from is required when email is enabled")
		}
		if cfg.Channels.Email.SMTP.Host == "" {
			add("channels.email.smtp.host is required when email is enabled")
		}
	}
	for i, a := range cfg.Scheduler.Automations {
		if a.Cron == "" || a.Conversation == "" || a.Message == "" {
			add("scheduler.automations[%d] needs cron, conversation and message", i)
			continue
		}
		if _, err := CronParser.Parse(a.Cron); err != nil {
			add("scheduler.automations[%d].cron: %v", i, err)
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}
