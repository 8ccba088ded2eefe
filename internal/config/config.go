package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SUPPLIERSYNC_AUTH_SECRET.
const EnvPrefix = "SUPPLIERSYNC_"

// Config is the root configuration for suppliersync.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Resume   ResumeConfig   `json:"resume" yaml:"resume"`
	Sweep    SweepConfig    `json:"sweep" yaml:"sweep"`
	FollowUp FollowUpConfig `json:"followUp" yaml:"followUp"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"LOG_FILE"` // optional tee
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

type StoreConfig struct {
	Path string `json:"path" yaml:"path" env:"STORE_PATH"`
}

// RegistryConfig tunes observer fan-out.
type RegistryConfig struct {
	SendTimeoutMs int `json:"sendTimeoutMs" yaml:"sendTimeoutMs"`
	QueueSize     int `json:"queueSize" yaml:"queueSize"`     // outbound frames buffered per socket
	HistorySize   int `json:"historySize" yaml:"historySize"` // events kept per thread for replay
}

// ResumeConfig selects the workflow engine and the coordinator's retry policy.
type ResumeConfig struct {
	Backend               string         `json:"backend" yaml:"backend" env:"RESUME_BACKEND"` // "noop" | "temporal" | "webhook"
	MaxRetries            int            `json:"maxRetries" yaml:"maxRetries"`
	BaseBackoffMs         int            `json:"baseBackoffMs" yaml:"baseBackoffMs"`
	MaxBackoffMs          int            `json:"maxBackoffMs" yaml:"maxBackoffMs"`
	AttemptTimeoutSeconds int            `json:"attemptTimeoutSeconds" yaml:"attemptTimeoutSeconds"`
	Temporal              TemporalConfig `json:"temporal" yaml:"temporal"`
	Webhook               WebhookConfig  `json:"webhook" yaml:"webhook"`
}

type TemporalConfig struct {
	Address    string `json:"address" yaml:"address" env:"TEMPORAL_ADDRESS"`
	Namespace  string `json:"namespace" yaml:"namespace" env:"TEMPORAL_NAMESPACE"`
	SignalName string `json:"signalName" yaml:"signalName"`
}

type WebhookConfig struct {
	URL   string `json:"url" yaml:"url" env:"RESUME_WEBHOOK_URL"`
	Token string `json:"token,omitempty" yaml:"token,omitempty" env:"RESUME_WEBHOOK_TOKEN"`
}

// SweepConfig drives the periodic expiry sweep. Schedule is a cron expression.
type SweepConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule" env:"SWEEP_SCHEDULE"`
}

type FollowUpConfig struct {
	Enabled                 bool           `json:"enabled" yaml:"enabled"`
	DispatchIntervalSeconds int            `json:"dispatchIntervalSeconds" yaml:"dispatchIntervalSeconds"`
	MaxFollowUps            int            `json:"maxFollowUps" yaml:"maxFollowUps"`
	SendsPerMinute          int            `json:"sendsPerMinute" yaml:"sendsPerMinute"` // per channel; 0 disables throttling
	SendBurst               int            `json:"sendBurst" yaml:"sendBurst"`
	Telegram                TelegramConfig `json:"telegram" yaml:"telegram"`
	Slack                   SlackConfig    `json:"slack" yaml:"slack"`
	Discord                 DiscordConfig  `json:"discord" yaml:"discord"`
	WhatsApp                WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Token       string `json:"token" yaml:"token" env:"TELEGRAM_TOKEN"`
	APIEndpoint string `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken" env:"SLACK_BOT_TOKEN"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token" env:"DISCORD_TOKEN"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty" env:"WHATSAPP_ACCESS_TOKEN"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty" env:"WHATSAPP_PHONE_NUMBER_ID"`
	APIBase       string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
}

// RelayConfig enables Redis pub/sub fan-out between instances.
type RelayConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"RELAY_ENABLED"`
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type AuthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"AUTH_ENABLED"`
	Secret  string `json:"secret,omitempty" yaml:"secret,omitempty" env:"AUTH_SECRET"`
	Issuer  string `json:"issuer" yaml:"issuer"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.suppliersync).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".suppliersync"
	}
	return filepath.Join(home, ".suppliersync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields tagged with env from SUPPLIERSYNC_* variables.
// Unset variables leave the current value in place.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("cannot apply environment overrides: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		errs = append(errs, "store.path is required")
	}

	if cfg.Registry.SendTimeoutMs < 1 {
		errs = append(errs, "registry.sendTimeoutMs must be >= 1")
	}
	if cfg.Registry.QueueSize < 1 {
		errs = append(errs, "registry.queueSize must be >= 1")
	}
	if cfg.Registry.HistorySize < 1 {
		errs = append(errs, "registry.historySize must be >= 1")
	}

	switch cfg.Resume.Backend {
	case "noop":
	case "temporal":
		if cfg.Resume.Temporal.Address == "" {
			errs = append(errs, "resume.temporal.address is required for the temporal backend")
		}
		if cfg.Resume.Temporal.SignalName == "" {
			errs = append(errs, "resume.temporal.signalName is required for the temporal backend")
		}
	case "webhook":
		if cfg.Resume.Webhook.URL == "" {
			errs = append(errs, "resume.webhook.url is required for the webhook backend")
		}
	default:
		errs = append(errs, "resume.backend must be one of: noop, temporal, webhook")
	}
	if cfg.Resume.MaxRetries < 1 {
		errs = append(errs, "resume.maxRetries must be >= 1")
	}
	if cfg.Resume.BaseBackoffMs < 1 {
		errs = append(errs, "resume.baseBackoffMs must be >= 1")
	}
	if cfg.Resume.MaxBackoffMs < cfg.Resume.BaseBackoffMs {
		errs = append(errs, "resume.maxBackoffMs must be >= resume.baseBackoffMs")
	}
	if cfg.Resume.AttemptTimeoutSeconds < 1 {
		errs = append(errs, "resume.attemptTimeoutSeconds must be >= 1")
	}

	if cfg.Sweep.Enabled && !gronx.New().IsValid(cfg.Sweep.Schedule) {
		errs = append(errs, fmt.Sprintf("sweep.schedule is not a valid cron expression: %q", cfg.Sweep.Schedule))
	}

	if cfg.FollowUp.DispatchIntervalSeconds < 1 {
		errs = append(errs, "followUp.dispatchIntervalSeconds must be >= 1")
	}
	if cfg.FollowUp.MaxFollowUps < 1 {
		errs = append(errs, "followUp.maxFollowUps must be >= 1")
	}
	if cfg.FollowUp.SendsPerMinute < 0 || cfg.FollowUp.SendBurst < 0 {
		errs = append(errs, "followUp.sendsPerMinute and followUp.sendBurst must be >= 0")
	}
	if cfg.FollowUp.Telegram.Enabled && cfg.FollowUp.Telegram.Token == "" {
		errs = append(errs, "followUp.telegram.token is required when telegram is enabled")
	}
	if cfg.FollowUp.Slack.Enabled && cfg.FollowUp.Slack.BotToken == "" {
		errs = append(errs, "followUp.slack.botToken is required when slack is enabled")
	}
	if cfg.FollowUp.Discord.Enabled && cfg.FollowUp.Discord.Token == "" {
		errs = append(errs, "followUp.discord.token is required when discord is enabled")
	}
	if cfg.FollowUp.WhatsApp.Enabled && (cfg.FollowUp.WhatsApp.AccessToken == "" || cfg.FollowUp.WhatsApp.PhoneNumberID == "") {
		errs = append(errs, "followUp.whatsapp.accessToken and phoneNumberId are required when whatsapp is enabled")
	}

	if cfg.Relay.Enabled {
		if cfg.Relay.Addr == "" {
			errs = append(errs, "relay.addr is required when the relay is enabled")
		}
		if cfg.Relay.Channel == "" {
			errs = append(errs, "relay.channel is required when the relay is enabled")
		}
	}

	if cfg.Auth.Enabled && len(cfg.Auth.Secret) < 16 {
		errs = append(errs, "auth.secret must be at least 16 bytes when auth is enabled")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
