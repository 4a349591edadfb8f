package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for FinBot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Answer   AnswerConfig   `json:"answer"`
	Relay    RelayConfig    `json:"relay"`
	Dedup    DedupConfig    `json:"dedup"`
	Metrics  MetricsConfig  `json:"metrics"`
	Advisor  AdvisorConfig  `json:"advisor"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" env:"FINBOT_LOG_LEVEL"`
	LogFile  string `json:"logFile,omitempty" env:"FINBOT_LOG_FILE"` // optional log file path
}

// WhatsAppConfig configures the WhatsApp Business Cloud API channel: the
// inbound webhook endpoint and the outbound send endpoint.
type WhatsAppConfig struct {
	VerifyToken        string `json:"verifyToken" env:"FINBOT_VERIFY_TOKEN"`
	AccessToken        string `json:"accessToken" env:"FINBOT_ACCESS_TOKEN"`
	AppSecret          string `json:"appSecret,omitempty" env:"FINBOT_APP_SECRET"` // enables X-Hub-Signature-256 checks
	PhoneNumberID      string `json:"phoneNumberId" env:"FINBOT_PHONE_NUMBER_ID"`
	APIBase            string `json:"apiBase,omitempty" env:"FINBOT_API_BASE"`
	WebhookPath        string `json:"webhookPath,omitempty"`
	Host               string `json:"host"`
	Port               int    `json:"port" env:"FINBOT_PORT"`
	SendTimeoutSeconds int    `json:"sendTimeoutSeconds,omitempty"`
}

// AnswerConfig configures the upstream answering service.
type AnswerConfig struct {
	URL            string `json:"url" env:"FINBOT_ANSWER_URL"`
	UserID         string `json:"userId" env:"FINBOT_ANSWER_USER_ID"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	FallbackReply  string `json:"fallbackReply,omitempty"`
}

type RelayConfig struct {
	MaxConcurrentDeliveries int `json:"maxConcurrentDeliveries"`
	BusBuffer               int `json:"busBuffer"`
}

// DedupConfig bounds the in-memory duplicate ledger. Zero values mean
// unbounded, which is the documented default.
type DedupConfig struct {
	MaxEntries int `json:"maxEntries,omitempty"`
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// AdvisorConfig configures the offline investment advisor command.
type AdvisorConfig struct {
	OptionsPath string `json:"optionsPath,omitempty"` // overrides the built-in advice tables
}

// DefaultConfigDir returns the default config directory (~/.finbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finbot"
	}
	return filepath.Join(home, ".finbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
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
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	// FINBOT_* environment variables win over file values.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment overrides: %w", err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Advisor.OptionsPath = ExpandPath(cfg.Advisor.OptionsPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
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
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values. Gateway credentials are
// checked separately by ValidateGateway so that offline commands (config,
// advise) work without them.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.WhatsApp.Port < 0 || cfg.WhatsApp.Port > 65535 {
		errs = append(errs, "whatsapp.port must be between 0 and 65535")
	}
	if cfg.WhatsApp.SendTimeoutSeconds < 0 {
		errs = append(errs, "whatsapp.sendTimeoutSeconds must be >= 0")
	}
	if p := cfg.WhatsApp.WebhookPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, "whatsapp.webhookPath must start with /")
	}

	if cfg.Answer.TimeoutSeconds < 0 {
		errs = append(errs, "answer.timeoutSeconds must be >= 0")
	}

	if cfg.Relay.MaxConcurrentDeliveries < 1 || cfg.Relay.MaxConcurrentDeliveries > 100 {
		errs = append(errs, "relay.maxConcurrentDeliveries must be between 1 and 100")
	}
	if cfg.Relay.BusBuffer < 1 {
		errs = append(errs, "relay.busBuffer must be >= 1")
	}

	if cfg.Dedup.MaxEntries < 0 {
		errs = append(errs, "dedup.maxEntries must be >= 0")
	}
	if cfg.Dedup.TTLSeconds < 0 {
		errs = append(errs, "dedup.ttlSeconds must be >= 0")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateGateway checks the fields the gateway command cannot run without.
func ValidateGateway(cfg *Config) error {
	var errs []string

	if cfg.WhatsApp.VerifyToken == "" {
		errs = append(errs, "whatsapp.verifyToken is required")
	}
	if cfg.WhatsApp.AccessToken == "" {
		errs = append(errs, "whatsapp.accessToken is required")
	}
	if cfg.WhatsApp.PhoneNumberID == "" {
		errs = append(errs, "whatsapp.phoneNumberId is required")
	}
	if cfg.Answer.URL == "" {
		errs = append(errs, "answer.url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("gateway config incomplete:\n  - %s", strings.Join(errs, "\n  - "))
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
