package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for wabridge.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Detection DetectionConfig `json:"detection"`
	Monitor   MonitorConfig   `json:"monitor"`
	Session   SessionConfig   `json:"session"`
	Server    ServerConfig    `json:"server"`
	History   HistoryConfig   `json:"history"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	StoreDir string `json:"storeDir"` // directory for the WhatsApp session database
}

// DetectionConfig points at the external object-detection API.
type DetectionConfig struct {
	APIBase         string `json:"apiBase"`
	APIToken        string `json:"apiToken,omitempty"`
	DefaultLocation string `json:"defaultLocation"` // location tag used when the message carries no loc= marker
	TimeoutSeconds  int    `json:"timeoutSeconds"`
}

// MonitorConfig selects which conversations are forwarded to the detection API.
type MonitorConfig struct {
	Chats   FlexStringList `json:"chats"`
	JIDOnly bool           `json:"jidOnly"` // when false, push names and message text are matched too
}

// SessionConfig tunes the reconnect policy of the connection controller.
type SessionConfig struct {
	MaxRetries          int `json:"maxRetries"`          // backoff ceiling
	RetryDelayMS        int `json:"retryDelayMs"`        // delay while under the ceiling
	CooldownMS          int `json:"cooldownMs"`          // delay once the ceiling is exceeded
	ConnectRetryDelayMS int `json:"connectRetryDelayMs"` // flat delay for failures before the session is wired up
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// NotifyConfig configures optional operator alerts.
type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
}

type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (phone numbers are often pasted unquoted).
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wabridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

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

	cfg.General.StoreDir = ExpandPath(cfg.General.StoreDir)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)

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
			return match
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

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Detection.APIBase == "" {
		errs = append(errs, "detection.apiBase must not be empty")
	}
	if cfg.Detection.TimeoutSeconds < 1 {
		errs = append(errs, "detection.timeoutSeconds must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if cfg.Session.MaxRetries < 1 {
		errs = append(errs, "session.maxRetries must be >= 1")
	}
	if cfg.Session.RetryDelayMS < 1 {
		errs = append(errs, "session.retryDelayMs must be >= 1")
	}
	if cfg.Session.CooldownMS < cfg.Session.RetryDelayMS {
		errs = append(errs, "session.cooldownMs must be >= session.retryDelayMs")
	}
	if cfg.Session.ConnectRetryDelayMS < 1 {
		errs = append(errs, "session.connectRetryDelayMs must be >= 1")
	}

	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token == "" {
		errs = append(errs, "notify.telegram.token is required when telegram notifications are enabled")
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
