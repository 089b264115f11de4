package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for ChatGate.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace" yaml:"workspace"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// GatewayConfig configures the long-running gateway process: the control
// endpoint other processes reach over WebSocket, the shutdown grace period,
// and the path of the linked-state database.
type GatewayConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	RPCTimeoutMS int    `json:"rpcTimeoutMs,omitempty" yaml:"rpcTimeoutMs,omitempty"`
	GraceSeconds int    `json:"graceSeconds,omitempty" yaml:"graceSeconds,omitempty"`
	LinkDBPath   string `json:"linkDbPath" yaml:"linkDbPath"`
}

// URL returns the WebSocket URL of the gateway control endpoint.
func (g GatewayConfig) URL() string {
	host := g.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d/ws", host, g.Port)
}

type ChannelsConfig struct {
	// MediaMaxMB is the shared default ceiling for outbound media size.
	// Per-account values override it; 0 means no limit.
	MediaMaxMB int `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`

	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Discord  DiscordConfig  `json:"discord,omitempty" yaml:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Signal   SignalConfig   `json:"signal,omitempty" yaml:"signal,omitempty"`
	IMessage IMessageConfig `json:"imessage,omitempty" yaml:"imessage,omitempty"`
	Teams    TeamsConfig    `json:"teams,omitempty" yaml:"teams,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool                       `json:"enabled" yaml:"enabled"`
	DefaultAccount string                     `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]TelegramAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type TelegramAccount struct {
	Disabled   bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Token      string         `json:"token" yaml:"token"`
	AllowFrom  FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	ParseMode  string         `json:"parseMode,omitempty" yaml:"parseMode,omitempty"`
	MaxMsgLen  int            `json:"maxMsgLen,omitempty" yaml:"maxMsgLen,omitempty"`
	MediaMaxMB int            `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`
}

type WhatsAppConfig struct {
	Enabled        bool                       `json:"enabled" yaml:"enabled"`
	DefaultAccount string                     `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]WhatsAppAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type WhatsAppAccount struct {
	Disabled      bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	AccessToken   string         `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	AppSecret     string         `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`
	VerifyToken   string         `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty"`
	PhoneNumberID string         `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty"`
	WebhookAddr   string         `json:"webhookAddr,omitempty" yaml:"webhookAddr,omitempty"`
	WebhookPath   string         `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty"`
	AllowFrom     FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	MediaMaxMB    int            `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool                      `json:"enabled" yaml:"enabled"`
	DefaultAccount string                    `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]DiscordAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type DiscordAccount struct {
	Disabled   bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Token      string `json:"token" yaml:"token"`
	GuildID    string `json:"guildId,omitempty" yaml:"guildId,omitempty"`
	MaxMsgLen  int    `json:"maxMsgLen,omitempty" yaml:"maxMsgLen,omitempty"`
	MediaMaxMB int    `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`
}

type SlackConfig struct {
	Enabled        bool                    `json:"enabled" yaml:"enabled"`
	DefaultAccount string                  `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]SlackAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type SlackAccount struct {
	Disabled   bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	BotToken   string         `json:"botToken" yaml:"botToken"`
	AppToken   string         `json:"appToken" yaml:"appToken"`
	AllowFrom  FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	MaxMsgLen  int            `json:"maxMsgLen,omitempty" yaml:"maxMsgLen,omitempty"`
	MediaMaxMB int            `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`
}

type SignalConfig struct {
	Enabled        bool                     `json:"enabled" yaml:"enabled"`
	DefaultAccount string                   `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]SignalAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type SignalAccount struct {
	Disabled   bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Endpoint   string         `json:"endpoint" yaml:"endpoint"` // signal-cli REST daemon base URL
	Number     string         `json:"number" yaml:"number"`     // the registered account number
	AllowFrom  FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	MediaMaxMB int            `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`
}

type IMessageConfig struct {
	Enabled        bool                       `json:"enabled" yaml:"enabled"`
	DefaultAccount string                     `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]IMessageAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type IMessageAccount struct {
	Disabled   bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Endpoint   string `json:"endpoint" yaml:"endpoint"` // local bridge base URL
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	MediaMaxMB int    `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`
}

type TeamsConfig struct {
	Enabled        bool                    `json:"enabled" yaml:"enabled"`
	DefaultAccount string                  `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]TeamsAccount `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

type TeamsAccount struct {
	Disabled   bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	WebhookURL string `json:"webhookUrl" yaml:"webhookUrl"`
	MaxMsgLen  int    `json:"maxMsgLen,omitempty" yaml:"maxMsgLen,omitempty"`
	MediaMaxMB int    `json:"mediaMaxMb,omitempty" yaml:"mediaMaxMb,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
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

// SortedAccountIDs returns account map keys in deterministic order.
func SortedAccountIDs[T any](accounts map[string]T) []string {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PickDefaultAccount resolves the default account id: the configured one if
// it exists, else "default" if present, else the first id in sorted order.
func PickDefaultAccount[T any](explicit string, accounts map[string]T) string {
	if explicit != "" {
		if _, ok := accounts[explicit]; ok {
			return explicit
		}
	}
	if _, ok := accounts["default"]; ok {
		return "default"
	}
	ids := SortedAccountIDs(accounts)
	if len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// DefaultConfigDir returns the default config directory (~/.chatgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatgate"
	}
	return filepath.Join(home, ".chatgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file (JSON, or YAML by extension), expands env vars
// and paths, merges with defaults, and validates. It reads the file fresh on
// every call so configuration edits take effect on the next operation.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Gateway.LinkDBPath = ExpandPath(cfg.Gateway.LinkDBPath)

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

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}
	if cfg.Gateway.GraceSeconds < 0 {
		errs = append(errs, "gateway.graceSeconds must be >= 0")
	}
	if cfg.Channels.MediaMaxMB < 0 {
		errs = append(errs, "channels.mediaMaxMb must be >= 0")
	}

	for id, a := range cfg.Channels.Telegram.Accounts {
		if cfg.Channels.Telegram.Enabled && !a.Disabled && a.Token == "" {
			errs = append(errs, fmt.Sprintf("channels.telegram.accounts.%s: token is required", id))
		}
	}
	for id, a := range cfg.Channels.Slack.Accounts {
		if cfg.Channels.Slack.Enabled && !a.Disabled && (a.BotToken == "" || a.AppToken == "") {
			errs = append(errs, fmt.Sprintf("channels.slack.accounts.%s: botToken and appToken are required", id))
		}
	}
	for id, a := range cfg.Channels.Signal.Accounts {
		if cfg.Channels.Signal.Enabled && !a.Disabled && a.Number == "" {
			errs = append(errs, fmt.Sprintf("channels.signal.accounts.%s: number is required", id))
		}
	}
	for id, a := range cfg.Channels.Teams.Accounts {
		if cfg.Channels.Teams.Enabled && !a.Disabled && a.WebhookURL == "" {
			errs = append(errs, fmt.Sprintf("channels.teams.accounts.%s: webhookUrl is required", id))
		}
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
