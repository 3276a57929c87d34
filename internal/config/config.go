// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Account() AccountConfig
	Chat() ChatConfig

	// Setters for values that CLI flags override.
	SetBrowserHeadless(bool)
	SetLoggerVerbose(bool)
	SetChatConversationID(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	AccountCfg  AccountConfig  `mapstructure:"account" yaml:"account"`
	ChatCfg     ChatConfig     `mapstructure:"chat" yaml:"chat"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Account() AccountConfig   { return c.AccountCfg }
func (c *Config) Chat() ChatConfig         { return c.ChatCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)       { c.BrowserCfg.Headless = b }
func (c *Config) SetLoggerVerbose(b bool)         { c.LoggerCfg.Verbose = b }
func (c *Config) SetChatConversationID(id string) { c.ChatCfg.ConversationID = id }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Verbose forces debug level regardless of Level.
	Verbose     bool        `mapstructure:"verbose" yaml:"verbose"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// EffectiveLevel resolves the level the logger should run at.
func (l LoggerConfig) EffectiveLevel() string {
	if l.Verbose {
		return "debug"
	}
	return l.Level
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the transcript database connection details. An empty URL disables
// persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the controlled Chrome instance.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`
	// ExecPath overrides Chrome discovery.
	ExecPath string `mapstructure:"exec_path" yaml:"exec_path"`
	// UserDataDir keeps the profile between runs. "~" is expanded.
	UserDataDir       string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	AttemptCFBypass   bool          `mapstructure:"attempt_cf_bypass" yaml:"attempt_cf_bypass"`
	CFBypassTimeout   time.Duration `mapstructure:"cf_bypass_timeout" yaml:"cf_bypass_timeout"`
	Stealth           bool          `mapstructure:"stealth" yaml:"stealth"`
}

// AccountConfig holds the chat credentials. A token is preferred; email and password are the
// fallback.
type AccountConfig struct {
	Token    string `mapstructure:"token" yaml:"-"`
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"-"`
}

// HasCredentials reports whether any login method is configured.
func (a AccountConfig) HasCredentials() bool {
	return a.Token != "" || (a.Email != "" && a.Password != "")
}

// ChatConfig tunes conversations.
type ChatConfig struct {
	// ConversationID resumes an existing conversation when set.
	ConversationID string `mapstructure:"conversation_id" yaml:"conversation_id"`
	// Timeout is the base wait budget of a turn before mode surcharges.
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SlowModeDelay     time.Duration `mapstructure:"slow_mode_delay" yaml:"slow_mode_delay"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
	// SelectorsFile points at a YAML selector override.
	SelectorsFile string `mapstructure:"selectors_file" yaml:"selectors_file"`
	// Message is the default prompt for the send command.
	Message string `mapstructure:"message" yaml:"message"`
	// Reasoning and Search are the mode defaults used when no flag overrides them.
	Reasoning bool `mapstructure:"reasoning" yaml:"reasoning"`
	Search    bool `mapstructure:"search" yaml:"search"`
	// HistoryFile keeps the interactive prompt history. Empty disables it.
	HistoryFile string `mapstructure:"history_file" yaml:"history_file"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.verbose", false)
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "deeperseek")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.attempt_cf_bypass", false)
	v.SetDefault("browser.cf_bypass_timeout", "30s")
	v.SetDefault("browser.stealth", true)

	// -- Chat --
	v.SetDefault("chat.timeout", "60s")
	v.SetDefault("chat.poll_interval", "100ms")
	v.SetDefault("chat.slow_mode_delay", "250ms")
	v.SetDefault("chat.keep_alive_interval", "0s")
	v.SetDefault("chat.reasoning", true)
	v.SetDefault("chat.search", false)
	v.SetDefault("chat.history_file", "~/.config/deeperseek/chat_history")
}

// envBindings maps config keys onto the environment variables users already export.
var envBindings = map[string]string{
	"account.token":             "DEEPSEEK_TOKEN",
	"account.email":             "DEEPSEEK_EMAIL",
	"account.password":          "DEEPSEEK_PASSWORD",
	"chat.conversation_id":      "DEEPSEEK_CHAT_ID",
	"chat.message":              "DEEPSEEK_MESSAGE",
	"chat.reasoning":            "DEEPSEEK_REASONING",
	"chat.search":               "DEEPSEEK_SEARCH",
	"chat.history_file":         "DEEPSEEK_HISTORY_FILE",
	"browser.headless":          "DEEPSEEK_HEADLESS",
	"browser.attempt_cf_bypass": "DEEPSEEK_ATTEMPT_CF_BYPASS",
	"browser.args":              "DEEPSEEK_CHROME_ARGS",
	"logger.verbose":            "DEEPSEEK_VERBOSE",
	"database.url":              "DEEPSEEK_DATABASE_URL",
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// DEEPSEEK_CHROME_ARGS is a space separated list. GetStringSlice splits plain strings on
	// whitespace, Unmarshal would not.
	cfg.BrowserCfg.Args = v.GetStringSlice("browser.args")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LoggerCfg.Level) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("logger.level %q is not a valid level", c.LoggerCfg.Level)
	}
	if c.BrowserCfg.LaunchTimeout <= 0 {
		return fmt.Errorf("browser.launch_timeout must be a positive duration")
	}
	if c.BrowserCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if err := c.ChatCfg.Validate(); err != nil {
		return fmt.Errorf("chat configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the chat settings.
func (c *ChatConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("chat.timeout must be a positive duration")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("chat.poll_interval must be a positive duration")
	}
	if c.SlowModeDelay < 0 {
		return fmt.Errorf("chat.slow_mode_delay must not be negative")
	}
	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("chat.keep_alive_interval must not be negative")
	}
	return nil
}
