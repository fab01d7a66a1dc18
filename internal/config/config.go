// Package config loads groupwatch settings from a TOML file, an optional .env
// file and GROUPWATCH_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// FileName is the default config file name inside the data directory.
const FileName = "config.toml"

// DefaultDirName is the data directory created under the user's home.
const DefaultDirName = ".groupwatch"

// Duration wraps time.Duration so TOML files can use strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full application configuration.
type Config struct {
	// DataDir holds the state database, per-user credentials and logs.
	DataDir string `toml:"data_dir"`

	Server      ServerSettings      `toml:"server"`
	Users       []UserEntry         `toml:"users"`
	Session     SessionSettings     `toml:"session"`
	Alerts      AlertSettings       `toml:"alerts"`
	Limits      LimitSettings       `toml:"limits"`
	Push        PushSettings        `toml:"push"`
	Logs        LogSettings         `toml:"logs"`
	Maintenance MaintenanceSettings `toml:"maintenance"`

	// path is the file the config was loaded from (empty when defaults only).
	path string
}

// ServerSettings configures the HTTP/WebSocket listener.
type ServerSettings struct {
	Listen     string `toml:"listen"`
	AdminToken string `toml:"admin_token"`
}

// UserEntry maps a bearer token to a user id.
type UserEntry struct {
	ID    string `toml:"id"`
	Token string `toml:"token"`
}

// SessionSettings tunes the per-user session lifecycle.
type SessionSettings struct {
	InitTimeout   Duration `toml:"init_timeout"`
	MaxRetries    int      `toml:"max_retries"`
	RetryDelay    Duration `toml:"retry_delay"`
	StartInterval Duration `toml:"start_interval"`
	// SendTimeout bounds a single alert delivery attempt.
	SendTimeout Duration `toml:"send_timeout"`
}

// AlertSettings configures alert composition and retention.
type AlertSettings struct {
	HistoryLimit int `toml:"history_limit"`
	// PreviewChars truncates the message text quoted in a delivered alert.
	PreviewChars int `toml:"preview_chars"`
}

// LimitSettings caps user-provided settings.
type LimitSettings struct {
	MaxWatchedGroups int `toml:"max_watched_groups"`
	MaxKeywords      int `toml:"max_keywords"`
	MaxKeywordLength int `toml:"max_keyword_length"`
}

// PushSettings configures browser push notifications for new alerts.
type PushSettings struct {
	Enabled bool   `toml:"enabled"`
	Subject string `toml:"vapid_subject"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Pprof      bool   `toml:"pprof"`
}

// MaintenanceSettings schedules background housekeeping (cron syntax).
// Housekeeping runs unless Disabled is set.
type MaintenanceSettings struct {
	Disabled bool     `toml:"disabled"`
	Schedule string   `toml:"schedule"`
	IdleTTL  Duration `toml:"throttle_idle_ttl"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, DefaultDirName)
		} else {
			c.DataDir = DefaultDirName
		}
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8430"
	}
	if c.Session.InitTimeout.Duration <= 0 {
		c.Session.InitTimeout.Duration = 120 * time.Second
	}
	if c.Session.MaxRetries < 0 {
		c.Session.MaxRetries = 0
	} else if c.Session.MaxRetries == 0 {
		c.Session.MaxRetries = 3
	}
	if c.Session.RetryDelay.Duration <= 0 {
		c.Session.RetryDelay.Duration = 5 * time.Second
	}
	if c.Session.StartInterval.Duration <= 0 {
		c.Session.StartInterval.Duration = 30 * time.Second
	}
	if c.Session.SendTimeout.Duration <= 0 {
		c.Session.SendTimeout.Duration = 30 * time.Second
	}
	if c.Alerts.HistoryLimit <= 0 {
		c.Alerts.HistoryLimit = 100
	}
	if c.Alerts.PreviewChars <= 0 {
		c.Alerts.PreviewChars = 1000
	}
	if c.Limits.MaxWatchedGroups <= 0 {
		c.Limits.MaxWatchedGroups = 500
	}
	if c.Limits.MaxKeywords <= 0 {
		c.Limits.MaxKeywords = 50
	}
	if c.Limits.MaxKeywordLength <= 0 {
		c.Limits.MaxKeywordLength = 100
	}
	if c.Push.Subject == "" {
		c.Push.Subject = "mailto:groupwatch@localhost"
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 15m"
	}
	if c.Maintenance.IdleTTL.Duration <= 0 {
		c.Maintenance.IdleTTL.Duration = time.Hour
	}
}

// Load reads path (or <data_dir>/config.toml when path is empty), overlays the
// environment and applies defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence over it.
	_ = godotenv.Load()

	cfg := &Config{}
	if path == "" {
		dataDir := strings.TrimSpace(os.Getenv("GROUPWATCH_DATA_DIR"))
		if dataDir == "" {
			dataDir = Default().DataDir
		}
		path = filepath.Join(dataDir, FileName)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		cfg.path = path
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Logs.Dir = expandHome(cfg.Logs.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, or "".
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("GROUPWATCH_DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("GROUPWATCH_LISTEN")); v != "" {
		c.Server.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("GROUPWATCH_ADMIN_TOKEN")); v != "" {
		c.Server.AdminToken = v
	}
	if v := strings.TrimSpace(os.Getenv("GROUPWATCH_LOG_LEVEL")); v != "" {
		c.Logs.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("GROUPWATCH_LOG_DIR")); v != "" {
		c.Logs.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("GROUPWATCH_PUSH")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Push.Enabled = enabled
		}
	}
	// GROUPWATCH_USERS="alice:token1,bob:token2" appends to [[users]].
	if v := strings.TrimSpace(os.Getenv("GROUPWATCH_USERS")); v != "" {
		for _, pair := range strings.Split(v, ",") {
			id, token, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok {
				continue
			}
			c.Users = append(c.Users, UserEntry{ID: strings.TrimSpace(id), Token: strings.TrimSpace(token)})
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	seenIDs := make(map[string]bool, len(c.Users))
	seenTokens := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if strings.TrimSpace(u.ID) == "" {
			return &Error{Field: fmt.Sprintf("users[%d].id", i), Message: "required"}
		}
		if strings.TrimSpace(u.Token) == "" {
			return &Error{Field: fmt.Sprintf("users[%d].token", i), Message: "required"}
		}
		if seenIDs[u.ID] {
			return &Error{Field: fmt.Sprintf("users[%d].id", i), Message: "duplicate id " + u.ID}
		}
		if seenTokens[u.Token] {
			return &Error{Field: fmt.Sprintf("users[%d].token", i), Message: "duplicate token"}
		}
		if u.Token == c.Server.AdminToken {
			return &Error{Field: fmt.Sprintf("users[%d].token", i), Message: "must differ from admin token"}
		}
		seenIDs[u.ID] = true
		seenTokens[u.Token] = true
	}
	switch c.Logs.Level {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "logs.level", Message: "must be one of debug, info, warn, error"}
	}
	return nil
}

// UserTokens returns the token → user id table used by the web layer.
func (c *Config) UserTokens() map[string]string {
	out := make(map[string]string, len(c.Users))
	for _, u := range c.Users {
		out[u.Token] = u.ID
	}
	return out
}

// StateDBPath is the sqlite database holding settings, keywords and alerts.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// CredentialsDir holds one credential namespace per user.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// LogDir returns the configured log directory ("" logs to stderr).
func (c *Config) LogDir() string {
	return c.Logs.Dir
}

// Error describes an invalid configuration value.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
