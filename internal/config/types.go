package config

import (
	"errors"
	"strings"
)

// Config is the full process configuration. Secrets normally arrive via the
// environment (see env.go) and override whatever the file says.
//
// All durations are Go duration strings (e.g. "30s", "10m").
type Config struct {
	Bluesky  BlueskyConfig  `json:"bluesky"`
	Sheet    SheetConfig    `json:"sheet"`
	Ledger   LedgerConfig   `json:"ledger"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
	Notify   *NotifyConfig  `json:"notify,omitempty"`

	// Schedule is the poll trigger: a Go duration ("10m"), HH:MM, or a
	// cron expression ("*/10 * * * *"). Defaults to 10 minutes.
	Schedule string `json:"schedule,omitempty"`

	// Timezone interprets the sheet's scheduled times (IANA name).
	// Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

type BlueskyConfig struct {
	Handle      string `json:"handle"`
	AppPassword string `json:"app_password"`
	Host        string `json:"host,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type SheetConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"`
}

// LedgerConfig selects and configures the idempotency store.
//
// Example:
//
//	"ledger": { "driver": "file", "path": "./state.json" }
type LedgerConfig struct {
	Driver        string `json:"driver,omitempty"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisKey      string `json:"redis_key,omitempty"`
}

type DispatchConfig struct {
	HeadlessFallback bool `json:"headless_fallback,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`

	// Console is a pointer so "omitted" defaults to true.
	Console *bool `json:"console,omitempty"`

	File LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type NotifyConfig struct {
	TelegramToken string `json:"telegram_token,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	RatePerMin    int    `json:"rate_per_min,omitempty"`
}

const (
	DefaultSchedule   = "10m"
	DefaultLedgerPath = "./state.json"
)

// ApplyDefaults fills zero fields that have sane defaults.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if strings.TrimSpace(c.Ledger.Driver) == "" {
		c.Ledger.Driver = "file"
	}
	if c.Ledger.Driver == "file" && strings.TrimSpace(c.Ledger.Path) == "" {
		c.Ledger.Path = DefaultLedgerPath
	}
}

// Validate checks everything the daemon cannot start without.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Bluesky.Handle) == "" {
		problems = append(problems, "bluesky.handle (or BLUESKY_USERNAME) is required")
	}
	if strings.TrimSpace(c.Bluesky.AppPassword) == "" {
		problems = append(problems, "bluesky.app_password (or BLUESKY_APP_PASSWORD) is required")
	}
	if strings.TrimSpace(c.Sheet.URL) == "" {
		problems = append(problems, "sheet.url (or SHEET_CSV_URL) is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Ledger.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Ledger.Path) == "" {
			problems = append(problems, "ledger.path is required")
		}
	case "redis":
		if strings.TrimSpace(c.Ledger.RedisAddr) == "" {
			problems = append(problems, "ledger.redis_addr is required")
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// ConsoleEnabled resolves the Console tri-state (default true).
func (c LoggingConfig) ConsoleEnabled() bool {
	if c.Console == nil {
		return true
	}
	return *c.Console
}
