package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logx "openwhen/pkg/logx"
)

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	API       APIConfig       `json:"api"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Format  string        `json:"format,omitempty"` // console | json
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the run-state backend.
//
// Drivers: memory, file (default), sqlite, postgres.
// file and sqlite use Path; postgres uses DSN.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls reconciliation.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "" (process local time)
//   - rescan_interval: "1m"
//   - late_threshold: "60s"
//   - lookback: "24h"
//   - occurrence_cap: 365
//   - suppress_late_on_start: true
type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	RescanInterval string `json:"rescan_interval,omitempty"`
	LateThreshold  string `json:"late_threshold,omitempty"`
	Lookback       string `json:"lookback,omitempty"`
	OccurrenceCap  int    `json:"occurrence_cap,omitempty"`

	// SuppressLateOnStart is a pointer so an explicit false can be told apart from omitted.
	SuppressLateOnStart *bool `json:"suppress_late_on_start,omitempty"`
}

// DeliveryConfig picks the primary and fallback channels (log, telegram, slack).
type DeliveryConfig struct {
	Primary      string         `json:"primary"`
	Fallback     string         `json:"fallback,omitempty"`
	ReadyTimeout string         `json:"ready_timeout,omitempty"`
	RatePerSec   int            `json:"rate_per_sec,omitempty"`
	Telegram     TelegramConfig `json:"telegram,omitempty"`
	Slack        SlackConfig    `json:"slack,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// APIConfig controls the HTTP control plane.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback Addr requires Token unless AllowInsecure is set.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

const (
	DefaultAPIAddr        = "127.0.0.1:7733"
	DefaultRescanInterval = time.Minute
	DefaultStoragePath    = "openwhen.json"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "INFO", Console: true},
		Storage:  StorageConfig{Driver: "file", Path: DefaultStoragePath},
		Delivery: DeliveryConfig{Primary: "log"},
		API:      APIConfig{Enabled: true, Addr: DefaultAPIAddr},
	}
}

// Env overrides for secrets.
const (
	EnvTelegramToken = "OPENWHEN_TELEGRAM_TOKEN"
	EnvSlackWebhook  = "OPENWHEN_SLACK_WEBHOOK"
	EnvStorageDSN    = "OPENWHEN_STORAGE_DSN"
	EnvAPIToken      = "OPENWHEN_API_TOKEN"
)

// ApplyEnv fills secrets from the environment. Non-empty variables win over the file.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Delivery.Telegram.Token, EnvTelegramToken)
	set(&c.Delivery.Slack.WebhookURL, EnvSlackWebhook)
	set(&c.Storage.DSN, EnvStorageDSN)
	set(&c.API.Token, EnvAPIToken)
}

// ---- resolved views ----

// Scheduler is SchedulerConfig with defaults applied and strings parsed.
type Scheduler struct {
	Location            *time.Location
	RescanInterval      time.Duration
	LateThreshold       time.Duration
	Lookback            time.Duration
	OccurrenceCap       int
	SuppressLateOnStart bool
}

func (s SchedulerConfig) Resolve() (Scheduler, error) {
	out := Scheduler{Location: time.Local, OccurrenceCap: s.OccurrenceCap, SuppressLateOnStart: true}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Scheduler{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
		out.Location = loc
	}
	var err error
	if out.RescanInterval, err = ParseDurationOrDefault("scheduler.rescan_interval", s.RescanInterval, DefaultRescanInterval); err != nil {
		return Scheduler{}, err
	}
	if out.LateThreshold, err = ParseDurationField("scheduler.late_threshold", s.LateThreshold); err != nil {
		return Scheduler{}, err
	}
	if out.Lookback, err = ParseDurationField("scheduler.lookback", s.Lookback); err != nil {
		return Scheduler{}, err
	}
	if s.OccurrenceCap < 0 {
		return Scheduler{}, errors.New("scheduler.occurrence_cap must be >= 0")
	}
	if s.SuppressLateOnStart != nil {
		out.SuppressLateOnStart = *s.SuppressLateOnStart
	}
	return out, nil
}

var channels = map[string]bool{"": true, "log": true, "telegram": true, "slack": true}

// Validate checks everything that can be checked without opening connections.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", logx.FormatConsole, logx.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if _, err := c.Scheduler.Resolve(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "memory", "mem", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	d := c.Delivery
	for name, ch := range map[string]string{"delivery.primary": d.Primary, "delivery.fallback": d.Fallback} {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if !channels[ch] {
			errs = append(errs, fmt.Errorf("%s: unknown channel %q", name, ch))
			continue
		}
		if ch == "telegram" && (strings.TrimSpace(d.Telegram.Token) == "" || d.Telegram.ChatID == 0) {
			errs = append(errs, fmt.Errorf("%s: telegram needs token and chat_id", name))
		}
		if ch == "slack" && strings.TrimSpace(d.Slack.WebhookURL) == "" {
			errs = append(errs, fmt.Errorf("%s: slack needs webhook_url", name))
		}
	}
	if _, err := ParseDurationField("delivery.ready_timeout", d.ReadyTimeout); err != nil {
		errs = append(errs, err)
	}
	if d.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec must be >= 0"))
	}

	if a := c.API; a.Enabled {
		if _, _, err := net.SplitHostPort(a.Addr); err != nil {
			errs = append(errs, fmt.Errorf("api.addr: %w", err))
		} else if strings.TrimSpace(a.Token) == "" && !a.AllowInsecure && !isLoopbackAddr(a.Addr) {
			errs = append(errs, fmt.Errorf("api.token is required when api.addr %q is not loopback (or set api.allow_insecure)", a.Addr))
		}
	}
	return errors.Join(errs...)
}

// Logx converts the logging section for logx.New / Service.Apply.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Format:  l.Format,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// isLoopbackAddr reports whether host:port binds only to loopback. An empty
// host means every interface.
func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
