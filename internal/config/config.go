// Package config loads the engine configuration. Secrets and endpoints come
// from the environment; behavior (goals, schedules, thresholds) can be tuned
// in an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/dispatcher"
	"github.com/nadmax/autopilot/internal/executor"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/planner"
	"github.com/nadmax/autopilot/internal/poll"
	"github.com/nadmax/autopilot/internal/task"
	"gopkg.in/yaml.v3"
)

type Config struct {
	PostgresDSN     string `yaml:"-"`
	RedisAddr       string `yaml:"-"`
	Port            string `yaml:"-"`
	EmailAPIKey     string `yaml:"-"`
	FromName        string `yaml:"-"`
	FromAddress     string `yaml:"-"`
	ApproverEmail   string `yaml:"-"`
	ApprovalBaseURL string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	OpenAIModel     string `yaml:"-"`
	OpenAIBaseURL   string `yaml:"-"`
	CronSchedule    string `yaml:"-"`
	LogLevel        string `yaml:"-"`

	Planner    planner.Config                 `yaml:"planner"`
	Executor   executor.Config                `yaml:"executor"`
	Webhooks   executor.WebhookConfig         `yaml:"webhooks"`
	Ledger     ledger.Config                  `yaml:"ledger"`
	Dispatcher dispatcher.Config              `yaml:"dispatcher"`
	Jobs       map[string]dispatcher.Schedule `yaml:"jobs"`
	Platforms  []string                       `yaml:"platforms"`
	DedupCache int                            `yaml:"dedup_cache_entries"`
}

func DefaultConfig() *Config {
	return &Config{
		Port:         "8080",
		RedisAddr:    "",
		FromName:     "Autopilot",
		OpenAIModel:  "gpt-4o-mini",
		CronSchedule: "@every 5m",
		LogLevel:     "info",
		Planner:      planner.Config{ProjectHistory: 5},
		Executor:     executor.Config{ReceiptPolling: poll.DefaultConfig()},
		Webhooks:     executor.WebhookConfig{Timeout: 60 * time.Second},
		Ledger:       ledger.DefaultConfig(),
		Dispatcher:   dispatcher.Config{Window: dispatcher.DefaultWindow, StalePlanning: dispatcher.DefaultStalePlanning},
		Jobs:         dispatcher.DefaultSchedules(),
		Platforms:    []string{"x"},
		DedupCache:   10000,
	}
}

// Load reads CONFIG_FILE when set, then applies the environment on top.
func Load() (*Config, error) {
	return LoadWithFile(os.Getenv("CONFIG_FILE"))
}

// LoadWithFile is Load with an explicit file path. An empty path skips the file.
func LoadWithFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields with every non-empty variable getenv returns.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&c.PostgresDSN, "POSTGRES_DSN")
	set(&c.RedisAddr, "REDIS_ADDR")
	set(&c.Port, "PORT")
	set(&c.EmailAPIKey, "EMAIL_API_KEY")
	set(&c.FromName, "FROM_NAME")
	set(&c.FromAddress, "FROM_ADDRESS")
	set(&c.ApproverEmail, "APPROVER_EMAIL")
	set(&c.ApprovalBaseURL, "APPROVAL_BASE_URL")
	set(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	set(&c.OpenAIModel, "OPENAI_MODEL")
	set(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	set(&c.CronSchedule, "CRON_SCHEDULE")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.Webhooks.Token, "WEBHOOK_TOKEN")
}

func (c *Config) Validate() error {
	var errs []error

	if c.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required"))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.EmailAPIKey != "" && c.FromAddress == "" {
		errs = append(errs, errors.New("FROM_ADDRESS is required when EMAIL_API_KEY is set"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	window := c.Dispatcher.Window
	if window <= 0 {
		window = dispatcher.DefaultWindow
	}
	for key, s := range c.Jobs {
		if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
			errs = append(errs, fmt.Errorf("job %s: invalid time %02d:%02d", key, s.Hour, s.Minute))
		} else if s.CrossesMidnight(window) {
			errs = append(errs, fmt.Errorf("job %s: window of %s after %02d:%02d crosses midnight", key, window, s.Hour, s.Minute))
		}
		if _, err := dispatcher.ParseWeekday(s.Weekday); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", key, err))
		}
	}
	for _, kind := range c.Executor.BestEffortKinds {
		switch kind {
		case task.KindCode, task.KindDeploy, task.KindContract, task.KindPost, task.KindOther:
		default:
			errs = append(errs, fmt.Errorf("unknown best-effort kind %q", kind))
		}
	}
	if c.Ledger.SuppressBelowRate < 0 || c.Ledger.SuppressBelowRate > 1 {
		errs = append(errs, fmt.Errorf("ledger.suppress_below_rate must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}

	return level, nil
}

func (c *Config) Logger() *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
