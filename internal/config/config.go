// Package config loads statusync settings from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bryan-buckman/statusync/internal/client"
	"github.com/bryan-buckman/statusync/internal/model"
	"github.com/bryan-buckman/statusync/internal/timeline"
)

// Profiles tune how much of the cache is loaded and where Atom is parsed.
const (
	ProfileDesktop = "desktop"
	ProfileMobile  = "mobile"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STATUSYNC_"

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Account is the optional account created on startup.
type Account struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIRoot  string `yaml:"apiroot"`
}

// Config is the full set of runtime settings.
type Config struct {
	Listen      string        `yaml:"listen"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresURL string        `yaml:"postgres_url"`
	Profile     string        `yaml:"profile"`
	MaxAge      time.Duration `yaml:"max_age"`
	MaxRows     int           `yaml:"max_rows"`
	LoadLimit   int           `yaml:"load_limit"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	UserAgent   string        `yaml:"user_agent"`
	Account     Account       `yaml:"account"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:      ":8080",
		SQLitePath:  "statusync.db",
		Profile:     ProfileDesktop,
		MaxAge:      timeline.DefaultMaxAge,
		MaxRows:     timeline.DefaultMaxRows,
		HTTPTimeout: client.DefaultTimeout,
		UserAgent:   client.DefaultUserAgent,
	}
}

// Load builds the configuration. The file at path, if it exists, is merged
// over the defaults; a .env file and the process environment come last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if fileCfg != nil {
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("config.Load: error merging %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config.Load: .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config.loadFile: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config.loadFile: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides fields from STATUSYNC_* variables. DATABASE_URL is
// honoured as well for hosted Postgres.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN":       &c.Listen,
		"SQLITE_PATH":  &c.SQLitePath,
		"POSTGRES_URL": &c.PostgresURL,
		"PROFILE":      &c.Profile,
		"USER_AGENT":   &c.UserAgent,
		"USERNAME":     &c.Account.Username,
		"PASSWORD":     &c.Account.Password,
		"APIROOT":      &c.Account.APIRoot,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("DATABASE_URL"); ok && c.PostgresURL == "" {
		c.PostgresURL = v
	}

	ints := map[string]*int{
		"MAX_ROWS":   &c.MaxRows,
		"LOAD_LIMIT": &c.LoadLimit,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return &ConfigError{Field: EnvPrefix + key, Message: fmt.Sprintf("not a number: %q", v)}
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"MAX_AGE":      &c.MaxAge,
		"HTTP_TIMEOUT": &c.HTTPTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return &ConfigError{Field: EnvPrefix + key, Message: fmt.Sprintf("not a duration: %q", v)}
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks the settings for values the rest of the program cannot use.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return &ConfigError{Field: "listen", Message: "must not be empty"}
	case c.SQLitePath == "" && c.PostgresURL == "":
		return &ConfigError{Field: "sqlite_path", Message: "a SQLite path or Postgres URL is required"}
	case c.Profile != ProfileDesktop && c.Profile != ProfileMobile:
		return &ConfigError{Field: "profile", Message: fmt.Sprintf("unknown profile %q", c.Profile)}
	case c.MaxAge <= 0:
		return &ConfigError{Field: "max_age", Message: "must be positive"}
	case c.MaxRows <= 0:
		return &ConfigError{Field: "max_rows", Message: "must be positive"}
	case c.LoadLimit < 0:
		return &ConfigError{Field: "load_limit", Message: "must not be negative"}
	case c.HTTPTimeout <= 0:
		return &ConfigError{Field: "http_timeout", Message: "must be positive"}
	}
	a := c.Account
	if (a.Username != "" || a.APIRoot != "") && (a.Username == "" || a.APIRoot == "") {
		return &ConfigError{Field: "account", Message: "username and apiroot go together"}
	}
	return nil
}

// TimelineOptions returns the timeline tuning for the configured profile.
// An explicit load limit wins over the profile's.
func (c *Config) TimelineOptions() timeline.Options {
	opts := timeline.Options{
		MaxAge:    c.MaxAge,
		MaxRows:   c.MaxRows,
		LoadLimit: c.LoadLimit,
	}
	if c.Profile == ProfileMobile {
		opts.BackgroundParse = true
		if opts.LoadLimit == 0 {
			opts.LoadLimit = timeline.MobileLoadLimit
		}
	}
	return opts
}

// BootstrapAccount returns the configured account, if any.
func (c *Config) BootstrapAccount() (*model.Account, bool) {
	if c.Account.Username == "" {
		return nil, false
	}
	return &model.Account{
		Username: c.Account.Username,
		Password: c.Account.Password,
		APIRoot:  c.Account.APIRoot,
	}, true
}
