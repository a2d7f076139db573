// Package config loads service configuration from defaults, an optional
// config file and ARBITER_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ARBITER_SITE_MAX_LIKES_PER_DAY.
const EnvPrefix = "ARBITER"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Site     SiteSettings   `mapstructure:"site"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	Moderation ModerationConfig `mapstructure:"moderation"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	PublicURL string `mapstructure:"public_url"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig selects the shared backends. An empty URL runs everything
// in process.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type JobsConfig struct {
	Path         string        `mapstructure:"path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ModerationConfig points at an optional JSON file overriding the
// permissions of the admin and moderator roles.
type ModerationConfig struct {
	RolesPath string `mapstructure:"roles_path"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// SiteSettings are the moderation and quota knobs.
type SiteSettings struct {
	MaxLikesPerDay     int `mapstructure:"max_likes_per_day"`
	MaxFlagsPerDay     int `mapstructure:"max_flags_per_day"`
	MaxBookmarksPerDay int `mapstructure:"max_bookmarks_per_day"`
	ActionsPerMinute   int `mapstructure:"actions_per_minute"`

	TL2LikesMultiplier float64 `mapstructure:"tl2_likes_multiplier"`
	TL3LikesMultiplier float64 `mapstructure:"tl3_likes_multiplier"`
	TL4LikesMultiplier float64 `mapstructure:"tl4_likes_multiplier"`

	FlagsRequiredToHidePost int           `mapstructure:"flags_required_to_hide_post"`
	HiddenPostNotifyDelay   time.Duration `mapstructure:"hidden_post_notify_delay"`

	NumFlaggersToCloseTopic int `mapstructure:"num_flaggers_to_close_topic"`
	NumFlagsToCloseTopic    int `mapstructure:"num_flags_to_close_topic"`
	NumHoursToCloseTopic    int `mapstructure:"num_hours_to_close_topic"`

	MinFlagsStaffVisibility  int  `mapstructure:"min_flags_staff_visibility"`
	StaffLikeWeight          int  `mapstructure:"staff_like_weight"`
	AutoRespondToFlagActions bool `mapstructure:"auto_respond_to_flag_actions"`

	FlaggedCountTTL  time.Duration `mapstructure:"flagged_count_ttl"`
	PipelineMaxTries int           `mapstructure:"pipeline_max_tries"`
}

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

var defaults = map[string]any{
	"server.addr":       ":18920",
	"server.public_url": "",

	"database.url":            "sqlite://data/arbiter.db",
	"database.max_open_conns": 10,

	"redis.url": "",

	"jobs.path":          "data/jobs.db",
	"jobs.poll_interval": time.Second,

	"site.max_likes_per_day":     50,
	"site.max_flags_per_day":     20,
	"site.max_bookmarks_per_day": 20,
	"site.actions_per_minute":    4,

	"site.tl2_likes_multiplier": 1.5,
	"site.tl3_likes_multiplier": 2.0,
	"site.tl4_likes_multiplier": 3.0,

	"site.flags_required_to_hide_post": 3,
	"site.hidden_post_notify_delay":    5 * time.Second,

	"site.num_flaggers_to_close_topic": 5,
	"site.num_flags_to_close_topic":    12,
	"site.num_hours_to_close_topic":    4,

	"site.min_flags_staff_visibility":   1,
	"site.staff_like_weight":            3,
	"site.auto_respond_to_flag_actions": true,

	"site.flagged_count_ttl":  time.Minute,
	"site.pipeline_max_tries": 3,

	"tracing.enabled":  false,
	"tracing.endpoint": "localhost:4318",

	"moderation.roles_path": "",
}

// Load reads configuration. When path is empty ARBITER_CONFIG is consulted;
// with neither set only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Default returns the built-in configuration, ignoring the environment.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// Defaults are constants; failing here is a programming error.
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that would make the policies misbehave.
func (c *Config) Validate() error {
	s := c.Site
	positive := []struct {
		field string
		val   int
	}{
		{"site.max_likes_per_day", s.MaxLikesPerDay},
		{"site.max_flags_per_day", s.MaxFlagsPerDay},
		{"site.max_bookmarks_per_day", s.MaxBookmarksPerDay},
		{"site.actions_per_minute", s.ActionsPerMinute},
		{"site.flags_required_to_hide_post", s.FlagsRequiredToHidePost},
		{"site.num_flaggers_to_close_topic", s.NumFlaggersToCloseTopic},
		{"site.num_flags_to_close_topic", s.NumFlagsToCloseTopic},
		{"site.num_hours_to_close_topic", s.NumHoursToCloseTopic},
		{"site.pipeline_max_tries", s.PipelineMaxTries},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return &ConfigError{Field: p.field, Message: "must be positive"}
		}
	}
	if s.StaffLikeWeight < 1 {
		return &ConfigError{Field: "site.staff_like_weight", Message: "must be at least 1"}
	}
	if s.MinFlagsStaffVisibility < 1 {
		return &ConfigError{Field: "site.min_flags_staff_visibility", Message: "must be at least 1"}
	}
	if s.FlaggedCountTTL <= 0 {
		return &ConfigError{Field: "site.flagged_count_ttl", Message: "must be positive"}
	}
	if s.HiddenPostNotifyDelay < 0 {
		return &ConfigError{Field: "site.hidden_post_notify_delay", Message: "must not be negative"}
	}
	if c.Database.URL == "" {
		return &ConfigError{Field: "database.url", Message: "is required"}
	}
	return nil
}
