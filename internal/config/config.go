// Package config loads the relay configuration from YAML, environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/manash/imgrelay/internal/cooldown"
	"github.com/manash/imgrelay/internal/logging"
	"github.com/manash/imgrelay/internal/poller"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/internal/provider/catalog"
	"github.com/manash/imgrelay/internal/provider/tongyi"
	"github.com/manash/imgrelay/internal/security"
	"github.com/manash/imgrelay/internal/session"
	"github.com/manash/imgrelay/pkg/models"
)

const EnvPrefix = "IMGRELAY"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	DefaultWidth  int                        `mapstructure:"default_width" yaml:"default_width"`
	DefaultHeight int                        `mapstructure:"default_height" yaml:"default_height"`
	OutputDir     string                     `mapstructure:"output_dir" yaml:"output_dir"`
	Providers     map[string]provider.Config `mapstructure:"providers" yaml:"providers"`
	Cooldown      CooldownConfig             `mapstructure:"cooldown" yaml:"cooldown"`
	Edit          EditConfig                 `mapstructure:"edit" yaml:"edit"`
	Poll          PollConfig                 `mapstructure:"poll" yaml:"poll"`
	Fetch         security.URLPolicy         `mapstructure:"fetch" yaml:"fetch"`
	Server        ServerConfig               `mapstructure:"server" yaml:"server"`
	History       HistoryConfig              `mapstructure:"history" yaml:"history"`
	Log           logging.Config             `mapstructure:"log" yaml:"log"`
}

type CooldownConfig struct {
	cooldown.Config `mapstructure:",squash" yaml:",inline"`
	Store           string               `mapstructure:"store" yaml:"store"`
	PruneEvery      int                  `mapstructure:"prune_every" yaml:"prune_every"`
	Redis           cooldown.RedisConfig `mapstructure:"redis" yaml:"redis"`
	Enforce         EnforceConfig        `mapstructure:"enforce" yaml:"enforce"`
}

// EnforceConfig selects which entry points are subject to the cooldown.
type EnforceConfig struct {
	Generate bool `mapstructure:"generate" yaml:"generate"`
	Provider bool `mapstructure:"provider" yaml:"provider"`
	Edit     bool `mapstructure:"edit" yaml:"edit"`
}

type EditConfig struct {
	session.Config  `mapstructure:",squash" yaml:",inline"`
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Mode    string `mapstructure:"mode" yaml:"mode"`
	Metrics bool   `mapstructure:"metrics" yaml:"metrics"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

func Default() Config {
	return Config{
		DefaultWidth:  models.DefaultWidth,
		DefaultHeight: models.DefaultHeight,
		OutputDir:     "output",
		Providers:     map[string]provider.Config{},
		Cooldown: CooldownConfig{
			Config: cooldown.Config{Duration: time.Minute},
			Store:  StoreMemory,
			Redis:  cooldown.RedisConfig{Addr: "localhost:6379"},
			Enforce: EnforceConfig{
				Generate: true,
				Provider: true,
				Edit:     true,
			},
		},
		Edit: EditConfig{
			Config:          session.DefaultConfig(),
			Provider:        tongyi.Name,
			JanitorInterval: time.Minute,
		},
		Poll: PollConfig{
			Interval:    poller.DefaultInterval,
			MaxAttempts: poller.DefaultMaxAttempts,
		},
		Server: ServerConfig{
			Addr:    ":8080",
			Mode:    "release",
			Metrics: true,
		},
		History: HistoryConfig{Enabled: true},
		Log:     logging.DefaultConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("default_width", d.DefaultWidth)
	v.SetDefault("default_height", d.DefaultHeight)
	v.SetDefault("output_dir", d.OutputDir)

	v.SetDefault("cooldown.duration", d.Cooldown.Duration)
	v.SetDefault("cooldown.admins", []string{})
	v.SetDefault("cooldown.store", d.Cooldown.Store)
	v.SetDefault("cooldown.prune_every", 0)
	v.SetDefault("cooldown.redis.addr", d.Cooldown.Redis.Addr)
	v.SetDefault("cooldown.redis.password", "")
	v.SetDefault("cooldown.redis.db", 0)
	v.SetDefault("cooldown.redis.prefix", "")
	v.SetDefault("cooldown.enforce.generate", d.Cooldown.Enforce.Generate)
	v.SetDefault("cooldown.enforce.provider", d.Cooldown.Enforce.Provider)
	v.SetDefault("cooldown.enforce.edit", d.Cooldown.Enforce.Edit)

	v.SetDefault("edit.provider", d.Edit.Provider)
	v.SetDefault("edit.timeout", d.Edit.Timeout)
	v.SetDefault("edit.max_images", d.Edit.MaxImages)
	v.SetDefault("edit.finish_keywords", d.Edit.FinishKeywords)
	v.SetDefault("edit.grace", d.Edit.Grace)
	v.SetDefault("edit.janitor_interval", d.Edit.JanitorInterval)

	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.max_attempts", d.Poll.MaxAttempts)

	v.SetDefault("fetch.allow_http", false)
	v.SetDefault("fetch.allow_private", false)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.metrics", d.Server.Metrics)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// bindProviderEnv registers IMGRELAY_PROVIDERS_<NAME>_<FIELD> for every known backend.
func bindProviderEnv(v *viper.Viper) {
	fields := []string{"api_key", "api_secret", "app_id", "access_token", "base_url", "model", "edit_model"}
	for _, name := range catalog.Names() {
		for _, f := range fields {
			v.BindEnv("providers." + name + "." + f)
		}
	}
}

// Load reads path (optional) on top of defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindProviderEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	providers, err := canonicalProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// canonicalProviders rekeys provider blocks by canonical name so aliases work
// in configuration files. Unknown names are kept and rejected by Validate.
// Two blocks naming the same backend are an error.
func canonicalProviders(in map[string]provider.Config) (map[string]provider.Config, error) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(map[string]provider.Config, len(in))
	seen := make(map[string]string, len(in))
	var errs []error
	for _, key := range keys {
		name := key
		if e, ok := catalog.Lookup(key); ok {
			name = e.Name
		}
		if prev, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("providers: %q and %q both configure %s, keep one", prev, key, name))
			continue
		}
		seen[name] = key
		out[name] = in[key]
	}
	return out, errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.DefaultWidth <= 0 || c.DefaultHeight <= 0 {
		errs = append(errs, fmt.Errorf("default_width and default_height must be positive"))
	}
	for name := range c.Providers {
		if _, ok := catalog.Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(catalog.Names(), ", ")))
		}
	}
	switch c.Cooldown.Store {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("cooldown.store must be %q or %q, got %q", StoreMemory, StoreRedis, c.Cooldown.Store))
	}
	if c.Cooldown.Store == StoreRedis && c.Cooldown.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("cooldown.redis.addr is required for the redis store"))
	}
	if _, ok := catalog.Lookup(c.Edit.Provider); !ok {
		errs = append(errs, fmt.Errorf("edit.provider: unknown provider %q", c.Edit.Provider))
	}
	if c.Edit.MaxImages > models.MaxEditImages {
		errs = append(errs, fmt.Errorf("edit.max_images cannot exceed %d", models.MaxEditImages))
	}
	if c.Poll.Interval < 0 || c.Poll.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("poll.interval and poll.max_attempts cannot be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// EditProvider returns the canonical name of the configured edit backend.
func (c *Config) EditProvider() string {
	if e, ok := catalog.Lookup(c.Edit.Provider); ok {
		return e.Name
	}
	return c.Edit.Provider
}
