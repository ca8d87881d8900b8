// Package config reads the service configuration from an optional YAML file,
// MM_ environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yourname/matchmaker-engine/internal/auth"
	"github.com/yourname/matchmaker-engine/internal/match"
	"github.com/yourname/matchmaker-engine/internal/session"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "config",
})

const EnvPrefix = "MM"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	HTTP    HTTPConfig
	Redis   RedisConfig
	Logging LoggingConfig
	Matcher match.MatcherConfig
	Session session.Config
	Auth    auth.Config
	Rating  RatingConfig
	Fleet   FleetConfig
}

type HTTPConfig struct {
	Addr string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type LoggingConfig struct {
	Format string
	Level  string
	Source bool
}

type RatingConfig struct {
	Default int
}

type FleetConfig struct {
	SyncInterval time.Duration
	AdminToken   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.source", false)

	m := match.DefaultMatcherConfig()
	v.SetDefault("matcher.acceptance_threshold", m.AcceptanceThreshold)
	v.SetDefault("matcher.wait_bonus_rate", m.WaitBonusRate)
	v.SetDefault("matcher.max_wait_bonus", m.MaxWaitBonus)

	s := session.DefaultConfig()
	v.SetDefault("session.resolve_interval", s.ResolveInterval)
	v.SetDefault("session.auth_timeout", s.AuthTimeout)
	v.SetDefault("session.cancel_policy", string(s.CancelPolicy))
	v.SetDefault("session.modes", s.Modes)

	v.SetDefault("auth.provider", "dummy")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("rating.default", 1000)
	v.SetDefault("fleet.sync_interval", 5*time.Second)
	v.SetDefault("fleet.admin_token", "")
}

// Flags returns the command line flags Load understands.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("http-addr", "", "HTTP listen address (http.addr)")
	fs.String("redis-addr", "", "Redis address (redis.addr)")
	fs.String("log-level", "", "log level (logging.level)")
	fs.Bool("no-redis", false, "run without Redis (redis.enabled=false)")
	return fs
}

// Load parses args with fs and resolves the configuration. Precedence is
// flag, environment, file, default.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"http.addr":     "http-addr",
		"redis.addr":    "redis-addr",
		"logging.level": "log-level",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	if f := fs.Lookup("no-redis"); f != nil && f.Changed && f.Value.String() == "true" {
		v.Set("redis.enabled", false)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		logger.WithField("file", v.ConfigFileUsed()).Debug("config file loaded")
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	policy, err := session.ParseCancelPolicy(v.GetString("session.cancel_policy"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg := &Config{
		HTTP: HTTPConfig{Addr: v.GetString("http.addr")},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Logging: LoggingConfig{
			Format: v.GetString("logging.format"),
			Level:  v.GetString("logging.level"),
			Source: v.GetBool("logging.source"),
		},
		Matcher: match.MatcherConfig{
			AcceptanceThreshold: v.GetFloat64("matcher.acceptance_threshold"),
			WaitBonusRate:       v.GetFloat64("matcher.wait_bonus_rate"),
			MaxWaitBonus:        v.GetFloat64("matcher.max_wait_bonus"),
		},
		Session: session.Config{
			Modes:           v.GetStringSlice("session.modes"),
			ResolveInterval: v.GetDuration("session.resolve_interval"),
			AuthTimeout:     v.GetDuration("session.auth_timeout"),
			CancelPolicy:    policy,
		},
		Auth: auth.Config{
			Provider:  v.GetString("auth.provider"),
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
		},
		Rating: RatingConfig{Default: v.GetInt("rating.default")},
		Fleet: FleetConfig{
			SyncInterval: v.GetDuration("fleet.sync_interval"),
			AdminToken:   v.GetString("fleet.admin_token"),
		},
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.HTTP.Addr == "":
		return fmt.Errorf("%w: http.addr is empty", ErrInvalid)
	case c.Session.ResolveInterval <= 0:
		return fmt.Errorf("%w: session.resolve_interval must be positive", ErrInvalid)
	case c.Session.AuthTimeout < 0:
		return fmt.Errorf("%w: session.auth_timeout is negative", ErrInvalid)
	case len(c.Session.Modes) == 0:
		return fmt.Errorf("%w: session.modes is empty", ErrInvalid)
	case c.Matcher.AcceptanceThreshold < 0 || c.Matcher.WaitBonusRate < 0 || c.Matcher.MaxWaitBonus < 0:
		return fmt.Errorf("%w: matcher values must not be negative", ErrInvalid)
	case c.Redis.Enabled && c.Fleet.SyncInterval <= 0:
		return fmt.Errorf("%w: fleet.sync_interval must be positive", ErrInvalid)
	}
	return nil
}
