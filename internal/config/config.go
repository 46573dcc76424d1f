// Package config loads server settings from an optional file and CHIFFER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	HTTPAddress         string          `mapstructure:"http_address"`
	HealthAddress       string          `mapstructure:"health_address"`
	DatabaseURL         string          `mapstructure:"database_url"`
	LogLevel            string          `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Dev                 bool            `mapstructure:"dev"`
	TLS                 TLSConfig       `mapstructure:"tls"`
	Auth                AuthConfig      `mapstructure:"auth"`
	Retention           RetentionConfig `mapstructure:"retention"`
	Users               UsersConfig     `mapstructure:"users"`
	Session             SessionConfig   `mapstructure:"session"`
	Routing             RoutingConfig   `mapstructure:"routing"`
	Relay               RelayConfig     `mapstructure:"relay"`
}

// TLSConfig enables TLS on both listeners when both files are set.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Enabled reports whether certificates are configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type AuthConfig struct {
	SigningKey       string        `mapstructure:"signing_key"`
	AccessTTL        time.Duration `mapstructure:"access_ttl"`
	RefreshTTL       time.Duration `mapstructure:"refresh_ttl"`
	Leeway           time.Duration `mapstructure:"leeway"`
	LoginWindow      time.Duration `mapstructure:"login_window"`
	LoginMaxFailures int           `mapstructure:"login_max_failures"`
	LoginBlockFor    time.Duration `mapstructure:"login_block_for"`
}

type RetentionConfig struct {
	Days     int    `mapstructure:"days"`
	Schedule string `mapstructure:"schedule"`
}

type UsersConfig struct {
	OnlineWindowMinutes int `mapstructure:"online_window_minutes"`
}

// OnlineWindow converts the minute setting.
func (u UsersConfig) OnlineWindow() time.Duration {
	return time.Duration(u.OnlineWindowMinutes) * time.Minute
}

type SessionConfig struct {
	OutboundQueueDepth     int           `mapstructure:"outbound_queue_depth"`
	OutboundBlockTimeoutMs int           `mapstructure:"outbound_block_timeout_ms"`
	AuthTimeout            time.Duration `mapstructure:"auth_timeout"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout"`
	PingInterval           time.Duration `mapstructure:"ping_interval"`
	MaxFrameBytes          int64         `mapstructure:"max_frame_bytes"`
	FrameRate              float64       `mapstructure:"frame_rate"`
	FrameBurst             int           `mapstructure:"frame_burst"`
}

// OutboundBlockTimeout converts the millisecond setting.
func (s SessionConfig) OutboundBlockTimeout() time.Duration {
	return time.Duration(s.OutboundBlockTimeoutMs) * time.Millisecond
}

type RoutingConfig struct {
	PresenceTopic      string `mapstructure:"presence_topic"`
	UserMessageChannel string `mapstructure:"user_message_channel"`
	UserStatusChannel  string `mapstructure:"user_status_channel"`
}

// Relay kinds.
const (
	RelayLoopback = "loopback"
	RelayNATS     = "nats"
)

type RelayConfig struct {
	Kind          string `mapstructure:"kind"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

var defaults = map[string]any{
	"http_address":                      ":8080",
	"health_address":                    ":8081",
	"database_url":                      "",
	"log_level":                         "info",
	"shutdown_grace_period":             "10s",
	"dev":                               false,
	"tls.cert_file":                     "",
	"tls.key_file":                      "",
	"auth.signing_key":                  "",
	"auth.access_ttl":                   "15m",
	"auth.refresh_ttl":                  "168h",
	"auth.leeway":                       "30s",
	"auth.login_window":                 "15m",
	"auth.login_max_failures":           5,
	"auth.login_block_for":              "15m",
	"retention.days":                    60,
	"retention.schedule":                "0 2 * * *",
	"users.online_window_minutes":       5,
	"session.outbound_queue_depth":      256,
	"session.outbound_block_timeout_ms": 500,
	"session.auth_timeout":              "10s",
	"session.idle_timeout":              "90s",
	"session.ping_interval":             "30s",
	"session.max_frame_bytes":           1 << 20,
	"session.frame_rate":                50,
	"session.frame_burst":               100,
	"routing.presence_topic":            "presence",
	"routing.user_message_channel":      "messages",
	"routing.user_status_channel":       "message-status",
	"relay.kind":                        RelayLoopback,
	"relay.nats_url":                    "nats://127.0.0.1:4222",
	"relay.subject_prefix":              "chiffer.",
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CHIFFER_ and override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHIFFER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTPAddress != "", "http_address is required")
	check(len(c.Auth.SigningKey) >= 32, "auth.signing_key must be at least 32 bytes")
	check(c.Auth.AccessTTL > 0, "auth.access_ttl must be positive")
	check(c.Auth.RefreshTTL > 0, "auth.refresh_ttl must be positive")
	check(c.Auth.Leeway >= 0, "auth.leeway must not be negative")
	check(c.Auth.LoginMaxFailures > 0, "auth.login_max_failures must be positive")
	check(c.Retention.Days > 0, "retention.days must be positive")
	check(gronx.IsValid(c.Retention.Schedule), "retention.schedule %q is not a valid cron expression", c.Retention.Schedule)
	check(c.Users.OnlineWindowMinutes > 0, "users.online_window_minutes must be positive")
	check(c.Session.OutboundQueueDepth > 0, "session.outbound_queue_depth must be positive")
	check(c.Session.OutboundBlockTimeoutMs > 0, "session.outbound_block_timeout_ms must be positive")
	check(c.Session.AuthTimeout > 0, "session.auth_timeout must be positive")
	check(c.Session.IdleTimeout > 0, "session.idle_timeout must be positive")
	check(c.Session.PingInterval > 0 && c.Session.PingInterval < c.Session.IdleTimeout,
		"session.ping_interval must be positive and shorter than session.idle_timeout")
	check(c.Session.MaxFrameBytes > 0, "session.max_frame_bytes must be positive")
	check(c.Session.FrameRate > 0 && c.Session.FrameBurst > 0, "session.frame_rate and session.frame_burst must be positive")
	check(c.Routing.PresenceTopic != "" && c.Routing.UserMessageChannel != "" &&
		c.Routing.UserStatusChannel != "", "routing names must not be empty")
	check(c.TLS.CertFile == "" || c.TLS.KeyFile != "", "tls.key_file is required with tls.cert_file")
	check(c.TLS.KeyFile == "" || c.TLS.CertFile != "", "tls.cert_file is required with tls.key_file")
	switch c.Relay.Kind {
	case RelayLoopback:
	case RelayNATS:
		check(c.Relay.NATSURL != "", "relay.nats_url is required for the nats relay")
	default:
		check(false, "relay.kind %q is not one of %s, %s", c.Relay.Kind, RelayLoopback, RelayNATS)
	}

	return errors.Join(problems...)
}
