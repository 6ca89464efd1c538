// Package config resolves the server's runtime configuration from an
// optional YAML file with environment variable overrides on top. Env
// always wins, so a deployment can ship a base file and tune per pod.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	minTickIntervalMs = 1000
	maxTickIntervalMs = 60000
	minAdminSecretLen = 32
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Game      GameConfig      `yaml:"game"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type StoreConfig struct {
	URL string `yaml:"url"` // redis://...; empty selects the in-memory store
}

type GameConfig struct {
	GameID          string `yaml:"game_id"`
	TickIntervalMs  int    `yaml:"tick_interval_ms"`
	EmulatorSettled int    `yaml:"emulator_settle_ms"`
	SnapshotEvery   int64  `yaml:"snapshot_every"`
}

type RateLimitConfig struct {
	DefaultRPS             int   `yaml:"default_rps"`
	DefaultBurst           int   `yaml:"default_burst"`
	RateLimitBanThreshold  int64 `yaml:"rate_limit_ban_threshold"`
	InvalidReqBanThreshold int64 `yaml:"invalid_req_ban_threshold"`
}

type SecurityConfig struct {
	AdminSecret string `yaml:"admin_secret"`
	TrustProxy  string `yaml:"trust_proxy"` // none | cloudflare | any
}

// Load reads the optional YAML file at path (empty path or a missing file
// is fine), layers env overrides on top, then validates.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8080", LogLevel: "info"},
		Game: GameConfig{
			GameID:         "pokemon-red",
			TickIntervalMs: 10000,
			SnapshotEvery:  100,
		},
		RateLimit: RateLimitConfig{
			DefaultRPS:             20,
			DefaultBurst:           30,
			RateLimitBanThreshold:  50,
			InvalidReqBanThreshold: 20,
		},
		Security: SecurityConfig{TrustProxy: "none"},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.LogLevel, "LOG_LEVEL")
	setString(&cfg.Store.URL, "STORE_URL")
	setString(&cfg.Game.GameID, "GAME_ID")
	setInt(&cfg.Game.TickIntervalMs, "TICK_INTERVAL_MS")
	setInt(&cfg.Game.EmulatorSettled, "EMULATOR_SETTLE_MS")
	setInt64(&cfg.Game.SnapshotEvery, "SNAPSHOT_EVERY")
	setInt(&cfg.RateLimit.DefaultRPS, "RATE_LIMIT_RPS")
	setInt(&cfg.RateLimit.DefaultBurst, "RATE_LIMIT_BURST")
	setInt64(&cfg.RateLimit.RateLimitBanThreshold, "RATE_LIMIT_BAN_THRESHOLD")
	setInt64(&cfg.RateLimit.InvalidReqBanThreshold, "INVALID_REQ_BAN_THRESHOLD")
	setString(&cfg.Security.AdminSecret, "ADMIN_SECRET")
	setString(&cfg.Security.TrustProxy, "TRUST_PROXY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("[Config] Ignoring non-numeric env value", "key", key, "value", v)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		} else {
			slog.Warn("[Config] Ignoring non-numeric env value", "key", key, "value", v)
		}
	}
}

func (c *Config) validate() error {
	if c.Game.TickIntervalMs < minTickIntervalMs || c.Game.TickIntervalMs > maxTickIntervalMs {
		return fmt.Errorf("config: tick interval %dms outside [%d, %d]",
			c.Game.TickIntervalMs, minTickIntervalMs, maxTickIntervalMs)
	}
	if c.Game.GameID == "" {
		return fmt.Errorf("config: game id must not be empty")
	}
	if c.RateLimit.DefaultRPS <= 0 || c.RateLimit.DefaultBurst <= 0 {
		return fmt.Errorf("config: rate limit rps and burst must be positive")
	}
	switch c.Security.TrustProxy {
	case "none", "cloudflare", "any":
	default:
		return fmt.Errorf("config: trust_proxy must be none, cloudflare or any, got %q", c.Security.TrustProxy)
	}

	// A short secret is worse than none. Disable the control plane
	// rather than run it guessable.
	if c.Security.AdminSecret != "" && len(c.Security.AdminSecret) < minAdminSecretLen {
		slog.Warn("[Config] ADMIN_SECRET shorter than 32 chars, admin interface disabled")
		c.Security.AdminSecret = ""
	}
	return nil
}
