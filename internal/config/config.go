// Package config loads the Embercast server configuration from an optional
// YAML file with EMBERCAST_LIVE_* environment overrides. Precedence is
// env > file > built-in default; command line flags resolved in cmd/server
// sit above all three.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "EMBERCAST_LIVE_"

type Config struct {
	Mode      string          `yaml:"mode"`
	Addr      string          `yaml:"addr"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Redis     RedisConfig     `yaml:"redis"`
	Chat      ChatConfig      `yaml:"chat"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	CORS      CORSConfig      `yaml:"cors"`

	AllowSelfSignup bool `yaml:"allowSelfSignup"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	DataPath string         `yaml:"dataPath"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int           `yaml:"maxConns"`
	MinConns        int           `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
	HealthInterval  time.Duration `yaml:"healthInterval"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout"`
	AppName         string        `yaml:"appName"`
}

type SessionsConfig struct {
	Store         string        `yaml:"store"`
	TTL           time.Duration `yaml:"ttl"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	PurgeInterval time.Duration `yaml:"purgeInterval"`
}

// RedisConfig is the shared connection block used by every Redis-backed
// component: the chat queue, the session store, and the rate limit counters.
type RedisConfig struct {
	Addr       string   `yaml:"addr"`
	Addrs      []string `yaml:"addrs"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	MasterName string   `yaml:"masterName"`
	PoolSize   int      `yaml:"poolSize"`

	TLSCAFile     string `yaml:"tlsCaFile"`
	TLSCertFile   string `yaml:"tlsCertFile"`
	TLSKeyFile    string `yaml:"tlsKeyFile"`
	TLSServerName string `yaml:"tlsServerName"`
	TLSSkipVerify bool   `yaml:"tlsSkipVerify"`
}

// Configured reports whether any Redis endpoint has been provided.
func (c RedisConfig) Configured() bool {
	return strings.TrimSpace(c.Addr) != "" || len(c.Addrs) > 0
}

type ChatConfig struct {
	QueueDriver string `yaml:"queueDriver"`
	Stream      string `yaml:"stream"`

	TokenSecret string        `yaml:"tokenSecret"`
	TokenTTL    time.Duration `yaml:"tokenTTL"`

	SendLimit    int           `yaml:"sendLimit"`
	SendWindow   time.Duration `yaml:"sendWindow"`
	SharedLimits bool          `yaml:"sharedLimits"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ReapInterval      time.Duration `yaml:"reapInterval"`
	StaleAfter        time.Duration `yaml:"staleAfter"`
	ConnectionBuffer  int           `yaml:"connectionBuffer"`
}

type RateLimitConfig struct {
	GlobalRPS   float64       `yaml:"globalRps"`
	GlobalBurst int           `yaml:"globalBurst"`
	LoginLimit  int           `yaml:"loginLimit"`
	LoginWindow time.Duration `yaml:"loginWindow"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Default returns the built-in configuration a bare server starts with.
func Default() Config {
	return Config{
		Mode: "development",
		Addr: ":8080",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver:   "json",
			DataPath: "data/store.json",
		},
		Sessions: SessionsConfig{
			Store:         "memory",
			TTL:           24 * time.Hour,
			PurgeInterval: 15 * time.Minute,
		},
		Chat: ChatConfig{
			QueueDriver: "memory",
			TokenTTL:    4 * time.Hour,
			SendLimit:   10,
			SendWindow:  10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			LoginWindow: time.Minute,
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path when
// non-empty, then environment overrides. Validation is the caller's step so
// command line flags can still override what Load produced.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		decoder := yaml.NewDecoder(strings.NewReader(string(data)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Mode, "MODE")
	setString(&c.Addr, "ADDR")
	setString(&c.TLS.CertFile, "TLS_CERT")
	setString(&c.TLS.KeyFile, "TLS_KEY")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.DataPath, "DATA")
	setString(&c.Storage.Postgres.DSN, "POSTGRES_DSN")
	if c.Storage.Postgres.DSN == "" {
		c.Storage.Postgres.DSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	setInt(&c.Storage.Postgres.MaxConns, "POSTGRES_MAX_CONNS")
	setInt(&c.Storage.Postgres.MinConns, "POSTGRES_MIN_CONNS")
	setDuration(&c.Storage.Postgres.MaxConnLifetime, "POSTGRES_MAX_CONN_LIFETIME")
	setDuration(&c.Storage.Postgres.MaxConnIdleTime, "POSTGRES_MAX_CONN_IDLE")
	setDuration(&c.Storage.Postgres.HealthInterval, "POSTGRES_HEALTH_INTERVAL")
	setDuration(&c.Storage.Postgres.AcquireTimeout, "POSTGRES_ACQUIRE_TIMEOUT")
	setString(&c.Storage.Postgres.AppName, "POSTGRES_APP_NAME")

	setString(&c.Sessions.Store, "SESSION_STORE")
	setDuration(&c.Sessions.TTL, "SESSION_TTL")
	setDuration(&c.Sessions.IdleTimeout, "SESSION_IDLE_TIMEOUT")
	setDuration(&c.Sessions.PurgeInterval, "SESSION_PURGE_INTERVAL")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setStringSlice(&c.Redis.Addrs, "REDIS_ADDRS")
	setString(&c.Redis.Username, "REDIS_USERNAME")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Redis.MasterName, "REDIS_MASTER_NAME")
	setInt(&c.Redis.PoolSize, "REDIS_POOL_SIZE")
	setString(&c.Redis.TLSCAFile, "REDIS_TLS_CA")
	setString(&c.Redis.TLSCertFile, "REDIS_TLS_CERT")
	setString(&c.Redis.TLSKeyFile, "REDIS_TLS_KEY")
	setString(&c.Redis.TLSServerName, "REDIS_TLS_SERVER_NAME")
	setBool(&c.Redis.TLSSkipVerify, "REDIS_TLS_SKIP_VERIFY")

	setString(&c.Chat.QueueDriver, "CHAT_QUEUE_DRIVER")
	setString(&c.Chat.Stream, "CHAT_QUEUE_STREAM")
	setString(&c.Chat.TokenSecret, "CHAT_TOKEN_SECRET")
	setDuration(&c.Chat.TokenTTL, "CHAT_TOKEN_TTL")
	setInt(&c.Chat.SendLimit, "CHAT_SEND_LIMIT")
	setDuration(&c.Chat.SendWindow, "CHAT_SEND_WINDOW")
	setBool(&c.Chat.SharedLimits, "CHAT_SHARED_LIMITS")
	setDuration(&c.Chat.HeartbeatInterval, "CHAT_HEARTBEAT_INTERVAL")
	setDuration(&c.Chat.ReapInterval, "CHAT_REAP_INTERVAL")
	setDuration(&c.Chat.StaleAfter, "CHAT_STALE_AFTER")
	setInt(&c.Chat.ConnectionBuffer, "CHAT_CONNECTION_BUFFER")

	setFloat(&c.RateLimit.GlobalRPS, "RATE_GLOBAL_RPS")
	setInt(&c.RateLimit.GlobalBurst, "RATE_GLOBAL_BURST")
	setInt(&c.RateLimit.LoginLimit, "RATE_LOGIN_LIMIT")
	setDuration(&c.RateLimit.LoginWindow, "RATE_LOGIN_WINDOW")

	setStringSlice(&c.CORS.AllowedOrigins, "CORS_ALLOWED_ORIGINS")
	setBool(&c.AllowSelfSignup, "ALLOW_SELF_SIGNUP")
}

// Validate rejects configurations that cannot produce a working server.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case "", "development", "production":
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "json":
		if strings.TrimSpace(c.Storage.DataPath) == "" {
			return fmt.Errorf("json storage requires a data path")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return fmt.Errorf("postgres storage requires a DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if c.IsProduction() {
		if strings.ToLower(strings.TrimSpace(c.Storage.Driver)) != "postgres" {
			return fmt.Errorf("production mode requires the postgres storage driver")
		}
		if strings.TrimSpace(c.Chat.TokenSecret) == "" {
			return fmt.Errorf("production mode requires a chat token secret")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Sessions.Store)) {
	case "", "memory":
	case "redis":
		if !c.Redis.Configured() {
			return fmt.Errorf("redis session store requires a redis address")
		}
	default:
		return fmt.Errorf("unsupported session store %q", c.Sessions.Store)
	}

	switch strings.ToLower(strings.TrimSpace(c.Chat.QueueDriver)) {
	case "", "memory":
	case "redis":
		if !c.Redis.Configured() {
			return fmt.Errorf("redis chat queue requires a redis address")
		}
	default:
		return fmt.Errorf("unsupported chat queue driver %q", c.Chat.QueueDriver)
	}

	if c.Chat.SharedLimits && !c.Redis.Configured() {
		return fmt.Errorf("shared rate limits require a redis address")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c Config) IsProduction() bool {
	return strings.ToLower(strings.TrimSpace(c.Mode)) == "production"
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

func setString(dst *string, key string) {
	if value, ok := lookup(key); ok {
		*dst = value
	}
}

func setStringSlice(dst *[]string, key string) {
	value, ok := lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if value, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			*dst = parsed
		}
	}
}
