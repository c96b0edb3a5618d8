// Package config loads the gateway configuration from defaults, an optional YAML file, ORDERS_MCP_
// environment variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ORDERS_MCP_HTTP_ADDR for http.addr.
const EnvPrefix = "ORDERS_MCP"

// Transports accepted by the transport key.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config is the complete gateway configuration.
type Config struct {
	Transport string         `mapstructure:"transport"`
	Log       LogConfig      `mapstructure:"log"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	Session   SessionConfig  `mapstructure:"session"`
	Gateway   GatewayConfig  `mapstructure:"gateway"`
	Orders    OrdersConfig   `mapstructure:"orders"`
	Database  DatabaseConfig `mapstructure:"database"`
	Auth      AuthConfig     `mapstructure:"auth"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr        string `mapstructure:"addr"`
	MCPPath     string `mapstructure:"mcp_path"`
	SSEPath     string `mapstructure:"sse_path"`
	MessagePath string `mapstructure:"message_path"`
	// RateLimit is the number of requests per minute accepted from one client IP. Zero disables it.
	RateLimit       int           `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SessionConfig struct {
	EventLogCapacity int `mapstructure:"event_log_capacity"`
	// RedisAddr switches the event log to Redis when set.
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
	EventTTL    time.Duration `mapstructure:"event_ttl"`
	// IdleTimeout ends stateful HTTP sessions nobody used for that long. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type GatewayConfig struct {
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
	// PingInterval of zero or less disables server keep-alive pings.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

type OrdersConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite. Empty disables describe_schema and run_query.
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	MaxRows          int           `mapstructure:"max_rows"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

type AuthConfig struct {
	// DefaultToken is used for tool calls that carry no bearer token, as on stdio.
	DefaultToken string `mapstructure:"default_token"`
}

// New returns a viper instance with every default registered and environment lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportStdio)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.mcp_path", "/mcp")
	v.SetDefault("http.sse_path", "/sse")
	v.SetDefault("http.message_path", "/message")
	v.SetDefault("http.rate_limit", 300)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.event_log_capacity", 100)
	v.SetDefault("session.redis_addr", "")
	v.SetDefault("session.redis_prefix", "orders-mcp:events:")
	v.SetDefault("session.event_ttl", time.Hour)
	v.SetDefault("session.idle_timeout", 30*time.Minute)

	v.SetDefault("gateway.tool_timeout", 30*time.Second)
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.send_timeout", 30*time.Second)

	v.SetDefault("orders.endpoint", "")
	v.SetDefault("orders.api_key", "")
	v.SetDefault("orders.timeout", 10*time.Second)
	v.SetDefault("orders.max_attempts", 3)
	v.SetDefault("orders.base_backoff", 200*time.Millisecond)
	v.SetDefault("orders.max_backoff", 2*time.Second)
	v.SetDefault("orders.rate_limit", 10.0)
	v.SetDefault("orders.rate_burst", 20)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_rows", 1000)
	v.SetDefault("database.jwt_secret", "")
	v.SetDefault("database.statement_timeout", 5*time.Second)

	v.SetDefault("auth.default_token", "")
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"transport":       "transport",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"http-addr":       "http.addr",
	"orders-endpoint": "orders.endpoint",
	"database-driver": "database.driver",
	"database-dsn":    "database.dsn",
}

// BindFlags binds every flag of flags that names a configuration key. Flags absent from the set
// are skipped.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads file, when set, on top of v and returns the validated configuration.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Errorf("transport must be %s or %s, got %q", TransportStdio, TransportHTTP, c.Transport))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Transport == TransportHTTP {
		if c.HTTP.Addr == "" {
			errs = append(errs, errors.New("http.addr is required"))
		}
		for key, path := range map[string]string{
			"http.mcp_path":     c.HTTP.MCPPath,
			"http.sse_path":     c.HTTP.SSEPath,
			"http.message_path": c.HTTP.MessagePath,
		} {
			if !strings.HasPrefix(path, "/") {
				errs = append(errs, fmt.Errorf("%s must start with /, got %q", key, path))
			}
		}
		if c.HTTP.RateLimit < 0 {
			errs = append(errs, errors.New("http.rate_limit must not be negative"))
		}
	}

	if c.Session.EventLogCapacity <= 0 {
		errs = append(errs, errors.New("session.event_log_capacity must be positive"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}
	if c.Gateway.ToolTimeout <= 0 {
		errs = append(errs, errors.New("gateway.tool_timeout must be positive"))
	}

	if c.Orders.Endpoint == "" {
		errs = append(errs, errors.New("orders.endpoint is required"))
	} else if u, err := url.Parse(c.Orders.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("orders.endpoint must be an http(s) URL, got %q", c.Orders.Endpoint))
	}
	if c.Orders.MaxAttempts < 1 {
		errs = append(errs, errors.New("orders.max_attempts must be at least 1"))
	}

	switch c.Database.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required when database.driver is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

// LogLevel returns the configured slog level.
func (c Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
	return level, nil
}
