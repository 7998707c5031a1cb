package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Redis    RedisConfig    `mapstructure:"redis"`
	DB       DBConfig       `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// SnapshotConfig points at the active-driver roster endpoint.
type SnapshotConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Path    string `mapstructure:"path" validate:"required,startswith=/"`
	Token   string `mapstructure:"token"`
	// Source is "http" or "postgres".
	Source string `mapstructure:"source" validate:"oneof=http postgres"`
}

// StreamConfig describes the position stream connection.
type StreamConfig struct {
	URL               string        `mapstructure:"url" validate:"required,url"`
	Topic             string        `mapstructure:"topic" validate:"required,startswith=/"`
	Host              string        `mapstructure:"host"`
	Login             string        `mapstructure:"login"`
	Passcode          string        `mapstructure:"passcode"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay" validate:"gtefield=ReconnectDelay"`
	Heartbeat         time.Duration `mapstructure:"heartbeat" validate:"gte=0"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
}

type MonitorConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
	PendingTTL      time.Duration `mapstructure:"pending_ttl" validate:"gte=0"`
	PendingMax      int           `mapstructure:"pending_max" validate:"gte=0"`
	// StaleAfter clears positions older than this; 0 disables it.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gte=0"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Key      string `mapstructure:"key" validate:"required_if=Enabled true"`
}

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("snapshot.base_url", "http://localhost:8080")
	v.SetDefault("snapshot.path", "/api/admin/drivers/active")
	v.SetDefault("snapshot.source", "http")
	v.SetDefault("snapshot.token", "")

	v.SetDefault("stream.url", "ws://localhost:8080/ws-ojek/websocket")
	v.SetDefault("stream.topic", "/topic/drivers")
	v.SetDefault("stream.reconnect_delay", 5*time.Second)
	v.SetDefault("stream.max_reconnect_delay", time.Minute)
	v.SetDefault("stream.heartbeat", 10*time.Second)
	v.SetDefault("stream.read_timeout", time.Minute)
	v.SetDefault("stream.handshake_timeout", 10*time.Second)
	v.SetDefault("stream.host", "")
	v.SetDefault("stream.login", "")
	v.SetDefault("stream.passcode", "")

	v.SetDefault("monitor.refresh_interval", 30*time.Second)
	v.SetDefault("monitor.pending_ttl", time.Minute)
	v.SetDefault("monitor.pending_max", 1024)
	v.SetDefault("monitor.stale_after", time.Duration(0))

	v.SetDefault("http.addr", ":8081")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "drivers:online")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads path (or config.yaml in the working directory when path is
// empty), applies FLEET_* environment overrides and validates the result.
// A missing config file is not an error; defaults and the environment are
// enough to run.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// Watch calls onChange with the reloaded configuration every time the config
// file changes. A reload that fails validation is passed as an error and the
// caller keeps its current settings.
func Watch(path string, onChange func(*Config, error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix("fleet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Snapshot.Source == "postgres" && cfg.DB.DBName == "" {
		return fmt.Errorf("invalid config: database.dbname is required for the postgres snapshot source")
	}
	return nil
}
