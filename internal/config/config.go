// Package config loads service configuration from a yaml file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"COLLAB_SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"COLLAB_SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"COLLAB_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"COLLAB_SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"COLLAB_SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL configuration for the durable session store
type PostgresConfig struct {
	Host     string `yaml:"host" env:"COLLAB_POSTGRES_HOST"`
	Port     string `yaml:"port" env:"COLLAB_POSTGRES_PORT"`
	User     string `yaml:"user" env:"COLLAB_POSTGRES_USER"`
	Password string `yaml:"password" env:"COLLAB_POSTGRES_PASSWORD"`
	Database string `yaml:"database" env:"COLLAB_POSTGRES_DATABASE"`
	SSLMode  string `yaml:"sslmode" env:"COLLAB_POSTGRES_SSL_MODE"`
}

// DSN builds the postgres connection string
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration for rate limit counters
type RedisConfig struct {
	Host     string `yaml:"host" env:"COLLAB_REDIS_HOST"`
	Port     string `yaml:"port" env:"COLLAB_REDIS_PORT"`
	Password string `yaml:"password" env:"COLLAB_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"COLLAB_REDIS_DB"`
}

// Addr returns the host:port address for the redis client
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// AuthConfig holds token verification configuration
type AuthConfig struct {
	JWTSigningKey string        `yaml:"jwt_signing_key" env:"COLLAB_JWT_SIGNING_KEY"`
	TokenLeeway   time.Duration `yaml:"token_leeway" env:"COLLAB_TOKEN_LEEWAY"`
}

// WebSocketConfig holds collaboration engine limits and timeouts
type WebSocketConfig struct {
	MaxMessageBytes       int64         `yaml:"max_message_bytes" env:"COLLAB_WS_MAX_MESSAGE_BYTES"`
	MessagesPerMinute     int           `yaml:"messages_per_minute" env:"COLLAB_WS_MESSAGES_PER_MINUTE"`
	MaxConnectionsPerUser int           `yaml:"max_connections_per_user" env:"COLLAB_WS_MAX_CONNECTIONS_PER_USER"`
	SessionTimeout        time.Duration `yaml:"session_timeout" env:"COLLAB_WS_SESSION_TIMEOUT"`
	SweepInterval         time.Duration `yaml:"sweep_interval" env:"COLLAB_WS_SWEEP_INTERVAL"`
	LeaveGracePeriod      time.Duration `yaml:"leave_grace_period" env:"COLLAB_WS_LEAVE_GRACE_PERIOD"`
	ConflictRetention     time.Duration `yaml:"conflict_retention" env:"COLLAB_WS_CONFLICT_RETENTION"`
	IdleAfter             time.Duration `yaml:"idle_after" env:"COLLAB_WS_IDLE_AFTER"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"COLLAB_LOG_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"COLLAB_LOG_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"COLLAB_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"COLLAB_LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"COLLAB_LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"COLLAB_LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"COLLAB_LOG_CONSOLE"`
	// LogWebSocketMessages enables debug logging of full websocket envelopes.
	LogWebSocketMessages bool `yaml:"log_websocket_messages" env:"COLLAB_LOG_WS_MESSAGES"`
}

// Default returns the configuration defaults applied before file and env
// overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "collab",
			Database: "collab",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Auth: AuthConfig{
			TokenLeeway: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			MaxMessageBytes:       64 * 1024,
			MessagesPerMinute:     60,
			MaxConnectionsPerUser: 5,
			SessionTimeout:        30 * time.Minute,
			SweepInterval:         30 * time.Second,
			LeaveGracePeriod:      30 * time.Second,
			ConflictRetention:     10 * time.Minute,
			IdleAfter:             5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:            "info",
			LogDir:           "logs",
			AlsoLogToConsole: true,
		},
	}
}

// Load reads configuration from the given yaml file (optional) and applies
// environment variable overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(cfg).Elem())
}

// overrideStructWithEnv recursively overrides struct fields tagged with `env`
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

func setFieldFromString(field reflect.Value, value string) error {
	// time.Duration is an int64 underneath but parses as "30s"
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
