// Package config loads the messaging client and dev server configuration
// from a YAML file, a .env file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/voltwork/messaging/internal/logging"
)

type Config struct {
	Realtime      RealtimeConfig
	API           APIConfig `mapstructure:"api"`
	Auth          AuthConfig
	Notifications NotificationsConfig
	Metrics       MetricsConfig
	DevServer     DevServerConfig `mapstructure:"devserver"`
	Log           logging.Config
}

type RealtimeConfig struct {
	URL               string
	Transports        []string
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	GraceWindow       time.Duration `mapstructure:"grace_window"`
	GraceAttempts     int           `mapstructure:"grace_attempts"`
	NATSURL           string        `mapstructure:"nats_url"`
}

type APIConfig struct {
	URL     string
	Timeout time.Duration
}

type AuthConfig struct {
	TokenFile string `mapstructure:"token_file"`
}

type NotificationsConfig struct {
	Store               string // memory | redis
	RedisAddress        string        `mapstructure:"redis_address"`
	RedisDB             int           `mapstructure:"redis_db"`
	MaxRecords          int           `mapstructure:"max_records"`
	LaunchDelay         time.Duration `mapstructure:"launch_delay"`
	RegistrationRetries int           `mapstructure:"registration_retries"`
}

type MetricsConfig struct {
	Address string
}

type DevServerConfig struct {
	Address           string
	JWTSecret         string        `mapstructure:"jwt_secret"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
}

// Load reads ./config/config.yaml (optional), .env (optional) and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	setDefaults(v)

	v.BindEnv("realtime.url", "REALTIME_URL")
	v.BindEnv("realtime.nats_url", "NATS_URL")
	v.BindEnv("api.url", "API_URL")
	v.BindEnv("auth.token_file", "AUTH_TOKEN_FILE")
	v.BindEnv("notifications.store", "NOTIFICATIONS_STORE")
	v.BindEnv("notifications.redis_address", "REDIS_ADDRESS")
	v.BindEnv("metrics.address", "METRICS_ADDRESS")
	v.BindEnv("devserver.address", "DEVSERVER_ADDRESS")
	v.BindEnv("devserver.jwt_secret", "JWT_SECRET")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Realtime.ReconnectDelay = parseDuration(v, "realtime.reconnect_delay", 2*time.Second)
	cfg.Realtime.ConnectTimeout = parseDuration(v, "realtime.connect_timeout", 5*time.Second)
	cfg.Realtime.GraceWindow = parseDuration(v, "realtime.grace_window", 15*time.Second)
	cfg.API.Timeout = parseDuration(v, "api.timeout", 15*time.Second)
	cfg.Notifications.LaunchDelay = parseDuration(v, "notifications.launch_delay", time.Second)
	cfg.DevServer.HeartbeatInterval = parseDuration(v, "devserver.heartbeat_interval", 30*time.Second)
	cfg.DevServer.PollTimeout = parseDuration(v, "devserver.poll_timeout", 25*time.Second)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("realtime.url", "http://localhost:8090")
	v.SetDefault("realtime.transports", []string{"polling", "websocket"})
	v.SetDefault("realtime.reconnect_attempts", 5)
	v.SetDefault("realtime.reconnect_delay", "2s")
	v.SetDefault("realtime.connect_timeout", "5s")
	v.SetDefault("realtime.grace_window", "15s")
	v.SetDefault("realtime.grace_attempts", 3)
	v.SetDefault("realtime.nats_url", "nats://localhost:4222")
	v.SetDefault("api.url", "http://localhost:8090")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("notifications.store", "memory")
	v.SetDefault("notifications.redis_address", "localhost:6379")
	v.SetDefault("notifications.redis_db", 0)
	v.SetDefault("notifications.max_records", 200)
	v.SetDefault("notifications.launch_delay", "1s")
	v.SetDefault("notifications.registration_retries", 2)
	v.SetDefault("metrics.address", "")
	v.SetDefault("devserver.address", ":8090")
	v.SetDefault("devserver.jwt_secret", "voltwork-dev-secret")
	v.SetDefault("devserver.heartbeat_interval", "30s")
	v.SetDefault("devserver.poll_timeout", "25s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}
