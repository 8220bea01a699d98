package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN builds the lib/pq connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig broker connection settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config msm-backend service configuration
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// Fleet topic settings
	Fleet struct {
		TopicPrefix     string // e.g. "msm" -> msm/{device_uuid}/{type}
		ShadowTopicRoot string // e.g. "$aws" -> $aws/things/{device_uuid}/shadow/update
		PresenceRoot    string // e.g. "$aws/events/presence"
	}

	// Protocol aggregation defaults
	Protocol struct {
		DefaultLimit    int           // records per (channel, phase) group
		DefaultTimezone string        // IANA zone for trailing windows
		DefaultRange    time.Duration // trailing window size
		AverageWindow   time.Duration // instantaneous-average window
		CacheTTL        time.Duration // snapshot cache TTL
	}

	// Simulation scheduler settings
	Scheduler struct {
		Enabled  bool
		Channels int // simulated channels per device
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "msm")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "msm-backend")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Fleet.TopicPrefix = getEnv("FLEET_TOPIC_PREFIX", "msm")
	cfg.Fleet.ShadowTopicRoot = getEnv("FLEET_SHADOW_ROOT", "$aws")
	cfg.Fleet.PresenceRoot = getEnv("FLEET_PRESENCE_ROOT", "$aws/events/presence")

	cfg.Protocol.DefaultLimit = getEnvInt("PROTOCOL_DEFAULT_LIMIT", 10)
	cfg.Protocol.DefaultTimezone = getEnv("PROTOCOL_DEFAULT_TIMEZONE", "Africa/Cairo")
	cfg.Protocol.DefaultRange = getEnvDuration("PROTOCOL_DEFAULT_RANGE", 2*time.Hour)
	cfg.Protocol.AverageWindow = getEnvDuration("PROTOCOL_AVG_WINDOW", 30*time.Minute)
	cfg.Protocol.CacheTTL = getEnvDuration("PROTOCOL_CACHE_TTL", 5*time.Second)

	cfg.Scheduler.Enabled = getEnv("SCHEDULER_ENABLED", "true") == "true"
	cfg.Scheduler.Channels = getEnvInt("SCHEDULER_CHANNELS", 3)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":5000")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
