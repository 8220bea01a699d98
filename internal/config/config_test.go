package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Database.Host != "localhost" {
		t.Errorf("Expected DB_HOST default 'localhost', got '%s'", cfg.Database.Host)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("Expected DB_PORT default 5432, got %d", cfg.Database.Port)
	}

	if cfg.Database.Database != "msm" {
		t.Errorf("Expected DB_NAME default 'msm', got '%s'", cfg.Database.Database)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR default 'localhost:6379', got '%s'", cfg.Redis.Addr)
	}

	if cfg.MQTT.ClientID != "msm-backend" {
		t.Errorf("Expected MQTT_CLIENT_ID default 'msm-backend', got '%s'", cfg.MQTT.ClientID)
	}

	if cfg.Fleet.TopicPrefix != "msm" {
		t.Errorf("Expected FLEET_TOPIC_PREFIX default 'msm', got '%s'", cfg.Fleet.TopicPrefix)
	}

	if cfg.Protocol.DefaultLimit != 10 {
		t.Errorf("Expected PROTOCOL_DEFAULT_LIMIT default 10, got %d", cfg.Protocol.DefaultLimit)
	}

	if cfg.Protocol.DefaultTimezone != "Africa/Cairo" {
		t.Errorf("Expected PROTOCOL_DEFAULT_TIMEZONE default 'Africa/Cairo', got '%s'", cfg.Protocol.DefaultTimezone)
	}

	if cfg.Protocol.DefaultRange != 2*time.Hour {
		t.Errorf("Expected PROTOCOL_DEFAULT_RANGE default 2h, got %v", cfg.Protocol.DefaultRange)
	}

	if !cfg.Scheduler.Enabled {
		t.Errorf("Expected SCHEDULER_ENABLED default true")
	}

	if cfg.Scheduler.Channels != 3 {
		t.Errorf("Expected SCHEDULER_CHANNELS default 3, got %d", cfg.Scheduler.Channels)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("MQTT_BROKER", "tcp://broker:1883")
	os.Setenv("FLEET_TOPIC_PREFIX", "fleet")
	os.Setenv("PROTOCOL_DEFAULT_RANGE", "4h")
	os.Setenv("SCHEDULER_ENABLED", "false")
	os.Setenv("LOG_LEVEL", "debug")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Database.Host != "test-host" {
		t.Errorf("Expected DB_HOST 'test-host', got '%s'", cfg.Database.Host)
	}

	if cfg.Database.Database != "test-db" {
		t.Errorf("Expected DB_NAME 'test-db', got '%s'", cfg.Database.Database)
	}

	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("Expected MQTT_BROKER 'tcp://broker:1883', got '%s'", cfg.MQTT.Broker)
	}

	if cfg.Fleet.TopicPrefix != "fleet" {
		t.Errorf("Expected FLEET_TOPIC_PREFIX 'fleet', got '%s'", cfg.Fleet.TopicPrefix)
	}

	if cfg.Protocol.DefaultRange != 4*time.Hour {
		t.Errorf("Expected PROTOCOL_DEFAULT_RANGE 4h, got %v", cfg.Protocol.DefaultRange)
	}

	if cfg.Scheduler.Enabled {
		t.Errorf("Expected SCHEDULER_ENABLED false")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected LOG_LEVEL 'debug', got '%s'", cfg.Log.Level)
	}
}

func TestGetDSN(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "db",
		Port:     5433,
		User:     "msm",
		Password: "secret",
		Database: "telemetry",
		SSLMode:  "require",
	}

	expected := "host=db port=5433 user=msm password=secret dbname=telemetry sslmode=require"
	if dsn := cfg.GetDSN(); dsn != expected {
		t.Errorf("Expected DSN '%s', got '%s'", expected, dsn)
	}
}
