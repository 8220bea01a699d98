package repository

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
)

// ConfigRepository per-device subsystem configuration documents
type ConfigRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConfigRepository creates the config repository
func NewConfigRepository(db *sql.DB, logger *zap.Logger) *ConfigRepository {
	return &ConfigRepository{
		db:     db,
		logger: logger,
	}
}

// GetBrokerConfig returns the device's broker configuration, or (nil, nil)
// when the device has none. A device without one stays unscheduled.
func (r *ConfigRepository) GetBrokerConfig(deviceUUID string) (*models.BrokerConfig, error) {
	query := `
		SELECT device_uuid, broker_ip, broker_port, broker_user, broker_pass, data_interval, mqtt_topic
		FROM mqtt_configs
		WHERE device_uuid = $1
		LIMIT 1
	`

	cfg := &models.BrokerConfig{}
	err := r.db.QueryRow(query, deviceUUID).Scan(
		&cfg.DeviceUUID,
		&cfg.BrokerIP,
		&cfg.BrokerPort,
		&cfg.BrokerUser,
		&cfg.BrokerPass,
		&cfg.DataInterval,
		&cfg.MQTTTopic,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query broker config: %w", err)
	}

	return cfg, nil
}

// UpsertBrokerConfig creates or replaces the device's broker configuration
func (r *ConfigRepository) UpsertBrokerConfig(cfg *models.BrokerConfig) error {
	query := `
		INSERT INTO mqtt_configs (device_uuid, broker_ip, broker_port, broker_user, broker_pass, data_interval, mqtt_topic, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (device_uuid) DO UPDATE SET
			broker_ip = EXCLUDED.broker_ip,
			broker_port = EXCLUDED.broker_port,
			broker_user = EXCLUDED.broker_user,
			broker_pass = EXCLUDED.broker_pass,
			data_interval = EXCLUDED.data_interval,
			mqtt_topic = EXCLUDED.mqtt_topic,
			updated_at = NOW()
	`

	_, err := r.db.Exec(query,
		cfg.DeviceUUID, cfg.BrokerIP, cfg.BrokerPort,
		cfg.BrokerUser, cfg.BrokerPass, cfg.DataInterval, cfg.MQTTTopic,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert broker config: %w", err)
	}

	return nil
}

// UpsertTimeSyncConfig creates or replaces the device's NTP configuration
func (r *ConfigRepository) UpsertTimeSyncConfig(cfg *models.TimeSyncConfig, dataJSON []byte) error {
	query := `
		INSERT INTO ntp_configs (device_uuid, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (device_uuid) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW()
	`

	if _, err := r.db.Exec(query, cfg.DeviceUUID, dataJSON); err != nil {
		return fmt.Errorf("failed to upsert timesync config: %w", err)
	}

	return nil
}

// UpsertFileTransferConfig creates or replaces the device's SFTP configuration
func (r *ConfigRepository) UpsertFileTransferConfig(cfg *models.FileTransferConfig) error {
	query := `
		INSERT INTO sftp_configs (device_uuid, server_ip, server_port, username, password, data_interval, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (device_uuid) DO UPDATE SET
			server_ip = EXCLUDED.server_ip,
			server_port = EXCLUDED.server_port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			data_interval = EXCLUDED.data_interval,
			updated_at = NOW()
	`

	_, err := r.db.Exec(query,
		cfg.DeviceUUID, cfg.ServerIP, cfg.ServerPort,
		cfg.Username, cfg.Password, cfg.DataInterval,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert filetransfer config: %w", err)
	}

	return nil
}

// UpsertReported merges a device's configuration acknowledgement for one
// subsystem, keeping the raw payload and the acknowledgement time
func (r *ConfigRepository) UpsertReported(deviceUUID, subsystem string, reported []byte, at time.Time) error {
	query := `
		INSERT INTO device_reported_configs (device_uuid, subsystem, reported, reported_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_uuid, subsystem) DO UPDATE SET
			reported = EXCLUDED.reported,
			reported_at = EXCLUDED.reported_at
	`

	if _, err := r.db.Exec(query, deviceUUID, subsystem, reported, at); err != nil {
		return fmt.Errorf("failed to upsert reported config: %w", err)
	}

	return nil
}

// GetReported returns the last acknowledged configuration for one subsystem
func (r *ConfigRepository) GetReported(deviceUUID, subsystem string) (*models.ReportedConfig, error) {
	query := `
		SELECT device_uuid, subsystem, reported, reported_at
		FROM device_reported_configs
		WHERE device_uuid = $1 AND subsystem = $2
		LIMIT 1
	`

	cfg := &models.ReportedConfig{}
	err := r.db.QueryRow(query, deviceUUID, subsystem).Scan(
		&cfg.DeviceUUID, &cfg.Subsystem, &cfg.Reported, &cfg.ReportedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query reported config: %w", err)
	}

	return cfg, nil
}
