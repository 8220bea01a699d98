package repository

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
)

// RebootHistoryLimit entries kept per device
const RebootHistoryLimit = 20

// DeviceRepository device records and reboot history
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository creates the device repository
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetByUUID fetches one device
func (r *DeviceRepository) GetByUUID(deviceUUID string) (*models.Device, error) {
	query := `
		SELECT device_uuid, device_imei, device_ip, mqtt_status, sftp_status, connected, last_seen
		FROM devices
		WHERE device_uuid = $1
		LIMIT 1
	`

	device := &models.Device{}
	err := r.db.QueryRow(query, deviceUUID).Scan(
		&device.DeviceUUID,
		&device.DeviceIMEI,
		&device.DeviceIP,
		&device.MQTTStatus,
		&device.SFTPStatus,
		&device.Connected,
		&device.LastSeen,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceUUID)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	return device, nil
}

// ListAll returns every known device
func (r *DeviceRepository) ListAll() ([]models.Device, error) {
	query := `
		SELECT device_uuid, device_imei, device_ip, mqtt_status, sftp_status, connected, last_seen
		FROM devices
		ORDER BY device_uuid ASC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		err := rows.Scan(
			&d.DeviceUUID, &d.DeviceIMEI, &d.DeviceIP,
			&d.MQTTStatus, &d.SFTPStatus, &d.Connected, &d.LastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}

	return devices, nil
}

// UpsertInfo applies a device-info report. Returns true when the device was
// created by this call (used to trigger default dashboard creation).
func (r *DeviceRepository) UpsertInfo(deviceUUID string, imei, ip *string, mqttStatus, sftpStatus bool) (bool, error) {
	query := `
		INSERT INTO devices (device_uuid, device_imei, device_ip, mqtt_status, sftp_status, connected, last_seen)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		ON CONFLICT (device_uuid) DO UPDATE SET
			device_imei = COALESCE(EXCLUDED.device_imei, devices.device_imei),
			device_ip = COALESCE(EXCLUDED.device_ip, devices.device_ip),
			mqtt_status = EXCLUDED.mqtt_status,
			sftp_status = EXCLUDED.sftp_status,
			connected = TRUE,
			last_seen = NOW()
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.QueryRow(query, deviceUUID, imei, ip, mqttStatus, sftpStatus).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert device info: %w", err)
	}

	return inserted, nil
}

// TouchOnline marks a device online and refreshes last_seen, creating the
// record when the device was never seen before
func (r *DeviceRepository) TouchOnline(deviceUUID string) error {
	query := `
		INSERT INTO devices (device_uuid, connected, last_seen)
		VALUES ($1, TRUE, NOW())
		ON CONFLICT (device_uuid) DO UPDATE SET
			connected = TRUE,
			last_seen = NOW()
	`

	if _, err := r.db.Exec(query, deviceUUID); err != nil {
		return fmt.Errorf("failed to mark device online: %w", err)
	}

	return nil
}

// SetConnectivity applies a presence event
func (r *DeviceRepository) SetConnectivity(deviceUUID string, connected bool, remoteAddr *string) error {
	query := `
		INSERT INTO devices (device_uuid, device_ip, connected, last_seen)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (device_uuid) DO UPDATE SET
			device_ip = COALESCE(EXCLUDED.device_ip, devices.device_ip),
			connected = EXCLUDED.connected,
			last_seen = NOW()
	`

	if _, err := r.db.Exec(query, deviceUUID, remoteAddr, connected); err != nil {
		return fmt.Errorf("failed to set device connectivity: %w", err)
	}

	return nil
}

// AppendRebootEvent records one reboot acknowledgement and prunes the
// per-device history to RebootHistoryLimit entries
func (r *DeviceRepository) AppendRebootEvent(ev *models.RebootEvent) error {
	insert := `
		INSERT INTO device_reboot_events (device_uuid, timestamp, status, response)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := r.db.Exec(insert, ev.DeviceUUID, ev.Timestamp, ev.Status, ev.Response); err != nil {
		return fmt.Errorf("failed to insert reboot event: %w", err)
	}

	prune := `
		DELETE FROM device_reboot_events
		WHERE device_uuid = $1
		  AND id NOT IN (
			SELECT id FROM device_reboot_events
			WHERE device_uuid = $1
			ORDER BY id DESC
			LIMIT $2
		  )
	`

	if _, err := r.db.Exec(prune, ev.DeviceUUID, RebootHistoryLimit); err != nil {
		return fmt.Errorf("failed to prune reboot history: %w", err)
	}

	return nil
}

// RebootHistory returns the recorded reboot acknowledgements, newest first
func (r *DeviceRepository) RebootHistory(deviceUUID string) ([]models.RebootEvent, error) {
	query := `
		SELECT device_uuid, timestamp, status, response
		FROM device_reboot_events
		WHERE device_uuid = $1
		ORDER BY id DESC
	`

	rows, err := r.db.Query(query, deviceUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reboot history: %w", err)
	}
	defer rows.Close()

	var events []models.RebootEvent
	for rows.Next() {
		var ev models.RebootEvent
		var ts time.Time
		if err := rows.Scan(&ev.DeviceUUID, &ts, &ev.Status, &ev.Response); err != nil {
			return nil, fmt.Errorf("failed to scan reboot event: %w", err)
		}
		ev.Timestamp = ts
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reboot events: %w", err)
	}

	return events, nil
}
