package repository

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
)

// TelemetryRepository flattened telemetry rows
type TelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTelemetryRepository creates the telemetry repository
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores one flattened record
func (r *TelemetryRepository) Insert(rec *models.TelemetryRecord) (int64, error) {
	query := `
		INSERT INTO telemetry (
			device_uuid,
			timestamp,
			channel_id,
			phase,
			channel_status,
			temperature,
			line_voltage,
			rms_voltage,
			frequency,
			current,
			power_factor,
			active_power,
			reactive_power,
			apparent_power,
			active_energy_positive,
			active_energy_negative,
			reactive_energy_positive,
			reactive_energy_negative,
			avg_power_factor,
			avg_active_power,
			avg_reactive_power,
			avg_apparent_power,
			avg_active_energy_positive,
			avg_active_energy_negative,
			avg_reactive_energy_positive,
			avg_reactive_energy_negative,
			battery_level,
			signal_strength,
			firmware_version,
			processed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRow(
		query,
		rec.DeviceUUID,
		rec.Timestamp,
		rec.ChannelID,
		rec.Phase,
		rec.ChannelStatus,
		rec.Temperature,
		rec.LineVoltage,
		rec.RMSVoltage,
		rec.Frequency,
		rec.Current,
		rec.PowerFactor,
		rec.ActivePower,
		rec.ReactivePower,
		rec.ApparentPower,
		rec.ActiveEnergyPositive,
		rec.ActiveEnergyNegative,
		rec.ReactiveEnergyPositive,
		rec.ReactiveEnergyNegative,
		rec.AvgPowerFactor,
		rec.AvgActivePower,
		rec.AvgReactivePower,
		rec.AvgApparentPower,
		rec.AvgActiveEnergyPositive,
		rec.AvgActiveEnergyNegative,
		rec.AvgReactiveEnergyPositive,
		rec.AvgReactiveEnergyNegative,
		rec.BatteryLevel,
		rec.SignalStrength,
		rec.FirmwareVersion,
		rec.Processed,
	).Scan(&id)

	if err != nil {
		return 0, fmt.Errorf("failed to insert telemetry: %w", err)
	}

	return id, nil
}

// TopNPerGroup returns the N most recent records per (channel, phase) for a
// device within [start, end], ranked 1 = most recent within its group.
func (r *TelemetryRepository) TopNPerGroup(deviceUUID string, start, end time.Time, n int) ([]models.TelemetryRecord, error) {
	query := `
		SELECT
			id, device_uuid, timestamp, channel_id, phase, channel_status, temperature,
			line_voltage, rms_voltage, frequency, current,
			power_factor, active_power, reactive_power, apparent_power,
			active_energy_positive, active_energy_negative,
			reactive_energy_positive, reactive_energy_negative,
			avg_power_factor, avg_active_power, avg_reactive_power, avg_apparent_power,
			avg_active_energy_positive, avg_active_energy_negative,
			avg_reactive_energy_positive, avg_reactive_energy_negative,
			battery_level, signal_strength, firmware_version, processed, rnk
		FROM (
			SELECT t.*, ROW_NUMBER() OVER (
				PARTITION BY channel_id, phase
				ORDER BY timestamp DESC, id DESC
			) AS rnk
			FROM telemetry t
			WHERE device_uuid = $1
			  AND timestamp >= $2
			  AND timestamp <= $3
		) ranked
		WHERE rnk <= $4
		ORDER BY channel_id ASC, phase ASC, rnk ASC
	`

	rows, err := r.db.Query(query, deviceUUID, start, end, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry groups: %w", err)
	}
	defer rows.Close()

	var records []models.TelemetryRecord
	for rows.Next() {
		var rec models.TelemetryRecord
		err := rows.Scan(
			&rec.ID, &rec.DeviceUUID, &rec.Timestamp, &rec.ChannelID, &rec.Phase,
			&rec.ChannelStatus, &rec.Temperature,
			&rec.LineVoltage, &rec.RMSVoltage, &rec.Frequency, &rec.Current,
			&rec.PowerFactor, &rec.ActivePower, &rec.ReactivePower, &rec.ApparentPower,
			&rec.ActiveEnergyPositive, &rec.ActiveEnergyNegative,
			&rec.ReactiveEnergyPositive, &rec.ReactiveEnergyNegative,
			&rec.AvgPowerFactor, &rec.AvgActivePower, &rec.AvgReactivePower, &rec.AvgApparentPower,
			&rec.AvgActiveEnergyPositive, &rec.AvgActiveEnergyNegative,
			&rec.AvgReactiveEnergyPositive, &rec.AvgReactiveEnergyNegative,
			&rec.BatteryLevel, &rec.SignalStrength, &rec.FirmwareVersion, &rec.Processed,
			&rec.Rank,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telemetry row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate telemetry rows: %w", err)
	}

	return records, nil
}

// LatestWithAverages returns, per phase of one channel, the latest record
// overlaid with trailing-window averages of the power/energy fields. The
// window is anchored at the channel's most recent observation, not at now.
func (r *TelemetryRepository) LatestWithAverages(deviceUUID string, channelID int, window time.Duration) ([]models.TelemetryRecord, error) {
	query := `
		WITH anchor AS (
			SELECT MAX(timestamp) AS ts
			FROM telemetry
			WHERE device_uuid = $1 AND channel_id = $2
		), windowed AS (
			SELECT t.*
			FROM telemetry t, anchor
			WHERE t.device_uuid = $1
			  AND t.channel_id = $2
			  AND t.timestamp >= anchor.ts - $3 * INTERVAL '1 second'
			  AND t.timestamp <= anchor.ts
		), ranked AS (
			SELECT w.id, w.device_uuid, w.timestamp, w.channel_id, w.phase,
				w.channel_status, w.temperature,
				w.line_voltage, w.rms_voltage, w.frequency, w.current,
				w.power_factor, w.active_power, w.reactive_power, w.apparent_power,
				w.active_energy_positive, w.active_energy_negative,
				w.reactive_energy_positive, w.reactive_energy_negative,
				w.battery_level, w.signal_strength, w.firmware_version, w.processed,
				ROW_NUMBER() OVER (PARTITION BY w.phase ORDER BY w.timestamp DESC, w.id DESC) AS rn,
				ROUND(AVG(w.power_factor) OVER (PARTITION BY w.phase)) AS avg_power_factor,
				ROUND(AVG(w.active_power) OVER (PARTITION BY w.phase)) AS avg_active_power,
				ROUND(AVG(w.reactive_power) OVER (PARTITION BY w.phase)) AS avg_reactive_power,
				ROUND(AVG(w.apparent_power) OVER (PARTITION BY w.phase)) AS avg_apparent_power,
				ROUND(AVG(w.active_energy_positive) OVER (PARTITION BY w.phase)) AS avg_active_energy_positive,
				ROUND(AVG(w.active_energy_negative) OVER (PARTITION BY w.phase)) AS avg_active_energy_negative,
				ROUND(AVG(w.reactive_energy_positive) OVER (PARTITION BY w.phase)) AS avg_reactive_energy_positive,
				ROUND(AVG(w.reactive_energy_negative) OVER (PARTITION BY w.phase)) AS avg_reactive_energy_negative
			FROM windowed w
		)
		SELECT
			id, device_uuid, timestamp, channel_id, phase, channel_status, temperature,
			line_voltage, rms_voltage, frequency, current,
			power_factor, active_power, reactive_power, apparent_power,
			active_energy_positive, active_energy_negative,
			reactive_energy_positive, reactive_energy_negative,
			avg_power_factor, avg_active_power, avg_reactive_power, avg_apparent_power,
			avg_active_energy_positive, avg_active_energy_negative,
			avg_reactive_energy_positive, avg_reactive_energy_negative,
			battery_level, signal_strength, firmware_version, processed
		FROM ranked
		WHERE rn = 1
		ORDER BY phase ASC
	`

	rows, err := r.db.Query(query, deviceUUID, channelID, int64(window.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to query windowed averages: %w", err)
	}
	defer rows.Close()

	var records []models.TelemetryRecord
	for rows.Next() {
		var rec models.TelemetryRecord
		err := rows.Scan(
			&rec.ID, &rec.DeviceUUID, &rec.Timestamp, &rec.ChannelID, &rec.Phase,
			&rec.ChannelStatus, &rec.Temperature,
			&rec.LineVoltage, &rec.RMSVoltage, &rec.Frequency, &rec.Current,
			&rec.PowerFactor, &rec.ActivePower, &rec.ReactivePower, &rec.ApparentPower,
			&rec.ActiveEnergyPositive, &rec.ActiveEnergyNegative,
			&rec.ReactiveEnergyPositive, &rec.ReactiveEnergyNegative,
			&rec.AvgPowerFactor, &rec.AvgActivePower, &rec.AvgReactivePower, &rec.AvgApparentPower,
			&rec.AvgActiveEnergyPositive, &rec.AvgActiveEnergyNegative,
			&rec.AvgReactiveEnergyPositive, &rec.AvgReactiveEnergyNegative,
			&rec.BatteryLevel, &rec.SignalStrength, &rec.FirmwareVersion, &rec.Processed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan windowed row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate windowed rows: %w", err)
	}

	return records, nil
}

// LatestPerPhase returns the most recent record per (channel, phase) for a
// device, across all channels, ordered by channel then phase.
func (r *TelemetryRepository) LatestPerPhase(deviceUUID string) ([]models.TelemetryRecord, error) {
	return r.TopNPerGroup(deviceUUID, time.Time{}, farFuture(), 1)
}

func farFuture() time.Time {
	return time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
}
