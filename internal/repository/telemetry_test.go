package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
)

func setupTelemetryRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *TelemetryRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewTelemetryRepository(db, zap.NewNop())
	return db, mock, repo
}

var telemetryColumns = []string{
	"id", "device_uuid", "timestamp", "channel_id", "phase", "channel_status", "temperature",
	"line_voltage", "rms_voltage", "frequency", "current",
	"power_factor", "active_power", "reactive_power", "apparent_power",
	"active_energy_positive", "active_energy_negative",
	"reactive_energy_positive", "reactive_energy_negative",
	"avg_power_factor", "avg_active_power", "avg_reactive_power", "avg_apparent_power",
	"avg_active_energy_positive", "avg_active_energy_negative",
	"avg_reactive_energy_positive", "avg_reactive_energy_negative",
	"battery_level", "signal_strength", "firmware_version", "processed",
}

func telemetryRow(id int64, ts time.Time, channelID int, phase string, rank int) []driverValue {
	vals := []driverValue{
		id, "D1", ts, channelID, phase, true, 40.0,
		230.0, 229.5, 50.0, 5.0,
		0.9, 1000.0, nil, nil,
		nil, nil, nil, nil,
		nil, nil, nil, nil, nil, nil, nil, nil,
		nil, nil, nil, false,
	}
	if rank > 0 {
		vals = append(vals, rank)
	}
	return vals
}

type driverValue = driver.Value

func TestTelemetryInsert_Success(t *testing.T) {
	db, mock, repo := setupTelemetryRepo(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO telemetry`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	voltage := 230.0
	id, err := repo.Insert(&models.TelemetryRecord{
		DeviceUUID:  "D1",
		Timestamp:   time.Now(),
		ChannelID:   1,
		Phase:       "a",
		LineVoltage: &voltage,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemetryInsert_Failure(t *testing.T) {
	db, mock, repo := setupTelemetryRepo(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO telemetry`).
		WillReturnError(errors.New("connection refused"))

	_, err := repo.Insert(&models.TelemetryRecord{DeviceUUID: "D1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert telemetry")
}

func TestTopNPerGroup(t *testing.T) {
	db, mock, repo := setupTelemetryRepo(t)
	defer db.Close()

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	start := ts.Add(-2 * time.Hour)

	columns := append(append([]string{}, telemetryColumns...), "rnk")
	rows := sqlmock.NewRows(columns).
		AddRow(telemetryRow(2, ts, 1, "a", 1)...).
		AddRow(telemetryRow(1, ts.Add(-time.Minute), 1, "a", 2)...)

	mock.ExpectQuery(`ROW_NUMBER\(\) OVER`).
		WithArgs("D1", start, ts, 2).
		WillReturnRows(rows)

	records, err := repo.TopNPerGroup("D1", start, ts, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, int64(2), records[0].ID)
	assert.Equal(t, 1, records[0].Rank)
	assert.Equal(t, 2, records[1].Rank)
	assert.Equal(t, "a", records[0].Phase)
	require.NotNil(t, records[0].LineVoltage)
	assert.Equal(t, 230.0, *records[0].LineVoltage)
	// NULL measurements scan to nil pointers
	assert.Nil(t, records[0].ReactivePower)
	assert.Nil(t, records[0].BatteryLevel)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopNPerGroup_Empty(t *testing.T) {
	db, mock, repo := setupTelemetryRepo(t)
	defer db.Close()

	columns := append(append([]string{}, telemetryColumns...), "rnk")
	mock.ExpectQuery(`ROW_NUMBER\(\) OVER`).
		WillReturnRows(sqlmock.NewRows(columns))

	records, err := repo.TopNPerGroup("D1", time.Now().Add(-time.Hour), time.Now(), 5)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLatestWithAverages(t *testing.T) {
	db, mock, repo := setupTelemetryRepo(t)
	defer db.Close()

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(telemetryColumns).
		AddRow(telemetryRow(7, ts, 2, "a", 0)...)

	mock.ExpectQuery(`WITH anchor AS`).
		WithArgs("D1", 2, int64(1800)).
		WillReturnRows(rows)

	records, err := repo.LatestWithAverages("D1", 2, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].ID)
	assert.Equal(t, 2, records[0].ChannelID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestPerPhase_UsesRankOne(t *testing.T) {
	db, mock, repo := setupTelemetryRepo(t)
	defer db.Close()

	columns := append(append([]string{}, telemetryColumns...), "rnk")
	mock.ExpectQuery(`ROW_NUMBER\(\) OVER`).
		WithArgs("D1", time.Time{}, farFuture(), 1).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.LatestPerPhase("D1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
